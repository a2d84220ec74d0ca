package fsmon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(content)
	require.NoError(t, err)
}

func TestReadNewLinesIncremental(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	writeFile(t, path, "one\ntwo\n")

	r := NewReader()
	lines, err := r.ReadNewLines("test", path)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, lines)

	// No new data: nothing returned.
	lines, err = r.ReadNewLines("test", path)
	require.NoError(t, err)
	assert.Empty(t, lines)

	appendFile(t, path, "three\n")
	lines, err = r.ReadNewLines("test", path)
	require.NoError(t, err)
	assert.Equal(t, []string{"three"}, lines)
}

func TestReadNewLinesPartialTrailingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	writeFile(t, path, "full\npart")

	r := NewReader()
	lines, err := r.ReadNewLines("test", path)
	require.NoError(t, err)
	assert.Equal(t, []string{"full"}, lines, "unterminated line must not be returned")

	// Completing the line recovers it on the next poll.
	appendFile(t, path, "ial\n")
	lines, err = r.ReadNewLines("test", path)
	require.NoError(t, err)
	assert.Equal(t, []string{"partial"}, lines)
}

func TestReadNewLinesIndependentConsumers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	writeFile(t, path, "a\nb\n")

	r := NewReader()
	_, err := r.ReadNewLines("live", path)
	require.NoError(t, err)

	lines, err := r.ReadNewLines("backfill", path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, lines, "second consumer starts from byte zero")
}

func TestReadNewLinesTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	writeFile(t, path, "aaaaaaaa\nbbbbbbbb\n")

	r := NewReader()
	_, err := r.ReadNewLines("test", path)
	require.NoError(t, err)

	// Replaced with a shorter file: reader restarts from zero.
	writeFile(t, path, "new\n")
	lines, err := r.ReadNewLines("test", path)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, lines)
}

func TestReadNewLinesMissingFile(t *testing.T) {
	r := NewReader()
	_, err := r.ReadNewLines("test", filepath.Join(t.TempDir(), "gone.jsonl"))
	assert.Error(t, err)
}

func TestReadNewLinesSkipsBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	writeFile(t, path, "a\n\n\nb\n")

	r := NewReader()
	lines, err := r.ReadNewLines("test", path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, lines)
}
