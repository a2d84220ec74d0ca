package usage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestAuditLogAppendsSequenced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage-cost-history.jsonl")

	a, err := OpenAuditLog(path)
	require.NoError(t, err)
	require.NoError(t, a.Append(CostAuditEntry{SessionID: "s1", Tool: "claude-code"}))
	require.NoError(t, a.Append(CostAuditEntry{SessionID: "s1", Tool: "claude-code"}))
	require.NoError(t, a.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, int64(1), gjson.Get(lines[0], "seq").Int())
	assert.Equal(t, int64(2), gjson.Get(lines[1], "seq").Int())
}

func TestAuditLogResumesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage-cost-history.jsonl")

	a, err := OpenAuditLog(path)
	require.NoError(t, err)
	require.NoError(t, a.Append(CostAuditEntry{SessionID: "s1"}))
	require.NoError(t, a.Close())

	// Reopening must continue, not restart, the sequence.
	a, err = OpenAuditLog(path)
	require.NoError(t, err)
	require.NoError(t, a.Append(CostAuditEntry{SessionID: "s1"}))
	require.NoError(t, a.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, int64(2), gjson.Get(lines[1], "seq").Int())
}

func TestAuditLogCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime", "usage-cost-history.jsonl")
	a, err := OpenAuditLog(path)
	require.NoError(t, err)
	require.NoError(t, a.Append(CostAuditEntry{SessionID: "s1"}))
	require.NoError(t, a.Close())
	_, err = os.Stat(path)
	assert.NoError(t, err)
}
