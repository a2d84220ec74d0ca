package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenClawParseMessage(t *testing.T) {
	a := NewOpenClawAdapter()

	got, ok := a.ParseMessage(`{"role":"user","content":"fix the bug"}`)
	require.True(t, ok)
	assert.Equal(t, Message{Role: "user", Content: "fix the bug"}, got)

	got, ok = a.ParseMessage(`{"role":"assistant","content":[{"type":"text","text":"on it"}]}`)
	require.True(t, ok)
	assert.Equal(t, "on it", got.Content)

	_, ok = a.ParseMessage(`{"role":"system","content":"prompt"}`)
	assert.False(t, ok)

	_, ok = a.ParseMessage(`garbage`)
	assert.False(t, ok)
}

func TestOpenClawParseUsageEvent(t *testing.T) {
	a := NewOpenClawAdapter()

	line := `{"id":"evt-9","role":"assistant","model":"gpt-5.3-codex","timestamp":"2026-08-30T12:00:00Z",` +
		`"usage":{"input_tokens":800,"output_tokens":120,"cache_read_input_tokens":3000,"cache_write_tokens":50},"costUsd":0.0145}`

	ev, ok := a.ParseUsageEvent(line)
	require.True(t, ok)
	assert.Equal(t, DeltaEvent, ev.Kind)
	assert.Equal(t, "evt-9", ev.Key)
	assert.Equal(t, "gpt-5.3-codex", ev.Model)
	assert.Equal(t, int64(800), ev.Tokens.Input)
	assert.Equal(t, int64(3000), ev.Tokens.CacheRead)
	assert.Equal(t, int64(50), ev.Tokens.CacheCreation)
	assert.True(t, ev.HasDirectCost)
	assert.InDelta(t, 0.0145, ev.DirectCostUSD, 1e-9)
	assert.True(t, a.DirectCostAuthoritative())
}

func TestOpenClawUsageEventRequiresKey(t *testing.T) {
	a := NewOpenClawAdapter()

	_, ok := a.ParseUsageEvent(`{"usage":{"input_tokens":10}}`)
	assert.False(t, ok, "keyless usage records cannot be deduplicated")
}

func TestOpenClawProjectName(t *testing.T) {
	a := NewOpenClawAdapter()
	assert.Equal(t, "scout", a.ProjectName("/home/u/.openclaw/agents/scout/sessions", ""))
}

func TestTokenCountsComparable(t *testing.T) {
	withTotal := TokenCounts{Input: 10, Output: 5, CachedInput: 100, Total: 1000}
	assert.Equal(t, int64(1100), withTotal.Comparable())

	withoutTotal := TokenCounts{Input: 10, Output: 5, CachedInput: 100}
	assert.Equal(t, int64(115), withoutTotal.Comparable())
}

func TestTokenCountsNormalized(t *testing.T) {
	tc := TokenCounts{Input: 10, Output: 5, CacheRead: 2}
	assert.Equal(t, int64(17), tc.Normalized().Total)

	explicit := TokenCounts{Input: 10, Total: 99}
	assert.Equal(t, int64(99), explicit.Normalized().Total)
}
