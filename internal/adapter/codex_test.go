package adapter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodexParseMessage(t *testing.T) {
	a := NewCodexAdapter()

	tests := []struct {
		name   string
		line   string
		want   Message
		wantOK bool
	}{
		{
			name:   "user text",
			line:   `{"type":"response_item","payload":{"role":"user","content":[{"type":"input_text","text":"run the tests"}]}}`,
			want:   Message{Role: "user", Content: "run the tests"},
			wantOK: true,
		},
		{
			name:   "assistant text",
			line:   `{"type":"response_item","payload":{"role":"assistant","content":[{"type":"output_text","text":"done"}]}}`,
			want:   Message{Role: "assistant", Content: "done"},
			wantOK: true,
		},
		{
			name:   "plain text block",
			line:   `{"type":"response_item","payload":{"role":"assistant","content":[{"type":"text","text":"ok"}]}}`,
			want:   Message{Role: "assistant", Content: "ok"},
			wantOK: true,
		},
		{
			name:   "system role dropped",
			line:   `{"type":"response_item","payload":{"role":"system","content":[{"type":"text","text":"x"}]}}`,
			wantOK: false,
		},
		{
			name:   "non response_item dropped",
			line:   `{"type":"turn_context","payload":{"model":"gpt-5-codex"}}`,
			wantOK: false,
		},
		{
			name:   "malformed dropped",
			line:   `{{`,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := a.ParseMessage(tt.line)
			require.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestCodexFunctionCallSummaries(t *testing.T) {
	a := NewCodexAdapter()

	got, ok := a.ParseMessage(`{"type":"response_item","payload":{"type":"function_call","name":"shell","arguments":"{\"command\":[\"ls\"]}"}}`)
	require.True(t, ok)
	assert.Equal(t, "assistant", got.Role)
	assert.True(t, strings.HasPrefix(got.Content, ToolCallPrefix+" shell("))

	got, ok = a.ParseMessage(`{"type":"response_item","payload":{"type":"function_call_output","output":"file1\nfile2"}}`)
	require.True(t, ok)
	assert.Equal(t, "user", got.Role)
	assert.True(t, strings.HasPrefix(got.Content, ToolOutputPrefix+" "))
	assert.NotContains(t, got.Content, "\n")
}

func TestCodexParseUsageSnapshot(t *testing.T) {
	a := NewCodexAdapter()

	line := `{"type":"event_msg","timestamp":"2026-08-30T09:00:00Z","payload":{"type":"token_count",` +
		`"info":{"model":"gpt-5-codex","total_token_usage":{"input_tokens":5000,"cached_input_tokens":1200,` +
		`"output_tokens":900,"reasoning_output_tokens":350,"total_tokens":6250}}}}`

	ev, ok := a.ParseUsageEvent(line)
	require.True(t, ok)
	assert.Equal(t, SnapshotEvent, ev.Kind)
	assert.Empty(t, ev.Key, "snapshots carry no idempotency key")
	assert.Equal(t, "gpt-5-codex", ev.Model)
	assert.Equal(t, int64(5000), ev.Tokens.Input)
	assert.Equal(t, int64(1200), ev.Tokens.CachedInput)
	assert.Equal(t, int64(6250), ev.Tokens.Total)

	_, ok = a.ParseUsageEvent(`{"type":"event_msg","payload":{"type":"agent_message"}}`)
	assert.False(t, ok)
}

func TestCodexSessionID(t *testing.T) {
	a := NewCodexAdapter()

	tests := []struct {
		path string
		want string
	}{
		{
			path: "/home/u/.codex/sessions/2026/08/30/rollout-2026-08-30T09-15-00-0199a213-81b2-7800-8aa1-bd0bd1c7b6ee.jsonl",
			want: "0199a213-81b2-7800-8aa1-bd0bd1c7b6ee",
		},
		{
			path: "/x/rollout-1756541700-0199a213-81b2-7800-8aa1-bd0bd1c7b6ee.jsonl",
			want: "0199a213-81b2-7800-8aa1-bd0bd1c7b6ee",
		},
		{
			path: "/x/unexpected-name.jsonl",
			want: "unexpected-name",
		},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, a.SessionID(tt.path))
	}
}

func TestCodexProjectName(t *testing.T) {
	a := NewCodexAdapter()
	assert.Equal(t, "2026-08-30", a.ProjectName("/home/u/.codex/sessions/2026/08/30", ""))
	assert.Equal(t, "sessions", a.ProjectName("/home/u/.codex/sessions", ""))
}
