package adapter

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
)

// OpenClawAdapter decodes OpenClaw agent session logs, stored per agent
// under:
//
//	~/.openclaw/agents/<agentName>/sessions/<session-id>.jsonl
//
// OpenClaw writes flat {role, content} lines for chat turns and keyed
// usage records that include the provider-billed cost, which is treated
// as authoritative over table-computed cost.
type OpenClawAdapter struct{}

func NewOpenClawAdapter() *OpenClawAdapter { return &OpenClawAdapter{} }

func (a *OpenClawAdapter) Name() string { return "openclaw" }

func (a *OpenClawAdapter) LogRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".openclaw", "agents")
}

func (a *OpenClawAdapter) ParseMessage(line string) (Message, bool) {
	if !gjson.Valid(line) {
		return Message{}, false
	}
	obj := gjson.Parse(line)

	role := obj.Get("role").String()
	if role != RoleUser && role != RoleAssistant {
		return Message{}, false
	}

	content := obj.Get("content")
	if text := textFromContent(content); text != "" {
		return Message{Role: role, Content: text}, true
	}

	if role == RoleAssistant {
		if summary := summarizeToolUse(content); summary != "" {
			return Message{Role: role, Content: summary}, true
		}
	} else if summary := summarizeToolResult(content); summary != "" {
		return Message{Role: role, Content: summary}, true
	}

	return Message{}, false
}

func (a *OpenClawAdapter) ParseUsageEvent(line string) (UsageEvent, bool) {
	if !gjson.Valid(line) {
		return UsageEvent{}, false
	}
	obj := gjson.Parse(line)

	usage := obj.Get("usage")
	if !usage.Exists() {
		return UsageEvent{}, false
	}

	key := obj.Get("id").String()
	if key == "" {
		key = obj.Get("uuid").String()
	}
	if key == "" {
		return UsageEvent{}, false
	}

	ev := UsageEvent{
		Kind:  DeltaEvent,
		Key:   key,
		Model: obj.Get("model").String(),
		Tokens: TokenCounts{
			Input:         usage.Get("input_tokens").Int(),
			Output:        usage.Get("output_tokens").Int(),
			CacheRead:     usage.Get("cache_read_input_tokens").Int(),
			CacheCreation: usage.Get("cache_write_tokens").Int(),
			Total:         usage.Get("total_tokens").Int(),
		},
		Timestamp: parseTimestamp(obj.Get("timestamp").String()),
	}

	if cost := obj.Get("costUsd"); cost.Exists() {
		ev.DirectCostUSD = cost.Float()
		ev.HasDirectCost = true
	} else if cost := obj.Get("cost.total"); cost.Exists() {
		ev.DirectCostUSD = cost.Float()
		ev.HasDirectCost = true
	}

	return ev, true
}

func (a *OpenClawAdapter) SessionID(filePath string) string {
	return strings.TrimSuffix(filepath.Base(filePath), ".jsonl")
}

// ProjectName extracts the agent name from .../agents/<agent>/sessions.
func (a *OpenClawAdapter) ProjectName(dir, filePath string) string {
	parts := strings.Split(filepath.Clean(dir), string(filepath.Separator))
	for i := len(parts) - 1; i > 0; i-- {
		if parts[i] == "sessions" {
			return parts[i-1]
		}
	}
	return filepath.Base(filepath.Dir(dir))
}

func (a *OpenClawAdapter) EncodeCwd(cwd string) string {
	clean := filepath.Clean(cwd)
	return strings.ReplaceAll(clean, string(filepath.Separator), "-")
}

func (a *OpenClawAdapter) DirectCostAuthoritative() bool { return true }
