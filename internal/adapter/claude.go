package adapter

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
)

// ClaudeAdapter decodes Claude Code session logs. Claude Code stores one
// JSONL file per session under:
//
//	~/.claude/projects/<encoded-cwd>/<session-uuid>.jsonl
//
// where <encoded-cwd> is the working directory with every path separator
// replaced by "-". The CLAUDE_CONFIG_DIR environment variable overrides
// the base directory.
type ClaudeAdapter struct{}

func NewClaudeAdapter() *ClaudeAdapter { return &ClaudeAdapter{} }

func (a *ClaudeAdapter) Name() string { return "claude-code" }

func (a *ClaudeAdapter) LogRoot() string {
	if env := strings.TrimSpace(os.Getenv("CLAUDE_CONFIG_DIR")); env != "" {
		// Comma-separated list; the first entry is the primary root.
		first := strings.TrimSpace(strings.Split(env, ",")[0])
		if first != "" {
			return filepath.Join(first, "projects")
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude", "projects")
}

func (a *ClaudeAdapter) ParseMessage(line string) (Message, bool) {
	if !gjson.Valid(line) {
		return Message{}, false
	}
	obj := gjson.Parse(line)

	// Meta/command echoes and transcript summaries are bookkeeping,
	// not chat turns.
	if obj.Get("isMeta").Bool() || obj.Get("type").String() == "summary" {
		return Message{}, false
	}

	typ := obj.Get("type").String()
	role := obj.Get("message.role").String()
	if (typ != RoleUser && typ != RoleAssistant) || role != typ {
		return Message{}, false
	}

	content := obj.Get("message.content")
	if text := textFromContent(content); text != "" {
		return Message{Role: role, Content: text}, true
	}

	// No plain text: summarize structured blocks into a synthetic
	// one-liner instead.
	if role == RoleAssistant {
		if summary := summarizeToolUse(content); summary != "" {
			return Message{Role: role, Content: summary}, true
		}
	} else if summary := summarizeToolResult(content); summary != "" {
		return Message{Role: role, Content: summary}, true
	}

	return Message{}, false
}

func (a *ClaudeAdapter) ParseUsageEvent(line string) (UsageEvent, bool) {
	if !gjson.Valid(line) {
		return UsageEvent{}, false
	}
	obj := gjson.Parse(line)

	if obj.Get("type").String() != RoleAssistant {
		return UsageEvent{}, false
	}
	usage := obj.Get("message.usage")
	if !usage.Exists() {
		return UsageEvent{}, false
	}

	// Retried API calls rewrite the same message under a new requestId;
	// keying on both makes re-reads idempotent and retries distinct.
	key := obj.Get("message.id").String()
	if reqID := obj.Get("requestId").String(); key != "" && reqID != "" {
		key = key + ":" + reqID
	}
	if key == "" {
		key = obj.Get("uuid").String()
	}
	if key == "" {
		return UsageEvent{}, false
	}

	return UsageEvent{
		Kind:  DeltaEvent,
		Key:   key,
		Model: obj.Get("message.model").String(),
		Tokens: TokenCounts{
			Input:         usage.Get("input_tokens").Int(),
			Output:        usage.Get("output_tokens").Int(),
			CacheRead:     usage.Get("cache_read_input_tokens").Int(),
			CacheCreation: usage.Get("cache_creation_input_tokens").Int(),
		},
		Timestamp: parseTimestamp(obj.Get("timestamp").String()),
	}, true
}

func (a *ClaudeAdapter) SessionID(filePath string) string {
	return strings.TrimSuffix(filepath.Base(filePath), ".jsonl")
}

func (a *ClaudeAdapter) ProjectName(dir, filePath string) string {
	return filepath.Base(dir)
}

func (a *ClaudeAdapter) EncodeCwd(cwd string) string {
	clean := filepath.Clean(cwd)
	return strings.ReplaceAll(clean, string(filepath.Separator), "-")
}

func (a *ClaudeAdapter) DirectCostAuthoritative() bool { return false }

// textFromContent extracts plain text from a content field that is either
// a string or an array of typed blocks. Thinking blocks are dropped.
func textFromContent(content gjson.Result) string {
	if content.Type == gjson.String {
		return strings.TrimSpace(content.String())
	}
	if !content.IsArray() {
		return ""
	}
	var parts []string
	content.ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() == "text" {
			if t := item.Get("text").String(); t != "" {
				parts = append(parts, t)
			}
		}
		return true
	})
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func summarizeToolUse(content gjson.Result) string {
	if !content.IsArray() {
		return ""
	}
	var summary string
	content.ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() != "tool_use" {
			return true
		}
		name := item.Get("name").String()
		if name == "" {
			return true
		}
		input := item.Get("input").Raw
		summary = ToolCallPrefix + " " + name + "(" + truncate(oneLine(input), 120) + ")"
		return false
	})
	return summary
}

func summarizeToolResult(content gjson.Result) string {
	if !content.IsArray() {
		return ""
	}
	var summary string
	content.ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() != "tool_result" {
			return true
		}
		text := textFromContent(item.Get("content"))
		if text == "" {
			text = oneLine(item.Get("content").String())
		}
		if text == "" {
			return true
		}
		summary = ToolOutputPrefix + " " + truncate(oneLine(text), 200)
		return false
	})
	return summary
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
