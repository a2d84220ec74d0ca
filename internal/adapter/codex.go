package adapter

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// CodexAdapter decodes OpenAI Codex CLI rollout logs. Codex stores
// sessions date-bucketed under:
//
//	~/.codex/sessions/YYYY/MM/DD/rollout-{timestamp}-{uuid}.jsonl
//
// The CODEX_HOME environment variable overrides the base directory.
//
// Codex periodically emits token_count events carrying cumulative running
// totals, so its usage events are snapshots, not deltas.
type CodexAdapter struct{}

func NewCodexAdapter() *CodexAdapter { return &CodexAdapter{} }

func (a *CodexAdapter) Name() string { return "codex" }

func (a *CodexAdapter) LogRoot() string {
	if env := strings.TrimSpace(os.Getenv("CODEX_HOME")); env != "" {
		return filepath.Join(env, "sessions")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".codex", "sessions")
}

func (a *CodexAdapter) ParseMessage(line string) (Message, bool) {
	if !gjson.Valid(line) {
		return Message{}, false
	}
	obj := gjson.Parse(line)
	if obj.Get("type").String() != "response_item" {
		return Message{}, false
	}
	payload := obj.Get("payload")

	switch payload.Get("type").String() {
	case "function_call":
		name := payload.Get("name").String()
		if name == "" {
			return Message{}, false
		}
		args := oneLine(payload.Get("arguments").String())
		return Message{
			Role:    RoleAssistant,
			Content: ToolCallPrefix + " " + name + "(" + truncate(args, 120) + ")",
		}, true
	case "function_call_output":
		out := oneLine(payload.Get("output").String())
		if out == "" {
			return Message{}, false
		}
		return Message{
			Role:    RoleUser,
			Content: ToolOutputPrefix + " " + truncate(out, 200),
		}, true
	}

	role := payload.Get("role").String()
	if role != RoleUser && role != RoleAssistant {
		return Message{}, false
	}

	text := codexText(payload.Get("content"))
	if text == "" {
		return Message{}, false
	}
	return Message{Role: role, Content: text}, true
}

func (a *CodexAdapter) ParseUsageEvent(line string) (UsageEvent, bool) {
	if !gjson.Valid(line) {
		return UsageEvent{}, false
	}
	obj := gjson.Parse(line)

	if obj.Get("type").String() != "event_msg" || obj.Get("payload.type").String() != "token_count" {
		return UsageEvent{}, false
	}

	info := obj.Get("payload.info")
	total := info.Get("total_token_usage")
	if !total.Exists() {
		return UsageEvent{}, false
	}

	model := info.Get("model").String()
	if model == "" {
		model = info.Get("model_name").String()
	}

	return UsageEvent{
		Kind:  SnapshotEvent,
		Model: model,
		Tokens: TokenCounts{
			Input:           total.Get("input_tokens").Int(),
			Output:          total.Get("output_tokens").Int(),
			CachedInput:     total.Get("cached_input_tokens").Int(),
			ReasoningOutput: total.Get("reasoning_output_tokens").Int(),
			Total:           total.Get("total_tokens").Int(),
		},
		Timestamp: parseTimestamp(obj.Get("timestamp").String()),
	}, true
}

var rolloutRe = regexp.MustCompile(`^rollout-\d[\dTZ:.-]*-([0-9a-fA-F-]{36})$`)

func (a *CodexAdapter) SessionID(filePath string) string {
	base := strings.TrimSuffix(filepath.Base(filePath), ".jsonl")
	if m := rolloutRe.FindStringSubmatch(base); m != nil {
		return m[1]
	}
	return base
}

// ProjectName maps the YYYY/MM/DD directory bucket to "YYYY-MM-DD".
func (a *CodexAdapter) ProjectName(dir, filePath string) string {
	parts := strings.Split(filepath.Clean(dir), string(filepath.Separator))
	if len(parts) >= 3 {
		year, month, day := parts[len(parts)-3], parts[len(parts)-2], parts[len(parts)-1]
		if len(year) == 4 && len(month) == 2 && len(day) == 2 {
			return year + "-" + month + "-" + day
		}
	}
	return filepath.Base(dir)
}

func (a *CodexAdapter) EncodeCwd(cwd string) string {
	clean := filepath.Clean(cwd)
	return strings.ReplaceAll(clean, string(filepath.Separator), "-")
}

func (a *CodexAdapter) DirectCostAuthoritative() bool { return false }

// codexText joins text blocks; Codex labels them "text", "input_text" or
// "output_text" depending on direction.
func codexText(content gjson.Result) string {
	if content.Type == gjson.String {
		return strings.TrimSpace(content.String())
	}
	if !content.IsArray() {
		return ""
	}
	var parts []string
	content.ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "text", "input_text", "output_text":
			if t := item.Get("text").String(); t != "" {
				parts = append(parts, t)
			}
		}
		return true
	})
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
