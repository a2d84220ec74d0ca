// Package adapter decodes tool-specific session logs into a normalized
// format. Each supported agent tool (Claude Code, Codex, OpenClaw) writes
// newline-delimited JSON in its own schema; an Adapter turns one line of
// that into either a chat message or a usage event.
//
// Parse functions are total over arbitrary text: malformed JSON,
// unrecognized shapes, and tool-internal bookkeeping all yield ok=false,
// never an error or panic.
package adapter

import (
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Synthetic-message prefixes. Tool invocations and their outputs are not
// plain chat turns; they are summarized into one-line messages carrying
// these prefixes so consumers can classify and optionally hide them.
const (
	ToolCallPrefix   = "[tool_call]"
	ToolOutputPrefix = "[tool_output]"
)

// Message is one normalized chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// EventKind discriminates the two usage-event families.
type EventKind string

const (
	// SnapshotEvent carries absolute cumulative counters. A smaller
	// snapshot than the one already stored is stale and must be ignored.
	SnapshotEvent EventKind = "snapshot"

	// DeltaEvent carries an idempotency key plus incremental counts.
	DeltaEvent EventKind = "delta"
)

// TokenCounts holds the token fields a usage event can report. Total is
// the explicitly reported running total when the log provides one; zero
// means "not reported" and consumers fall back to the component sum.
type TokenCounts struct {
	Input           int64 `json:"inputTokens"`
	Output          int64 `json:"outputTokens"`
	CachedInput     int64 `json:"cachedInputTokens"`
	CacheRead       int64 `json:"cacheReadInputTokens"`
	CacheCreation   int64 `json:"cacheCreationInputTokens"`
	ReasoningOutput int64 `json:"reasoningOutputTokens"`
	Total           int64 `json:"totalTokens"`
}

// Sum returns the component sum, ignoring any explicit total.
func (t TokenCounts) Sum() int64 {
	return t.Input + t.Output + t.CachedInput + t.CacheRead + t.CacheCreation
}

// Comparable orders cumulative snapshots: the explicit total plus cached
// input when a total was reported, else input+output+cached.
func (t TokenCounts) Comparable() int64 {
	if t.Total > 0 {
		return t.Total + t.CachedInput
	}
	return t.Input + t.Output + t.CachedInput
}

// Normalized returns a copy with Total filled in from the component sum
// when the log did not report one. Used for delta events so aggregates
// always have a usable total.
func (t TokenCounts) Normalized() TokenCounts {
	if t.Total == 0 {
		t.Total = t.Sum()
	}
	return t
}

// UsageEvent is one normalized token/cost reading parsed from a log line.
type UsageEvent struct {
	Kind   EventKind
	Key    string // idempotency key; required for delta events
	Model  string
	Tokens TokenCounts

	// DirectCostUSD is a cost figure reported by the tool itself.
	// Trusted over computed cost for tools that report authoritatively.
	DirectCostUSD float64
	HasDirectCost bool

	Timestamp time.Time // zero when the line carried no timestamp
}

// Adapter is the per-tool capability set. Implementations are stateless
// and safe for concurrent use.
type Adapter interface {
	// Name is the lowercase tool identifier ("claude-code", "codex",
	// "openclaw"), used in session keys and broadcast payloads.
	Name() string

	// LogRoot is the tool's on-disk log root directory for this host,
	// honoring the tool's env overrides. May not exist yet.
	LogRoot() string

	// ParseMessage decodes one log line into a chat message.
	ParseMessage(line string) (Message, bool)

	// ParseUsageEvent decodes one log line into a usage event.
	ParseUsageEvent(line string) (UsageEvent, bool)

	// SessionID derives the stable session identifier from a log file
	// path.
	SessionID(filePath string) string

	// ProjectName derives a display name from the log file's directory
	// and path.
	ProjectName(dir, filePath string) string

	// EncodeCwd maps a process working directory to the directory name
	// the tool uses under its log root. Deterministic and reversible.
	EncodeCwd(cwd string) string

	// DirectCostAuthoritative reports whether directly-reported costs
	// from this tool should be preferred over computed costs.
	DirectCostAuthoritative() bool
}

// All returns the adapters for every supported tool.
func All() []Adapter {
	return []Adapter{
		NewClaudeAdapter(),
		NewCodexAdapter(),
		NewOpenClawAdapter(),
	}
}

// parseTimestamp parses the RFC3339 timestamps the tools write. Returns
// the zero time for anything unparseable.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
