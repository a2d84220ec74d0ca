// Package pricing resolves model names to per-token rate cards and
// computes costs from token counts. Resolution never hard-fails: an
// unknown model prices at zero so token accounting continues.
package pricing

import (
	"regexp"
	"strings"
	"sync"

	"github.com/agent-nexus/backend/internal/adapter"
)

// tierThreshold is the token count above which the above-threshold
// rates apply, when a model defines them.
const tierThreshold = 200_000

// Entry is one model's rate card, in USD per token. Field names follow
// the upstream table's schema.
type Entry struct {
	InputCostPerToken             float64 `json:"input_cost_per_token"`
	OutputCostPerToken            float64 `json:"output_cost_per_token"`
	CacheReadInputTokenCost       float64 `json:"cache_read_input_token_cost"`
	CacheCreationInputTokenCost   float64 `json:"cache_creation_input_token_cost"`
	InputCostAboveThreshold       float64 `json:"input_cost_per_token_above_200k_tokens"`
	OutputCostAboveThreshold      float64 `json:"output_cost_per_token_above_200k_tokens"`
	CacheReadCostAboveThreshold   float64 `json:"cache_read_input_token_cost_above_200k_tokens"`
	CacheCreateCostAboveThreshold float64 `json:"cache_creation_input_token_cost_above_200k_tokens"`
}

// Table maps model identifiers to rate cards and memoizes alias
// resolution.
type Table struct {
	entries map[string]Entry

	mu       sync.Mutex
	resolved map[string]string // queried name -> table key ("" = miss)
}

func NewTable(entries map[string]Entry) *Table {
	return &Table{entries: entries, resolved: make(map[string]string)}
}

func (t *Table) Len() int { return len(t.entries) }

// Resolve finds the rate card for a model, expanding known alias forms:
// provider prefixes, date suffixes, "thinking" variants, and dash/dot
// version-separator differences.
func (t *Table) Resolve(model string) (Entry, bool) {
	if model == "" {
		return Entry{}, false
	}

	t.mu.Lock()
	key, seen := t.resolved[model]
	t.mu.Unlock()
	if seen {
		e, ok := t.entries[key]
		return e, ok && key != ""
	}

	key = t.lookup(model)
	t.mu.Lock()
	t.resolved[model] = key
	t.mu.Unlock()

	if key == "" {
		return Entry{}, false
	}
	return t.entries[key], true
}

func (t *Table) lookup(model string) string {
	for _, cand := range aliasCandidates(model) {
		if _, ok := t.entries[cand]; ok {
			return cand
		}
	}
	// Last resort: match a provider-prefixed table key by its bare tail.
	for _, cand := range aliasCandidates(model) {
		for key := range t.entries {
			if i := strings.LastIndexByte(key, '/'); i >= 0 && key[i+1:] == cand {
				return key
			}
		}
	}
	return ""
}

var dateSuffixRe = regexp.MustCompile(`-20\d{6,}$`)

// aliasCandidates generates normalized variants of a model name, most
// specific first.
func aliasCandidates(model string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	base := strings.ToLower(strings.TrimSpace(model))
	add(base)

	// Provider prefix ("anthropic/claude-...").
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
		add(base)
	}

	// Explicit thinking variants share the base model's rates.
	for _, s := range []string{base, strings.TrimSuffix(base, "-thinking")} {
		add(s)
		// Date-suffixed snapshots fall back to the undated name.
		undated := dateSuffixRe.ReplaceAllString(s, "")
		add(undated)
		// Dash and dot version separators are interchangeable in the
		// wild ("claude-3.5-sonnet" vs "claude-3-5-sonnet").
		add(dotToDash(undated))
		add(dashToDot(undated))
	}
	return out
}

var versionDotRe = regexp.MustCompile(`(\d)\.(\d)`)
var versionDashRe = regexp.MustCompile(`(\d)-(\d)`)

func dotToDash(s string) string { return versionDotRe.ReplaceAllString(s, "$1-$2") }
func dashToDot(s string) string { return versionDashRe.ReplaceAllString(s, "$1.$2") }

// Cost prices a token batch against a model's rate card. Unresolvable
// models cost zero.
func (t *Table) Cost(model string, tokens adapter.TokenCounts) float64 {
	e, ok := t.Resolve(model)
	if !ok {
		return 0
	}

	cost := tiered(tokens.Input, e.InputCostPerToken, e.InputCostAboveThreshold)
	cost += tiered(tokens.Output+tokens.ReasoningOutput, e.OutputCostPerToken, e.OutputCostAboveThreshold)
	cost += tiered(tokens.CachedInput+tokens.CacheRead, e.CacheReadInputTokenCost, e.CacheReadCostAboveThreshold)
	cost += tiered(tokens.CacheCreation, e.CacheCreationInputTokenCost, e.CacheCreateCostAboveThreshold)
	return cost
}

// tiered applies the base rate up to the threshold and the
// above-threshold rate beyond it. Without an above-threshold rate the
// base rate covers the whole amount.
func tiered(count int64, base, above float64) float64 {
	if count <= 0 {
		return 0
	}
	if above == 0 || count <= tierThreshold {
		return float64(count) * base
	}
	return float64(tierThreshold)*base + float64(count-tierThreshold)*above
}
