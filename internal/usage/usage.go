// Package usage tracks per-session token ledgers and costs. Usage
// records live independently of the session registry so totals survive
// session removal, and aggregates are always recomputed from the full
// event ledger rather than adjusted incrementally.
package usage

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/agent-nexus/backend/internal/adapter"
)

// TokenMode says how a session reports usage: cumulative running totals
// or keyed incremental events. The first event observed for a session
// fixes its mode.
type TokenMode string

const (
	ModeSnapshot TokenMode = "snapshot"
	ModeDelta    TokenMode = "delta"
)

// Pricer computes the cost of a token batch for a model, resolved as of
// the event's timestamp. Implementations must never fail hard: an
// unknown model prices at zero.
type Pricer interface {
	Cost(model string, tokens adapter.TokenCounts, at time.Time) (usd float64, source string)
}

type deltaRecord struct {
	Tokens        adapter.TokenCounts
	DirectCostUSD float64
	HasDirectCost bool
	Timestamp     time.Time
}

// Record is the usage ledger for one session.
type Record struct {
	SessionID       string
	Tool            string
	Model           string
	Mode            TokenMode
	SnapshotTokens  *adapter.TokenCounts
	AggregateTokens adapter.TokenCounts
	ComputedCostUSD float64
	DirectCostUSD   float64
	HasDirectCost   bool
	TotalCostUSD    float64
	PricingSource   string
	LastEventAt     time.Time

	deltas map[string]deltaRecord
}

// ToolTotals is the rollup for one tool.
type ToolTotals struct {
	CostUSD  float64 `json:"costUsd"`
	Tokens   int64   `json:"tokens"`
	Sessions int     `json:"sessions"`
}

// BackfillProgress reports the historical replay's position.
type BackfillProgress struct {
	Status       string `json:"status"`
	ScannedFiles int    `json:"scannedFiles"`
	TotalFiles   int    `json:"totalFiles"`
}

// TotalsPayload is the usage snapshot broadcast to subscribers.
type TotalsPayload struct {
	Scope     string                `json:"scope"`
	Totals    Summary               `json:"totals"`
	ByTool    map[string]ToolTotals `json:"byTool"`
	Backfill  BackfillProgress      `json:"backfill"`
	UpdatedAt time.Time             `json:"updatedAt"`
}

type Summary struct {
	CostUSD float64 `json:"costUsd"`
	Tokens  int64   `json:"tokens"`
}

// Engine ingests usage events and serves aggregate totals. External
// reconciliation may overlay a per-tool cost; the overlay replaces that
// tool's internally derived cost in totals until updated.
type Engine struct {
	pricer          Pricer
	audit           *AuditLog
	clk             clock.Clock
	logger          *zap.Logger
	directCostTools map[string]bool

	mu        sync.Mutex
	records   map[string]*Record
	overlays  map[string]float64
	backfill  BackfillProgress
	updatedAt time.Time
}

func NewEngine(pricer Pricer, audit *AuditLog, clk clock.Clock, logger *zap.Logger) *Engine {
	return &Engine{
		pricer:          pricer,
		audit:           audit,
		clk:             clk,
		logger:          logger,
		directCostTools: make(map[string]bool),
		records:         make(map[string]*Record),
		overlays:        make(map[string]float64),
		backfill:        BackfillProgress{Status: "idle"},
	}
}

// TrustDirectCost marks a tool whose self-reported per-event costs are
// authoritative over pricing-table computation.
func (e *Engine) TrustDirectCost(tool string) {
	e.mu.Lock()
	e.directCostTools[tool] = true
	e.mu.Unlock()
}

// Ingest applies one usage event to the session's ledger and reports
// whether any aggregate changed. Events that violate the ledger's
// invariants (stale snapshots, keyless deltas, kind mismatches) are
// skipped without error.
func (e *Engine) Ingest(sessionID, tool string, ev adapter.UsageEvent) bool {
	e.mu.Lock()

	rec, ok := e.records[sessionID]
	if !ok {
		mode := ModeDelta
		if ev.Kind == adapter.SnapshotEvent {
			mode = ModeSnapshot
		}
		rec = &Record{
			SessionID: sessionID,
			Tool:      tool,
			Mode:      mode,
			deltas:    make(map[string]deltaRecord),
		}
		e.records[sessionID] = rec
	}

	changed := false
	switch ev.Kind {
	case adapter.SnapshotEvent:
		changed = rec.Mode == ModeSnapshot && e.applySnapshot(rec, ev)
	case adapter.DeltaEvent:
		changed = rec.Mode == ModeDelta && e.applyDelta(rec, ev)
	}

	if !changed {
		e.mu.Unlock()
		return false
	}

	if ev.Model != "" {
		rec.Model = ev.Model
	}
	if ev.Timestamp.After(rec.LastEventAt) {
		rec.LastEventAt = ev.Timestamp
	}
	e.recomputeCost(rec)
	e.updatedAt = e.clk.Now()
	entry := e.auditEntry(rec)
	e.mu.Unlock()

	if e.audit != nil {
		if err := e.audit.Append(entry); err != nil {
			e.logger.Warn("cost audit append failed", zap.Error(err))
		}
	}
	return true
}

// applySnapshot accepts only a strictly larger cumulative value; a
// smaller one is a stale or out-of-order read.
func (e *Engine) applySnapshot(rec *Record, ev adapter.UsageEvent) bool {
	if rec.SnapshotTokens != nil && ev.Tokens.Comparable() <= rec.SnapshotTokens.Comparable() {
		return false
	}
	t := ev.Tokens.Normalized()
	rec.SnapshotTokens = &t
	rec.AggregateTokens = t
	return true
}

// applyDelta stores the keyed event and recomputes the aggregate from
// every stored event. Re-ingesting an identical event is a no-op; a
// changed payload under the same key replaces the old one.
func (e *Engine) applyDelta(rec *Record, ev adapter.UsageEvent) bool {
	if ev.Key == "" {
		return false
	}
	next := deltaRecord{
		Tokens:        ev.Tokens,
		DirectCostUSD: ev.DirectCostUSD,
		HasDirectCost: ev.HasDirectCost,
		Timestamp:     ev.Timestamp,
	}
	if prev, seen := rec.deltas[ev.Key]; seen && prev == next {
		return false
	}
	rec.deltas[ev.Key] = next

	var agg adapter.TokenCounts
	for _, d := range rec.deltas {
		agg.Input += d.Tokens.Input
		agg.Output += d.Tokens.Output
		agg.CachedInput += d.Tokens.CachedInput
		agg.CacheRead += d.Tokens.CacheRead
		agg.CacheCreation += d.Tokens.CacheCreation
		agg.ReasoningOutput += d.Tokens.ReasoningOutput
	}
	rec.AggregateTokens = agg.Normalized()
	return true
}

func (e *Engine) recomputeCost(rec *Record) {
	switch rec.Mode {
	case ModeDelta:
		var computed, direct float64
		hasDirect := false
		for _, d := range rec.deltas {
			usd, src := e.pricer.Cost(rec.Model, d.Tokens, d.Timestamp)
			computed += usd
			rec.PricingSource = src
			if d.HasDirectCost {
				direct += d.DirectCostUSD
				hasDirect = true
			}
		}
		rec.ComputedCostUSD = computed
		rec.DirectCostUSD = direct
		rec.HasDirectCost = hasDirect
	case ModeSnapshot:
		rec.ComputedCostUSD, rec.PricingSource = e.pricer.Cost(rec.Model, rec.AggregateTokens, rec.LastEventAt)
		rec.DirectCostUSD = 0
		rec.HasDirectCost = false
	}

	if rec.HasDirectCost && e.directCostTools[rec.Tool] {
		rec.TotalCostUSD = rec.DirectCostUSD
	} else {
		rec.TotalCostUSD = rec.ComputedCostUSD
	}
}

func (e *Engine) auditEntry(rec *Record) CostAuditEntry {
	entry := CostAuditEntry{
		Timestamp:       e.clk.Now(),
		SessionID:       rec.SessionID,
		Tool:            rec.Tool,
		Model:           rec.Model,
		Tokens:          rec.AggregateTokens,
		FinalCostUSD:    rec.TotalCostUSD,
		ComputedCostUSD: rec.ComputedCostUSD,
		PricingSource:   rec.PricingSource,
	}
	if rec.HasDirectCost {
		d := rec.DirectCostUSD
		entry.DirectCostUSD = &d
		entry.DeltaUSD = rec.DirectCostUSD - rec.ComputedCostUSD
	}
	return entry
}

// Session returns a copy of one session's ledger.
func (e *Engine) Session(sessionID string) (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[sessionID]
	if !ok {
		return Record{}, false
	}
	c := *rec
	c.deltas = nil
	if rec.SnapshotTokens != nil {
		t := *rec.SnapshotTokens
		c.SnapshotTokens = &t
	}
	return c, true
}

// ApplyOverlay replaces the displayed cost for one tool with an
// externally reconciled figure.
func (e *Engine) ApplyOverlay(tool string, costUSD float64) {
	e.mu.Lock()
	e.overlays[tool] = costUSD
	e.updatedAt = e.clk.Now()
	e.mu.Unlock()
}

// SetBackfill publishes backfill progress for inclusion in totals.
func (e *Engine) SetBackfill(p BackfillProgress) {
	e.mu.Lock()
	e.backfill = p
	e.updatedAt = e.clk.Now()
	e.mu.Unlock()
}

// Totals rolls up every session ledger, applying per-tool overlays.
func (e *Engine) Totals() TotalsPayload {
	e.mu.Lock()
	defer e.mu.Unlock()

	byTool := make(map[string]ToolTotals)
	for _, rec := range e.records {
		t := byTool[rec.Tool]
		t.CostUSD += rec.TotalCostUSD
		t.Tokens += rec.AggregateTokens.Total
		t.Sessions++
		byTool[rec.Tool] = t
	}
	for tool, cost := range e.overlays {
		t := byTool[tool]
		t.CostUSD = cost
		byTool[tool] = t
	}

	var sum Summary
	for _, t := range byTool {
		sum.CostUSD += t.CostUSD
		sum.Tokens += t.Tokens
	}

	return TotalsPayload{
		Scope:     "all_history",
		Totals:    sum,
		ByTool:    byTool,
		Backfill:  e.backfill,
		UpdatedAt: e.updatedAt,
	}
}

// ToolCost returns the internally derived (pre-overlay) cost for a tool.
func (e *Engine) ToolCost(tool string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var sum float64
	for _, rec := range e.records {
		if rec.Tool == tool {
			sum += rec.TotalCostUSD
		}
	}
	return sum
}
