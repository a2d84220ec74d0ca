// Package reconcile periodically recomputes authoritative per-tool cost
// totals by replaying each tool's full on-disk log history, priced with
// historically resolved rate tables, and overlays the result onto the
// live usage engine's totals.
package reconcile

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/agent-nexus/backend/internal/adapter"
	"github.com/agent-nexus/backend/internal/fsmon"
	"github.com/agent-nexus/backend/internal/pricing"
	"github.com/agent-nexus/backend/internal/usage"
)

// Overlay arbitrates between successive total computations for a tool.
// Within one external-snapshot generation (identified by the snapshot's
// own total, not its refresh time) the displayed figure is a running
// max, so a momentarily smaller live delta never makes the total go
// backwards. A genuinely new snapshot starts a fresh generation and may
// correct the total downwards.
type Overlay struct {
	generations map[string]*generation
}

type generation struct {
	snapshotTotal float64
	displayed     float64
}

func NewOverlay() *Overlay {
	return &Overlay{generations: make(map[string]*generation)}
}

// Apply combines an external snapshot total with the live delta accrued
// on top of it and returns the figure to display.
func (o *Overlay) Apply(tool string, snapshotTotal, liveDelta float64) float64 {
	candidate := snapshotTotal + liveDelta

	g := o.generations[tool]
	if g != nil && g.snapshotTotal == snapshotTotal {
		if candidate < g.displayed {
			candidate = g.displayed
		}
		g.displayed = candidate
		return candidate
	}

	o.generations[tool] = &generation{snapshotTotal: snapshotTotal, displayed: candidate}
	return candidate
}

// Reconciler drives the periodic replay for a fixed set of tools.
type Reconciler struct {
	tools    []adapter.Adapter
	engine   *usage.Engine
	history  *pricing.History
	fallback usage.Pricer
	overlay  *Overlay
	interval time.Duration
	clk      clock.Clock
	logger   *zap.Logger
}

func New(tools []adapter.Adapter, engine *usage.Engine, history *pricing.History, fallback usage.Pricer, interval time.Duration, clk clock.Clock, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		tools:    tools,
		engine:   engine,
		history:  history,
		fallback: fallback,
		overlay:  NewOverlay(),
		interval: interval,
		clk:      clk,
		logger:   logger,
	}
}

// Run reconciles on a fixed interval until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := r.clk.Ticker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReconcileAll(ctx)
		}
	}
}

// ReconcileAll replays every configured tool once.
func (r *Reconciler) ReconcileAll(ctx context.Context) {
	for _, a := range r.tools {
		if ctx.Err() != nil {
			return
		}
		r.reconcileTool(ctx, a)
	}
}

func (r *Reconciler) reconcileTool(ctx context.Context, a adapter.Adapter) {
	tool := a.Name()
	before := r.engine.ToolCost(tool)

	total, files, err := r.replay(ctx, a)
	if err != nil {
		r.logger.Warn("history replay failed", zap.String("tool", tool), zap.Error(err))
		return
	}

	// Cost accrued by the live path while the replay ran sits on top of
	// the snapshot it could not see.
	liveDelta := r.engine.ToolCost(tool) - before
	if liveDelta < 0 {
		liveDelta = 0
	}

	displayed := r.overlay.Apply(tool, total, liveDelta)
	r.engine.ApplyOverlay(tool, displayed)
	r.logger.Info("tool totals reconciled",
		zap.String("tool", tool),
		zap.Int("files", files),
		zap.Float64("totalUsd", displayed))
}

// replay runs the tool's entire log history through a scratch usage
// engine with historical pricing and returns the authoritative total.
// The scratch engine reuses the exact ingestion invariants of the live
// one, so replay and live totals can only diverge on pricing.
func (r *Reconciler) replay(ctx context.Context, a adapter.Adapter) (float64, int, error) {
	scratch := usage.NewEngine(r.replayPricer(), nil, r.clk, zap.NewNop())
	if a.DirectCostAuthoritative() {
		scratch.TrustDirectCost(a.Name())
	}

	files := fsmon.ListLogFiles(a.LogRoot(), true)
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue // removed mid-replay
		}
		sessionID := a.SessionID(path)
		for _, line := range strings.Split(string(data), "\n") {
			if line == "" {
				continue
			}
			if ev, ok := a.ParseUsageEvent(line); ok {
				scratch.Ingest(sessionID, a.Name(), ev)
			}
		}
	}
	return scratch.ToolCost(a.Name()), len(files), nil
}

func (r *Reconciler) replayPricer() usage.Pricer {
	return &historicalPricer{history: r.history, fallback: r.fallback}
}

// historicalPricer prices each event at the rates in effect at its
// timestamp, falling back to the current table when history is
// unavailable.
type historicalPricer struct {
	history  *pricing.History
	fallback usage.Pricer
}

func (p *historicalPricer) Cost(model string, tokens adapter.TokenCounts, at time.Time) (float64, string) {
	if p.history != nil && !at.IsZero() {
		ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
		defer cancel()
		if table, err := p.history.TableAt(ctx, at); err == nil {
			return table.Cost(model, tokens), "historical"
		}
	}
	if p.fallback != nil {
		return p.fallback.Cost(model, tokens, at)
	}
	return 0, "none"
}
