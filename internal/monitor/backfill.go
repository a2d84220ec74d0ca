package monitor

import (
	"context"
	"os"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"github.com/agent-nexus/backend/internal/adapter"
	"github.com/agent-nexus/backend/internal/fsmon"
	"github.com/agent-nexus/backend/internal/usage"
)

// Backfill replays every discoverable log file into the usage engine so
// all-history totals are correct from startup, not just from the first
// live event. It yields periodically so timer-driven work is not
// starved, and publishes incremental progress for the UI.
func (m *Monitor) Backfill(ctx context.Context) {
	type fileRef struct {
		a    adapter.Adapter
		path string
	}

	var files []fileRef
	for _, a := range m.adapters {
		for _, path := range fsmon.ListLogFiles(a.LogRoot(), true) {
			files = append(files, fileRef{a: a, path: path})
		}
	}

	m.setBackfill(usage.BackfillProgress{Status: "running", TotalFiles: len(files)})
	m.logger.Info("backfill started", zap.Int("files", len(files)))

	for i, f := range files {
		if ctx.Err() != nil {
			m.setBackfill(usage.BackfillProgress{Status: "aborted", ScannedFiles: i, TotalFiles: len(files)})
			return
		}

		m.backfillFile(f.a, f.path)

		scanned := i + 1
		if scanned%m.cfg.Usage.BackfillYieldEvery == 0 {
			runtime.Gosched()
		}
		if scanned%m.cfg.Usage.BackfillBroadcastEvery == 0 {
			m.setBackfill(usage.BackfillProgress{Status: "running", ScannedFiles: scanned, TotalFiles: len(files)})
		}
	}

	m.setBackfill(usage.BackfillProgress{Status: "complete", ScannedFiles: len(files), TotalFiles: len(files)})
	m.logger.Info("backfill complete", zap.Int("files", len(files)))
}

// backfillFile replays one file's usage events. The live ingestion path
// may have already consumed some of them; the engine's idempotency and
// monotonicity rules make the overlap harmless.
func (m *Monitor) backfillFile(a adapter.Adapter, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // disappeared since listing
	}
	sessionID := a.SessionID(path)
	changed := false
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		if ev, ok := a.ParseUsageEvent(line); ok {
			if m.engine.Ingest(sessionID, a.Name(), ev) {
				changed = true
			}
		}
	}
	if changed && m.notify != nil {
		m.notify.UsageChanged()
	}
}

func (m *Monitor) setBackfill(p usage.BackfillProgress) {
	m.engine.SetBackfill(p)
	if m.notify != nil {
		m.notify.UsageChanged()
	}
}
