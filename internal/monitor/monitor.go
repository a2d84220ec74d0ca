// Package monitor orchestrates discovery: it drives the process scan,
// subscribes log directories to change notifications, feeds parsed
// lines into the session registry and the usage engine, and applies the
// per-tool liveness policy that moves sessions toward removal.
package monitor

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/agent-nexus/backend/internal/adapter"
	"github.com/agent-nexus/backend/internal/config"
	"github.com/agent-nexus/backend/internal/fsmon"
	"github.com/agent-nexus/backend/internal/lifecycle"
	"github.com/agent-nexus/backend/internal/procmon"
	"github.com/agent-nexus/backend/internal/usage"
)

// UsageNotifier is poked whenever aggregate usage changes; the sink
// decides how to throttle and fan out.
type UsageNotifier interface {
	UsageChanged()
}

type Monitor struct {
	cfg      *config.Config
	adapters []adapter.Adapter
	registry *lifecycle.Registry
	engine   *usage.Engine
	scanner  *procmon.Scanner
	reader   *fsmon.Reader
	watcher  *fsmon.Watcher
	notify   UsageNotifier
	clk      clock.Clock
	logger   *zap.Logger

	// scanning enforces the non-overlap invariant: a new liveness scan
	// never starts while the previous one is outstanding, since both
	// would race on the active-directory snapshot.
	scanning atomic.Bool

	mu        sync.Mutex
	openFiles map[string]map[string]bool // tool -> files held open by live processes
	health    map[string]*toolHealth
}

func New(cfg *config.Config, adapters []adapter.Adapter, registry *lifecycle.Registry, engine *usage.Engine, scanner *procmon.Scanner, watcher *fsmon.Watcher, notify UsageNotifier, clk clock.Clock, logger *zap.Logger) *Monitor {
	health := make(map[string]*toolHealth, len(adapters))
	for _, a := range adapters {
		health[a.Name()] = newToolHealth()
	}
	return &Monitor{
		cfg:       cfg,
		adapters:  adapters,
		registry:  registry,
		engine:    engine,
		scanner:   scanner,
		reader:    fsmon.NewReader(),
		watcher:   watcher,
		notify:    notify,
		clk:       clk,
		logger:    logger,
		openFiles: make(map[string]map[string]bool),
		health:    health,
	}
}

// Run drives the periodic liveness scan until ctx is canceled. An
// immediate scan runs first so restarts converge without waiting a full
// interval.
func (m *Monitor) Run(ctx context.Context) {
	m.ScanOnce(ctx)

	ticker := m.clk.Ticker(m.cfg.Monitor.ProcessScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ScanOnce(ctx)
		}
	}
}

// ScanOnce performs one discovery-and-liveness cycle across all tools.
// Overlapping invocations are skipped, not queued.
func (m *Monitor) ScanOnce(ctx context.Context) {
	if !m.scanning.CompareAndSwap(false, true) {
		m.logger.Debug("previous scan still running, skipping cycle")
		return
	}
	defer m.scanning.Store(false)

	for _, a := range m.adapters {
		if ctx.Err() != nil {
			return
		}
		m.scanTool(ctx, a)
	}
}

func (m *Monitor) scanTool(ctx context.Context, a adapter.Adapter) {
	tool := a.Name()
	strat := strategyFor(tool)
	tcfg := m.cfg.Tool(tool)

	open := make(map[string]bool)
	if strat.lockFiles {
		m.discoverLocked(a)
	} else {
		procs, err := m.scanProcesses(ctx, a, strat)
		if err != nil {
			m.health[tool].recordScanFailure(err)
			m.logger.Warn("process scan failed", zap.String("tool", tool), zap.Error(err))
			// Degrade to "no new information": liveness falls back to
			// the mtime grace window below.
		} else {
			m.health[tool].recordScanSuccess()
			for _, p := range procs {
				for _, f := range p.OpenLogs {
					open[f] = true
				}
				m.discoverForProcess(a, strat, tcfg, p)
			}
		}
	}

	m.mu.Lock()
	m.openFiles[tool] = open
	m.mu.Unlock()

	m.applyLiveness(a, strat, tcfg)
}

func (m *Monitor) scanProcesses(ctx context.Context, a adapter.Adapter, strat strategy) ([]procmon.ActiveProcess, error) {
	var encode func(string) string
	if strat.cwdEncoded {
		encode = a.EncodeCwd
	}
	return m.scanner.Scan(ctx, strat.binary, a.LogRoot(), encode)
}

// discoverForProcess watches and ingests the log files belonging to one
// live process.
func (m *Monitor) discoverForProcess(a adapter.Adapter, strat strategy, tcfg config.ToolConfig, p procmon.ActiveProcess) {
	if strat.cwdEncoded && p.LogDir != "" {
		m.watchDir(a, p.LogDir)
		for _, path := range fsmon.RecentLogFiles(p.LogDir, tcfg.DiscoverMaxAge, tcfg.DiscoverMaxFiles, false) {
			m.observeFile(a, path)
		}
	}
	// Files the process holds open are sessions regardless of where
	// they sit under the root.
	for _, path := range p.OpenLogs {
		m.watchDir(a, filepath.Dir(path))
		m.observeFile(a, path)
	}
	if !strat.cwdEncoded && len(p.OpenLogs) == 0 {
		// FD mapping came up empty (permissions, platform): fall back
		// to the most recently touched logs under the root.
		for _, path := range fsmon.RecentLogFiles(a.LogRoot(), tcfg.DiscoverMaxAge, tcfg.DiscoverMaxFiles, true) {
			m.watchDir(a, filepath.Dir(path))
			m.observeFile(a, path)
		}
	}
}

// discoverLocked handles tools that mark live sessions with sibling
// lock files instead of exposing FD mappings.
func (m *Monitor) discoverLocked(a adapter.Adapter) {
	files, dirs := fsmon.LockedSessionFiles(a.LogRoot())
	for dir := range dirs {
		m.watchDir(a, dir)
	}
	for _, path := range files {
		m.observeFile(a, path)
	}
}

func (m *Monitor) watchDir(a adapter.Adapter, dir string) {
	if m.watcher == nil || m.watcher.Watched(dir) {
		return
	}
	if err := m.watcher.WatchDir(dir, func(path string) { m.observeFile(a, path) }); err != nil {
		m.logger.Warn("watch failed", zap.String("dir", dir), zap.Error(err))
	}
}

// observeFile registers the session for a log file if needed and
// ingests any newly appended lines. The first observation folds the
// file's existing messages into the creation event rather than emitting
// a burst of per-message events. Safe to call repeatedly for the same
// file.
func (m *Monitor) observeFile(a adapter.Adapter, path string) {
	id := a.SessionID(path)

	lines, err := m.reader.ReadNewLines("live", path)
	if err != nil {
		m.health[a.Name()].recordReadFailure(path, err)
		return
	}
	m.health[a.Name()].recordReadSuccess(path)

	msgs, usageChanged := m.parseLines(a, id, lines)

	if !m.registry.Has(id) {
		name := a.ProjectName(filepath.Dir(path), path)
		m.registry.Observe(id, a.Name(), name, path, a.LogRoot(), msgs)
	} else if len(lines) > 0 {
		// Any new line is activity, even when nothing parsed to a
		// message.
		m.registry.RecordActivity(id, msgs)
	}

	if usageChanged && m.notify != nil {
		m.notify.UsageChanged()
	}
}

func (m *Monitor) parseLines(a adapter.Adapter, sessionID string, lines []string) ([]lifecycle.Message, bool) {
	var msgs []lifecycle.Message
	usageChanged := false
	for _, line := range lines {
		if msg, ok := a.ParseMessage(line); ok {
			msgs = append(msgs, lifecycle.Message{Role: msg.Role, Content: msg.Content})
		}
		if ev, ok := a.ParseUsageEvent(line); ok {
			if m.engine.Ingest(sessionID, a.Name(), ev) {
				usageChanged = true
			}
		}
	}
	return msgs, usageChanged
}

// applyLiveness moves sessions whose owning process is gone toward
// cooldown, per the tool's liveness policy.
func (m *Monitor) applyLiveness(a adapter.Adapter, strat strategy, tcfg config.ToolConfig) {
	tool := a.Name()
	m.mu.Lock()
	open := m.openFiles[tool]
	m.mu.Unlock()

	for _, s := range m.registry.All() {
		if s.Tool != tool {
			continue
		}
		if m.sessionLive(s, strat, tcfg, open) {
			continue
		}
		m.registry.MarkNotLive(s.ID)
	}
}

func (m *Monitor) sessionLive(s lifecycle.Session, strat strategy, tcfg config.ToolConfig, open map[string]bool) bool {
	if strat.lockFiles {
		return fsmon.Eligible(filepath.Base(s.FilePath)) &&
			lockPresent(s.FilePath) &&
			fsmon.ModifiedWithin(s.FilePath, tcfg.GraceWindow)
	}
	if open[s.FilePath] {
		return true
	}
	// The FD signal can be transiently unavailable; recent writes keep
	// the session alive through the grace window.
	return fsmon.ModifiedWithin(s.FilePath, tcfg.GraceWindow)
}

func lockPresent(path string) bool {
	return fsmon.Exists(path + ".lock")
}

// Health reports each tool's scan health for diagnostics.
func (m *Monitor) Health() map[string]ToolHealth {
	out := make(map[string]ToolHealth, len(m.health))
	for tool, h := range m.health {
		out[tool] = h.snapshot()
	}
	return out
}

// strategy captures how a tool's liveness and discovery signals work.
type strategy struct {
	binary     string
	cwdEncoded bool // logs bucketed under encoded working directories
	lockFiles  bool // liveness marked by sibling .lock files
}

func strategyFor(tool string) strategy {
	switch tool {
	case "claude-code":
		return strategy{binary: "claude", cwdEncoded: true}
	case "codex":
		return strategy{binary: "codex"}
	case "openclaw":
		return strategy{binary: "openclaw", lockFiles: true}
	default:
		return strategy{binary: tool}
	}
}
