package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agent-nexus/backend/internal/adapter"
	"github.com/agent-nexus/backend/internal/usage"
)

func TestOverlayFloorWithinSameSnapshot(t *testing.T) {
	o := NewOverlay()

	c1 := o.Apply("claude-code", 100, 10)
	c2 := o.Apply("claude-code", 100, 25)
	c3 := o.Apply("claude-code", 100, 15)

	assert.Equal(t, 110.0, c1)
	assert.Equal(t, 125.0, c2)
	assert.GreaterOrEqual(t, c3, c2, "a shrinking live delta must not lower the displayed total")
	assert.Equal(t, 125.0, c3)
}

func TestOverlayNewSnapshotCorrectsDownward(t *testing.T) {
	o := NewOverlay()

	first := o.Apply("claude-code", 100, 10)
	// The snapshot's own total changed: a genuine recomputation.
	second := o.Apply("claude-code", 80, 5)

	assert.Equal(t, 110.0, first)
	assert.Equal(t, 85.0, second)
	assert.Less(t, second, first)
}

func TestOverlayToolsIndependent(t *testing.T) {
	o := NewOverlay()
	o.Apply("claude-code", 100, 50)
	got := o.Apply("codex", 100, 10)
	assert.Equal(t, 110.0, got, "another tool's floor does not leak")
}

// lineAdapter parses test logs of the form "key input-tokens" per line.
type lineAdapter struct {
	root string
}

func (a *lineAdapter) Name() string                   { return "fake-tool" }
func (a *lineAdapter) LogRoot() string                { return a.root }
func (a *lineAdapter) DirectCostAuthoritative() bool  { return false }
func (a *lineAdapter) EncodeCwd(cwd string) string    { return cwd }
func (a *lineAdapter) SessionID(path string) string   { return filepath.Base(path) }
func (a *lineAdapter) ProjectName(_, _ string) string { return "fake" }

func (a *lineAdapter) ParseMessage(string) (adapter.Message, bool) {
	return adapter.Message{}, false
}

func (a *lineAdapter) ParseUsageEvent(line string) (adapter.UsageEvent, bool) {
	parts := strings.Fields(line)
	if len(parts) != 2 {
		return adapter.UsageEvent{}, false
	}
	in, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return adapter.UsageEvent{}, false
	}
	return adapter.UsageEvent{
		Kind:   adapter.DeltaEvent,
		Key:    parts[0],
		Model:  "test-model",
		Tokens: adapter.TokenCounts{Input: in},
	}, true
}

type flatPricer struct{ perToken float64 }

func (p flatPricer) Cost(_ string, tk adapter.TokenCounts, _ time.Time) (float64, string) {
	return float64(tk.Sum()) * p.perToken, "test"
}

func TestReconcileToolOverlaysReplayedTotal(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "s1.jsonl"), []byte("k1 1000\nk2 500\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "s2.jsonl"), []byte("k1 2000\nnot a usage line\n"), 0o644))

	mock := clock.NewMock()
	pricer := flatPricer{perToken: 0.001}
	engine := usage.NewEngine(pricer, nil, mock, zap.NewNop())
	fake := &lineAdapter{root: root}

	r := New([]adapter.Adapter{fake}, engine, nil, pricer, time.Minute, mock, zap.NewNop())
	r.ReconcileAll(context.Background())

	totals := engine.Totals()
	assert.InDelta(t, 3.5, totals.ByTool["fake-tool"].CostUSD, 1e-9)
}

func TestReconcileSurvivesMissingRoot(t *testing.T) {
	mock := clock.NewMock()
	pricer := flatPricer{perToken: 0.001}
	engine := usage.NewEngine(pricer, nil, mock, zap.NewNop())
	fake := &lineAdapter{root: filepath.Join(t.TempDir(), "absent")}

	r := New([]adapter.Adapter{fake}, engine, nil, pricer, time.Minute, mock, zap.NewNop())
	r.ReconcileAll(context.Background())

	assert.Equal(t, 0.0, engine.Totals().ByTool["fake-tool"].CostUSD)
}
