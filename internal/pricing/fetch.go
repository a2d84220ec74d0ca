package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// DefaultTableURL is the upstream community rate table.
const DefaultTableURL = "https://raw.githubusercontent.com/BerriAI/litellm/main/model_prices_and_context_window.json"

// diskCache is the on-disk cache document, overwritten atomically on
// each successful refresh.
type diskCache struct {
	FetchedAt time.Time        `json:"fetchedAt"`
	Entries   map[string]Entry `json:"entries"`
}

// Fetcher serves the current rate table, refreshing it from the network
// on a TTL. Failures degrade in order: fresh memory, fresh disk cache,
// network, stale disk cache, builtin table. It never returns an error
// to callers.
type Fetcher struct {
	url       string
	cachePath string
	ttl       time.Duration
	client    *http.Client
	clk       clock.Clock
	logger    *zap.Logger

	mu        sync.Mutex
	table     *Table
	source    string
	fetchedAt time.Time
}

func NewFetcher(url, cachePath string, ttl time.Duration, client *http.Client, clk clock.Clock, logger *zap.Logger) *Fetcher {
	if url == "" {
		url = DefaultTableURL
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{
		url:       url,
		cachePath: cachePath,
		ttl:       ttl,
		client:    client,
		clk:       clk,
		logger:    logger,
	}
}

// Table returns the current rate table, refreshing it if the TTL has
// lapsed.
func (f *Fetcher) Table(ctx context.Context) (*Table, string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clk.Now()
	if f.table != nil && now.Sub(f.fetchedAt) < f.ttl {
		return f.table, f.source
	}

	// Fresh disk cache avoids the network entirely, e.g. right after a
	// restart.
	if cached, ok := f.readDisk(); ok && now.Sub(cached.FetchedAt) < f.ttl {
		f.install(NewTable(cached.Entries), "disk", cached.FetchedAt)
		return f.table, f.source
	}

	if entries, err := f.fetch(ctx); err == nil {
		f.writeDisk(diskCache{FetchedAt: now, Entries: entries})
		f.install(NewTable(entries), "network", now)
		return f.table, f.source
	} else {
		f.logger.Warn("pricing fetch failed", zap.Error(err))
	}

	// Stale disk beats builtin; both beat pricing at zero.
	if cached, ok := f.readDisk(); ok {
		f.install(NewTable(cached.Entries), "disk-stale", cached.FetchedAt)
		return f.table, f.source
	}
	if f.table != nil {
		return f.table, f.source
	}
	f.install(NewTable(builtinEntries()), "builtin", now)
	return f.table, f.source
}

// Current returns the last-installed table without refreshing. Before
// the first refresh completes the builtin table stands in, so callers
// on the ingestion path never wait on the network.
func (f *Fetcher) Current() (*Table, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.table == nil {
		// Zero fetchedAt keeps the placeholder outside the TTL, so the
		// next refresh still replaces it.
		f.install(NewTable(builtinEntries()), "builtin", time.Time{})
	}
	return f.table, f.source
}

// Run keeps the table fresh from the background: one refresh at
// startup, then one per interval tick. A tick that finds the table
// still within its TTL is a no-op, so the interval may be much shorter
// than the TTL.
func (f *Fetcher) Run(ctx context.Context, interval time.Duration) {
	f.refresh(ctx)

	ticker := f.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.refresh(ctx)
		}
	}
}

func (f *Fetcher) refresh(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, 45*time.Second)
	defer cancel()
	f.Table(rctx)
}

func (f *Fetcher) install(t *Table, source string, fetchedAt time.Time) {
	f.table = t
	f.source = source
	f.fetchedAt = fetchedAt
	f.logger.Info("pricing table loaded",
		zap.String("source", source),
		zap.Int("models", t.Len()))
}

func (f *Fetcher) fetch(ctx context.Context) (map[string]Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pricing fetch: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, err
	}
	return parseEntries(body)
}

// parseEntries decodes the upstream table, skipping non-model keys like
// the sample_spec documentation entry.
func parseEntries(body []byte) (map[string]Entry, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	entries := make(map[string]Entry, len(raw))
	for model, doc := range raw {
		if model == "sample_spec" {
			continue
		}
		var e Entry
		if err := json.Unmarshal(doc, &e); err != nil {
			continue
		}
		entries[model] = e
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("pricing fetch: empty table")
	}
	return entries, nil
}

func (f *Fetcher) readDisk() (diskCache, bool) {
	if f.cachePath == "" {
		return diskCache{}, false
	}
	data, err := os.ReadFile(f.cachePath)
	if err != nil {
		return diskCache{}, false
	}
	var cached diskCache
	if err := json.Unmarshal(data, &cached); err != nil || len(cached.Entries) == 0 {
		return diskCache{}, false
	}
	return cached, true
}

func (f *Fetcher) writeDisk(cached diskCache) {
	if f.cachePath == "" {
		return
	}
	data, err := json.Marshal(cached)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(f.cachePath), 0o755); err != nil {
		f.logger.Warn("pricing cache dir", zap.Error(err))
		return
	}
	tmp := f.cachePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		f.logger.Warn("pricing cache write", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, f.cachePath); err != nil {
		f.logger.Warn("pricing cache rename", zap.Error(err))
	}
}

// builtinEntries is the minimal last-resort table covering the models
// most commonly seen in agent logs.
func builtinEntries() map[string]Entry {
	return map[string]Entry{
		"claude-opus-4": {
			InputCostPerToken:           15e-6,
			OutputCostPerToken:          75e-6,
			CacheReadInputTokenCost:     1.5e-6,
			CacheCreationInputTokenCost: 18.75e-6,
		},
		"claude-sonnet-4": {
			InputCostPerToken:           3e-6,
			OutputCostPerToken:          15e-6,
			CacheReadInputTokenCost:     0.3e-6,
			CacheCreationInputTokenCost: 3.75e-6,
		},
		"claude-3-5-haiku": {
			InputCostPerToken:           0.8e-6,
			OutputCostPerToken:          4e-6,
			CacheReadInputTokenCost:     0.08e-6,
			CacheCreationInputTokenCost: 1e-6,
		},
		"gpt-5": {
			InputCostPerToken:       1.25e-6,
			OutputCostPerToken:      10e-6,
			CacheReadInputTokenCost: 0.125e-6,
		},
		"gpt-5-mini": {
			InputCostPerToken:       0.25e-6,
			OutputCostPerToken:      2e-6,
			CacheReadInputTokenCost: 0.025e-6,
		},
		"gpt-4o": {
			InputCostPerToken:       2.5e-6,
			OutputCostPerToken:      10e-6,
			CacheReadInputTokenCost: 1.25e-6,
		},
	}
}
