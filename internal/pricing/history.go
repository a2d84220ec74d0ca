package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	defaultCommitsURL = "https://api.github.com/repos/BerriAI/litellm/commits?path=model_prices_and_context_window.json&per_page=100"
	defaultRawBase    = "https://raw.githubusercontent.com/BerriAI/litellm"

	commitIndexTTL = 6 * time.Hour
	tableCacheSize = 8
)

type commitRef struct {
	SHA string
	At  time.Time
}

// History resolves the rate table as it stood at a past point in time,
// by indexing upstream revisions of the table and fetching the revision
// nearest at-or-before the requested timestamp. Parsed revisions are
// kept in a small LRU since replay clusters around few distinct
// revisions.
type History struct {
	commitsURL string
	rawBase    string
	client     *http.Client
	clk        clock.Clock
	logger     *zap.Logger

	mu        sync.Mutex
	commits   []commitRef // ascending by commit time
	indexedAt time.Time
	cache     *tableLRU
}

func NewHistory(client *http.Client, clk clock.Clock, logger *zap.Logger) *History {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &History{
		commitsURL: defaultCommitsURL,
		rawBase:    defaultRawBase,
		client:     client,
		clk:        clk,
		logger:     logger,
		cache:      newTableLRU(tableCacheSize),
	}
}

// TableAt returns the rate table in effect at ts. Timestamps older than
// the indexed range resolve to the oldest known revision.
func (h *History) TableAt(ctx context.Context, ts time.Time) (*Table, error) {
	if err := h.ensureIndex(ctx); err != nil {
		return nil, err
	}

	h.mu.Lock()
	ref, ok := h.commitAtOrBefore(ts)
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("pricing history: no revisions indexed")
	}

	if t, ok := h.cache.get(ref.SHA); ok {
		return t, nil
	}

	entries, err := h.fetchRevision(ctx, ref.SHA)
	if err != nil {
		return nil, err
	}
	t := NewTable(entries)
	h.cache.put(ref.SHA, t)
	return t, nil
}

// commitAtOrBefore binary-searches the ascending index. Caller holds
// h.mu.
func (h *History) commitAtOrBefore(ts time.Time) (commitRef, bool) {
	if len(h.commits) == 0 {
		return commitRef{}, false
	}
	// First commit strictly after ts; the one before it is our answer.
	i := sort.Search(len(h.commits), func(i int) bool {
		return h.commits[i].At.After(ts)
	})
	if i == 0 {
		return h.commits[0], true
	}
	return h.commits[i-1], true
}

func (h *History) ensureIndex(ctx context.Context) error {
	h.mu.Lock()
	fresh := len(h.commits) > 0 && h.clk.Now().Sub(h.indexedAt) < commitIndexTTL
	h.mu.Unlock()
	if fresh {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.commitsURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pricing history: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}

	var raw []struct {
		SHA    string `json:"sha"`
		Commit struct {
			Committer struct {
				Date time.Time `json:"date"`
			} `json:"committer"`
		} `json:"commit"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return err
	}

	commits := make([]commitRef, 0, len(raw))
	for _, c := range raw {
		if c.SHA == "" || c.Commit.Committer.Date.IsZero() {
			continue
		}
		commits = append(commits, commitRef{SHA: c.SHA, At: c.Commit.Committer.Date})
	}
	sort.Slice(commits, func(i, j int) bool { return commits[i].At.Before(commits[j].At) })
	if len(commits) == 0 {
		return fmt.Errorf("pricing history: empty commit index")
	}

	h.mu.Lock()
	h.commits = commits
	h.indexedAt = h.clk.Now()
	h.mu.Unlock()
	h.logger.Info("pricing history indexed", zap.Int("revisions", len(commits)))
	return nil
}

func (h *History) fetchRevision(ctx context.Context, sha string) (map[string]Entry, error) {
	url := fmt.Sprintf("%s/%s/model_prices_and_context_window.json", h.rawBase, sha)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pricing history: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, err
	}
	return parseEntries(body)
}

// tableLRU is a tiny fixed-capacity cache of parsed table revisions.
type tableLRU struct {
	mu    sync.Mutex
	cap   int
	order []string
	items map[string]*Table
}

func newTableLRU(cap int) *tableLRU {
	return &tableLRU{cap: cap, items: make(map[string]*Table)}
}

func (l *tableLRU) get(key string) (*Table, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.items[key]
	if ok {
		l.touch(key)
	}
	return t, ok
}

func (l *tableLRU) put(key string, t *Table) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.items[key]; !ok && len(l.items) >= l.cap {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.items, oldest)
	}
	l.items[key] = t
	l.touch(key)
}

// touch moves key to the most-recent end. Caller holds l.mu.
func (l *tableLRU) touch(key string) {
	for i, k := range l.order {
		if k == key {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	l.order = append(l.order, key)
}
