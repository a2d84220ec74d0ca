package usage

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/agent-nexus/backend/internal/adapter"
)

// CostAuditEntry is one append-only record of a usage change, written
// for post-hoc comparison of computed and directly reported costs.
type CostAuditEntry struct {
	Seq             int64               `json:"seq"`
	Timestamp       time.Time           `json:"timestamp"`
	SessionID       string              `json:"sessionId"`
	Tool            string              `json:"tool"`
	Model           string              `json:"model"`
	Tokens          adapter.TokenCounts `json:"tokens"`
	FinalCostUSD    float64             `json:"finalCostUsd"`
	ComputedCostUSD float64             `json:"computedCostUsd"`
	DirectCostUSD   *float64            `json:"directCostUsd,omitempty"`
	DeltaUSD        float64             `json:"deltaUsd,omitempty"`
	PricingSource   string              `json:"pricingSource,omitempty"`
}

// AuditLog appends cost-audit entries to a newline-delimited JSON file.
// Sequence numbers are monotonic and resume from the last entry already
// on disk, so the file stays totally ordered across restarts.
type AuditLog struct {
	mu   sync.Mutex
	f    *os.File
	next int64
}

func OpenAuditLog(path string) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &AuditLog{f: f, next: lastSeq(path) + 1}, nil
}

// Append writes one entry, assigning the next sequence number.
func (a *AuditLog) Append(entry CostAuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry.Seq = a.next
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := a.f.Write(append(data, '\n')); err != nil {
		return err
	}
	a.next++
	return nil
}

func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.f.Close()
}

// lastSeq reads the tail of an existing audit file and extracts the
// final entry's sequence number; zero when the file is absent or empty.
func lastSeq(path string) int64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return 0
	}

	const tail = 64 * 1024
	off := info.Size() - tail
	if off < 0 {
		off = 0
	}
	buf := make([]byte, info.Size()-off)
	if _, err := f.ReadAt(buf, off); err != nil && err != io.EOF {
		return 0
	}

	var last int64
	for _, line := range splitLines(buf) {
		if seq := gjson.GetBytes(line, "seq"); seq.Exists() {
			last = seq.Int()
		}
	}
	return last
}

func splitLines(buf []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range buf {
		if b == '\n' {
			if i > start {
				out = append(out, buf[start:i])
			}
			start = i + 1
		}
	}
	return out
}
