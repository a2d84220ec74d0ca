package monitor

import (
	"sync"
	"time"
)

// failureThreshold is the consecutive-failure count at which a signal is
// considered down rather than flaky.
const failureThreshold = 3

type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusFailed   HealthStatus = "failed"
)

// ToolHealth is the externally visible health snapshot for one tool.
type ToolHealth struct {
	Status       HealthStatus `json:"status"`
	ScanFailures int          `json:"scanFailures"`
	ReadFailures int          `json:"readFailures"`
	LastError    string       `json:"lastError,omitempty"`
}

// toolHealth tracks consecutive failure counts for one tool's discovery
// signals. The scan loop writes while HTTP handlers read, hence the
// lock.
type toolHealth struct {
	mu           sync.Mutex
	scanFailures int
	lastScanErr  string
	lastScanFail time.Time
	readFailures map[string]int // keyed by file path
	lastReadErr  string
	lastReadFail time.Time
}

func newToolHealth() *toolHealth {
	return &toolHealth{readFailures: make(map[string]int)}
}

func (h *toolHealth) recordScanSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scanFailures = 0
	h.lastScanErr = ""
}

func (h *toolHealth) recordScanFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scanFailures++
	h.lastScanErr = err.Error()
	h.lastScanFail = time.Now()
}

func (h *toolHealth) recordReadSuccess(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.readFailures, path)
}

func (h *toolHealth) recordReadFailure(path string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readFailures[path]++
	h.lastReadErr = err.Error()
	h.lastReadFail = time.Now()
}

func (h *toolHealth) snapshot() ToolHealth {
	h.mu.Lock()
	defer h.mu.Unlock()

	degraded := 0
	for _, n := range h.readFailures {
		if n >= failureThreshold {
			degraded++
		}
	}

	status := StatusHealthy
	if degraded > 0 {
		status = StatusDegraded
	}
	if h.scanFailures >= failureThreshold {
		status = StatusFailed
	}

	lastErr := h.lastReadErr
	if h.lastScanErr != "" && (h.lastReadErr == "" || h.lastScanFail.After(h.lastReadFail)) {
		lastErr = h.lastScanErr
	}

	return ToolHealth{
		Status:       status,
		ScanFailures: h.scanFailures,
		ReadFailures: degraded,
		LastError:    lastErr,
	}
}
