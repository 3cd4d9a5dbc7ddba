// Package health keeps process-wide liveness bookkeeping for the daemon:
// uptime, health-check counters and a bounded history of restarts.
package health

import (
	"runtime"
	"sync"
	"time"
)

// RestartRecord is one entry in the restart history.
type RestartRecord struct {
	Reason              string    `json:"reason"`
	ExitCode            *int      `json:"exitCode,omitempty"`
	TriggeredByWatchdog bool      `json:"triggeredByWatchdog"`
	Timestamp           time.Time `json:"timestamp"`
}

// TaskCounts is supplied by the daemon when building a report.
type TaskCounts struct {
	Active    int `json:"active"`
	Queued    int `json:"queued"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Report is a point-in-time health summary. RestartHistory is ordered
// most recent first.
type Report struct {
	Uptime             time.Duration   `json:"uptime"`
	MemoryUsageBytes   uint64          `json:"memoryUsageBytes"`
	TaskCounts         *TaskCounts     `json:"taskCounts,omitempty"`
	LastHealthCheck    time.Time       `json:"lastHealthCheck"`
	HealthChecksPassed int             `json:"healthChecksPassed"`
	HealthChecksFailed int             `json:"healthChecksFailed"`
	RestartHistory     []RestartRecord `json:"restartHistory"`
}

// Monitor is safe for concurrent use.
type Monitor struct {
	mu              sync.Mutex
	startedAt       time.Time
	checksPassed    int
	checksFailed    int
	lastHealthCheck time.Time
	restarts        []RestartRecord
	maxRestarts     int
	now             func() time.Time
}

// NewMonitor starts the uptime clock. maxRestartHistorySize below zero
// is treated as zero (an always-empty ring).
func NewMonitor(maxRestartHistorySize int) *Monitor {
	if maxRestartHistorySize < 0 {
		maxRestartHistorySize = 0
	}
	m := &Monitor{maxRestarts: maxRestartHistorySize, now: time.Now}
	m.startedAt = m.now()
	return m
}

// SetClock overrides the time source for tests.
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// RecordHealthCheck bumps the pass or fail counter.
func (m *Monitor) RecordHealthCheck(passed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastHealthCheck = m.now()
	if passed {
		m.checksPassed++
	} else {
		m.checksFailed++
	}
}

// RecordRestart appends to the restart ring, trimming the oldest entries
// when the ring exceeds its capacity.
func (m *Monitor) RecordRestart(reason string, exitCode *int, byWatchdog bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restarts = append(m.restarts, RestartRecord{
		Reason:              reason,
		ExitCode:            exitCode,
		TriggeredByWatchdog: byWatchdog,
		Timestamp:           m.now(),
	})
	if len(m.restarts) > m.maxRestarts {
		m.restarts = m.restarts[len(m.restarts)-m.maxRestarts:]
	}
}

// HasWatchdogRestarts reports whether any entry still in the ring was
// watchdog-triggered. Entries trimmed out no longer count.
func (m *Monitor) HasWatchdogRestarts() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.restarts {
		if r.TriggeredByWatchdog {
			return true
		}
	}
	return false
}

// ClearRestartHistory empties the ring. Uptime and health-check counters
// are untouched.
func (m *Monitor) ClearRestartHistory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restarts = nil
}

// Uptime is the time elapsed since the monitor was constructed.
func (m *Monitor) Uptime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Sub(m.startedAt)
}

// GetHealthReport assembles the full summary. counts may be nil when no
// daemon is attached.
func (m *Monitor) GetHealthReport(counts *TaskCounts) Report {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m.mu.Lock()
	defer m.mu.Unlock()

	history := make([]RestartRecord, len(m.restarts))
	for i, r := range m.restarts {
		history[len(m.restarts)-1-i] = r
	}
	return Report{
		Uptime:             m.now().Sub(m.startedAt),
		MemoryUsageBytes:   mem.Alloc,
		TaskCounts:         counts,
		LastHealthCheck:    m.lastHealthCheck,
		HealthChecksPassed: m.checksPassed,
		HealthChecksFailed: m.checksFailed,
		RestartHistory:     history,
	}
}
