// Package capacity watches the ratio of daily spend to daily budget and
// announces when pressure drops enough for paused work to resume.
package capacity

import (
	"sync"
	"time"

	"apex/internal/events"
	"apex/internal/logging"
	"apex/internal/usage"
)

// Reason tags why capacity became available again.
type Reason string

const (
	ReasonCapacityDropped Reason = "capacity_dropped"
	ReasonBudgetReset     Reason = "budget_reset"
	ReasonModeSwitch      Reason = "mode_switch"
	ReasonManualOverride  Reason = "manual_override"
)

// Monitor derives a capacity percentage from the usage provider and
// publishes capacity-restored events on the bus.
type Monitor struct {
	mu             sync.Mutex
	provider       usage.Provider
	bus            *events.Bus
	threshold      float64
	aboveThreshold bool
	lastMode       string
	logger         logging.Logger
}

// NewMonitor builds a Monitor with the initial threshold (a fraction,
// e.g. 0.9 for 90%).
func NewMonitor(provider usage.Provider, bus *events.Bus, threshold float64, logger logging.Logger) *Monitor {
	return &Monitor{
		provider:  provider,
		bus:       bus,
		threshold: threshold,
		logger:    logging.OrNop(logger),
	}
}

// Percentage returns dailyCost/dailyBudget, 0 when the budget is 0.
func (m *Monitor) Percentage() float64 {
	budget := m.provider.DailyBudget()
	if budget <= 0 {
		return 0
	}
	return m.provider.CurrentDailyUsage().TotalCost / budget
}

// SetThreshold updates the active threshold, typically when the
// scheduler switches between day and night limits.
func (m *Monitor) SetThreshold(threshold float64) {
	m.mu.Lock()
	m.threshold = threshold
	m.mu.Unlock()
}

// Observe samples the current percentage against the active threshold.
// Crossing from above to below emits capacity_dropped. Call it after
// every usage update or on a timer.
func (m *Monitor) Observe() {
	pct := m.Percentage()

	m.mu.Lock()
	wasAbove := m.aboveThreshold
	m.aboveThreshold = pct >= m.threshold
	dropped := wasAbove && !m.aboveThreshold
	threshold := m.threshold
	m.mu.Unlock()

	if dropped {
		m.logger.Info("capacity: dropped below threshold (%.0f%% < %.0f%%)", pct*100, threshold*100)
		m.emit(ReasonCapacityDropped, pct)
	}
}

// NotifyBudgetReset reports the start of a new calendar day. Wire it to
// the usage manager's rollover handler.
func (m *Monitor) NotifyBudgetReset(date string) {
	m.mu.Lock()
	m.aboveThreshold = false
	m.mu.Unlock()
	m.logger.Info("capacity: daily budget reset for %s", date)
	m.emit(ReasonBudgetReset, m.Percentage())
}

// NotifyModeSwitch reports a day/night window transition. Repeated calls
// with the same mode are ignored.
func (m *Monitor) NotifyModeSwitch(mode string, threshold float64) {
	m.mu.Lock()
	if mode == m.lastMode {
		m.mu.Unlock()
		return
	}
	first := m.lastMode == ""
	m.lastMode = mode
	m.threshold = threshold
	m.mu.Unlock()

	if first {
		return
	}
	m.logger.Info("capacity: time window switched to %s mode", mode)
	m.emit(ReasonModeSwitch, m.Percentage())
}

// TriggerManualOverride lets an operator force a restoration pass.
func (m *Monitor) TriggerManualOverride() {
	m.mu.Lock()
	m.aboveThreshold = false
	m.mu.Unlock()
	m.logger.Warn("capacity: manual override triggered")
	m.emit(ReasonManualOverride, m.Percentage())
}

func (m *Monitor) emit(reason Reason, pct float64) {
	m.bus.Publish(events.Event{
		Name: events.CapacityRestored,
		Payload: map[string]any{
			"reason":     string(reason),
			"percentage": pct,
		},
		Timestamp: time.Now(),
	})
}
