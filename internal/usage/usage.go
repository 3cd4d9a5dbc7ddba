// Package usage tracks token and cost consumption per task and per
// calendar day, and raises limit signals when a task or the daily budget
// crosses its configured ceiling.
package usage

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"apex/internal/logging"
	"apex/internal/task"
)

// Limits are the configured ceilings. A zero value disables the
// corresponding check.
type Limits struct {
	MaxTokensPerTask int
	MaxCostPerTask   float64
	DailyBudget      float64
}

// LimitKind identifies which ceiling a signal reports.
type LimitKind string

const (
	LimitTaskTokens  LimitKind = "task_tokens"
	LimitTaskCost    LimitKind = "task_cost"
	LimitDailyBudget LimitKind = "daily_budget"
)

// LimitSignal is delivered to the limit callback when a ceiling is
// reached. TaskID is empty for daily-budget signals.
type LimitSignal struct {
	Kind    LimitKind
	TaskID  string
	Current float64
	Ceiling float64
}

// DailyUsage aggregates one local calendar day.
type DailyUsage struct {
	Date           string // 2006-01-02, local time
	TotalTokens    int
	TotalCost      float64
	TasksCompleted int
	TasksFailed    int
}

// Stats is a point-in-time snapshot of the manager's state.
type Stats struct {
	Daily       DailyUsage
	ActiveTasks int
	Limits      Limits
}

// Manager owns the accounting. All methods are safe for concurrent use.
type Manager struct {
	mu         sync.Mutex
	limits     Limits
	perTask    map[string]task.Usage
	daily      DailyUsage
	active     map[string]struct{}
	onLimit    func(LimitSignal)
	onRollover func(date string)
	cron       *cron.Cron
	now        func() time.Time
	logger     logging.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLimitHandler installs the callback invoked when a ceiling is
// crossed. The callback runs on the recording goroutine.
func WithLimitHandler(fn func(LimitSignal)) Option {
	return func(m *Manager) { m.onLimit = fn }
}

// WithRolloverHandler installs the callback invoked when a new calendar
// day starts, with the new date.
func WithRolloverHandler(fn func(date string)) Option {
	return func(m *Manager) { m.onRollover = fn }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a Manager with the given limits.
func NewManager(limits Limits, logger logging.Logger, opts ...Option) *Manager {
	m := &Manager{
		limits:  limits,
		perTask: make(map[string]task.Usage),
		active:  make(map[string]struct{}),
		now:     time.Now,
		logger:  logging.OrNop(logger),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.daily = DailyUsage{Date: dayKey(m.now())}
	return m
}

// Start schedules the midnight rollover. Rollover also happens lazily on
// any access that observes a new calendar day, so Start is optional and
// exists to make the budget_reset signal prompt rather than on-demand.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return nil
	}
	m.cron = cron.New()
	if _, err := m.cron.AddFunc("0 0 * * *", func() {
		m.mu.Lock()
		m.rolloverLocked()
		m.mu.Unlock()
	}); err != nil {
		m.cron = nil
		return err
	}
	m.cron.Start()
	return nil
}

// Stop halts the rollover schedule.
func (m *Manager) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c != nil {
		c.Stop()
	}
}

// RecordUsage adds a usage delta to the task's cumulative total and the
// daily aggregate, then re-evaluates limits.
func (m *Manager) RecordUsage(taskID string, delta task.Usage) {
	delta.Normalize()

	m.mu.Lock()
	m.rolloverIfNeededLocked()

	cum := m.perTask[taskID]
	cum.Add(delta)
	m.perTask[taskID] = cum

	m.daily.TotalTokens += delta.TotalTokens
	m.daily.TotalCost += delta.EstimatedCost

	signals := m.evaluateLocked(taskID, cum)
	onLimit := m.onLimit
	m.mu.Unlock()

	if onLimit != nil {
		for _, sig := range signals {
			onLimit(sig)
		}
	}
}

func (m *Manager) evaluateLocked(taskID string, cum task.Usage) []LimitSignal {
	var signals []LimitSignal
	if m.limits.MaxTokensPerTask > 0 && cum.TotalTokens >= m.limits.MaxTokensPerTask {
		signals = append(signals, LimitSignal{
			Kind:    LimitTaskTokens,
			TaskID:  taskID,
			Current: float64(cum.TotalTokens),
			Ceiling: float64(m.limits.MaxTokensPerTask),
		})
	}
	if m.limits.MaxCostPerTask > 0 && cum.EstimatedCost >= m.limits.MaxCostPerTask {
		signals = append(signals, LimitSignal{
			Kind:    LimitTaskCost,
			TaskID:  taskID,
			Current: cum.EstimatedCost,
			Ceiling: m.limits.MaxCostPerTask,
		})
	}
	if m.limits.DailyBudget > 0 && m.daily.TotalCost >= m.limits.DailyBudget {
		signals = append(signals, LimitSignal{
			Kind:    LimitDailyBudget,
			Current: m.daily.TotalCost,
			Ceiling: m.limits.DailyBudget,
		})
	}
	return signals
}

// TaskStarted marks a task as actively consuming capacity.
func (m *Manager) TaskStarted(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverIfNeededLocked()
	m.active[taskID] = struct{}{}
}

// TaskFinished removes the task from the active set and bumps the daily
// completion or failure counter.
func (m *Manager) TaskFinished(taskID string, completed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverIfNeededLocked()
	delete(m.active, taskID)
	if completed {
		m.daily.TasksCompleted++
	} else {
		m.daily.TasksFailed++
	}
}

// TaskUsage returns the cumulative usage recorded for one task.
func (m *Manager) TaskUsage(taskID string) task.Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perTask[taskID]
}

// Snapshot returns the current daily aggregate, active count and limits.
func (m *Manager) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverIfNeededLocked()
	return Stats{
		Daily:       m.daily,
		ActiveTasks: len(m.active),
		Limits:      m.limits,
	}
}

func (m *Manager) rolloverIfNeededLocked() {
	if dayKey(m.now()) != m.daily.Date {
		m.rolloverLocked()
	}
}

func (m *Manager) rolloverLocked() {
	date := dayKey(m.now())
	if date == m.daily.Date {
		return
	}
	m.logger.Info("usage: daily rollover %s -> %s (spent $%.2f)", m.daily.Date, date, m.daily.TotalCost)
	m.daily = DailyUsage{Date: date}
	if m.onRollover != nil {
		fn := m.onRollover
		go fn(date)
	}
}

func dayKey(t time.Time) string {
	return t.Local().Format("2006-01-02")
}
