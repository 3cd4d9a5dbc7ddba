package usage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"apex/internal/task"
)

func TestRecordUsageAccumulates(t *testing.T) {
	m := NewManager(Limits{}, nil)

	m.RecordUsage("t1", task.Usage{InputTokens: 100, OutputTokens: 40, EstimatedCost: 0.5})
	m.RecordUsage("t1", task.Usage{InputTokens: 60, OutputTokens: 10, EstimatedCost: 0.25})
	m.RecordUsage("t2", task.Usage{InputTokens: 10, OutputTokens: 10, EstimatedCost: 0.1})

	u := m.TaskUsage("t1")
	assert.Equal(t, 160, u.InputTokens)
	assert.Equal(t, 50, u.OutputTokens)
	assert.Equal(t, 210, u.TotalTokens)
	assert.InDelta(t, 0.75, u.EstimatedCost, 1e-9)

	daily := m.Snapshot().Daily
	assert.Equal(t, 230, daily.TotalTokens)
	assert.InDelta(t, 0.85, daily.TotalCost, 1e-9)
}

func TestRecordUsageNormalizesTotals(t *testing.T) {
	m := NewManager(Limits{}, nil)
	m.RecordUsage("t1", task.Usage{InputTokens: 5, OutputTokens: 7})
	assert.Equal(t, 12, m.TaskUsage("t1").TotalTokens)
}

func TestTaskLimitSignals(t *testing.T) {
	var signals []LimitSignal
	m := NewManager(
		Limits{MaxTokensPerTask: 100, MaxCostPerTask: 1.0},
		nil,
		WithLimitHandler(func(s LimitSignal) { signals = append(signals, s) }),
	)

	m.RecordUsage("t1", task.Usage{InputTokens: 40, OutputTokens: 40, EstimatedCost: 0.4})
	assert.Empty(t, signals)

	m.RecordUsage("t1", task.Usage{InputTokens: 20, OutputTokens: 10, EstimatedCost: 0.2})
	if assert.Len(t, signals, 1) {
		assert.Equal(t, LimitTaskTokens, signals[0].Kind)
		assert.Equal(t, "t1", signals[0].TaskID)
		assert.Equal(t, float64(110), signals[0].Current)
	}
}

func TestDailyBudgetSignal(t *testing.T) {
	var signals []LimitSignal
	m := NewManager(
		Limits{DailyBudget: 1.0},
		nil,
		WithLimitHandler(func(s LimitSignal) { signals = append(signals, s) }),
	)

	m.RecordUsage("t1", task.Usage{EstimatedCost: 0.6})
	m.RecordUsage("t2", task.Usage{EstimatedCost: 0.6})

	if assert.Len(t, signals, 1) {
		assert.Equal(t, LimitDailyBudget, signals[0].Kind)
		assert.Empty(t, signals[0].TaskID)
	}
}

func TestActiveTaskTracking(t *testing.T) {
	m := NewManager(Limits{}, nil)

	m.TaskStarted("t1")
	m.TaskStarted("t2")
	assert.Equal(t, 2, m.Snapshot().ActiveTasks)

	m.TaskFinished("t1", true)
	m.TaskFinished("t2", false)
	snap := m.Snapshot()
	assert.Equal(t, 0, snap.ActiveTasks)
	assert.Equal(t, 1, snap.Daily.TasksCompleted)
	assert.Equal(t, 1, snap.Daily.TasksFailed)
}

func TestLazyDailyRollover(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 50, 0, 0, time.Local)
	m := NewManager(Limits{}, nil, WithClock(func() time.Time { return now }))

	m.RecordUsage("t1", task.Usage{InputTokens: 10, EstimatedCost: 5})
	assert.InDelta(t, 5, m.Snapshot().Daily.TotalCost, 1e-9)

	now = now.Add(20 * time.Minute) // crosses midnight
	daily := m.Snapshot().Daily
	assert.Equal(t, "2026-03-02", daily.Date)
	assert.Zero(t, daily.TotalCost)
	assert.Zero(t, daily.TotalTokens)

	// Per-task cumulative usage survives the day boundary.
	assert.Equal(t, 10, m.TaskUsage("t1").TotalTokens)
}

func TestProviderFallbackBudget(t *testing.T) {
	unbudgeted := NewProvider(NewManager(Limits{}, nil))
	assert.Equal(t, float64(100), unbudgeted.DailyBudget())

	budgeted := NewProvider(NewManager(Limits{DailyBudget: 250}, nil))
	assert.Equal(t, float64(250), budgeted.DailyBudget())
}
