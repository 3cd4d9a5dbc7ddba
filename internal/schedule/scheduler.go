// Package schedule decides whether the daemon may dispatch work right
// now, based on day/night time windows and the daily budget pressure.
package schedule

import (
	"fmt"
	"time"

	"apex/internal/usage"
)

// Mode labels the active time window.
type Mode string

const (
	ModeDay      Mode = "day"
	ModeNight    Mode = "night"
	ModeOffHours Mode = "off-hours"
)

// ModeLimits are the per-task ceilings that apply inside one window.
type ModeLimits struct {
	MaxConcurrentTasks int
	MaxTokensPerTask   int
	MaxCostPerTask     float64
}

// Config is the time-based-usage configuration. Hour lists enumerate the
// clock hours belonging to each window; a night list may wrap midnight
// (e.g. 22,23,0,...,6).
type Config struct {
	Enabled        bool
	DayHours       []int
	NightHours     []int
	DayThreshold   float64
	NightThreshold float64
	DayLimits      ModeLimits
	NightLimits    ModeLimits
}

// TimeWindow describes which window a given instant falls into.
type TimeWindow struct {
	Mode           Mode
	IsActive       bool
	StartHour      int
	EndHour        int
	NextTransition time.Time
}

// CapacityInfo reports budget pressure relative to the window threshold.
type CapacityInfo struct {
	CurrentPercentage float64
	Threshold         float64
	ShouldPause       bool
	Reason            string
}

// PauseDecision is the scheduler's answer to "may I dispatch now".
type PauseDecision struct {
	ShouldPause     bool
	Reason          string
	TimeWindow      TimeWindow
	Capacity        CapacityInfo
	NextResetTime   time.Time
	Recommendations []string
}

// nightHintWindow is how close to the night window a capacity pause must
// be before the decision suggests waiting for night mode.
const nightHintWindow = 3 * time.Hour

// Scheduler evaluates windows and capacity. It holds no mutable state;
// all answers derive from the config, the usage provider and the clock.
type Scheduler struct {
	cfg      Config
	provider usage.Provider
}

// NewScheduler fills defaulted hour lists (day 9-17, night 22-6) and
// thresholds (0.90 day, 0.96 night) for any field left empty.
func NewScheduler(cfg Config, provider usage.Provider) *Scheduler {
	if len(cfg.DayHours) == 0 {
		cfg.DayHours = hourSpan(9, 17)
	}
	if len(cfg.NightHours) == 0 {
		cfg.NightHours = hourSpan(22, 6)
	}
	if cfg.DayThreshold == 0 {
		cfg.DayThreshold = 0.90
	}
	if cfg.NightThreshold == 0 {
		cfg.NightThreshold = 0.96
	}
	return &Scheduler{cfg: cfg, provider: provider}
}

// hourSpan enumerates clock hours from start to end inclusive, wrapping
// midnight when end < start.
func hourSpan(start, end int) []int {
	hours := []int{start}
	for h := start; h != end; {
		h = (h + 1) % 24
		hours = append(hours, h)
	}
	return hours
}

func containsHour(hours []int, h int) bool {
	for _, hour := range hours {
		if hour == h {
			return true
		}
	}
	return false
}

// CurrentTimeWindow classifies the instant t. Day hours are checked
// before night hours, so an hour present in both lists counts as day.
func (s *Scheduler) CurrentTimeWindow(t time.Time) TimeWindow {
	if !s.cfg.Enabled {
		return TimeWindow{Mode: ModeOffHours, IsActive: false}
	}

	hour := t.Hour()
	window := TimeWindow{Mode: ModeOffHours, IsActive: false}
	switch {
	case containsHour(s.cfg.DayHours, hour):
		window = TimeWindow{
			Mode:      ModeDay,
			IsActive:  true,
			StartHour: s.cfg.DayHours[0],
			EndHour:   s.cfg.DayHours[len(s.cfg.DayHours)-1],
		}
	case containsHour(s.cfg.NightHours, hour):
		window = TimeWindow{
			Mode:      ModeNight,
			IsActive:  true,
			StartHour: s.cfg.NightHours[0],
			EndHour:   s.cfg.NightHours[len(s.cfg.NightHours)-1],
		}
	}
	window.NextTransition = s.nextTransition(t, window.Mode)
	return window
}

// nextTransition scans forward to the next hour boundary whose mode
// differs from the current one.
func (s *Scheduler) nextTransition(t time.Time, current Mode) time.Time {
	boundary := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
	for i := 0; i < 48; i++ {
		boundary = boundary.Add(time.Hour)
		if s.modeAtHour(boundary.Hour()) != current {
			return boundary
		}
	}
	return boundary
}

func (s *Scheduler) modeAtHour(hour int) Mode {
	switch {
	case containsHour(s.cfg.DayHours, hour):
		return ModeDay
	case containsHour(s.cfg.NightHours, hour):
		return ModeNight
	default:
		return ModeOffHours
	}
}

// Threshold returns the capacity threshold that applies in the window.
// Off-hours falls back to the day threshold.
func (s *Scheduler) Threshold(mode Mode) float64 {
	if mode == ModeNight {
		return s.cfg.NightThreshold
	}
	return s.cfg.DayThreshold
}

// ActiveLimits returns the per-task limits for the window's mode.
func (s *Scheduler) ActiveLimits(mode Mode) ModeLimits {
	if mode == ModeNight {
		return s.cfg.NightLimits
	}
	return s.cfg.DayLimits
}

// CapacityInfo computes budget pressure for the given window. A zero
// budget yields 0% and never pauses.
func (s *Scheduler) CapacityInfo(window TimeWindow, t time.Time) CapacityInfo {
	info := CapacityInfo{Threshold: s.Threshold(window.Mode)}

	budget := s.provider.DailyBudget()
	if budget > 0 {
		info.CurrentPercentage = s.provider.CurrentDailyUsage().TotalCost / budget
	}
	if budget > 0 && info.CurrentPercentage >= info.Threshold {
		info.ShouldPause = true
		info.Reason = fmt.Sprintf("Capacity threshold exceeded (%.0f%%)", info.CurrentPercentage*100)
	}
	return info
}

// ShouldPauseTasks is the dispatch gate: outside an active window, or
// over the capacity threshold, dispatching pauses. With time-based
// usage disabled the window gate is off and only capacity applies.
func (s *Scheduler) ShouldPauseTasks(t time.Time) PauseDecision {
	window := s.CurrentTimeWindow(t)
	capacity := s.CapacityInfo(window, t)
	decision := PauseDecision{
		TimeWindow:    window,
		Capacity:      capacity,
		NextResetTime: NextResetTime(t),
	}

	switch {
	case s.cfg.Enabled && !window.IsActive:
		decision.ShouldPause = true
		decision.Reason = "Outside active time window"
		decision.Recommendations = append(decision.Recommendations,
			"Wait for the next active window, or enable time-based usage to widen it")
	case capacity.ShouldPause:
		decision.ShouldPause = true
		decision.Reason = capacity.Reason
		decision.Recommendations = append(decision.Recommendations,
			"Increase the daily budget to keep tasks running")
		if window.Mode == ModeDay {
			if wait := s.untilNight(t); wait >= 0 && wait <= nightHintWindow {
				decision.Recommendations = append(decision.Recommendations,
					fmt.Sprintf("Night mode starts in %s", wait.Round(time.Minute)),
					"Tasks will resume with higher limits during night mode")
			}
		}
	}
	return decision
}

// untilNight returns the time until the next night-window hour, or -1
// when no night hour exists in the next two days.
func (s *Scheduler) untilNight(t time.Time) time.Duration {
	boundary := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
	for i := 0; i < 48; i++ {
		boundary = boundary.Add(time.Hour)
		if s.modeAtHour(boundary.Hour()) == ModeNight {
			return boundary.Sub(t)
		}
	}
	return -1
}

// NextResetTime is the next local midnight. Using calendar-date rollover
// keeps it correct across DST shifts and year boundaries.
func NextResetTime(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
}
