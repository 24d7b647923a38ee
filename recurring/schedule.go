// Package recurring implements the recurring-schedule arithmetic: one step
// forward from a given anchor (NextRun), and the downtime-aware "skip past
// what's already elapsed" operation (NextValidRun). Both anchor to the
// task's own last scheduled instant, never to "now" — the drift rule that is
// the load-bearing invariant of the whole engine (spec §4.2).
package recurring

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/minisource/evertask/model"
)

// Tolerance absorbs clock jitter so a run firing a few hundred milliseconds
// early or late is never mistaken for a skipped occurrence.
const Tolerance = 1 * time.Second

// safetyCap bounds the iterative walk used for schedules that cannot be
// reduced to a fixed delta (cron, month arithmetic, named-day filters).
const safetyCap = 10_000

var (
	// ErrInvalidSchedule is returned for structurally invalid schedules
	// (conflicting base interval, invalid constraint ranges).
	ErrInvalidSchedule = errors.New("recurring: invalid schedule")
	// ErrSafetyCapExceeded is returned when the iterative walk could not
	// find a next occurrence within safetyCap steps — almost always a
	// configuration error (e.g. OnDays pointing at no real weekday).
	ErrSafetyCapExceeded = errors.New("recurring: safety cap exceeded searching for next occurrence")
)

// Validate checks structural invariants: at most one of a fixed interval or
// a cron expression, and constraint ranges that a bounded walker can trust
// (spec §4.2 "fail fast on invalid inputs rather than loop unboundedly").
func Validate(s *model.RecurringSchedule) error {
	if s == nil {
		return fmt.Errorf("%w: nil schedule", ErrInvalidSchedule)
	}
	if s.Kind == model.IntervalCron {
		if s.Cron == "" {
			return fmt.Errorf("%w: cron kind requires an expression", ErrInvalidSchedule)
		}
		if _, err := DefaultCronCache.Parse(s.Cron); err != nil {
			return fmt.Errorf("%w: invalid cron expression: %v", ErrInvalidSchedule, err)
		}
	} else if s.Kind != model.IntervalNone {
		if s.Every < 1 {
			return fmt.Errorf("%w: interval multiplier must be >= 1", ErrInvalidSchedule)
		}
	} else {
		return fmt.Errorf("%w: no base interval or cron expression set", ErrInvalidSchedule)
	}

	if s.OnDay != nil && (*s.OnDay < 1 || *s.OnDay > 31) {
		return fmt.Errorf("%w: onDay must be 1-31", ErrInvalidSchedule)
	}
	if s.OnHour != nil && (*s.OnHour < 0 || *s.OnHour > 23) {
		return fmt.Errorf("%w: onHour must be 0-23", ErrInvalidSchedule)
	}
	if s.OnMinute != nil && (*s.OnMinute < 0 || *s.OnMinute > 59) {
		return fmt.Errorf("%w: onMinute must be 0-59", ErrInvalidSchedule)
	}
	if s.OnSecond != nil && (*s.OnSecond < 0 || *s.OnSecond > 59) {
		return fmt.Errorf("%w: onSecond must be 0-59", ErrInvalidSchedule)
	}
	if s.OnFirst != nil && (*s.OnFirst < time.Sunday || *s.OnFirst > time.Saturday) {
		return fmt.Errorf("%w: onFirst must be a valid weekday", ErrInvalidSchedule)
	}
	return nil
}

// fixedDelta returns the fixed duration Δ for schedules that reduce to one,
// and whether the reduction applies. Only the unconstrained base intervals
// (second/minute/hour/day/week) qualify — month is variable-length and any
// narrowing constraint can make the series non-uniform (spec §4.2 "O(1) fast
// path ... fixed duration Δ").
func fixedDelta(s *model.RecurringSchedule) (time.Duration, bool) {
	if s.HasConstraints() {
		return 0, false
	}
	unit, ok := unitDuration(s.Kind)
	if !ok {
		return 0, false
	}
	return unit * time.Duration(s.Every), true
}

func unitDuration(kind model.IntervalKind) (time.Duration, bool) {
	switch kind {
	case model.IntervalSecond:
		return time.Second, true
	case model.IntervalMinute:
		return time.Minute, true
	case model.IntervalHour:
		return time.Hour, true
	case model.IntervalDay:
		return 24 * time.Hour, true
	case model.IntervalWeek:
		return 7 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// seriesEnded applies the MaxRuns/RunUntil terminal checks, whichever
// triggers first (spec §4.2 "Constraints combination").
func seriesEnded(s *model.RecurringSchedule, completedRuns int, candidate time.Time) bool {
	if s.MaxRuns != nil && completedRuns >= *s.MaxRuns {
		return true
	}
	if s.RunUntil != nil && !candidate.Before(*s.RunUntil) {
		return true
	}
	return false
}

// FirstRun computes the 0th-run instant for a freshly dispatched recurring
// task, anchored at dispatchTime (spec §4.1 "recurring -> initialDelay
// offset from now if currentRunCount == 0").
func FirstRun(s *model.RecurringSchedule, dispatchTime time.Time) (*time.Time, error) {
	if err := Validate(s); err != nil {
		return nil, err
	}
	if s.SpecificRunTime != nil {
		t := s.SpecificRunTime.UTC()
		return &t, nil
	}
	if s.RunNow {
		t := dispatchTime
		return &t, nil
	}
	if s.InitialDelay != nil {
		t := dispatchTime.Add(*s.InitialDelay)
		return &t, nil
	}
	return NextRun(s, dispatchTime, 0)
}

// NextRun computes one step forward from the given anchor instant, applying
// constraints. It returns (nil, nil) when MaxRuns has been reached or
// RunUntil has passed. from is always an anchor, never "now" — callers that
// need downtime catch-up use NextValidRun instead.
func NextRun(s *model.RecurringSchedule, from time.Time, completedRuns int) (*time.Time, error) {
	if err := Validate(s); err != nil {
		return nil, err
	}
	next, err := rawNext(s, from)
	if err != nil {
		return nil, err
	}
	if seriesEnded(s, completedRuns, next) {
		return nil, nil
	}
	return &next, nil
}

// NextValidRun skips past occurrences already in the past relative to now,
// anchored at lastScheduled (the previous run's scheduled instant, never
// "now" itself — spec §4.2 drift rule). It returns the next future
// occurrence, how many occurrences were skipped, and their instants.
func NextValidRun(s *model.RecurringSchedule, lastScheduled time.Time, completedRuns int, now time.Time) (next *time.Time, skippedCount int, skipped []time.Time, err error) {
	if err = Validate(s); err != nil {
		return nil, 0, nil, err
	}

	if delta, ok := fixedDelta(s); ok {
		return nextValidRunFixed(s, lastScheduled, completedRuns, now, delta)
	}
	return nextValidRunWalk(s, lastScheduled, completedRuns, now)
}

// nextValidRunFixed implements the O(1) fast path described in spec §4.2:
// skippedCount = max(0, ceil((now-lastScheduled-tolerance)/Δ) - 1);
// nextRun = lastScheduled + (skippedCount+1)*Δ.
func nextValidRunFixed(s *model.RecurringSchedule, lastScheduled time.Time, completedRuns int, now time.Time, delta time.Duration) (*time.Time, int, []time.Time, error) {
	elapsed := now.Sub(lastScheduled) - Tolerance
	if elapsed < 0 {
		elapsed = 0
	}

	stepsAhead := int(math.Ceil(float64(elapsed) / float64(delta)))
	skippedCount := stepsAhead - 1
	if skippedCount < 0 {
		skippedCount = 0
	}

	next := lastScheduled.Add(time.Duration(skippedCount+1) * delta)
	if seriesEnded(s, completedRuns, next) {
		return nil, 0, nil, nil
	}

	var skippedList []time.Time
	if skippedCount > 0 {
		skippedList = make([]time.Time, 0, skippedCount)
		for i := 1; i <= skippedCount; i++ {
			skippedList = append(skippedList, lastScheduled.Add(time.Duration(i)*delta))
		}
	}
	return &next, skippedCount, skippedList, nil
}

// nextValidRunWalk is the bounded iterative fallback for cron, month
// arithmetic, and named-day filters; it uses the schedule's own O(1)
// single-step primitive (rawNext) rather than polling.
func nextValidRunWalk(s *model.RecurringSchedule, lastScheduled time.Time, completedRuns int, now time.Time) (*time.Time, int, []time.Time, error) {
	var skipped []time.Time
	candidate := lastScheduled
	cutoff := now.Add(-Tolerance)

	for i := 0; i < safetyCap; i++ {
		raw, err := rawNext(s, candidate)
		if err != nil {
			return nil, 0, nil, err
		}
		candidate = raw

		if seriesEnded(s, completedRuns, candidate) {
			return nil, len(skipped), skipped, nil
		}

		if candidate.Before(cutoff) {
			skipped = append(skipped, candidate)
			continue
		}
		return &candidate, len(skipped), skipped, nil
	}
	return nil, 0, nil, ErrSafetyCapExceeded
}

// rawNext computes a single step forward from t, ignoring whether the
// result already lies in the past. For cron schedules this delegates to the
// cached cron.Schedule's O(1) Next(); for fixed bases it adds the unit
// duration (or a calendar month step) and then applies any pinning
// constraints.
func rawNext(s *model.RecurringSchedule, t time.Time) (time.Time, error) {
	if s.Kind == model.IntervalCron {
		sched, err := DefaultCronCache.Parse(s.Cron)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(t).UTC(), nil
	}

	if s.Kind == model.IntervalMonth {
		return rawNextMonth(s, t)
	}

	unit, ok := unitDuration(s.Kind)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: unknown interval kind %q", ErrInvalidSchedule, s.Kind)
	}
	candidate := t.Add(unit * time.Duration(s.Every))
	candidate = applyClockPins(candidate, s)
	candidate, err := applyDayOfWeekFilter(candidate, s, unit*time.Duration(s.Every))
	if err != nil {
		return time.Time{}, err
	}
	candidate, err = applyMonthFilter(candidate, s)
	if err != nil {
		return time.Time{}, err
	}
	if len(s.OnTimes) > 0 {
		candidate = applyOnTimes(t, candidate, s)
	}
	return candidate, nil
}

func rawNextMonth(s *model.RecurringSchedule, t time.Time) (time.Time, error) {
	every := s.Every
	if every < 1 {
		every = 1
	}

	// Compute the target year/month arithmetically before touching the day
	// field: time.Time.AddDate normalizes day overflow by rolling into
	// later months (e.g. Jan 31 + 1 month becomes Mar 3, since Feb 31
	// doesn't exist), which would silently skip the clamp below. Keeping
	// month arithmetic and day clamping separate is what makes
	// OnDay=31-in-February land on February's last day instead of March.
	totalMonths := int(t.Month()) - 1 + every
	year := t.Year() + totalMonths/12
	month := time.Month(totalMonths%12 + 1)

	day := t.Day()
	if s.OnDay != nil {
		day = *s.OnDay
	}
	day = clampDay(year, month, day)

	candidate := time.Date(year, month, day, t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
	candidate = applyClockPins(candidate, s)

	if s.OnFirst != nil {
		candidate = firstWeekdayOfMonth(candidate.Year(), candidate.Month(), *s.OnFirst, candidate)
	}

	var err error
	candidate, err = applyMonthFilter(candidate, s)
	if err != nil {
		return time.Time{}, err
	}
	return candidate, nil
}

// clampDay returns day clamped to the last valid day of the given
// year/month, so "OnDay=31" in February resolves to the 28th/29th instead of
// looping forever (spec §8).
func clampDay(year int, month time.Month, day int) int {
	lastDay := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > lastDay {
		return lastDay
	}
	if day < 1 {
		return 1
	}
	return day
}

func firstWeekdayOfMonth(year int, month time.Month, weekday time.Weekday, template time.Time) time.Time {
	first := time.Date(year, month, 1, template.Hour(), template.Minute(), template.Second(), 0, time.UTC)
	offset := (int(weekday) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, offset)
}

func applyClockPins(t time.Time, s *model.RecurringSchedule) time.Time {
	hour, min, sec := t.Hour(), t.Minute(), t.Second()
	if s.OnHour != nil {
		hour = *s.OnHour
	}
	if s.OnMinute != nil {
		min = *s.OnMinute
	}
	if s.OnSecond != nil {
		sec = *s.OnSecond
	}
	if s.OnHour == nil && s.OnMinute == nil && s.OnSecond == nil {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), hour, min, sec, 0, time.UTC)
}

// applyDayOfWeekFilter walks forward one step at a time (bounded by 8 steps,
// comfortably inside the safety cap) until the candidate falls on one of the
// allowed weekdays. Each bounded-loop walker validates its search space
// first (spec §4.2).
func applyDayOfWeekFilter(candidate time.Time, s *model.RecurringSchedule, step time.Duration) (time.Time, error) {
	if len(s.OnDays) == 0 {
		return candidate, nil
	}
	if step <= 0 {
		step = 24 * time.Hour
	}
	allowed := make(map[time.Weekday]bool, len(s.OnDays))
	for _, d := range s.OnDays {
		if d < time.Sunday || d > time.Saturday {
			return candidate, fmt.Errorf("%w: invalid weekday in onDays", ErrInvalidSchedule)
		}
		allowed[d] = true
	}
	for i := 0; i < 8; i++ {
		if allowed[candidate.Weekday()] {
			return candidate, nil
		}
		candidate = candidate.Add(step)
	}
	return time.Time{}, fmt.Errorf("%w: onDays matched no weekday", ErrInvalidSchedule)
}

// applyMonthFilter walks forward in month-sized steps (bounded by 13 steps)
// until the candidate falls within an allowed month.
func applyMonthFilter(candidate time.Time, s *model.RecurringSchedule) (time.Time, error) {
	if len(s.OnMonths) == 0 {
		return candidate, nil
	}
	allowed := make(map[time.Month]bool, len(s.OnMonths))
	for _, m := range s.OnMonths {
		if m < time.January || m > time.December {
			return candidate, fmt.Errorf("%w: invalid month in onMonths", ErrInvalidSchedule)
		}
		allowed[m] = true
	}
	for i := 0; i < 13; i++ {
		if allowed[candidate.Month()] {
			return candidate, nil
		}
		candidate = candidate.AddDate(0, 1, 0)
	}
	return time.Time{}, fmt.Errorf("%w: onMonths matched no month", ErrInvalidSchedule)
}

// applyOnTimes narrows a daily schedule to the earliest entry in OnTimes
// (durations since UTC midnight) strictly after anchor; if none remain
// on the candidate's day it rolls to the first entry on the following day.
func applyOnTimes(anchor, candidate time.Time, s *model.RecurringSchedule) time.Time {
	times := append([]time.Duration(nil), s.OnTimes...)
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

	midnight := time.Date(candidate.Year(), candidate.Month(), candidate.Day(), 0, 0, 0, 0, time.UTC)
	for _, d := range times {
		t := midnight.Add(d)
		if t.After(anchor) {
			return t
		}
	}
	// None left today; roll to the first entry on the next day.
	return midnight.AddDate(0, 0, 1).Add(times[0])
}
