package recurring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minisource/evertask/model"
)

func ptr[T any](v T) *T { return &v }

func TestNextValidRunFixedDelta(t *testing.T) {
	sched := &model.RecurringSchedule{Kind: model.IntervalMinute, Every: 5}
	last := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("no drift when now is right on schedule", func(t *testing.T) {
		now := last.Add(5 * time.Minute)
		next, skipped, skippedList, err := NextValidRun(sched, last, 0, now)
		require.NoError(t, err)
		assert.Equal(t, 0, skipped)
		assert.Empty(t, skippedList)
		assert.True(t, next.Equal(last.Add(5*time.Minute)))
	})

	t.Run("skips past occurrences missed during downtime", func(t *testing.T) {
		now := last.Add(17 * time.Minute) // three intervals (5,10,15) elapsed
		next, skipped, skippedList, err := NextValidRun(sched, last, 0, now)
		require.NoError(t, err)
		assert.Equal(t, 3, skipped)
		assert.Len(t, skippedList, 3)
		assert.True(t, next.Equal(last.Add(20*time.Minute)))
	})

	t.Run("clock jitter within tolerance is not a skip", func(t *testing.T) {
		now := last.Add(5*time.Minute - 500*time.Millisecond)
		next, skipped, _, err := NextValidRun(sched, last, 0, now)
		require.NoError(t, err)
		assert.Equal(t, 0, skipped)
		assert.True(t, next.Equal(last.Add(5*time.Minute)))
	})
}

func TestNextValidRunRespectsMaxRuns(t *testing.T) {
	sched := &model.RecurringSchedule{Kind: model.IntervalHour, Every: 1, MaxRuns: ptr(2)}
	last := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	next, _, _, err := NextValidRun(sched, last, 2, last.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestOnDayClampsToMonthEnd(t *testing.T) {
	sched := &model.RecurringSchedule{Kind: model.IntervalMonth, Every: 1, OnDay: ptr(31)}
	require.NoError(t, Validate(sched))

	from := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	next, err := NextRun(sched, from, 0)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, time.February, next.Month())
	assert.Equal(t, 28, next.Day()) // 2026 is not a leap year
}

func TestCronNextRunAdvancesToNextMatch(t *testing.T) {
	sched := &model.RecurringSchedule{Kind: model.IntervalCron, Cron: "*/5 * * * *"}
	require.NoError(t, Validate(sched))

	from := time.Date(2026, 1, 1, 0, 2, 0, 0, time.UTC)
	next, err := NextRun(sched, from, 0)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 5, next.Minute())
}

func TestValidateRejectsConflictingOrMissingBase(t *testing.T) {
	t.Run("no kind and no cron", func(t *testing.T) {
		err := Validate(&model.RecurringSchedule{})
		assert.ErrorIs(t, err, ErrInvalidSchedule)
	})

	t.Run("cron kind without expression", func(t *testing.T) {
		err := Validate(&model.RecurringSchedule{Kind: model.IntervalCron})
		assert.ErrorIs(t, err, ErrInvalidSchedule)
	})

	t.Run("every less than one", func(t *testing.T) {
		err := Validate(&model.RecurringSchedule{Kind: model.IntervalDay, Every: 0})
		assert.ErrorIs(t, err, ErrInvalidSchedule)
	})
}

func TestFirstRunHonorsInitialDelayAndRunNow(t *testing.T) {
	dispatchTime := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("run now fires immediately", func(t *testing.T) {
		sched := &model.RecurringSchedule{Kind: model.IntervalHour, Every: 1, RunNow: true}
		next, err := FirstRun(sched, dispatchTime)
		require.NoError(t, err)
		assert.True(t, next.Equal(dispatchTime))
	})

	t.Run("initial delay offsets from dispatch time", func(t *testing.T) {
		sched := &model.RecurringSchedule{Kind: model.IntervalHour, Every: 1, InitialDelay: ptr(10 * time.Minute)}
		next, err := FirstRun(sched, dispatchTime)
		require.NoError(t, err)
		assert.True(t, next.Equal(dispatchTime.Add(10*time.Minute)))
	})

	t.Run("specific run time overrides everything", func(t *testing.T) {
		pinned := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
		sched := &model.RecurringSchedule{Kind: model.IntervalHour, Every: 1, RunNow: true, SpecificRunTime: &pinned}
		next, err := FirstRun(sched, dispatchTime)
		require.NoError(t, err)
		assert.True(t, next.Equal(pinned))
	})
}

func TestOnDaysFiltersToAllowedWeekdays(t *testing.T) {
	sched := &model.RecurringSchedule{
		Kind:   model.IntervalDay,
		Every:  1,
		OnDays: []time.Weekday{time.Monday},
	}
	// 2026-01-01 is a Thursday.
	from := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	next, err := NextRun(sched, from, 0)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, time.Monday, next.Weekday())
}
