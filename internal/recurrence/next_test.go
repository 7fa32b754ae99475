package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustZone(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := LoadZone(name)
	require.NoError(t, err)
	return loc
}

func TestNextOccurrenceLandsOnRequestedWeekdayAndWallClock(t *testing.T) {
	ny := mustZone(t, "America/New_York")

	// Wednesday, June 4 2025, 12:00 local.
	after := time.Date(2025, 6, 4, 12, 0, 0, 0, ny)
	tod := TimeOfDay{Hour: 9}

	res, err := NextOccurrence(tod, ny, []time.Weekday{time.Monday, time.Friday}, after, PreferLater)
	require.NoError(t, err)

	local := res.Instant.In(ny)
	require.True(t, res.Instant.After(after))
	require.Equal(t, time.Friday, local.Weekday())
	require.Equal(t, 9, local.Hour())
	require.Equal(t, 0, local.Minute())
	require.Equal(t, 6, local.Day())
	require.False(t, res.Shifted)
}

func TestNextOccurrenceSameDayAlreadyPassedRollsForward(t *testing.T) {
	ny := mustZone(t, "America/New_York")

	// Monday 10:00, asking for Mondays at 09:00: next Monday, not today.
	after := time.Date(2025, 6, 2, 10, 0, 0, 0, ny)
	res, err := NextOccurrence(TimeOfDay{Hour: 9}, ny, []time.Weekday{time.Monday}, after, PreferLater)
	require.NoError(t, err)

	local := res.Instant.In(ny)
	require.Equal(t, time.Monday, local.Weekday())
	require.Equal(t, 9, local.Day())
}

func TestNextOccurrenceRejectsEmptyWeekdaySet(t *testing.T) {
	ny := mustZone(t, "America/New_York")
	_, err := NextOccurrence(TimeOfDay{Hour: 9}, ny, nil, time.Now(), PreferLater)
	require.ErrorIs(t, err, ErrEmptyWeekdays)
}

func TestSpringForwardGapShiftsForward(t *testing.T) {
	// America/New_York jumps 02:00 -> 03:00 on 2025-03-09; 02:30 does not exist.
	ny := mustZone(t, "America/New_York")

	res, err := ResolveLocal(2025, time.March, 9, TimeOfDay{Hour: 2, Minute: 30}, ny, PreferLater)
	require.NoError(t, err)
	require.True(t, res.Shifted)

	local := res.Instant.In(ny)
	require.Equal(t, 3, local.Hour())
	require.Equal(t, 30, local.Minute())

	// Never before the gap: the instant must be at or after 03:00 local,
	// which is 07:00 UTC that day.
	gapEnd := time.Date(2025, 3, 9, 7, 0, 0, 0, time.UTC)
	require.False(t, res.Instant.Before(gapEnd))
}

func TestFallBackOverlapHonorsPreference(t *testing.T) {
	// America/New_York repeats 01:00-02:00 on 2025-11-02.
	// 01:30 EDT = 05:30 UTC, 01:30 EST = 06:30 UTC.
	ny := mustZone(t, "America/New_York")
	tod := TimeOfDay{Hour: 1, Minute: 30}

	earlier, err := ResolveLocal(2025, time.November, 2, tod, ny, PreferEarlier)
	require.NoError(t, err)
	require.True(t, earlier.Ambiguous)
	require.Equal(t, time.Date(2025, 11, 2, 5, 30, 0, 0, time.UTC), earlier.Instant.UTC())

	later, err := ResolveLocal(2025, time.November, 2, tod, ny, PreferLater)
	require.NoError(t, err)
	require.True(t, later.Ambiguous)
	require.Equal(t, time.Date(2025, 11, 2, 6, 30, 0, 0, time.UTC), later.Instant.UTC())
}

func TestNextOccurrenceRecurringPrefersLaterOverlap(t *testing.T) {
	ny := mustZone(t, "America/New_York")
	after := time.Date(2025, 11, 1, 12, 0, 0, 0, ny)

	res, err := NextOccurrence(TimeOfDay{Hour: 1, Minute: 30}, ny, []time.Weekday{time.Sunday}, after, PreferLater)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 11, 2, 6, 30, 0, 0, time.UTC), res.Instant.UTC())
}

func TestAdvanceDailyAcrossSpringForward(t *testing.T) {
	ny := mustZone(t, "America/New_York")
	rule := Rule{Freq: Daily, Interval: 1}
	tod := TimeOfDay{Hour: 2, Minute: 30}

	current := time.Date(2025, 3, 8, 2, 30, 0, 0, ny) // Saturday, exists normally
	res, err := Advance(current, rule, tod, ny)
	require.NoError(t, err)
	require.True(t, res.Shifted)

	local := res.Instant.In(ny)
	require.Equal(t, 9, local.Day())
	require.Equal(t, 3, local.Hour())
	require.Equal(t, 30, local.Minute())
}

func TestAdvanceDailyWithInterval(t *testing.T) {
	ny := mustZone(t, "America/New_York")
	rule := Rule{Freq: Daily, Interval: 3}

	current := time.Date(2025, 6, 2, 9, 0, 0, 0, ny)
	res, err := Advance(current, rule, TimeOfDay{Hour: 9}, ny)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 6, 5, 9, 0, 0, 0, ny).UTC(), res.Instant.UTC())
}

func TestAdvanceWeeklySameWeekThenIntervalSkip(t *testing.T) {
	ny := mustZone(t, "America/New_York")
	rule := Rule{Freq: Weekly, Interval: 2, Days: []time.Weekday{time.Monday, time.Thursday}}
	tod := TimeOfDay{Hour: 9}

	// Monday -> Thursday of the same week: no skip.
	monday := time.Date(2025, 6, 2, 9, 0, 0, 0, ny)
	res, err := Advance(monday, rule, tod, ny)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 6, 5, 9, 0, 0, 0, ny).UTC(), res.Instant.UTC())

	// Thursday wraps to the next configured Monday two weeks out.
	thursday := res.Instant
	res, err = Advance(thursday, rule, tod, ny)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 6, 16, 9, 0, 0, 0, ny).UTC(), res.Instant.UTC())
}

func TestAdvanceMonthlyClampsShortMonths(t *testing.T) {
	ny := mustZone(t, "America/New_York")
	rule := Rule{Freq: Monthly, DayOfMonth: 31}
	tod := TimeOfDay{Hour: 10}

	current := time.Date(2025, 1, 31, 10, 0, 0, 0, ny)
	res, err := Advance(current, rule, tod, ny)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 2, 28, 10, 0, 0, 0, ny).UTC(), res.Instant.UTC())

	// December rolls into January of the next year.
	dec := time.Date(2025, 12, 31, 10, 0, 0, 0, ny)
	res, err = Advance(dec, rule, tod, ny)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 1, 31, 10, 0, 0, 0, ny).UTC(), res.Instant.UTC())
}

func TestAdvanceValidatesRule(t *testing.T) {
	ny := mustZone(t, "America/New_York")
	_, err := Advance(time.Now(), Rule{Freq: Weekly, Interval: 1}, TimeOfDay{Hour: 9}, ny)
	require.ErrorIs(t, err, ErrEmptyWeekdays)
}
