package recurrence

import (
	"time"
)

// searchHorizonDays bounds the day-by-day scan in NextOccurrence. A
// non-empty weekday set always matches within 7 days; the slack covers the
// reference day itself when its occurrence has already passed.
const searchHorizonDays = 8

// NextOccurrence returns the earliest instant strictly after `after` whose
// wall clock in loc equals tod on one of the given weekdays. DST gaps shift
// forward per ResolveLocal; overlaps are decided by pref (recurring
// scheduling passes PreferLater).
func NextOccurrence(tod TimeOfDay, loc *time.Location, days []time.Weekday, after time.Time, pref Preference) (Resolution, error) {
	if loc == nil {
		return Resolution{}, ErrUnknownTimezone
	}
	if len(days) == 0 {
		return Resolution{}, ErrEmptyWeekdays
	}

	set := map[time.Weekday]bool{}
	for _, d := range days {
		set[d] = true
	}

	local := after.In(loc)
	for offset := 0; offset < searchHorizonDays; offset++ {
		date := local.AddDate(0, 0, offset)
		if !set[date.Weekday()] {
			continue
		}
		res, err := ResolveLocal(date.Year(), date.Month(), date.Day(), tod, loc, pref)
		if err != nil {
			return Resolution{}, err
		}
		if res.Instant.After(after) {
			return res, nil
		}
	}
	return Resolution{}, ErrUnresolvableLocalTime
}

// Advance moves a due instant forward by one period of the rule,
// re-localizing and re-resolving DST the same way NextOccurrence does.
// Recurring advancement always prefers the later half of an overlap so a
// repeated wall time fires once.
func Advance(current time.Time, rule Rule, tod TimeOfDay, loc *time.Location) (Resolution, error) {
	if loc == nil {
		return Resolution{}, ErrUnknownTimezone
	}
	if err := rule.Validate(); err != nil {
		return Resolution{}, err
	}

	local := current.In(loc)
	switch rule.Freq {
	case Daily:
		date := local.AddDate(0, 0, rule.Interval)
		return ResolveLocal(date.Year(), date.Month(), date.Day(), tod, loc, PreferLater)

	case Weekly:
		return advanceWeekly(current, local, rule, tod, loc)

	case Monthly:
		year, month := local.Year(), local.Month()+1
		day := clampDayOfMonth(year, month, rule.DayOfMonth)
		return ResolveLocal(year, month, day, tod, loc, PreferLater)
	}
	return Resolution{}, ErrInvalidRule
}

func advanceWeekly(current, local time.Time, rule Rule, tod TimeOfDay, loc *time.Location) (Resolution, error) {
	// Scan forward day by day; when the scan wraps past the start of the
	// next week, skip the off weeks implied by the interval.
	for offset := 1; offset <= 7; offset++ {
		date := local.AddDate(0, 0, offset)
		if !rule.hasDay(date.Weekday()) {
			continue
		}
		if rule.Interval > 1 && crossedWeekBoundary(local, date) {
			date = date.AddDate(0, 0, 7*(rule.Interval-1))
		}
		res, err := ResolveLocal(date.Year(), date.Month(), date.Day(), tod, loc, PreferLater)
		if err != nil {
			return Resolution{}, err
		}
		if res.Instant.After(current) {
			return res, nil
		}
	}
	return Resolution{}, ErrUnresolvableLocalTime
}

// crossedWeekBoundary reports whether candidate falls in a later ISO-style
// week (weeks starting Monday) than base.
func crossedWeekBoundary(base, candidate time.Time) bool {
	return startOfWeek(candidate).After(startOfWeek(base))
}

func startOfWeek(t time.Time) time.Time {
	back := (int(t.Weekday()) + 6) % 7 // days since Monday
	d := t.AddDate(0, 0, -back)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}

// clampDayOfMonth pins a target day to the last day of short months, so a
// "monthly on the 31st" schedule fires on Feb 28/29, Apr 30, and so on.
func clampDayOfMonth(year int, month time.Month, day int) int {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		return last
	}
	return day
}
