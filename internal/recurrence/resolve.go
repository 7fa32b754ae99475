package recurrence

import (
	"errors"
	"time"
)

// ErrUnresolvableLocalTime is returned when a wall-clock time cannot be
// mapped to any instant within the gap-shift limit. Real IANA zones never
// trigger it; it exists so the shift loop is provably bounded.
var ErrUnresolvableLocalTime = errors.New("unresolvable_local_time")

// Preference picks an occurrence when a DST fall-back makes a wall-clock
// time ambiguous. Recurring schedules use PreferLater so a repeated local
// time does not fire twice; one-time conversions use PreferEarlier.
type Preference int

const (
	PreferEarlier Preference = iota
	PreferLater
)

// maxGapShift bounds the hour-by-hour forward shift applied when a
// spring-forward gap swallows the literal wall-clock time.
const maxGapShift = 3

// Resolution is the outcome of mapping a local wall-clock time to an instant.
type Resolution struct {
	Instant time.Time

	// Shifted reports that the literal time fell in a DST gap and was moved
	// forward. Callers log this.
	Shifted bool

	// Ambiguous reports that the wall-clock time occurred twice and the
	// preference decided which instant was used.
	Ambiguous bool
}

// ResolveLocal maps the wall-clock time tod on the calendar date (year,
// month, day) in loc to an absolute instant.
//
// If the literal time does not exist (spring-forward gap) it shifts forward
// one hour at a time, at most maxGapShift hours, until the shifted time
// exists. If the literal time exists twice (fall-back overlap) pref picks
// the earlier or later instant.
func ResolveLocal(year int, month time.Month, day int, tod TimeOfDay, loc *time.Location, pref Preference) (Resolution, error) {
	if loc == nil {
		return Resolution{}, ErrUnknownTimezone
	}

	hour := tod.Hour
	for shift := 0; shift <= maxGapShift; shift++ {
		instants := occurrences(year, month, day, hour+shift, tod.Minute, tod.Second, loc)
		if len(instants) == 0 {
			continue
		}
		res := Resolution{Shifted: shift > 0, Ambiguous: len(instants) > 1}
		if pref == PreferLater {
			res.Instant = instants[len(instants)-1]
		} else {
			res.Instant = instants[0]
		}
		return res, nil
	}
	return Resolution{}, ErrUnresolvableLocalTime
}

// occurrences returns every instant, in ascending order, whose wall clock in
// loc reads exactly the given date and time. Zero results means a DST gap;
// two means a fall-back overlap.
//
// time.Date alone is not enough: for ambiguous or missing wall times it
// returns one normalized answer without saying which. Probing one hour to
// either side of that answer finds every instant that round-trips.
func occurrences(year int, month time.Month, day, hour, min, sec int, loc *time.Location) []time.Time {
	// Normalize in UTC first so an hour pushed past midnight by the gap
	// shift compares against the rolled-over calendar date.
	want := time.Date(year, month, day, hour, min, sec, 0, time.UTC)
	wY, wM, wD := want.Date()
	wh, wm, ws := want.Clock()

	guess := time.Date(year, month, day, hour, min, sec, 0, loc)

	var out []time.Time
	for _, d := range []time.Duration{-time.Hour, 0, time.Hour} {
		t := guess.Add(d)
		tY, tM, tD := t.Date()
		th, tm, ts := t.Clock()
		if tY == wY && tM == wM && tD == wD && th == wh && tm == wm && ts == ws {
			if len(out) == 0 || !out[len(out)-1].Equal(t) {
				out = append(out, t)
			}
		}
	}
	return out
}
