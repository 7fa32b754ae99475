// Package recurrence implements the calendar math behind scheduled calls:
// recurrence rules, local time-of-day handling, and DST-safe resolution of
// wall-clock times to absolute instants.
package recurrence

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidRule      = errors.New("invalid_recurrence_rule")
	ErrInvalidTimeOfDay = errors.New("invalid_time_of_day")
	ErrUnknownTimezone  = errors.New("unknown_timezone")
	ErrEmptyWeekdays    = errors.New("empty_weekday_set")
)

type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

// Rule is the parsed form of a schedule's recurrence. Which fields are
// meaningful depends on Freq: Interval for daily and weekly, Days for weekly,
// DayOfMonth for monthly. Rules are decided once at schedule creation; the
// legacy text form (see ParseRule) survives only as the storage encoding.
type Rule struct {
	Freq       Frequency
	Interval   int
	Days       []time.Weekday
	DayOfMonth int
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday,
	"sat": time.Saturday,
}

var weekdayShort = [...]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// ParseRule decodes the stored text form:
//
//	daily            every day
//	daily/2          every 2 days
//	weekly:mon,thu   every week on Monday and Thursday
//	weekly:fri/2     every 2 weeks on Friday
//	monthly:15       the 15th of every month (clamped to short months)
func ParseRule(s string) (Rule, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Rule{}, ErrInvalidRule
	}

	interval := 1
	if i := strings.IndexByte(s, '/'); i >= 0 {
		n, err := strconv.Atoi(s[i+1:])
		if err != nil || n < 1 {
			return Rule{}, ErrInvalidRule
		}
		interval = n
		s = s[:i]
	}

	head, arg, _ := strings.Cut(s, ":")
	switch Frequency(head) {
	case Daily:
		if arg != "" {
			return Rule{}, ErrInvalidRule
		}
		return Rule{Freq: Daily, Interval: interval}, nil

	case Weekly:
		if arg == "" {
			return Rule{}, ErrEmptyWeekdays
		}
		var days []time.Weekday
		seen := map[time.Weekday]bool{}
		for _, part := range strings.Split(arg, ",") {
			wd, ok := weekdayNames[strings.TrimSpace(part)]
			if !ok {
				return Rule{}, ErrInvalidRule
			}
			if !seen[wd] {
				seen[wd] = true
				days = append(days, wd)
			}
		}
		sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
		return Rule{Freq: Weekly, Interval: interval, Days: days}, nil

	case Monthly:
		day, err := strconv.Atoi(arg)
		if err != nil || day < 1 || day > 31 {
			return Rule{}, ErrInvalidRule
		}
		if interval != 1 {
			return Rule{}, ErrInvalidRule
		}
		return Rule{Freq: Monthly, DayOfMonth: day}, nil
	}
	return Rule{}, ErrInvalidRule
}

// String renders the storage encoding; the inverse of ParseRule.
func (r Rule) String() string {
	var b strings.Builder
	switch r.Freq {
	case Daily:
		b.WriteString("daily")
	case Weekly:
		b.WriteString("weekly:")
		for i, d := range r.Days {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(weekdayShort[d])
		}
	case Monthly:
		fmt.Fprintf(&b, "monthly:%d", r.DayOfMonth)
	}
	if r.Interval > 1 && r.Freq != Monthly {
		fmt.Fprintf(&b, "/%d", r.Interval)
	}
	return b.String()
}

func (r Rule) Validate() error {
	switch r.Freq {
	case Daily:
		if r.Interval < 1 {
			return ErrInvalidRule
		}
	case Weekly:
		if r.Interval < 1 {
			return ErrInvalidRule
		}
		if len(r.Days) == 0 {
			return ErrEmptyWeekdays
		}
	case Monthly:
		if r.DayOfMonth < 1 || r.DayOfMonth > 31 {
			return ErrInvalidRule
		}
	default:
		return ErrInvalidRule
	}
	return nil
}

func (r Rule) hasDay(d time.Weekday) bool {
	for _, wd := range r.Days {
		if wd == d {
			return true
		}
	}
	return false
}

// TimeOfDay is a local wall-clock time independent of any date or zone.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// ParseTimeOfDay accepts "HH:mm" or "HH:mm:ss".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return TimeOfDay{}, ErrInvalidTimeOfDay
	}
	nums := make([]int, len(parts))
	for i, p := range parts {
		if len(p) != 2 {
			return TimeOfDay{}, ErrInvalidTimeOfDay
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return TimeOfDay{}, ErrInvalidTimeOfDay
		}
		nums[i] = n
	}
	tod := TimeOfDay{Hour: nums[0], Minute: nums[1]}
	if len(nums) == 3 {
		tod.Second = nums[2]
	}
	if tod.Hour < 0 || tod.Hour > 23 || tod.Minute < 0 || tod.Minute > 59 || tod.Second < 0 || tod.Second > 59 {
		return TimeOfDay{}, ErrInvalidTimeOfDay
	}
	return tod, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// LoadZone validates an IANA timezone identifier. An unrecognized or empty
// name is a hard error, never a silent fallback.
func LoadZone(name string) (*time.Location, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrUnknownTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTimezone, name)
	}
	return loc, nil
}
