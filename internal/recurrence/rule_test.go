package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseRule(t *testing.T) {
	tests := []struct {
		in   string
		want Rule
	}{
		{"daily", Rule{Freq: Daily, Interval: 1}},
		{"daily/3", Rule{Freq: Daily, Interval: 3}},
		{"weekly:mon,thu", Rule{Freq: Weekly, Interval: 1, Days: []time.Weekday{time.Monday, time.Thursday}}},
		{"weekly:fri/2", Rule{Freq: Weekly, Interval: 2, Days: []time.Weekday{time.Friday}}},
		{"monthly:15", Rule{Freq: Monthly, DayOfMonth: 15}},
		{"WEEKLY:Sun,Sat", Rule{Freq: Weekly, Interval: 1, Days: []time.Weekday{time.Sunday, time.Saturday}}},
	}
	for _, tc := range tests {
		got, err := ParseRule(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}
}

func TestParseRuleRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "hourly", "daily/0", "daily/x", "weekly:", "weekly:monday", "monthly:0", "monthly:32", "monthly:15/2"} {
		_, err := ParseRule(in)
		require.Error(t, err, in)
	}
}

func TestRuleStringRoundTrip(t *testing.T) {
	for _, in := range []string{"daily", "daily/2", "weekly:mon,thu", "weekly:fri/2", "monthly:31"} {
		rule, err := ParseRule(in)
		require.NoError(t, err)
		require.Equal(t, in, rule.String())
	}
}

func TestParseTimeOfDay(t *testing.T) {
	tod, err := ParseTimeOfDay("09:05")
	require.NoError(t, err)
	require.Equal(t, TimeOfDay{Hour: 9, Minute: 5}, tod)

	tod, err = ParseTimeOfDay("21:30:15")
	require.NoError(t, err)
	require.Equal(t, TimeOfDay{Hour: 21, Minute: 30, Second: 15}, tod)

	for _, in := range []string{"", "9:05", "24:00", "12:60", "12:00:60", "noon", "12", "-1:30", "12:-5", "12:00:-1"} {
		_, err := ParseTimeOfDay(in)
		require.Error(t, err, in)
	}
}

func TestLoadZone(t *testing.T) {
	loc, err := LoadZone("America/New_York")
	require.NoError(t, err)
	require.NotNil(t, loc)

	for _, name := range []string{"", "Mars/Olympus", "EST5EDT4EVER"} {
		_, err := LoadZone(name)
		require.ErrorIs(t, err, ErrUnknownTimezone, name)
	}
}
