package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(value string) time.Time {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		panic(err)
	}
	return t
}

func TestParse_Malformed(t *testing.T) {
	cases := []struct {
		name string
		expr string
	}{
		{"too few fields", "* * * *"},
		{"too many fields", "* * * * * *"},
		{"unknown token", "a * * * *"},
		{"inverted range", "30-10 * * * *"},
		{"zero step", "*/0 * * * *"},
		{"negative step", "*/-2 * * * *"},
		{"minute out of range", "60 * * * *"},
		{"hour out of range", "* 24 * * *"},
		{"month out of range", "* * * 13 *"},
		{"weekday out of range", "* * * * 8"},
		{"negative value", "* * * * -1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.expr)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestParse_WeekdaySevenFoldsToZero(t *testing.T) {
	e, err := Parse("0 0 * * 7")
	require.NoError(t, err)

	// 7 folds to 0, which is Monday; 2024-06-03 is the next Monday.
	next, err := e.NextAfter(at("2024-06-01T12:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, at("2024-06-03T00:00:00Z"), next)
}

func TestNextAfter_Hourly(t *testing.T) {
	e := MustParse("0 * * * *")

	next, err := e.NextAfter(at("2024-06-01T10:15:00Z"))
	require.NoError(t, err)
	assert.Equal(t, at("2024-06-01T11:00:00Z"), next)

	next2, err := e.NextAfter(next)
	require.NoError(t, err)
	assert.Equal(t, at("2024-06-01T12:00:00Z"), next2)
}

func TestNextAfter_StrictlyAfterTruncatedMinute(t *testing.T) {
	e := MustParse("* * * * *")

	// Even with seconds past the minute, the result is the next minute.
	next, err := e.NextAfter(at("2024-06-01T10:15:42Z"))
	require.NoError(t, err)
	assert.Equal(t, at("2024-06-01T10:16:00Z"), next)
}

func TestNextAfter_DayOfMonthDayOfWeekUnion(t *testing.T) {
	// Fires on the 1st and 15th, and on every Tuesday (weekday 1), at 09:00.
	e := MustParse("0 9 1,15 * 1")

	next, err := e.NextAfter(at("2024-05-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, at("2024-05-01T09:00:00Z"), next, "1st matches by day-of-month")

	// 2024-05-07 is a Tuesday, earlier than the 15th.
	next, err = e.NextAfter(next)
	require.NoError(t, err)
	assert.Equal(t, at("2024-05-07T09:00:00Z"), next, "Tuesday matches by day-of-week")

	next, err = e.NextAfter(next)
	require.NoError(t, err)
	assert.Equal(t, at("2024-05-14T09:00:00Z"), next)

	next, err = e.NextAfter(next)
	require.NoError(t, err)
	assert.Equal(t, at("2024-05-15T09:00:00Z"), next)
}

func TestNextAfter_RestrictedDayOfMonthOnly(t *testing.T) {
	e := MustParse("0 9 15 * *")

	next, err := e.NextAfter(at("2024-05-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, at("2024-05-15T09:00:00Z"), next)
}

func TestNextAfter_RestrictedDayOfWeekOnly(t *testing.T) {
	// Weekday 0 is Monday; 2024-05-06 is the first Monday after May 1st.
	e := MustParse("30 8 * * 0")

	next, err := e.NextAfter(at("2024-05-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, at("2024-05-06T08:30:00Z"), next)
}

func TestNextAfter_StepAndRange(t *testing.T) {
	e := MustParse("*/15 9-11 * * *")

	expected := []string{
		"2024-06-01T09:15:00Z",
		"2024-06-01T09:30:00Z",
		"2024-06-01T09:45:00Z",
		"2024-06-01T10:00:00Z",
		"2024-06-01T10:15:00Z",
	}
	moment := at("2024-06-01T09:07:00Z")
	for _, want := range expected {
		next, err := e.NextAfter(moment)
		require.NoError(t, err)
		assert.Equal(t, at(want), next)
		moment = next
	}

	// End of the window rolls over to the next day.
	next, err := e.NextAfter(at("2024-06-01T11:45:00Z"))
	require.NoError(t, err)
	assert.Equal(t, at("2024-06-02T09:00:00Z"), next)
}

func TestNextAfter_StepOffsetFromRangeStart(t *testing.T) {
	// Steps count from the segment's first value, not from zero.
	e := MustParse("3-59/20 * * * *")

	next, err := e.NextAfter(at("2024-06-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, at("2024-06-01T00:03:00Z"), next)

	next, err = e.NextAfter(next)
	require.NoError(t, err)
	assert.Equal(t, at("2024-06-01T00:23:00Z"), next)
}

func TestNextAfter_ListOfSegments(t *testing.T) {
	e := MustParse("0,30 6,18 * * *")

	next, err := e.NextAfter(at("2024-06-01T06:10:00Z"))
	require.NoError(t, err)
	assert.Equal(t, at("2024-06-01T06:30:00Z"), next)

	next, err = e.NextAfter(next)
	require.NoError(t, err)
	assert.Equal(t, at("2024-06-01T18:00:00Z"), next)
}

func TestNextAfter_Unreachable(t *testing.T) {
	// February 31st never exists.
	e := MustParse("0 0 31 2 *")

	_, err := e.NextAfter(at("2024-01-01T00:00:00Z"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreachableSchedule)
}

func TestNextAfter_Monotone(t *testing.T) {
	exprs := []string{
		"0 * * * *",
		"*/7 * * * *",
		"15 3 * * 4",
		"0 9 1,15 * 1",
		"*/15 9-11 * * *",
	}
	for _, expr := range exprs {
		e := MustParse(expr)
		moment := at("2024-03-30T22:11:00Z")
		for i := 0; i < 20; i++ {
			next, err := e.NextAfter(moment)
			require.NoError(t, err)
			require.True(t, next.After(moment.Truncate(time.Minute)),
				"%s: %s not after %s", expr, next, moment)
			require.Zero(t, next.Second())
			moment = next
		}
	}
}

func TestFullRangeListCountsAsWildcard(t *testing.T) {
	// A union covering the entire field behaves like "*": with day-of-week
	// spelled out in full, a restricted day-of-month must match alone.
	e := MustParse("0 9 15 * 0,1,2,3,4,5,6")

	next, err := e.NextAfter(at("2024-05-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, at("2024-05-15T09:00:00Z"), next)
}
