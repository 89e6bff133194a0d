// Package cron implements the five-field schedule expressions used by
// scheduled tasks: minute, hour, day-of-month, month, day-of-week.
//
// Weekday numbering follows the civil calendar index (0 = Monday through
// 6 = Sunday); an input of 7 is folded to 0. Day-of-month and day-of-week
// combine as a union when both are restricted, matching traditional cron.
package cron

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformed indicates an expression that cannot be parsed.
var ErrMalformed = errors.New("malformed cron expression")

// ErrUnreachableSchedule indicates an expression that never fires within the
// lookahead window (one leap year of minutes).
var ErrUnreachableSchedule = errors.New("schedule never fires within lookahead window")

// maxLookaheadMinutes bounds the minute-by-minute search in NextAfter.
const maxLookaheadMinutes = 60 * 24 * 366

type fieldSpec struct {
	name string
	min  int
	max  int
	span int
}

var fieldSpecs = [5]fieldSpec{
	{"minute", 0, 59, 60},
	{"hour", 0, 23, 24},
	{"day-of-month", 1, 31, 31},
	{"month", 1, 12, 12},
	{"day-of-week", 0, 6, 7},
}

const (
	fieldMinute = iota
	fieldHour
	fieldDayOfMonth
	fieldMonth
	fieldDayOfWeek
)

// Expression is a parsed five-field cron expression.
type Expression struct {
	src      string
	fields   [5]map[int]bool
	wildcard [5]bool
}

// Parse parses a five-field cron expression.
func Parse(expr string) (*Expression, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return nil, fmt.Errorf("%w: expected 5 fields, got %d", ErrMalformed, len(parts))
	}
	e := &Expression{src: expr}
	for i, part := range parts {
		values, wildcard, err := expandField(part, fieldSpecs[i])
		if err != nil {
			return nil, err
		}
		e.fields[i] = values
		e.wildcard[i] = wildcard
	}
	return e, nil
}

// MustParse is Parse for expressions known to be valid, panicking otherwise.
// Intended for tests and fixed internal schedules.
func MustParse(expr string) *Expression {
	e, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return e
}

// String returns the original expression text.
func (e *Expression) String() string { return e.src }

// expandField expands one comma-separated field into its value set and
// reports whether the field counts as a wildcard (a literal "*" segment, or
// a union covering the field's full range).
func expandField(token string, spec fieldSpec) (map[int]bool, bool, error) {
	values := make(map[int]bool)
	wildcard := false
	for _, raw := range strings.Split(token, ",") {
		segment := strings.TrimSpace(raw)
		if segment == "" {
			segment = "*"
		}
		item := segment
		step := 1
		if idx := strings.Index(segment, "/"); idx >= 0 {
			base, stepStr := segment[:idx], segment[idx+1:]
			if base == "" {
				base = "*"
			}
			item = base
			n, err := strconv.Atoi(stepStr)
			if err != nil {
				return nil, false, fmt.Errorf("%w: invalid step %q for %s", ErrMalformed, stepStr, spec.name)
			}
			if n <= 0 {
				return nil, false, fmt.Errorf("%w: non-positive step for %s", ErrMalformed, spec.name)
			}
			step = n
		}
		expanded, err := expandRange(item, spec)
		if err != nil {
			return nil, false, err
		}
		start := expanded[0]
		for _, v := range expanded {
			if (v-start)%step == 0 {
				values[v] = true
			}
		}
		wildcard = wildcard || segment == "*"
	}
	if len(values) == 0 {
		return nil, false, fmt.Errorf("%w: no values for %s", ErrMalformed, spec.name)
	}
	if spec.name == "day-of-week" {
		// Fold 7 onto 0 (Monday in this numbering) before the bounds check.
		if values[7] {
			delete(values, 7)
			values[0] = true
		}
	}
	for v := range values {
		if v < spec.min || v > spec.max {
			return nil, false, fmt.Errorf("%w: %s value %d out of range [%d,%d]", ErrMalformed, spec.name, v, spec.min, spec.max)
		}
	}
	if len(values) == spec.span {
		wildcard = true
	}
	return values, wildcard, nil
}

// expandRange expands a single "*", integer, or "a-b" token.
func expandRange(item string, spec fieldSpec) ([]int, error) {
	if item == "*" {
		out := make([]int, 0, spec.max-spec.min+1)
		for v := spec.min; v <= spec.max; v++ {
			out = append(out, v)
		}
		return out, nil
	}
	if n, err := strconv.Atoi(item); err == nil && !strings.ContainsAny(item, "+-") {
		return []int{n}, nil
	}
	if idx := strings.Index(item, "-"); idx > 0 {
		start, err1 := strconv.Atoi(item[:idx])
		end, err2 := strconv.Atoi(item[idx+1:])
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("%w: invalid range %q for %s", ErrMalformed, item, spec.name)
		}
		if start > end {
			return nil, fmt.Errorf("%w: inverted range %q for %s", ErrMalformed, item, spec.name)
		}
		out := make([]int, 0, end-start+1)
		for v := start; v <= end; v++ {
			out = append(out, v)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unsupported token %q for %s", ErrMalformed, item, spec.name)
}

// NextAfter returns the first instant strictly after moment (truncated to
// the minute) that matches the expression. The search advances minute by
// minute and fails with ErrUnreachableSchedule past the lookahead window.
func (e *Expression) NextAfter(moment time.Time) (time.Time, error) {
	candidate := moment.Truncate(time.Minute)
	for i := 0; i < maxLookaheadMinutes; i++ {
		candidate = candidate.Add(time.Minute)
		if e.matches(candidate) {
			return candidate, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %s", ErrUnreachableSchedule, e.src)
}

// matches reports whether a minute-aligned candidate satisfies the
// expression. Day-of-month and day-of-week combine per the classic cron
// rule: when both are restricted, either may match.
func (e *Expression) matches(candidate time.Time) bool {
	if !e.fields[fieldMinute][candidate.Minute()] {
		return false
	}
	if !e.fields[fieldHour][candidate.Hour()] {
		return false
	}
	if !e.fields[fieldMonth][int(candidate.Month())] {
		return false
	}
	domMatch := e.fields[fieldDayOfMonth][candidate.Day()]
	dowMatch := e.fields[fieldDayOfWeek][mondayIndexed(candidate.Weekday())]
	switch {
	case e.wildcard[fieldDayOfMonth] && e.wildcard[fieldDayOfWeek]:
		return true
	case e.wildcard[fieldDayOfMonth]:
		return dowMatch
	case e.wildcard[fieldDayOfWeek]:
		return domMatch
	default:
		return domMatch || dowMatch
	}
}

// mondayIndexed converts Go's Sunday-first weekday to the 0=Monday index.
func mondayIndexed(d time.Weekday) int {
	return (int(d) + 6) % 7
}
