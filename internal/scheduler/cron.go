// Package scheduler runs persisted scheduled tasks through the group queue.
package scheduler

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// CronExpr is a parsed 5-field cron expression:
// minute, hour, day-of-month, month, day-of-week.
type CronExpr struct {
	Minute     []int
	Hour       []int
	DayOfMonth []int
	Month      []int
	DayOfWeek  []int

	// Standard cron: when both day fields are restricted a day matches if
	// either does.
	domAny bool
	dowAny bool
}

var cronDescriptors = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

// ParseCron parses a 5-field expression or one of the @descriptors.
// Fields support *, */N, N, N-M, N-M/S and comma lists. Day-of-week 7 is Sunday.
func ParseCron(expr string) (*CronExpr, error) {
	expr = strings.TrimSpace(expr)
	if d, ok := cronDescriptors[strings.ToLower(expr)]; ok {
		expr = d
	}
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron: expected 5 fields, got %d", len(fields))
	}

	c := &CronExpr{domAny: fields[2] == "*", dowAny: fields[4] == "*"}
	specs := []struct {
		name     string
		min, max int
		dst      *[]int
	}{
		{"minute", 0, 59, &c.Minute},
		{"hour", 0, 23, &c.Hour},
		{"day-of-month", 1, 31, &c.DayOfMonth},
		{"month", 1, 12, &c.Month},
		{"day-of-week", 0, 7, &c.DayOfWeek},
	}
	for i, s := range specs {
		vals, err := parseField(fields[i], s.min, s.max)
		if err != nil {
			return nil, fmt.Errorf("cron: %s: %w", s.name, err)
		}
		*s.dst = vals
	}
	if slices.Contains(c.DayOfWeek, 7) {
		c.DayOfWeek = slices.DeleteFunc(c.DayOfWeek, func(v int) bool { return v == 7 })
		if !slices.Contains(c.DayOfWeek, 0) {
			c.DayOfWeek = append([]int{0}, c.DayOfWeek...)
		}
	}
	return c, nil
}

// Matches reports whether t (in its own location) satisfies the expression.
func (c *CronExpr) Matches(t time.Time) bool {
	return slices.Contains(c.Minute, t.Minute()) &&
		slices.Contains(c.Hour, t.Hour()) &&
		slices.Contains(c.Month, int(t.Month())) &&
		c.dayMatches(t)
}

func (c *CronExpr) dayMatches(t time.Time) bool {
	dom := slices.Contains(c.DayOfMonth, t.Day())
	dow := slices.Contains(c.DayOfWeek, int(t.Weekday()))
	if !c.domAny && !c.dowAny {
		return dom || dow
	}
	return dom && dow
}

// Next returns the first matching minute strictly after t, evaluated in t's
// location. The search gives up after five years and returns the zero time.
func (c *CronExpr) Next(t time.Time) time.Time {
	loc := t.Location()
	candidate := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(5, 0, 0)

	for candidate.Before(limit) {
		switch {
		case !slices.Contains(c.Month, int(candidate.Month())):
			candidate = time.Date(candidate.Year(), candidate.Month()+1, 1, 0, 0, 0, 0, loc)
		case !c.dayMatches(candidate):
			candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day()+1, 0, 0, 0, 0, loc)
		case !slices.Contains(c.Hour, candidate.Hour()):
			candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day(), candidate.Hour()+1, 0, 0, 0, loc)
		case !slices.Contains(c.Minute, candidate.Minute()):
			candidate = candidate.Add(time.Minute)
		default:
			return candidate
		}
	}
	return time.Time{}
}

func parseField(field string, min, max int) ([]int, error) {
	seen := make(map[int]bool)
	for _, part := range strings.Split(field, ",") {
		vals, err := parsePart(part, min, max)
		if err != nil {
			return nil, err
		}
		for _, v := range vals {
			seen[v] = true
		}
	}
	out := make([]int, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	slices.Sort(out)
	return out, nil
}

// parsePart handles *, */N, N, N-M and N-M/S.
func parsePart(part string, min, max int) ([]int, error) {
	base, stepStr, hasStep := strings.Cut(part, "/")
	step := 1
	if hasStep {
		s, err := strconv.Atoi(stepStr)
		if err != nil || s <= 0 {
			return nil, fmt.Errorf("invalid step %q", part)
		}
		step = s
	}

	lo, hi := min, max
	switch {
	case base == "*":
	case strings.Contains(base, "-"):
		from, to, _ := strings.Cut(base, "-")
		var err error
		if lo, err = strconv.Atoi(from); err != nil {
			return nil, fmt.Errorf("invalid range start %q", from)
		}
		if hi, err = strconv.Atoi(to); err != nil {
			return nil, fmt.Errorf("invalid range end %q", to)
		}
		if lo < min || hi > max || lo > hi {
			return nil, fmt.Errorf("range %d-%d out of bounds [%d,%d]", lo, hi, min, max)
		}
	default:
		v, err := strconv.Atoi(base)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q", base)
		}
		if v < min || v > max {
			return nil, fmt.Errorf("value %d out of bounds [%d,%d]", v, min, max)
		}
		if !hasStep {
			return []int{v}, nil
		}
		lo = v
	}

	out := make([]int, 0, (hi-lo)/step+1)
	for i := lo; i <= hi; i += step {
		out = append(out, i)
	}
	return out, nil
}
