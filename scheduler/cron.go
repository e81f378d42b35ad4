package scheduler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCronExpr is returned by ParseCron for malformed expressions.
var ErrInvalidCronExpr = fmt.Errorf("scheduler: invalid cron expression")

// predefinedSchedules maps cron macros to their 5-field equivalents.
var predefinedSchedules = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

// Cron is a parsed cron expression, evaluated strictly in UTC
// (schedules are literal UTC instants; DST-aware or tz-qualified
// expressions are rejected by virtue of not being parseable here). It
// accepts both the standard 5-field form ("m h dom mon dow") and a
// 6-field form with a leading seconds field ("s m h dom mon dow"),
// disambiguated purely by field count.
//
// Adapted from chrono.CronSchedule (chrono/cron.go), whose field-parsing
// grammar (*, */n, n, n-m, n-m/s, comma lists) is unchanged; the extension
// here is the optional leading seconds field and searching at second
// rather than minute granularity so that extension is uniform rather than
// a second code path.
type Cron struct {
	seconds     []int
	minutes     []int
	hours       []int
	daysOfMonth []int
	months      []int
	daysOfWeek  []int
	expr        string
}

// ParseCron parses expr, choosing 5- or 6-field interpretation by the
// number of whitespace-separated fields and rejecting any other count.
func ParseCron(expr string) (*Cron, error) {
	original := strings.TrimSpace(expr)
	lookup := original
	if replacement, ok := predefinedSchedules[strings.ToLower(lookup)]; ok {
		lookup = replacement
	}

	fields := strings.Fields(lookup)
	c := &Cron{expr: original}
	var err error

	switch len(fields) {
	case 5:
		c.seconds = []int{0}
		if c.minutes, err = parseCronField(fields[0], 0, 59); err != nil {
			return nil, fmt.Errorf("%w: minute field: %v", ErrInvalidCronExpr, err)
		}
		if c.hours, err = parseCronField(fields[1], 0, 23); err != nil {
			return nil, fmt.Errorf("%w: hour field: %v", ErrInvalidCronExpr, err)
		}
		if c.daysOfMonth, err = parseCronField(fields[2], 1, 31); err != nil {
			return nil, fmt.Errorf("%w: day-of-month field: %v", ErrInvalidCronExpr, err)
		}
		if c.months, err = parseCronField(fields[3], 1, 12); err != nil {
			return nil, fmt.Errorf("%w: month field: %v", ErrInvalidCronExpr, err)
		}
		if c.daysOfWeek, err = parseCronField(fields[4], 0, 6); err != nil {
			return nil, fmt.Errorf("%w: day-of-week field: %v", ErrInvalidCronExpr, err)
		}
	case 6:
		if c.seconds, err = parseCronField(fields[0], 0, 59); err != nil {
			return nil, fmt.Errorf("%w: second field: %v", ErrInvalidCronExpr, err)
		}
		if c.minutes, err = parseCronField(fields[1], 0, 59); err != nil {
			return nil, fmt.Errorf("%w: minute field: %v", ErrInvalidCronExpr, err)
		}
		if c.hours, err = parseCronField(fields[2], 0, 23); err != nil {
			return nil, fmt.Errorf("%w: hour field: %v", ErrInvalidCronExpr, err)
		}
		if c.daysOfMonth, err = parseCronField(fields[3], 1, 31); err != nil {
			return nil, fmt.Errorf("%w: day-of-month field: %v", ErrInvalidCronExpr, err)
		}
		if c.months, err = parseCronField(fields[4], 1, 12); err != nil {
			return nil, fmt.Errorf("%w: month field: %v", ErrInvalidCronExpr, err)
		}
		if c.daysOfWeek, err = parseCronField(fields[5], 0, 6); err != nil {
			return nil, fmt.Errorf("%w: day-of-week field: %v", ErrInvalidCronExpr, err)
		}
	default:
		return nil, fmt.Errorf("%w: expected 5 or 6 fields, got %d", ErrInvalidCronExpr, len(fields))
	}

	return c, nil
}

// Next returns the next activation strictly after from, evaluated in UTC.
// It searches up to 4 years ahead; a zero time means no activation was
// found in that window (a malformed combination such as Feb 30).
func (c *Cron) Next(from time.Time) time.Time {
	from = from.UTC()
	t := from.Truncate(time.Second).Add(time.Second)
	limit := t.AddDate(4, 0, 0)

	for t.Before(limit) {
		if !intSliceContains(c.months, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
			continue
		}
		if !intSliceContains(c.daysOfMonth, t.Day()) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
			continue
		}
		if !intSliceContains(c.daysOfWeek, int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
			continue
		}
		if !intSliceContains(c.hours, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, time.UTC)
			continue
		}
		if !intSliceContains(c.minutes, t.Minute()) {
			t = t.Truncate(time.Minute).Add(time.Minute)
			continue
		}
		if !intSliceContains(c.seconds, t.Second()) {
			t = t.Add(time.Second)
			continue
		}
		return t
	}
	return time.Time{}
}

// String returns the original expression text.
func (c *Cron) String() string { return c.expr }

func parseCronField(field string, min, max int) ([]int, error) {
	if field == "*" {
		return makeRange(min, max, 1), nil
	}
	var values []int
	for _, part := range strings.Split(field, ",") {
		partValues, err := parseCronPart(part, min, max)
		if err != nil {
			return nil, err
		}
		values = append(values, partValues...)
	}
	values = uniqueInts(values)
	sort.Ints(values)
	if len(values) == 0 {
		return nil, fmt.Errorf("no values resolved for field: %s", field)
	}
	return values, nil
}

func parseCronPart(part string, min, max int) ([]int, error) {
	stepParts := strings.SplitN(part, "/", 2)
	step := 1
	if len(stepParts) == 2 {
		var err error
		step, err = strconv.Atoi(stepParts[1])
		if err != nil || step <= 0 {
			return nil, fmt.Errorf("invalid step value: %s", stepParts[1])
		}
	}

	rangeStr := stepParts[0]
	if rangeStr == "*" {
		return makeRange(min, max, step), nil
	}

	rangeParts := strings.SplitN(rangeStr, "-", 2)
	if len(rangeParts) == 2 {
		rangeMin, err := strconv.Atoi(rangeParts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid range start: %s", rangeParts[0])
		}
		rangeMax, err := strconv.Atoi(rangeParts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid range end: %s", rangeParts[1])
		}
		if rangeMin < min || rangeMax > max || rangeMin > rangeMax {
			return nil, fmt.Errorf("range %d-%d out of bounds [%d, %d]", rangeMin, rangeMax, min, max)
		}
		return makeRange(rangeMin, rangeMax, step), nil
	}

	val, err := strconv.Atoi(rangeStr)
	if err != nil {
		return nil, fmt.Errorf("invalid value: %s", rangeStr)
	}
	if val < min || val > max {
		return nil, fmt.Errorf("value %d out of bounds [%d, %d]", val, min, max)
	}
	return []int{val}, nil
}

func makeRange(start, end, step int) []int {
	var result []int
	for i := start; i <= end; i += step {
		result = append(result, i)
	}
	return result
}

func intSliceContains(slice []int, val int) bool {
	idx := sort.SearchInts(slice, val)
	return idx < len(slice) && slice[idx] == val
}

func uniqueInts(slice []int) []int {
	seen := make(map[int]bool, len(slice))
	result := make([]int, 0, len(slice))
	for _, v := range slice {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	return result
}
