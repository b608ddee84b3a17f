package availability

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const DateLayout = "2006-01-02"

// Interval is a half-open [Start, End) span of absolute time.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (i Interval) Empty() bool { return !i.End.After(i.Start) }

func (i Interval) Duration() time.Duration { return i.End.Sub(i.Start) }

// Contains reports whether [start, end) lies fully inside the interval.
func (i Interval) Contains(start, end time.Time) bool {
	return !start.Before(i.Start) && !end.After(i.End)
}

// Overlaps reports whether [start, end) intersects the interval.
func (i Interval) Overlaps(start, end time.Time) bool {
	return isOverlapping(i.Start, i.End, start, end)
}

func isOverlapping(start1, end1, start2, end2 time.Time) bool {
	return start1.Before(end2) && start2.Before(end1)
}

// Normalize sorts intervals and merges overlapping or touching ones. Empty intervals are dropped.
func Normalize(in []Interval) []Interval {
	items := make([]Interval, 0, len(in))
	for _, i := range in {
		if !i.Empty() {
			items = append(items, i)
		}
	}
	if len(items) == 0 {
		return nil
	}

	sort.Slice(items, func(a, b int) bool {
		if items[a].Start.Equal(items[b].Start) {
			return items[a].End.Before(items[b].End)
		}
		return items[a].Start.Before(items[b].Start)
	})

	out := []Interval{items[0]}
	for _, cur := range items[1:] {
		last := &out[len(out)-1]
		if !cur.Start.After(last.End) {
			if cur.End.After(last.End) {
				last.End = cur.End
			}
			continue
		}
		out = append(out, cur)
	}
	return out
}

// Subtract removes every cut from base. Both inputs may be unsorted.
func Subtract(base, cuts []Interval) []Interval {
	result := Normalize(base)
	for _, cut := range Normalize(cuts) {
		next := make([]Interval, 0, len(result)+1)
		for _, b := range result {
			if !b.Overlaps(cut.Start, cut.End) {
				next = append(next, b)
				continue
			}
			if b.Start.Before(cut.Start) {
				next = append(next, Interval{Start: b.Start, End: cut.Start})
			}
			if b.End.After(cut.End) {
				next = append(next, Interval{Start: cut.End, End: b.End})
			}
		}
		result = next
	}
	return Normalize(result)
}

// ParseClock parses "HH:MM" or "HH:MM:SS" wall-clock values. "24:00" is accepted as end of day.
func ParseClock(value string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, 0, fmt.Errorf("invalid time format: %s", value)
	}

	hour, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid hour: %w", err)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid minute: %w", err)
	}
	if hour < 0 || hour > 24 || minute < 0 || minute > 59 || (hour == 24 && minute != 0) {
		return 0, 0, fmt.Errorf("invalid time: %s", value)
	}
	return hour, minute, nil
}

// ClockOnDate places a wall-clock value on the given local date.
func ClockOnDate(date time.Time, value string) (time.Time, error) {
	hour, minute, err := ParseClock(value)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(date.Year(), date.Month(), date.Day(), hour, minute, 0, 0, date.Location()), nil
}

// LocalDate returns midnight of the civil date of t in loc.
func LocalDate(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, loc)
}

// ParseDate parses a civil date in the given zone.
func ParseDate(value string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(DateLayout, value, loc)
}

// Dates lists the civil dates in loc touched by [from, to).
func Dates(from, to time.Time, loc *time.Location) []time.Time {
	if !to.After(from) {
		return nil
	}
	first := LocalDate(from, loc)
	last := LocalDate(to.Add(-time.Nanosecond), loc)

	var out []time.Time
	for d := first; !d.After(last); d = time.Date(d.Year(), d.Month(), d.Day()+1, 0, 0, 0, 0, loc) {
		out = append(out, d)
	}
	return out
}
