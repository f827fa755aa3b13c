// Package availability answers questions about business hours without any I/O.
//
// Every function here is deterministic given its inputs: the business calendar,
// a date or instant, and (for slot listing) the already-busy intervals.
package availability

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"bookingd/internal/model"
)

// Interval is a half-open [Start, End) span.
type Interval = model.Slot

// Break is a recurring pause inside a working day, as offsets from midnight.
type Break struct {
	Start time.Duration
	End   time.Duration
}

// DayHours is the opening window of one weekday.
type DayHours struct {
	Open   time.Duration
	Close  time.Duration
	Breaks []Break
}

// Calendar is the business calendar: weekly hours plus named closures.
type Calendar struct {
	Location *time.Location
	// Weekly maps a weekday to its hours; a missing weekday is closed.
	Weekly map[time.Weekday]DayHours
	// Closures maps "2006-01-02" to the closure name.
	Closures map[string]string
}

// ParseClock parses "HH:MM" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time format: %s", s)
	}

	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 24 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}

	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 || (hour == 24 && minute != 0) {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}

	return time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute, nil
}

// FormatClock renders an offset from midnight as "HH:MM".
func FormatClock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}

func (c *Calendar) location() *time.Location {
	if c == nil || c.Location == nil {
		return time.UTC
	}
	return c.Location
}

// In converts t into the calendar's timezone.
func (c *Calendar) In(t time.Time) time.Time {
	return t.In(c.location())
}

// DateKey returns the calendar-local "2006-01-02" key for t.
func (c *Calendar) DateKey(t time.Time) string {
	return c.In(t).Format(time.DateOnly)
}

// StartOfDay returns local midnight of t's calendar date.
func (c *Calendar) StartOfDay(t time.Time) time.Time {
	l := c.In(t)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, l.Location())
}

// Closed reports whether date is a closure or has no hours, with the reason.
func (c *Calendar) Closed(date time.Time) (bool, string) {
	if c == nil {
		return true, "no calendar"
	}
	if name, ok := c.Closures[c.DateKey(date)]; ok {
		return true, name
	}
	if _, ok := c.Weekly[c.In(date).Weekday()]; !ok {
		return true, "closed"
	}
	return false, ""
}

// clockOn places an offset-from-midnight on date's calendar day. Using the
// wall clock keeps opening hours stable across DST changes.
func (c *Calendar) clockOn(date time.Time, offset time.Duration) time.Time {
	l := c.In(date)
	minutes := int(offset / time.Minute)
	return time.Date(l.Year(), l.Month(), l.Day(), minutes/60, minutes%60, 0, 0, l.Location())
}

// FreeIntervals returns the ordered open intervals of date: the day's window
// minus its breaks. Closed days yield nil.
func FreeIntervals(cal *Calendar, date time.Time) []Interval {
	if closed, _ := cal.Closed(date); closed {
		return nil
	}
	hours := cal.Weekly[cal.In(date).Weekday()]
	if hours.Close <= hours.Open {
		return nil
	}

	open := []Interval{{Start: cal.clockOn(date, hours.Open), End: cal.clockOn(date, hours.Close)}}

	breaks := make([]Interval, 0, len(hours.Breaks))
	for _, b := range hours.Breaks {
		if b.End <= b.Start {
			continue
		}
		breaks = append(breaks, Interval{Start: cal.clockOn(date, b.Start), End: cal.clockOn(date, b.End)})
	}

	return Subtract(open, breaks)
}

// IsWithinHours reports whether instant falls inside an open interval.
func IsWithinHours(cal *Calendar, instant time.Time) bool {
	for _, iv := range FreeIntervals(cal, instant) {
		if !instant.Before(iv.Start) && instant.Before(iv.End) {
			return true
		}
	}
	return false
}

// Fits reports whether [start, end) lies entirely within one open interval.
func Fits(cal *Calendar, start, end time.Time) bool {
	if !end.After(start) {
		return false
	}
	for _, iv := range FreeIntervals(cal, start) {
		if !start.Before(iv.Start) && !end.After(iv.End) {
			return true
		}
	}
	return false
}

// Overlaps reports half-open overlap: back-to-back intervals do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// Subtract removes busy intervals from free ones and returns the ordered remainder.
func Subtract(free, busy []Interval) []Interval {
	result := append([]Interval(nil), free...)
	for _, b := range busy {
		next := make([]Interval, 0, len(result)+1)
		for _, f := range result {
			if !Overlaps(f.Start, f.End, b.Start, b.End) {
				next = append(next, f)
				continue
			}
			if f.Start.Before(b.Start) {
				next = append(next, Interval{Start: f.Start, End: b.Start})
			}
			if b.End.Before(f.End) {
				next = append(next, Interval{Start: b.End, End: f.End})
			}
		}
		result = next
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Start.Before(result[j].Start) })
	return result
}

// OpenSlots lists start-aligned slots of the given duration on date that fit
// inside open hours, begin at or after notBefore and avoid busy intervals.
func OpenSlots(cal *Calendar, date time.Time, duration, step time.Duration, busy []Interval, notBefore time.Time) []Interval {
	if duration <= 0 {
		return nil
	}
	if step <= 0 {
		step = duration
	}

	var slots []Interval
	for _, iv := range FreeIntervals(cal, date) {
		for cursor := iv.Start; !cursor.Add(duration).After(iv.End); cursor = cursor.Add(step) {
			if cursor.Before(notBefore) {
				continue
			}
			end := cursor.Add(duration)
			if conflictsAny(cursor, end, busy) {
				continue
			}
			slots = append(slots, Interval{Start: cursor, End: end})
		}
	}
	return slots
}

func conflictsAny(start, end time.Time, busy []Interval) bool {
	for _, b := range busy {
		if Overlaps(start, end, b.Start, b.End) {
			return true
		}
	}
	return false
}
