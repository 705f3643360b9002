// Package wallclock models expert-local times of day ("09:30") and calendar
// dates as stored in the scheduling tables.
package wallclock

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the wire and storage format for calendar dates.
const DateLayout = "2006-01-02"

// Clock is a time of day expressed in minutes since midnight.
type Clock int

// New builds a Clock from hour and minute.
func New(h, m int) Clock {
	return Clock(h*60 + m)
}

// Parse accepts "HH:MM" and "HH:MM:SS" (seconds are ignored).
func Parse(s string) (Clock, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("wallclock: invalid clock %q", s)
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("wallclock: invalid clock %q", s)
	}
	return New(h, m), nil
}

// MustParse is Parse for literals.
func MustParse(s string) Clock {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Clock) Hour() int   { return int(c) / 60 }
func (c Clock) Minute() int { return int(c) % 60 }

// Add shifts the clock by whole minutes.
func (c Clock) Add(minutes int) Clock {
	return c + Clock(minutes)
}

// String renders "HH:MM".
func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute())
}

// Compact renders "HHMM", used in synthetic slot ids.
func (c Clock) Compact() string {
	return fmt.Sprintf("%02d%02d", c.Hour(), c.Minute())
}

// On places the clock on the calendar day of date in loc.
func (c Clock) On(date time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, mo, d := date.Date()
	return time.Date(y, mo, d, c.Hour(), c.Minute(), 0, 0, loc)
}

func (c Clock) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Clock) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("wallclock: decode clock: %w", err)
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseDate parses a YYYY-MM-DD calendar date at midnight UTC.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("wallclock: invalid date %q: %w", s, err)
	}
	return d, nil
}

// DateOf returns the calendar day of t as observed in loc, at midnight UTC.
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FormatDate renders a calendar date as YYYY-MM-DD.
func FormatDate(d time.Time) string {
	return d.Format(DateLayout)
}
