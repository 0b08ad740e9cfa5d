// Package logic contains pure business logic for medication dose tracking.
// This package has NO I/O dependencies (no Bluetooth, MQTT, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import (
	"fmt"
	"strings"
	"time"
)

// Classification is the motion label reported by the sensor.
// The values are the exact wire strings.
type Classification string

const (
	ClassIntakeMedicine Classification = "intake medicine"
	ClassSlide          Classification = "slide"
	ClassPutAway        Classification = "put away"
	ClassMotionless     Classification = "motionless"
)

// Classifications lists every known label.
var Classifications = []Classification{
	ClassIntakeMedicine,
	ClassSlide,
	ClassPutAway,
	ClassMotionless,
}

// ParseClassification maps a wire label to a Classification.
// Matching is exact and case-sensitive.
func ParseClassification(s string) (Classification, bool) {
	for _, c := range Classifications {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// Event is one decoded classification result. Treat as immutable.
type Event struct {
	Label                  Classification
	AccuracyIntakeMedicine float64
	AccuracyMotionless     float64
	AccuracyPutAway        float64
	AccuracySlide          float64
	// Timestamp is the arrival instant, assigned when the event is created.
	Timestamp time.Time
	// Manual is set for events injected outside the wireless path.
	Manual bool
}

// TimeOfDay is a wall-clock offset from local midnight.
type TimeOfDay time.Duration

// ClockOf reduces t to its time of day in t's own location.
func ClockOf(t time.Time) TimeOfDay {
	h, m, s := t.Clock()
	return TimeOfDay(time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second +
		time.Duration(t.Nanosecond()))
}

// ParseTimeOfDay accepts "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	layout := "15:04:05"
	if strings.Count(s, ":") == 1 {
		layout = "15:04"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return 0, fmt.Errorf("parse time of day %q: %w", s, err)
	}
	return TimeOfDay(time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second), nil
}

// On returns the instant at this time of day on day's calendar date. A clock
// time skipped by a daylight saving change is normalized by time.Date, so the
// result's ClockOf can differ from c.
func (c TimeOfDay) On(day time.Time) time.Time {
	y, m, d := day.Date()
	dur := time.Duration(c)
	h := int(dur / time.Hour)
	mi := int(dur/time.Minute) % 60
	sec := int(dur/time.Second) % 60
	ns := int(dur % time.Second)
	return time.Date(y, m, d, h, mi, sec, ns, day.Location())
}

// String formats as HH:MM:SS.
func (c TimeOfDay) String() string {
	d := time.Duration(c)
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	s := int(d/time.Second) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// DoseWindow is a named time-of-day interval in which a dose is expected.
// Both ends are inclusive.
type DoseWindow struct {
	Name  string
	Start TimeOfDay
	End   TimeOfDay
}

// Contains reports whether c falls in [Start, End].
func (w DoseWindow) Contains(c TimeOfDay) bool {
	return c >= w.Start && c <= w.End
}

// String formats as "Name HH:MM:SS-HH:MM:SS".
func (w DoseWindow) String() string {
	return fmt.Sprintf("%s %s-%s", w.Name, w.Start, w.End)
}

// DoseStatus is the derived state of one window at one instant.
type DoseStatus string

const (
	StatusTaken   DoseStatus = "TAKEN"
	StatusOverdue DoseStatus = "OVERDUE"
	StatusPending DoseStatus = "PENDING"
)

// WindowReport is a point-in-time view of one window.
type WindowReport struct {
	Window      DoseWindow
	Status      DoseStatus
	FirstIntake time.Time // zero when not taken
}

// Counts tracks recorded events per label since startup.
type Counts struct {
	IntakeMedicine int
	Slide          int
	PutAway        int
	Motionless     int
	Manual         int
	Ignored        int
}
