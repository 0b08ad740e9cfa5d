package logic

import (
	"fmt"
	"sync"
	"time"
)

// Tracker owns the intake log and answers dose window queries.
// Queries are recomputed from the log on every call; nothing is cached.
// Safe for concurrent use: one writer (the event pipeline) and any number of
// readers (HTTP handlers, indicators).
type Tracker struct {
	mu      sync.RWMutex
	windows []DoseWindow
	track   map[Classification]bool
	entries []Event // insertion order, oldest first
	counts  Counts
}

// NewTracker creates a Tracker for the given windows. Events whose label is
// not in track are ignored by Record. ClassIntakeMedicine is always tracked.
func NewTracker(windows []DoseWindow, track []Classification) *Tracker {
	t := &Tracker{
		windows: append([]DoseWindow(nil), windows...),
		track:   map[Classification]bool{ClassIntakeMedicine: true},
	}
	for _, c := range track {
		t.track[c] = true
	}
	return t
}

// Record appends ev to the log if its label is tracked.
// Returns whether the event was kept.
func (t *Tracker) Record(ev Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.track[ev.Label] {
		t.counts.Ignored++
		return false
	}

	t.entries = append(t.entries, ev)
	switch ev.Label {
	case ClassIntakeMedicine:
		t.counts.IntakeMedicine++
	case ClassSlide:
		t.counts.Slide++
	case ClassPutAway:
		t.counts.PutAway++
	case ClassMotionless:
		t.counts.Motionless++
	}
	if ev.Manual {
		t.counts.Manual++
	}
	return true
}

// AddManualEntry records a synthetic event dated on now's calendar day at the
// given "HH:MM:SS" time of day, with zeroed scores.
func (t *Tracker) AddManualEntry(label, clock string, now time.Time) (Event, error) {
	c, ok := ParseClassification(label)
	if !ok {
		return Event{}, fmt.Errorf("unknown label %q", label)
	}
	tod, err := ParseTimeOfDay(clock)
	if err != nil {
		return Event{}, err
	}

	ts := tod.On(now)
	if ClockOf(ts) != tod {
		return Event{}, fmt.Errorf("time %s does not exist on %s in %s", clock, now.Format("2006-01-02"), now.Location())
	}

	ev := Event{
		Label:     c,
		Timestamp: ts,
		Manual:    true,
	}
	if !t.Record(ev) {
		return ev, fmt.Errorf("label %q is not tracked", label)
	}
	return ev, nil
}

// WasTaken reports whether the log holds an intake event on now's calendar
// date whose time of day falls within w.
func (t *Tracker) WasTaken(w DoseWindow, now time.Time) bool {
	_, ok := t.FirstIntakeTime(w, now)
	return ok
}

// IsOverdue reports whether now is strictly past w's end and no intake was
// recorded for w today.
func (t *Tracker) IsOverdue(w DoseWindow, now time.Time) bool {
	return ClockOf(now) > w.End && !t.WasTaken(w, now)
}

// Status derives the window status. Taken wins over Overdue.
func (t *Tracker) Status(w DoseWindow, now time.Time) DoseStatus {
	if t.WasTaken(w, now) {
		return StatusTaken
	}
	if t.IsOverdue(w, now) {
		return StatusOverdue
	}
	return StatusPending
}

// FirstIntakeTime returns the earliest matching intake for w on now's date.
func (t *Tracker) FirstIntakeTime(w DoseWindow, now time.Time) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	loc := now.Location()
	y, m, d := now.Date()

	var first time.Time
	found := false
	for _, ev := range t.entries {
		if ev.Label != ClassIntakeMedicine {
			continue
		}
		ts := ev.Timestamp.In(loc)
		ey, em, ed := ts.Date()
		if ey != y || em != m || ed != d {
			continue
		}
		if !w.Contains(ClockOf(ts)) {
			continue
		}
		if !found || ts.Before(first) {
			first = ts
			found = true
		}
	}
	return first, found
}

// Windows returns a copy of the configured windows.
func (t *Tracker) Windows() []DoseWindow {
	return append([]DoseWindow(nil), t.windows...)
}

// Window looks up a window by name.
func (t *Tracker) Window(name string) (DoseWindow, bool) {
	for _, w := range t.windows {
		if w.Name == name {
			return w, true
		}
	}
	return DoseWindow{}, false
}

// StatusByName is Status for a window looked up by name.
func (t *Tracker) StatusByName(name string, now time.Time) (DoseStatus, error) {
	w, ok := t.Window(name)
	if !ok {
		return "", fmt.Errorf("unknown window %q", name)
	}
	return t.Status(w, now), nil
}

// FirstIntakeByName is FirstIntakeTime for a window looked up by name.
func (t *Tracker) FirstIntakeByName(name string, now time.Time) (time.Time, bool, error) {
	w, ok := t.Window(name)
	if !ok {
		return time.Time{}, false, fmt.Errorf("unknown window %q", name)
	}
	ts, found := t.FirstIntakeTime(w, now)
	return ts, found, nil
}

// Report evaluates every window at now.
func (t *Tracker) Report(now time.Time) []WindowReport {
	reports := make([]WindowReport, 0, len(t.windows))
	for _, w := range t.windows {
		r := WindowReport{Window: w, Status: t.Status(w, now)}
		if ts, ok := t.FirstIntakeTime(w, now); ok {
			r.FirstIntake = ts
		}
		reports = append(reports, r)
	}
	return reports
}

// AnyOverdue reports whether at least one window is overdue at now.
func (t *Tracker) AnyOverdue(now time.Time) bool {
	for _, w := range t.windows {
		if t.IsOverdue(w, now) {
			return true
		}
	}
	return false
}

// Log returns a copy of the intake log, most recent first.
func (t *Tracker) Log() []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Event, len(t.entries))
	for i, ev := range t.entries {
		out[len(t.entries)-1-i] = ev
	}
	return out
}

// Len returns the number of logged events.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Counts returns a copy of the per-label counters.
func (t *Tracker) Counts() Counts {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counts
}

// Prune drops events older than the last days calendar days ending at now's
// date. Events dated on now's date are always kept. days <= 0 keeps
// everything. Returns the number of events removed.
func (t *Tracker) Prune(now time.Time, days int) int {
	if days <= 0 {
		return 0
	}

	y, m, d := now.Date()
	cutoff := time.Date(y, m, d-(days-1), 0, 0, 0, 0, now.Location())

	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.entries[:0]
	removed := 0
	for _, ev := range t.entries {
		if ev.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	// Clear the tail so pruned events can be collected.
	for i := len(kept); i < len(t.entries); i++ {
		t.entries[i] = Event{}
	}
	t.entries = kept
	return removed
}
