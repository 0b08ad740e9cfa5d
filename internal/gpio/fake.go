package gpio

import "sync"

// Change is one recorded LED transition.
type Change struct {
	LED string // "connected" or "overdue"
	On  bool
}

// FakeIndicator is a test double that records LED state.
type FakeIndicator struct {
	mu sync.Mutex

	connected bool
	overdue   bool
	changes   []Change

	// Closed tracks if Close was called
	Closed bool

	// SetError, if set, will be returned by SetConnected and SetOverdue
	SetError error
}

// NewFakeIndicator creates a FakeIndicator with both LEDs off.
func NewFakeIndicator() *FakeIndicator {
	return &FakeIndicator{}
}

// SetConnected records the connected LED state.
func (f *FakeIndicator) SetConnected(on bool) error {
	return f.set("connected", &f.connected, on)
}

// SetOverdue records the overdue LED state.
func (f *FakeIndicator) SetOverdue(on bool) error {
	return f.set("overdue", &f.overdue, on)
}

func (f *FakeIndicator) set(led string, state *bool, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SetError != nil {
		return f.SetError
	}
	if *state != on {
		f.changes = append(f.changes, Change{LED: led, On: on})
	}
	*state = on
	return nil
}

// Connected returns the current connected LED state.
func (f *FakeIndicator) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Overdue returns the current overdue LED state.
func (f *FakeIndicator) Overdue() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overdue
}

// Changes returns the recorded transitions in order.
func (f *FakeIndicator) Changes() []Change {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Change(nil), f.changes...)
}

// Close switches both LEDs off and marks the indicator as closed.
func (f *FakeIndicator) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.overdue = false
	f.Closed = true
	return nil
}
