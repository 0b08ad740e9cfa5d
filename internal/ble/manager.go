package ble

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sweeney/mediminder/internal/decode"
	"github.com/sweeney/mediminder/internal/events"
	"github.com/sweeney/mediminder/internal/logic"
)

// DefaultConnectTimeout bounds the link-level connect phase.
const DefaultConnectTimeout = 10 * time.Second

// inboxSize is the number of transport callbacks that may queue before the
// transport goroutine blocks.
const inboxSize = 64

// Config contains the GATT profile and timing policy.
type Config struct {
	ServiceUUID        string
	CharacteristicUUID string
	ConnectTimeout     time.Duration
}

// Stats counts pipeline activity since startup.
type Stats struct {
	Connects       int
	Disconnects    int // spontaneous only
	Notifications  int
	DecodeFailures int
	Stale          int // callbacks dropped for belonging to an old attempt
}

// message is a transport callback queued for the run loop.
type message struct {
	gen          uint64
	payload      []byte
	disconnected bool
	reason       error
}

// Manager owns the device handle and the connection state machine.
//
// Transport callbacks are queued and processed one at a time by Run, so
// decoding and event publication happen on a single goroutine. Every connect
// attempt gets a new generation; callbacks and late results carrying an old
// generation are discarded.
type Manager struct {
	transport Transport
	cfg       Config
	now       func() time.Time

	connected  *events.Latest[bool]
	classified *events.Broadcast[logic.Event]

	inbox chan message
	done  chan struct{}

	// publishMu orders connectivity publishes with the state check that
	// decides them, so a reset can never be followed by a stale true.
	publishMu sync.Mutex

	// subscribed, if set, runs after the Subscribed transition and before
	// connectivity is published. Tests use it to race teardown.
	subscribed func()

	mu     sync.Mutex
	state  State
	gen    uint64
	device string
	char   string
	stats  Stats
}

// NewManager creates a Manager in StateIdle. now stamps decoded events.
func NewManager(transport Transport, cfg Config, now func() time.Time) *Manager {
	if cfg.ServiceUUID == "" {
		cfg.ServiceUUID = DefaultServiceUUID
	}
	if cfg.CharacteristicUUID == "" {
		cfg.CharacteristicUUID = DefaultCharacteristicUUID
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{
		transport:  transport,
		cfg:        cfg,
		now:        now,
		connected:  events.NewLatest(false),
		classified: events.NewBroadcast[logic.Event](),
		inbox:      make(chan message, inboxSize),
		done:       make(chan struct{}),
	}
}

// ConnectionStatus is the latest-value connectivity stream.
func (m *Manager) ConnectionStatus() *events.Latest[bool] {
	return m.connected
}

// Classifications is the fire-and-forget stream of decoded events.
func (m *Manager) Classifications() *events.Broadcast[logic.Event] {
	return m.classified
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether notifications are active.
func (m *Manager) IsConnected() bool {
	return m.State() == StateSubscribed
}

// Device returns the current device handle, or "" when idle.
func (m *Manager) Device() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device
}

// Stats returns a copy of the activity counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Run processes transport callbacks until ctx is cancelled.
// Call exactly once.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.inbox:
			m.handle(msg)
		}
	}
}

// Connect runs the full connect sequence and reports whether notifications
// are active. Failures are logged, never returned; the state machine is back
// in StateIdle afterwards.
func (m *Manager) Connect(ctx context.Context) bool {
	if err := m.connect(ctx); err != nil {
		log.Printf("ble: connect failed: %v", err)
		return false
	}
	log.Printf("ble: subscribed to %s on %s", m.cfg.CharacteristicUUID, m.Device())
	return true
}

func (m *Manager) connect(ctx context.Context) error {
	gen, err := m.begin()
	if err != nil {
		return err
	}

	device, err := m.transport.RequestDevice(ctx, m.cfg.ServiceUUID)
	if err != nil {
		return m.abort(gen, "", fmt.Errorf("%w: %v", ErrDiscoveryCancelled, err))
	}
	if !m.advance(gen, StateConnecting, func() { m.device = device }) {
		return m.abort(gen, "", ErrAborted)
	}

	if err := m.connectLink(ctx, gen, device); err != nil {
		return err
	}
	if !m.advance(gen, StateBound, nil) {
		return m.abort(gen, device, ErrAborted)
	}

	service, err := m.transport.ResolveService(ctx, device, m.cfg.ServiceUUID)
	if err != nil {
		return m.abort(gen, device, fmt.Errorf("%w: %s: %v", ErrServiceUnavailable, m.cfg.ServiceUUID, err))
	}
	char, err := m.transport.ResolveCharacteristic(ctx, service, m.cfg.CharacteristicUUID)
	if err != nil {
		return m.abort(gen, device, fmt.Errorf("%w: %s: %v", ErrCharacteristicUnavailable, m.cfg.CharacteristicUUID, err))
	}

	onValue := func(payload []byte) {
		m.post(message{gen: gen, payload: payload})
	}
	if err := m.transport.StartNotify(ctx, char, onValue); err != nil {
		return m.abort(gen, device, fmt.Errorf("%w: %v", ErrSubscriptionFailed, err))
	}
	if !m.advance(gen, StateSubscribed, func() {
		m.char = char
		m.stats.Connects++
	}) {
		return m.abort(gen, device, ErrAborted)
	}
	if m.subscribed != nil {
		m.subscribed()
	}

	// The link may have been torn down since the transition; whoever did
	// that owns the release and the false publish.
	if !m.publishUp(gen) {
		return ErrAborted
	}
	return nil
}

// publishUp publishes true if gen is still the subscribed attempt.
func (m *Manager) publishUp(gen uint64) bool {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	m.mu.Lock()
	ok := m.gen == gen && m.state == StateSubscribed
	m.mu.Unlock()
	if ok {
		m.connected.Publish(true)
	}
	return ok
}

// publishDown publishes false unless a newer attempt has already subscribed.
func (m *Manager) publishDown() {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	if m.IsConnected() {
		return
	}
	m.connected.Publish(false)
}

// connectLink races the transport connect against the connect timeout. The
// losing result is drained in the background; a late success is released.
func (m *Manager) connectLink(ctx context.Context, gen uint64, device string) error {
	linkCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	onDisconnect := func(reason error) {
		m.post(message{gen: gen, disconnected: true, reason: reason})
	}

	result := make(chan error, 1)
	go func() {
		result <- m.transport.Connect(linkCtx, device, onDisconnect)
	}()

	timer := time.NewTimer(m.cfg.ConnectTimeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-result:
		if err == nil {
			return nil
		}
		err = fmt.Errorf("%w: %v", ErrConnectFailed, err)
	case <-timer.C:
		go m.discardLate(device, result)
		err = fmt.Errorf("%w after %v", ErrConnectTimeout, m.cfg.ConnectTimeout)
	case <-ctx.Done():
		go m.discardLate(device, result)
		err = fmt.Errorf("%w: %v", ErrConnectFailed, ctx.Err())
	}
	return m.abort(gen, "", err)
}

// discardLate waits for a timed-out connect to finish and releases the link
// if it eventually succeeded.
func (m *Manager) discardLate(device string, result <-chan error) {
	if err := <-result; err != nil {
		return
	}
	log.Printf("ble: releasing late connection to %s", device)
	if err := m.transport.Disconnect(device); err != nil {
		log.Printf("ble: release late connection: %v", err)
	}
}

// begin moves Idle to Discovering and opens a new generation.
func (m *Manager) begin() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return 0, fmt.Errorf("%w (state %s)", ErrBusy, m.state)
	}
	m.gen++
	m.state = StateDiscovering
	return m.gen, nil
}

// advance moves to next if gen is still current, running apply under the lock.
func (m *Manager) advance(gen uint64, next State, apply func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.state == StateIdle {
		return false
	}
	m.state = next
	if apply != nil {
		apply()
	}
	return true
}

// abort releases any acquired link (best effort), resets to Idle if gen is
// still current, publishes false and returns err.
func (m *Manager) abort(gen uint64, device string, err error) error {
	m.mu.Lock()
	current := m.gen == gen
	if current {
		m.reset()
	}
	m.mu.Unlock()

	if device != "" {
		if derr := m.transport.Disconnect(device); derr != nil {
			log.Printf("ble: release %s: %v", device, derr)
		}
	}
	if current {
		m.publishDown()
	}
	return err
}

// reset returns to Idle and retires the current generation.
// Caller holds m.mu.
func (m *Manager) reset() {
	m.state = StateIdle
	m.gen++
	m.device = ""
	m.char = ""
}

// Disconnect tears down an established link. Without one it does nothing.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state != StateBound && m.state != StateSubscribed {
		state := m.state
		m.mu.Unlock()
		log.Printf("ble: disconnect ignored in state %s", state)
		return
	}
	device, char := m.device, m.char
	m.reset()
	m.mu.Unlock()

	if char != "" {
		if err := m.transport.StopNotify(char); err != nil {
			log.Printf("ble: stop notify: %v", err)
		}
	}
	if err := m.transport.Disconnect(device); err != nil {
		log.Printf("ble: disconnect %s: %v", device, err)
	}
	log.Printf("ble: disconnected from %s", device)
	m.publishDown()
}

// post queues a transport callback. It gives up once Run has returned.
func (m *Manager) post(msg message) {
	select {
	case m.inbox <- msg:
	case <-m.done:
	}
}

func (m *Manager) handle(msg message) {
	m.mu.Lock()
	if msg.gen != m.gen {
		m.stats.Stale++
		m.mu.Unlock()
		return
	}

	if msg.disconnected {
		if m.state == StateIdle {
			m.mu.Unlock()
			return
		}
		device := m.device
		m.reset()
		m.stats.Disconnects++
		m.mu.Unlock()

		log.Printf("ble: %v: %s: %v", ErrSpontaneousDisconnect, device, msg.reason)
		m.publishDown()
		return
	}

	// A notification can race the Bound->Subscribed transition; it belongs to
	// this attempt either way.
	if m.state != StateBound && m.state != StateSubscribed {
		m.mu.Unlock()
		return
	}
	m.stats.Notifications++
	m.mu.Unlock()

	ev, err := decode.Decode(msg.payload, m.now())
	if err != nil {
		m.mu.Lock()
		m.stats.DecodeFailures++
		m.mu.Unlock()
		log.Printf("ble: decode failed (%d bytes): %v", len(msg.payload), err)
		return
	}
	m.classified.Publish(ev)
}
