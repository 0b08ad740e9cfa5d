// Package status provides a thread-safe status tracker for the mediminder daemon.
// It is read by HTTP handlers and the MQTT heartbeat.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/mediminder/internal/logic"
)

// NetworkInfo contains network state as reported by pi-helper.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// SensorInfo is the connection manager state. This is a local copy to avoid
// importing internal/ble from status.
type SensorInfo struct {
	State          string
	Connected      bool
	Device         string
	Connects       int
	Disconnects    int
	Notifications  int
	DecodeFailures int
}

// Config contains daemon configuration for display.
type Config struct {
	ServiceUUID        string
	CharacteristicUUID string
	ConnectTimeoutMs   int64
	ReconnectMs        int64
	HeartbeatMs        int64
	RetentionDays      int
	Broker             string
	HTTPPort           string
	Windows            []string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	Sensor        SensorInfo
	Doses         []logic.WindowReport
	Counts        logic.Counts
	LogLength     int
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// AnyOverdue reports whether any window in the snapshot is overdue.
func (s Snapshot) AnyOverdue() bool {
	for _, d := range s.Doses {
		if d.Status == logic.StatusOverdue {
			return true
		}
	}
	return false
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
			Sensor:    SensorInfo{State: "IDLE"},
		},
		now: time.Now,
	}
}

// SetSensor records the connection manager state.
func (t *Tracker) SetSensor(info SensorInfo) {
	t.mu.Lock()
	t.snap.Sensor = info
	t.mu.Unlock()
}

// UpdateDoses records the dose window reports, label counts and log size.
func (t *Tracker) UpdateDoses(reports []logic.WindowReport, counts logic.Counts, logLength int) {
	t.mu.Lock()
	t.snap.Doses = append([]logic.WindowReport(nil), reports...)
	t.snap.Counts = counts
	t.snap.LogLength = logLength
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Doses = append([]logic.WindowReport(nil), t.snap.Doses...)
	s.Config.Windows = append([]string(nil), t.snap.Config.Windows...)
	t.mu.RUnlock()
	s.Now = t.now()
	return s
}
