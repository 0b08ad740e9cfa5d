// Package mqtt provides MQTT publishing with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/mediminder/internal/logic"
)

// TopicEvents is the MQTT topic for classified sensor events.
const TopicEvents = "mediminder/sensor/events"

// TopicSystem is the MQTT topic for system lifecycle and connectivity events.
const TopicSystem = "mediminder/sensor/system"

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends a classified event to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event logic.Event) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system event (STARTUP, SHUTDOWN, HEARTBEAT,
// SENSOR_CONNECTED, SENSOR_DISCONNECTED).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string
	Reason     string // e.g. "SIGTERM" for SHUTDOWN
	Device     string // sensor handle for SENSOR_* events
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool
}

// Payload is the MQTT message payload for a classified event.
type Payload struct {
	Sensor SensorPayload `json:"sensor"`
}

// SensorPayload contains the classified event details.
type SensorPayload struct {
	Timestamp string          `json:"timestamp"`
	Label     string          `json:"label"`
	Manual    bool            `json:"manual,omitempty"`
	Accuracy  AccuracyPayload `json:"accuracy"`
}

// AccuracyPayload carries the per-class confidence scores.
type AccuracyPayload struct {
	IntakeMedicine float64 `json:"intake_medicine"`
	Motionless     float64 `json:"motionless"`
	PutAway        float64 `json:"put_away"`
	Slide          float64 `json:"slide"`
}

// FormatPayload creates the JSON payload for a classified event.
func FormatPayload(event logic.Event) ([]byte, error) {
	payload := Payload{
		Sensor: SensorPayload{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Label:     string(event.Label),
			Manual:    event.Manual,
			Accuracy: AccuracyPayload{
				IntakeMedicine: event.AccuracyIntakeMedicine,
				Motionless:     event.AccuracyMotionless,
				PutAway:        event.AccuracyPutAway,
				Slide:          event.AccuracySlide,
			},
		},
	}
	return json.Marshal(payload)
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, SENSOR_*) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
	Device    string `json:"device,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
			Device:    event.Device,
		},
	}
	return json.Marshal(payload)
}
