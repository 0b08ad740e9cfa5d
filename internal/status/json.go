package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/mediminder/internal/logic"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Sensor        SensorJSON   `json:"sensor"`
	Doses         []DoseJSON   `json:"doses"`
	Overdue       bool         `json:"overdue"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Counts        CountsJSON   `json:"event_counts"`
	LogLength     int          `json:"log_length"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// SensorJSON is the JSON representation of the sensor connection.
type SensorJSON struct {
	State          string `json:"state"`
	Connected      bool   `json:"connected"`
	Device         string `json:"device,omitempty"`
	Connects       int    `json:"connects"`
	Disconnects    int    `json:"disconnects"`
	Notifications  int    `json:"notifications"`
	DecodeFailures int    `json:"decode_failures"`
}

// DoseJSON is the JSON representation of one dose window report.
type DoseJSON struct {
	Window      string `json:"window"`
	Start       string `json:"start"`
	End         string `json:"end"`
	Status      string `json:"status"`
	FirstIntake string `json:"first_intake,omitempty"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of event counts.
type CountsJSON struct {
	IntakeMedicine int `json:"intake_medicine"`
	Slide          int `json:"slide"`
	PutAway        int `json:"put_away"`
	Motionless     int `json:"motionless"`
	Manual         int `json:"manual"`
	Ignored        int `json:"ignored"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	ServiceUUID        string   `json:"service_uuid"`
	CharacteristicUUID string   `json:"characteristic_uuid"`
	ConnectTimeoutMs   int64    `json:"connect_timeout_ms"`
	ReconnectMs        int64    `json:"reconnect_ms"`
	HeartbeatMs        int64    `json:"heartbeat_ms"`
	RetentionDays      int      `json:"retention_days"`
	Broker             string   `json:"broker"`
	HTTPPort           string   `json:"http_port"`
	Windows            []string `json:"windows"`
}

// Doses converts window reports to their JSON form. FirstIntake is
// formatted in the report's own location.
func Doses(reports []logic.WindowReport) []DoseJSON {
	out := make([]DoseJSON, 0, len(reports))
	for _, r := range reports {
		d := DoseJSON{
			Window: r.Window.Name,
			Start:  r.Window.Start.String(),
			End:    r.Window.End.String(),
			Status: string(r.Status),
		}
		if !r.FirstIntake.IsZero() {
			d.FirstIntake = r.FirstIntake.Format(time.RFC3339)
		}
		out = append(out, d)
	}
	return out
}

func buildInner(snap Snapshot) StatusInner {
	state := snap.Sensor.State
	if state == "" {
		state = "UNKNOWN"
	}
	windows := snap.Config.Windows
	if windows == nil {
		windows = []string{}
	}

	inner := StatusInner{
		Sensor: SensorJSON{
			State:          state,
			Connected:      snap.Sensor.Connected,
			Device:         snap.Sensor.Device,
			Connects:       snap.Sensor.Connects,
			Disconnects:    snap.Sensor.Disconnects,
			Notifications:  snap.Sensor.Notifications,
			DecodeFailures: snap.Sensor.DecodeFailures,
		},
		Doses:         Doses(snap.Doses),
		Overdue:       snap.AnyOverdue(),
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			IntakeMedicine: snap.Counts.IntakeMedicine,
			Slide:          snap.Counts.Slide,
			PutAway:        snap.Counts.PutAway,
			Motionless:     snap.Counts.Motionless,
			Manual:         snap.Counts.Manual,
			Ignored:        snap.Counts.Ignored,
		},
		LogLength: snap.LogLength,
		Config: ConfigJSON{
			ServiceUUID:        snap.Config.ServiceUUID,
			CharacteristicUUID: snap.Config.CharacteristicUUID,
			ConnectTimeoutMs:   snap.Config.ConnectTimeoutMs,
			ReconnectMs:        snap.Config.ReconnectMs,
			HeartbeatMs:        snap.Config.HeartbeatMs,
			RetentionDays:      snap.Config.RetentionDays,
			Broker:             snap.Config.Broker,
			HTTPPort:           snap.Config.HTTPPort,
			Windows:            windows,
		},
	}
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
