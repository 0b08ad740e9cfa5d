// Package config loads daemon settings from the environment and an optional
// .env file.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/sweeney/mediminder/internal/ble"
	"github.com/sweeney/mediminder/internal/gpio"
	"github.com/sweeney/mediminder/internal/logic"
)

// Defaults for settings without a ble or gpio counterpart.
const (
	DefaultDoseWindows       = "Morning=07:00-09:00,Noon=12:00-14:00,Evening=18:00-20:00"
	DefaultTrackLabels       = "intake medicine,slide,put away"
	DefaultRetentionDays     = 7
	DefaultReconnectInterval = 30 * time.Second
	DefaultHeartbeat         = 15 * time.Minute
)

// Config holds daemon settings loaded from the environment. Dose windows and
// labels are kept raw and parsed by Windows and Labels.
type Config struct {
	// Sensor
	Adapter            string
	ServiceUUID        string
	CharacteristicUUID string
	DeviceName         string
	ConnectTimeout     time.Duration
	ReconnectInterval  time.Duration

	// Dose tracking
	DoseWindows   string
	TrackLabels   string
	RetentionDays int

	// Outputs
	MQTTBroker   string
	MQTTClientID string
	Heartbeat    time.Duration
	HTTPAddr     string
	PinConnected int
	PinOverdue   int
}

// Load reads the .env file if present, then the environment. Unparseable
// values fall back to their defaults with a warning.
func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	return &Config{
		Adapter:            getEnv("BLE_ADAPTER", "hci0"),
		ServiceUUID:        getEnv("BLE_SERVICE_UUID", ble.DefaultServiceUUID),
		CharacteristicUUID: getEnv("BLE_CHARACTERISTIC_UUID", ble.DefaultCharacteristicUUID),
		DeviceName:         getEnvAllowEmpty("BLE_DEVICE_NAME", ble.DefaultDeviceName),
		ConnectTimeout:     getEnvDuration("BLE_CONNECT_TIMEOUT", ble.DefaultConnectTimeout),
		ReconnectInterval:  getEnvDuration("BLE_RECONNECT_INTERVAL", DefaultReconnectInterval),

		DoseWindows:   getEnv("DOSE_WINDOWS", DefaultDoseWindows),
		TrackLabels:   getEnv("TRACK_LABELS", DefaultTrackLabels),
		RetentionDays: getEnvInt("RETENTION_DAYS", DefaultRetentionDays),

		MQTTBroker:   getEnvAllowEmpty("MQTT_BROKER", "tcp://localhost:1883"),
		MQTTClientID: getEnv("MQTT_CLIENT_ID", ""),
		Heartbeat:    getEnvDuration("HEARTBEAT_INTERVAL", DefaultHeartbeat),
		HTTPAddr:     getEnvAllowEmpty("HTTP_ADDR", ":8080"),
		PinConnected: getEnvInt("LED_PIN_CONNECTED", gpio.DefaultPinConnected),
		PinOverdue:   getEnvInt("LED_PIN_OVERDUE", gpio.DefaultPinOverdue),
	}
}

// Windows parses DoseWindows.
func (c *Config) Windows() ([]logic.DoseWindow, error) {
	return ParseWindows(c.DoseWindows)
}

// Labels parses TrackLabels, logging and skipping unknown entries.
func (c *Config) Labels() []logic.Classification {
	labels, unknown := ParseLabels(c.TrackLabels)
	for _, u := range unknown {
		log.Printf("Warning: ignoring unknown TRACK_LABELS entry %q", u)
	}
	return labels
}

// ParseWindows parses "Name=HH:MM-HH:MM,..." into dose windows, in the order
// given. Names must be unique and non-empty; Start must not be after End.
func ParseWindows(s string) ([]logic.DoseWindow, error) {
	var windows []logic.DoseWindow
	seen := make(map[string]bool)

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, span, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("window %q: want Name=HH:MM-HH:MM", part)
		}
		from, to, ok := strings.Cut(span, "-")
		if !ok {
			return nil, fmt.Errorf("window %q: missing '-' between start and end", name)
		}
		start, err := logic.ParseTimeOfDay(strings.TrimSpace(from))
		if err != nil {
			return nil, fmt.Errorf("window %q start: %w", name, err)
		}
		end, err := logic.ParseTimeOfDay(strings.TrimSpace(to))
		if err != nil {
			return nil, fmt.Errorf("window %q end: %w", name, err)
		}
		if start > end {
			return nil, fmt.Errorf("window %q: start %s is after end %s", name, start, end)
		}
		if seen[name] {
			return nil, fmt.Errorf("window %q defined twice", name)
		}
		seen[name] = true
		windows = append(windows, logic.DoseWindow{Name: name, Start: start, End: end})
	}

	if len(windows) == 0 {
		return nil, fmt.Errorf("no dose windows in %q", s)
	}
	return windows, nil
}

// ParseLabels parses a comma-separated label list. Entries that are not
// exact classification labels are returned in unknown.
func ParseLabels(s string) (labels []logic.Classification, unknown []string) {
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		c, ok := logic.ParseClassification(part)
		if !ok {
			unknown = append(unknown, part)
			continue
		}
		labels = append(labels, c)
	}
	return labels, unknown
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAllowEmpty distinguishes unset (default) from set-but-empty
// (disabled).
func getEnvAllowEmpty(key, defaultValue string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Warning: failed to parse %s as int, using default: %v", key, err)
		return defaultValue
	}
	return intValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Warning: failed to parse %s as duration, using default: %v", key, err)
		return defaultValue
	}
	return d
}
