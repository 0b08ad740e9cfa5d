package main

import (
	"context"
	"fmt"
	"log"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/sweeney/mediminder/internal/ble"
	"github.com/sweeney/mediminder/internal/gpio"
	"github.com/sweeney/mediminder/internal/logic"
	"github.com/sweeney/mediminder/internal/mqtt"
	"github.com/sweeney/mediminder/internal/status"
)

// Cron schedules for housekeeping jobs.
const (
	retentionSchedule = "5 0 * * *" // shortly after local midnight
	refreshSchedule   = "@every 1m"
)

// daemon connects the sensor pipeline to the dose tracker and the outputs.
type daemon struct {
	manager    *ble.Manager
	doses      *logic.Tracker
	publisher  mqtt.Publisher
	mqttStatus mqtt.ConnectionStatus // may be nil
	indicator  gpio.Indicator        // may be nil
	status     *status.Tracker
	retention  int
	now        func() time.Time

	cancels []func()
}

// wire subscribes the daemon to the manager's channels. The connectivity
// subscriber runs immediately with the current value.
func (d *daemon) wire() {
	d.cancels = append(d.cancels,
		d.manager.Classifications().Subscribe(d.onEvent),
		d.manager.ConnectionStatus().Subscribe(d.onConnectivity),
	)
}

// unwire drops the subscriptions made by wire.
func (d *daemon) unwire() {
	for _, cancel := range d.cancels {
		cancel()
	}
	d.cancels = nil
}

func (d *daemon) onEvent(ev logic.Event) {
	if !d.doses.Record(ev) {
		log.Printf("event: %s ignored (not tracked)", ev.Label)
		d.refresh()
		return
	}
	log.Printf("event: %s at %s (intake=%.2f slide=%.2f put_away=%.2f motionless=%.2f)",
		ev.Label, ev.Timestamp.Format(time.RFC3339),
		ev.AccuracyIntakeMedicine, ev.AccuracySlide, ev.AccuracyPutAway, ev.AccuracyMotionless)
	if err := d.publisher.Publish(ev); err != nil {
		log.Printf("publish error: %v", err)
	}
	d.refresh()
}

// onManual handles an entry already recorded through the web server.
func (d *daemon) onManual(ev logic.Event) {
	if err := d.publisher.Publish(ev); err != nil {
		log.Printf("publish error: %v", err)
	}
	d.refresh()
}

func (d *daemon) onConnectivity(connected bool) {
	if d.indicator != nil {
		if err := d.indicator.SetConnected(connected); err != nil {
			log.Printf("led error: %v", err)
		}
	}

	event := mqtt.SystemEvent{
		Timestamp: d.now(),
		Event:     "SENSOR_DISCONNECTED",
		Retained:  true,
	}
	if connected {
		event.Event = "SENSOR_CONNECTED"
		event.Device = d.manager.Device()
	}
	if err := d.publisher.PublishSystem(event); err != nil {
		log.Printf("failed to publish %s: %v", event.Event, err)
	}
	d.refresh()
}

// refresh recomputes dose state and pushes it to the status tracker and the
// overdue LED.
func (d *daemon) refresh() {
	now := d.now()
	reports := d.doses.Report(now)
	d.status.UpdateDoses(reports, d.doses.Counts(), d.doses.Len())
	d.status.SetSensor(sensorInfo(d.manager))
	if d.mqttStatus != nil {
		d.status.SetMQTTConnected(d.mqttStatus.IsConnected())
	}

	if d.indicator != nil {
		overdue := false
		for _, r := range reports {
			if r.Status == logic.StatusOverdue {
				overdue = true
				break
			}
		}
		if err := d.indicator.SetOverdue(overdue); err != nil {
			log.Printf("led error: %v", err)
		}
	}
}

// prune applies the retention policy.
func (d *daemon) prune() {
	if n := d.doses.Prune(d.now(), d.retention); n > 0 {
		log.Printf("[retention] pruned %d events older than %d days", n, d.retention)
	}
	d.refresh()
}

// publishStatus publishes a system event carrying a full status snapshot.
func (d *daemon) publishStatus(event, reason string, retained bool) {
	d.refresh()
	snap := d.status.Snapshot()
	se := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      event,
		Reason:     reason,
		Retained:   retained,
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	}
	if err := d.publisher.PublishSystem(se); err != nil {
		log.Printf("failed to publish %s event: %v", event, err)
		return
	}
	log.Printf("published %s event", event)
}

// startJobs schedules retention and the periodic refresh.
func (d *daemon) startJobs() (*rcron.Cron, error) {
	c := rcron.New()
	if d.retention > 0 {
		if _, err := c.AddFunc(retentionSchedule, d.prune); err != nil {
			return nil, fmt.Errorf("schedule retention: %w", err)
		}
	}
	if _, err := c.AddFunc(refreshSchedule, d.refresh); err != nil {
		return nil, fmt.Errorf("schedule refresh: %w", err)
	}
	c.Start()
	log.Printf("[cron] started with %d jobs", len(c.Entries()))
	return c, nil
}

func sensorInfo(m *ble.Manager) status.SensorInfo {
	st := m.Stats()
	return status.SensorInfo{
		State:          m.State().String(),
		Connected:      m.IsConnected(),
		Device:         m.Device(),
		Connects:       st.Connects,
		Disconnects:    st.Disconnects,
		Notifications:  st.Notifications,
		DecodeFailures: st.DecodeFailures,
	}
}

// sensor is the part of the manager the reconnect loop drives.
type sensor interface {
	Connect(ctx context.Context) bool
	State() ble.State
}

// reconnectLoop connects straight away and then, every interval, retries
// whenever the manager is idle. With interval <= 0 it makes one attempt.
func reconnectLoop(ctx context.Context, s sensor, interval time.Duration) {
	s.Connect(ctx)
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.State() == ble.StateIdle {
				log.Printf("ble: reconnecting")
				s.Connect(ctx)
			}
		}
	}
}

// discardPublisher is used when MQTT is disabled.
type discardPublisher struct{}

func (discardPublisher) Publish(logic.Event) error { return nil }

func (discardPublisher) PublishSystem(mqtt.SystemEvent) error { return nil }

func (discardPublisher) Close() error { return nil }
