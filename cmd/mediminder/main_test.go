package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/sweeney/mediminder/internal/ble"
	"github.com/sweeney/mediminder/internal/gpio"
	"github.com/sweeney/mediminder/internal/logic"
	"github.com/sweeney/mediminder/internal/mqtt"
	"github.com/sweeney/mediminder/internal/status"
)

const intakePayload = `{"label":"intake medicine","accuracy_intake_medicine":0.97,"accuracy_motionless":0.01,"accuracy_put_away":0.01,"accuracy_slide":0.01}`
const slidePayload = `{"label":"slide","accuracy_intake_medicine":0.02,"accuracy_motionless":0.01,"accuracy_put_away":0.01,"accuracy_slide":0.96}`

var testWindows = []logic.DoseWindow{
	{Name: "Morning", Start: logic.TimeOfDay(7 * time.Hour), End: logic.TimeOfDay(9 * time.Hour)},
	{Name: "Evening", Start: logic.TimeOfDay(18 * time.Hour), End: logic.TimeOfDay(20 * time.Hour)},
}

// TestEnvVarNames verifies the env var constants match what pi-helper writes
// to /run/pi-helper.env.
func TestEnvVarNames(t *testing.T) {
	want := map[string]string{
		"NETWORK_TYPE":        envNetworkType,
		"NETWORK_IP":          envNetworkIP,
		"NETWORK_STATUS":      envNetworkStatus,
		"NETWORK_GATEWAY":     envNetworkGateway,
		"NETWORK_WIFI_STATUS": envNetworkWifiStatus,
		"NETWORK_WIFI_SSID":   envNetworkWifiSSID,
	}
	for canonical, got := range want {
		if got != canonical {
			t.Errorf("env var constant: got %q, want %q", got, canonical)
		}
	}
}

func TestReadNetworkInfo(t *testing.T) {
	if info := readNetworkInfo(); info != nil {
		t.Errorf("expected nil when NETWORK_STATUS is unset, got %+v", info)
	}

	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkIP, "192.168.1.100")
	t.Setenv(envNetworkWifiSSID, "MyNetwork")

	info := readNetworkInfo()
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo when NETWORK_STATUS is set")
	}
	want := status.NetworkInfo{Status: "connected", IP: "192.168.1.100", SSID: "MyNetwork"}
	if *info != want {
		t.Errorf("got %+v, want %+v", *info, want)
	}
}

type testDaemon struct {
	*daemon
	ft   *ble.FakeTransport
	pub  *mqtt.FakePublisher
	leds *gpio.FakeIndicator
}

func newTestDaemon(t *testing.T, now time.Time, track ...logic.Classification) *testDaemon {
	t.Helper()
	clock := func() time.Time { return now }
	ft := ble.NewFakeTransport()
	manager := ble.NewManager(ft, ble.Config{ConnectTimeout: time.Second}, clock)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go manager.Run(ctx)

	pub := mqtt.NewFakePublisher()
	pub.Connected = true
	leds := gpio.NewFakeIndicator()
	d := &daemon{
		manager:    manager,
		doses:      logic.NewTracker(testWindows, track),
		publisher:  pub,
		mqttStatus: pub,
		indicator:  leds,
		status:     status.NewTracker(now, status.Config{}),
		retention:  7,
		now:        clock,
	}
	d.wire()
	t.Cleanup(d.unwire)
	return &testDaemon{daemon: d, ft: ft, pub: pub, leds: leds}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDaemonRecordsAndPublishes(t *testing.T) {
	now := time.Date(2026, 3, 4, 8, 15, 0, 0, time.UTC)
	td := newTestDaemon(t, now)

	if !td.manager.Connect(context.Background()) {
		t.Fatal("connect failed")
	}
	if err := td.ft.Push([]byte(intakePayload)); err != nil {
		t.Fatalf("push: %v", err)
	}
	eventually(t, "published event", func() bool { return td.pub.EventCount() == 1 })

	if td.doses.Len() != 1 {
		t.Errorf("expected 1 logged event, got %d", td.doses.Len())
	}
	snap := td.status.Snapshot()
	if len(snap.Doses) != 2 || snap.Doses[0].Status != logic.StatusTaken {
		t.Errorf("expected Morning TAKEN in status, got %+v", snap.Doses)
	}
	if !snap.Doses[0].FirstIntake.Equal(now) {
		t.Errorf("FirstIntake: got %v, want %v", snap.Doses[0].FirstIntake, now)
	}
	if snap.Sensor.State != "SUBSCRIBED" || snap.Sensor.Notifications != 1 {
		t.Errorf("unexpected sensor status: %+v", snap.Sensor)
	}
	if !snap.MQTTConnected {
		t.Error("expected MQTT connected in status")
	}
}

func TestDaemonIgnoresUntrackedLabels(t *testing.T) {
	now := time.Date(2026, 3, 4, 8, 15, 0, 0, time.UTC)
	td := newTestDaemon(t, now) // intake only

	td.manager.Connect(context.Background())
	td.ft.Push([]byte(slidePayload))
	td.ft.Push([]byte(intakePayload))
	eventually(t, "published event", func() bool { return td.pub.EventCount() == 1 })

	if td.pub.Events[0].Label != logic.ClassIntakeMedicine {
		t.Errorf("expected only intake published, got %s", td.pub.Events[0].Label)
	}
	if c := td.doses.Counts(); c.Ignored != 1 || c.IntakeMedicine != 1 {
		t.Errorf("unexpected counts: %+v", c)
	}
}

func TestDaemonTracksExtraLabels(t *testing.T) {
	now := time.Date(2026, 3, 4, 8, 15, 0, 0, time.UTC)
	td := newTestDaemon(t, now, logic.ClassSlide)

	td.manager.Connect(context.Background())
	td.ft.Push([]byte(slidePayload))
	td.ft.Push([]byte(intakePayload))
	eventually(t, "published events", func() bool { return td.pub.EventCount() == 2 })

	log := td.doses.Log()
	if log[0].Label != logic.ClassIntakeMedicine || log[1].Label != logic.ClassSlide {
		t.Errorf("expected most recent first, got %s, %s", log[0].Label, log[1].Label)
	}
}

func TestDaemonConnectivity(t *testing.T) {
	td := newTestDaemon(t, time.Date(2026, 3, 4, 8, 15, 0, 0, time.UTC))

	td.manager.Connect(context.Background())
	if !td.leds.Connected() {
		t.Error("expected connected LED on")
	}

	td.ft.Drop(errors.New("gone"))
	eventually(t, "disconnect published", func() bool { return len(td.pub.SystemEventNames()) == 3 })
	if td.leds.Connected() {
		t.Error("expected connected LED off")
	}

	names := td.pub.SystemEventNames()
	want := []string{"SENSOR_DISCONNECTED", "SENSOR_CONNECTED", "SENSOR_DISCONNECTED"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("system events: got %v, want %v", names, want)
	}
	if td.pub.SystemEvents[1].Device != "fake-device" {
		t.Errorf("SENSOR_CONNECTED device: got %q", td.pub.SystemEvents[1].Device)
	}
	for _, e := range td.pub.SystemEvents {
		if !e.Retained {
			t.Errorf("%s should be retained", e.Event)
		}
	}
}

func TestDaemonOverdueIndicator(t *testing.T) {
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	td := newTestDaemon(t, now)

	td.refresh()
	if !td.leds.Overdue() {
		t.Fatal("expected overdue LED on at 10:00 with no morning intake")
	}

	ev, err := td.doses.AddManualEntry("intake medicine", "08:30:00", now)
	if err != nil {
		t.Fatalf("manual entry: %v", err)
	}
	td.onManual(ev)

	if td.leds.Overdue() {
		t.Error("expected overdue LED off after manual intake")
	}
	if td.pub.EventCount() != 1 || !td.pub.Events[0].Manual {
		t.Errorf("expected manual entry published, got %+v", td.pub.Events)
	}
}

func TestDaemonPrune(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	td := newTestDaemon(t, now)
	td.doses.Record(logic.Event{Label: logic.ClassIntakeMedicine, Timestamp: now.AddDate(0, 0, -10)})
	td.doses.Record(logic.Event{Label: logic.ClassIntakeMedicine, Timestamp: now.AddDate(0, 0, -6)})
	td.doses.Record(logic.Event{Label: logic.ClassIntakeMedicine, Timestamp: now})

	td.prune()

	if td.doses.Len() != 2 {
		t.Errorf("expected 2 events after prune, got %d", td.doses.Len())
	}
	if td.status.Snapshot().LogLength != 2 {
		t.Error("status not refreshed after prune")
	}
}

func TestStartJobs(t *testing.T) {
	td := newTestDaemon(t, time.Now())

	c, err := td.startJobs()
	if err != nil {
		t.Fatalf("startJobs: %v", err)
	}
	defer c.Stop()
	if n := len(c.Entries()); n != 2 {
		t.Errorf("expected 2 jobs, got %d", n)
	}

	td.retention = 0
	c2, err := td.startJobs()
	if err != nil {
		t.Fatalf("startJobs: %v", err)
	}
	defer c2.Stop()
	if n := len(c2.Entries()); n != 1 {
		t.Errorf("retention disabled: expected 1 job, got %d", n)
	}
}

// --- runLoop tests ---

func TestRunLoopShutdown(t *testing.T) {
	td := newTestDaemon(t, time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC))

	sig := make(chan os.Signal, 1)
	sig <- syscall.SIGTERM
	if err := runLoop(td.daemon, nil, sig); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	last := td.pub.SystemEvents[len(td.pub.SystemEvents)-1]
	if last.Event != "SHUTDOWN" || last.Reason != "SIGTERM" || !last.Retained {
		t.Errorf("unexpected last system event: %+v", last)
	}
	if !bytes.Contains(last.RawPayload, []byte(`"reason":"SIGTERM"`)) {
		t.Errorf("expected status snapshot payload, got %s", last.RawPayload)
	}
}

func TestRunLoopHeartbeat(t *testing.T) {
	td := newTestDaemon(t, time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC))

	tick := make(chan time.Time)
	sig := make(chan os.Signal, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- runLoop(td.daemon, tick, sig) }()

	tick <- time.Time{}
	tick <- time.Time{}
	sig <- syscall.SIGINT
	if err := <-errCh; err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	names := td.pub.SystemEventNames()
	// The first entry is the initial SENSOR_DISCONNECTED from wire.
	want := []string{"SENSOR_DISCONNECTED", "HEARTBEAT", "HEARTBEAT", "SHUTDOWN"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("system events: got %v, want %v", names, want)
	}
	if td.pub.SystemEvents[1].Retained {
		t.Error("heartbeat should not be retained")
	}
	if td.pub.SystemEvents[3].Reason != "SIGINT" {
		t.Errorf("shutdown reason: got %q", td.pub.SystemEvents[3].Reason)
	}
}

// --- reconnectLoop tests ---

func TestReconnectLoopRecovers(t *testing.T) {
	ft := ble.NewFakeTransport()
	m := ble.NewManager(ft, ble.Config{ConnectTimeout: time.Second}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	done := make(chan struct{})
	go func() {
		reconnectLoop(ctx, m, 10*time.Millisecond)
		close(done)
	}()

	eventually(t, "initial connect", m.IsConnected)
	ft.Drop(errors.New("out of range"))
	eventually(t, "disconnect processed", func() bool { return m.Stats().Disconnects == 1 })
	eventually(t, "reconnect", m.IsConnected)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnectLoop did not stop on cancel")
	}
}

func TestReconnectLoopSingleAttempt(t *testing.T) {
	ft := ble.NewFakeTransport()
	ft.RequestErr = errors.New("no device")
	m := ble.NewManager(ft, ble.Config{}, nil)

	done := make(chan struct{})
	go func() {
		reconnectLoop(context.Background(), m, 0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnectLoop with interval 0 should return after one attempt")
	}
	if m.State() != ble.StateIdle {
		t.Errorf("State: got %s, want IDLE", m.State())
	}
}

func TestPrintReport(t *testing.T) {
	reports := []logic.WindowReport{
		{Window: testWindows[0], Status: logic.StatusTaken, FirstIntake: time.Date(2026, 3, 4, 8, 15, 30, 0, time.UTC)},
		{Window: testWindows[1], Status: logic.StatusPending},
	}
	var buf bytes.Buffer
	printReport(&buf, reports)

	want := "Morning 07:00:00-09:00:00: TAKEN (first intake 08:15:30)\n" +
		"Evening 18:00:00-20:00:00: PENDING (first intake -)\n"
	if buf.String() != want {
		t.Errorf("got:\n%s\nwant:\n%s", buf.String(), want)
	}
}

func TestWindowStrings(t *testing.T) {
	got := windowStrings(testWindows)
	if len(got) != 2 || got[0] != "Morning 07:00:00-09:00:00" {
		t.Errorf("unexpected: %v", got)
	}
}

var _ mqtt.Publisher = discardPublisher{}
