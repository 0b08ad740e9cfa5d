package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sweeney/mediminder/internal/events"
	"github.com/sweeney/mediminder/internal/logic"
	"github.com/sweeney/mediminder/internal/status"
)

var testNow = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

type fakeSensor struct {
	mu          sync.Mutex
	result      bool
	connects    int
	disconnects int
}

func (f *fakeSensor) Connect(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.result
}

func (f *fakeSensor) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeSensor) setResult(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result = v
}

func (f *fakeSensor) calls() (connects, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects
}

type testEnv struct {
	ts           *httptest.Server
	srv          *Server
	status       *status.Tracker
	doses        *logic.Tracker
	sensor       *fakeSensor
	connectivity *events.Latest[bool]
	events       *events.Broadcast[logic.Event]

	mu     sync.Mutex
	manual []logic.Event
}

func (e *testEnv) manualCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.manual)
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		status: status.NewTracker(testNow.Add(-time.Hour), status.Config{Broker: "tcp://localhost:1883", HTTPPort: ":8080"}),
		doses: logic.NewTracker([]logic.DoseWindow{
			{Name: "Morning", Start: logic.TimeOfDay(7 * time.Hour), End: logic.TimeOfDay(9 * time.Hour)},
			{Name: "Evening", Start: logic.TimeOfDay(18 * time.Hour), End: logic.TimeOfDay(20 * time.Hour)},
		}, []logic.Classification{logic.ClassSlide}),
		sensor:       &fakeSensor{result: true},
		connectivity: events.NewLatest(false),
		events:       events.NewBroadcast[logic.Event](),
	}
	env.srv = New(":0", Options{
		Status:       env.status,
		Doses:        env.doses,
		Sensor:       env.sensor,
		Connectivity: env.connectivity,
		Events:       env.events,
		OnManual: func(ev logic.Event) {
			env.mu.Lock()
			env.manual = append(env.manual, ev)
			env.mu.Unlock()
		},
		Now:          func() time.Time { return testNow },
	})
	env.ts = httptest.NewServer(env.srv.Handler())
	t.Cleanup(func() {
		env.srv.Shutdown(context.Background())
		env.ts.Close()
	})
	return env
}

func getJSON(t *testing.T, url string, wantCode int, v interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantCode {
		t.Fatalf("GET %s: status %d, want %d", url, resp.StatusCode, wantCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode JSON: %v", err)
		}
	}
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestJSONEndpoint(t *testing.T) {
	env := newTestServer(t)
	env.status.SetSensor(status.SensorInfo{State: "SUBSCRIBED", Connected: true})
	env.status.SetMQTTConnected(true)
	env.doses.Record(logic.Event{Label: logic.ClassIntakeMedicine, Timestamp: time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC)})

	var sj status.StatusJSON
	getJSON(t, env.ts.URL+"/index.json", http.StatusOK, &sj)

	if sj.Status.Sensor.State != "SUBSCRIBED" {
		t.Errorf("Sensor.State: got %q", sj.Status.Sensor.State)
	}
	if !sj.Status.MQTT.Connected {
		t.Error("expected MQTT connected")
	}
	if len(sj.Status.Doses) != 2 || sj.Status.Doses[0].Status != "TAKEN" {
		t.Errorf("doses not recomputed live: %+v", sj.Status.Doses)
	}
	if sj.Status.Counts.IntakeMedicine != 1 || sj.Status.LogLength != 1 {
		t.Errorf("counts not live: %+v log=%d", sj.Status.Counts, sj.Status.LogLength)
	}
	if sj.Status.UptimeSeconds != 3600 {
		t.Errorf("UptimeSeconds: got %d, want 3600", sj.Status.UptimeSeconds)
	}
}

func TestRootServesJSON(t *testing.T) {
	env := newTestServer(t)
	getJSON(t, env.ts.URL+"/", http.StatusOK, nil)
}

func TestNotFoundForUnknownPath(t *testing.T) {
	env := newTestServer(t)
	resp, err := http.Get(env.ts.URL + "/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestWindowsEndpoint(t *testing.T) {
	env := newTestServer(t)

	var wr windowsResponse
	getJSON(t, env.ts.URL+"/windows.json", http.StatusOK, &wr)
	if wr.At != "2026-03-04T10:00:00Z" {
		t.Errorf("At: got %q", wr.At)
	}
	if !wr.Overdue {
		t.Error("expected morning overdue at 10:00 with no intake")
	}
	if len(wr.Windows) != 2 || wr.Windows[0].Status != "OVERDUE" || wr.Windows[1].Status != "PENDING" {
		t.Errorf("unexpected windows: %+v", wr.Windows)
	}
}

func TestWindowsEndpointAt(t *testing.T) {
	env := newTestServer(t)
	env.doses.Record(logic.Event{Label: logic.ClassIntakeMedicine, Timestamp: time.Date(2026, 3, 4, 19, 0, 0, 0, time.UTC)})

	// Any intake on the query date counts, even one logged after at.
	tests := []struct {
		at      string
		morning string
		evening string
	}{
		{"2026-03-04T06:00:00Z", "PENDING", "TAKEN"},
		{"2026-03-04T09:00:00Z", "PENDING", "TAKEN"},
		{"2026-03-04T09:00:01Z", "OVERDUE", "TAKEN"},
		{"2026-03-04T19:30:00Z", "OVERDUE", "TAKEN"},
		{"2026-03-05T17:59:59Z", "OVERDUE", "PENDING"},
		{"2026-03-05T19:30:00Z", "OVERDUE", "PENDING"},
		{"2026-03-05T20:00:01Z", "OVERDUE", "OVERDUE"},
	}
	for _, tt := range tests {
		t.Run(tt.at, func(t *testing.T) {
			var wr windowsResponse
			getJSON(t, env.ts.URL+"/windows.json?at="+tt.at, http.StatusOK, &wr)
			if wr.Windows[0].Status != tt.morning || wr.Windows[1].Status != tt.evening {
				t.Errorf("got morning=%s evening=%s, want %s %s", wr.Windows[0].Status, wr.Windows[1].Status, tt.morning, tt.evening)
			}
		})
	}
}

func TestWindowsEndpointByName(t *testing.T) {
	env := newTestServer(t)
	env.doses.Record(logic.Event{Label: logic.ClassIntakeMedicine, Timestamp: time.Date(2026, 3, 4, 8, 30, 0, 0, time.UTC)})

	var wr windowsResponse
	getJSON(t, env.ts.URL+"/windows.json?name=Morning", http.StatusOK, &wr)
	if len(wr.Windows) != 1 {
		t.Fatalf("expected one window, got %d", len(wr.Windows))
	}
	if wr.Windows[0].Status != "TAKEN" || wr.Windows[0].FirstIntake != "2026-03-04T08:30:00Z" {
		t.Errorf("unexpected window: %+v", wr.Windows[0])
	}

	getJSON(t, env.ts.URL+"/windows.json?name=Lunch", http.StatusNotFound, nil)
}

func TestWindowsEndpointBadAt(t *testing.T) {
	env := newTestServer(t)
	var er errorResponse
	getJSON(t, env.ts.URL+"/windows.json?at=yesterday", http.StatusBadRequest, &er)
	if !strings.Contains(er.Error, "invalid at") {
		t.Errorf("unexpected error: %q", er.Error)
	}
}

func TestLogEndpoint(t *testing.T) {
	env := newTestServer(t)
	base := time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC)
	env.doses.Record(logic.Event{Label: logic.ClassSlide, Timestamp: base})
	env.doses.Record(logic.Event{Label: logic.ClassIntakeMedicine, AccuracyIntakeMedicine: 0.9, Timestamp: base.Add(time.Minute)})
	env.doses.Record(logic.Event{Label: logic.ClassPutAway, Timestamp: base.Add(2 * time.Minute)}) // untracked

	var lr logResponse
	getJSON(t, env.ts.URL+"/log.json", http.StatusOK, &lr)
	if lr.Count != 2 {
		t.Fatalf("Count: got %d, want 2", lr.Count)
	}
	if lr.Log[0].Label != "intake medicine" || lr.Log[1].Label != "slide" {
		t.Errorf("expected most recent first, got %s, %s", lr.Log[0].Label, lr.Log[1].Label)
	}
	if lr.Log[0].Accuracy.IntakeMedicine != 0.9 {
		t.Errorf("accuracy: got %v", lr.Log[0].Accuracy.IntakeMedicine)
	}

	getJSON(t, env.ts.URL+"/log.json?limit=1", http.StatusOK, &lr)
	if lr.Count != 1 || lr.Log[0].Label != "intake medicine" {
		t.Errorf("limit: got %+v", lr)
	}
	getJSON(t, env.ts.URL+"/log.json?limit=-1", http.StatusBadRequest, nil)
}

func TestManualEndpoint(t *testing.T) {
	env := newTestServer(t)

	resp := post(t, env.ts.URL+"/manual", `{"time":"08:15:30"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status: got %d, want 201", resp.StatusCode)
	}
	var ev EventJSON
	if err := json.NewDecoder(resp.Body).Decode(&ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Label != "intake medicine" || !ev.Manual {
		t.Errorf("unexpected entry: %+v", ev)
	}
	if ev.Timestamp != "2026-03-04T08:15:30Z" {
		t.Errorf("Timestamp: got %q", ev.Timestamp)
	}
	if n := env.manualCount(); n != 1 {
		t.Errorf("OnManual: got %d calls, want 1", n)
	}

	st, _ := env.doses.StatusByName("Morning", testNow)
	if st != logic.StatusTaken {
		t.Errorf("Morning after manual entry: got %s, want TAKEN", st)
	}
}

func TestManualEndpointErrors(t *testing.T) {
	env := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"bad time", `{"time":"25:00:00"}`},
		{"unknown label", `{"label":"dance","time":"08:00:00"}`},
		{"untracked label", `{"label":"put away","time":"08:00:00"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, env.ts.URL+"/manual", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status: got %d, want 400", resp.StatusCode)
			}
		})
	}
	if env.doses.Len() != 0 {
		t.Errorf("expected no entries recorded, got %d", env.doses.Len())
	}
	if env.manualCount() != 0 {
		t.Error("OnManual must not fire on error")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestServer(t)

	resp, err := http.Get(env.ts.URL + "/manual")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /manual: got %d, want 405", resp.StatusCode)
	}
	if resp.Header.Get("Allow") != http.MethodPost {
		t.Errorf("Allow: got %q", resp.Header.Get("Allow"))
	}

	resp = post(t, env.ts.URL+"/index.json", "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /index.json: got %d, want 405", resp.StatusCode)
	}
}

func TestConnectDisconnectEndpoints(t *testing.T) {
	env := newTestServer(t)

	var cr connectResponse
	resp := post(t, env.ts.URL+"/connect", "")
	json.NewDecoder(resp.Body).Decode(&cr)
	if !cr.Connected {
		t.Error("expected connected=true")
	}

	env.sensor.setResult(false)
	resp = post(t, env.ts.URL+"/connect", "")
	json.NewDecoder(resp.Body).Decode(&cr)
	if cr.Connected {
		t.Error("expected connected=false")
	}

	post(t, env.ts.URL+"/disconnect", "")
	if c, d := env.sensor.calls(); c != 2 || d != 1 {
		t.Errorf("sensor calls: connects=%d disconnects=%d", c, d)
	}
}

func TestEndpointsWithoutDoses(t *testing.T) {
	srv := New(":0", Options{Status: status.NewTracker(testNow, status.Config{})})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	getJSON(t, ts.URL+"/index.json", http.StatusOK, nil)
	getJSON(t, ts.URL+"/windows.json", http.StatusServiceUnavailable, nil)
	getJSON(t, ts.URL+"/log.json", http.StatusServiceUnavailable, nil)
	if resp := post(t, ts.URL+"/connect", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("POST /connect: got %d, want 503", resp.StatusCode)
	}
}

func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m Message
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func TestWebSocketStream(t *testing.T) {
	env := newTestServer(t)
	conn := dialWS(t, env)

	first := readMessage(t, conn)
	if first.Type != "connection" || first.Connected == nil || *first.Connected {
		t.Fatalf("expected initial connection=false, got %+v", first)
	}

	env.connectivity.Publish(true)
	m := readMessage(t, conn)
	if m.Type != "connection" || !*m.Connected {
		t.Errorf("expected connection=true, got %+v", m)
	}

	env.events.Publish(logic.Event{Label: logic.ClassSlide, Timestamp: testNow})
	env.events.Publish(logic.Event{Label: logic.ClassIntakeMedicine, Timestamp: testNow.Add(time.Second)})
	e1, e2 := readMessage(t, conn), readMessage(t, conn)
	if e1.Type != "event" || e1.Event.Label != "slide" {
		t.Errorf("first event: got %+v", e1)
	}
	if e2.Type != "event" || e2.Event.Label != "intake medicine" {
		t.Errorf("second event: got %+v", e2)
	}
}

func TestWebSocketClientRemovedOnClose(t *testing.T) {
	env := newTestServer(t)
	conn := dialWS(t, env)
	readMessage(t, conn)

	if env.srv.hub.Len() != 1 {
		t.Fatalf("expected 1 client, got %d", env.srv.hub.Len())
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.srv.hub.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client was not removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestShutdownUnsubscribes(t *testing.T) {
	env := newTestServer(t)
	if env.events.Subscribers() != 1 || env.connectivity.Subscribers() != 1 {
		t.Fatalf("expected one subscriber per stream")
	}
	env.srv.Shutdown(context.Background())
	if env.events.Subscribers() != 0 || env.connectivity.Subscribers() != 0 {
		t.Error("expected subscriptions cancelled")
	}
}
