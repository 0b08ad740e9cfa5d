// Package web provides the HTTP status and control server for the mediminder daemon.
package web

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sweeney/mediminder/internal/events"
	"github.com/sweeney/mediminder/internal/logic"
	"github.com/sweeney/mediminder/internal/status"
)

// Sensor is the connection control surface exposed over HTTP.
type Sensor interface {
	Connect(ctx context.Context) bool
	Disconnect()
}

// Options wires the server to daemon state. Status is required; the rest
// enable the corresponding endpoints.
type Options struct {
	Status *status.Tracker
	Doses  *logic.Tracker
	Sensor Sensor

	Connectivity *events.Latest[bool]
	Events       *events.Broadcast[logic.Event]

	// OnManual is called after a manual entry has been recorded.
	OnManual func(logic.Event)

	Now func() time.Time
}

// Server serves status and control endpoints over HTTP.
type Server struct {
	httpServer *http.Server
	opts       Options
	hub        *Hub
	cancels    []func()
}

// New creates a Server listening on addr.
func New(addr string, opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{opts: opts, hub: NewHub()}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleJSON)
	mux.HandleFunc("/index.json", s.handleJSON)
	mux.HandleFunc("/windows.json", s.handleWindows)
	mux.HandleFunc("/log.json", s.handleLog)
	mux.HandleFunc("/manual", s.handleManual)
	mux.HandleFunc("/connect", s.handleConnect)
	mux.HandleFunc("/disconnect", s.handleDisconnect)
	mux.HandleFunc("/ws", s.handleWS)

	if opts.Connectivity != nil {
		s.cancels = append(s.cancels, opts.Connectivity.Subscribe(func(connected bool) {
			s.hub.Broadcast(connectionMessage(connected, opts.Now()))
		}))
	}
	if opts.Events != nil {
		s.cancels = append(s.cancels, opts.Events.Subscribe(func(ev logic.Event) {
			s.hub.Broadcast(eventMessage(ev))
		}))
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the request router. Useful for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown unsubscribes from the event streams, closes websocket clients and
// gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, cancel := range s.cancels {
		cancel()
	}
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

// snapshot is the status snapshot with dose state recomputed at its Now.
func (s *Server) snapshot() status.Snapshot {
	snap := s.opts.Status.Snapshot()
	if s.opts.Doses != nil {
		snap.Now = s.opts.Now()
		snap.Doses = s.opts.Doses.Report(snap.Now)
		snap.Counts = s.opts.Doses.Counts()
		snap.LogLength = s.opts.Doses.Len()
	}
	return snap
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index.json" {
		http.NotFound(w, r)
		return
	}
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(s.snapshot()))
}

func (s *Server) handleWindows(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.opts.Doses == nil {
		writeError(w, http.StatusServiceUnavailable, "dose tracking not configured")
		return
	}

	at := s.opts.Now()
	if v := r.URL.Query().Get("at"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid at: "+err.Error())
			return
		}
		at = t
	}

	if name := r.URL.Query().Get("name"); name != "" {
		report, err := windowReport(s.opts.Doses, name, at)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, windowsResponse{At: at.Format(time.RFC3339), Windows: status.Doses([]logic.WindowReport{report})})
		return
	}

	writeJSON(w, http.StatusOK, windowsResponse{
		At:      at.Format(time.RFC3339),
		Overdue: s.opts.Doses.AnyOverdue(at),
		Windows: status.Doses(s.opts.Doses.Report(at)),
	})
}

func windowReport(doses *logic.Tracker, name string, at time.Time) (logic.WindowReport, error) {
	st, err := doses.StatusByName(name, at)
	if err != nil {
		return logic.WindowReport{}, err
	}
	ts, _, err := doses.FirstIntakeByName(name, at)
	if err != nil {
		return logic.WindowReport{}, err
	}
	win, _ := doses.Window(name)
	return logic.WindowReport{Window: win, Status: st, FirstIntake: ts}, nil
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.opts.Doses == nil {
		writeError(w, http.StatusServiceUnavailable, "dose tracking not configured")
		return
	}

	entries := s.opts.Doses.Log()
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n < len(entries) {
			entries = entries[:n]
		}
	}
	writeJSON(w, http.StatusOK, logResponse{Count: len(entries), Log: formatEvents(entries)})
}

func (s *Server) handleManual(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if s.opts.Doses == nil {
		writeError(w, http.StatusServiceUnavailable, "dose tracking not configured")
		return
	}

	var req manualRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Label == "" {
		req.Label = string(logic.ClassIntakeMedicine)
	}

	ev, err := s.opts.Doses.AddManualEntry(req.Label, req.Time, s.opts.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	log.Printf("web: manual entry %s at %s", ev.Label, ev.Timestamp.Format(time.RFC3339))
	if s.opts.OnManual != nil {
		s.opts.OnManual(ev)
	}
	writeJSON(w, http.StatusCreated, formatEvent(ev))
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if s.opts.Sensor == nil {
		writeError(w, http.StatusServiceUnavailable, "sensor control not configured")
		return
	}
	writeJSON(w, http.StatusOK, connectResponse{Connected: s.opts.Sensor.Connect(r.Context())})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if s.opts.Sensor == nil {
		writeError(w, http.StatusServiceUnavailable, "sensor control not configured")
		return
	}
	s.opts.Sensor.Disconnect()
	writeJSON(w, http.StatusOK, connectResponse{Connected: false})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade: %v", err)
		return
	}
	var initial func() Message
	if s.opts.Connectivity != nil {
		initial = func() Message {
			return connectionMessage(s.opts.Connectivity.Value(), s.opts.Now())
		}
	}
	s.hub.Serve(conn, initial)
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("web: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
