// Package web serves the simulator's feeds over HTTP: a JSON snapshot
// endpoint, a WebSocket push feed, form-driven start/stop and /metrics.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/intersection-simulator/internal/feed"
	"github.com/signalsfoundry/intersection-simulator/internal/intersection"
	"github.com/signalsfoundry/intersection-simulator/internal/logging"
)

// Envelope types pushed on /ws.
const (
	TypeEvent    = "event"
	TypeSnapshot = "snapshot"
)

// Envelope wraps one pushed value.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Simulator is the part of intersection.Simulator the server uses.
type Simulator interface {
	Start(ctx context.Context, req intersection.StartRequest) error
	Stop(ctx context.Context) error
	Snapshot() intersection.Snapshot
	Events(buffer int) *feed.Subscription[intersection.Event]
	Snapshots(buffer int) *feed.Subscription[intersection.Snapshot]
}

// Server is the HTTP front end of one simulator.
type Server struct {
	sim      Simulator
	log      logging.Logger
	hub      *Hub
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

// NewServer builds the handler tree. metrics may be nil to omit /metrics.
func NewServer(sim Simulator, metrics http.Handler, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	s := &Server{
		sim:      sim,
		log:      log,
		hub:      NewHub(),
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.mux.HandleFunc("GET /snapshot", s.handleSnapshot)
	s.mux.HandleFunc("POST /start", s.handleStart)
	s.mux.HandleFunc("POST /stop", s.handleStop)
	s.mux.HandleFunc("GET /ws", s.handleWS)
	if metrics != nil {
		s.mux.Handle("GET /metrics", metrics)
	}
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Run pumps the simulator feeds into the WebSocket hub until ctx is done.
func (s *Server) Run(ctx context.Context) {
	events := s.sim.Events(0)
	defer events.Cancel()
	snaps := s.sim.Snapshots(16)
	defer snaps.Cancel()

	go s.hub.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events.C():
			if !ok {
				return
			}
			s.push(ctx, TypeEvent, ev)
		case snap, ok := <-snaps.C():
			if !ok {
				return
			}
			s.push(ctx, TypeSnapshot, snap)
		}
	}
}

func (s *Server) push(ctx context.Context, typ string, payload any) {
	msg, err := json.Marshal(Envelope{Type: typ, Payload: payload})
	if err != nil {
		s.log.Warn(ctx, "encode feed message", logging.String("type", typ), logging.Err(err))
		return
	}
	if !s.hub.Broadcast(msg) {
		s.log.Debug(ctx, "websocket hub saturated; message dropped", logging.String("type", typ))
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sim.Snapshot())
}

// handleStart reads mode, cars and k from form or query values.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req, err := intersection.ParseStartRequest(r.Form.Get("mode"), r.Form.Get("cars"), r.Form.Get("k"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.sim.Start(r.Context(), req); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	snap := s.sim.Snapshot()
	s.log.Info(r.Context(), "simulation started over http", logging.String("run_id", snap.RunID))
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": snap.RunID, "mode": req.Mode, "cars": req.Cars, "k": req.Capacity})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.sim.Stop(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWS upgrades the connection, sends the current snapshot and then
// streams feed envelopes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}

	if msg, err := json.Marshal(Envelope{Type: TypeSnapshot, Payload: s.sim.Snapshot()}); err == nil {
		c.send <- msg
	}
	if !s.hub.add(c) {
		close(c.send)
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump(s.hub)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, intersection.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, intersection.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, intersection.ErrStopTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
