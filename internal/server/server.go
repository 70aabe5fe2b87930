// Package server exposes the operator control API over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-capture/internal/engine"
	"github.com/lexiqai/meeting-capture/internal/notify"
	"github.com/lexiqai/meeting-capture/internal/observability"
	"github.com/lexiqai/meeting-capture/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The control page may be served from another origin during development
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// CaptureHandler accepts the capture socket of a session
type CaptureHandler interface {
	HandleWS(sessionID string, w http.ResponseWriter, r *http.Request)
}

// Options configure the control API
type Options struct {
	Sessions       *session.Manager
	Capture        CaptureHandler
	Notices        *notify.Bus
	Checks         map[string]observability.HealthCheckFunc
	MetricsEnabled bool
}

// Server routes control requests to sessions
type Server struct {
	opts   Options
	mux    *http.ServeMux
	logger zerolog.Logger
}

// New builds the handler tree
func New(opts Options) *Server {
	s := &Server{
		opts:   opts,
		mux:    http.NewServeMux(),
		logger: observability.WithComponent("server"),
	}

	s.mux.HandleFunc("POST /v1/sessions", s.handleCreate)
	s.mux.HandleFunc("GET /v1/sessions/{id}", s.handleGet)
	s.mux.HandleFunc("GET /v1/sessions/{id}/transcript", s.handleTranscript)
	s.mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDelete)
	s.mux.HandleFunc("POST /v1/sessions/{id}/{action}", s.handleAction)

	if opts.Capture != nil {
		s.mux.HandleFunc("GET /v1/sessions/{id}/capture", s.handleCapture)
	}
	if opts.Notices != nil {
		s.mux.HandleFunc("GET /v1/notices", s.handleNotices)
	}

	s.mux.HandleFunc("/health", observability.HealthCheckHandler())
	s.mux.HandleFunc("/ready", observability.ReadinessHandler(opts.Checks))
	if opts.MetricsEnabled {
		s.mux.Handle("/metrics", promhttp.Handler())
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type errorResponse struct {
	Error  string `json:"error"`
	Status string `json:"statusMessage,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var setup session.Setup
	if err := json.NewDecoder(r.Body).Decode(&setup); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	sess, err := s.opts.Sessions.Create(setup)
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(sess.Transcript()))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Sessions.Remove(r.PathValue("id")); err != nil {
		s.writeError(w, err, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAction drives one lifecycle transition. start and resume block
// until the source is granted or acquisition fails.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}

	action := r.PathValue("action")
	var err error
	switch action {
	case "start":
		err = sess.Start(r.Context())
	case "resume":
		err = sess.Resume(r.Context())
	case "stop":
		err = sess.Stop()
	case "pause":
		err = sess.Pause()
	case "end":
		err = sess.End(r.Context())
	default:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown action " + action})
		return
	}

	snap := sess.Snapshot()
	if err != nil {
		s.logger.Info().
			Err(err).
			Str("session_id", sess.ID()).
			Str("action", action).
			Str("state", string(snap.State)).
			Msg("Session action failed")
		s.writeError(w, err, snap.StatusMessage)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.opts.Sessions.Get(id); err != nil {
		s.writeError(w, err, "")
		return
	}
	s.opts.Capture.HandleWS(id, w, r)
}

// handleNotices streams notices to a websocket, optionally filtered by the
// session query parameter
func (s *Server) handleNotices(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("session")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to upgrade notice socket")
		return
	}
	defer conn.Close()

	notices, cancel := s.opts.Notices.Subscribe(32)
	defer cancel()

	// The reader only exists to notice the peer going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case n, ok := <-notices:
			if !ok {
				return
			}
			if filter != "" && n.SessionID != filter {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(n); err != nil {
				s.logger.Debug().Err(err).Msg("Notice socket write failed")
				return
			}
		}
	}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.opts.Sessions.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err, "")
		return nil, false
	}
	return sess, true
}

func (s *Server) writeError(w http.ResponseWriter, err error, status string) {
	writeJSON(w, statusCode(err), errorResponse{Error: err.Error(), Status: status})
}

// statusCode maps domain errors onto HTTP status codes
func statusCode(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidSetup):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrClosed),
		errors.Is(err, session.ErrNoMeeting),
		errors.Is(err, engine.ErrPauseUnsupported):
		return http.StatusConflict
	case errors.Is(err, session.ErrMeetingCreation):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	// Acquisition and finalize failures are reported in the body
	return http.StatusUnprocessableEntity
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
