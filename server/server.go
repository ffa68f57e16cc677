// Package server exposes the pipeline over HTTP and streams fused states
// over WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/maastricht-university/edmo-fusion/dispatch"
	"github.com/maastricht-university/edmo-fusion/emotion"
	"github.com/maastricht-university/edmo-fusion/orchestrator"
)

const (
	maxBody    = 1 << 20
	writeWait  = 10 * time.Second
	closeGrace = time.Second
)

// Pipeline is the part of the orchestrator the server drives.
type Pipeline interface {
	SubmitSignal(ctx context.Context, raw emotion.RawSignal) error
	Subscribe(sessionID string) *dispatch.Subscription
	CloseSession(ctx context.Context, sessionID string) error
	Sessions() int
}

// Analyzer classifies free text. Optional.
type Analyzer interface {
	Analyze(ctx context.Context, sessionID, text string, at time.Time) (emotion.RawSignal, error)
}

type Server struct {
	pipe           Pipeline
	analyzer       Analyzer
	log            logrus.FieldLogger
	allowedOrigins map[string]bool
	upgrader       websocket.Upgrader
	now            func() time.Time
}

func New(p Pipeline, a Analyzer, allowedOrigins []string, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins[o] = true
		}
	}
	s := &Server{
		pipe:           p,
		analyzer:       a,
		log:            log.WithField("component", "server"),
		allowedOrigins: origins,
		now:            time.Now,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("POST /v1/sessions", s.createSession)
	mux.HandleFunc("POST /v1/sessions/{id}/signals", s.submitSignal)
	mux.HandleFunc("POST /v1/sessions/{id}/text", s.submitText)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.closeSession)
	mux.HandleFunc("GET /v1/sessions/{id}/stream", s.stream)
	return mux
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	return s.allowedOrigins[origin]
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// statusFor maps pipeline errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, emotion.ErrInvalidSignal):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, emotion.ErrCollaboratorUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": s.pipe.Sessions()})
}

func (s *Server) createSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": uuid.New().String()})
}

func (s *Server) submitSignal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var raw emotion.RawSignal
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if raw.SessionID != "" && raw.SessionID != id {
		writeError(w, http.StatusBadRequest, errors.New("session_id does not match the path"))
		return
	}
	raw.SessionID = id
	if raw.ObservedAt.IsZero() {
		raw.ObservedAt = s.now()
	}
	if err := s.pipe.SubmitSignal(r.Context(), raw); err != nil {
		s.log.WithField("session_id", id).WithError(err).Debug("signal rejected")
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type textRequest struct {
	Text       string    `json:"text"`
	ObservedAt time.Time `json:"observed_at"`
}

func (s *Server) submitText(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.analyzer == nil {
		writeError(w, http.StatusNotImplemented, errors.New("no text analyzer configured"))
		return
	}
	var req textRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, errors.New("text is empty"))
		return
	}
	at := req.ObservedAt
	if at.IsZero() {
		at = s.now()
	}
	raw, err := s.analyzer.Analyze(r.Context(), id, req.Text, at)
	if err != nil {
		s.log.WithField("session_id", id).WithError(err).Warn("text analysis failed")
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if err := s.pipe.SubmitSignal(r.Context(), raw); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "signal": raw})
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.pipe.CloseSession(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
