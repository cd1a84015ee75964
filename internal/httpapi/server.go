// Package httpapi exposes a session controller over HTTP: chunk delivery
// for producers, approval calls for reviewers and checkpoint history.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"patchwork/internal/approval"
	"patchwork/internal/checkpoint"
	"patchwork/internal/logging"
	"patchwork/internal/session"
	"patchwork/internal/turnlog"
)

// MaxChunkBytes caps one chunk request body.
const MaxChunkBytes = 4 << 20

// Controller is the session surface served over HTTP.
type Controller interface {
	Start(ctx context.Context) (string, approval.State, error)
	Ingest(turnID, chunk string) (approval.State, error)
	Finish(ctx context.Context, turnID string, streamErr error) (approval.State, error)
	Approve(ctx context.Context, turnID string) (approval.State, error)
	Reject(ctx context.Context, turnID, reason string) (approval.State, error)
	Cancel(ctx context.Context, turnID string) (approval.State, error)
	Turn(turnID string) (turnlog.Record, error)
	Checkpoints(ctx context.Context) ([]checkpoint.Checkpoint, error)
	Revert(ctx context.Context, id string) (checkpoint.Checkpoint, error)
}

// Options configures the handler.
type Options struct {
	Metrics http.Handler
	Logger  *logging.StructuredLogger
}

// Server implements the HTTP routes.
type Server struct {
	ctrl   Controller
	logger *logging.StructuredLogger
}

// StateResponse is returned by every turn transition.
type StateResponse struct {
	TurnID string         `json:"turn_id"`
	State  approval.State `json:"state"`
}

// FinishRequest is the optional body of POST /turns/{id}/finish.
type FinishRequest struct {
	Error string `json:"error,omitempty"`
}

// RejectRequest is the optional body of POST /turns/{id}/reject.
type RejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string         `json:"error"`
	State approval.State `json:"state,omitempty"`
}

// NewHandler builds the router.
func NewHandler(ctrl Controller, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{ctrl: ctrl, logger: logger.WithComponent("http")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/turns", func(r chi.Router) {
		r.Post("/", s.startTurn)
		r.Route("/{turnID}", func(r chi.Router) {
			r.Get("/", s.getTurn)
			r.Post("/chunks", s.ingest)
			r.Post("/finish", s.finish)
			r.Post("/approve", s.approve)
			r.Post("/reject", s.reject)
			r.Post("/cancel", s.cancel)
		})
	})
	r.Get("/checkpoints", s.listCheckpoints)
	r.Post("/checkpoints/{checkpointID}/revert", s.revert)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).String(),
		})
	})
}

func (s *Server) startTurn(w http.ResponseWriter, r *http.Request) {
	id, state, err := s.ctrl.Start(r.Context())
	if err != nil {
		s.fail(w, err, state)
		return
	}
	writeJSON(w, http.StatusCreated, StateResponse{TurnID: id, State: state})
}

func (s *Server) getTurn(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ctrl.Turn(chi.URLParam(r, "turnID"))
	if err != nil {
		s.fail(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ingest takes the raw request body as one chunk.
func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "turnID")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxChunkBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: err.Error()})
		return
	}
	state, err := s.ctrl.Ingest(id, string(body))
	s.reply(w, id, state, err)
}

func (s *Server) finish(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "turnID")
	var req FinishRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	var streamErr error
	if req.Error != "" {
		streamErr = errors.New(req.Error)
	}
	state, err := s.ctrl.Finish(r.Context(), id, streamErr)
	s.reply(w, id, state, err)
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "turnID")
	state, err := s.ctrl.Approve(r.Context(), id)
	s.reply(w, id, state, err)
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "turnID")
	var req RejectRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	state, err := s.ctrl.Reject(r.Context(), id, req.Reason)
	s.reply(w, id, state, err)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "turnID")
	state, err := s.ctrl.Cancel(r.Context(), id)
	s.reply(w, id, state, err)
}

func (s *Server) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	list, err := s.ctrl.Checkpoints(r.Context())
	if err != nil {
		s.fail(w, err, "")
		return
	}
	if list == nil {
		list = []checkpoint.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) revert(w http.ResponseWriter, r *http.Request) {
	cp, err := s.ctrl.Revert(r.Context(), chi.URLParam(r, "checkpointID"))
	if err != nil {
		s.fail(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) reply(w http.ResponseWriter, id string, state approval.State, err error) {
	if err != nil {
		s.fail(w, err, state)
		return
	}
	writeJSON(w, http.StatusOK, StateResponse{TurnID: id, State: state})
}

func (s *Server) fail(w http.ResponseWriter, err error, state approval.State) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", map[string]interface{}{"error": err.Error()})
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), State: state})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrUnknownTurn), errors.Is(err, checkpoint.ErrCheckpointNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrTurnNotStreaming),
		errors.Is(err, session.ErrLockLost),
		errors.Is(err, approval.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
