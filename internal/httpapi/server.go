// Package httpapi exposes the save queue over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"storysave/internal/editor"
	"storysave/internal/savequeue"
)

type jsonResponse map[string]any

type errorResponse struct {
	Error           string `json:"error"`
	Code            string `json:"code,omitempty"`
	ServerUpdatedAt string `json:"serverUpdatedAt,omitempty"`
	ClientUpdatedAt string `json:"clientUpdatedAt,omitempty"`
}

type statusResponse struct {
	savequeue.Status
	Pending        []savequeue.Operation `json:"pending"`
	StorageMode    string                `json:"storageMode"`
	StoryUpdatedAt string                `json:"storyUpdatedAt,omitempty"`
}

type Server struct {
	editor  *editor.Editor
	metrics http.Handler
	logger  *slog.Logger
}

// NewServer builds the API. metrics may be nil, in which case /metrics is not
// served.
func NewServer(ed *editor.Editor, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{editor: ed, metrics: metrics, logger: logger}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Post("/saves", s.handleQueueSave)
	r.Post("/saves/debounced", s.handleQueueSaveDebounced)
	r.Delete("/saves", s.handleCancel)
	r.Post("/stories/{storyID}/full-save", s.handleFullSave)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

func (s *Server) handleQueueSave(w http.ResponseWriter, r *http.Request) {
	op, err := decodeOperation(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	wait, err := boolParam(r, "wait")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.editor.Queue(r.Context(), op, wait); err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.status())
}

func (s *Server) handleQueueSaveDebounced(w http.ResponseWriter, r *http.Request) {
	op, err := decodeOperation(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var delay time.Duration
	if raw := r.URL.Query().Get("delay"); raw != "" {
		delay, err = time.ParseDuration(raw)
		if err != nil || delay < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("delay must be a non-negative duration"))
			return
		}
	}
	if err := s.editor.QueueDebounced(op, delay); err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.status())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.editor.Cancel()
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleFullSave(w http.ResponseWriter, r *http.Request) {
	storyID := chi.URLParam(r, "storyID")
	force, err := boolParam(r, "force")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(payload) > 0 && !json.Valid(payload) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("story payload is not JSON"))
		return
	}

	stamp, err := s.editor.FullSave(r.Context(), storyID, payload, force)
	if err != nil {
		writeFullSaveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{"storyId": storyID, "updatedAt": stamp})
}

func (s *Server) status() statusResponse {
	svc := s.editor.Service()
	out := statusResponse{
		Status:      svc.Status(),
		Pending:     svc.Pending(),
		StorageMode: string(svc.StorageMode()),
	}
	if stamp := svc.Versions().Stamp(); !stamp.IsZero() {
		out.StoryUpdatedAt = stamp.Format(time.RFC3339Nano)
	}
	return out
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "took", time.Since(start))
	})
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jsonResponse{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

type operationRequest struct {
	Kind       string `json:"kind"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	StoryID    string `json:"storyId"`
	Data       any    `json:"data"`
}

func decodeOperation(r *http.Request) (savequeue.Operation, error) {
	var req operationRequest
	if err := decodeJSON(r, &req); err != nil {
		return savequeue.Operation{}, err
	}
	kind, err := savequeue.ParseKind(req.Kind)
	if err != nil {
		return savequeue.Operation{}, err
	}
	entityType, err := savequeue.ParseEntityType(req.EntityType)
	if err != nil {
		return savequeue.Operation{}, err
	}
	return savequeue.Operation{
		Kind:       kind,
		EntityType: entityType,
		EntityID:   req.EntityID,
		StoryID:    req.StoryID,
		Data:       req.Data,
	}, nil
}

func boolParam(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean", name)
	}
	return v, nil
}

func writeQueueError(w http.ResponseWriter, err error) {
	if errors.Is(err, savequeue.ErrClosed) {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeError(w, http.StatusBadRequest, err)
}

func writeFullSaveError(w http.ResponseWriter, err error) {
	var saveErr *savequeue.Error
	switch {
	case errors.Is(err, editor.ErrNoPayload):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, savequeue.ErrNoFullSaver):
		writeError(w, http.StatusNotImplemented, err)
	case errors.Is(err, savequeue.ErrFullSaveInProgress):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, savequeue.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.As(err, &saveErr) && saveErr.Class == savequeue.ClassConflict:
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:           err.Error(),
			Code:            savequeue.CodeVersionConflict,
			ServerUpdatedAt: formatStamp(saveErr.ServerStamp),
			ClientUpdatedAt: formatStamp(saveErr.ClientStamp),
		})
	case savequeue.Classify(err) == savequeue.ClassAuth:
		writeError(w, http.StatusUnauthorized, err)
	case savequeue.Classify(err) == savequeue.ClassClient:
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusBadGateway, err)
	}
}

func formatStamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(payload)
}
