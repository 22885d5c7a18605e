package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/droidpilot/internal/domain"
	"github.com/ashureev/droidpilot/internal/engine"
)

// SessionEngine is the engine surface the API drives.
type SessionEngine interface {
	Start(goal, instruction string, maxSteps int) (string, error)
	Cancel(id string) error
	Status(id string) (domain.Session, error)
	Current() (domain.Session, bool)
	Results() []domain.Result
	Ground(ctx context.Context, instruction string) (engine.Grounding, error)
}

// ResultStore reads persisted results.
type ResultStore interface {
	ListResults(ctx context.Context, limit int) ([]domain.Result, error)
	GetResult(ctx context.Context, taskID string) (*domain.Result, error)
	CountResults(ctx context.Context) (int, error)
}

// Settings is the effective configuration reported by GET /api/config.
type Settings struct {
	Backend      string  `json:"inference_backend"`
	Model        string  `json:"model"`
	Temperature  float32 `json:"temperature"`
	MaxTokens    int32   `json:"max_tokens"`
	MaxSteps     int     `json:"max_steps"`
	HistoryN     int     `json:"history_n"`
	SettleDelay  string  `json:"settle_delay"`
	WaitDelay    string  `json:"wait_delay"`
	DeviceSerial string  `json:"device_serial,omitempty"`
}

// SessionHandler handles session control endpoints.
type SessionHandler struct {
	engine   SessionEngine
	results  ResultStore
	limiter  *RateLimiter
	settings Settings
	logger   *slog.Logger
}

// NewSessionHandler creates a session handler. results and limiter may be
// nil: results then come from the engine's in-memory list and start
// requests are not rate limited.
func NewSessionHandler(eng SessionEngine, results ResultStore, limiter *RateLimiter, settings Settings, logger *slog.Logger) *SessionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionHandler{
		engine:   eng,
		results:  results,
		limiter:  limiter,
		settings: settings,
		logger:   logger.With("component", "api"),
	}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/sessions", h.StartSession)
	r.Get("/api/sessions/{id}", h.GetSession)
	r.Post("/api/sessions/{id}/cancel", h.CancelSession)
	r.Get("/api/status", h.GetStatus)
	r.Get("/api/results", h.ListResults)
	r.Get("/api/results/{id}", h.GetResult)
	r.Post("/api/ground", h.Ground)
	r.Get("/api/config", h.GetConfig)
}

type startRequest struct {
	Goal        string `json:"goal"`
	Instruction string `json:"instruction"`
	MaxSteps    int    `json:"max_steps"`
}

// StartSession starts a new session.
func (h *SessionHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow(clientKey(r)) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req startRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Goal == "" {
		req.Goal = req.Instruction
	}
	if req.MaxSteps < 0 {
		Error(w, http.StatusBadRequest, "max_steps must not be negative")
		return
	}

	id, err := h.engine.Start(req.Goal, req.Instruction, req.MaxSteps)
	switch {
	case errors.Is(err, engine.ErrEmptyGoal):
		Error(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, engine.ErrSessionRunning):
		Error(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, engine.ErrClosed):
		Error(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		h.logger.Error("Failed to start session", "error", err)
		Error(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	JSON(w, http.StatusAccepted, map[string]string{"task_id": id, "status": string(domain.StatusPending)})
}

// GetSession returns a session snapshot.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.engine.Status(chi.URLParam(r, "id"))
	if errors.Is(err, engine.ErrSessionNotFound) {
		Error(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, s)
}

// CancelSession asks a running session to stop.
func (h *SessionHandler) CancelSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.engine.Cancel(id)
	switch {
	case errors.Is(err, engine.ErrSessionNotFound):
		Error(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, engine.ErrSessionNotRunning):
		Error(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"task_id": id, "status": "cancelling"})
}

// GetStatus reports the active session and the number of results.
func (h *SessionHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	var current *domain.Session
	if s, ok := h.engine.Current(); ok {
		current = &s
	}

	total := len(h.engine.Results())
	if h.results != nil {
		n, err := h.results.CountResults(r.Context())
		if err != nil {
			h.logger.Error("Failed to count results", "error", err)
		} else {
			total = n
		}
	}

	JSON(w, http.StatusOK, map[string]any{
		"current_task":  current,
		"total_results": total,
	})
}

// ListResults returns finished session summaries.
func (h *SessionHandler) ListResults(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	if h.results == nil {
		results := h.engine.Results()
		// Newest first, matching the store.
		for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
			results[i], results[j] = results[j], results[i]
		}
		if limit > 0 && len(results) > limit {
			results = results[:limit]
		}
		JSON(w, http.StatusOK, map[string]any{"results": results})
		return
	}

	results, err := h.results.ListResults(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list results", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list results")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"results": results})
}

// GetResult returns one finished session summary.
func (h *SessionHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.results == nil {
		for _, res := range h.engine.Results() {
			if res.TaskID == id {
				JSON(w, http.StatusOK, res)
				return
			}
		}
		Error(w, http.StatusNotFound, "result not found")
		return
	}

	res, err := h.results.GetResult(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to get result", "task_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to get result")
		return
	}
	if res == nil {
		Error(w, http.StatusNotFound, "result not found")
		return
	}
	JSON(w, http.StatusOK, res)
}

type groundRequest struct {
	Instruction string `json:"instruction"`
}

// Ground locates an instruction's target on the current screen.
func (h *SessionHandler) Ground(w http.ResponseWriter, r *http.Request) {
	var req groundRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	g, err := h.engine.Ground(r.Context(), req.Instruction)
	switch {
	case errors.Is(err, engine.ErrEmptyInstruction):
		Error(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, engine.ErrClosed):
		Error(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		h.logger.Error("Grounding failed", "error", err)
		Error(w, http.StatusBadGateway, err.Error())
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"instruction":  g.Instruction,
		"coordinates":  g.Coordinates(),
		"raw_response": g.RawResponse,
	})
}

// GetConfig returns the effective settings.
func (h *SessionHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.settings)
}
