//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/droidpilot/internal/domain"
	"github.com/ashureev/droidpilot/internal/engine"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

type fakeEngine struct {
	mu        sync.Mutex
	startErr  error
	cancelErr error
	groundErr error
	sessions  map[string]domain.Session
	results   []domain.Result
	current   *domain.Session
	grounding engine.Grounding
	starts    []startRequest
}

func (e *fakeEngine) Start(goal, instruction string, maxSteps int) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if goal == "" {
		return "", engine.ErrEmptyGoal
	}
	if e.startErr != nil {
		return "", e.startErr
	}
	e.starts = append(e.starts, startRequest{Goal: goal, Instruction: instruction, MaxSteps: maxSteps})
	return "abcd1234", nil
}

func (e *fakeEngine) Cancel(id string) error {
	if e.cancelErr != nil {
		return e.cancelErr
	}
	if _, ok := e.sessions[id]; !ok {
		return engine.ErrSessionNotFound
	}
	return nil
}

func (e *fakeEngine) Status(id string) (domain.Session, error) {
	s, ok := e.sessions[id]
	if !ok {
		return domain.Session{}, engine.ErrSessionNotFound
	}
	return s, nil
}

func (e *fakeEngine) Current() (domain.Session, bool) {
	if e.current == nil {
		return domain.Session{}, false
	}
	return *e.current, true
}

func (e *fakeEngine) Results() []domain.Result {
	return append([]domain.Result(nil), e.results...)
}

func (e *fakeEngine) Ground(_ context.Context, instruction string) (engine.Grounding, error) {
	if instruction == "" {
		return engine.Grounding{}, engine.ErrEmptyInstruction
	}
	if e.groundErr != nil {
		return engine.Grounding{}, e.groundErr
	}
	g := e.grounding
	g.Instruction = instruction
	return g, nil
}

type fakeResults struct {
	results []domain.Result
	err     error
	limits  []int
}

func (s *fakeResults) ListResults(_ context.Context, limit int) ([]domain.Result, error) {
	s.limits = append(s.limits, limit)
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

func (s *fakeResults) GetResult(_ context.Context, taskID string) (*domain.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	for _, r := range s.results {
		if r.TaskID == taskID {
			return &r, nil
		}
	}
	return nil, nil
}

func (s *fakeResults) CountResults(context.Context) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	return len(s.results), nil
}

func newRouter(h *SessionHandler) http.Handler {
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got), rec.Body.String())
	return rec, got
}

func TestStartSession(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{}
	router := newRouter(NewSessionHandler(eng, nil, nil, Settings{}, nil))

	rec, got := do(t, router, http.MethodPost, "/api/sessions", `{"goal":"open settings","max_steps":5}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "abcd1234", got["task_id"])
	assert.Equal(t, []startRequest{{Goal: "open settings", MaxSteps: 5}}, eng.starts)

	rec, _ = do(t, router, http.MethodPost, "/api/sessions", `{"instruction":"tap wifi"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, startRequest{Goal: "tap wifi", Instruction: "tap wifi"}, eng.starts[1])
}

func TestStartSessionErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		startErr error
		body     string
		want     int
	}{
		{name: "missing goal", body: `{}`, want: http.StatusBadRequest},
		{name: "empty body", body: "", want: http.StatusBadRequest},
		{name: "malformed body", body: `{"goal":`, want: http.StatusBadRequest},
		{name: "negative steps", body: `{"goal":"g","max_steps":-1}`, want: http.StatusBadRequest},
		{name: "running", startErr: engine.ErrSessionRunning, body: `{"goal":"g"}`, want: http.StatusConflict},
		{name: "closed", startErr: engine.ErrClosed, body: `{"goal":"g"}`, want: http.StatusServiceUnavailable},
		{name: "unexpected", startErr: errors.New("boom"), body: `{"goal":"g"}`, want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			router := newRouter(NewSessionHandler(&fakeEngine{startErr: tt.startErr}, nil, nil, Settings{}, nil))
			rec, got := do(t, router, http.MethodPost, "/api/sessions", tt.body)
			assert.Equal(t, tt.want, rec.Code)
			assert.NotEmpty(t, got["error"])
		})
	}
}

func TestStartSessionRateLimited(t *testing.T) {
	t.Parallel()
	limiter := NewRateLimiter(1, time.Minute)
	defer limiter.Stop()
	router := newRouter(NewSessionHandler(&fakeEngine{}, nil, limiter, Settings{}, nil))

	rec, _ := do(t, router, http.MethodPost, "/api/sessions", `{"goal":"g"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec, got := do(t, router, http.MethodPost, "/api/sessions", `{"goal":"g"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate limit exceeded", got["error"])
}

func TestGetAndCancelSession(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{sessions: map[string]domain.Session{
		"abcd1234": {ID: "abcd1234", Goal: "g", Status: domain.StatusRunning},
	}}
	router := newRouter(NewSessionHandler(eng, nil, nil, Settings{}, nil))

	rec, got := do(t, router, http.MethodGet, "/api/sessions/abcd1234", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", got["status"])

	rec, _ = do(t, router, http.MethodGet, "/api/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, got = do(t, router, http.MethodPost, "/api/sessions/abcd1234/cancel", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "cancelling", got["status"])

	rec, _ = do(t, router, http.MethodPost, "/api/sessions/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	eng.cancelErr = engine.ErrSessionNotRunning
	rec, _ = do(t, router, http.MethodPost, "/api/sessions/abcd1234/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetStatus(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{
		current: &domain.Session{ID: "abcd1234", Status: domain.StatusRunning},
		results: []domain.Result{{TaskID: "old"}},
	}

	_, got := do(t, newRouter(NewSessionHandler(eng, nil, nil, Settings{}, nil)), http.MethodGet, "/api/status", "")
	current := got["current_task"].(map[string]any)
	assert.Equal(t, "abcd1234", current["task_id"])
	assert.InDelta(t, 1, got["total_results"], 0)

	store := &fakeResults{results: []domain.Result{{TaskID: "a"}, {TaskID: "b"}}}
	eng.current = nil
	_, got = do(t, newRouter(NewSessionHandler(eng, store, nil, Settings{}, nil)), http.MethodGet, "/api/status", "")
	assert.Nil(t, got["current_task"])
	assert.InDelta(t, 2, got["total_results"], 0)
}

func TestListResultsFromEngine(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{results: []domain.Result{{TaskID: "first"}, {TaskID: "second"}, {TaskID: "third"}}}
	router := newRouter(NewSessionHandler(eng, nil, nil, Settings{}, nil))

	rec, got := do(t, router, http.MethodGet, "/api/results?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	results := got["results"].([]any)
	require.Len(t, results, 2)
	assert.Equal(t, "third", results[0].(map[string]any)["task_id"])
	assert.Equal(t, "second", results[1].(map[string]any)["task_id"])

	rec, _ = do(t, router, http.MethodGet, "/api/results?limit=nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, got = do(t, router, http.MethodGet, "/api/results/first", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "first", got["task_id"])

	rec, _ = do(t, router, http.MethodGet, "/api/results/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListResultsFromStore(t *testing.T) {
	t.Parallel()
	store := &fakeResults{results: []domain.Result{{TaskID: "a", Status: domain.StatusAnswered}}}
	router := newRouter(NewSessionHandler(&fakeEngine{}, store, nil, Settings{}, nil))

	rec, got := do(t, router, http.MethodGet, "/api/results?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, got["results"], 1)
	assert.Equal(t, []int{10}, store.limits)

	rec, got = do(t, router, http.MethodGet, "/api/results/a", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "answered", got["status"])

	rec, _ = do(t, router, http.MethodGet, "/api/results/b", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	store.err = errors.New("disk gone")
	rec, _ = do(t, router, http.MethodGet, "/api/results", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGround(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{grounding: engine.Grounding{RawResponse: "(540,1200)", X: 540, Y: 1200, Found: true}}
	router := newRouter(NewSessionHandler(eng, nil, nil, Settings{}, nil))

	rec, got := do(t, router, http.MethodPost, "/api/ground", `{"instruction":"the search bar"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "the search bar", got["instruction"])
	assert.Equal(t, []any{540.0, 1200.0}, got["coordinates"])
	assert.Equal(t, "(540,1200)", got["raw_response"])

	rec, _ = do(t, router, http.MethodPost, "/api/ground", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	eng.groundErr = errors.New("inference: connection refused")
	rec, _ = do(t, router, http.MethodPost, "/api/ground", `{"instruction":"x"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestGroundWithoutCoordinates(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{grounding: engine.Grounding{RawResponse: "no idea"}}
	router := newRouter(NewSessionHandler(eng, nil, nil, Settings{}, nil))

	rec, got := do(t, router, http.MethodPost, "/api/ground", `{"instruction":"the search bar"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, got["coordinates"])
}

func TestGetConfig(t *testing.T) {
	t.Parallel()
	settings := Settings{Backend: "openai", Model: "ui-tars", MaxSteps: 50, HistoryN: 3, SettleDelay: "1.5s"}
	_, got := do(t, newRouter(NewSessionHandler(&fakeEngine{}, nil, nil, settings, nil)), http.MethodGet, "/api/config", "")
	assert.Equal(t, "openai", got["inference_backend"])
	assert.Equal(t, "ui-tars", got["model"])
	assert.Equal(t, "1.5s", got["settle_delay"])
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		repo     Pinger
		want     int
		database string
	}{
		{name: "ok", repo: fakePinger{}, want: http.StatusOK, database: "ok"},
		{name: "down", repo: fakePinger{err: errors.New("closed")}, want: http.StatusServiceUnavailable, database: "unreachable"},
		{name: "disabled", repo: nil, want: http.StatusOK, database: "disabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := chi.NewRouter()
			NewHealthHandler(tt.repo, 0).RegisterHealth(r)
			rec, got := do(t, r, http.MethodGet, "/api/health", "")
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.database, got["checks"].(map[string]any)["database"])
		})
	}
}

func TestRateLimiterPerKey(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))
	assert.Equal(t, 2, rl.Len())
}

func TestRateLimiterSweep(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(1, time.Minute)
	defer rl.Stop()

	rl.Allow("a")
	rl.sweep(time.Now())
	assert.Equal(t, 1, rl.Len())
	rl.sweep(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 0, rl.Len())

	rl.Stop()
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:51234"
	assert.Equal(t, "10.0.0.7", clientKey(req))
	req.RemoteAddr = "10.0.0.7"
	assert.Equal(t, "10.0.0.7", clientKey(req))
}
