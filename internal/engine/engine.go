// Package engine runs perception-action sessions: it owns the session
// registry, drives the capture/infer/act loop for the active session and
// broadcasts every state change to observers.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/droidpilot/internal/device"
	"github.com/ashureev/droidpilot/internal/domain"
	"github.com/ashureev/droidpilot/internal/inference"
	"github.com/ashureev/droidpilot/internal/prompt"
)

// Default loop timings.
const (
	DefaultSettleDelay = 1500 * time.Millisecond
	DefaultWaitDelay   = 2 * time.Second
	DefaultHistoryN    = 3

	// DefaultRetainedSessions bounds the finished sessions and results kept
	// in memory. Older ones remain available from the result store.
	DefaultRetainedSessions = 64
)

var (
	// ErrSessionRunning is returned by Start while another session is active.
	ErrSessionRunning = errors.New("a session is already running")
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionNotRunning is returned by Cancel for a finished session.
	ErrSessionNotRunning = errors.New("session is not running")
	// ErrEmptyGoal is returned by Start without a goal.
	ErrEmptyGoal = errors.New("goal is required")
	// ErrEmptyInstruction is returned by Ground without an instruction.
	ErrEmptyInstruction = errors.New("instruction is required")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine is closed")
)

// FailureKind classifies fatal session errors.
type FailureKind string

const (
	FailureDeviceConnection FailureKind = "device_connection"
	FailureCapture          FailureKind = "capture"
	FailureInference        FailureKind = "inference"
	FailureActionExecution  FailureKind = "action_execution"
)

// Broadcaster receives session events. *hub.Hub implements it.
type Broadcaster interface {
	Broadcast(evt domain.Event) domain.Event
}

// ResultSaver persists finished sessions.
type ResultSaver interface {
	SaveResult(ctx context.Context, r domain.Result) error
}

// Options configures an Engine. A zero MaxSteps selects
// domain.DefaultMaxSteps and a zero RetainSessions selects
// DefaultRetainedSessions; delays are used as given.
type Options struct {
	MaxSteps       int
	HistoryN       int
	RetainSessions int
	SettleDelay    time.Duration
	WaitDelay      time.Duration
	Executor       device.ExecutorOptions
	// Saver, when set, receives every finished session.
	Saver  ResultSaver
	Logger *slog.Logger
}

// Engine owns the sessions of the process. Only one session runs at a time.
type Engine struct {
	dev     device.Device
	model   inference.Client
	events  Broadcaster
	builder *prompt.Builder
	opts    Options
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*run
	order    []string // session ids, oldest first
	current  *run
	results  []domain.Result
	closed   bool
	wg       sync.WaitGroup
}

// New creates an engine. HistoryN of zero disables history; use
// DefaultHistoryN for the usual window.
func New(dev device.Device, model inference.Client, events Broadcaster, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = domain.DefaultMaxSteps
	}
	if opts.RetainSessions <= 0 {
		opts.RetainSessions = DefaultRetainedSessions
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.WaitDelay < 0 {
		opts.WaitDelay = 0
	}
	return &Engine{
		dev:      dev,
		model:    model,
		events:   events,
		builder:  prompt.NewBuilder(opts.HistoryN),
		opts:     opts,
		logger:   opts.Logger.With("component", "engine"),
		sessions: make(map[string]*run),
	}
}

// run is the engine-side state of one session.
type run struct {
	mu      sync.RWMutex
	session *domain.Session

	cancelOnce sync.Once
	cancel     chan struct{}
	done       chan struct{}
}

func newRun(s *domain.Session) *run {
	return &run{session: s, cancel: make(chan struct{}), done: make(chan struct{})}
}

func (r *run) snapshot() domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.session.Snapshot()
}

func (r *run) update(fn func(s *domain.Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.session)
}

func (r *run) requestCancel() {
	r.cancelOnce.Do(func() { close(r.cancel) })
}

// exited reports whether the loop has emitted task_end and returned.
func (r *run) exited() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *run) cancelled() bool {
	select {
	case <-r.cancel:
		return true
	default:
		return false
	}
}

// sleep waits for d or until the session is cancelled.
func (r *run) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-r.cancel:
	}
}

// Start creates a session and runs it in the background. It returns the
// session id.
func (e *Engine) Start(goal, instruction string, maxSteps int) (string, error) {
	if goal == "" {
		return "", ErrEmptyGoal
	}
	if maxSteps <= 0 {
		maxSteps = e.opts.MaxSteps
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", ErrClosed
	}
	if e.current != nil && !e.current.exited() {
		return "", ErrSessionRunning
	}

	id := newSessionID()
	for e.sessions[id] != nil {
		id = newSessionID()
	}
	e.evictLocked()
	r := newRun(domain.NewSession(id, goal, instruction, maxSteps))
	e.sessions[id] = r
	e.order = append(e.order, id)
	e.current = r

	e.wg.Add(1)
	go e.loop(r)

	e.logger.Info("Session started", "task_id", id, "goal", goal, "max_steps", maxSteps)
	return id, nil
}

// evictLocked forgets the oldest sessions so that one more fits within
// RetainSessions. Only exited sessions are dropped.
func (e *Engine) evictLocked() {
	for len(e.order) >= e.opts.RetainSessions {
		oldest := e.sessions[e.order[0]]
		if oldest != nil && !oldest.exited() {
			return
		}
		delete(e.sessions, e.order[0])
		e.order[0] = ""
		e.order = e.order[1:]
	}
}

func newSessionID() string {
	return uuid.NewString()[:8]
}

// Cancel asks a running session to stop. The loop notices at the next
// iteration boundary or during its settle delay.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	r := e.sessions[id]
	e.mu.Unlock()
	if r == nil {
		return ErrSessionNotFound
	}
	if r.snapshot().Status.IsTerminal() {
		return ErrSessionNotRunning
	}
	r.requestCancel()
	e.logger.Info("Session cancel requested", "task_id", id)
	return nil
}

// Status returns a snapshot of the session.
func (e *Engine) Status(id string) (domain.Session, error) {
	e.mu.Lock()
	r := e.sessions[id]
	e.mu.Unlock()
	if r == nil {
		return domain.Session{}, ErrSessionNotFound
	}
	return r.snapshot(), nil
}

// Current returns the active session, if any.
func (e *Engine) Current() (domain.Session, bool) {
	e.mu.Lock()
	r := e.current
	e.mu.Unlock()
	if r == nil {
		return domain.Session{}, false
	}
	s := r.snapshot()
	if s.Status.IsTerminal() {
		return domain.Session{}, false
	}
	return s, true
}

// Done returns a channel closed when the session's loop has exited.
func (e *Engine) Done(id string) (<-chan struct{}, error) {
	e.mu.Lock()
	r := e.sessions[id]
	e.mu.Unlock()
	if r == nil {
		return nil, ErrSessionNotFound
	}
	return r.done, nil
}

// Results returns the summaries of sessions finished by this process,
// oldest first.
func (e *Engine) Results() []domain.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Result, len(e.results))
	copy(out, e.results)
	return out
}

// Close cancels the active session and waits for its loop to exit or for
// ctx to expire. No session can be started afterwards.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	if e.current != nil {
		e.current.requestCancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
