package domain

import (
	"time"

	"github.com/ashureev/droidpilot/internal/action"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusAnswered  Status = "answered"
	StatusErrored   Status = "errored"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is absorbing.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusAnswered, StatusErrored, StatusCancelled:
		return true
	}
	return false
}

// EndReason distinguishes how a session reached its terminal status.
type EndReason string

const (
	EndTerminated EndReason = "terminated"
	EndAnswered   EndReason = "answered"
	EndStepCap    EndReason = "step_cap"
	EndError      EndReason = "error"
	EndCancelled  EndReason = "cancelled"
)

// DefaultMaxSteps is used when a start request does not set a step cap.
const DefaultMaxSteps = 10

// Step is one capture, infer, parse, act iteration.
type Step struct {
	Index       int           `json:"step"`
	Screenshot  []byte        `json:"-"`
	RawResponse string        `json:"raw_response"`
	Action      action.Action `json:"action"`
	Rationale   string        `json:"thought"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Warning is a non-fatal execution failure of one step's action.
type Warning struct {
	Step    int    `json:"step"`
	Message string `json:"message"`
}

// Session is one automation run. It is mutated only by the engine loop that
// owns it; callers receive copies from Snapshot.
type Session struct {
	ID          string      `json:"task_id"`
	Goal        string      `json:"goal"`
	Instruction string      `json:"instruction,omitempty"`
	Status      Status      `json:"status"`
	EndReason   EndReason   `json:"end_reason,omitempty"`
	MaxSteps    int         `json:"max_steps"`
	Steps       []Step      `json:"steps"`
	Device      *DeviceInfo `json:"device,omitempty"`
	Answer      string      `json:"answer,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
	Warnings    []Warning   `json:"warnings,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	EndedAt     *time.Time  `json:"ended_at,omitempty"`
}

// NewSession creates a pending session.
func NewSession(id, goal, instruction string, maxSteps int) *Session {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	return &Session{
		ID:          id,
		Goal:        goal,
		Instruction: instruction,
		Status:      StatusPending,
		MaxSteps:    maxSteps,
		Steps:       []Step{},
		CreatedAt:   time.Now().UTC(),
	}
}

// Prompt returns the instruction sent to the model for each step. Sessions
// started with only a goal use the goal itself.
func (s *Session) Prompt() string {
	if s.Instruction != "" {
		return s.Instruction
	}
	return s.Goal
}

// AppendStep records a step. Steps are never modified after being appended.
func (s *Session) AppendStep(st Step) {
	st.Index = len(s.Steps)
	s.Steps = append(s.Steps, st)
}

// RecentScreenshots returns the screenshots of the last n steps in
// chronological order.
func (s *Session) RecentScreenshots(n int) [][]byte {
	if n <= 0 || len(s.Steps) == 0 {
		return nil
	}
	steps := s.Steps
	if n < len(steps) {
		steps = steps[len(steps)-n:]
	}
	out := make([][]byte, 0, len(steps))
	for _, st := range steps {
		if len(st.Screenshot) > 0 {
			out = append(out, st.Screenshot)
		}
	}
	return out
}

// Snapshot returns a copy that is safe to hand to other goroutines.
// Screenshot bytes are shared because steps are immutable.
func (s *Session) Snapshot() Session {
	cp := *s
	cp.Steps = make([]Step, len(s.Steps))
	copy(cp.Steps, s.Steps)
	if s.Warnings != nil {
		cp.Warnings = append([]Warning(nil), s.Warnings...)
	}
	if s.Device != nil {
		d := *s.Device
		cp.Device = &d
	}
	return cp
}

// ReleaseScreenshots drops the image bytes of every step. Finished sessions
// call it so only their summaries stay in memory.
func (s *Session) ReleaseScreenshots() {
	for i := range s.Steps {
		s.Steps[i].Screenshot = nil
	}
}

// DeviceInfo describes the connected device.
type DeviceInfo struct {
	ID     string `json:"id"`
	Model  string `json:"model"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}
