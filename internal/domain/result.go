package domain

import (
	"time"

	"github.com/ashureev/droidpilot/internal/action"
)

// TrajectoryEntry summarizes one step of a finished session.
type TrajectoryEntry struct {
	Step       int           `json:"step"`
	Action     action.Action `json:"action"`
	Thought    string        `json:"thought"`
	Prediction string        `json:"prediction"`
}

// Result is the persisted record of a finished session.
type Result struct {
	TaskID      string            `json:"task_id"`
	Goal        string            `json:"goal"`
	Instruction string            `json:"instruction,omitempty"`
	Status      Status            `json:"status"`
	EndReason   EndReason         `json:"end_reason"`
	TotalSteps  int               `json:"total_steps"`
	Answer      string            `json:"answer,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	Trajectory  []TrajectoryEntry `json:"trajectory"`
	CreatedAt   time.Time         `json:"created_at"`
	EndedAt     time.Time         `json:"ended_at"`
}

// NewResult summarizes a finished session.
func NewResult(s Session) Result {
	r := Result{
		TaskID:      s.ID,
		Goal:        s.Goal,
		Instruction: s.Instruction,
		Status:      s.Status,
		EndReason:   s.EndReason,
		TotalSteps:  len(s.Steps),
		Answer:      s.Answer,
		LastError:   s.LastError,
		Trajectory:  make([]TrajectoryEntry, 0, len(s.Steps)),
		CreatedAt:   s.CreatedAt,
		EndedAt:     time.Now().UTC(),
	}
	if s.EndedAt != nil {
		r.EndedAt = *s.EndedAt
	}
	for _, st := range s.Steps {
		prediction := st.RawResponse
		if t := Truncate(prediction, MaxTrajectoryText); t != prediction {
			prediction = t + "..."
		}
		r.Trajectory = append(r.Trajectory, TrajectoryEntry{
			Step:       st.Index,
			Action:     st.Action,
			Thought:    st.Rationale,
			Prediction: prediction,
		})
	}
	return r
}
