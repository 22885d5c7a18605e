package domain

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/ashureev/droidpilot/internal/action"
)

// EventType names an observer event.
type EventType string

const (
	EventTaskStart       EventType = "task_start"
	EventDeviceConnected EventType = "device_connected"
	EventScreenshot      EventType = "screenshot"
	EventStep            EventType = "step"
	EventTaskComplete    EventType = "task_complete"
	EventAnswer          EventType = "answer"
	EventError           EventType = "error"
	EventWarning         EventType = "warning"
	EventTaskEnd         EventType = "task_end"
)

// Limits applied to text carried in events and results.
const (
	MaxEventRawResponse = 500
	MaxTrajectoryText   = 200
)

// Event is the envelope broadcast to observers.
type Event struct {
	Type   EventType `json:"type"`
	TaskID string    `json:"task_id,omitempty"`
	Seq    int64     `json:"seq"`
	Time   time.Time `json:"time"`
	Data   any       `json:"data,omitempty"`
}

// Image is inline, self-describing image data.
type Image struct {
	Format string `json:"format"`
	Data   string `json:"data"`
}

// PNGImage encodes raw PNG bytes for transport.
func PNGImage(png []byte) Image {
	return Image{Format: "png", Data: base64.StdEncoding.EncodeToString(png)}
}

// TaskStartData is the payload of task_start.
type TaskStartData struct {
	Goal        string `json:"goal"`
	Instruction string `json:"instruction,omitempty"`
	MaxSteps    int    `json:"max_steps"`
}

// DeviceConnectedData is the payload of device_connected.
type DeviceConnectedData struct {
	Device DeviceInfo `json:"device"`
	Screen string     `json:"screen"`
}

// NewDeviceConnectedData builds the device_connected payload.
func NewDeviceConnectedData(info DeviceInfo) DeviceConnectedData {
	return DeviceConnectedData{Device: info, Screen: fmt.Sprintf("%dx%d", info.Width, info.Height)}
}

// ScreenshotData is the payload of screenshot.
type ScreenshotData struct {
	Step  int   `json:"step"`
	Image Image `json:"image"`
}

// StepData is the payload of step.
type StepData struct {
	Step        int           `json:"step"`
	Action      action.Action `json:"action"`
	Thought     string        `json:"thought"`
	RawResponse string        `json:"raw_response"`
}

// NewStepData builds the step payload, truncating the raw model response.
func NewStepData(st Step) StepData {
	return StepData{
		Step:        st.Index,
		Action:      st.Action,
		Thought:     st.Rationale,
		RawResponse: Truncate(st.RawResponse, MaxEventRawResponse),
	}
}

// MessageData is the payload of task_complete.
type MessageData struct {
	Message string `json:"message"`
}

// AnswerData is the payload of answer.
type AnswerData struct {
	Text string `json:"text"`
}

// ErrorData is the payload of error and warning events.
type ErrorData struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Step    *int   `json:"step,omitempty"`
}

// TaskEndData is the payload of task_end, always the last event of a session.
type TaskEndData struct {
	Status     Status    `json:"status"`
	Reason     EndReason `json:"reason"`
	TotalSteps int       `json:"total_steps"`
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
