// Package action defines the device commands a model can request and the
// parser that turns free-form model output into one of them.
package action

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// ScaleFactor is the coordinate range models answer in (0..999).
const ScaleFactor = 999

// Kind identifies an action family.
type Kind string

const (
	// KindUnknown is the zero value; executors treat it as a no-op.
	KindUnknown   Kind = "unknown"
	KindClick     Kind = "click"
	KindLongPress Kind = "long_press"
	KindType      Kind = "type"
	KindSwipe     Kind = "swipe"
	KindBack      Kind = "back"
	KindHome      Kind = "home"
	KindWait      Kind = "wait"
	KindTerminate Kind = "terminate"
	KindAnswer    Kind = "answer"
	KindError     Kind = "error"
)

// Direction is a swipe direction.
type Direction string

// Swipe directions, in the order the parser looks for them.
const (
	DirectionUp    Direction = "up"
	DirectionDown  Direction = "down"
	DirectionLeft  Direction = "left"
	DirectionRight Direction = "right"
)

var directions = []Direction{DirectionUp, DirectionDown, DirectionLeft, DirectionRight}

// Action is a single structured device command. Values are built through the
// constructors below, which clamp coordinates into [0,1].
type Action struct {
	Kind      Kind
	X, Y      float64
	Text      string
	Direction Direction
	Message   string
	// Raw keeps the unparsed model text when the parser fell back to Wait.
	Raw string
}

// Click taps at normalized coordinates.
func Click(x, y float64) Action {
	return Action{Kind: KindClick, X: clamp01(x), Y: clamp01(y)}
}

// LongPress presses and holds at normalized coordinates.
func LongPress(x, y float64) Action {
	return Action{Kind: KindLongPress, X: clamp01(x), Y: clamp01(y)}
}

// TypeText enters text into the focused field.
func TypeText(text string) Action { return Action{Kind: KindType, Text: text} }

// Swipe scrolls in a direction.
func Swipe(d Direction) Action { return Action{Kind: KindSwipe, Direction: d} }

// Back presses the back key.
func Back() Action { return Action{Kind: KindBack} }

// Home presses the home key.
func Home() Action { return Action{Kind: KindHome} }

// Wait does nothing for one step.
func Wait() Action { return Action{Kind: KindWait} }

// Terminate ends the session successfully.
func Terminate() Action { return Action{Kind: KindTerminate} }

// Answer ends the session with a textual answer for the user.
func Answer(text string) Action { return Action{Kind: KindAnswer, Text: text} }

// Error is a synthetic action recorded when no model output could be obtained.
func Error(message string) Action { return Action{Kind: KindError, Message: message} }

// fallback is the parser's default: Wait, keeping the raw text for diagnostics.
func fallback(raw string) Action { return Action{Kind: KindWait, Raw: raw} }

// IsTerminal reports whether the action ends a session.
func (a Action) IsTerminal() bool {
	switch a.Kind {
	case KindTerminate, KindAnswer, KindError:
		return true
	}
	return false
}

// String renders the action in the call syntax the parser accepts, using
// the 0..999 coordinate scale.
func (a Action) String() string {
	switch a.Kind {
	case KindClick, KindLongPress:
		return fmt.Sprintf("%s(%d, %d)", a.Kind, toScale(a.X), toScale(a.Y))
	case KindType:
		return fmt.Sprintf("type(%s)", quote(a.Text))
	case KindSwipe:
		return fmt.Sprintf("swipe(%s)", a.Direction)
	case KindAnswer:
		return fmt.Sprintf("answer(%s)", quote(a.Text))
	case KindError:
		return fmt.Sprintf("error(%s)", quote(a.Message))
	case "":
		return string(KindUnknown) + "()"
	default:
		return string(a.Kind) + "()"
	}
}

// wireAction is the JSON shape observers receive.
type wireAction struct {
	Action      string    `json:"action"`
	Coordinates []float64 `json:"coordinates,omitempty"`
	Text        string    `json:"text,omitempty"`
	Direction   Direction `json:"direction,omitempty"`
	Message     string    `json:"message,omitempty"`
	Raw         string    `json:"raw,omitempty"`
}

// MarshalJSON encodes the action as {"action": kind, ...}.
func (a Action) MarshalJSON() ([]byte, error) {
	kind := a.Kind
	if kind == "" {
		kind = KindUnknown
	}
	w := wireAction{
		Action:    string(kind),
		Text:      a.Text,
		Direction: a.Direction,
		Message:   a.Message,
		Raw:       a.Raw,
	}
	if a.Kind == KindClick || a.Kind == KindLongPress {
		w.Coordinates = []float64{a.X, a.Y}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the shape produced by MarshalJSON.
func (a *Action) UnmarshalJSON(data []byte) error {
	var w wireAction
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*a = Action{
		Kind:      Kind(w.Action),
		Text:      w.Text,
		Direction: w.Direction,
		Message:   w.Message,
		Raw:       w.Raw,
	}
	if len(w.Coordinates) == 2 {
		a.X, a.Y = clamp01(w.Coordinates[0]), clamp01(w.Coordinates[1])
	}
	return nil
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(math.Max(v, 0), 1)
}

func toScale(v float64) int {
	return int(math.Round(v * ScaleFactor))
}

func quote(s string) string {
	if strings.Contains(s, `"`) {
		return "'" + s + "'"
	}
	return `"` + s + `"`
}
