// Package prompt assembles the multimodal requests sent to the inference
// backend from a session's goal, instruction and recent screenshots.
package prompt

import (
	"bytes"
	"encoding/base64"
	"fmt"
)

// Variant selects the system instructions.
type Variant int

const (
	// Navigation exposes the full action vocabulary.
	Navigation Variant = iota
	// Grounding asks for the coordinates of a single element.
	Grounding
)

func (v Variant) String() string {
	if v == Grounding {
		return "grounding"
	}
	return "navigation"
}

// GroundingPrompt is the system prompt for locating one UI element.
const GroundingPrompt = `You are a GUI grounding agent. Given a screenshot and an instruction, identify the UI element and return its coordinates.

Output format:
<thinking>Your analysis of the screenshot</thinking>
<answer>click(x, y)</answer>

Where x and y are coordinates from 0 to 999, representing the position on screen.
`

// NavigationPrompt is the system prompt for step-by-step device control.
const NavigationPrompt = `You are a mobile GUI automation agent. Given a screenshot and task instruction, decide the next action.

Available actions:
- click(x, y): Tap at coordinates (0-999 scale)
- long_press(x, y): Long press at coordinates
- type(text): Input text
- swipe(direction): Swipe up/down/left/right
- back(): Press back button
- home(): Press home button
- wait(): Wait for page load
- terminate(): Task complete
- answer(text): Return answer to user

Output format:
<thinking>Your analysis and reasoning</thinking>
<tool_call>action_name(parameters)</tool_call>
`

// System returns the system prompt for the variant.
func (v Variant) System() string {
	if v == Grounding {
		return GroundingPrompt
	}
	return NavigationPrompt
}

// MIMEPNG is the media type of device screenshots.
const MIMEPNG = "image/png"

// Part is one element of the user content: text, or an inline image.
type Part struct {
	Text     string
	MIMEType string
	Data     []byte
}

// IsImage reports whether the part carries image data.
func (p Part) IsImage() bool { return p.MIMEType != "" }

// DataURL renders an image part as a data: URL.
func (p Part) DataURL() string {
	return fmt.Sprintf("data:%s;base64,%s", p.MIMEType, base64.StdEncoding.EncodeToString(p.Data))
}

// Request is a self-contained inference request. It owns copies of its
// image data.
type Request struct {
	Variant Variant
	System  string
	Parts   []Part
}

// Images counts the image parts.
func (r *Request) Images() int {
	n := 0
	for _, p := range r.Parts {
		if p.IsImage() {
			n++
		}
	}
	return n
}

// Input carries what Build needs from a session.
type Input struct {
	Goal        string
	Instruction string
	Current     []byte
	// History holds earlier screenshots in chronological order.
	History [][]byte
}

// Builder builds requests with a bounded history window.
type Builder struct {
	HistoryN int
}

// NewBuilder returns a Builder keeping at most historyN earlier screenshots.
func NewBuilder(historyN int) *Builder {
	if historyN < 0 {
		historyN = 0
	}
	return &Builder{HistoryN: historyN}
}

// Build assembles the request: instruction text, an optional history block
// and the current screenshot.
func (b *Builder) Build(in Input, variant Variant) *Request {
	req := &Request{Variant: variant, System: variant.System()}

	if in.Goal != "" {
		req.Parts = append(req.Parts, Part{Text: fmt.Sprintf("Task: %s\nCurrent instruction: %s", in.Goal, in.Instruction)})
	} else {
		req.Parts = append(req.Parts, Part{Text: in.Instruction})
	}

	history := in.History
	if b.HistoryN <= 0 {
		history = nil
	} else if len(history) > b.HistoryN {
		history = history[len(history)-b.HistoryN:]
	}
	if len(history) > 0 {
		req.Parts = append(req.Parts, Part{Text: fmt.Sprintf("\n[Previous %d screenshots for context]", len(history))})
		for _, img := range history {
			req.Parts = append(req.Parts, imagePart(img))
		}
	}

	req.Parts = append(req.Parts, Part{Text: "\n[Current screenshot]"}, imagePart(in.Current))
	return req
}

func imagePart(png []byte) Part {
	return Part{MIMEType: MIMEPNG, Data: bytes.Clone(png)}
}
