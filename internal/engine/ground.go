package engine

import (
	"context"
	"fmt"

	"github.com/ashureev/droidpilot/internal/action"
	"github.com/ashureev/droidpilot/internal/prompt"
)

// Grounding is the answer to a one-shot grounding request.
type Grounding struct {
	Instruction string  `json:"instruction"`
	RawResponse string  `json:"raw_response"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	// Found is false when the model answer carried no coordinates.
	Found bool `json:"found"`
}

// Coordinates returns the normalized point, or nil when none was found.
func (g Grounding) Coordinates() []float64 {
	if !g.Found {
		return nil
	}
	return []float64{g.X, g.Y}
}

// Ground asks the model where on the current screen the instruction points.
// It captures one screenshot and never touches device input, so it may run
// next to an active session.
func (e *Engine) Ground(ctx context.Context, instruction string) (Grounding, error) {
	if instruction == "" {
		return Grounding{}, ErrEmptyInstruction
	}

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return Grounding{}, ErrClosed
	}

	shot, err := e.dev.CaptureScreen(ctx)
	if err != nil {
		return Grounding{}, fmt.Errorf("%s: capture screen: %w", FailureCapture, err)
	}

	req := e.builder.Build(prompt.Input{Instruction: instruction, Current: shot}, prompt.Grounding)
	raw, err := e.model.Infer(ctx, req)
	if err != nil {
		return Grounding{}, fmt.Errorf("%s: %w", FailureInference, err)
	}

	g := Grounding{Instruction: instruction, RawResponse: raw}
	g.X, g.Y, g.Found = action.ParseCoordinates(raw)
	e.logger.Info("Grounding answered", "instruction", instruction, "found", g.Found, "x", g.X, "y", g.Y)
	return g, nil
}
