package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/droidpilot/internal/action"
	"github.com/ashureev/droidpilot/internal/device"
	"github.com/ashureev/droidpilot/internal/domain"
	"github.com/ashureev/droidpilot/internal/prompt"
)

const saveTimeout = 10 * time.Second

// loop drives one session to a terminal status. It is the only writer of
// r.session and the only goroutine broadcasting its events.
func (e *Engine) loop(r *run) {
	defer e.wg.Done()
	defer close(r.done)

	// Device and inference calls are bounded by their own timeouts and are
	// not interrupted by cancellation.
	ctx := context.Background()

	s := r.snapshot()
	logger := e.logger.With("task_id", s.ID)

	now := time.Now().UTC()
	r.update(func(s *domain.Session) {
		s.Status = domain.StatusRunning
		s.StartedAt = &now
	})
	e.emit(s.ID, domain.EventTaskStart, domain.TaskStartData{
		Goal:        s.Goal,
		Instruction: s.Prompt(),
		MaxSteps:    s.MaxSteps,
	})

	info, err := e.dev.Connect(ctx)
	if err != nil {
		e.fail(r, logger, FailureDeviceConnection, fmt.Errorf("connect device: %w", err), nil)
		return
	}
	r.update(func(s *domain.Session) { s.Device = &info })
	e.emit(s.ID, domain.EventDeviceConnected, domain.NewDeviceConnectedData(info))
	logger.Info("Device connected", "device", info.ID, "model", info.Model, "width", info.Width, "height", info.Height)

	exec := device.NewExecutor(e.dev, info, e.opts.Executor)

	for {
		if r.cancelled() {
			e.finish(r, logger, domain.StatusCancelled, domain.EndCancelled)
			return
		}

		var (
			idx     int
			history [][]byte
		)
		r.mu.RLock()
		idx = len(r.session.Steps)
		history = r.session.RecentScreenshots(e.builder.HistoryN)
		r.mu.RUnlock()

		if idx >= s.MaxSteps {
			logger.Info("Step cap reached", "max_steps", s.MaxSteps)
			e.finish(r, logger, domain.StatusCompleted, domain.EndStepCap)
			return
		}

		shot, err := e.dev.CaptureScreen(ctx)
		if err != nil {
			e.fail(r, logger, FailureCapture, fmt.Errorf("capture screen: %w", err), &idx)
			return
		}
		e.emit(s.ID, domain.EventScreenshot, domain.ScreenshotData{Step: idx, Image: domain.PNGImage(shot)})

		req := e.builder.Build(prompt.Input{
			Goal:        s.Goal,
			Instruction: s.Prompt(),
			Current:     shot,
			History:     history,
		}, prompt.Navigation)

		started := time.Now()
		raw, err := e.model.Infer(ctx, req)
		if err != nil {
			err = fmt.Errorf("inference: %w", err)
			step := e.record(r, domain.Step{
				Screenshot: shot,
				Action:     action.Error(err.Error()),
				Timestamp:  time.Now().UTC(),
			})
			e.emit(s.ID, domain.EventStep, domain.NewStepData(step))
			e.fail(r, logger, FailureInference, err, &idx)
			return
		}

		parsed := action.Parse(raw)
		step := e.record(r, domain.Step{
			Screenshot:  shot,
			RawResponse: raw,
			Action:      parsed.Action,
			Rationale:   parsed.Rationale,
			Timestamp:   time.Now().UTC(),
		})
		e.emit(s.ID, domain.EventStep, domain.NewStepData(step))
		logger.Debug("Step recorded", "step", step.Index, "action", step.Action.String(), "latency", time.Since(started))

		a := parsed.Action
		switch a.Kind {
		case action.KindTerminate:
			e.emit(s.ID, domain.EventTaskComplete, domain.MessageData{Message: "Task completed"})
			e.finish(r, logger, domain.StatusCompleted, domain.EndTerminated)
			return
		case action.KindAnswer:
			r.update(func(s *domain.Session) { s.Answer = a.Text })
			e.emit(s.ID, domain.EventAnswer, domain.AnswerData{Text: a.Text})
			e.finish(r, logger, domain.StatusAnswered, domain.EndAnswered)
			return
		case action.KindError:
			e.fail(r, logger, FailureInference, fmt.Errorf("model error: %s", a.Message), &idx)
			return
		}

		if err := exec.Execute(ctx, a); err != nil {
			logger.Warn("Action execution failed", "step", idx, "action", a.String(), "error", err)
			r.update(func(s *domain.Session) {
				s.Warnings = append(s.Warnings, domain.Warning{Step: idx, Message: err.Error()})
			})
			e.emit(s.ID, domain.EventWarning, domain.ErrorData{
				Kind:    string(FailureActionExecution),
				Message: err.Error(),
				Step:    &idx,
			})
		}

		delay := e.opts.SettleDelay
		if a.Kind == action.KindWait {
			delay += e.opts.WaitDelay
		}
		// A cancelled sleep falls through to the check at the top.
		r.sleep(delay)
	}
}

func (e *Engine) record(r *run, st domain.Step) domain.Step {
	var out domain.Step
	r.update(func(s *domain.Session) {
		s.AppendStep(st)
		out = s.Steps[len(s.Steps)-1]
	})
	return out
}

func (e *Engine) emit(taskID string, typ domain.EventType, data any) {
	if e.events == nil {
		return
	}
	e.events.Broadcast(domain.Event{Type: typ, TaskID: taskID, Time: time.Now().UTC(), Data: data})
}

// fail records a fatal error, emits the error event and ends the session.
func (e *Engine) fail(r *run, logger *slog.Logger, kind FailureKind, err error, step *int) {
	logger.Error("Session failed", "kind", kind, "error", err)
	r.update(func(s *domain.Session) { s.LastError = err.Error() })
	e.emit(r.snapshot().ID, domain.EventError, domain.ErrorData{Kind: string(kind), Message: err.Error(), Step: step})
	e.finish(r, logger, domain.StatusErrored, domain.EndError)
}

// finish moves the session to its terminal status, stores its result and
// emits task_end, always the session's last event.
func (e *Engine) finish(r *run, logger *slog.Logger, status domain.Status, reason domain.EndReason) {
	now := time.Now().UTC()
	r.update(func(s *domain.Session) {
		s.Status = status
		s.EndReason = reason
		s.EndedAt = &now
	})
	snap := r.snapshot()
	result := domain.NewResult(snap)
	r.update(func(s *domain.Session) { s.ReleaseScreenshots() })

	e.mu.Lock()
	e.results = append(e.results, result)
	if over := len(e.results) - e.opts.RetainSessions; over > 0 {
		e.results = append([]domain.Result(nil), e.results[over:]...)
	}
	e.mu.Unlock()

	if e.opts.Saver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		if err := e.opts.Saver.SaveResult(ctx, result); err != nil {
			logger.Error("Failed to save session result", "error", err)
		}
		cancel()
	}

	e.emit(snap.ID, domain.EventTaskEnd, domain.TaskEndData{
		Status:     status,
		Reason:     reason,
		TotalSteps: len(snap.Steps),
	})
	logger.Info("Session finished", "status", status, "reason", reason, "steps", len(snap.Steps))
}
