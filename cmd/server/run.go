package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashureev/droidpilot/internal/config"
	"github.com/ashureev/droidpilot/internal/domain"
	"github.com/ashureev/droidpilot/internal/hub"
)

const runQueueSize = 4096

// errSessionFailed is returned by run when the session ends in error.
var errSessionFailed = errors.New("session failed")

func newRunCmd(cfg func() *config.Config) *cobra.Command {
	var (
		goal     string
		maxSteps int
	)
	cmd := &cobra.Command{
		Use:   "run [instruction]",
		Short: "Run one session headless and print its events as JSON lines",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			instruction := strings.Join(args, " ")
			if goal == "" {
				goal = instruction
			}
			return runHeadless(cmd.Context(), cfg(), goal, instruction, maxSteps, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&goal, "goal", "g", "", "session goal (defaults to the instruction)")
	cmd.Flags().IntVarP(&maxSteps, "max-steps", "n", 0, "step cap (defaults to MAX_STEPS)")
	return cmd
}

func runHeadless(ctx context.Context, cfg *config.Config, goal, instruction string, maxSteps int, out io.Writer) error {
	a, err := newApp(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		if err := a.shutdown(); err != nil {
			slog.Error("Shutdown incomplete", "error", err)
		}
	}()

	sink := hub.NewChannelSink(runQueueSize)
	handle := a.hub.Subscribe(sink)
	defer a.hub.Unsubscribe(handle)

	id, err := a.engine.Start(goal, instruction, maxSteps)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	done, err := a.engine.Done(id)
	if err != nil {
		return err
	}

	if err := printEvents(ctx, sink.Events(), done, out, func() { _ = a.engine.Cancel(id) }); err != nil {
		return err
	}

	s, err := a.engine.Status(id)
	if err != nil {
		return err
	}
	if s.Status == domain.StatusErrored {
		return fmt.Errorf("%w: %s", errSessionFailed, s.LastError)
	}
	return nil
}

// printEvents writes events as JSON lines until done is closed. Screenshot
// image bytes are omitted. cancel is called once if ctx ends first; printing
// continues until the session exits.
func printEvents(ctx context.Context, events <-chan domain.Event, done <-chan struct{}, out io.Writer, cancel func()) error {
	enc := json.NewEncoder(out)
	write := func(evt domain.Event) error {
		if shot, ok := evt.Data.(domain.ScreenshotData); ok {
			evt.Data = map[string]any{"step": shot.Step, "format": shot.Image.Format}
		}
		if err := enc.Encode(evt); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
		return nil
	}

	ctxDone := ctx.Done()
	for {
		select {
		case evt := <-events:
			if err := write(evt); err != nil {
				return err
			}
		case <-ctxDone:
			cancel()
			ctxDone = nil
		case <-done:
			// Events are delivered synchronously, so everything is queued.
			for {
				select {
				case evt := <-events:
					if err := write(evt); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		}
	}
}

func newGroundCmd(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "ground <instruction>",
		Short: "Locate an instruction's target on the current screen",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg(), slog.Default())
			if err != nil {
				return err
			}
			defer func() {
				if err := a.shutdown(); err != nil {
					slog.Error("Shutdown incomplete", "error", err)
				}
			}()

			g, err := a.engine.Ground(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
				"instruction":  g.Instruction,
				"coordinates":  g.Coordinates(),
				"raw_response": g.RawResponse,
			})
		},
	}
}
