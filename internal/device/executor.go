package device

import (
	"context"
	"time"

	"github.com/ashureev/droidpilot/internal/action"
	"github.com/ashureev/droidpilot/internal/domain"
)

// Default gesture timings.
const (
	DefaultLongPressDuration = 1000 * time.Millisecond
	DefaultSwipeDuration     = 300 * time.Millisecond
)

// ExecutorOptions tunes gesture timings.
type ExecutorOptions struct {
	LongPressDuration time.Duration
	SwipeDuration     time.Duration
}

// Executor maps actions onto device calls for one screen geometry.
type Executor struct {
	dev       Device
	width     int
	height    int
	longPress time.Duration
	swipe     time.Duration
}

// NewExecutor returns an executor for the connected device.
func NewExecutor(dev Device, info domain.DeviceInfo, opts ExecutorOptions) *Executor {
	if info.Width <= 0 || info.Height <= 0 {
		info.Width, info.Height = DefaultWidth, DefaultHeight
	}
	if opts.LongPressDuration <= 0 {
		opts.LongPressDuration = DefaultLongPressDuration
	}
	if opts.SwipeDuration <= 0 {
		opts.SwipeDuration = DefaultSwipeDuration
	}
	return &Executor{
		dev:       dev,
		width:     info.Width,
		height:    info.Height,
		longPress: opts.LongPressDuration,
		swipe:     opts.SwipeDuration,
	}
}

// Execute performs a non-terminal action. Wait, unknown and terminal
// actions make no device call.
func (e *Executor) Execute(ctx context.Context, a action.Action) error {
	switch a.Kind {
	case action.KindClick:
		x, y := e.point(a)
		return e.dev.Tap(ctx, x, y)
	case action.KindLongPress:
		// Zero-distance swipe; adb has no dedicated long-press input.
		x, y := e.point(a)
		return e.dev.Swipe(ctx, x, y, x, y, e.longPress)
	case action.KindType:
		if IsASCII(a.Text) {
			return e.dev.TypeASCII(ctx, a.Text)
		}
		return e.dev.TypeUnicode(ctx, a.Text)
	case action.KindSwipe:
		x1, y1, x2, y2, ok := e.swipeVector(a.Direction)
		if !ok {
			return nil
		}
		return e.dev.Swipe(ctx, x1, y1, x2, y2, e.swipe)
	case action.KindBack:
		return e.dev.PressKey(ctx, KeyBack)
	case action.KindHome:
		return e.dev.PressKey(ctx, KeyHome)
	default:
		return nil
	}
}

func (e *Executor) point(a action.Action) (int, int) {
	return int(a.X * float64(e.width)), int(a.Y * float64(e.height))
}

// swipeVector returns a centered swipe travelling half the relevant screen
// dimension: a quarter on each side of center. Up moves the finger upward.
func (e *Executor) swipeVector(d action.Direction) (x1, y1, x2, y2 int, ok bool) {
	cx, cy := e.width/2, e.height/2
	dy, dx := e.height/4, e.width/4
	switch d {
	case action.DirectionUp:
		return cx, cy + dy, cx, cy - dy, true
	case action.DirectionDown:
		return cx, cy - dy, cx, cy + dy, true
	case action.DirectionLeft:
		return cx + dx, cy, cx - dx, cy, true
	case action.DirectionRight:
		return cx - dx, cy, cx + dx, cy, true
	}
	return 0, 0, 0, 0, false
}
