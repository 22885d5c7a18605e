// Package device drives an Android device over adb: screen capture, touch
// and key input, and app control.
package device

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/droidpilot/internal/domain"
)

// Key is an Android key event code.
type Key int

const (
	KeyHome  Key = 3
	KeyBack  Key = 4
	KeyEnter Key = 66
)

var (
	// ErrNoDevice is returned when adb lists no attached device.
	ErrNoDevice = errors.New("no android device attached")
	// ErrInvalidScreenshot is returned when the captured bytes are not a PNG image.
	ErrInvalidScreenshot = errors.New("screenshot is not a valid png")
)

// Device is the capability set the session engine consumes. Every call may
// fail independently.
type Device interface {
	Connect(ctx context.Context) (domain.DeviceInfo, error)
	CaptureScreen(ctx context.Context) ([]byte, error)
	Tap(ctx context.Context, x, y int) error
	Swipe(ctx context.Context, x1, y1, x2, y2 int, duration time.Duration) error
	TypeASCII(ctx context.Context, text string) error
	TypeUnicode(ctx context.Context, text string) error
	PressKey(ctx context.Context, key Key) error
	StartApp(ctx context.Context, pkg, activity string) error
	StopApp(ctx context.Context, pkg string) error
}

// Ensure ADB implements Device.
var _ Device = (*ADB)(nil)
