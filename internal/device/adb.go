package device

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/png" // register the PNG decoder for screenshot validation
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ashureev/droidpilot/internal/domain"
)

// Default screen geometry when wm size cannot be read.
const (
	DefaultWidth  = 1080
	DefaultHeight = 2400
)

// ADBOptions configures an ADB device.
type ADBOptions struct {
	// Serial pins a device; empty selects the first attached device.
	Serial string
	// Timeout bounds each adb invocation.
	Timeout time.Duration
	// ConnectRetries is how many times Connect retries before giving up.
	ConnectRetries int
	Logger         *slog.Logger
}

// ADB implements Device by shelling out to adb through a Runner.
type ADB struct {
	runner  Runner
	mu      sync.RWMutex
	serial  string
	timeout time.Duration
	retries int
	logger  *slog.Logger
}

// NewADB creates a device on top of runner.
func NewADB(runner Runner, opts ADBOptions) *ADB {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.ConnectRetries < 0 {
		opts.ConnectRetries = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ADB{
		runner:  runner,
		serial:  opts.Serial,
		timeout: opts.Timeout,
		retries: opts.ConnectRetries,
		logger:  opts.Logger.With("component", "adb"),
	}
}

func (a *ADB) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if serial := a.Serial(); serial != "" {
		args = append([]string{"-s", serial}, args...)
	}
	return a.runner.Run(ctx, args...)
}

// Serial returns the pinned or discovered device serial.
func (a *ADB) Serial() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.serial
}

func (a *ADB) shell(ctx context.Context, args ...string) error {
	_, err := a.run(ctx, append([]string{"shell"}, args...)...)
	return err
}

// Connect finds the device and reads its model and screen size. Listing
// devices is retried with exponential backoff.
func (a *ADB) Connect(ctx context.Context) (domain.DeviceInfo, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		serial, err := a.findDevice(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			a.logger.Warn("device not ready", "attempt", attempt, "error", err)
			return err
		}
		a.mu.Lock()
		a.serial = serial
		a.mu.Unlock()
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(a.retries)), ctx))
	if err != nil {
		return domain.DeviceInfo{}, fmt.Errorf("connect device: %w", err)
	}

	info := domain.DeviceInfo{ID: a.Serial(), Width: DefaultWidth, Height: DefaultHeight}
	if out, err := a.run(ctx, "shell", "wm", "size"); err != nil {
		a.logger.Warn("failed to read screen size, using default", "error", err)
	} else if w, h, ok := parseScreenSize(string(out)); ok {
		info.Width, info.Height = w, h
	}
	if out, err := a.run(ctx, "shell", "getprop", "ro.product.model"); err != nil {
		a.logger.Warn("failed to read device model", "error", err)
	} else {
		info.Model = strings.TrimSpace(string(out))
	}

	a.logger.Info("Device connected", "serial", info.ID, "model", info.Model, "width", info.Width, "height", info.Height)
	return info, nil
}

func (a *ADB) findDevice(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	out, err := a.runner.Run(ctx, "devices")
	if err != nil {
		return "", err
	}
	serials := parseDevices(string(out))
	want := a.Serial()
	if want == "" {
		if len(serials) == 0 {
			return "", ErrNoDevice
		}
		return serials[0], nil
	}
	for _, s := range serials {
		if s == want {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoDevice, want)
}

// CaptureScreen returns the current screen as PNG bytes.
func (a *ADB) CaptureScreen(ctx context.Context) ([]byte, error) {
	out, err := a.run(ctx, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, fmt.Errorf("capture screen: %w", err)
	}
	if _, format, err := image.DecodeConfig(bytes.NewReader(out)); err != nil || format != "png" {
		return nil, fmt.Errorf("capture screen: %w (%d bytes)", ErrInvalidScreenshot, len(out))
	}
	return out, nil
}

// Tap taps at absolute pixel coordinates.
func (a *ADB) Tap(ctx context.Context, x, y int) error {
	if err := a.shell(ctx, "input", "tap", strconv.Itoa(x), strconv.Itoa(y)); err != nil {
		return fmt.Errorf("tap (%d,%d): %w", x, y, err)
	}
	return nil
}

// Swipe drags between two absolute points.
func (a *ADB) Swipe(ctx context.Context, x1, y1, x2, y2 int, duration time.Duration) error {
	err := a.shell(ctx, "input", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1), strconv.Itoa(x2), strconv.Itoa(y2),
		strconv.FormatInt(duration.Milliseconds(), 10))
	if err != nil {
		return fmt.Errorf("swipe (%d,%d)->(%d,%d): %w", x1, y1, x2, y2, err)
	}
	return nil
}

// TypeASCII enters 7-bit text with the input text command.
func (a *ADB) TypeASCII(ctx context.Context, text string) error {
	if err := a.shell(ctx, "input", "text", EscapeInputText(text)); err != nil {
		return fmt.Errorf("type text: %w", err)
	}
	return nil
}

// TypeUnicode enters arbitrary text through the ADBKeyboard broadcast. The
// device shell re-parses the joined command line, so text is quoted.
func (a *ADB) TypeUnicode(ctx context.Context, text string) error {
	if err := a.shell(ctx, "am", "broadcast", "-a", "ADB_INPUT_TEXT", "--es", "msg", QuoteShellArg(text)); err != nil {
		return fmt.Errorf("type unicode text: %w", err)
	}
	return nil
}

// PressKey sends a key event.
func (a *ADB) PressKey(ctx context.Context, key Key) error {
	if err := a.shell(ctx, "input", "keyevent", strconv.Itoa(int(key))); err != nil {
		return fmt.Errorf("key event %d: %w", key, err)
	}
	return nil
}

// StartApp launches pkg/activity.
func (a *ADB) StartApp(ctx context.Context, pkg, activity string) error {
	if err := a.shell(ctx, "am", "start", "-n", pkg+"/"+activity); err != nil {
		return fmt.Errorf("start %s: %w", pkg, err)
	}
	return nil
}

// StopApp force-stops pkg.
func (a *ADB) StopApp(ctx context.Context, pkg string) error {
	if err := a.shell(ctx, "am", "force-stop", pkg); err != nil {
		return fmt.Errorf("stop %s: %w", pkg, err)
	}
	return nil
}

// parseDevices returns the serials in the "device" state from adb devices.
func parseDevices(out string) []string {
	var serials []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(strings.TrimSpace(line), "\t")
		if len(fields) == 2 && fields[1] == "device" {
			serials = append(serials, fields[0])
		}
	}
	return serials
}

// parseScreenSize reads wm size output. An override size wins over the
// physical one since input coordinates follow it.
func parseScreenSize(out string) (int, int, bool) {
	var w, h int
	found := false
	for _, line := range strings.Split(out, "\n") {
		label, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok || (label != "Physical size" && label != "Override size") {
			continue
		}
		ws, hs, ok := strings.Cut(strings.TrimSpace(value), "x")
		if !ok {
			continue
		}
		pw, errW := strconv.Atoi(ws)
		ph, errH := strconv.Atoi(hs)
		if errW != nil || errH != nil || pw <= 0 || ph <= 0 {
			continue
		}
		if !found || label == "Override size" {
			w, h, found = pw, ph, true
		}
	}
	return w, h, found
}

// inputTextSpecial are characters the device shell would interpret.
const inputTextSpecial = "\\\"'`$&|;<>()[]{}*?!~#"

// EscapeInputText encodes text for "input text": spaces become %s and shell
// metacharacters are backslash-escaped.
func EscapeInputText(text string) string {
	var b strings.Builder
	for _, r := range text {
		switch {
		case r == ' ':
			b.WriteString("%s")
		case strings.ContainsRune(inputTextSpecial, r):
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// QuoteShellArg single-quotes s for the device shell so it stays one
// literal word.
func QuoteShellArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// IsASCII reports whether every rune of s is 7-bit.
func IsASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}
