package device

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes one adb invocation and returns its stdout.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// ExecRunner runs a local adb binary.
type ExecRunner struct {
	Path string
}

// NewExecRunner returns a runner for the adb binary at path ("adb" when empty).
func NewExecRunner(path string) *ExecRunner {
	if path == "" {
		path = "adb"
	}
	return &ExecRunner{Path: path}
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.Path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return out, fmt.Errorf("adb %s: %w", args[0], ctx.Err())
		}
		return out, fmt.Errorf("adb %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}
