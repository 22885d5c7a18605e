package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/droidpilot/internal/config"
	"github.com/ashureev/droidpilot/internal/domain"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

func TestPrintEventsDrainsAfterDone(t *testing.T) {
	t.Parallel()
	events := make(chan domain.Event, 4)
	events <- domain.Event{Type: domain.EventTaskStart, TaskID: "t1", Seq: 1}
	events <- domain.Event{Type: domain.EventScreenshot, TaskID: "t1", Seq: 2, Data: domain.ScreenshotData{Step: 0, Image: domain.PNGImage([]byte("png"))}}
	events <- domain.Event{Type: domain.EventTaskEnd, TaskID: "t1", Seq: 3}
	done := make(chan struct{})
	close(done)

	var buf bytes.Buffer
	require.NoError(t, printEvents(context.Background(), events, done, &buf, func() { t.Fatal("unexpected cancel") }))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 3)
	assert.Equal(t, "task_start", lines[0]["type"])
	assert.Equal(t, map[string]any{"step": 0.0, "format": "png"}, lines[1]["data"])
	assert.Equal(t, "task_end", lines[2]["type"])
}

func TestPrintEventsCancelsOnContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events := make(chan domain.Event, 1)
	done := make(chan struct{})
	cancelled := 0
	stop := func() {
		cancelled++
		events <- domain.Event{Type: domain.EventTaskEnd, TaskID: "t1"}
		close(done)
	}

	var buf bytes.Buffer
	require.NoError(t, printEvents(ctx, events, done, &buf, stop))
	assert.Equal(t, 1, cancelled)
	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "task_end", lines[0]["type"])
}

func TestAllowedOrigins(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"*"}, allowedOrigins(&config.Config{}))
	assert.Equal(t, []string{"https://pilot.example.com"}, allowedOrigins(&config.Config{FrontendURL: "https://pilot.example.com"}))
}

func TestRootCommandTree(t *testing.T) {
	t.Parallel()
	root := newRootCmd()
	for _, name := range []string{"serve", "run", "ground"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
	run, _, err := root.Find([]string{"run"})
	require.NoError(t, err)
	assert.NotNil(t, run.Flags().Lookup("max-steps"))
	assert.NotNil(t, run.Flags().Lookup("goal"))
}
