// Package trajectory writes session events to per-session NDJSON files.
package trajectory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/droidpilot/internal/domain"
	"github.com/ashureev/droidpilot/internal/hub"
)

// DefaultQueueSize bounds events waiting to be written.
const DefaultQueueSize = 256

// Config configures the trajectory log.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Record is one line of a trajectory file.
type Record struct {
	Seq    int64            `json:"seq"`
	Time   time.Time        `json:"time"`
	Type   domain.EventType `json:"type"`
	TaskID string           `json:"task_id"`
	Data   any              `json:"data,omitempty"`
}

// screenshotRecord replaces screenshot payloads; image bytes stay out of
// the log.
type screenshotRecord struct {
	Step   int    `json:"step"`
	Format string `json:"format"`
}

// Logger is a hub sink that appends every session event to
// <dir>/<task_id>.ndjson from a single writer goroutine. Send never blocks;
// events are dropped when the queue is full.
type Logger struct {
	dir    string
	logger *slog.Logger

	mu     sync.Mutex
	queue  chan domain.Event
	closed bool

	done    chan struct{}
	dropped atomic.Int64
	files   map[string]*os.File
}

var _ hub.Sink = (*Logger)(nil)

// New creates the log directory and starts the writer.
func New(cfg Config, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("trajectory log dir is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create trajectory log dir: %w", err)
	}

	l := &Logger{
		dir:    cfg.Dir,
		logger: logger.With("component", "trajectory"),
		queue:  make(chan domain.Event, cfg.QueueSize),
		done:   make(chan struct{}),
		files:  make(map[string]*os.File),
	}
	go l.run()
	return l, nil
}

// Send implements hub.Sink.
func (l *Logger) Send(evt domain.Event) error {
	if evt.TaskID == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return hub.ErrSinkClosed
	}
	select {
	case l.queue <- evt:
	default:
		if l.dropped.Add(1) == 1 {
			l.logger.Warn("trajectory queue full, dropping events")
		}
	}
	return nil
}

// Dropped returns the number of events lost to a full queue.
func (l *Logger) Dropped() int64 { return l.dropped.Load() }

// Path returns the file a session's events are written to.
func (l *Logger) Path(taskID string) string {
	return filepath.Join(l.dir, sanitize(taskID)+".ndjson")
}

// Close flushes queued events and closes all files.
func (l *Logger) Close() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()
	<-l.done
	return nil
}

func (l *Logger) run() {
	defer close(l.done)
	for evt := range l.queue {
		if err := l.write(evt); err != nil {
			l.logger.Warn("failed to write trajectory record", "task_id", evt.TaskID, "error", err)
		}
		if evt.Type == domain.EventTaskEnd {
			l.closeFile(evt.TaskID)
		}
	}
	for id := range l.files {
		l.closeFile(id)
	}
}

func (l *Logger) write(evt domain.Event) error {
	f, err := l.file(evt.TaskID)
	if err != nil {
		return err
	}
	line, err := json.Marshal(toRecord(evt))
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

func (l *Logger) file(taskID string) (*os.File, error) {
	if f, ok := l.files[taskID]; ok {
		return f, nil
	}
	f, err := os.OpenFile(l.Path(taskID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open trajectory file: %w", err)
	}
	l.files[taskID] = f
	return f, nil
}

func (l *Logger) closeFile(taskID string) {
	f, ok := l.files[taskID]
	if !ok {
		return
	}
	delete(l.files, taskID)
	if err := f.Close(); err != nil {
		l.logger.Warn("failed to close trajectory file", "task_id", taskID, "error", err)
	}
}

func toRecord(evt domain.Event) Record {
	rec := Record{Seq: evt.Seq, Time: evt.Time, Type: evt.Type, TaskID: evt.TaskID, Data: evt.Data}
	if shot, ok := evt.Data.(domain.ScreenshotData); ok {
		rec.Data = screenshotRecord{Step: shot.Step, Format: shot.Image.Format}
	}
	return rec
}

// sanitize keeps task ids from escaping the log directory.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}
