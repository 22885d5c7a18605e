// Package stream delivers session events to remote observers over
// WebSocket and server-sent events.
package stream

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ashureev/droidpilot/internal/domain"
	"github.com/ashureev/droidpilot/internal/hub"
)

// DefaultQueueSize bounds the events buffered for one observer.
const DefaultQueueSize = 64

// Outbox is a hub sink feeding one connection's writer goroutine. When the
// connection falls behind, the oldest queued event is dropped so observers
// always see the most recent state.
type Outbox struct {
	mu      sync.Mutex
	queue   chan domain.Event
	closed  bool
	dropped atomic.Int64
	logger  *slog.Logger
}

var _ hub.Sink = (*Outbox)(nil)

// NewOutbox creates an outbox holding at most size events.
func NewOutbox(size int, logger *slog.Logger) *Outbox {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{queue: make(chan domain.Event, size), logger: logger}
}

// Send implements hub.Sink. It never blocks.
func (o *Outbox) Send(evt domain.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return hub.ErrSinkClosed
	}

	select {
	case o.queue <- evt:
		return nil
	default:
	}

	// Queue full: remove the oldest event to make room. Only this method
	// adds to the queue and it holds the lock, so the retry succeeds.
	select {
	case <-o.queue:
		n := o.dropped.Add(1)
		o.logger.Debug("observer queue full, dropped oldest event", "dropped_total", n)
	default:
	}
	select {
	case o.queue <- evt:
	default:
		o.dropped.Add(1)
	}
	return nil
}

// Events returns the queue the writer drains. It is closed by Close.
func (o *Outbox) Events() <-chan domain.Event { return o.queue }

// Dropped returns how many events were discarded.
func (o *Outbox) Dropped() int64 { return o.dropped.Load() }

// Len returns the number of queued events.
func (o *Outbox) Len() int { return len(o.queue) }

// Close stops accepting events and closes the queue.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
}
