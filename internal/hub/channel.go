package hub

import (
	"sync"
	"sync/atomic"

	"github.com/ashureev/droidpilot/internal/domain"
)

// ChannelSink delivers events to a buffered channel. When the buffer is full
// the newest event is dropped.
type ChannelSink struct {
	mu      sync.Mutex
	ch      chan domain.Event
	closed  bool
	dropped atomic.Int64
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(size int) *ChannelSink {
	if size <= 0 {
		size = 1
	}
	return &ChannelSink{ch: make(chan domain.Event, size)}
}

// Send implements Sink.
func (c *ChannelSink) Send(evt domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSinkClosed
	}
	select {
	case c.ch <- evt:
	default:
		c.dropped.Add(1)
	}
	return nil
}

// Events returns the receive side of the sink.
func (c *ChannelSink) Events() <-chan domain.Event { return c.ch }

// Dropped returns how many events were discarded because the buffer was full.
func (c *ChannelSink) Dropped() int64 { return c.dropped.Load() }

// Close closes the channel. Later sends fail with ErrSinkClosed.
func (c *ChannelSink) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}
