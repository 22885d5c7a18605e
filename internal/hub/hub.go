// Package hub fans session events out to any number of observers without
// letting a slow or broken observer stall the session loop.
package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/droidpilot/internal/domain"
)

// ErrSinkClosed is returned by sinks that no longer accept events.
var ErrSinkClosed = errors.New("sink closed")

// Sink receives events. Send must not block; a sink that cannot keep up
// drops its own events. A non-nil error unsubscribes the sink.
type Sink interface {
	Send(evt domain.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(evt domain.Event) error

// Send calls f.
func (f SinkFunc) Send(evt domain.Event) error { return f(evt) }

// Handle identifies a subscription.
type Handle uint64

// Hub is the subscriber registry. It does no buffering or retry.
type Hub struct {
	mu     sync.RWMutex
	subs   map[Handle]Sink
	nextID Handle
	seq    int64
	logger *slog.Logger
}

// New creates an empty hub.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[Handle]Sink),
		logger: logger.With("component", "hub"),
	}
}

// Subscribe registers a sink. It receives only events broadcast afterwards.
func (h *Hub) Subscribe(s Sink) Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.subs[h.nextID] = s
	return h.nextID
}

// Unsubscribe removes a subscription. It reports whether the handle was
// registered.
func (h *Hub) Unsubscribe(id Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.subs[id]
	delete(h.subs, id)
	return ok
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast stamps the event with a sequence number and delivers it to every
// current subscriber. Sinks that fail or panic are pruned; delivery to the
// rest continues. The stamped event is returned.
func (h *Hub) Broadcast(evt domain.Event) domain.Event {
	h.mu.Lock()
	h.seq++
	evt.Seq = h.seq
	// Snapshot subscribers so no lock is held while sinks run.
	type entry struct {
		id   Handle
		sink Sink
	}
	subs := make([]entry, 0, len(h.subs))
	for id, s := range h.subs {
		subs = append(subs, entry{id, s})
	}
	h.mu.Unlock()

	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}

	var failed []Handle
	for _, e := range subs {
		if err := deliver(e.sink, evt); err != nil {
			h.logger.Debug("pruning subscriber", "handle", e.id, "event", evt.Type, "error", err)
			failed = append(failed, e.id)
		}
	}

	if len(failed) > 0 {
		h.mu.Lock()
		for _, id := range failed {
			delete(h.subs, id)
		}
		h.mu.Unlock()
	}
	return evt
}

func deliver(s Sink, evt domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return s.Send(evt)
}
