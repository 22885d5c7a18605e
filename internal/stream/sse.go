package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// SSE defaults.
const (
	DefaultSSERetryDelay        = 5 * time.Second
	DefaultSSEKeepaliveInterval = 10 * time.Second
)

// SSEHandler streams session events as server-sent events. It is read-only;
// sessions are driven through the REST API or the WebSocket.
type SSEHandler struct {
	events            Subscriber
	retryDelay        time.Duration
	keepaliveInterval time.Duration
	queueSize         int
	logger            *slog.Logger
}

// NewSSEHandler creates an SSE handler. Zero durations select the defaults.
func NewSSEHandler(events Subscriber, retryDelay, keepaliveInterval time.Duration, logger *slog.Logger) *SSEHandler {
	if retryDelay <= 0 {
		retryDelay = DefaultSSERetryDelay
	}
	if keepaliveInterval <= 0 {
		keepaliveInterval = DefaultSSEKeepaliveInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEHandler{
		events:            events,
		retryDelay:        retryDelay,
		keepaliveInterval: keepaliveInterval,
		queueSize:         DefaultQueueSize,
		logger:            logger.With("component", "sse"),
	}
}

// ServeHTTP implements http.Handler.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Configure client retry behavior
	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.retryDelay.Milliseconds()); err != nil {
		h.logger.Warn("failed to write SSE retry header", "error", err)
		return
	}

	out := NewOutbox(h.queueSize, h.logger)
	handle := h.events.Subscribe(out)
	defer h.events.Unsubscribe(handle)
	defer out.Close()

	if err := writeSSE(w, "connected", `{"status":"connected"}`); err != nil {
		h.logger.Warn("failed to write SSE connected event", "error", err)
		return
	}
	flusher.Flush()
	h.logger.Info("SSE observer connected", "ip", r.RemoteAddr, "handle", handle)

	keepalive := time.NewTicker(h.keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("SSE observer disconnected", "handle", handle, "dropped", out.Dropped())
			return
		case evt, ok := <-out.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				h.logger.Error("failed to encode event", "type", evt.Type, "error", err)
				continue
			}
			if err := writeSSEWithID(w, evt.Seq, string(evt.Type), string(data)); err != nil {
				h.logger.Debug("failed to write SSE event", "error", err)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				h.logger.Debug("failed to write SSE keepalive ping", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
