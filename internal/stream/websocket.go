package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/droidpilot/internal/domain"
	"github.com/ashureev/droidpilot/internal/hub"
)

const writeTimeout = 10 * time.Second

// Controller is the part of the engine observers may drive.
type Controller interface {
	Start(goal, instruction string, maxSteps int) (string, error)
	Cancel(id string) error
	Current() (domain.Session, bool)
}

// Subscriber registers hub sinks. *hub.Hub implements it.
type Subscriber interface {
	Subscribe(s hub.Sink) hub.Handle
	Unsubscribe(id hub.Handle) bool
}

// WebSocketHandler streams session events to WebSocket clients and accepts
// execute, cancel and ping messages.
type WebSocketHandler struct {
	ctrl          Controller
	events        Subscriber
	allowedOrigin string
	isDev         bool
	queueSize     int
	logger        *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(ctrl Controller, events Subscriber, allowedOrigin string, isDev bool, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		ctrl:          ctrl,
		events:        events,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		queueSize:     DefaultQueueSize,
		logger:        logger.With("component", "ws"),
	}
}

// clientMessage is a message sent by a WebSocket client.
type clientMessage struct {
	Type        string `json:"type"`
	Goal        string `json:"goal,omitempty"`
	Instruction string `json:"instruction,omitempty"`
	MaxSteps    int    `json:"max_steps,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
}

// reply is a direct answer to one client message.
type reply struct {
	Type    string `json:"type"`
	TaskID  string `json:"task_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "observer closed"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	out := NewOutbox(h.queueSize, h.logger)
	handle := h.events.Subscribe(out)
	defer h.events.Unsubscribe(handle)
	defer out.Close()

	h.logger.Info("Observer connected", "ip", r.RemoteAddr, "handle", handle)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, ws)
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		h.outputLoop(ctx, ws, out)
	}()

	wg.Wait()
	h.logger.Info("Observer disconnected", "handle", handle, "dropped", out.Dropped())
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) inputLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("WebSocket closed by client")
			} else {
				h.logger.Warn("WebSocket read error", "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.send(ctx, ws, reply{Type: "error", Message: "invalid message"})
			continue
		}

		switch msg.Type {
		case "execute":
			h.execute(ctx, ws, msg)
		case "cancel":
			h.cancel(ctx, ws, msg)
		case "ping":
			h.send(ctx, ws, reply{Type: "pong"})
		default:
			h.send(ctx, ws, reply{Type: "error", Message: "unknown message type"})
		}
	}
}

func (h *WebSocketHandler) execute(ctx context.Context, ws *websocket.Conn, msg clientMessage) {
	goal := msg.Goal
	if goal == "" {
		goal = msg.Instruction
	}
	if goal == "" {
		h.send(ctx, ws, reply{Type: "error", Message: "No instruction provided"})
		return
	}
	id, err := h.ctrl.Start(goal, msg.Instruction, msg.MaxSteps)
	if err != nil {
		h.send(ctx, ws, reply{Type: "error", Message: err.Error()})
		return
	}
	h.send(ctx, ws, reply{Type: "started", TaskID: id})
}

func (h *WebSocketHandler) cancel(ctx context.Context, ws *websocket.Conn, msg clientMessage) {
	id := msg.TaskID
	if id == "" {
		cur, ok := h.ctrl.Current()
		if !ok {
			h.send(ctx, ws, reply{Type: "error", Message: "no session is running"})
			return
		}
		id = cur.ID
	}
	if err := h.ctrl.Cancel(id); err != nil {
		h.send(ctx, ws, reply{Type: "error", TaskID: id, Message: err.Error()})
		return
	}
	h.send(ctx, ws, reply{Type: "cancelling", TaskID: id})
}

func (h *WebSocketHandler) outputLoop(ctx context.Context, ws *websocket.Conn, out *Outbox) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-out.Events():
			if !ok {
				return
			}
			if err := h.writeJSON(ctx, ws, evt); err != nil {
				if ctx.Err() == nil {
					h.logger.Debug("WebSocket write error", "error", err)
				}
				return
			}
		}
	}
}

func (h *WebSocketHandler) send(ctx context.Context, ws *websocket.Conn, v reply) {
	if err := h.writeJSON(ctx, ws, v); err != nil {
		h.logger.Debug("Failed to send reply", "type", v.Type, "error", err)
	}
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
