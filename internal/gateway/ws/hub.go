// Package ws bridges the event bus to WebSocket clients and accepts task
// commands over the same connection.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/events"
)

// TaskHandler executes task commands arriving over WebSocket. The gateway
// wires the engine in behind this interface.
type TaskHandler interface {
	Submit(params json.RawMessage) (any, error)
	Get(taskID string) (any, error)
	List(status, recipient string) (any, error)
	Cancel(taskID, reason string) (any, error)
	Retry(taskID string) (any, error)
}

// Client represents a connected WebSocket client.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub manages WebSocket clients and bridges them to the event bus.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*Client]struct{}
	bus         *events.Bus
	tasks       TaskHandler
	unsubscribe func()
}

// NewHub creates a new WebSocket hub connected to an event bus.
func NewHub(bus *events.Bus, tasks TaskHandler) *Hub {
	h := &Hub{
		clients: make(map[*Client]struct{}),
		bus:     bus,
		tasks:   tasks,
	}

	// Subscribe to all events and bridge to WS clients
	h.unsubscribe = bus.Subscribe(func(e events.Event) {
		frame, err := NewEventFrame(string(e.Type), e.TaskID, e)
		if err != nil {
			slog.Error("marshal event frame", "error", err)
			return
		}
		data, err := MarshalFrame(frame)
		if err != nil {
			slog.Error("marshal frame", "error", err)
			return
		}
		h.broadcast(data)
	})

	return h
}

// broadcast sends data to all connected clients.
func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	slog.Info("ws client connected", "clients", len(h.clients))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		slog.Info("ws client disconnected", "clients", len(h.clients))
	}
}

// ServeWS handles a WebSocket upgrade and manages the client lifecycle.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow any origin for dev
	})
	if err != nil {
		slog.Error("ws accept", "error", err)
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}

	h.register(client)

	ctx := r.Context()
	go client.writePump(ctx)
	client.readPump(ctx)
}

// readPump reads frames from the WS connection and dispatches them.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("ws read closed", "status", websocket.CloseStatus(err))
			} else {
				slog.Debug("ws read error", "error", err)
			}
			return
		}

		frame, err := UnmarshalFrame(data)
		if err != nil {
			slog.Error("ws unmarshal frame", "error", err)
			continue
		}

		if frame.Type == FrameTypeRequest {
			c.handleRequest(frame)
		} else {
			slog.Debug("ws unknown frame type", "type", frame.Type)
		}
	}
}

// handleRequest processes a request frame (method dispatch).
func (c *Client) handleRequest(frame Frame) {
	if c.hub.tasks == nil {
		c.sendError(frame.ID, "task system not available")
		return
	}

	var idParams struct {
		TaskID    string `json:"task_id"`
		Reason    string `json:"reason"`
		Status    string `json:"status"`
		Recipient string `json:"recipient"`
	}
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &idParams); err != nil {
			c.sendError(frame.ID, "invalid params")
			return
		}
	}

	var (
		result any
		err    error
	)
	switch Method(frame.Method) {
	case MethodSubmitTask:
		result, err = c.hub.tasks.Submit(frame.Params)
	case MethodGetTask:
		result, err = c.hub.tasks.Get(idParams.TaskID)
	case MethodListTasks:
		result, err = c.hub.tasks.List(idParams.Status, idParams.Recipient)
	case MethodCancelTask:
		result, err = c.hub.tasks.Cancel(idParams.TaskID, idParams.Reason)
	case MethodRetryTask:
		result, err = c.hub.tasks.Retry(idParams.TaskID)
	default:
		c.sendError(frame.ID, "unknown method: "+frame.Method)
		return
	}

	if err != nil {
		c.sendError(frame.ID, err.Error())
		return
	}
	c.sendOK(frame.ID, result)
}

// writePump writes queued messages to the WS connection.
func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) sendOK(id string, payload any) {
	f, err := NewResponseFrame(id, true, payload, "")
	if err != nil {
		return
	}
	data, err := MarshalFrame(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) sendError(id string, errMsg string) {
	f, err := NewResponseFrame(id, false, nil, errMsg)
	if err != nil {
		return
	}
	data, err := MarshalFrame(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// Close shuts down the hub and all client connections.
func (h *Hub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		delete(h.clients, c)
	}
}
