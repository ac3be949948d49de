package transport

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocx/vecgate/internal/vector"
)

const wsWriteWait = 5 * time.Second

type wsClient struct {
	conn    *websocket.Conn
	agentID string
	writeMu sync.Mutex
}

func (c *wsClient) write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WebSocketTransport pushes messages to receivers connected over WebSocket.
// Receivers connect to HandleWebSocket with ?agent_id=<receiver>.
type WebSocketTransport struct {
	mu       sync.RWMutex
	clients  map[string]map[*wsClient]struct{}
	closed   bool
	upgrader websocket.Upgrader
	logger   *log.Logger
}

// NewWebSocketTransport creates an empty hub. checkOrigin may be nil to
// accept every origin.
func NewWebSocketTransport(checkOrigin func(r *http.Request) bool) *WebSocketTransport {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &WebSocketTransport{
		clients:  make(map[string]map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		logger:   log.New(log.Writer(), "[WS] ", log.LstdFlags),
	}
}

func (w *WebSocketTransport) Name() string { return "websocket" }

// HandleWebSocket upgrades the request and registers the receiver until the
// connection drops.
func (w *WebSocketTransport) HandleWebSocket(rw http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		http.Error(rw, "agent_id required", http.StatusBadRequest)
		return
	}

	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Printf("upgrade error: %v", err)
		return
	}
	c := &wsClient{conn: conn, agentID: agentID}

	if !w.register(c) {
		_ = conn.Close()
		return
	}

	go func() {
		defer w.unregister(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (w *WebSocketTransport) register(c *wsClient) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	set, ok := w.clients[c.agentID]
	if !ok {
		set = make(map[*wsClient]struct{})
		w.clients[c.agentID] = set
	}
	set[c] = struct{}{}
	w.logger.Printf("receiver %s connected (%d sockets)", c.agentID, len(set))
	return true
}

func (w *WebSocketTransport) unregister(c *wsClient) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if set, ok := w.clients[c.agentID]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			_ = c.conn.Close()
		}
		if len(set) == 0 {
			delete(w.clients, c.agentID)
		}
	}
}

// Connected reports how many sockets are open for agentID.
func (w *WebSocketTransport) Connected(agentID string) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.clients[agentID])
}

// Send writes the message to every socket of the receiver. It succeeds when
// at least one write succeeds; failed sockets are dropped.
func (w *WebSocketTransport) Send(ctx context.Context, m *vector.Message) error {
	data, err := wire(m)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", m.MessageID, err)
	}

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*wsClient, 0, len(w.clients[m.ReceiverID]))
	for c := range w.clients[m.ReceiverID] {
		targets = append(targets, c)
	}
	w.mu.RUnlock()

	if len(targets) == 0 {
		return fmt.Errorf("%w: %s", ErrNoReceiver, m.ReceiverID)
	}

	var lastErr error
	delivered := 0
	for _, c := range targets {
		if err := c.write(ctx, data); err != nil {
			lastErr = err
			w.logger.Printf("write to %s failed: %v", c.agentID, err)
			w.unregister(c)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return fmt.Errorf("websocket send %s: %w", m.MessageID, lastErr)
	}
	return nil
}

// Close disconnects every receiver.
func (w *WebSocketTransport) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	for id, set := range w.clients {
		for c := range set {
			_ = c.conn.Close()
		}
		delete(w.clients, id)
	}
	return nil
}
