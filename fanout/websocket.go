package fanout

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Envelope wraps every message written to a WebSocket client.
type Envelope struct {
	Type      string          `json:"type"`              // "data"
	ID        string          `json:"id"`                // unique per handler
	Timestamp int64           `json:"timestamp"`         // Unix milliseconds
	Payload   json.RawMessage `json:"payload,omitempty"` // published message
}

// WebSocketConfig tunes the handler.
type WebSocketConfig struct {
	Topic        string
	Buffer       int
	WriteTimeout time.Duration
	PingInterval time.Duration
	// PongWait is how long a client may stay silent before it is dropped.
	PongWait time.Duration
}

// DefaultWebSocketConfig streams TopicRunsCompleted.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Topic:        TopicRunsCompleted,
		Buffer:       DefaultBuffer,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
	}
}

// WebSocketHandler upgrades requests and streams one hub topic to each
// client. A client that cannot keep up loses messages, it does not slow
// down anyone else.
type WebSocketHandler struct {
	hub      *Hub
	cfg      WebSocketConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger

	counter atomic.Uint64
	clients sync.WaitGroup
	active  atomic.Int64
}

// NewWebSocketHandler serves cfg.Topic from hub.
func NewWebSocketHandler(hub *Hub, cfg WebSocketConfig, logger *slog.Logger) *WebSocketHandler {
	def := DefaultWebSocketConfig()
	if cfg.Topic == "" {
		cfg.Topic = def.Topic
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = 2 * cfg.PingInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		hub: hub,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger.With("component", "websocket"),
	}
}

// Clients returns the number of connected clients.
func (h *WebSocketHandler) Clients() int64 { return h.active.Load() }

// Wait blocks until every client goroutine has exited.
func (h *WebSocketHandler) Wait() { h.clients.Wait() }

func (h *WebSocketHandler) nextID() string {
	return fmt.Sprintf("msg-%d-%d", time.Now().UnixMilli(), h.counter.Add(1))
}

// ServeHTTP implements http.Handler.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	sub := h.hub.Subscribe(h.cfg.Topic, h.cfg.Buffer)
	h.active.Add(1)
	h.logger.Debug("websocket client connected", "remote", r.RemoteAddr)

	closed := make(chan struct{})
	h.clients.Add(2)
	go h.readLoop(conn, closed)
	go h.writeLoop(conn, sub, closed, r.RemoteAddr)
}

// readLoop only services control frames; client payloads are ignored.
func (h *WebSocketHandler) readLoop(conn *websocket.Conn, closed chan struct{}) {
	defer h.clients.Done()
	defer close(closed)

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	}
}

func (h *WebSocketHandler) writeLoop(conn *websocket.Conn, sub *Subscription, closed <-chan struct{}, remote string) {
	defer h.clients.Done()
	defer func() {
		sub.Close()
		_ = conn.Close()
		h.active.Add(-1)
		h.logger.Debug("websocket client disconnected", "remote", remote, "dropped", sub.Dropped())
	}()

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case payload, ok := <-sub.C():
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			data, err := json.Marshal(Envelope{
				Type:      "data",
				ID:        h.nextID(),
				Timestamp: time.Now().UnixMilli(),
				Payload:   payload,
			})
			if err != nil {
				h.logger.Warn("dropping unencodable payload", "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
