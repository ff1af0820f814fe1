package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/contract-engine/internal/metrics"
	"github.com/atmx/contract-engine/internal/model"
	"github.com/atmx/contract-engine/internal/tradestate"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type       string               `json:"type"`
	UserID     string               `json:"user_id"`
	ContractID string               `json:"contract_id,omitempty"`
	Kind       model.Result         `json:"kind,omitempty"`
	Title      string               `json:"title,omitempty"`
	Message    string               `json:"message,omitempty"`
	Amount     string               `json:"amount,omitempty"`
	State      *tradestate.Snapshot `json:"state,omitempty"`
}

type envelope struct {
	userID string
	data   []byte
}

type client struct {
	conn   *websocket.Conn
	userID string
}

// WSHub manages WebSocket connections and routes messages to the clients
// of one user. A client connected without a user id receives every
// message (operator dashboards).
type WSHub struct {
	clients    map[*websocket.Conn]*client
	broadcast  chan envelope
	register   chan *client
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]*client),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *client),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop until ctx is done.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "user", c.userID, "total", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case env := <-h.broadcast:
			h.mu.Lock()
			for conn, c := range h.clients {
				if c.userID != "" && c.userID != env.userID {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, env.data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Send queues a message for the clients of msg.UserID.
func (h *WSHub) Send(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- envelope{userID: msg.UserID, data: data}:
	default:
		// Drop if buffer full to avoid blocking settlement.
	}
}

// Notify pushes a settlement notification. Implements notify.Sink.
func (h *WSHub) Notify(_ context.Context, n model.Notification) {
	h.Send(WSMessage{
		Type:       "contract_settled",
		UserID:     n.UserID,
		ContractID: n.ContractID,
		Kind:       n.Kind,
		Title:      n.Title,
		Message:    n.Message,
		Amount:     n.Amount.String(),
	})
}

// PushState sends a user's mirrored state to their clients.
func (h *WSHub) PushState(snap tradestate.Snapshot) {
	h.Send(WSMessage{Type: "state", UserID: snap.UserID, State: &snap})
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws?user_id=...
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- &client{conn: conn, userID: r.URL.Query().Get("user_id")}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}
