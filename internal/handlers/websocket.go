package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"pi-plinko-backend/internal/logger"
	"pi-plinko-backend/internal/middleware"
	"pi-plinko-backend/internal/services"
)

const (
	writeWait      = 5 * time.Second
	clientSendSize = 32
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var ErrHubFull = errors.New("websocket hub backlog full")

// Message is the envelope of every frame on the live feed.
type Message struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

type Client struct {
	UserID string
	Conn   *websocket.Conn

	mu     sync.Mutex
	closed bool
	send   chan *Message
}

// WebSocketHub fans settlement, rotation and leaderboard events out to connected players.
// It implements services.Publisher.
type WebSocketHub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message
	done       chan struct{}
}

func NewWebSocketHub() *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Message, 256),
		done:       make(chan struct{}),
	}
}

// Publish never blocks; events are dropped when the hub is saturated.
func (hub *WebSocketHub) Publish(ctx context.Context, evt services.Event) error {
	msg := &Message{Type: evt.Type, Data: evt.Data, Timestamp: evt.Timestamp}
	select {
	case hub.broadcast <- msg:
		return nil
	default:
		return ErrHubFull
	}
}

func (hub *WebSocketHub) Run(ctx context.Context) {
	defer close(hub.done)

	for {
		select {
		case <-ctx.Done():
			for client := range hub.clients {
				delete(hub.clients, client)
				client.close()
			}
			return

		case client := <-hub.register:
			hub.clients[client] = true
			logger.Debug("Client registered", "user_id", client.UserID, "clients", len(hub.clients))

		case client := <-hub.unregister:
			if _, ok := hub.clients[client]; ok {
				delete(hub.clients, client)
				client.close()
				logger.Debug("Client unregistered", "user_id", client.UserID)
			}

		case message := <-hub.broadcast:
			for client := range hub.clients {
				select {
				case client.send <- message:
				default:
					// slow reader
					delete(hub.clients, client)
					client.close()
				}
			}
		}
	}
}

type WebSocketHandler struct {
	hub   *WebSocketHub
	seeds *services.SeedManager
}

func NewWebSocketHandler(hub *WebSocketHub, seeds *services.SeedManager) *WebSocketHandler {
	return &WebSocketHandler{
		hub:   hub,
		seeds: seeds,
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("Failed to upgrade to WebSocket", logger.Err(err))
		return
	}

	client := &Client{
		UserID: c.GetString(middleware.ContextUserID),
		Conn:   conn,
		send:   make(chan *Message, clientSendSize),
	}

	go client.writePump()
	if !h.hub.join(client) {
		client.close()
		return
	}

	defer func() {
		h.hub.leave(client)
		conn.Close()
	}()

	h.sendCommitment(c.Request.Context(), client)

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("WebSocket error", "user_id", client.UserID, logger.Err(err))
			}
			break
		}

		h.handleMessage(c.Request.Context(), client, &msg)
	}
}

func (h *WebSocketHandler) handleMessage(ctx context.Context, client *Client, msg *Message) {
	switch msg.Type {
	case "PING":
		client.enqueue(&Message{Type: "PONG", Timestamp: time.Now().Unix()})
	case "COMMITMENT":
		h.sendCommitment(ctx, client)
	}
}

// sendCommitment greets a client with the hash its next drop will be resolved against.
func (h *WebSocketHandler) sendCommitment(ctx context.Context, client *Client) {
	seed, err := h.seeds.Current(ctx)
	if err != nil {
		logger.Warn("Failed to get commitment for WS", logger.Err(err))
		return
	}

	client.enqueue(&Message{
		Type: "COMMITMENT",
		Data: gin.H{
			"seed_id":         seed.ID,
			"commitment_hash": seed.CommitmentHash,
		},
		Timestamp: time.Now().Unix(),
	})
}

func (hub *WebSocketHub) join(client *Client) bool {
	select {
	case hub.register <- client:
		return true
	case <-hub.done:
		return false
	}
}

func (hub *WebSocketHub) leave(client *Client) {
	select {
	case hub.unregister <- client:
	case <-hub.done:
	}
}

// enqueue drops the message when the client is gone or its buffer is full.
func (client *Client) enqueue(msg *Message) {
	client.mu.Lock()
	defer client.mu.Unlock()

	if client.closed {
		return
	}
	select {
	case client.send <- msg:
	default:
	}
}

func (client *Client) close() {
	client.mu.Lock()
	defer client.mu.Unlock()

	if !client.closed {
		client.closed = true
		close(client.send)
	}
}

func (client *Client) writePump() {
	for msg := range client.send {
		client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := client.Conn.WriteJSON(msg); err != nil {
			client.Conn.Close()
			return
		}
	}
	client.Conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
	client.Conn.Close()
}
