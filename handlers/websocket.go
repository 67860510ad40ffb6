package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fabchat/database"
	"fabchat/logger"
	"fabchat/middleware"
	"fabchat/models"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// EventError is sent back to a client whose frame was rejected
const EventError = "error"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

// Client is one websocket connection. A user may hold several.
type Client struct {
	hub    *Hub
	Conn   *websocket.Conn
	Send   chan []byte
	UserID string
}

// Hub tracks connected clients and fans group messages out to members
type Hub struct {
	db         *database.DB
	log        *logger.Logger
	clients    map[string]map[*Client]struct{} // userID -> connections
	register   chan *Client
	unregister chan *Client
	broadcast  chan BroadcastPayload
	done       chan struct{}
	mutex      sync.RWMutex
}

type BroadcastPayload struct {
	UserID  string
	Message []byte
}

func NewHub(db *database.DB, log *logger.Logger) *Hub {
	return &Hub{
		db:         db,
		log:        logger.Or(log).With("component", "hub"),
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan BroadcastPayload, sendBuffer),
		done:       make(chan struct{}),
	}
}

// Run serves register, unregister and broadcast requests until ctx is done
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			return

		case client := <-h.register:
			h.mutex.Lock()
			if h.clients[client.UserID] == nil {
				h.clients[client.UserID] = make(map[*Client]struct{})
			}
			h.clients[client.UserID][client] = struct{}{}
			h.mutex.Unlock()
			h.log.Info("client connected", "user", client.UserID)

		case client := <-h.unregister:
			h.mutex.Lock()
			h.removeLocked(client)
			h.mutex.Unlock()
			h.log.Info("client disconnected", "user", client.UserID)

		case payload := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients[payload.UserID] {
				select {
				case client.Send <- payload.Message:
				default:
					h.log.Warn("dropping slow client", "user", client.UserID)
					h.removeLocked(client)
				}
			}
			h.mutex.Unlock()
		}
	}
}

func (h *Hub) removeLocked(client *Client) {
	conns, ok := h.clients[client.UserID]
	if !ok {
		return
	}
	if _, ok := conns[client]; !ok {
		return
	}
	delete(conns, client)
	close(client.Send)
	if len(conns) == 0 {
		delete(h.clients, client.UserID)
	}
}

func (h *Hub) closeAll() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for _, conns := range h.clients {
		for client := range conns {
			client.Conn.Close()
		}
	}
}

// IsUserOnline checks if a user has at least one open connection
func (h *Hub) IsUserOnline(userID string) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients[userID]) > 0
}

// BroadcastMessage queues a frame for every connection of userID
func (h *Hub) BroadcastMessage(userID, event string, payload interface{}) {
	data, err := encodeFrame(event, payload)
	if err != nil {
		h.log.Error("error marshaling frame", "event", event, "error", err)
		return
	}
	h.enqueue(BroadcastPayload{UserID: userID, Message: data})
}

// enqueue hands a payload to Run; it is dropped once the hub has stopped
func (h *Hub) enqueue(p BroadcastPayload) {
	select {
	case h.broadcast <- p:
	case <-h.done:
	}
}

func encodeFrame(event string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(models.Frame{Type: event, Payload: raw})
}

// HandleWebSocket upgrades the request and attaches the connection to the hub
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserFromContext(r)
	if userID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade error", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		Conn:   conn,
		Send:   make(chan []byte, sendBuffer),
		UserID: userID,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.Conn.Close()
	}()
	c.Conn.SetReadLimit(maxMessageSize)

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Warn("websocket error", "user", c.UserID, "error", err)
			}
			break
		}

		var frame models.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case models.EventSendGroupMessage:
			var out models.OutboundMessage
			if err := json.Unmarshal(frame.Payload, &out); err != nil {
				c.reject("invalid message payload")
				continue
			}
			c.hub.relay(c, out)
		}
	}
}

func (c *Client) writePump() {
	defer c.Conn.Close()

	for message := range c.Send {
		c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

func (c *Client) reject(reason string) {
	data, err := encodeFrame(EventError, map[string]string{"error": reason})
	if err != nil {
		return
	}
	c.hub.enqueue(BroadcastPayload{UserID: c.UserID, Message: data})
}

// relay persists a message sent by c and pushes it to every member of the
// group, the sender included. A resend with a known client key is echoed
// to the sender only.
func (h *Hub) relay(c *Client, out models.OutboundMessage) {
	content := strings.TrimSpace(out.Content)
	if content == "" || out.ConversationID == "" {
		c.reject("message content and conversation are required")
		return
	}
	if out.SenderID != "" && out.SenderID != c.UserID {
		h.log.Warn("sender mismatch", "user", c.UserID, "claimed", out.SenderID)
	}

	member, err := h.db.IsMember(out.ConversationID, c.UserID)
	if err != nil {
		h.log.Error("membership check failed", "group", out.ConversationID, "error", err)
		c.reject("failed to send message")
		return
	}
	if !member {
		c.reject("not a member of this group")
		return
	}

	msg, created, err := h.db.CreateMessage(out.ConversationID, c.UserID, content, out.ClientKey, len(out.TaggedUserIDs) > 0)
	if err != nil {
		h.log.Error("failed to store message", "group", out.ConversationID, "error", err)
		c.reject("failed to send message")
		return
	}
	if name, err := h.db.MemberName(c.UserID); err == nil {
		msg.SenderName = name
	}

	if !created {
		h.BroadcastMessage(c.UserID, models.EventGroupMessage, msg)
		return
	}

	members, err := h.db.GroupMembers(out.ConversationID)
	if err != nil {
		h.log.Error("failed to list members", "group", out.ConversationID, "error", err)
		return
	}
	tagged := make(map[string]bool, len(out.TaggedUserIDs))
	for _, id := range out.TaggedUserIDs {
		tagged[id] = true
	}
	for _, m := range members {
		push := *msg
		push.IsTagged = tagged[m.ID]
		h.BroadcastMessage(m.ID, models.EventGroupMessage, push)
	}
}
