// Package transport delivers feature collections to websocket clients.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/alvmarrod/geoconvo/internal/metrics"
	"github.com/alvmarrod/geoconvo/internal/publisher"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// StartupType is the message type of the client handshake and its echo
	StartupType = "startup"
	// ClientTopicPrefix addresses a single client
	ClientTopicPrefix = "/queue/"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// ErrUnknownClient is returned when publishing to a client that is not connected
var ErrUnknownClient = errors.New("unknown client")

// Message is the envelope exchanged over the websocket in both directions
type Message struct {
	Type    string `json:"type,omitempty"`
	ID      string `json:"id,omitempty"`
	Topic   string `json:"topic,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// StartupFunc is called once a client has completed the handshake
type StartupFunc func(clientID string)

// client is one websocket connection
type client struct {
	connID string
	host   string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}

	mu  sync.Mutex
	ids []string // handshake ids bound to this connection
}

// Hub tracks connected clients and fans messages out to them
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
	byID    map[string]*client

	limiter    *HostLimiter
	upgrader   websocket.Upgrader
	sendBuffer int
	onStartup  StartupFunc
	tracker    *metrics.Tracker
}

// NewHub creates a hub. sendBuffer bounds the queued messages per client.
func NewHub(maxConnsPerHost, sendBuffer int, tracker *metrics.Tracker) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 16
	}
	return &Hub{
		clients:    make(map[*client]bool),
		byID:       make(map[string]*client),
		limiter:    NewHostLimiter(maxConnsPerHost),
		sendBuffer: sendBuffer,
		tracker:    tracker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// OnStartup registers the handshake callback
func (h *Hub) OnStartup(fn StartupFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onStartup = fn
}

// ServeWS upgrades the request and serves the connection until it closes
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	host := remoteHost(r)
	connID := uuid.NewString()

	if !h.limiter.Add(host, connID) {
		h.tracker.Inc(metrics.TransportRejected)
		logrus.Warnf("Rejecting websocket client from %s: too many connections", host)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.limiter.Remove(host, connID)
		logrus.Warnf("Failed to upgrade websocket from %s: %v", host, err)
		return
	}

	c := &client{
		connID: connID,
		host:   host,
		conn:   conn,
		send:   make(chan []byte, h.sendBuffer),
		done:   make(chan struct{}),
	}
	h.register(c)
	logrus.Debugf("Websocket client %s connected from %s", connID, host)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	c.mu.Lock()
	for _, id := range c.ids {
		if h.byID[id] == c {
			delete(h.byID, id)
		}
	}
	c.mu.Unlock()
	h.mu.Unlock()

	close(c.done)
	h.limiter.Remove(c.host, c.connID)
	logrus.Debugf("Websocket client %s disconnected", c.connID)
}

// bind makes a handshake id address this connection
func (h *Hub) bind(c *client, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.byID[id] = c
	c.mu.Lock()
	c.ids = append(c.ids, id)
	c.mu.Unlock()
}

// readPump handles inbound messages; it owns closing the connection
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.Debugf("Websocket client %s read error: %v", c.connID, err)
			}
			return
		}

		switch msg.Type {
		case StartupType:
			h.handleStartup(c, msg.ID)
		default:
			logrus.Debugf("Ignoring websocket message of type %q from %s", msg.Type, c.connID)
		}
	}
}

func (h *Hub) handleStartup(c *client, id string) {
	if id == "" {
		id = uuid.NewString()
	}
	h.bind(c, id)
	h.tracker.Inc(metrics.TransportStartup)

	if err := h.sendTo(c, Message{Type: StartupType, ID: id}); err != nil {
		logrus.Warnf("Failed to acknowledge startup for %s: %v", id, err)
		return
	}

	h.mu.RLock()
	onStartup := h.onStartup
	h.mu.RUnlock()
	if onStartup != nil {
		onStartup(id)
	}
}

// writePump is the only writer of the connection
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logrus.Debugf("Websocket client %s write error: %v", c.connID, err)
				c.conn.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

// Publish broadcasts a feature collection to every connected client
func (h *Hub) Publish(topic string, fc *publisher.FeatureCollection) error {
	data, err := json.Marshal(Message{Topic: topic, Payload: fc})
	if err != nil {
		return fmt.Errorf("failed to encode message for %s: %w", topic, err)
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.deliver(c, data)
	}
	return nil
}

// PublishToClient sends a feature collection to the client bound to clientID
func (h *Hub) PublishToClient(clientID string, fc *publisher.FeatureCollection) error {
	h.mu.RLock()
	c, ok := h.byID[clientID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}

	return h.sendTo(c, Message{Topic: ClientTopicPrefix + clientID, Payload: fc})
}

func (h *Hub) sendTo(c *client, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	h.deliver(c, data)
	return nil
}

// deliver queues data without blocking; a full buffer drops the message
func (h *Hub) deliver(c *client, data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		h.tracker.Inc(metrics.TransportDropped)
	}
}

// Count returns the number of connected clients
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client
func (h *Hub) Close() error {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.unregister(c)
	}
	return nil
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
