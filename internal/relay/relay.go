// Package relay forwards domain events published on the bus to connected
// WebSocket clients, grounded on the teacher's fabric.WebSocketSpoke
// connection handling (ping/pong keepalive, write-deadline discipline),
// simplified here to a one-way broadcast — field modules never push
// anything back over this socket.
package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wpcfield/fieldctl/internal/events"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	sendBuffer = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// envelope is the wire shape for every relayed event.
type envelope struct {
	Topic   events.Topic `json:"topic"`
	Payload any          `json:"payload"`
}

// Relay subscribes to every topic on a bus and fans published events out
// to whatever WebSocket clients are currently connected.
type Relay struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan envelope
	done chan struct{}
}

// New builds a Relay subscribed to bus. Subscriptions are permanent for
// the lifetime of the process, matching the bus's own no-unsubscribe model.
func New(bus events.Bus) *Relay {
	r := &Relay{clients: make(map[*client]struct{})}
	for _, topic := range []events.Topic{
		events.TopicMovementDetected,
		events.TopicModuleStateChanged,
		events.TopicNoveltyReceived,
		events.TopicCommunicationError,
	} {
		topic := topic
		bus.Subscribe(topic, func(payload any) {
			r.broadcast(envelope{Topic: topic, Payload: payload})
		})
	}
	return r
}

// ServeHTTP upgrades the request to a WebSocket and streams events to it
// until the client disconnects.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.Warn("relay: websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan envelope, sendBuffer), done: make(chan struct{})}
	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()

	go r.readPump(c)
	r.writePump(c)
}

// readPump drains and discards inbound frames, just enough to notice
// disconnects and keep the pong handler live; clients never send commands
// over this socket.
func (r *Relay) readPump(c *client) {
	defer func() {
		r.mu.Lock()
		delete(r.clients, c)
		r.mu.Unlock()
		close(c.done)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *Relay) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			data, err := json.Marshal(env)
			if err != nil {
				slog.Error("relay: failed to marshal event", "error", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (r *Relay) broadcast(env envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.clients {
		select {
		case c.send <- env:
		default:
			slog.Warn("relay: client send buffer full, dropping event")
		}
	}
}
