// Package events delivers best-effort, at-most-once, unordered
// notifications to a private per-user websocket channel, "user.{id}".
//
// Uses a Hub/Client pattern: register/unregister/broadcast channels,
// per-client subscriptions, ping/pong keepalive. A connection
// auto-subscribes to its own owner's channel on upgrade instead of
// negotiating subscriptions after connect, since a user only ever
// needs their own channel.
package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub maintains active websocket connections and fans out publishes to
// the channel each client is subscribed to.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
}

type broadcastMsg struct {
	channel string
	payload []byte
}

// New creates a Hub. Call Run in its own goroutine before serving
// websocket upgrades.
func New() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

// Run is the hub's event loop; it must run for the lifetime of the
// process.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			log.Debug().Str("channel", c.channel).Msg("events: client connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			log.Debug().Str("channel", c.channel).Msg("events: client disconnected")

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if c.channel != msg.channel {
					continue
				}
				select {
				case c.send <- msg.payload:
				default:
					// Buffer full: drop rather than block the hub loop.
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish marshals payload and broadcasts it to every connection
// subscribed to "user.{userID}" tagged with eventName. Delivery is
// best-effort, at-most-once, unordered; if no client is connected, the
// message is silently dropped and never retried.
func (h *Hub) Publish(userID, eventName string, payload any) error {
	envelope := struct {
		Event   string `json:"event"`
		Payload any    `json:"payload"`
	}{Event: eventName, Payload: payload}

	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- broadcastMsg{channel: "user." + userID, payload: data}:
	default:
		log.Warn().Str("user_id", userID).Str("event", eventName).Msg("events: broadcast queue full, dropping")
	}
	return nil
}

// client represents one websocket connection, auto-subscribed to a
// single channel at upgrade time.
type client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	channel string
}

// ServeUpgrade upgrades r into a websocket connection scoped to
// userID's channel. It blocks until the connection closes, so callers
// should invoke it directly from the HTTP handler goroutine.
func (h *Hub) ServeUpgrade(w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, 64),
		channel: "user." + userID,
	}
	h.register <- c

	done := make(chan struct{})
	go func() {
		c.writePump()
		close(done)
	}()
	c.readPump()
	<-done
	return nil
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
