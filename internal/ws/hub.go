package ws

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrBroadcastDropped is returned by Publish when the hub could not queue
// the event.
var ErrBroadcastDropped = errors.New("ws: broadcast dropped")

// BroadcastMessage packages a payload for a topic-scoped broadcast. An
// empty Topic reaches every client.
type BroadcastMessage struct {
	Topic   string
	Payload []byte
}

// Hub manages active clients and topic-scoped broadcasts.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan BroadcastMessage
	done       chan struct{}

	// OnClientCount, when set, is called from the hub loop whenever the
	// number of connected clients changes.
	OnClientCount func(int)
}

// NewHub builds a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan BroadcastMessage, 64),
		done:       make(chan struct{}),
	}
}

// Run starts the hub loop and blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		for client := range h.clients {
			delete(h.clients, client)
			close(client.Send)
		}
		h.clientsChanged()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.clients[client] = true
			h.clientsChanged()
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
				h.clientsChanged()
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				if !client.Wants(message.Topic) {
					continue
				}
				select {
				case client.Send <- message.Payload:
				default:
					// Slow consumer; drop it rather than stall the hub.
					delete(h.clients, client)
					close(client.Send)
					h.clientsChanged()
				}
			}
		}
	}
}

func (h *Hub) clientsChanged() {
	if h.OnClientCount != nil {
		h.OnClientCount(len(h.clients))
	}
}

// Broadcast queues a payload for every client interested in topic. It never
// blocks: the message is dropped and false returned when the hub has stopped
// or its queue is full.
func (h *Hub) Broadcast(topic string, payload []byte) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.broadcast <- BroadcastMessage{Topic: topic, Payload: payload}:
		return true
	default:
		return false
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Client represents a websocket connection. A client with no topic
// subscriptions receives every broadcast.
type Client struct {
	Conn   *websocket.Conn
	Hub    *Hub
	Send   chan []byte
	mu     sync.RWMutex
	topics map[string]struct{}
}

// NewClient returns a client ready for registration.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		Conn:   conn,
		Hub:    hub,
		Send:   make(chan []byte, 256),
		topics: make(map[string]struct{}),
	}
}

// Wants reports whether a broadcast on topic should reach the client.
func (c *Client) Wants(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if topic == "" || len(c.topics) == 0 {
		return true
	}
	if _, ok := c.topics[AllRequestsTopic]; ok {
		return true
	}
	_, ok := c.topics[topic]
	return ok
}

// SubscribeTopic narrows the client to the given topic plus any it
// already follows.
func (c *Client) SubscribeTopic(topic string) {
	c.mu.Lock()
	c.topics[topic] = struct{}{}
	c.mu.Unlock()
}

// UnsubscribeTopic stops following topic.
func (c *Client) UnsubscribeTopic(topic string) {
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
}

// IsSubscribedToTopic reports whether topic was explicitly subscribed.
func (c *Client) IsSubscribedToTopic(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.topics[topic]
	return ok
}
