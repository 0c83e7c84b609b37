package handlers

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	log "github.com/sirupsen/logrus"

	"github.com/kubestellar/cluster-proxy/pkg/api/middleware"
	"github.com/kubestellar/cluster-proxy/pkg/watch"
)

const (
	authTimeout    = 5 * time.Second
	clientSendSize = 256
)

// Message represents a WebSocket message
type Message struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Data any    `json:"data,omitempty"`
}

// SubscribeRequest selects the resource a view wants to watch. Kind may be
// given instead of Version and Resource for well-known resources.
type SubscribeRequest struct {
	Cluster   string `json:"cluster"`
	Group     string `json:"group"`
	Version   string `json:"version"`
	Resource  string `json:"resource"`
	Kind      string `json:"kind,omitempty"`
	Namespace string `json:"namespace,omitempty"`
}

// Key resolves the request to a watch key
func (r SubscribeRequest) Key() (watch.Key, error) {
	gvr := schema.GroupVersionResource{Group: r.Group, Version: r.Version, Resource: r.Resource}
	if r.Resource == "" && r.Kind != "" {
		kind, ok := watch.LookupKind(r.Kind)
		if !ok {
			return watch.Key{}, errors.New("unknown kind " + r.Kind)
		}
		gvr = kind.GVR
	}
	return watch.Key{Cluster: r.Cluster, GVR: gvr, Namespace: r.Namespace}, nil
}

// WatchEvent is the payload of a watch_event message
type WatchEvent struct {
	Subscription string                       `json:"subscription"`
	Type         watch.EventType              `json:"type"`
	Object       *unstructured.Unstructured   `json:"object,omitempty"`
	Objects      []*unstructured.Unstructured `json:"objects,omitempty"`
}

type inboundMessage struct {
	Type  string           `json:"type"`
	ID    string           `json:"id"`
	Token string           `json:"token"`
	Data  SubscribeRequest `json:"data"`
}

// client is one UI connection and its watch subscriptions
type client struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
	subs   map[string]*watch.Subscription

	dropOnce sync.Once
}

// enqueue queues data without blocking. A client that cannot keep up is
// disconnected, since dropping watch events would corrupt its view.
func (c *client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.dropOnce.Do(func() {
			log.Warnf("[WatchHub] client too slow, closing connection")
			go c.conn.Close()
		})
	}
}

func (c *client) enqueueMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("[WatchHub] failed to marshal message: %v", err)
		return
	}
	c.enqueue(data)
}

// Hub serves the watch protocol to UI views over WebSocket
type Hub struct {
	mux       *watch.Multiplexer
	jwtSecret string

	mu      sync.RWMutex
	clients map[*client]bool
}

// NewHub creates a hub backed by mux
func NewHub(mux *watch.Multiplexer, jwtSecret string) *Hub {
	return &Hub{
		mux:       mux,
		jwtSecret: jwtSecret,
		clients:   make(map[*client]bool),
	}
}

// ConnectionCount returns the number of authenticated connections
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastAll sends a message to every connected client
func (h *Hub) BroadcastAll(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("[WatchHub] failed to marshal message: %v", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.enqueue(data)
	}
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.conn.Close()
	}
}

// HandleConnection authenticates the connection with its first message and
// then serves subscribe/unsubscribe requests until it closes.
func (h *Hub) HandleConnection(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(authTimeout))

	var auth inboundMessage
	if err := conn.ReadJSON(&auth); err != nil || auth.Type != "auth" {
		log.Printf("[WatchHub] missing auth message")
		conn.WriteJSON(Message{Type: "error", Data: map[string]string{"message": "authentication required"}})
		conn.Close()
		return
	}
	if h.jwtSecret != "" {
		if _, err := middleware.ValidateJWT(auth.Token, h.jwtSecret); err != nil {
			log.Printf("[WatchHub] rejected connection: %v", err)
			conn.WriteJSON(Message{Type: "error", Data: map[string]string{"message": "invalid token"}})
			conn.Close()
			return
		}
	}

	conn.WriteJSON(Message{Type: "authenticated", Data: map[string]string{"status": "connected"}})
	conn.SetReadDeadline(time.Time{})

	c := &client{
		conn: conn,
		send: make(chan []byte, clientSendSize),
		subs: make(map[string]*watch.Subscription),
	}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range c.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debugf("[WatchHub] write error: %v", err)
				conn.Close()
				return
			}
		}
	}()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()

		c.mu.Lock()
		subs := c.subs
		c.subs = nil
		c.mu.Unlock()
		for _, sub := range subs {
			sub.Close()
		}

		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
		<-writerDone
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("[WatchHub] read error: %v", err)
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueueMessage(Message{Type: "error", Data: map[string]string{"message": "malformed message"}})
			continue
		}

		switch msg.Type {
		case "ping":
			c.enqueueMessage(Message{Type: "pong"})
		case "subscribe":
			h.subscribe(c, msg)
		case "unsubscribe":
			h.unsubscribe(c, msg.ID)
		default:
			c.enqueueMessage(Message{Type: "error", ID: msg.ID, Data: map[string]string{"message": "unknown message type " + msg.Type}})
		}
	}
}

func (h *Hub) subscribe(c *client, msg inboundMessage) {
	fail := func(reason string) {
		c.enqueueMessage(Message{Type: "error", ID: msg.ID, Data: map[string]string{"message": reason}})
	}
	if msg.ID == "" {
		fail("subscription id required")
		return
	}
	key, err := msg.Data.Key()
	if err != nil {
		fail(err.Error())
		return
	}

	c.mu.Lock()
	_, exists := c.subs[msg.ID]
	c.mu.Unlock()
	if exists {
		fail("subscription id already in use")
		return
	}

	c.enqueueMessage(Message{Type: "subscribed", ID: msg.ID, Data: map[string]string{"key": key.String()}})

	subID := msg.ID
	sub, err := h.mux.Subscribe(key, func(ev watch.Event) {
		c.enqueueMessage(Message{Type: "watch_event", Data: WatchEvent{
			Subscription: subID,
			Type:         ev.Type,
			Object:       ev.Object,
			Objects:      ev.Objects,
		}})
	})
	if err != nil {
		fail(err.Error())
		return
	}

	c.mu.Lock()
	c.subs[subID] = sub
	c.mu.Unlock()
}

func (h *Hub) unsubscribe(c *client, id string) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	sub.Close()
	c.enqueueMessage(Message{Type: "unsubscribed", ID: id})
}
