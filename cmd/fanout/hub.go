package main

import (
	"sync"

	"github.com/lyzr/stateflow/common/metrics"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// event is one progress payload addressed to an owner
type event struct {
	OwnerID string
	Data    []byte
}

// Hub fans progress events out to every open connection of the
// addressed owner. Events are advisory: a watcher that cannot keep up
// is dropped, never buffered without bound.
type Hub struct {
	mu      sync.RWMutex
	byOwner map[string][]*Client

	register   chan *Client
	unregister chan *Client
	events     chan *event

	logger Logger
}

// NewHub creates a connection hub
func NewHub(logger Logger) *Hub {
	return &Hub{
		byOwner:    make(map[string][]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan *event, 256),
		logger:     logger,
	}
}

// Run dispatches registrations and events
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.add(client)
		case client := <-h.unregister:
			h.remove(client)
		case ev := <-h.events:
			h.push(ev)
		}
	}
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.byOwner[client.ownerID] = append(h.byOwner[client.ownerID], client)
	metrics.WatchersConnected.Inc()
	h.logger.Debug("watcher connected",
		"owner_id", client.ownerID,
		"owner_connections", len(h.byOwner[client.ownerID]))
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.byOwner[client.ownerID]
	for i, c := range clients {
		if c != client {
			continue
		}
		h.byOwner[client.ownerID] = append(clients[:i], clients[i+1:]...)
		close(client.send)
		metrics.WatchersConnected.Dec()
		if len(h.byOwner[client.ownerID]) == 0 {
			delete(h.byOwner, client.ownerID)
		}
		h.logger.Debug("watcher disconnected", "owner_id", client.ownerID)
		return
	}
}

// push delivers an event to every connection of the owner. A full send
// buffer drops the connection: the client leaves the map here so the
// read pump's unregister finds nothing to close twice.
func (h *Hub) push(ev *event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.byOwner[ev.OwnerID]
	kept := clients[:0]
	for _, client := range clients {
		select {
		case client.send <- ev.Data:
			metrics.EventsPushed.Inc()
			kept = append(kept, client)
		default:
			h.logger.Warn("watcher too slow, dropping connection", "owner_id", ev.OwnerID)
			close(client.send)
			metrics.WatchersConnected.Dec()
		}
	}
	if len(kept) == 0 {
		delete(h.byOwner, ev.OwnerID)
	} else {
		h.byOwner[ev.OwnerID] = kept
	}
}

// ConnectionCount reports open connections across all owners
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, clients := range h.byOwner {
		total += len(clients)
	}
	return total
}
