// Package bridge is the local gateway link: a websocket server on the
// loopback interface through which a gateway process reads the shared
// document, submits messages to the mesh and receives mesh traffic.
package bridge

import (
	"encoding/json"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("meshclaw/bridge")

// clientQueue is the per-connection push buffer. A client that falls this
// far behind loses messages instead of stalling the node.
const clientQueue = 256

type client struct {
	send chan []byte
}

// Hub fans pushed values out to every connected gateway client.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates a hub with no clients.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Publish encodes v once and queues it for every client. It never blocks.
func (h *Hub) Publish(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Warnf("push encode: %v", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			log.Debugf("client queue full, dropping push")
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) join() *client {
	c := &client{send: make(chan []byte, clientQueue)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) leave(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}
