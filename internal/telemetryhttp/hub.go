package telemetryhttp

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// HubBufferSize bounds each broadcast channel, matching the reference
// dashboard's WebSocketBufferSize: enough slack for a burst of events
// before a slow client starts dropping messages.
const HubBufferSize = 256

// wsClient is one connected live-event subscriber.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans out AssignmentEvent notifications to every connected WebSocket
// client, ported from the reference dashboard's register/unregister/
// broadcast channel loop.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
}

// NewHub constructs an unstarted event hub; call Run in its own goroutine.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, HubBufferSize),
	}
}

// Run drives the hub's event loop until stop is closed.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastJSON marshals v and fans it out to every connected client.
func (h *Hub) BroadcastJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}
