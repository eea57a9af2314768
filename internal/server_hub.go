package internal

import "sync"

// Hub owns every live connection and fans broadcast payloads out to them.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	mutex      sync.RWMutex
}

// builds an empty hub; call run in its own goroutine
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

// Size returns the number of registered connections.
func (hub *Hub) Size() int {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return len(hub.clients)
}

// Broadcast queues payload for every connection. It drops the payload when the
// hub is closed.
func (hub *Hub) Broadcast(payload []byte) {
	select {
	case hub.broadcast <- payload:
	case <-hub.done:
	}
}

// Close stops the run loop and closes every client's send queue.
func (hub *Hub) Close() {
	hub.closeOnce.Do(func() {
		close(hub.done)
	})
}

func (hub *Hub) run() {
	for {
		select {
		case <-hub.done:
			hub.mutex.Lock()
			for client := range hub.clients {
				close(client.send)
				delete(hub.clients, client)
			}
			hub.mutex.Unlock()
			return
		case client := <-hub.register:
			hub.mutex.Lock()
			hub.clients[client] = true
			hub.mutex.Unlock()
		case client := <-hub.unregister:
			hub.mutex.Lock()
			if _, exists := hub.clients[client]; exists {
				delete(hub.clients, client)
				close(client.send)
			}
			hub.mutex.Unlock()
		case payload := <-hub.broadcast:
			// a client that can't keep up loses its connection; writePump
			// sees the closed queue and hangs up.
			hub.mutex.Lock()
			for client := range hub.clients {
				select {
				case client.send <- payload:
				default:
					close(client.send)
					delete(hub.clients, client)
				}
			}
			hub.mutex.Unlock()
		}
	}
}

func (hub *Hub) join(client *Client) bool {
	select {
	case hub.register <- client:
		return true
	case <-hub.done:
		return false
	}
}

func (hub *Hub) leave(client *Client) {
	select {
	case hub.unregister <- client:
	case <-hub.done:
	}
}
