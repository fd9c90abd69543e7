package transport

import (
	"context"
	"sync/atomic"

	"github.com/golang/glog"

	"collabtext/collabd/internal/session"
)

// Hub tracks the open clients of this process so that they can be closed on
// shutdown, including clients that have not joined a session yet.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	stopped    chan struct{}
	count      atomic.Int64
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stopped:    make(chan struct{}),
	}
}

// Run serves registrations until ctx ends, then closes every client with
// going-away.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.count.Store(int64(len(h.clients)))
			glog.V(1).Infof("[hub]register %s total=%d\n", client.id, len(h.clients))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				h.count.Store(int64(len(h.clients)))
				glog.V(1).Infof("[hub]unregister %s total=%d\n", client.id, len(h.clients))
			}
		case <-ctx.Done():
			for client := range h.clients {
				client.Close(session.CloseGoingAway, "server shutting down")
			}
			glog.Infof("[hub]closed %d clients\n", len(h.clients))
			h.clients = nil
			h.count.Store(0)
			return
		}
	}
}

// Register adds client. It returns false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.stopped:
		return false
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stopped:
	}
}

func (h *Hub) Count() int {
	return int(h.count.Load())
}
