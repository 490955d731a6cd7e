package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/safsdb/safs/peersync"
)

// Router sends each peer's batches over the transport that reaches it
type Router struct {
	mu     sync.RWMutex
	routes map[string]peersync.Sender
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{routes: make(map[string]peersync.Sender)}
}

// Route directs batches for peer to sender
func (r *Router) Route(peer string, sender peersync.Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[peer] = sender
}

// Send implements peersync.Sender
func (r *Router) Send(ctx context.Context, peer string, b peersync.Batch) error {
	r.mu.RLock()
	sender, ok := r.routes[peer]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no route to peer %s", peer)
	}
	return sender.Send(ctx, peer, b)
}
