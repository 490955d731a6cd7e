package notify

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gobwas/glob"
	"github.com/safsdb/safs/telemetry"
)

// defaultBufferSize is the buffer size of subscriber channels.
// Subscribers that can't keep up will have changes dropped (non-blocking send).
const defaultBufferSize = 64

// Change is one materialized cell change, delivered after its batch committed.
type Change struct {
	SiteID    string
	Table     string
	RowKey    string
	Column    string
	Op        string
	Value     interface{}
	DBVersion uint64
}

// Dependency declares what a subscriber reads. Table is a glob pattern;
// empty Column or RowKey match anything.
type Dependency struct {
	Table  string
	Column string
	RowKey string
}

type dependency struct {
	table  glob.Glob
	column string
	rowKey string
}

func (d dependency) matches(c Change) bool {
	if !d.table.Match(c.Table) {
		return false
	}
	if d.rowKey != "" && d.rowKey != c.RowKey {
		return false
	}
	// Liveness changes affect every column of the row
	if d.column != "" && d.column != c.Column && c.Column != LivenessColumn {
		return false
	}
	return true
}

// LivenessColumn is the column name carried by row insert and delete changes
const LivenessColumn = "__row"

// subscription represents a single subscriber.
type subscription struct {
	id     uint64
	deps   []dependency
	ch     chan Change
	closed atomic.Bool
}

func (s *subscription) matches(c Change) bool {
	// No dependencies = everything
	if len(s.deps) == 0 {
		return true
	}
	for _, d := range s.deps {
		if d.matches(c) {
			return true
		}
	}
	return false
}

// close closes the subscription channel if not already closed.
func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe registry of change subscriptions.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
	bufferSize    int
}

// NewHub creates a new notification hub.
func NewHub() *Hub {
	return NewHubWithBuffer(defaultBufferSize)
}

// NewHubWithBuffer creates a hub whose subscriber channels hold size changes.
func NewHubWithBuffer(size int) *Hub {
	if size < 1 {
		size = 1
	}
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
		bufferSize:    size,
	}
}

// Publish delivers changes to every matching subscriber (non-blocking).
func (h *Hub) Publish(changes []Change) {
	if len(changes) == 0 {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		for _, c := range changes {
			if !sub.matches(c) {
				continue
			}

			select {
			case sub.ch <- c:
			default:
				// Buffer full, skip this subscriber
				telemetry.NotificationsDroppedTotal.Inc()
			}
		}
	}
}

// Subscribe registers a subscriber for deps and returns its channel and an
// idempotent cancel function. If the subscriber cannot keep up, changes are
// dropped silently.
func (h *Hub) Subscribe(deps ...Dependency) (<-chan Change, func(), error) {
	compiled := make([]dependency, 0, len(deps))
	for _, d := range deps {
		pattern := d.Table
		if pattern == "" {
			pattern = "*"
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid table pattern %q: %w", d.Table, err)
		}
		compiled = append(compiled, dependency{table: g, column: d.Column, rowKey: d.RowKey})
	}

	sub := &subscription{
		id:   h.nextID.Add(1),
		deps: compiled,
		ch:   make(chan Change, h.bufferSize),
	}
	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()
	telemetry.SubscriptionsActive.Inc()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel, nil
}

// Count returns the number of live subscriptions
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

// Close cancels every subscription
func (h *Hub) Close() {
	h.mu.RLock()
	ids := make([]uint64, 0, len(h.subscriptions))
	for id := range h.subscriptions {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.unsubscribe(id)
	}
}

// unsubscribe removes a subscription and closes its channel.
func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
		telemetry.SubscriptionsActive.Dec()
	}
}
