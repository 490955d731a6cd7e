package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/safsdb/safs/peersync"
	"github.com/safsdb/safs/telemetry"
)

// Loopback delivers batches to receivers in the same process through the
// wire codec. Used for embedded multi-site setups and tests.
type Loopback struct {
	mu        sync.RWMutex
	receivers map[string]peersync.Receiver
}

// NewLoopback creates an empty loopback network
func NewLoopback() *Loopback {
	return &Loopback{receivers: make(map[string]peersync.Receiver)}
}

// Register attaches the receiver of site
func (l *Loopback) Register(site string, recv peersync.Receiver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.receivers[site] = recv
}

// Unregister detaches site; sends to it fail until registered again
func (l *Loopback) Unregister(site string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.receivers, site)
}

// Send implements peersync.Sender
func (l *Loopback) Send(ctx context.Context, peer string, b peersync.Batch) error {
	l.mu.RLock()
	recv, ok := l.receivers[peer]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("peer %s is unreachable", peer)
	}

	data, err := Encode(b)
	if err != nil {
		return err
	}
	decoded, err := Decode(data)
	if err != nil {
		return err
	}

	telemetry.TransportBatchesTotal.With("loopback", "sent").Inc()
	return recv.ReceiveSyncPayload(ctx, decoded.From, decoded)
}
