package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/safsdb/safs/peersync"
	"github.com/safsdb/safs/telemetry"
)

const replyOK = "ok"

// NATS sends batches as request/reply messages on <prefix>.<site>. A reply
// of "ok" means the receiver applied the batch.
type NATS struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
	subs    []*nats.Subscription
}

// ConnectNATS connects to url
func ConnectNATS(url, prefix string, timeout time.Duration) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return NewNATS(nc, prefix, timeout), nil
}

// NewNATS wraps an existing connection
func NewNATS(nc *nats.Conn, prefix string, timeout time.Duration) *NATS {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATS{nc: nc, prefix: prefix, timeout: timeout}
}

func subject(prefix, site string) string {
	if prefix == "" {
		return site
	}
	return prefix + "." + site
}

// Send implements peersync.Sender
func (n *NATS) Send(ctx context.Context, peer string, b peersync.Batch) error {
	data, err := Encode(b)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	msg, err := n.nc.RequestWithContext(ctx, subject(n.prefix, peer), data)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", peer, err)
	}
	if reply := string(msg.Data); reply != replyOK {
		return fmt.Errorf("peer %s rejected batch: %s", peer, reply)
	}

	telemetry.TransportBatchesTotal.With("nats", "sent").Inc()
	return nil
}

// Serve answers batches addressed to site until Close
func (n *NATS) Serve(site string, recv peersync.Receiver) error {
	sub, err := n.nc.Subscribe(subject(n.prefix, site), func(msg *nats.Msg) {
		reply := handleFrame(recv, msg.Data, n.timeout)
		if err := msg.Respond([]byte(reply)); err != nil && !errors.Is(err, nats.ErrMsgNoReply) {
			log.Warn().Err(err).Msg("Failed to answer sync batch")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	n.subs = append(n.subs, sub)
	log.Info().Str("subject", sub.Subject).Msg("Serving sync batches over NATS")
	return nil
}

func handleFrame(recv peersync.Receiver, data []byte, timeout time.Duration) string {
	batch, err := Decode(data)
	if err != nil {
		return err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := recv.ReceiveSyncPayload(ctx, batch.From, batch); err != nil {
		log.Warn().Err(err).Str("peer", batch.From).Msg("Failed to apply sync batch")
		return err.Error()
	}

	telemetry.TransportBatchesTotal.With("nats", "received").Inc()
	return replyOK
}

// Close unsubscribes and drains the connection
func (n *NATS) Close() error {
	for _, sub := range n.subs {
		_ = sub.Unsubscribe()
	}
	if n.nc != nil {
		return n.nc.Drain()
	}
	return nil
}
