// Package peersync exchanges change records between sites and tracks how far
// each peer has been brought up to date.
package peersync

import (
	"context"
	"fmt"
	"time"

	"github.com/gobwas/glob"
	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"
	"github.com/safsdb/safs/changelog"
	"github.com/safsdb/safs/hlc"
	"github.com/safsdb/safs/materializer"
	"github.com/safsdb/safs/telemetry"
	"github.com/safsdb/safs/versions"
	"golang.org/x/sync/errgroup"
)

// Batch is the unit handed to a transport: records of one chunk plus the
// sender's clock at the time it was cut.
type Batch struct {
	From    string             `msgpack:"from"`
	HLC     string             `msgpack:"hlc"`
	Records []changelog.Record `msgpack:"records"`
}

// Sender delivers a batch to a peer. A nil error means the peer has durably
// received every record of the batch.
type Sender interface {
	Send(ctx context.Context, peer string, batch Batch) error
}

// Receiver accepts batches from peers
type Receiver interface {
	ReceiveSyncPayload(ctx context.Context, peer string, batch Batch) error
}

// Materializer is the subset of the materializer the manager needs
type Materializer interface {
	Submit(ctx context.Context, records []changelog.Record) *future.Future[materializer.Result]
}

// Payload is what a peer is missing. UpTo is the local receive version it
// covers; once the peer acknowledges the payload its sent cursor becomes UpTo.
type Payload struct {
	Peer    string
	Records []changelog.Record
	Since   uint64 // Sent cursor the payload was collected from
	UpTo    uint64
}

// Options configures a Manager
type Options struct {
	BatchSize   int
	Tag         int64
	Tables      []string // Glob patterns of tables to ship, empty ships all
	MaxDriftMS  int64
	Concurrency int
}

// Manager runs sync rounds for one site
type Manager struct {
	site    changelog.Site
	log     *changelog.Log
	tracker *versions.Tracker
	mat     Materializer
	peers   *PeerStore

	batchSize   int
	tag         int64
	tables      []glob.Glob
	maxDrift    int64
	concurrency int
}

// NewManager creates a manager for site
func NewManager(site changelog.Site, l *changelog.Log, tracker *versions.Tracker, mat Materializer, peers *PeerStore, opts Options) (*Manager, error) {
	if opts.BatchSize < 1 {
		opts.BatchSize = 500
	}
	if opts.MaxDriftMS < 1 {
		opts.MaxDriftMS = hlc.DefaultMaxDrift
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 8
	}

	tables := make([]glob.Glob, 0, len(opts.Tables))
	for _, pattern := range opts.Tables {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid sync table pattern %q: %w", pattern, err)
		}
		tables = append(tables, g)
	}

	return &Manager{
		site:        site,
		log:         l,
		tracker:     tracker,
		mat:         mat,
		peers:       peers,
		batchSize:   opts.BatchSize,
		tag:         opts.Tag,
		tables:      tables,
		maxDrift:    opts.MaxDriftMS,
		concurrency: opts.Concurrency,
	}, nil
}

// AddPeer starts tracking a peer. Its cursors start at 0.
func (m *Manager) AddPeer(ctx context.Context, peer string) error {
	if peer == m.site.ID {
		return fmt.Errorf("site %s cannot peer with itself", peer)
	}
	return m.peers.Track(ctx, peer, m.tag)
}

// ResetPeer forces the next round with peer to ship the whole log
func (m *Manager) ResetPeer(ctx context.Context, peer string) error {
	return m.peers.Reset(ctx, peer, m.tag)
}

// Peers returns the tracked peers of this manager's tag
func (m *Manager) Peers(ctx context.Context) ([]PeerState, error) {
	return m.peers.List(ctx, m.tag)
}

// Peer returns the state of one peer
func (m *Manager) Peer(ctx context.Context, peer string) (PeerState, error) {
	return m.peers.Get(ctx, peer, m.tag)
}

func (m *Manager) ships(table string) bool {
	if len(m.tables) == 0 {
		return true
	}
	for _, g := range m.tables {
		if g.Match(table) {
			return true
		}
	}
	return false
}

// PrepareSyncPayload collects what peer is missing: every record that reached
// this site's log after the peer's sent cursor, whatever its origin, except
// the peer's own. Relayed records are what let sites converge through an
// intermediary.
func (m *Manager) PrepareSyncPayload(ctx context.Context, peer string) (Payload, error) {
	st, err := m.peers.Get(ctx, peer, m.tag)
	if err != nil {
		return Payload{}, err
	}

	// Records committed while scanning belong to the next round
	upTo := m.log.Version()
	p := Payload{Peer: peer, Since: st.Sent, UpTo: upTo}

	err = m.tracker.DiffSince(st.Sent, func(r changelog.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.SiteID == peer {
			return nil
		}
		if r.RV > upTo {
			return nil
		}
		if !m.ships(r.Table) {
			return nil
		}
		p.Records = append(p.Records, r)
		return nil
	})
	if err != nil {
		return Payload{}, fmt.Errorf("failed to collect records for %s: %w", peer, err)
	}

	if p.UpTo < st.Sent {
		p.UpTo = st.Sent
	}
	return p, nil
}

// ReceiveSyncPayload appends a peer's batch to the local log and materializes
// it. Redelivery is harmless.
func (m *Manager) ReceiveSyncPayload(ctx context.Context, peer string, batch Batch) error {
	if peer == "" {
		peer = batch.From
	}

	if batch.HLC != "" {
		remote, err := hlc.Unpack(batch.HLC)
		if err != nil {
			return fmt.Errorf("batch from %s: %w", peer, err)
		}
		if diag := hlc.Validate(remote, hlc.WallClock(), m.maxDrift); diag != hlc.DiagnosticNone {
			telemetry.ClockDiagnosticsTotal.With(string(diag)).Inc()
			log.Warn().Str("peer", peer).Str("hlc", batch.HLC).Str("diagnostic", string(diag)).Msg("Clock diagnostic on received batch")
		}
		m.site.Clock.Update(remote)
	}

	records := make([]changelog.Record, 0, len(batch.Records))
	var received uint64
	for _, r := range batch.Records {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("batch from %s: %w", peer, err)
		}
		if r.RV > received {
			received = r.RV
		}
		// Our own records come back through relays and full resyncs
		if r.SiteID == m.site.ID {
			continue
		}
		records = append(records, r)
	}

	if err := m.peers.Track(ctx, peer, m.tag); err != nil {
		return err
	}
	if len(records) == 0 {
		if received > 0 {
			return m.peers.Advance(ctx, peer, m.tag, EventReceived, received)
		}
		return nil
	}

	if err := m.log.Append(records); err != nil {
		return fmt.Errorf("failed to append batch from %s: %w", peer, err)
	}

	res, err := m.mat.Submit(ctx, records).Get()
	if err != nil {
		return fmt.Errorf("failed to materialize batch from %s: %w", peer, err)
	}
	telemetry.SyncRecordsTotal.With("received").Add(float64(len(records)))

	if received > 0 {
		if err := m.peers.Advance(ctx, peer, m.tag, EventReceived, received); err != nil {
			return err
		}
	}

	log.Debug().
		Str("peer", peer).
		Int("records", len(records)).
		Int("applied", res.Applied).
		Int("duplicate", res.Duplicate).
		Msg("Received sync batch")
	return nil
}

// Acknowledge records that peer durably holds everything this site received up to upTo
func (m *Manager) Acknowledge(ctx context.Context, peer string, upTo uint64) error {
	return m.peers.Advance(ctx, peer, m.tag, EventSent, upTo)
}

// SyncPeer sends peer what it is missing in chunks and acknowledges each
// delivered chunk. A failed round resumes from the last acknowledged chunk.
func (m *Manager) SyncPeer(ctx context.Context, peer string, sender Sender) (int, error) {
	start := time.Now()
	sent, err := m.syncPeer(ctx, peer, sender)

	result := "success"
	if err != nil {
		result = "failed"
	}
	telemetry.SyncRoundsTotal.With(result).Inc()
	telemetry.SyncDurationSeconds.Observe(time.Since(start).Seconds())
	telemetry.SyncRecordsTotal.With("sent").Add(float64(sent))
	return sent, err
}

func (m *Manager) syncPeer(ctx context.Context, peer string, sender Sender) (int, error) {
	payload, err := m.PrepareSyncPayload(ctx, peer)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, c := range m.chunks(payload) {
		if len(c.records) == 0 {
			// Nothing shippable past the cursor; only the cursor moves
			if err := m.Acknowledge(ctx, peer, c.ack); err != nil {
				return sent, err
			}
			continue
		}

		batch := Batch{
			From:    m.site.ID,
			HLC:     hlc.Pack(m.site.Clock.Current()),
			Records: c.records,
		}
		if err := sender.Send(ctx, peer, batch); err != nil {
			return sent, fmt.Errorf("failed to send to %s: %w", peer, err)
		}
		sent += len(c.records)

		if c.ack > 0 {
			if err := m.Acknowledge(ctx, peer, c.ack); err != nil {
				return sent, err
			}
		}
	}

	log.Debug().Str("peer", peer).Int("records", sent).Uint64("up_to", payload.UpTo).Msg("Synced peer")
	return sent, nil
}

type chunk struct {
	records []changelog.Record
	ack     uint64
}

// chunks cuts a payload into batches of about batchSize records. A
// transaction is never split, so each chunk can be acknowledged up to the
// highest receive version it completes.
func (m *Manager) chunks(p Payload) []chunk {
	var out []chunk
	var cur []changelog.Record
	var ack uint64

	for i, r := range p.Records {
		cur = append(cur, r)
		if r.RV > ack {
			ack = r.RV
		}

		last := i == len(p.Records)-1
		if last {
			break
		}
		next := p.Records[i+1]
		boundary := next.RV != r.RV
		if len(cur) >= m.batchSize && boundary {
			out = append(out, chunk{records: cur, ack: ack})
			cur = nil
		}
	}

	// The last chunk covers everything up to UpTo, including records
	// filtered out of the payload
	if len(cur) > 0 || p.UpTo > p.Since {
		out = append(out, chunk{records: cur, ack: p.UpTo})
	}
	return out
}

// SyncAll runs a round with every tracked peer concurrently. Every peer is
// attempted; the first error is returned.
func (m *Manager) SyncAll(ctx context.Context, sender Sender) error {
	peers, err := m.Peers(ctx)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for _, st := range peers {
		peer := st.SiteID
		g.Go(func() error {
			if _, err := m.SyncPeer(ctx, peer, sender); err != nil {
				log.Warn().Err(err).Str("peer", peer).Msg("Sync round failed")
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// SentCursors returns the sent cursor of every tracked peer
func (m *Manager) SentCursors(ctx context.Context) ([]uint64, error) {
	peers, err := m.Peers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, 0, len(peers))
	for _, st := range peers {
		out = append(out, st.Sent)
	}
	return out, nil
}

// PeerLag returns how many receive versions each peer has not acknowledged
func (m *Manager) PeerLag() map[string]uint64 {
	peers, err := m.Peers(context.Background())
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read peer cursors")
		return nil
	}

	head := m.log.Version()
	out := make(map[string]uint64, len(peers))
	for _, st := range peers {
		var lag uint64
		if head > st.Sent {
			lag = head - st.Sent
		}
		out[st.SiteID] = lag
	}
	return out
}
