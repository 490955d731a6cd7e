package changelog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/safsdb/safs/telemetry"
)

// Policy decides how much of the log may be dropped.
type Policy interface {
	Name() string
	// Horizon returns the receive version below which records may go; 0 keeps everything.
	Horizon(ctx context.Context) (uint64, error)
}

// RetainAll never compacts
type RetainAll struct{}

func (RetainAll) Name() string { return "retain_all" }

func (RetainAll) Horizon(context.Context) (uint64, error) { return 0, nil }

// CursorSource lists the sent cursor of every tracked peer
type CursorSource interface {
	SentCursors(ctx context.Context) ([]uint64, error)
}

// AckedByAllPeers drops records every tracked peer has acknowledged.
// Peers that are not tracked yet are not protected.
type AckedByAllPeers struct {
	Cursors CursorSource
}

func (AckedByAllPeers) Name() string { return "acked_by_all_peers" }

func (p AckedByAllPeers) Horizon(ctx context.Context) (uint64, error) {
	cursors, err := p.Cursors.SentCursors(ctx)
	if err != nil {
		return 0, err
	}
	if len(cursors) == 0 {
		return 0, nil
	}

	min := cursors[0]
	for _, c := range cursors[1:] {
		if c < min {
			min = c
		}
	}
	// Records up to and including the cursor were delivered
	if min == 0 {
		return 0, nil
	}
	return min + 1, nil
}

// Compactor trims the log according to a Policy.
type Compactor struct {
	log            *Log
	policy         Policy
	keepTombstones bool

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewCompactor creates a compactor for l
func NewCompactor(l *Log, policy Policy, keepTombstones bool) *Compactor {
	if policy == nil {
		policy = RetainAll{}
	}
	return &Compactor{
		log:            l,
		policy:         policy,
		keepTombstones: keepTombstones,
		stopCh:         make(chan struct{}),
	}
}

// RunOnce compacts once and returns the number of deleted records
func (c *Compactor) RunOnce(ctx context.Context) (int, error) {
	horizon, err := c.policy.Horizon(ctx)
	if err != nil {
		telemetry.CompactionRunsTotal.With("failed").Inc()
		return 0, fmt.Errorf("policy %s: %w", c.policy.Name(), err)
	}

	deleted, err := c.log.Compact(horizon, c.keepTombstones)
	if err != nil {
		telemetry.CompactionRunsTotal.With("failed").Inc()
		return 0, err
	}

	telemetry.CompactionRunsTotal.With("success").Inc()
	telemetry.CompactedRecordsTotal.Add(float64(deleted))
	return deleted, nil
}

// Start runs compaction every interval until Stop
func (c *Compactor) Start(interval time.Duration) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				deleted, err := c.RunOnce(context.Background())
				if err != nil {
					log.Warn().Err(err).Str("policy", c.policy.Name()).Msg("Compaction failed")
					continue
				}
				if deleted > 0 {
					log.Info().Int("deleted", deleted).Str("policy", c.policy.Name()).Msg("Compacted change log")
				}
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the background loop
func (c *Compactor) Stop() {
	c.once.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}
