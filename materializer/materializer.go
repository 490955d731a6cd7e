// Package materializer folds change records into the row store. Each cell
// keeps its winning clock; a record only touches a row when it beats that
// clock and changes the visible value.
package materializer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"
	"github.com/safsdb/safs/changelog"
	"github.com/safsdb/safs/notify"
	"github.com/safsdb/safs/rowstore"
	"github.com/safsdb/safs/telemetry"
	"github.com/safsdb/safs/versions"
)

// Mode selects where batches are applied
type Mode int

const (
	// ModeSync applies a batch in the submitting goroutine
	ModeSync Mode = iota
	// ModeBackground applies batches in order on one worker goroutine
	ModeBackground
)

func (m Mode) String() string {
	if m == ModeBackground {
		return "background"
	}
	return "sync"
}

// Tables tells the materializer how rows are keyed. Records for unknown
// tables or columns are clocked but not written.
type Tables interface {
	PrimaryKey(table string) (string, bool)
	HasColumn(table, column string) bool
}

// Publisher receives the visible changes of a committed batch
type Publisher interface {
	Publish(changes []notify.Change)
}

// Config configures a Materializer
type Config struct {
	Mode      Mode
	CacheSize int
	QueueSize int
}

// Result summarizes one batch
type Result struct {
	Applied   int // Won and changed the visible value
	Unchanged int // Won with the value already present
	Lost      int // Older than the cell clock
	Duplicate int // Already covered by the version tracker
	Changes   []notify.Change
}

type job struct {
	ctx     context.Context
	records []changelog.Record
	promise *future.Promise[Result]
}

// Materializer applies change records to the row store
type Materializer struct {
	store     rowstore.Executor
	tracker   *versions.Tracker
	tables    Tables
	publisher Publisher
	mode      Mode

	// Serializes batches; a batch is one row store transaction
	mu    sync.Mutex
	cache *lru.Cache[changelog.Cell, cellClock]

	queue   chan job
	pending atomic.Int64
	stopCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup

	// Held shared by Submit so Close never strands a queued job
	sendMu sync.RWMutex
}

// New creates the clock table if needed and, in background mode, starts the worker
func New(ctx context.Context, store rowstore.Executor, tracker *versions.Tracker, tables Tables, publisher Publisher, cfg Config) (*Materializer, error) {
	if cfg.CacheSize < 1 {
		cfg.CacheSize = 4096
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 256
	}

	cache, err := lru.New[changelog.Cell, cellClock](cfg.CacheSize)
	if err != nil {
		return nil, err
	}

	if _, err := store.Exec(ctx, clockDDL()); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", ClockTable, err)
	}

	m := &Materializer{
		store:     store,
		tracker:   tracker,
		tables:    tables,
		publisher: publisher,
		mode:      cfg.Mode,
		cache:     cache,
		stopCh:    make(chan struct{}),
	}

	if cfg.Mode == ModeBackground {
		m.queue = make(chan job, cfg.QueueSize)
		m.wg.Add(1)
		go m.worker()
	}

	return m, nil
}

// Mode returns the configured mode
func (m *Materializer) Mode() Mode {
	return m.mode
}

// Submit applies records according to the mode. In sync mode the returned
// future is already resolved.
func (m *Materializer) Submit(ctx context.Context, records []changelog.Record) *future.Future[Result] {
	if m.mode == ModeSync {
		p := future.NewPromise[Result]()
		res, err := m.Apply(ctx, records)
		p.Set(res, err)
		return p.Future()
	}
	return m.Enqueue(ctx, records)
}

// Enqueue hands records to the background worker
func (m *Materializer) Enqueue(ctx context.Context, records []changelog.Record) *future.Future[Result] {
	p := future.NewPromise[Result]()

	if m.queue == nil {
		p.Set(Result{}, fmt.Errorf("materializer is not in background mode"))
		return p.Future()
	}

	m.sendMu.RLock()
	defer m.sendMu.RUnlock()
	if m.stopped.Load() {
		p.Set(Result{}, fmt.Errorf("materializer is stopped"))
		return p.Future()
	}

	m.pending.Add(1)
	telemetry.MaterializeQueueDepth.Inc()
	select {
	case m.queue <- job{ctx: ctx, records: records, promise: p}:
	case <-ctx.Done():
		m.pending.Add(-1)
		telemetry.MaterializeQueueDepth.Dec()
		p.Set(Result{}, ctx.Err())
	}
	return p.Future()
}

// Pending reports whether background batches are waiting
func (m *Materializer) Pending() bool {
	return m.pending.Load() > 0
}

// Drain waits until every batch queued before the call has been applied.
// In sync mode it returns immediately.
func (m *Materializer) Drain(ctx context.Context) error {
	if m.queue == nil || !m.Pending() {
		return nil
	}
	// An empty batch acts as a barrier behind everything already queued
	_, err := m.Enqueue(ctx, nil).Get()
	return err
}

func (m *Materializer) worker() {
	defer m.wg.Done()

	for {
		select {
		case j := <-m.queue:
			m.run(j)
		case <-m.stopCh:
			for {
				select {
				case j := <-m.queue:
					m.run(j)
				default:
					return
				}
			}
		}
	}
}

func (m *Materializer) run(j job) {
	defer func() {
		m.pending.Add(-1)
		telemetry.MaterializeQueueDepth.Dec()
	}()

	if len(j.records) == 0 {
		j.promise.Set(Result{}, nil)
		return
	}

	res, err := m.Apply(j.ctx, j.records)
	if err != nil {
		log.Warn().Err(err).Int("records", len(j.records)).Msg("Background materialization failed")
	}
	j.promise.Set(res, err)
}

// Apply folds one batch into the row store in a single transaction. On error
// nothing is visible and the batch can be retried.
func (m *Materializer) Apply(ctx context.Context, records []changelog.Record) (Result, error) {
	if len(records) == 0 {
		return Result{}, nil
	}

	batch := make([]changelog.Record, len(records))
	copy(batch, records)
	changelog.SortRecords(batch)

	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	a := &applier{
		m:       m,
		pending: m.tracker.Begin(),
		staged:  make(map[changelog.Cell]cellClock),
	}

	err := m.store.Tx(ctx, func(x rowstore.Execer) error {
		for _, rec := range batch {
			if err := a.apply(ctx, x, rec); err != nil {
				return err
			}
		}
		return a.pending.Flush(ctx, x)
	})
	if err != nil {
		telemetry.MaterializeBatchesTotal.With(m.mode.String(), "failed").Inc()
		return Result{}, fmt.Errorf("failed to materialize batch: %w", err)
	}

	// Publish only after commit
	a.pending.Commit()
	for cell, c := range a.staged {
		m.cache.Add(cell, c)
	}

	telemetry.MaterializeBatchesTotal.With(m.mode.String(), "success").Inc()
	telemetry.MaterializeDurationSeconds.Observe(time.Since(start).Seconds())
	telemetry.RecordsAppliedTotal.With("applied").Add(float64(a.result.Applied))
	telemetry.RecordsAppliedTotal.With("unchanged").Add(float64(a.result.Unchanged))
	telemetry.RecordsAppliedTotal.With("lost").Add(float64(a.result.Lost))
	telemetry.RecordsAppliedTotal.With("duplicate").Add(float64(a.result.Duplicate))

	if m.publisher != nil && len(a.result.Changes) > 0 {
		m.publisher.Publish(a.result.Changes)
	}

	log.Debug().
		Int("applied", a.result.Applied).
		Int("unchanged", a.result.Unchanged).
		Int("lost", a.result.Lost).
		Int("duplicate", a.result.Duplicate).
		Msg("Materialized batch")

	return a.result, nil
}

// CellVersion returns the winning column version of a cell, 0 if never written
func (m *Materializer) CellVersion(ctx context.Context, table, rowKey, column string) (uint64, error) {
	cell := changelog.Cell{Table: table, RowKey: rowKey, Column: column}
	if c, ok := m.cache.Get(cell); ok {
		telemetry.CellCacheTotal.With("hit").Inc()
		return c.version, nil
	}
	telemetry.CellCacheTotal.With("miss").Inc()

	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := loadClock(ctx, m.store, cell)
	if err != nil {
		return 0, err
	}
	m.cache.Add(cell, c)
	return c.version, nil
}

// Catchup applies log records the tracker has not seen, in chunks. It is run
// at startup to finish batches that were appended but not materialized.
func (m *Materializer) Catchup(ctx context.Context, l *changelog.Log, chunk int) (int, error) {
	if chunk < 1 {
		chunk = 500
	}

	var buf []changelog.Record
	total := 0
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if _, err := m.Apply(ctx, buf); err != nil {
			return err
		}
		total += len(buf)
		buf = buf[:0]
		return nil
	}

	// chunks end on transaction boundaries
	err := l.ReadAll(func(r changelog.Record) error {
		if !m.tracker.IsNew(r) {
			return nil
		}
		if n := len(buf); n >= chunk && (buf[n-1].SiteID != r.SiteID || buf[n-1].DBVersion != r.DBVersion) {
			if err := flush(); err != nil {
				return err
			}
		}
		buf = append(buf, r)
		return nil
	})
	if err != nil {
		return total, err
	}
	if err := flush(); err != nil {
		return total, err
	}

	if total > 0 {
		log.Info().Int("records", total).Msg("Materialized records left behind by previous run")
	}
	return total, nil
}

// Close stops the background worker after queued batches are applied
func (m *Materializer) Close() {
	m.sendMu.Lock()
	if !m.stopped.CompareAndSwap(false, true) {
		m.sendMu.Unlock()
		return
	}
	close(m.stopCh)
	m.sendMu.Unlock()

	m.wg.Wait()
}
