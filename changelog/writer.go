package changelog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"github.com/safsdb/safs/hlc"
	"github.com/safsdb/safs/telemetry"
)

// VersionSource reports the highest materialized column version of a cell.
type VersionSource interface {
	CellVersion(ctx context.Context, table, rowKey, column string) (uint64, error)
}

// Drainer is implemented by version sources that can lag behind the log.
type Drainer interface {
	Pending() bool
	Drain(ctx context.Context) error
}

// Mutation is one row level change inside a transaction.
type Mutation struct {
	Table  string
	RowKey string
	Op     OpType
	Values map[string]interface{} // Ignored for OpDelete
}

const defaultRecentCells = 4096

// Writer is the single writer of a site. Every Commit becomes one db_version.
type Writer struct {
	mu sync.Mutex

	site     Site
	log      *Log
	source   VersionSource
	tables   map[string]uint64
	recent   *lru.Cache[Cell, uint64]
	maxDrift int64
}

// NewWriter creates the writer of site. Table versions are recovered from the
// site's records already in the log.
func NewWriter(site Site, l *Log, source VersionSource, recentCells int) (*Writer, error) {
	if recentCells < 1 {
		recentCells = defaultRecentCells
	}
	recent, err := lru.New[Cell, uint64](recentCells)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		site:     site,
		log:      l,
		source:   source,
		tables:   make(map[string]uint64),
		recent:   recent,
		maxDrift: hlc.DefaultMaxDrift,
	}

	err = l.ReadSite(site.ID, 0, func(r Record) error {
		if r.TableVersion > w.tables[r.Table] {
			w.tables[r.Table] = r.TableVersion
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to recover table versions: %w", err)
	}

	return w, nil
}

// Site returns the identity the writer stamps records with
func (w *Writer) Site() Site {
	return w.site
}

// SetMaxDrift changes the drift tolerated before a clock-off warning
func (w *Writer) SetMaxDrift(ms int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.maxDrift = ms
}

// Commit turns mutations into records of a fresh db_version and appends them
// durably before returning them.
func (w *Writer) Commit(ctx context.Context, mutations []Mutation) ([]Record, error) {
	if len(mutations) == 0 {
		return nil, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	start := time.Now()
	records, err := w.build(ctx, mutations)
	if err != nil {
		telemetry.CommitsTotal.With("failed").Inc()
		return nil, err
	}

	if err := w.log.Append(records); err != nil {
		telemetry.CommitsTotal.With("failed").Inc()
		return nil, fmt.Errorf("failed to append transaction: %w", err)
	}

	// Publish only after the batch is durable
	for _, r := range records {
		w.recent.Add(r.Cell(), r.ColumnVersion)
		if r.TableVersion > w.tables[r.Table] {
			w.tables[r.Table] = r.TableVersion
		}
	}

	telemetry.CommitsTotal.With("success").Inc()
	telemetry.RecordsWrittenTotal.Add(float64(len(records)))
	telemetry.CommitDurationSeconds.Observe(time.Since(start).Seconds())

	log.Debug().
		Str("site", w.site.ID).
		Uint64("db_version", records[0].DBVersion).
		Int("records", len(records)).
		Msg("Committed transaction")

	return records, nil
}

func (w *Writer) build(ctx context.Context, mutations []Mutation) ([]Record, error) {
	ts := w.site.Clock.Now()
	if diag := w.site.Clock.Validate(w.maxDrift); diag != hlc.DiagnosticNone {
		telemetry.ClockDiagnosticsTotal.With(string(diag)).Inc()
		log.Warn().Str("site", w.site.ID).Str("diagnostic", string(diag)).Msg("Clock diagnostic on commit")
	}
	packed := hlc.Pack(ts)
	dbVersion := w.log.Head(w.site.ID) + 1

	// Versions assigned within this transaction, so a cell touched twice
	// keeps increasing
	cells := make(map[Cell]uint64)
	tables := make(map[string]uint64)

	var records []Record
	var seq uint32

	emit := func(m Mutation, column string, op OpType, value interface{}) error {
		cell := Cell{Table: m.Table, RowKey: m.RowKey, Column: column}
		prev, ok := cells[cell]
		if !ok {
			var err error
			prev, err = w.previousVersion(ctx, cell)
			if err != nil {
				return err
			}
		}
		cells[cell] = prev + 1

		tv, ok := tables[m.Table]
		if !ok {
			tv = w.tables[m.Table] + 1
			tables[m.Table] = tv
		}

		records = append(records, Record{
			SiteID:        w.site.ID,
			Table:         m.Table,
			Column:        column,
			RowKey:        m.RowKey,
			Value:         value,
			ColumnVersion: prev + 1,
			DBVersion:     dbVersion,
			TableVersion:  tv,
			Op:            op,
			Seq:           seq,
			HLC:           packed,
		})
		seq++
		return nil
	}

	for _, m := range mutations {
		if m.Table == "" || m.RowKey == "" {
			return nil, fmt.Errorf("mutation missing table or row key")
		}

		switch m.Op {
		case OpDelete:
			if err := emit(m, TombstoneColumn, OpDelete, nil); err != nil {
				return nil, err
			}
			continue

		case OpInsert:
			// A row with liveness history (or no columns) gets a liveness
			// record ahead of its columns
			livenessCell := Cell{Table: m.Table, RowKey: m.RowKey, Column: TombstoneColumn}
			prev, ok := cells[livenessCell]
			if !ok {
				var err error
				if prev, err = w.previousVersion(ctx, livenessCell); err != nil {
					return nil, err
				}
			}
			if prev > 0 || len(m.Values) == 0 {
				if err := emit(m, TombstoneColumn, OpInsert, nil); err != nil {
					return nil, err
				}
			}

		case OpUpdate:
		default:
			return nil, fmt.Errorf("unknown op %q", m.Op)
		}

		columns := make([]string, 0, len(m.Values))
		for col := range m.Values {
			if col == TombstoneColumn {
				return nil, fmt.Errorf("column %s is reserved", TombstoneColumn)
			}
			columns = append(columns, col)
		}
		sort.Strings(columns)

		for _, col := range columns {
			if err := emit(m, col, m.Op, m.Values[col]); err != nil {
				return nil, err
			}
		}
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("transaction produced no records")
	}
	return records, nil
}

// previousVersion is the highest version of cell this site knows about: the
// materialized clock, raised by this writer's own not yet materialized writes.
func (w *Writer) previousVersion(ctx context.Context, cell Cell) (uint64, error) {
	recent, hit := w.recent.Get(cell)
	if !hit {
		if d, ok := w.source.(Drainer); ok && d.Pending() {
			if err := d.Drain(ctx); err != nil {
				return 0, fmt.Errorf("failed to drain materializer: %w", err)
			}
		}
	}

	materialized, err := w.source.CellVersion(ctx, cell.Table, cell.RowKey, cell.Column)
	if err != nil {
		return 0, fmt.Errorf("failed to read version of %s: %w", cell, err)
	}

	if recent > materialized {
		return recent, nil
	}
	return materialized, nil
}
