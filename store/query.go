package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/doug-martin/goqu/v9"
	rqlitesql "github.com/rqlite/sql"
	"github.com/rs/zerolog/log"
	"github.com/safsdb/safs/encoding"
	"github.com/safsdb/safs/notify"
	"github.com/safsdb/safs/peersync"
	"github.com/safsdb/safs/rowstore"
	"github.com/safsdb/safs/schema"
)

// Query selects rows of one table by column equality
type Query struct {
	Table   string
	Where   map[string]interface{}
	OrderBy string
	Limit   uint
}

// Get reads one row by key
func (s *Store) Get(ctx context.Context, table, rowKey string) (schema.Row, bool, error) {
	t, ok := s.tables.Table(table)
	if !ok {
		return schema.Row{}, false, fmt.Errorf("unknown table %s", table)
	}
	rows, err := s.Select(ctx, Query{Table: table, Where: map[string]interface{}{t.PK: rowKey}, Limit: 1})
	if err != nil {
		return schema.Row{}, false, err
	}
	if len(rows) == 0 {
		return schema.Row{}, false, nil
	}
	return rows[0], true, nil
}

// Select runs q against the materialized rows
func (s *Store) Select(ctx context.Context, q Query) ([]schema.Row, error) {
	t, ok := s.tables.Table(q.Table)
	if !ok {
		return nil, fmt.Errorf("unknown table %s", q.Table)
	}

	ds := dialect.From(goqu.T(q.Table))
	if len(q.Where) > 0 {
		where := goqu.Ex{}
		for col, v := range q.Where {
			if _, known := t.Column(col); !known {
				return nil, fmt.Errorf("unknown column %s.%s", q.Table, col)
			}
			where[col] = v
		}
		ds = ds.Where(where)
	}
	if q.OrderBy != "" {
		if _, known := t.Column(q.OrderBy); !known {
			return nil, fmt.Errorf("unknown column %s.%s", q.Table, q.OrderBy)
		}
		ds = ds.Order(goqu.C(q.OrderBy).Asc())
	} else {
		ds = ds.Order(goqu.C(t.PK).Asc())
	}
	if q.Limit > 0 {
		ds = ds.Limit(q.Limit)
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}
	raw, err := s.rows.Exec(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	out := make([]schema.Row, 0, len(raw))
	for _, r := range raw {
		out = append(out, t.Decode(r))
	}
	return out, nil
}

// Exec runs raw SQL against the row store. Writes made this way bypass the
// change log, so they are refused on synced tables.
func (s *Store) Exec(ctx context.Context, query string, args ...any) ([]rowstore.Row, error) {
	if table := writtenTable(query); table != "" && s.tables.IsSynced(table) {
		return nil, fmt.Errorf("%w: %s", ErrSyncedWrite, table)
	}
	return s.rows.Exec(ctx, query, args...)
}

// writtenTable returns the table an INSERT, UPDATE or DELETE targets
func writtenTable(query string) string {
	stmt, err := rqlitesql.NewParser(strings.NewReader(query)).ParseStatement()
	if err != nil {
		return ""
	}

	switch s := stmt.(type) {
	case *rqlitesql.InsertStatement:
		return rqlitesql.IdentName(s.Table)
	case *rqlitesql.UpdateStatement:
		if s.Table != nil {
			return s.Table.TableName()
		}
	case *rqlitesql.DeleteStatement:
		if s.Table != nil {
			return s.Table.TableName()
		}
	}
	return ""
}

// Subscribe delivers materialized changes matching deps
func (s *Store) Subscribe(deps ...notify.Dependency) (<-chan notify.Change, func(), error) {
	return s.hub.Subscribe(deps...)
}

// dependencies derives what q reads. A point lookup on the primary key
// depends on that row only; a lookup on a unique column depends on that
// column plus the rows it currently matches; anything else on the table.
func (s *Store) dependencies(q Query, rows []schema.Row) []notify.Dependency {
	t, ok := s.tables.Table(q.Table)
	if !ok || len(q.Where) != 1 {
		return []notify.Dependency{{Table: q.Table}}
	}

	for col, v := range q.Where {
		if col == t.PK {
			if key, err := schema.KeyString(encoding.NormalizeValue(v)); err == nil {
				return []notify.Dependency{{Table: q.Table, RowKey: key}}
			}
		}
		for _, unique := range t.UniqueColumns() {
			if unique != col {
				continue
			}
			deps := []notify.Dependency{{Table: q.Table, Column: col}}
			for _, r := range rows {
				if key, err := schema.KeyString(r.Value(t.PK)); err == nil {
					deps = append(deps, notify.Dependency{Table: q.Table, RowKey: key})
				}
			}
			return deps
		}
	}
	return []notify.Dependency{{Table: q.Table}}
}

func sameDependencies(a, b []notify.Dependency) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// LiveQuery runs q now and again whenever a change it depends on lands,
// calling fn with every result. Bursts of changes are coalesced into one
// re-run. The returned cancel stops it; so does ctx.
func (s *Store) LiveQuery(ctx context.Context, q Query, fn func([]schema.Row, error)) (func(), error) {
	rows, err := s.Select(ctx, q)
	if err != nil {
		return nil, err
	}
	deps := s.dependencies(q, rows)
	ch, unsubscribe, err := s.hub.Subscribe(deps...)
	if err != nil {
		return nil, err
	}
	fn(rows, nil)

	stop := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(stop) }) }

	go func() {
		defer func() { unsubscribe() }()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
			}

		coalesce:
			for {
				select {
				case _, ok := <-ch:
					if !ok {
						return
					}
				default:
					break coalesce
				}
			}

			rows, err := s.Select(ctx, q)
			fn(rows, err)
			if err != nil {
				log.Debug().Err(err).Str("table", q.Table).Msg("Live query re-run failed")
				continue
			}

			if next := s.dependencies(q, rows); !sameDependencies(deps, next) {
				nextCh, nextUnsubscribe, err := s.hub.Subscribe(next...)
				if err != nil {
					continue
				}
				unsubscribe()
				ch, unsubscribe, deps = nextCh, nextUnsubscribe, next
			}
		}
	}()

	return cancel, nil
}

// AddPeer starts tracking a peer
func (s *Store) AddPeer(ctx context.Context, peer string) error {
	return s.sync.AddPeer(ctx, peer)
}

// ReceiveSyncPayload implements peersync.Receiver
func (s *Store) ReceiveSyncPayload(ctx context.Context, peer string, batch peersync.Batch) error {
	return s.sync.ReceiveSyncPayload(ctx, peer, batch)
}

// SyncWith sends peer everything it is missing
func (s *Store) SyncWith(ctx context.Context, peer string, sender peersync.Sender) (int, error) {
	return s.sync.SyncPeer(ctx, peer, sender)
}

// SyncAll runs a sync round with every tracked peer
func (s *Store) SyncAll(ctx context.Context, sender peersync.Sender) error {
	return s.sync.SyncAll(ctx, sender)
}
