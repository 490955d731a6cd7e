package store

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/safsdb/safs/changelog"
	"github.com/safsdb/safs/materializer"
	"github.com/safsdb/safs/notify"
	"github.com/safsdb/safs/rowstore"
	"github.com/safsdb/safs/schema"
)

var dialect = goqu.Dialect("sqlite3")

// localWrite is a change to a table that is not replicated
type localWrite struct {
	table  *schema.ResolvedTable
	rowKey string
	op     changelog.OpType
	values map[string]interface{}
}

// Tx collects the writes of one Update call. Writes to synced tables become
// one db_version; writes to local tables go straight to the row store.
type Tx struct {
	ctx       context.Context
	s         *Store
	mutations []changelog.Mutation
	local     []localWrite
	inserted  map[string]bool
	deleted   map[string]bool
}

func txKey(table, rowKey string) string {
	return table + "\x00" + rowKey
}

// Update runs fn and commits its writes. Nothing is written if fn fails.
// It returns the change records of the synced part.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) ([]changelog.Record, error) {
	tx := &Tx{
		ctx:      ctx,
		s:        s,
		inserted: make(map[string]bool),
		deleted:  make(map[string]bool),
	}
	if err := fn(tx); err != nil {
		return nil, err
	}

	var records []changelog.Record
	if len(tx.mutations) > 0 {
		var err error
		records, err = s.writer.Commit(ctx, tx.mutations)
		if err != nil {
			return nil, err
		}

		// The transaction is durable from here; materialization can be
		// retried from the log
		fut := s.mat.Submit(ctx, records)
		if s.mat.Mode() == materializer.ModeSync {
			if _, err := fut.Get(); err != nil {
				return records, fmt.Errorf("transaction committed but not materialized: %w", err)
			}
		}
	}

	if len(tx.local) > 0 {
		if err := s.applyLocal(ctx, tx.local); err != nil {
			return records, err
		}
	}
	return records, nil
}

func (tx *Tx) table(name string) (*schema.ResolvedTable, error) {
	t, ok := tx.s.tables.Table(name)
	if !ok {
		return nil, fmt.Errorf("unknown table %s", name)
	}
	return t, nil
}

// Insert adds or replaces a row and returns its key. A missing text primary
// key is generated.
func (tx *Tx) Insert(table string, values map[string]interface{}) (string, error) {
	t, err := tx.table(table)
	if err != nil {
		return "", err
	}

	if _, ok := values[t.PK]; !ok {
		pkCol, _ := t.Column(t.PK)
		if pkCol.Kind != schema.KindText {
			return "", fmt.Errorf("missing primary key %s.%s", table, t.PK)
		}
		withKey := make(map[string]interface{}, len(values)+1)
		for k, v := range values {
			withKey[k] = v
		}
		withKey[t.PK] = tx.s.NextID()
		values = withKey
	}

	rowKey, cols, err := t.PrepareInsert(values)
	if err != nil {
		return "", err
	}

	key := txKey(table, rowKey)
	tx.inserted[key] = true
	delete(tx.deleted, key)

	if !t.Sync {
		tx.local = append(tx.local, localWrite{table: t, rowKey: rowKey, op: changelog.OpInsert, values: cols})
		return rowKey, nil
	}
	tx.mutations = append(tx.mutations, changelog.Mutation{Table: table, RowKey: rowKey, Op: changelog.OpInsert, Values: cols})
	return rowKey, nil
}

// Update changes columns of an existing row
func (tx *Tx) Update(table, rowKey string, values map[string]interface{}) error {
	t, err := tx.table(table)
	if err != nil {
		return err
	}
	cols, err := t.PrepareUpdate(values)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return nil
	}
	if err := tx.mustExist(t, rowKey); err != nil {
		return err
	}

	if !t.Sync {
		tx.local = append(tx.local, localWrite{table: t, rowKey: rowKey, op: changelog.OpUpdate, values: cols})
		return nil
	}
	tx.mutations = append(tx.mutations, changelog.Mutation{Table: table, RowKey: rowKey, Op: changelog.OpUpdate, Values: cols})
	return nil
}

// Delete removes a row
func (tx *Tx) Delete(table, rowKey string) error {
	t, err := tx.table(table)
	if err != nil {
		return err
	}
	if err := tx.mustExist(t, rowKey); err != nil {
		return err
	}

	key := txKey(table, rowKey)
	tx.deleted[key] = true
	delete(tx.inserted, key)

	if !t.Sync {
		tx.local = append(tx.local, localWrite{table: t, rowKey: rowKey, op: changelog.OpDelete})
		return nil
	}
	tx.mutations = append(tx.mutations, changelog.Mutation{Table: table, RowKey: rowKey, Op: changelog.OpDelete})
	return nil
}

func (tx *Tx) mustExist(t *schema.ResolvedTable, rowKey string) error {
	key := txKey(t.Name, rowKey)
	if tx.inserted[key] {
		return nil
	}
	if tx.deleted[key] {
		return fmt.Errorf("%s/%s: %w", t.Name, rowKey, ErrNotFound)
	}

	// Our own writes may still be queued for background materialization
	if err := tx.s.mat.Drain(tx.ctx); err != nil {
		return err
	}
	_, found, err := tx.s.Get(tx.ctx, t.Name, rowKey)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%s/%s: %w", t.Name, rowKey, ErrNotFound)
	}
	return nil
}

func (s *Store) applyLocal(ctx context.Context, writes []localWrite) error {
	err := s.rows.Tx(ctx, func(x rowstore.Execer) error {
		for _, w := range writes {
			query, args, err := localSQL(w)
			if err != nil {
				return err
			}
			if _, err := x.Exec(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to write %s/%s: %w", w.table.Name, w.rowKey, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	changes := make([]notify.Change, 0, len(writes))
	for _, w := range writes {
		if w.op == changelog.OpDelete {
			changes = append(changes, notify.Change{SiteID: s.site.ID, Table: w.table.Name, RowKey: w.rowKey, Column: notify.LivenessColumn, Op: string(w.op)})
			continue
		}
		for _, col := range schema.SortedColumnNames(w.values) {
			changes = append(changes, notify.Change{SiteID: s.site.ID, Table: w.table.Name, RowKey: w.rowKey, Column: col, Op: string(w.op), Value: w.values[col]})
		}
	}
	s.hub.Publish(changes)
	return nil
}

func localSQL(w localWrite) (string, []interface{}, error) {
	pk := w.table.PK
	switch w.op {
	case changelog.OpDelete:
		return dialect.Delete(goqu.T(w.table.Name)).
			Where(goqu.C(pk).Eq(w.rowKey)).
			Prepared(true).
			ToSQL()

	case changelog.OpUpdate:
		return dialect.Update(goqu.T(w.table.Name)).
			Set(goqu.Record(w.values)).
			Where(goqu.C(pk).Eq(w.rowKey)).
			Prepared(true).
			ToSQL()

	default:
		row := goqu.Record{pk: w.rowKey}
		update := goqu.Record{}
		for col, v := range w.values {
			row[col] = v
			update[col] = goqu.I("excluded." + col)
		}
		var conflict exp.ConflictExpression = goqu.DoNothing()
		if len(update) > 0 {
			conflict = goqu.DoUpdate(`"`+pk+`"`, update)
		}
		return dialect.Insert(goqu.T(w.table.Name)).
			Rows(row).
			OnConflict(conflict).
			Prepared(true).
			ToSQL()
	}
}
