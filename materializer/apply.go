package materializer

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/rs/zerolog/log"
	"github.com/safsdb/safs/changelog"
	"github.com/safsdb/safs/encoding"
	"github.com/safsdb/safs/notify"
	"github.com/safsdb/safs/rowstore"
	"github.com/safsdb/safs/telemetry"
	"github.com/safsdb/safs/versions"
)

// applier carries the state of one batch transaction
type applier struct {
	m       *Materializer
	pending *versions.Pending
	staged  map[changelog.Cell]cellClock
	result  Result
}

func (a *applier) clock(ctx context.Context, x rowstore.Execer, cell changelog.Cell) (cellClock, error) {
	if c, ok := a.staged[cell]; ok {
		return c, nil
	}
	if c, ok := a.m.cache.Get(cell); ok {
		telemetry.CellCacheTotal.With("hit").Inc()
		return c, nil
	}
	telemetry.CellCacheTotal.With("miss").Inc()
	return loadClock(ctx, x, cell)
}

func (a *applier) apply(ctx context.Context, x rowstore.Execer, rec changelog.Record) error {
	if !a.pending.IsNew(rec) {
		a.result.Duplicate++
		return nil
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	cell := rec.Cell()
	current, err := a.clock(ctx, x, cell)
	if err != nil {
		return fmt.Errorf("failed to load clock of %s: %w", cell, err)
	}
	incoming, err := clockOf(rec)
	if err != nil {
		return err
	}

	a.pending.Record(rec)

	if !incoming.beats(current) {
		a.result.Lost++
		return nil
	}

	if err := storeClock(ctx, x, cell, incoming); err != nil {
		return fmt.Errorf("failed to store clock of %s: %w", cell, err)
	}
	a.staged[cell] = incoming

	if incoming.sameContent(current) {
		a.result.Unchanged++
		return nil
	}

	pk, known := a.m.tables.PrimaryKey(rec.Table)
	if !known {
		log.Debug().Str("table", rec.Table).Msg("Clocked change for table outside local schema")
		a.result.Unchanged++
		return nil
	}

	if rec.IsLiveness() {
		return a.applyLiveness(ctx, x, pk, rec)
	}

	if !a.m.tables.HasColumn(rec.Table, rec.Column) {
		log.Debug().Str("table", rec.Table).Str("column", rec.Column).Msg("Clocked change for column outside local schema")
		a.result.Unchanged++
		return nil
	}

	live, err := a.rowLive(ctx, x, rec.Table, rec.RowKey)
	if err != nil {
		return err
	}
	if !live {
		// Kept in the clock table; shows up if the row is revived
		a.result.Unchanged++
		return nil
	}

	value := encoding.NormalizeValue(rec.Value)
	if err := upsertRow(ctx, x, rec.Table, pk, rec.RowKey, map[string]interface{}{rec.Column: value}); err != nil {
		return err
	}
	a.changed(rec, value)
	return nil
}

func (a *applier) applyLiveness(ctx context.Context, x rowstore.Execer, pk string, rec changelog.Record) error {
	if rec.Op == changelog.OpDelete {
		query, args, err := dialect.Delete(goqu.T(rec.Table)).
			Where(goqu.C(pk).Eq(rec.RowKey)).
			Prepared(true).
			ToSQL()
		if err != nil {
			return err
		}
		if _, err := x.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to delete %s/%s: %w", rec.Table, rec.RowKey, err)
		}
		a.changed(rec, nil)
		return nil
	}

	// Revive: the row is rebuilt from the winning clock of every column,
	// including writes that arrived while it was deleted
	clocks, err := rowClocks(ctx, x, rec.Table, rec.RowKey)
	if err != nil {
		return fmt.Errorf("failed to load clocks of %s/%s: %w", rec.Table, rec.RowKey, err)
	}
	values := make(map[string]interface{}, len(clocks))
	for col, c := range clocks {
		if col == pk || !a.m.tables.HasColumn(rec.Table, col) {
			continue
		}
		v, err := c.decoded()
		if err != nil {
			return fmt.Errorf("failed to decode clock of %s/%s/%s: %w", rec.Table, rec.RowKey, col, err)
		}
		values[col] = v
	}

	if err := upsertRow(ctx, x, rec.Table, pk, rec.RowKey, values); err != nil {
		return err
	}
	a.changed(rec, nil)
	return nil
}

func (a *applier) rowLive(ctx context.Context, x rowstore.Execer, table, rowKey string) (bool, error) {
	c, err := a.clock(ctx, x, changelog.Cell{Table: table, RowKey: rowKey, Column: changelog.TombstoneColumn})
	if err != nil {
		return false, err
	}
	return !(c.exists && c.op == changelog.OpDelete), nil
}

func (a *applier) changed(rec changelog.Record, value interface{}) {
	a.result.Applied++
	a.result.Changes = append(a.result.Changes, notify.Change{
		SiteID:    rec.SiteID,
		Table:     rec.Table,
		RowKey:    rec.RowKey,
		Column:    rec.Column,
		Op:        string(rec.Op),
		Value:     value,
		DBVersion: rec.DBVersion,
	})
}

func upsertRow(ctx context.Context, x rowstore.Execer, table, pk, rowKey string, values map[string]interface{}) error {
	row := goqu.Record{pk: rowKey}
	update := goqu.Record{}
	for col, v := range values {
		row[col] = v
		update[col] = goqu.I("excluded." + col)
	}

	var conflict exp.ConflictExpression = goqu.DoNothing()
	if len(update) > 0 {
		conflict = goqu.DoUpdate(`"`+pk+`"`, update)
	}

	query, args, err := dialect.Insert(goqu.T(table)).
		Rows(row).
		OnConflict(conflict).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}
	if _, err := x.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", table, rowKey, err)
	}
	return nil
}
