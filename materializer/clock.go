package materializer

import (
	"bytes"
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/safsdb/safs/changelog"
	"github.com/safsdb/safs/encoding"
	"github.com/safsdb/safs/rowstore"
)

// ClockTable holds the winning clock of every cell
const ClockTable = "__safs_clock"

var dialect = goqu.Dialect("sqlite3")

func clockDDL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		tbl TEXT NOT NULL,
		row_key TEXT NOT NULL,
		col TEXT NOT NULL,
		col_version INTEGER NOT NULL,
		site_id TEXT NOT NULL,
		op TEXT NOT NULL,
		value BLOB,
		PRIMARY KEY (tbl, row_key, col)
	)`, ClockTable)
}

// cellClock is the winning write of a cell. Value is msgpack encoded so
// equality does not depend on how the engine typed it.
type cellClock struct {
	exists  bool
	version uint64
	site    string
	op      changelog.OpType
	value   []byte
}

func clockOf(rec changelog.Record) (cellClock, error) {
	value, err := encoding.Marshal(encoding.NormalizeValue(rec.Value))
	if err != nil {
		return cellClock{}, fmt.Errorf("failed to encode value of %s: %w", rec.Cell(), err)
	}
	return cellClock{
		exists:  true,
		version: rec.ColumnVersion,
		site:    rec.SiteID,
		op:      rec.Op,
		value:   value,
	}, nil
}

// beats is the last-writer-wins rule: the higher column version wins, ties go
// to the lexicographically larger site id. An identical (version, site) does
// not beat itself.
func (c cellClock) beats(other cellClock) bool {
	if !other.exists {
		return true
	}
	if c.version != other.version {
		return c.version > other.version
	}
	return c.site > other.site
}

// sameContent reports whether applying c over other changes nothing visible
func (c cellClock) sameContent(other cellClock) bool {
	return other.exists && c.op == other.op && bytes.Equal(c.value, other.value)
}

func (c cellClock) decoded() (interface{}, error) {
	var v interface{}
	if len(c.value) == 0 {
		return nil, nil
	}
	if err := encoding.Unmarshal(c.value, &v); err != nil {
		return nil, err
	}
	return encoding.NormalizeValue(v), nil
}

func loadClock(ctx context.Context, x rowstore.Execer, cell changelog.Cell) (cellClock, error) {
	query, args, err := dialect.From(ClockTable).
		Select("col_version", "site_id", "op", "value").
		Where(goqu.Ex{"tbl": cell.Table, "row_key": cell.RowKey, "col": cell.Column}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return cellClock{}, err
	}

	rows, err := x.Exec(ctx, query, args...)
	if err != nil {
		return cellClock{}, err
	}
	if len(rows) == 0 {
		return cellClock{}, nil
	}
	return clockFromRow(rows[0]), nil
}

func clockFromRow(row rowstore.Row) cellClock {
	version, _ := row["col_version"].(int64)
	site, _ := row["site_id"].(string)
	op, _ := row["op"].(string)
	value, _ := row["value"].([]byte)
	return cellClock{
		exists:  true,
		version: uint64(version),
		site:    site,
		op:      changelog.OpType(op),
		value:   value,
	}
}

func storeClock(ctx context.Context, x rowstore.Execer, cell changelog.Cell, c cellClock) error {
	query, args, err := dialect.Insert(ClockTable).
		Rows(goqu.Record{
			"tbl":         cell.Table,
			"row_key":     cell.RowKey,
			"col":         cell.Column,
			"col_version": int64(c.version),
			"site_id":     c.site,
			"op":          string(c.op),
			"value":       c.value,
		}).
		OnConflict(goqu.DoUpdate("tbl, row_key, col", goqu.Record{
			"col_version": goqu.L("excluded.col_version"),
			"site_id":     goqu.L("excluded.site_id"),
			"op":          goqu.L("excluded.op"),
			"value":       goqu.L("excluded.value"),
		})).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}
	_, err = x.Exec(ctx, query, args...)
	return err
}

// rowClocks loads the clocks of every data column of a row
func rowClocks(ctx context.Context, x rowstore.Execer, table, rowKey string) (map[string]cellClock, error) {
	query, args, err := dialect.From(ClockTable).
		Select("col", "col_version", "site_id", "op", "value").
		Where(
			goqu.C("tbl").Eq(table),
			goqu.C("row_key").Eq(rowKey),
			goqu.C("col").Neq(changelog.TombstoneColumn),
		).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := x.Exec(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	out := make(map[string]cellClock, len(rows))
	for _, row := range rows {
		col, _ := row["col"].(string)
		out[col] = clockFromRow(row)
	}
	return out, nil
}
