// Package changelog is the durable write side of a site: an append-only log of
// per-column change records, the single Writer that produces them, and the
// compaction that trims acknowledged history.
package changelog

import (
	"fmt"
	"sort"

	"github.com/safsdb/safs/hlc"
)

// OpType is the kind of mutation a record carries
type OpType string

const (
	OpInsert OpType = "insert"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// TombstoneColumn is the reserved column that carries row liveness. A delete
// record on it removes the row; a later insert record on it revives the row.
const TombstoneColumn = "__row"

// Record is one immutable per-column change.
type Record struct {
	SiteID        string      `msgpack:"site"`
	Table         string      `msgpack:"tbl"`
	Column        string      `msgpack:"col"`
	RowKey        string      `msgpack:"pk"`
	Value         interface{} `msgpack:"val"`
	ColumnVersion uint64      `msgpack:"cv"`
	DBVersion     uint64      `msgpack:"dbv"`
	TableVersion  uint64      `msgpack:"tv"`
	Op            OpType      `msgpack:"op"`
	Seq           uint32      `msgpack:"seq"`
	HLC           string      `msgpack:"hlc,omitempty"`
	// RV is the receive version of the record in the log holding it. On the
	// wire it is the sender's receive version.
	RV uint64 `msgpack:"rv,omitempty"`
}

// IsTombstone reports whether r deletes its row
func (r Record) IsTombstone() bool {
	return r.Column == TombstoneColumn && r.Op == OpDelete
}

// IsLiveness reports whether r is on the reserved liveness column
func (r Record) IsLiveness() bool {
	return r.Column == TombstoneColumn
}

// Cell identifies the (table, row, column) a record targets
func (r Record) Cell() Cell {
	return Cell{Table: r.Table, RowKey: r.RowKey, Column: r.Column}
}

// Timestamp parses the transaction HLC carried by the record
func (r Record) Timestamp() (hlc.HLC, error) {
	return hlc.Unpack(r.HLC)
}

// Validate checks the fields every record must carry
func (r Record) Validate() error {
	if r.SiteID == "" {
		return fmt.Errorf("record missing site_id")
	}
	if r.Table == "" || r.Column == "" || r.RowKey == "" {
		return fmt.Errorf("record %s/%d/%d missing table, column or row key", r.SiteID, r.DBVersion, r.Seq)
	}
	if r.DBVersion == 0 {
		return fmt.Errorf("record %s missing db_version", r.SiteID)
	}
	switch r.Op {
	case OpInsert, OpUpdate:
	case OpDelete:
		if r.Column != TombstoneColumn {
			return fmt.Errorf("delete record on column %s, expected %s", r.Column, TombstoneColumn)
		}
	default:
		return fmt.Errorf("record has unknown op %q", r.Op)
	}
	return nil
}

// Cell is a (table, row, column) coordinate
type Cell struct {
	Table  string
	RowKey string
	Column string
}

func (c Cell) String() string {
	return c.Table + "/" + c.RowKey + "/" + c.Column
}

// SortRecords orders records by (DBVersion, Seq, SiteID)
func SortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return Less(records[i], records[j])
	})
}

// Less is the materialization order
func Less(a, b Record) bool {
	if a.DBVersion != b.DBVersion {
		return a.DBVersion < b.DBVersion
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.SiteID < b.SiteID
}

// Site is the identity of a local replica: its id and the clock that stamps
// its transactions
type Site struct {
	ID    string
	Clock *hlc.Clock
}

// NewSite creates a site with its own clock
func NewSite(id string, now hlc.NowFunc) Site {
	return Site{ID: id, Clock: hlc.NewClock(id, now)}
}
