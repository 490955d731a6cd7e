package changelog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(site string, dbv uint64, seq uint32, col string, value interface{}) Record {
	return Record{
		SiteID:        site,
		Table:         "todos",
		Column:        col,
		RowKey:        "r1",
		Value:         value,
		ColumnVersion: dbv,
		DBVersion:     dbv,
		TableVersion:  dbv,
		Op:            OpUpdate,
		Seq:           seq,
	}
}

func collect(t *testing.T, read func(fn func(Record) error) error) []Record {
	t.Helper()
	var out []Record
	require.NoError(t, read(func(r Record) error {
		out = append(out, r)
		return nil
	}))
	return out
}

func TestLog_AppendAndRead(t *testing.T) {
	l, err := OpenInMemory()
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append([]Record{
		rec("alpha", 1, 0, "title", "milk"),
		rec("alpha", 1, 1, "done", int64(0)),
		rec("beta", 1, 0, "title", "eggs"),
		rec("alpha", 2, 0, "done", int64(1)),
	}))

	assert.Equal(t, uint64(2), l.Head("alpha"))
	assert.Equal(t, uint64(1), l.Head("beta"))
	assert.Equal(t, uint64(0), l.Head("gamma"))
	assert.Equal(t, []string{"alpha", "beta"}, l.Sites())

	all := collect(t, l.ReadAll)
	require.Len(t, all, 4)

	alpha := collect(t, func(fn func(Record) error) error { return l.ReadSite("alpha", 0, fn) })
	require.Len(t, alpha, 3)
	assert.Equal(t, "milk", alpha[0].Value)
	assert.Equal(t, int64(0), alpha[1].Value)
	assert.Equal(t, uint64(2), alpha[2].DBVersion)

	after := collect(t, func(fn func(Record) error) error { return l.ReadSite("alpha", 1, fn) })
	require.Len(t, after, 1)
	assert.Equal(t, int64(1), after[0].Value)

	txn, err := l.ReadVersion("alpha", 1)
	require.NoError(t, err)
	assert.Len(t, txn, 2)

	n, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestLog_AppendIdempotent(t *testing.T) {
	l, err := OpenInMemory()
	require.NoError(t, err)
	defer l.Close()

	batch := []Record{rec("alpha", 1, 0, "title", "milk")}
	require.NoError(t, l.Append(batch))
	require.NoError(t, l.Append(batch))

	n, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Older records never lower the head
	require.NoError(t, l.Append([]Record{rec("alpha", 5, 0, "title", "x")}))
	require.NoError(t, l.Append([]Record{rec("alpha", 3, 0, "title", "y")}))
	assert.Equal(t, uint64(5), l.Head("alpha"))
}

func TestLog_RejectsInvalidRecords(t *testing.T) {
	l, err := OpenInMemory()
	require.NoError(t, err)
	defer l.Close()

	bad := rec("alpha", 1, 0, "title", "x")
	bad.Op = OpDelete
	assert.Error(t, l.Append([]Record{bad}))

	missing := rec("", 1, 0, "title", "x")
	assert.Error(t, l.Append([]Record{missing}))

	n, err := l.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLog_SiteIsolation(t *testing.T) {
	l, err := OpenInMemory()
	require.NoError(t, err)
	defer l.Close()

	// "a" is a prefix of "ab"; scans must not bleed
	require.NoError(t, l.Append([]Record{
		rec("a", 1, 0, "title", "x"),
		rec("ab", 1, 0, "title", "y"),
	}))

	got := collect(t, func(fn func(Record) error) error { return l.ReadSite("a", 0, fn) })
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].SiteID)
}

func TestLog_Reopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "changelog")

	l, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, l.Append([]Record{rec("alpha", 7, 0, "title", "x")}))
	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.Close(), ErrClosed)

	l, err = Open(dir)
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, uint64(7), l.Head("alpha"))
	n, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestLog_Compact(t *testing.T) {
	l, err := OpenInMemory()
	require.NoError(t, err)
	defer l.Close()

	tomb := Record{SiteID: "alpha", Table: "todos", Column: TombstoneColumn, RowKey: "r2", ColumnVersion: 1, DBVersion: 2, TableVersion: 2, Op: OpDelete}
	sibling := rec("alpha", 2, 1, "title", "gone")
	require.NoError(t, l.Append([]Record{rec("alpha", 1, 0, "title", "a")}))
	require.NoError(t, l.Append([]Record{tomb, sibling}))
	require.NoError(t, l.Append([]Record{rec("beta", 1, 0, "title", "c")}))
	require.NoError(t, l.Append([]Record{rec("alpha", 3, 0, "title", "b")}))

	deleted, err := l.Compact(4, true)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	// The tombstone transaction stays whole
	left := collect(t, func(fn func(Record) error) error { return l.ReadSince(0, fn) })
	require.Len(t, left, 3)
	assert.True(t, left[0].IsTombstone())
	assert.Equal(t, "gone", left[1].Value)
	assert.Equal(t, uint64(4), left[2].RV)

	deleted, err = l.Compact(4, false)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	// Heads and the receive version are untouched
	assert.Equal(t, uint64(3), l.Head("alpha"))
	assert.Equal(t, uint64(1), l.Head("beta"))
	assert.Equal(t, uint64(4), l.Version())
	all := collect(t, l.ReadAll)
	assert.Len(t, all, 1)
}

func TestLog_ReceiveVersions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "changelog")
	l, err := Open(dir)
	require.NoError(t, err)

	local := []Record{rec("alpha", 1, 0, "title", "milk"), rec("alpha", 1, 1, "done", int64(0))}
	require.NoError(t, l.Append(local))
	assert.Equal(t, []uint64{1, 1}, []uint64{local[0].RV, local[1].RV})

	// Received records take the next receive version whatever their origin
	received := []Record{rec("beta", 7, 0, "title", "eggs"), rec("gamma", 2, 0, "title", "jam")}
	received[0].RV = 40
	require.NoError(t, l.Append(received))
	assert.Equal(t, uint64(2), received[0].RV)
	assert.Equal(t, uint64(3), received[1].RV)

	// Redelivery keeps the original receive version
	again := []Record{rec("beta", 7, 0, "title", "eggs")}
	require.NoError(t, l.Append(again))
	assert.Equal(t, uint64(2), again[0].RV)
	assert.Equal(t, uint64(3), l.Version())

	// Out of order arrival of an older transaction is still shipped on
	require.NoError(t, l.Append([]Record{rec("beta", 3, 0, "title", "late")}))
	since := collect(t, func(fn func(Record) error) error { return l.ReadSince(2, fn) })
	require.Len(t, since, 2)
	assert.Equal(t, "gamma", since[0].SiteID)
	assert.Equal(t, uint64(3), since[1].DBVersion)
	assert.Equal(t, uint64(4), since[1].RV)
	require.NoError(t, l.Close())

	l, err = Open(dir)
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, uint64(4), l.Version())
	require.NoError(t, l.Append([]Record{rec("alpha", 2, 0, "title", "x")}))
	assert.Equal(t, uint64(5), l.Version())
}

func TestSortRecords(t *testing.T) {
	records := []Record{
		rec("beta", 2, 0, "a", nil),
		rec("alpha", 2, 0, "a", nil),
		rec("alpha", 1, 1, "a", nil),
		rec("beta", 1, 0, "a", nil),
	}
	SortRecords(records)

	var got []string
	for _, r := range records {
		got = append(got, r.SiteID)
	}
	assert.Equal(t, []string{"beta", "alpha", "alpha", "beta"}, got)
	assert.Equal(t, uint32(1), records[1].Seq)
}
