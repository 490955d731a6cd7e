package materializer

import (
	"context"
	"testing"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/safsdb/safs/changelog"
	"github.com/safsdb/safs/notify"
	"github.com/safsdb/safs/rowstore"
	"github.com/safsdb/safs/schema"
	"github.com/safsdb/safs/versions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   rowstore.Executor
	log     *changelog.Log
	tracker *versions.Tracker
	tables  *schema.Resolved
	hub     *notify.Hub
	m       *Materializer
}

func newFixture(t *testing.T, mode Mode) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := rowstore.OpenSQLite(":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	l, err := changelog.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	tables, err := schema.New(schema.Table{
		Name: "todos",
		Sync: true,
		Columns: []schema.Column{
			schema.Text("id").PrimaryKey(),
			schema.Text("title"),
			schema.Bool("done"),
		},
	}).Build()
	require.NoError(t, err)
	for _, ddl := range tables.DDL() {
		_, err := store.Exec(ctx, ddl)
		require.NoError(t, err)
	}

	tracker, err := versions.NewTracker(ctx, store, l, "alpha")
	require.NoError(t, err)

	hub := notify.NewHub()
	t.Cleanup(hub.Close)

	m, err := New(ctx, store, tracker, tables, hub, Config{Mode: mode, CacheSize: 64, QueueSize: 8})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	return &fixture{store: store, log: l, tracker: tracker, tables: tables, hub: hub, m: m}
}

func (f *fixture) row(t *testing.T, key string) (schema.Row, bool) {
	t.Helper()
	rows, err := f.store.Exec(context.Background(), `SELECT * FROM todos WHERE id = ?`, key)
	require.NoError(t, err)
	if len(rows) == 0 {
		return schema.Row{}, false
	}
	tbl, _ := f.tables.Table("todos")
	return tbl.Decode(rows[0]), true
}

func rec(site string, dbv uint64, seq uint32, column string, op changelog.OpType, cv uint64, value interface{}) changelog.Record {
	return changelog.Record{
		SiteID:        site,
		Table:         "todos",
		Column:        column,
		RowKey:        "r1",
		Value:         value,
		ColumnVersion: cv,
		DBVersion:     dbv,
		TableVersion:  dbv,
		Op:            op,
		Seq:           seq,
	}
}

func TestApply_InsertCreatesRow(t *testing.T) {
	f := newFixture(t, ModeSync)

	res, err := f.m.Apply(context.Background(), []changelog.Record{
		rec("alpha", 1, 0, "done", changelog.OpInsert, 1, false),
		rec("alpha", 1, 1, "title", changelog.OpInsert, 1, "milk"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.Len(t, res.Changes, 2)

	row, ok := f.row(t, "r1")
	require.True(t, ok)
	assert.Equal(t, "milk", row.String("title"))
	assert.False(t, row.Bool("done"))
}

func TestApply_Idempotent(t *testing.T) {
	f := newFixture(t, ModeSync)
	ctx := context.Background()

	batch := []changelog.Record{
		rec("beta", 1, 0, "title", changelog.OpInsert, 1, "milk"),
		rec("beta", 2, 0, "title", changelog.OpUpdate, 2, "eggs"),
	}

	_, err := f.m.Apply(ctx, batch)
	require.NoError(t, err)

	res, err := f.m.Apply(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Duplicate)
	assert.Zero(t, res.Applied)
	assert.Empty(t, res.Changes)

	row, ok := f.row(t, "r1")
	require.True(t, ok)
	assert.Equal(t, "eggs", row.String("title"))
	assert.Equal(t, uint64(2), f.tracker.Vector("beta").DB)
}

func TestApply_TieGoesToLargerSite(t *testing.T) {
	fromAlpha := rec("alpha", 1, 0, "title", changelog.OpInsert, 1, "from alpha")
	fromBeta := rec("beta", 1, 0, "title", changelog.OpInsert, 1, "from beta")

	orders := [][]changelog.Record{
		{fromAlpha, fromBeta},
		{fromBeta, fromAlpha},
	}

	for _, order := range orders {
		f := newFixture(t, ModeSync)
		for _, r := range order {
			_, err := f.m.Apply(context.Background(), []changelog.Record{r})
			require.NoError(t, err)
		}

		row, ok := f.row(t, "r1")
		require.True(t, ok)
		assert.Equal(t, "from beta", row.String("title"))
	}
}

func TestApply_OlderVersionLoses(t *testing.T) {
	f := newFixture(t, ModeSync)
	ctx := context.Background()

	_, err := f.m.Apply(ctx, []changelog.Record{rec("alpha", 3, 0, "title", changelog.OpUpdate, 3, "new")})
	require.NoError(t, err)

	res, err := f.m.Apply(ctx, []changelog.Record{rec("zeta", 1, 0, "title", changelog.OpInsert, 2, "old")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Lost)

	row, _ := f.row(t, "r1")
	assert.Equal(t, "new", row.String("title"))

	// Lost records still advance the tracker
	assert.False(t, f.tracker.IsNew(rec("zeta", 1, 0, "title", changelog.OpInsert, 2, "old")))
}

func TestApply_SameValueIsUnchanged(t *testing.T) {
	f := newFixture(t, ModeSync)
	ctx := context.Background()

	_, err := f.m.Apply(ctx, []changelog.Record{rec("alpha", 1, 0, "title", changelog.OpInsert, 1, "milk")})
	require.NoError(t, err)

	res, err := f.m.Apply(ctx, []changelog.Record{rec("beta", 1, 0, "title", changelog.OpInsert, 1, "milk")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unchanged)
	assert.Empty(t, res.Changes)
}

func TestApply_DeleteAndRevive(t *testing.T) {
	f := newFixture(t, ModeSync)
	ctx := context.Background()

	_, err := f.m.Apply(ctx, []changelog.Record{
		rec("alpha", 1, 0, "done", changelog.OpInsert, 1, false),
		rec("alpha", 1, 1, "title", changelog.OpInsert, 1, "milk"),
	})
	require.NoError(t, err)

	res, err := f.m.Apply(ctx, []changelog.Record{rec("alpha", 2, 0, changelog.TombstoneColumn, changelog.OpDelete, 1, nil)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	_, ok := f.row(t, "r1")
	assert.False(t, ok)

	// A concurrent update of a deleted row is kept but stays invisible
	res, err = f.m.Apply(ctx, []changelog.Record{rec("beta", 1, 0, "title", changelog.OpUpdate, 2, "eggs")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unchanged)
	_, ok = f.row(t, "r1")
	assert.False(t, ok)

	// Reviving rebuilds the row from the winning column clocks
	res, err = f.m.Apply(ctx, []changelog.Record{rec("alpha", 3, 0, changelog.TombstoneColumn, changelog.OpInsert, 2, nil)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)

	row, ok := f.row(t, "r1")
	require.True(t, ok)
	assert.Equal(t, "eggs", row.String("title"))
	assert.False(t, row.Bool("done"))
}

func TestApply_ConvergesRegardlessOfOrder(t *testing.T) {
	records := []changelog.Record{
		rec("alpha", 1, 0, "title", changelog.OpInsert, 1, "a1"),
		rec("alpha", 2, 0, changelog.TombstoneColumn, changelog.OpDelete, 1, nil),
		rec("beta", 1, 0, "title", changelog.OpUpdate, 2, "b2"),
		rec("beta", 2, 0, "done", changelog.OpUpdate, 1, true),
		rec("gamma", 1, 0, changelog.TombstoneColumn, changelog.OpInsert, 2, nil),
	}

	// Each site's records stay in order; sites interleave differently
	orders := [][]int{
		{0, 1, 2, 3, 4},
		{4, 2, 3, 0, 1},
		{2, 0, 4, 1, 3},
	}

	var want map[string]interface{}
	for i, order := range orders {
		f := newFixture(t, ModeSync)
		for _, idx := range order {
			_, err := f.m.Apply(context.Background(), []changelog.Record{records[idx]})
			require.NoError(t, err)
		}

		row, ok := f.row(t, "r1")
		require.True(t, ok, "order %d lost the row", i)
		got := row.Map()
		if want == nil {
			want = got
			continue
		}
		assert.Equal(t, want, got, "order %d diverged", i)
	}
	assert.Equal(t, "b2", want["title"])
	assert.Equal(t, true, want["done"])
}

func TestApply_OlderTransactionArrivingLate(t *testing.T) {
	ctx := context.Background()
	first := rec("alpha", 1, 0, "title", changelog.OpInsert, 1, "milk")
	second := rec("alpha", 2, 0, "done", changelog.OpUpdate, 1, true)

	var want map[string]interface{}
	for i, order := range [][]changelog.Record{{first, second}, {second, first}} {
		f := newFixture(t, ModeSync)
		for _, r := range order {
			res, err := f.m.Apply(ctx, []changelog.Record{r})
			require.NoError(t, err)
			assert.Equal(t, 1, res.Applied, "order %d", i)
			assert.Zero(t, res.Duplicate, "order %d", i)
		}

		row, ok := f.row(t, "r1")
		require.True(t, ok)
		got := row.Map()
		if want == nil {
			want = got
		} else {
			assert.Equal(t, want, got)
		}

		v := f.tracker.Vector("alpha")
		assert.Equal(t, uint64(2), v.DB)
		assert.Empty(t, v.Spans)

		// Both transactions are now closed
		res, err := f.m.Apply(ctx, order)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Duplicate)
	}
	assert.Equal(t, "milk", want["title"])
	assert.Equal(t, true, want["done"])
}

func TestApply_UnknownTableIsClockedOnly(t *testing.T) {
	f := newFixture(t, ModeSync)
	ctx := context.Background()

	r := rec("beta", 1, 0, "name", changelog.OpInsert, 4, "x")
	r.Table = "ghosts"

	res, err := f.m.Apply(ctx, []changelog.Record{r})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unchanged)

	v, err := f.m.CellVersion(ctx, "ghosts", "r1", "name")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), v)
}

func TestApply_FailedBatchRollsBack(t *testing.T) {
	f := newFixture(t, ModeSync)
	ctx := context.Background()

	good := rec("beta", 1, 0, "title", changelog.OpInsert, 1, "milk")
	bad := rec("beta", 1, 1, "title", "upsert", 2, "eggs")

	_, err := f.m.Apply(ctx, []changelog.Record{good, bad})
	require.Error(t, err)

	_, ok := f.row(t, "r1")
	assert.False(t, ok)
	assert.True(t, f.tracker.IsNew(good))

	v, err := f.m.CellVersion(ctx, "todos", "r1", "title")
	require.NoError(t, err)
	assert.Zero(t, v)

	// The good record alone applies cleanly afterwards
	res, err := f.m.Apply(ctx, []changelog.Record{good})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
}

func TestApply_PublishesAfterCommit(t *testing.T) {
	f := newFixture(t, ModeSync)

	ch, cancel, err := f.hub.Subscribe(notify.Dependency{Table: "todos", Column: "title"})
	require.NoError(t, err)
	defer cancel()

	_, err = f.m.Apply(context.Background(), []changelog.Record{
		rec("alpha", 1, 0, "done", changelog.OpInsert, 1, true),
		rec("alpha", 1, 1, "title", changelog.OpInsert, 1, "milk"),
	})
	require.NoError(t, err)

	select {
	case c := <-ch:
		assert.Equal(t, "title", c.Column)
		assert.Equal(t, "milk", c.Value)
		assert.Equal(t, uint64(1), c.DBVersion)
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}

	select {
	case c := <-ch:
		t.Fatalf("unexpected change %+v", c)
	default:
	}
}

func TestBackground_SubmitAndDrain(t *testing.T) {
	f := newFixture(t, ModeBackground)
	ctx := context.Background()

	futures := make([]*future.Future[Result], 0, 5)
	for i := uint64(1); i <= 5; i++ {
		futures = append(futures, f.m.Submit(ctx, []changelog.Record{
			rec("beta", i, 0, "title", changelog.OpUpdate, i, "v"),
		}))
	}

	require.NoError(t, f.m.Drain(ctx))
	assert.False(t, f.m.Pending())

	for _, fut := range futures {
		_, err := fut.Get()
		require.NoError(t, err)
	}

	v, err := f.m.CellVersion(ctx, "todos", "r1", "title")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v)
	assert.Equal(t, uint64(5), f.tracker.Vector("beta").DB)
}

func TestEnqueue_RequiresBackgroundMode(t *testing.T) {
	f := newFixture(t, ModeSync)
	_, err := f.m.Enqueue(context.Background(), []changelog.Record{rec("beta", 1, 0, "title", changelog.OpInsert, 1, "x")}).Get()
	assert.Error(t, err)
	assert.NoError(t, f.m.Drain(context.Background()))
}

func TestCatchup_AppliesUnseenLogRecords(t *testing.T) {
	f := newFixture(t, ModeSync)
	ctx := context.Background()

	require.NoError(t, f.log.Append([]changelog.Record{
		rec("alpha", 1, 0, "title", changelog.OpInsert, 1, "milk"),
		rec("alpha", 1, 1, "done", changelog.OpInsert, 1, false),
	}))
	require.NoError(t, f.log.Append([]changelog.Record{
		rec("alpha", 2, 0, "done", changelog.OpUpdate, 2, true),
	}))

	n, err := f.m.Catchup(ctx, f.log, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	row, ok := f.row(t, "r1")
	require.True(t, ok)
	assert.True(t, row.Bool("done"))

	n, err = f.m.Catchup(ctx, f.log, 2)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCatchup_KeepsTransactionsWhole(t *testing.T) {
	f := newFixture(t, ModeSync)
	ctx := context.Background()

	require.NoError(t, f.log.Append([]changelog.Record{
		rec("beta", 1, 0, "title", changelog.OpInsert, 1, "milk"),
		rec("beta", 1, 1, "done", changelog.OpInsert, 1, true),
	}))

	n, err := f.m.Catchup(ctx, f.log, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	row, ok := f.row(t, "r1")
	require.True(t, ok)
	assert.Equal(t, "milk", row.String("title"))
	assert.True(t, row.Bool("done"))
}
