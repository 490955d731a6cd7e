package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/safsdb/safs/cfg"
	"github.com/safsdb/safs/materializer"
	"github.com/safsdb/safs/notify"
	"github.com/safsdb/safs/schema"
	"github.com/safsdb/safs/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func todoSchema() schema.Schema {
	synced := schema.New(schema.Table{
		Name: "todos",
		Sync: true,
		Columns: []schema.Column{
			schema.Text("id").PrimaryKey(),
			schema.Text("title").NotNull(),
			schema.Bool("done").WithDefault(false),
			schema.Enum("priority", "low", "high").WithDefault("low"),
			schema.Text("slug").AsUnique(),
		},
	})
	local := schema.New(schema.Table{
		Name: "ui_state",
		Columns: []schema.Column{
			schema.Text("key").PrimaryKey(),
			schema.Text("value"),
		},
	})
	s, err := synced.Union(local)
	if err != nil {
		panic(err)
	}
	return s
}

func openMemory(t *testing.T, site string, mode materializer.Mode) *Store {
	t.Helper()
	s, err := Open(context.Background(), Options{
		SiteID:   site,
		Schema:   todoSchema(),
		InMemory: true,
		Mode:     mode,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func insertTodo(t *testing.T, s *Store, values map[string]interface{}) string {
	t.Helper()
	var key string
	_, err := s.Update(context.Background(), func(tx *Tx) error {
		var err error
		key, err = tx.Insert("todos", values)
		return err
	})
	require.NoError(t, err)
	return key
}

func TestStore_InsertUpdateDelete(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t, "alpha", materializer.ModeSync)

	key := insertTodo(t, s, map[string]interface{}{"title": "milk"})
	assert.Contains(t, key, ":alpha")

	row, ok, err := s.Get(ctx, "todos", key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "milk", row.String("title"))
	assert.False(t, row.Bool("done"))
	assert.Equal(t, "low", row.String("priority"))

	records, err := s.Update(ctx, func(tx *Tx) error {
		return tx.Update("todos", key, map[string]interface{}{"done": true})
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint64(2), records[0].DBVersion)
	assert.Equal(t, uint64(2), records[0].ColumnVersion)

	row, _, err = s.Get(ctx, "todos", key)
	require.NoError(t, err)
	assert.True(t, row.Bool("done"))

	_, err = s.Update(ctx, func(tx *Tx) error { return tx.Delete("todos", key) })
	require.NoError(t, err)
	_, ok, err = s.Get(ctx, "todos", key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_ValidationErrors(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t, "alpha", materializer.ModeSync)

	_, err := s.Update(ctx, func(tx *Tx) error {
		return tx.Update("todos", "missing", map[string]interface{}{"done": true})
	})
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = s.Update(ctx, func(tx *Tx) error {
		_, err := tx.Insert("todos", map[string]interface{}{"done": true})
		return err
	})
	assert.Error(t, err, "title is required")

	_, err = s.Update(ctx, func(tx *Tx) error {
		_, err := tx.Insert("todos", map[string]interface{}{"title": "x", "priority": "urgent"})
		return err
	})
	assert.Error(t, err)

	_, err = s.Update(ctx, func(tx *Tx) error {
		_, err := tx.Insert("nope", map[string]interface{}{"title": "x"})
		return err
	})
	assert.Error(t, err)

	// Failed transactions leave no trace in the log
	assert.Equal(t, uint64(0), s.Log().Head("alpha"))
}

func TestStore_InsertThenUpdateInOneTransaction(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t, "alpha", materializer.ModeSync)

	records, err := s.Update(ctx, func(tx *Tx) error {
		key, err := tx.Insert("todos", map[string]interface{}{"id": "t1", "title": "draft"})
		if err != nil {
			return err
		}
		return tx.Update("todos", key, map[string]interface{}{"title": "final"})
	})
	require.NoError(t, err)
	for _, r := range records {
		assert.Equal(t, uint64(1), r.DBVersion)
	}

	row, ok, err := s.Get(ctx, "todos", "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "final", row.String("title"))
}

func TestStore_LocalTablesSkipTheLog(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t, "alpha", materializer.ModeSync)

	records, err := s.Update(ctx, func(tx *Tx) error {
		_, err := tx.Insert("ui_state", map[string]interface{}{"key": "tab", "value": "inbox"})
		return err
	})
	require.NoError(t, err)
	assert.Empty(t, records)

	row, ok, err := s.Get(ctx, "ui_state", "tab")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "inbox", row.String("value"))

	count, err := s.LogRecordCount()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStore_ExecRefusesSyncedWrites(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t, "alpha", materializer.ModeSync)
	insertTodo(t, s, map[string]interface{}{"id": "t1", "title": "milk"})

	for _, q := range []string{
		`INSERT INTO todos (id, title) VALUES ('t2', 'eggs')`,
		`UPDATE "todos" SET title = 'eggs' WHERE id = 't1'`,
		`DELETE FROM todos WHERE id = 't1'`,
	} {
		_, err := s.Exec(ctx, q)
		assert.ErrorIs(t, err, ErrSyncedWrite, q)
	}

	row, ok, err := s.Get(ctx, "todos", "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "milk", row.String("title"))

	// Reads and local tables stay open to raw SQL
	rows, err := s.Exec(ctx, `SELECT title FROM todos`)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	_, err = s.Exec(ctx, `INSERT INTO ui_state (key, value) VALUES ('tab', 'inbox')`)
	require.NoError(t, err)
}

func TestStore_LiveQuery(t *testing.T) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	s := openMemory(t, "alpha", materializer.ModeSync)

	results := make(chan []schema.Row, 16)
	cancel, err := s.LiveQuery(ctx, Query{Table: "todos", Where: map[string]interface{}{"done": false}}, func(rows []schema.Row, err error) {
		if err == nil {
			results <- rows
		}
	})
	require.NoError(t, err)
	defer cancel()

	assert.Empty(t, <-results)

	insertTodo(t, s, map[string]interface{}{"id": "t1", "title": "milk"})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case rows := <-results:
			if len(rows) == 1 {
				assert.Equal(t, "milk", rows[0].String("title"))
				return
			}
		case <-deadline:
			t.Fatal("live query was not re-run")
		}
	}
}

func TestStore_DependenciesOfPointQueries(t *testing.T) {
	s := openMemory(t, "alpha", materializer.ModeSync)

	deps := s.dependencies(Query{Table: "todos", Where: map[string]interface{}{"id": "t1"}}, nil)
	assert.Equal(t, []notify.Dependency{{Table: "todos", RowKey: "t1"}}, deps)

	row := insertTodo(t, s, map[string]interface{}{"id": "t2", "title": "x", "slug": "buy-milk"})
	rows, err := s.Select(context.Background(), Query{Table: "todos", Where: map[string]interface{}{"slug": "buy-milk"}})
	require.NoError(t, err)
	deps = s.dependencies(Query{Table: "todos", Where: map[string]interface{}{"slug": "buy-milk"}}, rows)
	assert.Equal(t, []notify.Dependency{{Table: "todos", Column: "slug"}, {Table: "todos", RowKey: row}}, deps)

	deps = s.dependencies(Query{Table: "todos", Where: map[string]interface{}{"done": true}}, nil)
	assert.Equal(t, []notify.Dependency{{Table: "todos"}}, deps)
}

func TestStore_SyncConverges(t *testing.T) {
	ctx := context.Background()
	alpha := openMemory(t, "alpha", materializer.ModeSync)
	beta := openMemory(t, "beta", materializer.ModeBackground)

	network := transport.NewLoopback()
	network.Register("alpha", alpha)
	network.Register("beta", beta)
	require.NoError(t, alpha.AddPeer(ctx, "beta"))
	require.NoError(t, beta.AddPeer(ctx, "alpha"))

	insertTodo(t, alpha, map[string]interface{}{"id": "t1", "title": "from alpha"})
	insertTodo(t, beta, map[string]interface{}{"id": "t1", "title": "from beta"})
	insertTodo(t, beta, map[string]interface{}{"id": "t2", "title": "beta only"})

	require.NoError(t, alpha.SyncAll(ctx, network))
	require.NoError(t, beta.SyncAll(ctx, network))
	require.NoError(t, beta.Flush(ctx))

	for _, s := range []*Store{alpha, beta} {
		rows, err := s.Select(ctx, Query{Table: "todos"})
		require.NoError(t, err)
		require.Len(t, rows, 2, "site %s", s.Site())
		assert.Equal(t, "from beta", rows[0].String("title"))
		assert.Equal(t, "beta only", rows[1].String("title"))
	}

	// The receiving clock moved past the sender's
	assert.False(t, alpha.Clock().Current().IsZero())

	// beta's transactions reached alpha's log; the next round only moves the cursor
	assert.Equal(t, map[string]uint64{"beta": 2}, alpha.PeerLag())
	require.NoError(t, alpha.SyncAll(ctx, network))
	assert.Equal(t, map[string]uint64{"beta": 0}, alpha.PeerLag())
}

func TestStore_DeleteWinsUntilRevived(t *testing.T) {
	ctx := context.Background()
	alpha := openMemory(t, "alpha", materializer.ModeSync)
	beta := openMemory(t, "beta", materializer.ModeSync)
	network := transport.NewLoopback()
	network.Register("alpha", alpha)
	network.Register("beta", beta)
	require.NoError(t, alpha.AddPeer(ctx, "beta"))
	require.NoError(t, beta.AddPeer(ctx, "alpha"))

	insertTodo(t, alpha, map[string]interface{}{"id": "t1", "title": "milk"})
	require.NoError(t, alpha.SyncAll(ctx, network))

	// Concurrent delete on alpha and edit on beta
	_, err := alpha.Update(ctx, func(tx *Tx) error { return tx.Delete("todos", "t1") })
	require.NoError(t, err)
	_, err = beta.Update(ctx, func(tx *Tx) error {
		return tx.Update("todos", "t1", map[string]interface{}{"title": "oat milk"})
	})
	require.NoError(t, err)

	require.NoError(t, alpha.SyncAll(ctx, network))
	require.NoError(t, beta.SyncAll(ctx, network))

	for _, s := range []*Store{alpha, beta} {
		_, ok, err := s.Get(ctx, "todos", "t1")
		require.NoError(t, err)
		assert.False(t, ok, "site %s still shows the row", s.Site())
	}

	// Re-inserting revives the row everywhere
	insertTodo(t, beta, map[string]interface{}{"id": "t1", "title": "revived"})
	require.NoError(t, beta.SyncAll(ctx, network))

	row, ok, err := alpha.Get(ctx, "todos", "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "revived", row.String("title"))
}

func TestStore_ReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opts := Options{SiteID: "alpha", Schema: todoSchema(), Dir: dir}

	s, err := Open(ctx, opts)
	require.NoError(t, err)
	insertTodo(t, s, map[string]interface{}{"id": "t1", "title": "milk"})
	require.NoError(t, s.Close())

	s, err = Open(ctx, opts)
	require.NoError(t, err)
	defer s.Close()

	row, ok, err := s.Get(ctx, "todos", "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "milk", row.String("title"))

	records, err := s.Update(ctx, func(tx *Tx) error {
		return tx.Update("todos", "t1", map[string]interface{}{"title": "eggs"})
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), records[0].DBVersion)
	assert.Equal(t, uint64(2), records[0].ColumnVersion)
	assert.Equal(t, uint64(2), records[0].TableVersion)
}

func TestStore_CompactionAfterAck(t *testing.T) {
	ctx := context.Background()
	alpha, err := Open(ctx, Options{
		SiteID:     "alpha",
		Schema:     todoSchema(),
		InMemory:   true,
		Compaction: cfg.CompactionAckedByAllPeers,
	})
	require.NoError(t, err)
	defer alpha.Close()
	beta := openMemory(t, "beta", materializer.ModeSync)

	network := transport.NewLoopback()
	network.Register("beta", beta)
	require.NoError(t, alpha.AddPeer(ctx, "beta"))

	insertTodo(t, alpha, map[string]interface{}{"id": "t1", "title": "a"})
	insertTodo(t, alpha, map[string]interface{}{"id": "t2", "title": "b"})

	deleted, err := alpha.Compact(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted, "nothing is acknowledged yet")

	require.NoError(t, alpha.SyncAll(ctx, network))

	deleted, err = alpha.Compact(ctx)
	require.NoError(t, err)
	assert.Positive(t, deleted)

	// The head survives compaction, so new writes keep counting up
	records, err := alpha.Update(ctx, func(tx *Tx) error {
		return tx.Update("todos", "t1", map[string]interface{}{"title": "c"})
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), records[0].DBVersion)
}

func TestOptionsFromConfig(t *testing.T) {
	c := cfg.Default()
	c.SiteID = "alpha"
	c.Materializer.Mode = cfg.MaterializeBackground
	c.Sync.BatchSize = 7

	opts := OptionsFromConfig(c, todoSchema())
	assert.Equal(t, "alpha", opts.SiteID)
	assert.Equal(t, materializer.ModeBackground, opts.Mode)
	assert.Equal(t, 7, opts.Sync.BatchSize)
	assert.Equal(t, cfg.CompactionRetainAll, opts.Compaction)
	assert.True(t, opts.KeepTombstones)
}
