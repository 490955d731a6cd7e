package schema

import (
	"context"
	"testing"

	"github.com/safsdb/safs/rowstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func todoSchema() Schema {
	return New(
		Table{
			Name: "users",
			Sync: true,
			Columns: []Column{
				Text("id").PrimaryKey(),
				Text("name").NotNull(),
			},
		},
		Table{
			Name: "todos",
			Sync: true,
			Columns: []Column{
				Text("id").PrimaryKey(),
				Text("user_id").NotNull(),
				Text("todo").NotNull(),
				Enum("status", "complete", "incomplete").WithDefault("incomplete"),
			},
		},
	)
}

func appSchema() Schema {
	return New(Table{
		Name:    "ui_state",
		Sync:    false,
		Columns: []Column{Text("key").PrimaryKey(), Bool("is_modal_open").WithDefault(false)},
	})
}

func TestBuild(t *testing.T) {
	r, err := todoSchema().Build()
	require.NoError(t, err)

	assert.Equal(t, []string{"users", "todos"}, r.TableNames())

	pk, ok := r.PrimaryKey("todos")
	assert.True(t, ok)
	assert.Equal(t, "id", pk)

	assert.True(t, r.HasColumn("todos", "status"))
	assert.False(t, r.HasColumn("todos", "missing"))
	assert.False(t, r.HasColumn("nope", "id"))
	assert.True(t, r.IsSynced("todos"))
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name  string
		table Table
	}{
		{"no pk", Table{Name: "t", Columns: []Column{Text("a")}}},
		{"two pks", Table{Name: "t", Columns: []Column{Text("a").PrimaryKey(), Text("b").PrimaryKey()}}},
		{"bool pk", Table{Name: "t", Columns: []Column{Bool("a").PrimaryKey()}}},
		{"bad table name", Table{Name: "drop table", Columns: []Column{Text("a").PrimaryKey()}}},
		{"reserved table", Table{Name: "__safs_x", Columns: []Column{Text("a").PrimaryKey()}}},
		{"reserved column", Table{Name: "t", Columns: []Column{Text("id").PrimaryKey(), Text("__row")}}},
		{"duplicate column", Table{Name: "t", Columns: []Column{Text("id").PrimaryKey(), Text("a"), Text("a")}}},
		{"empty enum", Table{Name: "t", Columns: []Column{Text("id").PrimaryKey(), Enum("e")}}},
		{"bad default", Table{Name: "t", Columns: []Column{Text("id").PrimaryKey(), Enum("e", "x").WithDefault("y")}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.table).Build()
			assert.Error(t, err)
		})
	}
}

func TestUnion(t *testing.T) {
	merged, err := todoSchema().Union(appSchema())
	require.NoError(t, err)

	r, err := merged.Build()
	require.NoError(t, err)
	assert.Equal(t, []string{"users", "todos", "ui_state"}, r.TableNames())
	assert.False(t, r.IsSynced("ui_state"))

	// Identical redeclaration is fine
	_, err = merged.Union(appSchema())
	assert.NoError(t, err)

	conflicting := New(Table{Name: "ui_state", Sync: true, Columns: []Column{Text("key").PrimaryKey()}})
	_, err = merged.Union(conflicting)
	assert.Error(t, err)
}

func TestPrepareInsert(t *testing.T) {
	r, err := todoSchema().Build()
	require.NoError(t, err)
	todos, _ := r.Table("todos")

	pk, values, err := todos.PrepareInsert(map[string]interface{}{"id": "t1", "user_id": "u1", "todo": "dishes"})
	require.NoError(t, err)
	assert.Equal(t, "t1", pk)
	assert.Equal(t, map[string]interface{}{"user_id": "u1", "todo": "dishes", "status": "incomplete"}, values)

	_, _, err = todos.PrepareInsert(map[string]interface{}{"id": "t1", "user_id": "u1"})
	assert.Error(t, err, "missing required column")

	_, _, err = todos.PrepareInsert(map[string]interface{}{"id": "t1", "user_id": "u1", "todo": "x", "status": "later"})
	assert.Error(t, err, "enum violation")

	_, _, err = todos.PrepareInsert(map[string]interface{}{"id": "t1", "user_id": "u1", "todo": 3})
	assert.Error(t, err, "kind violation")

	_, _, err = todos.PrepareInsert(map[string]interface{}{"user_id": "u1", "todo": "x"})
	assert.Error(t, err, "missing primary key")
}

func TestPrepareUpdate(t *testing.T) {
	r, err := todoSchema().Build()
	require.NoError(t, err)
	todos, _ := r.Table("todos")

	values, err := todos.PrepareUpdate(map[string]interface{}{"status": "complete"})
	require.NoError(t, err)
	assert.Equal(t, "complete", values["status"])

	_, err = todos.PrepareUpdate(map[string]interface{}{"id": "x"})
	assert.Error(t, err)

	_, err = todos.PrepareUpdate(map[string]interface{}{"todo": nil})
	assert.Error(t, err)
}

func TestDDLAndTypedRows(t *testing.T) {
	ctx := context.Background()
	merged, err := todoSchema().Union(appSchema())
	require.NoError(t, err)
	r, err := merged.Build()
	require.NoError(t, err)

	store, err := rowstore.OpenSQLite(":memory:", 0)
	require.NoError(t, err)
	defer store.Close()

	for _, ddl := range r.DDL() {
		_, err := store.Exec(ctx, ddl)
		require.NoError(t, err, ddl)
	}

	// Columns other than the key are physically nullable; defaults apply
	_, err = store.Exec(ctx, `INSERT INTO "todos" ("id") VALUES ('t1')`)
	require.NoError(t, err)
	_, err = store.Exec(ctx, `INSERT INTO "ui_state" ("key") VALUES ('main')`)
	require.NoError(t, err)

	todos, _ := r.Table("todos")
	rows, err := store.Exec(ctx, `SELECT * FROM "todos"`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	row := todos.Decode(rows[0])
	assert.Equal(t, "incomplete", row.String("status"))
	assert.Nil(t, row.Value("todo"))

	ui, _ := r.Table("ui_state")
	rows, err = store.Exec(ctx, `SELECT * FROM "ui_state"`)
	require.NoError(t, err)
	uiRow := ui.Decode(rows[0])
	assert.False(t, uiRow.Bool("is_modal_open"))
	assert.Equal(t, map[string]interface{}{"key": "main", "is_modal_open": false}, uiRow.Map())
}

func TestUniqueColumns(t *testing.T) {
	r, err := New(Table{
		Name:    "users",
		Columns: []Column{Text("id").PrimaryKey(), Text("email").AsUnique(), Text("name")},
	}).Build()
	require.NoError(t, err)
	users, _ := r.Table("users")
	assert.Equal(t, []string{"id", "email"}, users.UniqueColumns())
}

func TestKeyString(t *testing.T) {
	k, err := KeyString(int64(42))
	require.NoError(t, err)
	assert.Equal(t, "42", k)

	_, err = KeyString("")
	assert.Error(t, err)
	_, err = KeyString(1.5)
	assert.Error(t, err)
}

func TestParse(t *testing.T) {
	s, err := Parse(`
[[tables]]
name = "todos"

  [[tables.columns]]
  name = "id"
  primary_key = true

  [[tables.columns]]
  name = "status"
  kind = "enum"
  values = ["complete", "incomplete"]
  default = "incomplete"

  [[tables.columns]]
  name = "rank"
  kind = "integer"
  default = 3

[[tables]]
name = "ui_state"
sync = false

  [[tables.columns]]
  name = "key"
  primary_key = true
`)
	require.NoError(t, err)

	r, err := s.Build()
	require.NoError(t, err)
	assert.True(t, r.IsSynced("todos"))
	assert.False(t, r.IsSynced("ui_state"))

	todos, ok := r.Table("todos")
	require.True(t, ok)
	assert.Equal(t, "id", todos.PK)

	_, cols, err := todos.PrepareInsert(map[string]interface{}{"id": "t1"})
	require.NoError(t, err)
	assert.Equal(t, "incomplete", cols["status"])
	assert.Equal(t, int64(3), cols["rank"])
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse(`[[tables]]
name = "x"
  [[tables.columns]]
  name = "id"
  kind = "blob"
`)
	assert.Error(t, err)

	_, err = Parse(`not toml at all = = =`)
	assert.Error(t, err)
}
