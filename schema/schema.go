// Package schema declares the tables a store materializes. Declarations are
// plain values; Build validates them and resolves typed accessors and DDL.
package schema

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Kind is the tagged column type
type Kind int

const (
	KindText Kind = iota + 1
	KindEnum
	KindBool
	KindInteger
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindEnum:
		return "enum"
	case KindBool:
		return "bool"
	case KindInteger:
		return "integer"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) sqlType() string {
	switch k {
	case KindBool, KindInteger:
		return "INTEGER"
	default:
		return "TEXT"
	}
}

// Column is one column declaration
type Column struct {
	Name     string
	Kind     Kind
	Nullable bool
	PK       bool
	Unique   bool
	Default  interface{}
	Enum     []string
}

// Text declares a nullable text column
func Text(name string) Column { return Column{Name: name, Kind: KindText, Nullable: true} }

// Enum declares a text column restricted to values
func Enum(name string, values ...string) Column {
	return Column{Name: name, Kind: KindEnum, Nullable: true, Enum: values}
}

// Bool declares a boolean column
func Bool(name string) Column { return Column{Name: name, Kind: KindBool, Nullable: true} }

// Integer declares an integer column
func Integer(name string) Column { return Column{Name: name, Kind: KindInteger, Nullable: true} }

// PrimaryKey marks the column as the row key
func (c Column) PrimaryKey() Column {
	c.PK = true
	c.Nullable = false
	return c
}

// NotNull marks the column required on insert
func (c Column) NotNull() Column {
	c.Nullable = false
	return c
}

// AsUnique marks the column as a point lookup key for live queries
func (c Column) AsUnique() Column {
	c.Unique = true
	return c
}

// WithDefault sets the value used when an insert omits the column
func (c Column) WithDefault(v interface{}) Column {
	c.Default = v
	return c
}

// Table is a table declaration. Tables with Sync false are local only: they
// are written straight to the row store and never enter the change log.
type Table struct {
	Name    string
	Sync    bool
	Columns []Column
}

// Schema is a set of tables
type Schema struct {
	Tables []Table
}

// New builds a schema from tables
func New(tables ...Table) Schema {
	return Schema{Tables: tables}
}

// Union merges two schemas. A table declared in both must be declared identically.
func (s Schema) Union(other Schema) (Schema, error) {
	byName := make(map[string]Table, len(s.Tables)+len(other.Tables))
	out := Schema{}
	for _, t := range s.Tables {
		byName[t.Name] = t
		out.Tables = append(out.Tables, t)
	}
	for _, t := range other.Tables {
		if existing, ok := byName[t.Name]; ok {
			if !sameTable(existing, t) {
				return Schema{}, fmt.Errorf("table %s declared differently in union", t.Name)
			}
			continue
		}
		byName[t.Name] = t
		out.Tables = append(out.Tables, t)
	}
	return out, nil
}

func sameTable(a, b Table) bool {
	if a.Name != b.Name || a.Sync != b.Sync || len(a.Columns) != len(b.Columns) {
		return false
	}
	for i := range a.Columns {
		x, y := a.Columns[i], b.Columns[i]
		if x.Name != y.Name || x.Kind != y.Kind || x.Nullable != y.Nullable || x.PK != y.PK ||
			x.Unique != y.Unique || fmt.Sprint(x.Default) != fmt.Sprint(y.Default) ||
			strings.Join(x.Enum, ",") != strings.Join(y.Enum, ",") {
			return false
		}
	}
	return true
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Reserved prefix of internal tables and columns
const reservedPrefix = "__"

// Build validates the schema and resolves it
func (s Schema) Build() (*Resolved, error) {
	r := &Resolved{tables: make(map[string]*ResolvedTable, len(s.Tables))}

	for _, t := range s.Tables {
		if !identifier.MatchString(t.Name) {
			return nil, fmt.Errorf("invalid table name %q", t.Name)
		}
		if strings.HasPrefix(t.Name, reservedPrefix) {
			return nil, fmt.Errorf("table name %q uses reserved prefix %s", t.Name, reservedPrefix)
		}
		if _, dup := r.tables[t.Name]; dup {
			return nil, fmt.Errorf("duplicate table %s", t.Name)
		}

		rt := &ResolvedTable{
			Name:    t.Name,
			Sync:    t.Sync,
			columns: make(map[string]Column, len(t.Columns)),
		}
		for _, c := range t.Columns {
			if err := checkColumn(t.Name, c); err != nil {
				return nil, err
			}
			if _, dup := rt.columns[c.Name]; dup {
				return nil, fmt.Errorf("duplicate column %s.%s", t.Name, c.Name)
			}
			if c.PK {
				if rt.PK != "" {
					return nil, fmt.Errorf("table %s declares more than one primary key", t.Name)
				}
				rt.PK = c.Name
			}
			rt.columns[c.Name] = c
			rt.order = append(rt.order, c.Name)
		}
		if rt.PK == "" {
			return nil, fmt.Errorf("table %s has no primary key", t.Name)
		}

		r.tables[t.Name] = rt
		r.order = append(r.order, t.Name)
	}

	return r, nil
}

func checkColumn(table string, c Column) error {
	if !identifier.MatchString(c.Name) || strings.HasPrefix(c.Name, reservedPrefix) {
		return fmt.Errorf("invalid column name %s.%q", table, c.Name)
	}
	switch c.Kind {
	case KindText, KindBool, KindInteger:
	case KindEnum:
		if len(c.Enum) == 0 {
			return fmt.Errorf("enum column %s.%s has no values", table, c.Name)
		}
	default:
		return fmt.Errorf("column %s.%s has unknown kind %v", table, c.Name, c.Kind)
	}
	if c.PK && c.Kind != KindText && c.Kind != KindInteger {
		return fmt.Errorf("primary key %s.%s must be text or integer", table, c.Name)
	}
	if c.Default != nil {
		if _, err := coerce(c, c.Default); err != nil {
			return fmt.Errorf("default of %s.%s: %w", table, c.Name, err)
		}
	}
	return nil
}

// Resolved is a validated schema
type Resolved struct {
	tables map[string]*ResolvedTable
	order  []string
}

// ResolvedTable is a validated table with lookups
type ResolvedTable struct {
	Name    string
	Sync    bool
	PK      string
	columns map[string]Column
	order   []string
}

// Table looks up a table
func (r *Resolved) Table(name string) (*ResolvedTable, bool) {
	t, ok := r.tables[name]
	return t, ok
}

// TableNames returns table names in declaration order
func (r *Resolved) TableNames() []string {
	return append([]string(nil), r.order...)
}

// PrimaryKey returns the primary key column of table
func (r *Resolved) PrimaryKey(table string) (string, bool) {
	t, ok := r.tables[table]
	if !ok {
		return "", false
	}
	return t.PK, true
}

// HasColumn reports whether table declares column
func (r *Resolved) HasColumn(table, column string) bool {
	t, ok := r.tables[table]
	if !ok {
		return false
	}
	_, ok = t.columns[column]
	return ok
}

// IsSynced reports whether table participates in replication
func (r *Resolved) IsSynced(table string) bool {
	t, ok := r.tables[table]
	return ok && t.Sync
}

// Column looks up a column
func (t *ResolvedTable) Column(name string) (Column, bool) {
	c, ok := t.columns[name]
	return c, ok
}

// Columns returns columns in declaration order
func (t *ResolvedTable) Columns() []Column {
	out := make([]Column, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.columns[name])
	}
	return out
}

// UniqueColumns returns the primary key and every unique column
func (t *ResolvedTable) UniqueColumns() []string {
	out := []string{t.PK}
	for _, name := range t.order {
		if c := t.columns[name]; c.Unique && !c.PK {
			out = append(out, name)
		}
	}
	return out
}

// DDL returns CREATE TABLE statements for every table. Only the primary key is
// NOT NULL physically: replicas merge column by column, so a row can briefly
// exist with only some of its columns.
func (r *Resolved) DDL() []string {
	out := make([]string, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tables[name].DDL())
	}
	return out
}

// DDL returns the CREATE TABLE statement of t
func (t *ResolvedTable) DDL() string {
	defs := make([]string, 0, len(t.order))
	for _, name := range t.order {
		c := t.columns[name]
		def := fmt.Sprintf("%q %s", c.Name, c.Kind.sqlType())
		if c.PK {
			def += " NOT NULL PRIMARY KEY"
		}
		if c.Default != nil && !c.PK {
			v, _ := coerce(c, c.Default)
			def += " DEFAULT " + literal(v)
		}
		defs = append(defs, def)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %q (%s)", t.Name, strings.Join(defs, ", "))
}

func literal(v interface{}) string {
	switch x := v.(type) {
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	case bool:
		if x {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(x)
	}
}

// PrepareInsert validates values for an insert: unknown columns are rejected,
// defaults are filled in and required columns checked. The primary key is
// returned separately and removed from the value map.
func (t *ResolvedTable) PrepareInsert(values map[string]interface{}) (string, map[string]interface{}, error) {
	out := make(map[string]interface{}, len(t.order))
	for name, v := range values {
		c, ok := t.columns[name]
		if !ok {
			return "", nil, fmt.Errorf("unknown column %s.%s", t.Name, name)
		}
		cv, err := coerce(c, v)
		if err != nil {
			return "", nil, fmt.Errorf("%s.%s: %w", t.Name, name, err)
		}
		out[name] = cv
	}

	for _, name := range t.order {
		c := t.columns[name]
		if _, ok := out[name]; ok {
			continue
		}
		if c.Default != nil {
			out[name], _ = coerce(c, c.Default)
			continue
		}
		if !c.Nullable {
			return "", nil, fmt.Errorf("missing required column %s.%s", t.Name, name)
		}
	}

	pk, err := KeyString(out[t.PK])
	if err != nil {
		return "", nil, fmt.Errorf("%s.%s: %w", t.Name, t.PK, err)
	}
	delete(out, t.PK)
	return pk, out, nil
}

// PrepareUpdate validates a partial update. The primary key cannot change.
func (t *ResolvedTable) PrepareUpdate(values map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(values))
	for name, v := range values {
		c, ok := t.columns[name]
		if !ok {
			return nil, fmt.Errorf("unknown column %s.%s", t.Name, name)
		}
		if c.PK {
			return nil, fmt.Errorf("primary key %s.%s cannot be updated", t.Name, name)
		}
		if v == nil && !c.Nullable {
			return nil, fmt.Errorf("column %s.%s is not nullable", t.Name, name)
		}
		cv, err := coerce(c, v)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", t.Name, name, err)
		}
		out[name] = cv
	}
	return out, nil
}

// SortedColumnNames returns the column names of values in order
func SortedColumnNames(values map[string]interface{}) []string {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
