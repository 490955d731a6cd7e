package schema

import (
	"fmt"
	"strconv"

	"github.com/safsdb/safs/rowstore"
)

// coerce checks v against the column kind and returns its canonical form:
// text and enum as string, bool as bool, integer as int64.
func coerce(c Column, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}

	switch c.Kind {
	case KindText:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected text, got %T", v)
		}
		return s, nil

	case KindEnum:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected enum value, got %T", v)
		}
		for _, allowed := range c.Enum {
			if s == allowed {
				return s, nil
			}
		}
		return nil, fmt.Errorf("%q is not one of %v", s, c.Enum)

	case KindBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case int64:
			return x != 0, nil
		case int:
			return x != 0, nil
		}
		return nil, fmt.Errorf("expected bool, got %T", v)

	case KindInteger:
		switch x := v.(type) {
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case int64:
			return x, nil
		case uint32:
			return int64(x), nil
		}
		return nil, fmt.Errorf("expected integer, got %T", v)
	}

	return nil, fmt.Errorf("unknown kind %v", c.Kind)
}

// KeyString renders a primary key value as a row key
func KeyString(v interface{}) (string, error) {
	switch x := v.(type) {
	case string:
		if x == "" {
			return "", fmt.Errorf("empty primary key")
		}
		return x, nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case nil:
		return "", fmt.Errorf("missing primary key")
	}
	return "", fmt.Errorf("unsupported primary key type %T", v)
}

// Row is a materialized row read back with its declared types
type Row struct {
	table *ResolvedTable
	raw   rowstore.Row
}

// Decode wraps a row store row of table t
func (t *ResolvedTable) Decode(raw rowstore.Row) Row {
	return Row{table: t, raw: raw}
}

// Raw returns the underlying row
func (r Row) Raw() rowstore.Row {
	return r.raw
}

// Value returns the typed value of column, nil when NULL or unknown
func (r Row) Value(column string) interface{} {
	v, ok := r.raw[column]
	if !ok || v == nil {
		return nil
	}
	c, ok := r.table.columns[column]
	if !ok {
		return v
	}
	if b, isBytes := v.([]byte); isBytes {
		v = string(b)
	}
	if out, err := coerce(c, v); err == nil {
		return out
	}
	return v
}

// String returns a text or enum column
func (r Row) String(column string) string {
	s, _ := r.Value(column).(string)
	return s
}

// Bool returns a bool column
func (r Row) Bool(column string) bool {
	b, _ := r.Value(column).(bool)
	return b
}

// Int returns an integer column
func (r Row) Int(column string) int64 {
	i, _ := r.Value(column).(int64)
	return i
}

// Map returns all declared columns with typed values
func (r Row) Map() map[string]interface{} {
	out := make(map[string]interface{}, len(r.table.order))
	for _, name := range r.table.order {
		out[name] = r.Value(name)
	}
	return out
}
