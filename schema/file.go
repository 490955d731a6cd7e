package schema

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

type fileColumn struct {
	Name       string      `toml:"name"`
	Kind       string      `toml:"kind"`
	PrimaryKey bool        `toml:"primary_key"`
	NotNull    bool        `toml:"not_null"`
	Unique     bool        `toml:"unique"`
	Default    interface{} `toml:"default"`
	Values     []string    `toml:"values"`
}

type fileTable struct {
	Name    string       `toml:"name"`
	Sync    *bool        `toml:"sync"`
	Columns []fileColumn `toml:"columns"`
}

type file struct {
	Tables []fileTable `toml:"tables"`
}

// Parse decodes a TOML schema document:
//
//	[[tables]]
//	name = "todos"
//
//	  [[tables.columns]]
//	  name = "id"
//	  kind = "text"
//	  primary_key = true
//
// Tables sync unless sync = false.
func Parse(data string) (Schema, error) {
	var f file
	if _, err := toml.Decode(data, &f); err != nil {
		return Schema{}, fmt.Errorf("failed to decode schema: %w", err)
	}

	tables := make([]Table, 0, len(f.Tables))
	for _, ft := range f.Tables {
		t := Table{Name: ft.Name, Sync: ft.Sync == nil || *ft.Sync}
		for _, fc := range ft.Columns {
			c, err := fc.column()
			if err != nil {
				return Schema{}, fmt.Errorf("table %s: %w", ft.Name, err)
			}
			t.Columns = append(t.Columns, c)
		}
		tables = append(tables, t)
	}
	return New(tables...), nil
}

// LoadFile reads and parses a schema file
func LoadFile(path string) (Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Schema{}, err
	}
	return Parse(string(data))
}

func (fc fileColumn) column() (Column, error) {
	var c Column
	switch fc.Kind {
	case "text", "":
		c = Text(fc.Name)
	case "enum":
		c = Enum(fc.Name, fc.Values...)
	case "bool":
		c = Bool(fc.Name)
	case "integer":
		c = Integer(fc.Name)
	default:
		return Column{}, fmt.Errorf("column %s: unknown kind %q", fc.Name, fc.Kind)
	}

	if fc.PrimaryKey {
		c = c.PrimaryKey()
	}
	if fc.NotNull {
		c = c.NotNull()
	}
	if fc.Unique {
		c = c.AsUnique()
	}
	if fc.Default != nil {
		c = c.WithDefault(fc.Default)
	}
	return c, nil
}
