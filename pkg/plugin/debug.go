package plugin

import (
	"fmt"
	"io"
	"strings"
)

// DescribeRow is one line of a debug table. A row carries either a value, a
// nested table, or both.
type DescribeRow struct {
	Key   string        `json:"key"`
	Value string        `json:"value,omitempty"`
	Table DescribeTable `json:"table,omitempty"`
}

// DescribeTable is a tree of key/value rows used for introspection.
type DescribeTable []DescribeRow

// Lookup returns the first row with the given key.
func (t DescribeTable) Lookup(key string) (DescribeRow, bool) {
	for _, row := range t {
		if row.Key == key {
			return row, true
		}
	}
	return DescribeRow{}, false
}

// Path follows keys through nested tables.
func (t DescribeTable) Path(keys ...string) (DescribeRow, bool) {
	var row DescribeRow
	table := t
	for _, key := range keys {
		var ok bool
		if row, ok = table.Lookup(key); !ok {
			return DescribeRow{}, false
		}
		table = row.Table
	}
	return row, len(keys) > 0
}

// Render writes the table as an indented tree.
func (t DescribeTable) Render(w io.Writer) error {
	return t.render(w, 0)
}

func (t DescribeTable) render(w io.Writer, depth int) error {
	indent := strings.Repeat("  ", depth)
	for _, row := range t {
		line := indent + row.Key
		if row.Value != "" {
			line += ": " + row.Value
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
		if err := row.Table.render(w, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (t DescribeTable) String() string {
	var b strings.Builder
	_ = t.Render(&b)
	return b.String()
}
