package codec

import "fmt"

// ColumnType tags the Go type stored in a Column's body.
type ColumnType uint8

const (
	ColumnTypeInt64 ColumnType = iota + 1
	ColumnTypeFloat64
	ColumnTypeString
	ColumnTypeBool
)

func (t ColumnType) String() string {
	switch t {
	case ColumnTypeInt64:
		return "int64"
	case ColumnTypeFloat64:
		return "float64"
	case ColumnTypeString:
		return "string"
	case ColumnTypeBool:
		return "bool"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Column is a single typed, nullable column. Exactly one of the typed
// slices is populated, selected by Type; Valid holds one entry per row
// (true = non-null). len(Valid) is always the column's row count.
type Column struct {
	Int64s   []int64
	Float64s []float64
	Strings  []string
	Bools    []bool
	Valid    []bool
	Type     ColumnType
}

// Len returns the column's row count.
func (c Column) Len() int {
	return len(c.Valid)
}

// Schema is the ordered list of column name/type pairs a Table conforms
// to. Two tables are schema-compatible if their Schemas are equal.
type Schema struct {
	Columns []SchemaColumn
}

// SchemaColumn names one column and its type.
type SchemaColumn struct {
	Name string
	Type ColumnType
}

// Equal reports whether two schemas have the same columns in the same
// order with the same types.
func (s Schema) Equal(other Schema) bool {
	if len(s.Columns) != len(other.Columns) {
		return false
	}
	for i, c := range s.Columns {
		if c.Name != other.Columns[i].Name || c.Type != other.Columns[i].Type {
			return false
		}
	}
	return true
}

// Table is an in-memory columnar batch: an ordered list of named,
// typed columns, all sharing the same row count.
type Table struct {
	Columns map[string]Column
	Order   []string // column order, mirrors Schema.Columns
}

// NumRows returns the table's row count (0 for a table with no columns).
func (t Table) NumRows() int {
	if len(t.Order) == 0 {
		return 0
	}
	return t.Columns[t.Order[0]].Len()
}

// Schema derives the Table's schema from its columns, in column order.
func (t Table) Schema() Schema {
	cols := make([]SchemaColumn, 0, len(t.Order))
	for _, name := range t.Order {
		cols = append(cols, SchemaColumn{Name: name, Type: t.Columns[name].Type})
	}
	return Schema{Columns: cols}
}

// NewTable builds a Table from an ordered list of (name, column) pairs,
// validating that every column has the same row count.
func NewTable(order []string, columns map[string]Column) (Table, error) {
	t := Table{Order: append([]string(nil), order...), Columns: columns}
	rows := -1
	for _, name := range t.Order {
		col, ok := t.Columns[name]
		if !ok {
			return Table{}, fmt.Errorf("codec: column %q listed in order but missing", name)
		}
		if rows == -1 {
			rows = col.Len()
		} else if col.Len() != rows {
			return Table{}, fmt.Errorf("codec: column %q has %d rows, want %d", name, col.Len(), rows)
		}
	}
	return t, nil
}
