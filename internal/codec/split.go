package codec

import "fmt"

// SplitByInt partitions a table's rows into groups using keyOf, which maps
// each row index to an integer group key (typically an output partition
// number, or the index of the worker that owns that partition). Row order
// within each group is preserved — this is the pure mechanism spec.md
// §4.2's split_by describes, generalized to take a key function instead of
// a literal column so callers can fold null-key remapping (spec.md §9) into
// keyOf before splitting.
func SplitByInt(t Table, keyOf func(row int) int) (map[int]Table, error) {
	rows := t.NumRows()
	groups := make(map[int][]int) // key -> row indices, in order

	for row := 0; row < rows; row++ {
		key := keyOf(row)
		groups[key] = append(groups[key], row)
	}

	result := make(map[int]Table, len(groups))
	for key, rowIdxs := range groups {
		sub, err := selectRows(t, rowIdxs)
		if err != nil {
			return nil, fmt.Errorf("codec: splitting group %d: %w", key, err)
		}
		result[key] = sub
	}
	return result, nil
}

func selectRows(t Table, rowIdxs []int) (Table, error) {
	columns := make(map[string]Column, len(t.Order))
	for _, name := range t.Order {
		src := t.Columns[name]
		dst := Column{Type: src.Type, Valid: make([]bool, len(rowIdxs))}
		switch src.Type {
		case ColumnTypeInt64:
			dst.Int64s = make([]int64, len(rowIdxs))
		case ColumnTypeFloat64:
			dst.Float64s = make([]float64, len(rowIdxs))
		case ColumnTypeString:
			dst.Strings = make([]string, len(rowIdxs))
		case ColumnTypeBool:
			dst.Bools = make([]bool, len(rowIdxs))
		default:
			return Table{}, fmt.Errorf("unknown column type %d for %q", src.Type, name)
		}
		for i, row := range rowIdxs {
			dst.Valid[i] = src.Valid[row]
			switch src.Type {
			case ColumnTypeInt64:
				dst.Int64s[i] = src.Int64s[row]
			case ColumnTypeFloat64:
				dst.Float64s[i] = src.Float64s[row]
			case ColumnTypeString:
				dst.Strings[i] = src.Strings[row]
			case ColumnTypeBool:
				dst.Bools[i] = src.Bools[row]
			}
		}
		columns[name] = dst
	}
	return Table{Order: append([]string(nil), t.Order...), Columns: columns}, nil
}

// Concat vertically concatenates tables, preserving the schema of the
// first non-empty table and row order across the input slice. An empty
// input yields an empty Table with no columns.
func Concat(tables []Table) (Table, error) {
	var base *Table
	for i := range tables {
		if len(tables[i].Order) > 0 {
			base = &tables[i]
			break
		}
	}
	if base == nil {
		return Table{}, nil
	}
	schema := base.Schema()

	columns := make(map[string]Column, len(base.Order))
	for _, name := range base.Order {
		columns[name] = Column{Type: base.Columns[name].Type}
	}

	for _, t := range tables {
		if len(t.Order) == 0 {
			continue
		}
		if !t.Schema().Equal(schema) {
			return Table{}, fmt.Errorf("codec: concat schema mismatch: %v vs %v", t.Schema(), schema)
		}
		for _, name := range base.Order {
			col := columns[name]
			src := t.Columns[name]
			col.Valid = append(col.Valid, src.Valid...)
			switch col.Type {
			case ColumnTypeInt64:
				col.Int64s = append(col.Int64s, src.Int64s...)
			case ColumnTypeFloat64:
				col.Float64s = append(col.Float64s, src.Float64s...)
			case ColumnTypeString:
				col.Strings = append(col.Strings, src.Strings...)
			case ColumnTypeBool:
				col.Bools = append(col.Bools, src.Bools...)
			}
			columns[name] = col
		}
	}

	return Table{Order: append([]string(nil), base.Order...), Columns: columns}, nil
}
