package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrCorrupt is returned by Deserialize when the input is truncated or
// contains an unrecognized type tag. It is fatal to the Shuffle Run that
// receives it (spec.md §7, CorruptData).
var ErrCorrupt = errors.New("codec: corrupt data")

// Serialize encodes a single Table as one length-prefixed batch. The
// result of concatenating the Serialize output of several tables that
// share one schema is itself a valid multi-batch stream that
// Deserialize can read back as one concatenated Table.
func Serialize(t Table) ([]byte, error) {
	var body bytes.Buffer

	if err := binary.Write(&body, binary.BigEndian, uint16(len(t.Order))); err != nil {
		return nil, err
	}
	for _, name := range t.Order {
		col := t.Columns[name]
		if err := binary.Write(&body, binary.BigEndian, uint16(len(name))); err != nil {
			return nil, err
		}
		body.WriteString(name)
		if err := body.WriteByte(byte(col.Type)); err != nil {
			return nil, err
		}
	}

	rows := t.NumRows()
	if err := binary.Write(&body, binary.BigEndian, uint32(rows)); err != nil {
		return nil, err
	}

	for _, name := range t.Order {
		col := t.Columns[name]
		if err := writeColumn(&body, col, rows); err != nil {
			return nil, err
		}
	}

	out := make([]byte, 0, body.Len()+4)
	lenPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lenPrefix, uint32(body.Len()))
	out = append(out, lenPrefix...)
	out = append(out, body.Bytes()...)
	return out, nil
}

func writeColumn(w io.Writer, col Column, rows int) error {
	valid := col.Valid
	if len(valid) != rows {
		return fmt.Errorf("codec: validity bitmap length %d does not match row count %d", len(valid), rows)
	}
	for _, v := range valid {
		b := byte(0)
		if v {
			b = 1
		}
		if _, err := w.Write([]byte{b}); err != nil {
			return err
		}
	}

	switch col.Type {
	case ColumnTypeInt64:
		for i := 0; i < rows; i++ {
			if err := binary.Write(w, binary.BigEndian, col.Int64s[i]); err != nil {
				return err
			}
		}
	case ColumnTypeFloat64:
		for i := 0; i < rows; i++ {
			if err := binary.Write(w, binary.BigEndian, col.Float64s[i]); err != nil {
				return err
			}
		}
	case ColumnTypeBool:
		for i := 0; i < rows; i++ {
			b := byte(0)
			if col.Bools[i] {
				b = 1
			}
			if _, err := w.Write([]byte{b}); err != nil {
				return err
			}
		}
	case ColumnTypeString:
		for i := 0; i < rows; i++ {
			s := col.Strings[i]
			if err := binary.Write(w, binary.BigEndian, uint32(len(s))); err != nil {
				return err
			}
			if _, err := io.WriteString(w, s); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("codec: unknown column type %d", col.Type)
	}
	return nil
}

// Deserialize decodes a concatenation of one or more batches (as produced
// by repeated calls to Serialize) into a single concatenated Table. It
// fails with ErrCorrupt on truncation or an unrecognized type tag; schema
// mismatch across batches is likewise rejected with ErrCorrupt since the
// caller is expected to only ever deserialize batches for one run's
// declared schema.
func Deserialize(batches [][]byte) (Table, error) {
	var all []Table
	for _, b := range batches {
		r := bytes.NewReader(b)
		for r.Len() > 0 {
			t, err := readBatch(r)
			if err != nil {
				return Table{}, err
			}
			all = append(all, t)
		}
	}
	t, err := Concat(all)
	if err != nil {
		return Table{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return t, nil
}

func readBatch(r *bytes.Reader) (Table, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return Table{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Table{}, fmt.Errorf("%w: truncated batch body: %v", ErrCorrupt, err)
	}
	br := bytes.NewReader(body)

	var numCols uint16
	if err := binary.Read(br, binary.BigEndian, &numCols); err != nil {
		return Table{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	order := make([]string, 0, numCols)
	types := make([]ColumnType, 0, numCols)
	for i := uint16(0); i < numCols; i++ {
		var nameLen uint16
		if err := binary.Read(br, binary.BigEndian, &nameLen); err != nil {
			return Table{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		nameBytes := make([]byte, nameLen)
		if _, err := io.ReadFull(br, nameBytes); err != nil {
			return Table{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		typeByte, err := br.ReadByte()
		if err != nil {
			return Table{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		ct := ColumnType(typeByte)
		if ct < ColumnTypeInt64 || ct > ColumnTypeBool {
			return Table{}, fmt.Errorf("%w: unknown column type tag %d", ErrCorrupt, typeByte)
		}
		order = append(order, string(nameBytes))
		types = append(types, ct)
	}

	var rows uint32
	if err := binary.Read(br, binary.BigEndian, &rows); err != nil {
		return Table{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	columns := make(map[string]Column, numCols)
	for i, name := range order {
		col, err := readColumn(br, types[i], int(rows))
		if err != nil {
			return Table{}, err
		}
		columns[name] = col
	}

	return Table{Order: order, Columns: columns}, nil
}

func readColumn(r *bytes.Reader, ct ColumnType, rows int) (Column, error) {
	valid := make([]bool, rows)
	for i := 0; i < rows; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return Column{}, fmt.Errorf("%w: truncated validity bitmap: %v", ErrCorrupt, err)
		}
		valid[i] = b != 0
	}

	col := Column{Type: ct, Valid: valid}
	switch ct {
	case ColumnTypeInt64:
		col.Int64s = make([]int64, rows)
		for i := 0; i < rows; i++ {
			if err := binary.Read(r, binary.BigEndian, &col.Int64s[i]); err != nil {
				return Column{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
		}
	case ColumnTypeFloat64:
		col.Float64s = make([]float64, rows)
		for i := 0; i < rows; i++ {
			if err := binary.Read(r, binary.BigEndian, &col.Float64s[i]); err != nil {
				return Column{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
		}
	case ColumnTypeBool:
		col.Bools = make([]bool, rows)
		for i := 0; i < rows; i++ {
			b, err := r.ReadByte()
			if err != nil {
				return Column{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			col.Bools[i] = b != 0
		}
	case ColumnTypeString:
		col.Strings = make([]string, rows)
		for i := 0; i < rows; i++ {
			var strLen uint32
			if err := binary.Read(r, binary.BigEndian, &strLen); err != nil {
				return Column{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			buf := make([]byte, strLen)
			if _, err := io.ReadFull(r, buf); err != nil {
				return Column{}, fmt.Errorf("%w: truncated string: %v", ErrCorrupt, err)
			}
			col.Strings[i] = string(buf)
		}
	default:
		return Column{}, fmt.Errorf("%w: unknown column type %d", ErrCorrupt, ct)
	}
	return col, nil
}
