package codec

import (
	"errors"
	"testing"
)

func intCol(vals ...int64) Column {
	valid := make([]bool, len(vals))
	for i := range valid {
		valid[i] = true
	}
	return Column{Type: ColumnTypeInt64, Int64s: vals, Valid: valid}
}

func strCol(vals ...string) Column {
	valid := make([]bool, len(vals))
	for i := range valid {
		valid[i] = true
	}
	return Column{Type: ColumnTypeString, Strings: vals, Valid: valid}
}

func sampleTable(t *testing.T) Table {
	t.Helper()
	tbl, err := NewTable(
		[]string{"x", "name"},
		map[string]Column{
			"x":    intCol(0, 1, 2, 3, 4, 5, 6, 7, 8, 9),
			"name": strCol("a", "b", "c", "d", "e", "f", "g", "h", "i", "j"),
		},
	)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return tbl
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	tbl := sampleTable(t)

	encoded, err := Serialize(tbl)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	decoded, err := Deserialize([][]byte{encoded})
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	if decoded.NumRows() != tbl.NumRows() {
		t.Fatalf("NumRows() = %d, want %d", decoded.NumRows(), tbl.NumRows())
	}
	for i, want := range tbl.Columns["x"].Int64s {
		if got := decoded.Columns["x"].Int64s[i]; got != want {
			t.Errorf("row %d: x = %d, want %d", i, got, want)
		}
	}
	for i, want := range tbl.Columns["name"].Strings {
		if got := decoded.Columns["name"].Strings[i]; got != want {
			t.Errorf("row %d: name = %q, want %q", i, got, want)
		}
	}
}

func TestDeserializeConcatenatedBatches(t *testing.T) {
	first := sampleTable(t)
	second := sampleTable(t)

	firstBytes, err := Serialize(first)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	secondBytes, err := Serialize(second)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	// Concatenating two serialized batches byte-for-byte and deserializing
	// once must yield the same result as deserializing two separate batches.
	concatenatedBytes := append(append([]byte{}, firstBytes...), secondBytes...)

	viaOneBlob, err := Deserialize([][]byte{concatenatedBytes})
	if err != nil {
		t.Fatalf("Deserialize(single concatenated blob): %v", err)
	}
	viaTwoBlobs, err := Deserialize([][]byte{firstBytes, secondBytes})
	if err != nil {
		t.Fatalf("Deserialize(two blobs): %v", err)
	}

	if viaOneBlob.NumRows() != viaTwoBlobs.NumRows() {
		t.Fatalf("row counts differ: %d vs %d", viaOneBlob.NumRows(), viaTwoBlobs.NumRows())
	}
	if viaOneBlob.NumRows() != 20 {
		t.Fatalf("NumRows() = %d, want 20", viaOneBlob.NumRows())
	}
}

func TestDeserializeTruncatedInputIsCorrupt(t *testing.T) {
	tbl := sampleTable(t)
	encoded, err := Serialize(tbl)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	truncated := encoded[:len(encoded)-5]
	_, err = Deserialize([][]byte{truncated})
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("got %v, want ErrCorrupt", err)
	}
}

func TestDeserializeUnknownTypeTagIsCorrupt(t *testing.T) {
	tbl := sampleTable(t)
	encoded, err := Serialize(tbl)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	// The type tag for column "x" sits right after its 2-byte name-length
	// prefix (2) + name bytes (1, "x") within the batch body, which itself
	// starts after the 4-byte outer length prefix and 2-byte column count.
	corrupted := append([]byte(nil), encoded...)
	typeTagOffset := 4 + 2 + 2 + len("x")
	corrupted[typeTagOffset] = 0xFF

	_, err = Deserialize([][]byte{corrupted})
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("got %v, want ErrCorrupt", err)
	}
}

func TestSplitByIntPreservesOrderAndConcatRestoresTable(t *testing.T) {
	tbl := sampleTable(t)

	groups, err := SplitByInt(tbl, func(row int) int {
		return int(tbl.Columns["x"].Int64s[row]) % 2
	})
	if err != nil {
		t.Fatalf("SplitByInt: %v", err)
	}

	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	for _, x := range groups[0].Columns["x"].Int64s {
		if x%2 != 0 {
			t.Errorf("group 0 contains odd value %d", x)
		}
	}
	for _, x := range groups[1].Columns["x"].Int64s {
		if x%2 != 1 {
			t.Errorf("group 1 contains even value %d", x)
		}
	}

	merged, err := Concat([]Table{groups[0], groups[1]})
	if err != nil {
		t.Fatalf("Concat: %v", err)
	}
	if merged.NumRows() != tbl.NumRows() {
		t.Fatalf("Concat row count = %d, want %d", merged.NumRows(), tbl.NumRows())
	}

	seen := map[int64]bool{}
	for _, x := range merged.Columns["x"].Int64s {
		seen[x] = true
	}
	for _, want := range tbl.Columns["x"].Int64s {
		if !seen[want] {
			t.Errorf("value %d missing after split+concat round trip", want)
		}
	}
}

func TestConcatRejectsSchemaMismatch(t *testing.T) {
	a := sampleTable(t)
	b, err := NewTable([]string{"x"}, map[string]Column{"x": intCol(1, 2, 3)})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	_, err = Concat([]Table{a, b})
	if err == nil {
		t.Fatal("expected schema mismatch error, got nil")
	}
}
