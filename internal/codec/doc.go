// Package codec implements the Codec (C2): a fixed columnar wire format
// for tabular batches, plus the pure split/concat helpers a Shuffle Run
// uses to route and reassemble rows.
//
// # Wire format
//
// A serialized stream is a concatenation of batches. Each batch is:
//
//	uint32 batch length (big-endian, excludes this prefix)
//	uint16 column count
//	for each column: uint16 name length, name bytes, uint8 type tag
//	uint32 row count
//	for each column: row count bytes of validity bitmap, then column body
//
// Concatenating serialized batches is itself a valid multi-batch stream,
// so producers can append batches incrementally without re-encoding
// earlier ones — the property spec.md §4.2 requires.
//
// # Nulls
//
// Every column carries a validity bitmap (one byte per row, 0 or 1) in
// addition to its body so that a null key value can be round-tripped and
// later routed to the designated null partition (spec.md §9).
package codec
