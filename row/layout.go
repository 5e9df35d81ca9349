// Package row describes the fixed byte layout of the records held by a table.
//
// The store never interprets record contents beyond the key field: a record
// is an opaque run of Size() bytes inside a slot of SlotSize() bytes (Size
// padded to a machine-word multiple). Typed fields read and write their value
// directly in a record slice, which callers resolve from the table at the
// point of use and never retain across a call that may resize the table.
//
//	l := row.NewLayout()
//	det := l.Bytes("det", 16)
//	weight := l.Float64("weight")
//	l.SetKey(det)
//
//	rec := tbl.Record(slot)
//	weight.Set(rec, weight.Get(rec)+dw)
package row

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/robert-anderson/M7-sub002/internal/conv"
)

// WordSize is the slot alignment unit.
const WordSize = 8

// Field is a named byte range of a record.
type Field struct {
	Name   string
	Offset int
	Size   int
}

// View returns the field's bytes within rec.
func (f Field) View(rec []byte) []byte {
	return rec[f.Offset : f.Offset+f.Size : f.Offset+f.Size]
}

// Layout is an ordered set of fields with an optional key field.
//
// A Layout is built once and then frozen by the first table that uses it.
type Layout struct {
	fields []Field
	size   int
	key    int // index into fields, -1 if none
	frozen bool
}

// NewLayout returns an empty layout.
func NewLayout() *Layout {
	return &Layout{key: -1}
}

func (l *Layout) add(name string, size, align int) Field {
	if l.frozen {
		panic(fmt.Sprintf("row: layout frozen, cannot add field %q", name))
	}
	if size <= 0 {
		panic(fmt.Sprintf("row: field %q has non-positive size %d", name, size))
	}
	off := conv.AlignUp(l.size, align)
	f := Field{Name: name, Offset: off, Size: size}
	l.fields = append(l.fields, f)
	l.size = off + size
	return f
}

// Bytes adds an n-byte opaque field.
func (l *Layout) Bytes(name string, n int) Field {
	return l.add(name, n, 1)
}

// Uint64 adds a little-endian uint64 field.
func (l *Layout) Uint64(name string) Uint64Field {
	return Uint64Field{l.add(name, 8, 8)}
}

// Int64 adds a little-endian int64 field.
func (l *Layout) Int64(name string) Int64Field {
	return Int64Field{l.add(name, 8, 8)}
}

// Uint32 adds a little-endian uint32 field.
func (l *Layout) Uint32(name string) Uint32Field {
	return Uint32Field{l.add(name, 4, 4)}
}

// Float64 adds an IEEE-754 float64 field.
func (l *Layout) Float64(name string) Float64Field {
	return Float64Field{l.add(name, 8, 8)}
}

// SetKey designates f as the key field used for hashing and equality.
func (l *Layout) SetKey(f Field) {
	for i, g := range l.fields {
		if g == f {
			l.key = i
			return
		}
	}
	panic(fmt.Sprintf("row: field %q is not part of this layout", f.Name))
}

// Freeze prevents further changes. Tables call it on construction.
func (l *Layout) Freeze() { l.frozen = true }

// Fields returns the fields in declaration order.
func (l *Layout) Fields() []Field { return append([]Field(nil), l.fields...) }

// Size returns the unpadded record size in bytes.
func (l *Layout) Size() int { return l.size }

// SlotSize returns the record size padded to a word multiple.
func (l *Layout) SlotSize() int { return conv.AlignUp(max(l.size, 1), WordSize) }

// HasKey reports whether a key field was designated.
func (l *Layout) HasKey() bool { return l.key >= 0 }

// KeyField returns the designated key field.
func (l *Layout) KeyField() Field {
	if l.key < 0 {
		panic("row: layout has no key field")
	}
	return l.fields[l.key]
}

// Key returns the key bytes of rec.
func (l *Layout) Key(rec []byte) []byte {
	return l.KeyField().View(rec)
}

// KeyEqual reports whether rec holds key.
func (l *Layout) KeyEqual(rec, key []byte) bool {
	return bytes.Equal(l.Key(rec), key)
}

// Extend returns a new layout holding every field of l followed by the
// fields added by fn. The key designation is carried over.
func (l *Layout) Extend(fn func(*Layout)) *Layout {
	n := &Layout{
		fields: append([]Field(nil), l.fields...),
		size:   l.size,
		key:    l.key,
	}
	fn(n)
	return n
}

// Zero clears rec.
func Zero(rec []byte) {
	clear(rec)
}

// Copy copies src into dst; both must have the same length.
func Copy(dst, src []byte) {
	if len(dst) != len(src) {
		panic(fmt.Sprintf("row: copy between records of size %d and %d", len(dst), len(src)))
	}
	copy(dst, src)
}

// Uint64Field is a typed accessor for a uint64 field.
type Uint64Field struct{ Field }

// Get reads the field from rec.
func (f Uint64Field) Get(rec []byte) uint64 { return binary.LittleEndian.Uint64(rec[f.Offset:]) }

// Set writes v into rec.
func (f Uint64Field) Set(rec []byte, v uint64) { binary.LittleEndian.PutUint64(rec[f.Offset:], v) }

// Int64Field is a typed accessor for an int64 field.
type Int64Field struct{ Field }

// Get reads the field from rec.
func (f Int64Field) Get(rec []byte) int64 {
	return int64(binary.LittleEndian.Uint64(rec[f.Offset:])) //nolint:gosec // bit reinterpretation
}

// Set writes v into rec.
func (f Int64Field) Set(rec []byte, v int64) {
	binary.LittleEndian.PutUint64(rec[f.Offset:], uint64(v)) //nolint:gosec // bit reinterpretation
}

// Uint32Field is a typed accessor for a uint32 field.
type Uint32Field struct{ Field }

// Get reads the field from rec.
func (f Uint32Field) Get(rec []byte) uint32 { return binary.LittleEndian.Uint32(rec[f.Offset:]) }

// Set writes v into rec.
func (f Uint32Field) Set(rec []byte, v uint32) { binary.LittleEndian.PutUint32(rec[f.Offset:], v) }

// Float64Field is a typed accessor for a float64 field.
type Float64Field struct{ Field }

// Get reads the field from rec.
func (f Float64Field) Get(rec []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(rec[f.Offset:]))
}

// Set writes v into rec.
func (f Float64Field) Set(rec []byte, v float64) {
	binary.LittleEndian.PutUint64(rec[f.Offset:], math.Float64bits(v))
}

// Add accumulates v into the field.
func (f Float64Field) Add(rec []byte, v float64) { f.Set(rec, f.Get(rec)+v) }
