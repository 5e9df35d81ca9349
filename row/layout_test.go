package row

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayout_Offsets(t *testing.T) {
	l := NewLayout()
	det := l.Bytes("det", 5)
	flags := l.Uint32("flags")
	weight := l.Float64("weight")

	assert.Equal(t, 0, det.Offset)
	assert.Equal(t, 8, flags.Offset) // aligned past the 5 byte key
	assert.Equal(t, 16, weight.Offset)
	assert.Equal(t, 24, l.Size())
	assert.Equal(t, 24, l.SlotSize())
	assert.Len(t, l.Fields(), 3)
}

func TestLayout_SlotSizePadding(t *testing.T) {
	l := NewLayout()
	l.Bytes("det", 13)
	assert.Equal(t, 13, l.Size())
	assert.Equal(t, 16, l.SlotSize())
}

func TestLayout_Key(t *testing.T) {
	l := NewLayout()
	det := l.Bytes("det", 4)
	l.Uint64("n")
	require.False(t, l.HasKey())
	l.SetKey(det)
	require.True(t, l.HasKey())

	rec := make([]byte, l.SlotSize())
	copy(det.View(rec), "abcd")
	assert.Equal(t, []byte("abcd"), l.Key(rec))
	assert.True(t, l.KeyEqual(rec, []byte("abcd")))
	assert.False(t, l.KeyEqual(rec, []byte("abce")))
}

func TestLayout_ForeignKeyPanics(t *testing.T) {
	l := NewLayout()
	other := NewLayout().Bytes("x", 4)
	assert.Panics(t, func() { l.SetKey(other) })
	assert.Panics(t, func() { l.KeyField() })
}

func TestLayout_Frozen(t *testing.T) {
	l := NewLayout()
	l.Uint64("a")
	l.Freeze()
	assert.Panics(t, func() { l.Uint64("b") })
}

func TestLayout_Extend(t *testing.T) {
	l := NewLayout()
	det := l.Bytes("det", 8)
	l.SetKey(det)
	l.Freeze()

	var level Int64Field
	ext := l.Extend(func(n *Layout) { level = n.Int64("level") })
	assert.Equal(t, 8, level.Offset)
	assert.Equal(t, 16, ext.Size())
	assert.Equal(t, det, ext.KeyField())
	assert.Equal(t, 8, l.Size())
}

func TestTypedFields(t *testing.T) {
	l := NewLayout()
	u := l.Uint64("u")
	i := l.Int64("i")
	w := l.Uint32("w")
	f := l.Float64("f")

	rec := make([]byte, l.SlotSize())
	u.Set(rec, 1<<40)
	i.Set(rec, -12)
	w.Set(rec, 7)
	f.Set(rec, 1.5)
	f.Add(rec, 0.25)

	assert.Equal(t, uint64(1<<40), u.Get(rec))
	assert.Equal(t, int64(-12), i.Get(rec))
	assert.Equal(t, uint32(7), w.Get(rec))
	assert.InDelta(t, 1.75, f.Get(rec), 0)

	Zero(rec)
	assert.Zero(t, u.Get(rec))

	dst := make([]byte, len(rec))
	f.Set(rec, 3)
	Copy(dst, rec)
	assert.InDelta(t, 3.0, f.Get(dst), 0)
	assert.Panics(t, func() { Copy(dst[:4], rec) })
}
