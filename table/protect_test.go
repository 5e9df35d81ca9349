package table

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_BlocksFree(t *testing.T) {
	w := newWalker()
	tbl := New(nil, w.layout)
	tbl.PushBack(3)

	g1 := tbl.Protect(1)
	g2 := tbl.Protect(1)
	assert.Equal(t, 2, tbl.ProtectionLevel(1))
	assert.True(t, tbl.AnyProtected())

	requireFatal(t, ErrProtected, func() { tbl.Free(1) })
	requireFatal(t, ErrProtected, func() { tbl.Clear() })

	g1.Release()
	g1.Release()
	assert.Equal(t, 1, tbl.ProtectionLevel(1), "release is idempotent")
	requireFatal(t, ErrProtected, func() { tbl.Free(1) })

	g2.Release()
	assert.False(t, g2.Active())
	assert.False(t, tbl.IsProtected(1))
	tbl.Free(1)
	tbl.Clear()
}

func TestProtector(t *testing.T) {
	w := newWalker()
	tbl := New(nil, w.layout)
	p1 := tbl.NewProtector()
	p2 := tbl.NewProtector()

	requireFatal(t, ErrSlotRange, func() { p1.Protect(0) })

	tbl.PushBack(4)
	assert.Equal(t, tbl.Capacity(), p1.Capacity(), "protector capacity follows the table")

	assert.True(t, p1.Protect(2))
	assert.False(t, p1.Protect(2), "one flag per protector")
	assert.True(t, p2.Protect(2))
	assert.Equal(t, 2, tbl.ProtectionLevel(2))
	assert.Equal(t, 1, p1.Count())
	assert.True(t, p1.IsProtected(2))
	assert.False(t, p1.IsProtected(3))

	requireFatal(t, ErrProtected, func() { tbl.Free(2) })

	assert.True(t, p1.Release(2))
	assert.False(t, p1.Release(2))
	assert.Equal(t, 1, tbl.ProtectionLevel(2))

	p2.Close()
	p2.Close()
	assert.Zero(t, tbl.ProtectionLevel(2))
	requireFatal(t, ErrProtectorClosed, func() { p2.Protect(1) })
	tbl.Free(2)

	tbl.PushBack(100)
	assert.Equal(t, tbl.Capacity(), p1.Capacity())
	assert.True(t, p1.Protect(90))
}

func TestProtection_DetachAndRestore(t *testing.T) {
	w := newWalker()
	tbl := New(nil, w.layout)
	tbl.PushBack(4)
	p := tbl.NewProtector()

	g := tbl.Protect(1)
	p.Protect(1)
	p.Protect(3)
	require.Equal(t, 2, tbl.ProtectionLevel(1))

	assert.Equal(t, 2, tbl.DetachProtection(1))
	assert.Zero(t, tbl.DetachProtection(0))
	assert.False(t, g.Active())
	assert.False(t, p.IsProtected(1))
	assert.Equal(t, 1, p.Count())
	tbl.Free(1)

	// A detached guard no longer owns anything.
	g.Release()
	assert.Zero(t, tbl.ProtectionLevel(1))

	guards := tbl.RestoreProtection(2, 3)
	require.Len(t, guards, 3)
	assert.Equal(t, 3, tbl.ProtectionLevel(2))
	for _, g := range guards {
		g.Release()
	}
	assert.Zero(t, tbl.ProtectionLevel(2))
	assert.Equal(t, 1, tbl.ProtectionLevel(3))
}

func TestProtection_Concurrent(t *testing.T) {
	w := newWalker()
	tbl := New(nil, w.layout)
	tbl.PushBack(8)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tbl.Protect(j % 8).Release()
			}
		}()
	}
	wg.Wait()
	assert.False(t, tbl.AnyProtected())
}
