package table

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robert-anderson/M7-sub002/comm"
	"github.com/robert-anderson/M7-sub002/internal/resource"
	"github.com/robert-anderson/M7-sub002/internal/wire"
)

func snapshot(tbl *Table) [][]byte {
	var out [][]byte
	tbl.Each(func(_ int, rec []byte) bool {
		out = append(out, append([]byte(nil), rec...))
		return true
	})
	return out
}

func TestTable_TransferRecords(t *testing.T) {
	for _, c := range []wire.Compression{wire.None, wire.LZ4, wire.ZSTD} {
		t.Run(c.String(), func(t *testing.T) {
			rc := resource.NewController(resource.Config{IOLimitBytesPerSec: 1 << 20})

			var (
				mu       sync.Mutex
				original [][]byte
				sender   *Table
				receiver *Table
				inserted []int
			)
			err := comm.Run(context.Background(), 2, func(ctx context.Context, cm comm.Comm) error {
				w := newWalker()
				tbl := New(nil, w.layout, WithName("transfer"), WithTransferCompression(c), WithIOPacer(rc))

				switch cm.Rank() {
				case 0:
					tbl.PushBack(5)
					for i := 0; i < 5; i++ {
						w.put(tbl, i, i, float64(i)*0.25)
					}
					mu.Lock()
					original = [][]byte{
						append([]byte(nil), tbl.Record(1)...),
						append([]byte(nil), tbl.Record(3)...),
					}
					sender = tbl
					mu.Unlock()
					return tbl.TransferRecords(ctx, cm, []int{1, 3}, 0, 1)
				default:
					err := tbl.TransferRecords(ctx, cm, nil, 0, 1, func(slot int) {
						inserted = append(inserted, slot)
					})
					mu.Lock()
					receiver = tbl
					mu.Unlock()
					return err
				}
			})
			require.NoError(t, err)

			assert.Equal(t, 16, sender.SlotSize())
			assert.Equal(t, 3, sender.Len())
			assert.True(t, sender.IsFreed(1))
			assert.True(t, sender.IsFreed(3))
			require.NoError(t, sender.VerifyFreeList())

			assert.Equal(t, 2, receiver.Len())
			assert.Equal(t, []int{0, 1}, inserted)
			assert.Equal(t, original, snapshot(receiver))
		})
	}
}

func TestTable_TransferProtected(t *testing.T) {
	err := comm.Run(context.Background(), 2, func(ctx context.Context, cm comm.Comm) error {
		w := newWalker()
		tbl := New(nil, w.layout)
		if cm.Rank() == 0 {
			tbl.PushBack(2)
			tbl.Protect(1)
		}
		return tbl.TransferRecords(ctx, cm, []int{1}, 0, 1)
	})
	require.ErrorIs(t, err, ErrProtected)
}

func TestTable_AllGatherV(t *testing.T) {
	const n = 3
	var (
		mu     sync.Mutex
		tables = make(map[int]*Table)
		hooks  = make(map[int]int)
	)
	err := comm.Run(context.Background(), n, func(ctx context.Context, cm comm.Comm) error {
		w := newWalker()
		src := New(nil, w.layout)
		// Rank r contributes r+1 records; one freed slot is skipped.
		src.PushBack(cm.Rank() + 2)
		for i := 0; i < cm.Rank()+2; i++ {
			w.put(src, i, 10*cm.Rank()+i, 1)
		}
		src.Free(0)

		dst := New(nil, w.layout)
		dst.PushBack(7) // replaced by the gather
		count := 0
		dst.OnInsert(func(int) { count++ })
		if err := dst.AllGatherV(ctx, cm, src); err != nil {
			return err
		}
		mu.Lock()
		tables[cm.Rank()] = dst
		hooks[cm.Rank()] = count
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	w := newWalker()
	for r := 0; r < n; r++ {
		dst := tables[r]
		assert.Equal(t, 6, dst.Len(), "rank %d", r)
		assert.Equal(t, 6, hooks[r])
		var keys [][]byte
		for _, rec := range snapshot(dst) {
			keys = append(keys, append([]byte(nil), w.key.View(rec)...))
		}
		assert.Equal(t, [][]byte{key(1), key(11), key(12), key(21), key(22), key(23)}, keys)
	}
}

func TestTable_GatherV(t *testing.T) {
	var (
		mu     sync.Mutex
		tables = make(map[int]*Table)
	)
	err := comm.Run(context.Background(), 3, func(ctx context.Context, cm comm.Comm) error {
		w := newWalker()
		src := New(nil, w.layout)
		src.PushBack(1)
		w.put(src, 0, cm.Rank(), 0)

		dst := New(nil, w.layout)
		if err := dst.GatherV(ctx, cm, src, 2); err != nil {
			return err
		}
		mu.Lock()
		tables[cm.Rank()] = dst
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	assert.Zero(t, tables[0].Len())
	assert.Zero(t, tables[1].Len())
	assert.Equal(t, 3, tables[2].Len())
}

func TestMapped_AllGatherV(t *testing.T) {
	const n = 3
	var (
		mu     sync.Mutex
		mapped = make(map[int]*MappedTable)
	)
	err := comm.Run(context.Background(), n, func(ctx context.Context, cm comm.Comm) error {
		w := newWalker()
		src := New(nil, w.layout)
		src.PushBack(cm.Rank() + 1)
		for i := 0; i <= cm.Rank(); i++ {
			w.put(src, i, 10*cm.Rank()+i, 0)
		}
		m := NewMapped(New(nil, w.layout), WithBucketCount(2))
		if err := m.AllGatherV(ctx, cm, src); err != nil {
			return err
		}
		mu.Lock()
		mapped[cm.Rank()] = m
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	for r := 0; r < n; r++ {
		m := mapped[r]
		require.NoError(t, m.VerifyIndex())
		assert.Equal(t, 6, m.Len())
		for _, k := range []int{0, 10, 11, 20, 21, 22} {
			assert.True(t, m.LookupUncounted(key(k)).Found(), "rank %d key %d", r, k)
		}
	}
}

// failingGather fails every all-gather.
type failingGather struct {
	comm.Comm
}

func (failingGather) AllGather(context.Context, []byte) ([][]byte, error) {
	return nil, errors.New("link down")
}

func TestMapped_AllGatherVFailure(t *testing.T) {
	world := comm.NewWorld(1)
	defer world.Close()

	_, m := newMapped(t, WithBucketCount(4))
	for k := 0; k < 10; k++ {
		m.Insert(key(k))
	}
	src := New(nil, newWalker().layout)

	err := m.AllGatherV(context.Background(), failingGather{world.Rank(0)}, src)
	require.ErrorContains(t, err, "link down")

	// The rows and their index are both untouched.
	assert.Equal(t, 10, m.Len())
	require.NoError(t, m.VerifyIndex())
	for k := 0; k < 10; k++ {
		assert.True(t, m.LookupUncounted(key(k)).Found(), "key %d", k)
	}
}

func TestMapped_TransferRecords(t *testing.T) {
	var (
		mu     sync.Mutex
		mapped = make(map[int]*MappedTable)
	)
	err := comm.Run(context.Background(), 3, func(ctx context.Context, cm comm.Comm) error {
		w := newWalker()
		m := NewMapped(New(nil, w.layout, WithName("mapped-transfer")), WithBucketCount(3))
		var slots []int
		if cm.Rank() == 2 {
			for k := 0; k < 6; k++ {
				s := m.Insert(key(k))
				if k%2 == 0 {
					slots = append(slots, s)
				}
			}
		}
		if err := m.TransferRecords(ctx, cm, slots, 2, 0); err != nil {
			return err
		}
		mu.Lock()
		mapped[cm.Rank()] = m
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	src, dst := mapped[2], mapped[0]
	require.NoError(t, src.VerifyIndex())
	require.NoError(t, dst.VerifyIndex())
	assert.Zero(t, mapped[1].Len())
	for k := 0; k < 6; k++ {
		moved := k%2 == 0
		assert.Equal(t, !moved, src.LookupUncounted(key(k)).Found(), "sender key %d", k)
		assert.Equal(t, moved, dst.LookupUncounted(key(k)).Found(), "receiver key %d", k)
	}
}
