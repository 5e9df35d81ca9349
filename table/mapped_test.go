package table

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robert-anderson/M7-sub002/row"
)

func newMapped(t *testing.T, opts ...MappedOption) (walker, *MappedTable) {
	t.Helper()
	w := newWalker()
	return w, NewMapped(New(nil, w.layout, WithName(t.Name())), opts...)
}

func TestMapped_RoundTrip(t *testing.T) {
	w, m := newMapped(t, WithBucketCount(7))

	slots := make(map[int]int)
	for k := 0; k < 300; k++ {
		slot := m.Insert(key(k))
		w.weight.Set(m.Record(slot), float64(k))
		slots[k] = slot
	}
	require.NoError(t, m.VerifyIndex())
	assert.Equal(t, 300, m.Len())

	for k, slot := range slots {
		res := m.Lookup(key(k))
		require.True(t, res.Found(), "key %d", k)
		assert.Equal(t, slot, res.Slot)
		assert.Equal(t, float64(k), w.weight.Get(m.Record(res.Slot)))
	}
	assert.False(t, m.Lookup(key(1000)).Found())

	requireFatal(t, ErrDuplicateKey, func() { m.Insert(key(5)) })
	requireFatal(t, ErrKeySize, func() { m.Lookup([]byte{1}) })
}

func TestMapped_Erase(t *testing.T) {
	_, m := newMapped(t, WithBucketCount(3))
	for k := 0; k < 20; k++ {
		m.Insert(key(k))
	}

	for k := 0; k < 20; k += 2 {
		m.Erase(m.Lookup(key(k)))
	}
	require.NoError(t, m.VerifyIndex())
	require.NoError(t, m.Table().VerifyFreeList())
	assert.Equal(t, 10, m.Len())

	for k := 0; k < 20; k++ {
		assert.Equal(t, k%2 == 1, m.LookupUncounted(key(k)).Found(), "key %d", k)
	}

	freed := m.Table().FreeCount()
	slot := m.Insert(key(100))
	assert.False(t, m.Table().IsFreed(slot))
	assert.Equal(t, freed-1, m.Table().FreeCount(), "insert reuses a freed slot")

	requireFatal(t, ErrNotFound, func() { m.Erase(m.Lookup(key(0))) })
	requireFatal(t, ErrBucketRange, func() { m.Erase(LookupResult{Slot: slot, Bucket: 99}) })
}

func TestMapped_EraseProtected(t *testing.T) {
	_, m := newMapped(t)
	slot := m.Insert(key(1))
	g := m.Table().Protect(slot)

	requireFatal(t, ErrProtected, func() { m.Erase(m.Lookup(key(1))) })
	require.NoError(t, m.VerifyIndex())
	assert.True(t, m.LookupUncounted(key(1)).Found())

	g.Release()
	m.Erase(m.Lookup(key(1)))
	assert.False(t, m.LookupUncounted(key(1)).Found())
}

func TestMapped_InsertRecord(t *testing.T) {
	w, m := newMapped(t)
	rec := make([]byte, 16)
	copy(w.key.View(rec), key(42))
	w.weight.Set(rec, -3.5)

	slot := m.InsertRecord(rec)
	assert.Equal(t, rec, m.Record(slot))
	assert.Equal(t, slot, m.Lookup(key(42)).Slot)

	for k := 0; k < 50; k++ {
		m.Insert(key(1000 + k))
	}
	other := append([]byte(nil), m.Record(slot)...)
	copy(w.key.View(other), key(43))
	s2 := m.InsertRecord(other)
	assert.Equal(t, -3.5, w.weight.Get(m.Record(s2)))
}

func TestMapped_RemapPreservesMapping(t *testing.T) {
	_, m := newMapped(t, WithBucketCount(2))
	slots := make(map[int]int)
	for k := 0; k < 500; k++ {
		slots[k] = m.Insert(key(k))
	}
	for k := range slots {
		m.Lookup(key(k))
	}
	before := m.BucketCount()
	m.Remap()
	assert.Greater(t, m.BucketCount(), before)
	assert.Zero(t, m.Stats().Lookups)
	assert.Equal(t, int64(1), m.Stats().Remaps)
	require.NoError(t, m.VerifyIndex())

	for k, slot := range slots {
		assert.Equal(t, slot, m.LookupUncounted(key(k)).Slot, "key %d", k)
	}

	// A forced remap without samples keeps the size.
	n := m.BucketCount()
	m.Remap()
	assert.Equal(t, n, m.BucketCount())
	require.NoError(t, m.VerifyIndex())
}

func TestMapped_AttemptRemap(t *testing.T) {
	_, m := newMapped(t,
		WithBucketCount(1),
		WithRemapRatio(2),
		WithRemapLookupMin(100),
		WithRemapGrowth(0.5),
	)
	for k := 0; k < 50; k++ {
		m.Insert(key(k))
	}

	// One bucket: the k-th inserted key sits behind 49-k newer ones.
	for k := 0; k < 50; k++ {
		m.Lookup(key(k))
	}
	assert.Equal(t, int64(1225), m.Stats().Skips)
	assert.False(t, m.AttemptRemap(), "not enough lookups sampled")

	for k := 0; k < 50; k++ {
		m.Lookup(key(k))
	}
	require.True(t, m.AttemptRemap())
	// 1 * 24.5 / 2 * 1.5 = 18.375
	assert.Equal(t, 19, m.BucketCount())
	require.NoError(t, m.VerifyIndex())

	assert.False(t, m.AttemptRemap(), "counters reset")
}

func TestMapped_RemapWithoutSkips(t *testing.T) {
	_, m := newMapped(t, WithBucketCount(16), WithRemapLookupMin(1))
	m.Insert(key(1))
	m.Lookup(key(1))
	assert.False(t, m.AttemptRemap(), "no skips, no remap")
	assert.Equal(t, 16, m.BucketCount())

	// A forced remap follows the measured ratio, here down to one bucket.
	m.Remap()
	assert.Equal(t, 1, m.BucketCount())
	assert.True(t, m.Lookup(key(1)).Found())
	require.NoError(t, m.VerifyIndex())
}

func TestMapped_Concurrent(t *testing.T) {
	const (
		workers = 8
		perKey  = 200
	)
	_, m := newMapped(t,
		WithBucketCount(1),
		WithRemapRatio(0.5),
		WithRemapLookupMin(64),
	)

	var (
		wg      sync.WaitGroup
		issued  atomic.Int64
		remaps  atomic.Int64
		done    = make(chan struct{})
		stopped = make(chan struct{})
	)
	go func() {
		defer close(stopped)
		for {
			select {
			case <-done:
				return
			default:
				if m.AttemptRemap() {
					remaps.Add(1)
				}
			}
		}
	}()

	errs := make(chan string, workers)
	for g := 0; g < workers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			lo := g * perKey
			for k := lo; k < lo+perKey; k++ {
				m.Insert(key(k))
			}
			for k := lo; k < lo+perKey; k++ {
				issued.Add(1)
				if !m.Lookup(key(k)).Found() {
					errs <- "inserted key missing"
					return
				}
			}
			for k := lo; k < lo+perKey; k += 2 {
				issued.Add(1)
				m.Erase(m.Lookup(key(k)))
			}
			for k := lo; k < lo+perKey; k++ {
				issued.Add(1)
				if m.Lookup(key(k)).Found() != (k%2 == 1) {
					errs <- "erased key found or kept key lost"
					return
				}
			}
		}(g)
	}
	wg.Wait()
	close(done)
	<-stopped
	close(errs)
	for e := range errs {
		t.Error(e)
	}

	require.NoError(t, m.VerifyIndex())
	require.NoError(t, m.Table().VerifyFreeList())
	assert.Equal(t, workers*perKey/2, m.Len())

	s := m.Stats()
	assert.Equal(t, issued.Load(), s.TotalLookups)
	assert.Equal(t, remaps.Load(), s.Remaps)
	assert.LessOrEqual(t, s.Lookups, s.TotalLookups)

	for k := 0; k < workers*perKey; k++ {
		assert.Equal(t, k%2 == 1, m.LookupUncounted(key(k)).Found(), "key %d", k)
	}
}

func TestMapped_Clear(t *testing.T) {
	_, m := newMapped(t)
	for k := 0; k < 10; k++ {
		m.Insert(key(k))
	}
	g := m.Table().Protect(m.Lookup(key(3)).Slot)
	requireFatal(t, ErrProtected, func() { m.Clear() })
	g.Release()

	m.Clear()
	assert.Zero(t, m.Len())
	assert.False(t, m.Lookup(key(3)).Found())
	require.NoError(t, m.VerifyIndex())

	m.Insert(key(3))
	require.NoError(t, m.VerifyIndex())
}

func TestNewMapped_RequiresKey(t *testing.T) {
	l := row.NewLayout()
	l.Uint64("count")
	requireFatal(t, ErrNoKey, func() { NewMapped(New(nil, l)) })
}
