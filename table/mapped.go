package table

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/robert-anderson/M7-sub002/comm"
	"github.com/robert-anderson/M7-sub002/internal/conv"
	"github.com/robert-anderson/M7-sub002/internal/fatal"
	"github.com/robert-anderson/M7-sub002/internal/hash"
	"github.com/robert-anderson/M7-sub002/row"
)

const noSlot = -1

// LookupResult locates a key. Slot is -1 when the key is absent; Bucket is
// the bucket the key hashes to either way.
type LookupResult struct {
	Slot   int
	Bucket int

	// bucket count the result was computed against
	nbucket int
}

// Found reports whether the key was located.
func (r LookupResult) Found() bool { return r.Slot >= 0 }

// MappedStats reports hash index activity since the last remap.
type MappedStats struct {
	Buckets int
	Lookups int64
	Skips   int64
	Remaps  int64
	Len     int

	// TotalLookups counts every counted lookup and is not reset by remaps.
	TotalLookups int64
}

// MappedTable is a Table indexed by the layout's key field.
type MappedTable struct {
	base *Table
	key  row.Field
	opts mappedOptions

	mu    sync.RWMutex
	heads []int32
	next  []int32

	lookups      atomic.Int64
	skips        atomic.Int64
	remaps       atomic.Int64
	totalLookups atomic.Int64

	lookupsTotal prometheus.Counter
	skipsTotal   prometheus.Counter
	remapsTotal  prometheus.Counter
	buckets      prometheus.Gauge
}

// NewMapped indexes base, which must be empty and have a keyed layout.
func NewMapped(base *Table, opts ...MappedOption) *MappedTable {
	const op = "table.NewMapped"
	fatal.Check(base.layout.HasKey(), op, ErrNoKey, "table %q", base.opts.name)
	fatal.Check(base.Empty(), op, ErrHWM, "table %q holds %d records", base.opts.name, base.Len())

	o := mappedOptions{
		bucketCount:    DefaultBucketCount,
		remapRatio:     DefaultRemapRatio,
		remapLookupMin: DefaultRemapLookupMin,
		remapGrowth:    DefaultRemapGrowth,
	}
	for _, opt := range opts {
		opt(&o)
	}

	name := base.opts.name
	m := &MappedTable{
		base:         base,
		key:          base.layout.KeyField(),
		opts:         o,
		lookupsTotal: tableLookups.WithLabelValues(name),
		skipsTotal:   tableLookupSkips.WithLabelValues(name),
		remapsTotal:  tableRemaps.WithLabelValues(name),
		buckets:      tableBuckets.WithLabelValues(name),
	}
	m.heads = newHeads(o.bucketCount)
	m.buckets.Set(float64(o.bucketCount))
	return m
}

func newHeads(n int) []int32 {
	h := make([]int32, n)
	for i := range h {
		h[i] = noSlot
	}
	return h
}

// Table returns the underlying row store. Mutating its slots directly
// (Free, Clear, TransferRecords) bypasses the index.
func (m *MappedTable) Table() *Table { return m.base }

// Record returns the bytes of slot.
func (m *MappedTable) Record(slot int) []byte { return m.base.Record(slot) }

// Len returns the number of indexed records.
func (m *MappedTable) Len() int { return m.base.Len() }

// BucketCount returns the size of the bucket array.
func (m *MappedTable) BucketCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.heads)
}

func (m *MappedTable) checkKey(op string, key []byte) {
	fatal.Check(len(key) == m.key.Size, op, ErrKeySize,
		"table %q: key of %d bytes, field %q holds %d", m.base.opts.name, len(key), m.key.Name, m.key.Size)
}

func (m *MappedTable) bucketOf(key []byte) int {
	return hash.Mod(key, len(m.heads))
}

func (m *MappedTable) keyOf(slot int) []byte {
	return m.key.View(m.base.win.Slot(slot))
}

func (m *MappedTable) lookupLocked(key []byte, counted bool) LookupResult {
	b := m.bucketOf(key)
	var skips int64
	res := LookupResult{Slot: noSlot, Bucket: b, nbucket: len(m.heads)}
	for s := m.heads[b]; s != noSlot; s = m.next[s] {
		if m.base.layout.KeyEqual(m.base.win.Slot(int(s)), key) {
			res.Slot = int(s)
			break
		}
		skips++
	}
	if counted {
		m.lookups.Add(1)
		m.totalLookups.Add(1)
		m.lookupsTotal.Inc()
		if skips > 0 {
			m.skips.Add(skips)
			m.skipsTotal.Add(float64(skips))
		}
	}
	return res
}

// Lookup locates key and counts the lookup and its skips.
func (m *MappedTable) Lookup(key []byte) LookupResult {
	m.checkKey("table.Lookup", key)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookupLocked(key, true)
}

// LookupUncounted locates key without touching the remap statistics.
func (m *MappedTable) LookupUncounted(key []byte) LookupResult {
	m.checkKey("table.LookupUncounted", key)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookupLocked(key, false)
}

func (m *MappedTable) link(slot, bucket int) {
	if slot >= len(m.next) {
		grown := make([]int32, max(slot+1, 2*len(m.next)))
		copy(grown, m.next)
		m.next = grown
	}
	m.next[slot] = m.heads[bucket]
	m.heads[bucket] = conv.MustInt32(slot)
}

func (m *MappedTable) unlink(op string, slot, bucket int) {
	prev := int32(noSlot)
	for s := m.heads[bucket]; s != noSlot; prev, s = s, m.next[s] {
		if int(s) != slot {
			continue
		}
		if prev == noSlot {
			m.heads[bucket] = m.next[s]
		} else {
			m.next[prev] = m.next[s]
		}
		m.next[s] = noSlot
		return
	}
	fatal.Abort(op, ErrNotFound, "table %q: slot %d not in bucket %d", m.base.opts.name, slot, bucket)
}

// insertLocked indexes a fresh slot for key and returns it.
func (m *MappedTable) insertLocked(op string, key []byte) int {
	res := m.lookupLocked(key, false)
	if res.Found() {
		m.base.logger.Error("duplicate insert", "slot", res.Slot)
		fatal.Abort(op, ErrDuplicateKey, "table %q: key already at slot %d", m.base.opts.name, res.Slot)
	}
	slot := m.base.GetFreeSlot()
	copy(m.key.View(m.base.win.Slot(slot)), key)
	m.link(slot, res.Bucket)
	return slot
}

// Insert claims a slot for key, writes the key field and indexes it.
// Inserting a key that is already present aborts: callers look up first.
func (m *MappedTable) Insert(key []byte) int {
	m.checkKey("table.Insert", key)
	k := append([]byte(nil), key...)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked("table.Insert", k)
}

// InsertRecord inserts a copy of rec under its key.
func (m *MappedTable) InsertRecord(rec []byte) int {
	fatal.Check(len(rec) == m.base.SlotSize(), "table.InsertRecord", ErrSlotSizeMismatch,
		"table %q: record of %d bytes, slot size %d", m.base.opts.name, len(rec), m.base.SlotSize())
	r := append([]byte(nil), rec...)
	m.mu.Lock()
	defer m.mu.Unlock()
	slot := m.insertLocked("table.InsertRecord", m.key.View(r))
	copy(m.base.win.Slot(slot), r)
	return slot
}

// Erase frees the located slot and removes it from its bucket. Erasing a
// protected slot aborts and leaves the index untouched. A result obtained
// before a remap is rehashed against the current buckets.
func (m *MappedTable) Erase(r LookupResult) {
	const op = "table.Erase"
	m.mu.Lock()
	defer m.mu.Unlock()
	fatal.Check(r.Found(), op, ErrNotFound, "table %q: erase of a failed lookup", m.base.opts.name)
	if r.nbucket != 0 && r.nbucket != len(m.heads) {
		r.Bucket = m.bucketOf(m.keyOf(r.Slot))
	}
	fatal.Check(r.Bucket >= 0 && r.Bucket < len(m.heads), op, ErrBucketRange,
		"table %q: bucket %d of %d", m.base.opts.name, r.Bucket, len(m.heads))
	m.base.Free(r.Slot)
	m.unlink(op, r.Slot, r.Bucket)
}

// eraseSlotLocked unindexes and frees slot.
func (m *MappedTable) eraseSlotLocked(slot int) {
	b := m.bucketOf(m.keyOf(slot))
	m.base.Free(slot)
	m.unlink("table.Erase", slot, b)
}

// linkSlotLocked indexes a slot whose record was written by a distributed
// operation.
func (m *MappedTable) linkSlotLocked(slot int) {
	key := m.keyOf(slot)
	res := m.lookupLocked(key, false)
	if res.Found() {
		fatal.Abort("table.MappedTable.insert", ErrDuplicateKey,
			"table %q: received key already at slot %d", m.base.opts.name, res.Slot)
	}
	m.link(slot, res.Bucket)
}

// Clear empties the table and the index. Aborts if any slot is protected.
func (m *MappedTable) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.base.Clear()
	m.heads = newHeads(len(m.heads))
	clear(m.next)
}

func (m *MappedTable) rebuildLocked(nbucket int) {
	m.heads = newHeads(nbucket)
	for i := range m.next {
		m.next[i] = noSlot
	}
	m.base.Each(func(slot int, rec []byte) bool {
		m.link(slot, m.bucketOf(m.key.View(rec)))
		return true
	})
	m.buckets.Set(float64(nbucket))
}

func (m *MappedTable) remapLocked() {
	old := len(m.heads)
	lookups, skips := m.lookups.Load(), m.skips.Load()
	n := old
	if lookups > 0 {
		ratio := float64(skips) / float64(lookups)
		scaled := math.Ceil(float64(old) * ratio / m.opts.remapRatio * (1 + m.opts.remapGrowth))
		n = int(min(scaled, math.MaxInt32))
	}
	n = max(n, 1)

	m.rebuildLocked(n)
	m.lookups.Store(0)
	m.skips.Store(0)
	m.remaps.Add(1)
	m.remapsTotal.Inc()
	m.base.logger.Debug("remapped",
		"buckets_old", old,
		"buckets_new", n,
		"lookups", lookups,
		"skips", skips,
	)
}

// Remap rebuilds the bucket array at a size proportional to the observed
// skip/lookup ratio and resets the counters. Every key stays at its slot.
// Lookups that never skipped shrink the index to a single bucket; use
// AttemptRemap unless a shrink is wanted.
func (m *MappedTable) Remap() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remapLocked()
}

// AttemptRemap remaps once enough lookups were sampled and the skip ratio
// exceeds the threshold. It reports whether a remap happened.
func (m *MappedTable) AttemptRemap() bool {
	lookups := m.lookups.Load()
	if lookups == 0 || lookups < m.opts.remapLookupMin {
		return false
	}
	if float64(m.skips.Load())/float64(lookups) <= m.opts.remapRatio {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remapLocked()
	return true
}

// Stats returns the current index statistics.
func (m *MappedTable) Stats() MappedStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MappedStats{
		Buckets: len(m.heads),
		Lookups: m.lookups.Load(),
		Skips:   m.skips.Load(),
		Remaps:  m.remaps.Load(),
		Len:     m.base.Len(),

		TotalLookups: m.totalLookups.Load(),
	}
}

// VerifyIndex checks that every in-use slot sits in exactly one bucket, the
// one its key hashes to, and that no freed slot is indexed.
func (m *MappedTable) VerifyIndex() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name := m.base.opts.name
	hwm := m.base.HWM()
	seen := roaring.New()
	for b, head := range m.heads {
		for s := head; s != noSlot; s = m.next[s] {
			slot := int(s)
			switch {
			case slot >= hwm:
				return fmt.Errorf("%w: table %q bucket %d holds slot %d beyond hwm %d", ErrCorrupt, name, b, slot, hwm)
			case m.base.IsFreed(slot):
				return fmt.Errorf("%w: table %q bucket %d holds freed slot %d", ErrCorrupt, name, b, slot)
			case !seen.CheckedAdd(conv.MustSlot(slot)):
				return fmt.Errorf("%w: table %q slot %d indexed twice", ErrCorrupt, name, slot)
			case m.bucketOf(m.keyOf(slot)) != b:
				return fmt.Errorf("%w: table %q slot %d in bucket %d, key hashes to %d", ErrCorrupt, name, slot, b, m.bucketOf(m.keyOf(slot)))
			}
		}
	}
	if got, want := seen.GetCardinality(), uint64(m.base.Len()); got != want { //nolint:gosec // Len >= 0
		return fmt.Errorf("%w: table %q indexes %d of %d in-use slots", ErrCorrupt, name, got, want)
	}
	return nil
}

// AllGatherV replaces the contents with the in-use records of src on every
// rank and indexes them. Keys must be unique across ranks.
func (m *MappedTable) AllGatherV(ctx context.Context, c comm.Comm, src *Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reset := func() {
		m.heads = newHeads(len(m.heads))
		clear(m.next)
	}
	return m.base.allGatherV(ctx, c, src, reset, []func(int){m.linkSlotLocked})
}

// TransferRecords moves slots between ranks like Table.TransferRecords,
// unindexing them on the sender and indexing them on the receiver before the
// callbacks run. Callbacks must not call back into m.
func (m *MappedTable) TransferRecords(ctx context.Context, c comm.Comm, slots []int, from, to int, callbacks ...func(slot int)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cbs := append([]func(int){m.linkSlotLocked}, callbacks...)
	return m.base.transfer(ctx, c, slots, from, to, m.eraseSlotLocked, cbs)
}
