package table

import (
	"fmt"
	"log/slog"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/robert-anderson/M7-sub002/buffer"
	"github.com/robert-anderson/M7-sub002/comm"
	"github.com/robert-anderson/M7-sub002/internal/conv"
	"github.com/robert-anderson/M7-sub002/internal/fatal"
	"github.com/robert-anderson/M7-sub002/row"
)

// Table is a row store occupying one window of an arena.
type Table struct {
	opts   options
	layout *row.Layout
	win    *buffer.Window

	freed    *roaring.Bitmap
	freeList []int

	insertHooks []func(slot int)
	prot        protection

	tagComm comm.Comm
	tags    int

	logger *slog.Logger
}

// New creates a table with its own window in buf. A nil buf gives the table
// a private single-window arena.
func New(buf *buffer.Buffer, layout *row.Layout, opts ...Option) *Table {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if buf == nil {
		buf = buffer.New(o.name, 1, buffer.WithLogger(o.logger))
	}
	layout.Freeze()

	t := &Table{
		opts:   o,
		layout: layout,
		win:    buf.AppendWindow(layout.SlotSize()),
		freed:  roaring.New(),
		logger: o.logger.With("table", o.name),
	}
	t.prot.init()
	t.win.OnResize(t.onResize)
	registerMetrics()
	return t
}

// Name returns the table name.
func (t *Table) Name() string { return t.opts.name }

// Layout returns the row layout.
func (t *Table) Layout() *row.Layout { return t.layout }

// Window returns the arena window holding the table.
func (t *Table) Window() *buffer.Window { return t.win }

// SlotSize returns the slot size in bytes.
func (t *Table) SlotSize() int { return t.win.SlotSize() }

// HWM returns the high-water mark: the first never-used slot.
func (t *Table) HWM() int { return t.win.HighWater() }

// Capacity returns the number of slots the window holds.
func (t *Table) Capacity() int { return t.win.SlotCount() }

// FreeCount returns the length of the free list.
func (t *Table) FreeCount() int { return len(t.freeList) }

// Len returns the number of in-use slots.
func (t *Table) Len() int { return t.HWM() - len(t.freeList) }

// Empty reports whether no slot is in use.
func (t *Table) Empty() bool { return t.Len() == 0 }

// OnInsert registers fn to run for every record a distributed operation
// (AllGatherV, GatherV, TransferRecords) inserts.
func (t *Table) OnInsert(fn func(slot int)) {
	t.insertHooks = append(t.insertHooks, fn)
}

func (t *Table) onResize(slotCount int) {
	t.prot.resize(slotCount)
}

func (t *Table) checkSlot(op string, slot int) {
	if slot < 0 || slot >= t.HWM() {
		t.logger.Error("slot out of range", "op", op, "slot", slot, "hwm", t.HWM())
		fatal.Abort(op, ErrSlotRange, "table %q: slot %d, hwm %d", t.opts.name, slot, t.HWM())
	}
}

// Record returns the bytes of slot. Invalidated by any call that can grow
// the arena.
func (t *Table) Record(slot int) []byte {
	t.checkSlot("table.Record", slot)
	return t.win.Slot(slot)
}

// Ref mints an index-based handle for slot.
func (t *Table) Ref(slot int) buffer.Ref {
	t.checkSlot("table.Ref", slot)
	return t.win.Ref(slot)
}

// IsFreed reports whether slot is on the free list.
func (t *Table) IsFreed(slot int) bool {
	return slot >= 0 && t.freed.Contains(conv.MustSlot(slot))
}

// Expand grows the window to at least nslot slots.
func (t *Table) Expand(nslot int, growthFactor float64) {
	t.win.Expand(nslot, growthFactor)
}

// PushBack appends n slots past the high-water mark, growing the window if
// needed, and returns the first.
func (t *Table) PushBack(n int) int {
	fatal.Check(n >= 0, "table.PushBack", ErrSlotRange, "table %q: push of %d slots", t.opts.name, n)
	first := t.HWM()
	if first+n > t.Capacity() {
		t.win.Expand(first+n, t.opts.growthFactor)
	}
	t.win.SetHighWater(first + n)
	return first
}

// GetFreeSlot reuses the most recently freed slot, or pushes a new one.
func (t *Table) GetFreeSlot() int {
	if n := len(t.freeList); n > 0 {
		slot := t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		t.freed.Remove(conv.MustSlot(slot))
		return slot
	}
	return t.PushBack(1)
}

// Free zeroes slot and puts it on the free list. Freeing a protected or
// already freed slot aborts.
func (t *Table) Free(slot int) {
	const op = "table.Free"
	t.checkSlot(op, slot)
	if t.IsFreed(slot) {
		t.logger.Error("double free", "slot", slot)
		fatal.Abort(op, ErrAlreadyFreed, "table %q: slot %d", t.opts.name, slot)
	}
	if lvl := t.ProtectionLevel(slot); lvl > 0 {
		t.logger.Error("free of protected slot", "slot", slot, "level", lvl)
		fatal.Abort(op, ErrProtected, "table %q: slot %d has protection level %d", t.opts.name, slot, lvl)
	}
	clear(t.win.Slot(slot))
	t.freed.Add(conv.MustSlot(slot))
	t.freeList = append(t.freeList, slot)
}

// Clear zeroes every used slot and resets the high-water mark and the free
// list. Clearing a table with any protected slot aborts.
func (t *Table) Clear() {
	if t.AnyProtected() {
		t.logger.Error("clear of protected table", "protected", t.prot.protectedCount())
		fatal.Abort("table.Clear", ErrProtected, "table %q: %d slots protected", t.opts.name, t.prot.protectedCount())
	}
	clear(t.win.Slots(0, t.HWM()))
	t.win.SetHighWater(0)
	t.freeList = t.freeList[:0]
	t.freed.Clear()
}

// SetHWM declares slots [HWM, n) in use after their bytes were written
// directly into the window. The free list must be empty.
func (t *Table) SetHWM(n int) {
	const op = "table.SetHWM"
	fatal.Check(len(t.freeList) == 0, op, ErrHWM, "table %q: %d freed slots", t.opts.name, len(t.freeList))
	fatal.Check(n >= t.HWM() && n <= t.Capacity(), op, ErrHWM,
		"table %q: hwm %d, current %d, capacity %d", t.opts.name, n, t.HWM(), t.Capacity())
	t.win.SetHighWater(n)
}

// CopyRecordIn copies slot srcSlot of src into dstSlot.
func (t *Table) CopyRecordIn(src *Table, srcSlot, dstSlot int) {
	fatal.Check(src.SlotSize() == t.SlotSize(), "table.CopyRecordIn", ErrSlotSizeMismatch,
		"table %q slot size %d, source %q slot size %d", t.opts.name, t.SlotSize(), src.opts.name, src.SlotSize())
	copy(t.Record(dstSlot), src.Record(srcSlot))
}

// SwapRecords exchanges the bytes of slots i and j.
func (t *Table) SwapRecords(i, j int) {
	if i == j {
		t.checkSlot("table.SwapRecords", i)
		return
	}
	a, b := t.Record(i), t.Record(j)
	trash := t.win.Trash()
	copy(trash, a)
	copy(a, b)
	copy(b, trash)
}

// Each calls fn for every in-use slot in slot order until fn returns false.
// fn must not grow the table.
func (t *Table) Each(fn func(slot int, rec []byte) bool) {
	hwm := t.HWM()
	for slot := 0; slot < hwm; slot++ {
		if t.IsFreed(slot) {
			continue
		}
		if !fn(slot, t.win.Slot(slot)) {
			return
		}
	}
}

// InUse returns the in-use slots in slot order.
func (t *Table) InUse() []int {
	out := make([]int, 0, t.Len())
	t.Each(func(slot int, _ []byte) bool {
		out = append(out, slot)
		return true
	})
	return out
}

// VerifyFreeList checks that the free list and the freed flags agree.
func (t *Table) VerifyFreeList() error {
	if got, want := t.freed.GetCardinality(), uint64(len(t.freeList)); got != want {
		return fmt.Errorf("%w: table %q has %d freed flags and %d free-list entries", ErrCorrupt, t.opts.name, got, want)
	}
	seen := roaring.New()
	for _, slot := range t.freeList {
		if slot < 0 || slot >= t.HWM() {
			return fmt.Errorf("%w: table %q free-list entry %d beyond hwm %d", ErrCorrupt, t.opts.name, slot, t.HWM())
		}
		if !t.freed.Contains(conv.MustSlot(slot)) {
			return fmt.Errorf("%w: table %q free-list entry %d not flagged", ErrCorrupt, t.opts.name, slot)
		}
		if !seen.CheckedAdd(conv.MustSlot(slot)) {
			return fmt.Errorf("%w: table %q slot %d on the free list twice", ErrCorrupt, t.opts.name, slot)
		}
	}
	return nil
}

func (t *Table) String() string {
	return fmt.Sprintf("Table{name: %s, slot: %d B, hwm: %d, free: %d, capacity: %d}",
		t.opts.name, t.SlotSize(), t.HWM(), len(t.freeList), t.Capacity())
}
