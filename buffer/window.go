package buffer

import (
	"github.com/robert-anderson/M7-sub002/internal/fatal"
)

// Ref is an index-based handle to one slot. It stays meaningful across
// resizes, but resolving it after a resize aborts: callers re-mint refs
// instead of reading moved memory.
type Ref struct {
	Window int
	Slot   int
	Gen    uint32
}

// Window is one table's fixed-slot-size partition of a Buffer.
type Window struct {
	buf      *Buffer
	id       int
	slotSize int
	hwm      int
	trash    []byte
	hooks    []func(slotCount int)
}

// Buffer returns the owning arena.
func (w *Window) Buffer() *Buffer { return w.buf }

// ID returns the window index within its buffer.
func (w *Window) ID() int { return w.id }

// SlotSize returns the slot size in bytes (a word multiple).
func (w *Window) SlotSize() int { return w.slotSize }

// SlotCount returns the number of slots the window currently holds.
func (w *Window) SlotCount() int { return w.buf.windowBytes / w.slotSize }

// Offset returns the byte offset of the window within the arena.
func (w *Window) Offset() int { return w.id * w.buf.windowBytes }

// Bytes returns the window's bytes. Invalidated by the next resize.
func (w *Window) Bytes() []byte {
	off := w.Offset()
	return w.buf.data[off : off+w.buf.windowBytes : off+w.buf.windowBytes]
}

// Slot returns the bytes of slot i. Invalidated by the next resize.
func (w *Window) Slot(i int) []byte {
	fatal.Check(i >= 0 && i < w.SlotCount(), "buffer.Window.Slot", ErrSlotRange,
		"buffer %q window %d: slot %d of %d", w.buf.name, w.id, i, w.SlotCount())
	off := w.Offset() + i*w.slotSize
	return w.buf.data[off : off+w.slotSize : off+w.slotSize]
}

// Slots returns the contiguous bytes of slots [begin, end).
func (w *Window) Slots(begin, end int) []byte {
	fatal.Check(begin >= 0 && begin <= end && end <= w.SlotCount(), "buffer.Window.Slots", ErrSlotRange,
		"buffer %q window %d: slots [%d, %d) of %d", w.buf.name, w.id, begin, end, w.SlotCount())
	off := w.Offset()
	return w.buf.data[off+begin*w.slotSize : off+end*w.slotSize : off+end*w.slotSize]
}

// Ref mints a handle for slot i valid until the next resize.
func (w *Window) Ref(i int) Ref {
	return Ref{Window: w.id, Slot: i, Gen: w.buf.generation.Load()}
}

// Trash returns a scratch slot that belongs to no table. Participants that
// must not write a shared record (e.g. non-owners on distributed shared
// memory) write here instead of branching at every field mutation.
func (w *Window) Trash() []byte { return w.trash }

// HighWater returns the number of slots the owner has ever used.
func (w *Window) HighWater() int { return w.hwm }

// SetHighWater records the owner's high-water mark. Resize refuses to drop
// slots below it.
func (w *Window) SetHighWater(n int) {
	fatal.Check(n >= 0 && n <= w.SlotCount(), "buffer.Window.SetHighWater", ErrSlotRange,
		"buffer %q window %d: hwm %d of %d slots", w.buf.name, w.id, n, w.SlotCount())
	w.hwm = n
}

// OnResize registers fn to run after every resize with the new slot count.
func (w *Window) OnResize(fn func(slotCount int)) {
	w.hooks = append(w.hooks, fn)
}

// Expand grows the arena so this window holds at least nslot slots.
// It never shrinks.
func (w *Window) Expand(nslot int, growthFactor float64) {
	if nslot <= w.SlotCount() {
		return
	}
	w.buf.Resize(nslot*w.slotSize*w.buf.maxWindows, growthFactor)
}

// Shrink resizes the arena to the minimum that holds nslot slots in this
// window, without applying growth headroom.
func (w *Window) Shrink(nslot int) {
	w.buf.Resize(nslot*w.slotSize*w.buf.maxWindows, 0)
}
