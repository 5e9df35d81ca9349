package buffer

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/robert-anderson/M7-sub002/internal/conv"
	"github.com/robert-anderson/M7-sub002/internal/fatal"
	"github.com/robert-anderson/M7-sub002/internal/mmap"
	"github.com/robert-anderson/M7-sub002/internal/resource"
)

// WordSize is the unit every buffer and window size is rounded up to.
const WordSize = 8

// MemoryAcquirer is an interface for acquiring memory.
type MemoryAcquirer interface {
	AcquireMemory(amount int64) error
	ReleaseMemory(amount int64)
}

var _ MemoryAcquirer = (*resource.Controller)(nil)

// Stats reports buffer memory and resize activity.
type Stats struct {
	Windows     int
	WindowBytes int
	Bytes       int // len of the arena
	Reserved    int // capacity of the arena
	Resizes     uint64
	Generation  uint32
}

// Buffer is a growable byte arena partitioned into windows.
type Buffer struct {
	name       string
	maxWindows int

	mu          sync.Mutex
	windows     []*Window
	data        []byte
	mapping     *mmap.Mapping // non-nil when off-heap
	retired     *mmap.Mapping // previous mapping, unmapped on the next reallocation
	windowBytes int
	charged     int64
	closed      bool

	generation atomic.Uint32
	resizes    atomic.Uint64

	offHeap  bool
	acquirer MemoryAcquirer
	logger   *slog.Logger
}

// Option is a configuration option for Buffer.
type Option func(*Buffer)

// WithMemoryAcquirer charges arena capacity against acquirer.
func WithMemoryAcquirer(acquirer MemoryAcquirer) Option {
	return func(b *Buffer) {
		b.acquirer = acquirer
	}
}

// WithOffHeap stores the arena in an anonymous mapping outside the Go heap.
func WithOffHeap() Option {
	return func(b *Buffer) {
		b.offHeap = true
	}
}

// WithLogger sets the logger for resize events.
func WithLogger(l *slog.Logger) Option {
	return func(b *Buffer) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates an empty buffer that can hold up to maxWindows windows.
func New(name string, maxWindows int, opts ...Option) *Buffer {
	if maxWindows <= 0 {
		maxWindows = 1
	}
	b := &Buffer{
		name:       name,
		maxWindows: maxWindows,
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(b)
	}
	// Generation 0 is never valid so a zero Ref cannot resolve.
	b.generation.Store(1)
	return b
}

// Name returns the buffer name.
func (b *Buffer) Name() string { return b.name }

// MaxWindows returns the window limit fixed at construction.
func (b *Buffer) MaxWindows() int { return b.maxWindows }

// WindowBytes returns the current size of every window.
func (b *Buffer) WindowBytes() int { return b.windowBytes }

// Size returns the arena size in bytes.
func (b *Buffer) Size() int { return len(b.data) }

// Generation returns the resize generation. It changes whenever window
// memory moves.
func (b *Buffer) Generation() uint32 { return b.generation.Load() }

// Windows returns the number of attached windows.
func (b *Buffer) Windows() int { return len(b.windows) }

// Raw returns the whole arena. Window i occupies
// [i*WindowBytes(), (i+1)*WindowBytes()). Invalidated by the next resize.
func (b *Buffer) Raw() []byte { return b.data }

// AppendWindow attaches a new window with the given slot size.
// It must be called before the buffer first holds bytes.
func (b *Buffer) AppendWindow(slotSize int) *Window {
	b.mu.Lock()
	defer b.mu.Unlock()

	fatal.Check(!b.closed, "buffer.AppendWindow", ErrClosed, "buffer %q", b.name)
	fatal.Check(len(b.windows) < b.maxWindows, "buffer.AppendWindow", ErrTooManyWindows,
		"buffer %q holds %d of %d windows", b.name, len(b.windows), b.maxWindows)
	fatal.Check(len(b.data) == 0, "buffer.AppendWindow", ErrLateWindow,
		"buffer %q already holds %d bytes", b.name, len(b.data))
	fatal.Check(slotSize > 0, "buffer.AppendWindow", ErrSlotRange, "slot size %d", slotSize)

	w := &Window{
		buf:      b,
		id:       len(b.windows),
		slotSize: conv.AlignUp(slotSize, WordSize),
	}
	w.trash = make([]byte, w.slotSize)
	b.windows = append(b.windows, w)
	return w
}

// Resize sets the arena to hold totalBytes (split evenly across the
// window limit), applying growthFactor headroom when growing. Shrinking
// always fits exactly.
func (b *Buffer) Resize(totalBytes int, growthFactor float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resizeLocked(totalBytes, growthFactor)
}

func (b *Buffer) resizeLocked(totalBytes int, growthFactor float64) {
	const op = "buffer.Resize"
	fatal.Check(!b.closed, op, ErrClosed, "buffer %q", b.name)
	fatal.Check(len(b.windows) > 0, op, ErrNoWindows, "buffer %q", b.name)
	fatal.Check(totalBytes >= 0, op, ErrAllocation, "buffer %q negative size %d", b.name, totalBytes)

	perWindow := conv.AlignUp((totalBytes+b.maxWindows-1)/b.maxWindows, WordSize)
	if perWindow > b.windowBytes && growthFactor > 0 {
		grown := math.Ceil(float64(perWindow) * (1 + growthFactor))
		fatal.Check(grown < float64(math.MaxInt/b.maxWindows), op, ErrAllocation,
			"buffer %q cannot grow to %.0f bytes per window", b.name, grown)
		perWindow = conv.AlignUp(int(grown), WordSize)
	}
	if perWindow == b.windowBytes {
		return
	}
	for _, w := range b.windows {
		fatal.Check(w.hwm*w.slotSize <= perWindow, op, ErrBelowHighWater,
			"buffer %q window %d: hwm %d slots of %d bytes do not fit in %d bytes",
			b.name, w.id, w.hwm, w.slotSize, perWindow)
	}

	oldWindow := b.windowBytes
	newSize := perWindow * b.maxWindows

	switch {
	case perWindow < oldWindow:
		b.shrinkInPlace(oldWindow, perWindow)
	case newSize <= len(b.rawCapacity()):
		b.growInPlace(oldWindow, perWindow)
	default:
		b.reallocate(oldWindow, perWindow)
	}

	b.windowBytes = perWindow
	b.generation.Add(1)
	b.resizes.Add(1)

	b.logger.Debug("buffer resized",
		"buffer", b.name,
		"window_bytes_old", oldWindow,
		"window_bytes_new", perWindow,
		"bytes", len(b.data),
		"generation", b.generation.Load(),
	)

	for _, w := range b.windows {
		n := w.SlotCount()
		for _, hook := range w.hooks {
			hook(n)
		}
	}
}

// rawCapacity returns the full backing array including any spare capacity.
func (b *Buffer) rawCapacity() []byte {
	if b.mapping != nil {
		return b.mapping.Bytes()
	}
	return b.data[:cap(b.data)]
}

// growInPlace widens every window inside the existing backing array. Windows
// move to higher offsets, so the last window is moved first.
func (b *Buffer) growInPlace(oldWindow, newWindow int) {
	b.data = b.rawCapacity()[:newWindow*b.maxWindows]
	for i := len(b.windows) - 1; i >= 0; i-- {
		copy(b.data[i*newWindow:i*newWindow+oldWindow], b.data[i*oldWindow:(i+1)*oldWindow])
		clear(b.data[i*newWindow+oldWindow : (i+1)*newWindow])
	}
	// Window slots never used hold stale bytes from before the move.
	clear(b.data[len(b.windows)*newWindow:])
}

// shrinkInPlace narrows every window. Windows move to lower offsets, so the
// first window is moved first.
func (b *Buffer) shrinkInPlace(oldWindow, newWindow int) {
	for i := range b.windows {
		copy(b.data[i*newWindow:(i+1)*newWindow], b.data[i*oldWindow:i*oldWindow+newWindow])
	}
	clear(b.data[len(b.windows)*newWindow:])
	b.data = b.data[:newWindow*b.maxWindows]
}

func (b *Buffer) reallocate(oldWindow, newWindow int) {
	const op = "buffer.Resize"
	newSize := newWindow * b.maxWindows

	delta := int64(newSize) - b.charged
	if b.acquirer != nil && delta > 0 {
		if err := b.acquirer.AcquireMemory(delta); err != nil {
			b.logger.Error("buffer allocation refused", "buffer", b.name, "bytes", newSize, "error", err)
			fatal.Abort(op, ErrAllocation, "buffer %q: %d bytes: %v", b.name, newSize, err)
		}
	}

	var (
		data    []byte
		mapping *mmap.Mapping
	)
	if b.offHeap {
		m, err := mmap.MapAnon(newSize)
		if err != nil {
			if b.acquirer != nil && delta > 0 {
				b.acquirer.ReleaseMemory(delta)
			}
			b.logger.Error("buffer mapping failed", "buffer", b.name, "bytes", newSize, "error", err)
			fatal.Abort(op, ErrAllocation, "buffer %q: map %d bytes: %v", b.name, newSize, err)
		}
		// Rows are addressed by hashed slot, not scanned in order.
		if err := m.Advise(mmap.AccessRandom); err != nil {
			b.logger.Debug("madvise ignored", "buffer", b.name, "error", err)
		}
		mapping, data = m, m.Bytes()
	} else {
		data = make([]byte, newSize)
	}

	keep := min(oldWindow, newWindow)
	for i := range b.windows {
		copy(data[i*newWindow:i*newWindow+keep], b.data[i*oldWindow:i*oldWindow+keep])
	}

	// Slices taken before this resize stay readable (but stale) until the
	// next reallocation instead of faulting on unmapped memory.
	if b.retired != nil {
		_ = b.retired.Close()
	}
	b.retired = b.mapping
	if b.acquirer != nil && delta < 0 {
		b.acquirer.ReleaseMemory(-delta)
	}
	b.data, b.mapping = data, mapping
	b.charged = int64(newSize)
}

// Resolve returns the slot bytes addressed by ref. It aborts if the arena
// was resized after ref was minted.
func (b *Buffer) Resolve(ref Ref) []byte {
	fatal.Check(ref.Gen == b.generation.Load(), "buffer.Resolve", ErrStaleRef,
		"buffer %q: ref generation %d, current %d", b.name, ref.Gen, b.generation.Load())
	fatal.Check(ref.Window >= 0 && ref.Window < len(b.windows), "buffer.Resolve", ErrSlotRange,
		"buffer %q: window %d of %d", b.name, ref.Window, len(b.windows))
	return b.windows[ref.Window].Slot(ref.Slot)
}

// Stats returns the current buffer statistics.
func (b *Buffer) Stats() Stats {
	return Stats{
		Windows:     len(b.windows),
		WindowBytes: b.windowBytes,
		Bytes:       len(b.data),
		Reserved:    len(b.rawCapacity()),
		Resizes:     b.resizes.Load(),
		Generation:  b.generation.Load(),
	}
}

// Close releases the arena memory. Windows must not be used afterwards.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.generation.Add(1)

	var err error
	if b.mapping != nil {
		err = b.mapping.Close()
		b.mapping = nil
	}
	if b.retired != nil {
		err = errors.Join(err, b.retired.Close())
		b.retired = nil
	}
	if b.acquirer != nil {
		b.acquirer.ReleaseMemory(b.charged)
	}
	b.charged = 0
	b.data = nil
	b.windowBytes = 0
	return err
}

func (b *Buffer) String() string {
	s := b.Stats()
	return fmt.Sprintf("Buffer{name: %s, windows: %d/%d, window: %d B, size: %d B, resizes: %d}",
		b.name, s.Windows, b.maxWindows, s.WindowBytes, s.Bytes, s.Resizes)
}
