// Package buffer provides the growable byte arena that backs row tables.
//
// A Buffer is one contiguous byte array partitioned into up to maxWindows
// equally sized windows. Each Window belongs to exactly one table and is
// divided into fixed-size slots. Window i always starts at byte offset
// i*WindowBytes(), so after every resize the windows sit at deterministic
// positions with window 0 at the arena origin.
//
// # Resizing
//
// Resize moves every window's contents to its new position. Growth within
// the existing capacity moves windows from last to first; shrinking moves
// them from first to last, so no window overwrites data that has not been
// moved yet. Growth beyond capacity allocates a fresh array (on the Go heap,
// or off-heap through an anonymous mapping with WithOffHeap) and copies.
//
// # Stale references
//
// Slices returned by Window.Slot and Window.Bytes are invalidated by the
// next resize. Code that must hold on to a location across calls that may
// grow a table stores a Ref and resolves it with Buffer.Resolve, which aborts
// on a reference minted before the latest resize instead of silently reading
// moved memory.
//
// # Failure
//
// Resizing below a window's high-water mark and failing to obtain memory are
// fatal (see internal/fatal). There is no partial-allocation state.
package buffer
