package buffer

import "errors"

var (
	// ErrTooManyWindows is raised when appending past the window limit.
	ErrTooManyWindows = errors.New("buffer: window limit reached")
	// ErrLateWindow is raised when a window is appended after the buffer holds data.
	ErrLateWindow = errors.New("buffer: windows must be appended before the first resize")
	// ErrNoWindows is raised when resizing a buffer without windows.
	ErrNoWindows = errors.New("buffer: resize without windows")
	// ErrBelowHighWater is raised when a resize would drop in-use slots.
	ErrBelowHighWater = errors.New("buffer: resize below high-water mark")
	// ErrAllocation is raised when the arena cannot obtain memory.
	ErrAllocation = errors.New("buffer: allocation failed")
	// ErrStaleRef is raised when resolving a Ref minted before a resize.
	ErrStaleRef = errors.New("buffer: stale reference")
	// ErrSlotRange is raised for slot indices outside a window.
	ErrSlotRange = errors.New("buffer: slot out of range")
	// ErrClosed is raised when using a closed buffer.
	ErrClosed = errors.New("buffer: closed")
)
