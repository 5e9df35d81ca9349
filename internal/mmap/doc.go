// Package mmap provides anonymous memory mappings for off-heap arena storage.
//
// # Overview
//
// A row store arena can hold hundreds of millions of walker records. Keeping
// that memory outside the Go heap removes it from garbage collector scans.
// MapAnon returns a read-write, zero-filled, private anonymous mapping whose
// lifetime is owned by the returned *Mapping.
//
// # Usage
//
//	m, err := mmap.MapAnon(1 << 20)
//	if err != nil { ... }
//	defer m.Close()
//
//	data := m.Bytes()
//	m.Advise(mmap.AccessSequential)
//
// # Platform Support
//
//   - Unix (Linux, macOS, BSD): mmap(2) with MAP_ANON|MAP_PRIVATE, madvise(2) hints
//   - Windows: VirtualAlloc/VirtualFree (advice is a no-op)
//
// # Thread Safety
//
// Close is idempotent and protected by atomic operations. Callers must ensure
// no goroutine touches Bytes() after Close returns.
package mmap
