// Package table implements the row store: fixed-slot-size tables living in a
// window of a shared arena, a hash index on top of them and reference-counted
// row protection.
//
// # Slots
//
// A Table hands out slot indices. Slots below the high-water mark (HWM) are
// either in use or freed; freed slots are kept on a LIFO free list and reused
// by GetFreeSlot before the high-water mark advances. Record(slot) resolves a
// slot to its bytes at the point of use. The returned slice is invalidated by
// anything that can grow the table (PushBack, GetFreeSlot, Insert, Expand,
// AllGatherV, TransferRecords, and any growth of another table sharing the
// arena), so callers hold slot indices, never record slices. With an
// off-heap arena the previous mapping is kept until the following
// reallocation: a slice held across one growth reads stale bytes, a slice
// held across two reads unmapped memory and crashes the process.
//
// # Hash index
//
// MappedTable indexes a Table by the layout's key field. Buckets are singly
// linked lists threaded through a per-slot next array. Lookups count the
// list hops that did not match; once enough lookups were sampled and the
// skip ratio exceeds the configured threshold, AttemptRemap rebuilds the
// bucket array at a size proportional to the observed ratio.
//
// # Protection
//
// A slot with a positive protection level cannot be freed or cleared;
// attempting it aborts. Levels are contributed by Protectors (one flag per
// slot per protector) and by Guards returned from Table.Protect, whose
// Release is idempotent.
//
// # Concurrency
//
// Table is not synchronized: callers serialize mutations of one table.
// MappedTable takes one table-wide RWMutex, shared by lookups and exclusive
// for insert, erase and remap. Lookup and skip counters are atomics.
// Protection levels have their own mutex so holders may protect and release
// from several goroutines.
//
// # Distributed operations
//
// AllGatherV, GatherV and TransferRecords are collective over a comm.Comm:
// every rank must call them in the same order. TransferRecords uses two tags
// per table (record count, then payload) reserved from the communicator on
// the first transfer.
package table
