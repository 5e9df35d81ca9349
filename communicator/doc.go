// Package communicator composes the row store, the communication pair and
// the redistributor into the per-cycle loop domain code drives.
//
// Each rank owns the keys of the blocks the distribution assigns it. Rows
// produced for any key are emitted into the owner's send table, where
// contributions to one key coalesce; Communicate delivers them and merges
// each received row into the local store by key. Redistribute rebalances
// the blocks by accumulated work and physically migrates the rows of every
// block that changed owner, carrying their protection levels along.
//
//	c, err := communicator.New(rank, layout, communicator.DefaultConfig(),
//	    communicator.WithMerge(func(dst, src []byte) { weight.Add(dst, weight.Get(src)) }))
//	...
//	c.Emit(rec)
//	if err := c.Communicate(ctx); err != nil { ... }
//	c.AccumulateWorkFigure(key, cost)
//	moves, err := c.Redistribute(ctx)
//
// Communicate and Redistribute are collective.
package communicator
