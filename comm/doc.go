// Package comm is the rank communicator the row store is distributed over.
//
// Comm is the subset of MPI the store needs: point-to-point tagged messages
// and the collectives all-to-all (one int per rank), all-to-all-variable
// (raw bytes at displacements), all-gather, gather and a float64 sum
// all-reduce. The handle is passed explicitly to every table and pair that
// communicates; there is no process-global communicator.
//
// # Ordering obligation
//
// Collectives are blocking and must be issued by every rank in the same
// order. A rank that skips a collective leaves the others waiting until
// their context is canceled. This is part of the contract, not an
// implementation detail.
//
// # In-process world
//
// NewWorld creates n ranks connected by per-(source, destination, tag) FIFO
// mailboxes, so a whole distributed run can execute inside one process
// with one goroutine per rank:
//
//	err := comm.Run(ctx, 3, func(ctx context.Context, c comm.Comm) error {
//	    counts, err := c.AllToAll(ctx, []int{0, 1, 2})
//	    ...
//	})
//
// Run cancels every rank as soon as one fails, including a rank that aborts
// with a fatal contract violation, which mirrors an MPI abort tearing down
// the whole job.
package comm
