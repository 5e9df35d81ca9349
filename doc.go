// Package m7 is a distributed, load-balanced row store for walker
// populations.
//
// Rows are fixed-layout records keyed by a determinant. Each rank owns
// the rows whose key hashes into one of its blocks; a rank may emit a row
// for any key and the store delivers it to the owner, merging it into an
// existing row with the same key. Work accumulated per block drives a
// greedy redistribution that moves whole blocks, and their rows, between
// ranks.
//
// # Packages
//
//	buffer        byte arenas split into per-destination windows
//	table         slotted row tables, hash-indexed tables, protection
//	exchange      paired send/receive tables and the all-to-all exchange
//	distrib       block distribution and the greedy redistributor
//	communicator  the store tying them together on one rank
//	comm          in-process ranks and the collectives above build on
//
// # Quick Start
//
//	cfg := m7.DefaultSimConfig()
//	cfg.Ranks = 8
//	report, err := m7.Simulate(ctx, cfg, m7.WithLogger(m7.NewTextLogger(slog.LevelInfo)))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(report.TotalRows(), len(report.Moves))
//
// Building a store directly:
//
//	err := comm.Run(ctx, 4, func(ctx context.Context, c comm.Comm) error {
//	    cm, err := communicator.New(c, layout, communicator.DefaultConfig())
//	    if err != nil {
//	        return err
//	    }
//	    defer cm.Close()
//	    cm.Emit(rec)
//	    if err := cm.Communicate(ctx); err != nil {
//	        return err
//	    }
//	    _, err = cm.Redistribute(ctx)
//	    return err
//	})
//
// # Errors
//
// Misuse of a table, such as freeing a slot twice or erasing a protected
// row, is a broken invariant and panics with a *fatal.Error. comm.Run
// recovers those panics on each rank and returns them as a *comm.RankError.
// Communication failures and cancellation are returned as ordinary errors.
package m7

// Version is the library version.
const Version = "0.1.0"
