package comm

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/robert-anderson/M7-sub002/internal/fatal"
)

// RankFunc is the body executed by every rank of a world.
type RankFunc func(ctx context.Context, c Comm) error

// Run executes fn on size in-process ranks and waits for all of them. The
// first rank to fail (by error or by a fatal contract violation) cancels the
// others; its error is returned.
func Run(ctx context.Context, size int, fn RankFunc) error {
	w := NewWorld(size)
	defer w.Close()
	return RunWorld(ctx, w, fn)
}

// RunWorld is Run on an existing world.
func RunWorld(ctx context.Context, w *World, fn RankFunc) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range w.ranks {
		g.Go(func() (err error) {
			defer func() {
				if ferr := fatal.Recover(recover()); ferr != nil {
					err = &RankError{Rank: r.rank, Op: "abort", Err: ferr}
				}
			}()
			if err := fn(gctx, r); err != nil {
				return fmt.Errorf("rank %d: %w", r.rank, err)
			}
			return nil
		})
	}
	return g.Wait()
}
