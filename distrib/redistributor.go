package distrib

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/robert-anderson/M7-sub002/comm"
	"github.com/robert-anderson/M7-sub002/internal/fatal"
)

// workCell is one block's accumulator, padded so threads accumulating
// neighboring blocks do not share a cache line.
type workCell struct {
	bits atomic.Uint64
	_    cpu.CacheLinePad
}

func (c *workCell) add(v float64) {
	for {
		old := c.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + v)
		if c.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (c *workCell) load() float64 { return math.Float64frombits(c.bits.Load()) }

// Redistributor accumulates per-block work and rebalances a Distribution.
type Redistributor struct {
	dist   *Distribution
	work   []workCell
	logger *slog.Logger
}

// Option configures a Redistributor.
type Option func(*Redistributor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Redistributor) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRedistributor creates a redistributor for dist.
func NewRedistributor(dist *Distribution, opts ...Option) *Redistributor {
	r := &Redistributor{
		dist:   dist,
		work:   make([]workCell, dist.NBlock()),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Distribution returns the managed distribution.
func (r *Redistributor) Distribution() *Distribution { return r.dist }

// AccumulateWorkFigure adds amount to the block of key. Safe for concurrent
// use.
func (r *Redistributor) AccumulateWorkFigure(key []byte, amount float64) {
	r.work[r.dist.IBlock(key)].add(amount)
}

// AccumulateBlockWork adds amount to block b. Safe for concurrent use.
func (r *Redistributor) AccumulateBlockWork(b int, amount float64) {
	fatal.Check(b >= 0 && b < len(r.work), "distrib.AccumulateBlockWork", ErrBlockRange,
		"block %d of %d", b, len(r.work))
	r.work[b].add(amount)
}

// LocalWork returns this rank's work figures.
func (r *Redistributor) LocalWork() []float64 {
	out := make([]float64, len(r.work))
	for b := range r.work {
		out[b] = r.work[b].load()
	}
	return out
}

// Reset zeroes the work figures.
func (r *Redistributor) Reset() {
	for b := range r.work {
		r.work[b].bits.Store(0)
	}
}

// Reduce returns the work figures summed over all ranks. Collective.
func (r *Redistributor) Reduce(ctx context.Context, c comm.Comm) ([]float64, error) {
	total, err := c.AllReduceFloat64(ctx, r.LocalWork())
	if err != nil {
		return nil, fmt.Errorf("distrib: reduce work: %w", err)
	}
	return total, nil
}

// Redistribute reduces the work figures, plans moves, applies them to the
// distribution and zeroes the figures. Every rank computes the same moves
// from the same reduced figures. Collective.
func (r *Redistributor) Redistribute(ctx context.Context, c comm.Comm) ([]Move, error) {
	work, err := r.Reduce(ctx, c)
	if err != nil {
		return nil, err
	}
	moves := Plan(r.dist, work)
	r.dist.Apply(moves)
	r.Reset()

	loads := RankWork(r.dist, work)
	r.logger.Info("redistributed",
		"moves", len(moves),
		"version", r.dist.Version(),
		"imbalance", Imbalance(loads),
	)
	return moves, nil
}

// RankWork sums work per rank under dist.
func RankWork(dist *Distribution, work []float64) []float64 {
	fatal.Check(len(work) == dist.NBlock(), "distrib.RankWork", ErrWorkSize,
		"%d figures, %d blocks", len(work), dist.NBlock())
	out := make([]float64, dist.NRank())
	for b, w := range work {
		out[dist.blockRank[b]] += w
	}
	return out
}

// Imbalance returns max(load)/mean(load), or 1 for no load.
func Imbalance(loads []float64) float64 {
	var total, peak float64
	for _, l := range loads {
		total += l
		peak = max(peak, l)
	}
	if total == 0 {
		return 1
	}
	return peak / (total / float64(len(loads)))
}

// Plan computes the greedy bounded moves that rebalance dist under work.
// It does not modify dist. At most NBlock moves are planned.
func Plan(dist *Distribution, work []float64) []Move {
	rankWork := RankWork(dist, work)
	rankBlocks := dist.RankBlocks()
	nrank := dist.NRank()

	var total float64
	for _, w := range work {
		total += w
	}
	target := total / float64(nrank)

	var moves []Move
	for len(moves) < dist.NBlock() {
		src, dst := 0, 0
		for r := 1; r < nrank; r++ {
			if rankWork[r] > rankWork[src] {
				src = r
			}
			if rankWork[r] < rankWork[dst] {
				dst = r
			}
		}
		if src == dst || rankWork[src] == target || rankWork[dst] == target {
			break
		}

		half := (rankWork[src] - rankWork[dst]) / 2
		best, bestAt := -1, -1
		for i, b := range rankBlocks[src] {
			w := work[b]
			// Zero-work blocks cannot improve the balance.
			if w > 0 && w < half && (best < 0 || w > work[best]) {
				best, bestAt = b, i
			}
		}
		if best < 0 {
			break
		}

		rankWork[src] -= work[best]
		rankWork[dst] += work[best]
		rankBlocks[src] = slices.Delete(rankBlocks[src], bestAt, bestAt+1)
		rankBlocks[dst] = append(rankBlocks[dst], best)
		moves = append(moves, Move{Block: best, From: src, To: dst})
	}
	return moves
}
