package distrib

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robert-anderson/M7-sub002/comm"
	"github.com/robert-anderson/M7-sub002/internal/fatal"
)

func requireFatal(t *testing.T, target error, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		err := fatal.Recover(recover())
		require.Error(t, err, "expected fatal %v", target)
		require.True(t, errors.Is(err, target), "got %v, want %v", err, target)
	}()
	fn()
}

func TestDistribution_Initial(t *testing.T) {
	d := NewDistribution(10, 3)
	assert.Equal(t, []int{0, 0, 0, 0, 1, 1, 1, 2, 2, 2}, d.Assignment())
	assert.Equal(t, [][]int{{0, 1, 2, 3}, {4, 5, 6}, {7, 8, 9}}, d.RankBlocks())

	requireFatal(t, ErrTooFewBlocks, func() { NewDistribution(2, 3) })
	requireFatal(t, ErrBlockRange, func() { d.BlockRank(10) })
}

func TestDistribution_KeyMapping(t *testing.T) {
	d := NewDistribution(16, 4)
	for i := 0; i < 100; i++ {
		k := []byte(fmt.Sprintf("det-%03d", i))
		b := d.IBlock(k)
		require.GreaterOrEqual(t, b, 0)
		require.Less(t, b, 16)
		assert.Equal(t, b, d.IBlock(k), "stable")
		assert.Equal(t, d.BlockRank(b), d.IRank(k))
	}
}

func TestDistribution_Apply(t *testing.T) {
	d := NewDistribution(4, 2)
	d.Apply([]Move{{Block: 0, From: 0, To: 1}})
	assert.Equal(t, []int{1, 0, 1, 1}, d.Assignment())
	assert.Equal(t, uint64(1), d.Version())

	requireFatal(t, ErrStaleMove, func() { d.Apply([]Move{{Block: 0, From: 0, To: 1}}) })

	d.Apply(nil)
	assert.Equal(t, uint64(1), d.Version())
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name  string
		nrank int
		work  []float64
		moves []Move
	}{
		{
			name:  "ascending",
			nrank: 4,
			work:  []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
			moves: []Move{{Block: 15, From: 3, To: 0}},
		},
		{
			name:  "idle blocks",
			nrank: 3,
			work:  []float64{0, 0, 0, 0, 1, 1, 1, 1, 1, 1, 1, 1},
			moves: []Move{{Block: 4, From: 1, To: 0}, {Block: 8, From: 2, To: 0}},
		},
		{
			name:  "balanced",
			nrank: 3,
			work:  []float64{1, 1, 1, 1, 1, 1, 1, 1, 1},
		},
		{
			name:  "no work",
			nrank: 2,
			work:  make([]float64, 8),
		},
		{
			name:  "no block below half the gap",
			nrank: 2,
			work:  []float64{6, 6, 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDistribution(len(tt.work), tt.nrank)
			before := d.Assignment()
			moves := Plan(d, tt.work)
			assert.Equal(t, tt.moves, moves)
			assert.Equal(t, before, d.Assignment(), "plan does not modify the distribution")
		})
	}
}

func TestPlan_Convergence(t *testing.T) {
	// 64 blocks over 8 ranks with uneven figures in 1..11.
	work := make([]float64, 64)
	var total, peak float64
	for b := range work {
		work[b] = float64((b*37)%11 + 1)
		total += work[b]
		peak = max(peak, work[b])
	}
	d := NewDistribution(64, 8)
	moves := Plan(d, work)
	assert.Len(t, moves, 3)
	assert.LessOrEqual(t, len(moves), d.NBlock())

	d.Apply(moves)
	target := total / 8
	for r, load := range RankWork(d, work) {
		assert.InDelta(t, target, load, peak, "rank %d", r)
	}
	assert.Less(t, Imbalance(RankWork(d, work)), Imbalance(RankWork(NewDistribution(64, 8), work)))
}

func TestRedistributor_Accumulate(t *testing.T) {
	d := NewDistribution(8, 2)
	r := NewRedistributor(d)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				r.AccumulateBlockWork(j%8, 0.5)
			}
		}()
	}
	wg.Wait()
	for b, w := range r.LocalWork() {
		assert.Equal(t, 500.0, w, "block %d", b)
	}

	k := []byte("walker")
	r.AccumulateWorkFigure(k, 2)
	assert.Equal(t, 502.0, r.LocalWork()[d.IBlock(k)])

	r.Reset()
	assert.Equal(t, make([]float64, 8), r.LocalWork())
	requireFatal(t, ErrBlockRange, func() { r.AccumulateBlockWork(8, 1) })
}

func TestRedistributor_Redistribute(t *testing.T) {
	// Reduced figures: blocks 0-3 idle, blocks 4-11 cost 1 each.
	var (
		mu      sync.Mutex
		results = make(map[int][]int)
		movesBy = make(map[int][]Move)
	)
	err := comm.Run(context.Background(), 3, func(ctx context.Context, c comm.Comm) error {
		r := NewRedistributor(NewDistribution(12, 3))
		for b := 4 * (c.Rank() + 1); b < 4*(c.Rank()+2) && b < 12; b++ {
			r.AccumulateBlockWork(b, 1)
		}
		moves, err := r.Redistribute(ctx, c)
		if err != nil {
			return err
		}
		for _, w := range r.LocalWork() {
			if w != 0 {
				return errors.New("work not reset")
			}
		}
		mu.Lock()
		results[c.Rank()] = r.Distribution().Assignment()
		movesBy[c.Rank()] = moves
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	want := []Move{{Block: 4, From: 1, To: 0}, {Block: 8, From: 2, To: 0}}
	for rank := 0; rank < 3; rank++ {
		assert.Equal(t, want, movesBy[rank], "rank %d", rank)
		assert.Equal(t, results[0], results[rank], "rank %d agrees", rank)
	}
	assert.Equal(t, []int{0, 0, 0, 0, 0, 1, 1, 1, 0, 2, 2, 2}, results[0])
}
