package distrib

import (
	"fmt"

	"github.com/robert-anderson/M7-sub002/internal/fatal"
	"github.com/robert-anderson/M7-sub002/internal/hash"
)

// Move reassigns one block.
type Move struct {
	Block int
	From  int
	To    int
}

func (m Move) String() string {
	return fmt.Sprintf("block %d: rank %d -> %d", m.Block, m.From, m.To)
}

// Distribution maps blocks to ranks. It is read concurrently during a cycle
// and only changed by Apply, which every rank runs at the same point of a
// collective redistribution.
type Distribution struct {
	nrank     int
	blockRank []int
	version   uint64
}

// NewDistribution assigns nblock blocks to nrank ranks, each rank owning a
// contiguous run of about nblock/nrank blocks.
func NewDistribution(nblock, nrank int) *Distribution {
	fatal.Check(nrank > 0 && nblock >= nrank, "distrib.NewDistribution", ErrTooFewBlocks,
		"%d blocks, %d ranks", nblock, nrank)
	d := &Distribution{nrank: nrank, blockRank: make([]int, nblock)}
	for b := range d.blockRank {
		d.blockRank[b] = b * nrank / nblock
	}
	return d
}

// NBlock returns the number of blocks.
func (d *Distribution) NBlock() int { return len(d.blockRank) }

// NRank returns the number of ranks.
func (d *Distribution) NRank() int { return d.nrank }

// Version counts applied move sets.
func (d *Distribution) Version() uint64 { return d.version }

// IBlock returns the block of key.
func (d *Distribution) IBlock(key []byte) int {
	return hash.Mod(key, len(d.blockRank))
}

// IRank returns the rank owning key.
func (d *Distribution) IRank(key []byte) int {
	return d.blockRank[d.IBlock(key)]
}

// BlockRank returns the rank owning block b.
func (d *Distribution) BlockRank(b int) int {
	fatal.Check(b >= 0 && b < len(d.blockRank), "distrib.BlockRank", ErrBlockRange,
		"block %d of %d", b, len(d.blockRank))
	return d.blockRank[b]
}

// Assignment returns a copy of the block to rank map.
func (d *Distribution) Assignment() []int {
	return append([]int(nil), d.blockRank...)
}

// RankBlocks returns the blocks of every rank in ascending order.
func (d *Distribution) RankBlocks() [][]int {
	out := make([][]int, d.nrank)
	for b, r := range d.blockRank {
		out[r] = append(out[r], b)
	}
	return out
}

// Apply reassigns every moved block in order.
func (d *Distribution) Apply(moves []Move) {
	for _, m := range moves {
		fatal.Check(m.To >= 0 && m.To < d.nrank, "distrib.Apply", ErrBlockRange, "%v: %d ranks", m, d.nrank)
		fatal.Check(d.BlockRank(m.Block) == m.From, "distrib.Apply", ErrStaleMove,
			"%v: owned by rank %d", m, d.blockRank[m.Block])
		d.blockRank[m.Block] = m.To
	}
	if len(moves) > 0 {
		d.version++
	}
}
