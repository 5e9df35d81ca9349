// Package distrib assigns blocks of the key space to ranks and rebalances
// them by measured work.
//
// A key belongs to block hash(key) mod NBlock, and every block to exactly one
// rank. Callers accumulate a work figure per block while processing rows;
// Redistribute sums the figures over all ranks, plans moves with a greedy
// bounded algorithm and applies them to the block map.
//
// The planner repeatedly takes the busiest and the laziest rank and moves
// the busiest rank's largest block whose work is strictly less than half
// their gap. The bound keeps a move from making the receiver the new busiest
// rank. It converges with few large moves rather than many small ones and
// stops, without error, once no block fits or either rank sits exactly on
// the balanced target.
package distrib
