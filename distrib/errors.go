package distrib

import "errors"

var (
	// ErrTooFewBlocks is raised when there are fewer blocks than ranks.
	ErrTooFewBlocks = errors.New("distrib: block count below rank count")
	// ErrBlockRange is raised for a block index outside the distribution.
	ErrBlockRange = errors.New("distrib: block out of range")
	// ErrStaleMove is raised when applying a move whose source rank no
	// longer owns the block.
	ErrStaleMove = errors.New("distrib: move does not match block owner")
	// ErrWorkSize is raised when a work vector does not have one entry per block.
	ErrWorkSize = errors.New("distrib: work vector size mismatch")
)
