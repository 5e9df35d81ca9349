package comm

import (
	"context"
	"errors"
	"fmt"
)

// Comm is one rank's view of the world.
type Comm interface {
	// Rank returns this rank's index in [0, Size()).
	Rank() int
	// Size returns the number of ranks.
	Size() int
	// AllocTags reserves n consecutive user tags and returns the first.
	// Every rank allocating in the same order receives the same tags.
	AllocTags(n int) int

	// Send delivers a copy of payload to dst under tag.
	Send(ctx context.Context, dst, tag int, payload []byte) error
	// Recv returns the oldest message from src under tag, blocking until
	// one arrives.
	Recv(ctx context.Context, src, tag int) ([]byte, error)

	// Barrier blocks until every rank has entered it.
	Barrier(ctx context.Context) error
	// AllToAll sends send[i] to rank i and returns the value every rank
	// sent to this one, indexed by source.
	AllToAll(ctx context.Context, send []int) ([]int, error)
	// AllToAllV sends send[sendDispls[i]:sendDispls[i]+sendCounts[i]] to
	// rank i and writes the bytes from rank j to
	// recv[recvDispls[j]:recvDispls[j]+recvCounts[j]].
	AllToAllV(ctx context.Context, send []byte, sendCounts, sendDispls []int,
		recv []byte, recvCounts, recvDispls []int) error
	// AllGather returns every rank's payload, indexed by source.
	AllGather(ctx context.Context, payload []byte) ([][]byte, error)
	// Gather returns every rank's payload on root and nil elsewhere.
	Gather(ctx context.Context, payload []byte, root int) ([][]byte, error)
	// AllReduceFloat64 returns the element-wise sum of v over all ranks.
	AllReduceFloat64(ctx context.Context, v []float64) ([]float64, error)
}

var (
	// ErrRankRange is returned for a source or destination outside the world.
	ErrRankRange = errors.New("comm: rank out of range")
	// ErrCountMismatch is returned when a rank receives a different byte
	// count than the one it was told to expect.
	ErrCountMismatch = errors.New("comm: receive count mismatch")
	// ErrBadArgs is returned for inconsistent collective arguments.
	ErrBadArgs = errors.New("comm: inconsistent arguments")
	// ErrClosed is returned after the world has been closed.
	ErrClosed = errors.New("comm: world closed")
)

// RankError names the rank and operation a communication failure occurred on.
type RankError struct {
	Rank int
	Op   string
	Err  error
}

func (e *RankError) Error() string {
	return fmt.Sprintf("comm: rank %d: %s: %v", e.Rank, e.Op, e.Err)
}

func (e *RankError) Unwrap() error { return e.Err }
