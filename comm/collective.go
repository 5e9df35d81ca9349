package comm

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/robert-anderson/M7-sub002/internal/conv"
)

// Tags below zero are reserved for collectives. Messages of one collective
// kind between a pair of ranks are FIFO, so issuing collectives in the same
// order on every rank keeps them matched.
const (
	tagAllToAll  = -1
	tagAllToAllV = -2
	tagAllGather = -3
	tagGather    = -4
)

// pointToPoint is what the collectives are built from.
type pointToPoint interface {
	Rank() int
	Size() int
	Send(ctx context.Context, dst, tag int, payload []byte) error
	Recv(ctx context.Context, src, tag int) ([]byte, error)
}

func allToAll(ctx context.Context, p pointToPoint, send []int) ([]int, error) {
	n := p.Size()
	if len(send) != n {
		return nil, &RankError{Rank: p.Rank(), Op: "AllToAll", Err: fmt.Errorf("%w: %d values for %d ranks", ErrBadArgs, len(send), n)}
	}
	var buf [8]byte
	for dst := 0; dst < n; dst++ {
		binary.LittleEndian.PutUint64(buf[:], uint64(send[dst])) //nolint:gosec // bit reinterpretation
		if err := p.Send(ctx, dst, tagAllToAll, buf[:]); err != nil {
			return nil, err
		}
	}
	out := make([]int, n)
	for src := 0; src < n; src++ {
		msg, err := p.Recv(ctx, src, tagAllToAll)
		if err != nil {
			return nil, err
		}
		if len(msg) != 8 {
			return nil, &RankError{Rank: p.Rank(), Op: "AllToAll", Err: fmt.Errorf("%w: %d bytes from rank %d", ErrCountMismatch, len(msg), src)}
		}
		out[src] = int(binary.LittleEndian.Uint64(msg)) //nolint:gosec // bit reinterpretation
	}
	return out, nil
}

func allToAllV(ctx context.Context, p pointToPoint, send []byte, sendCounts, sendDispls []int,
	recv []byte, recvCounts, recvDispls []int) error {
	n := p.Size()
	if len(sendCounts) != n || len(sendDispls) != n || len(recvCounts) != n || len(recvDispls) != n {
		return &RankError{Rank: p.Rank(), Op: "AllToAllV", Err: fmt.Errorf("%w: count/displacement vectors must have %d entries", ErrBadArgs, n)}
	}
	for dst := 0; dst < n; dst++ {
		lo, hi := sendDispls[dst], sendDispls[dst]+sendCounts[dst]
		if lo < 0 || hi > len(send) || lo > hi {
			return &RankError{Rank: p.Rank(), Op: "AllToAllV", Err: fmt.Errorf("%w: send segment [%d, %d) of %d bytes", ErrBadArgs, lo, hi, len(send))}
		}
		if err := p.Send(ctx, dst, tagAllToAllV, send[lo:hi]); err != nil {
			return err
		}
	}
	for src := 0; src < n; src++ {
		msg, err := p.Recv(ctx, src, tagAllToAllV)
		if err != nil {
			return err
		}
		if len(msg) != recvCounts[src] {
			return &RankError{Rank: p.Rank(), Op: "AllToAllV", Err: fmt.Errorf("%w: %d bytes from rank %d, expected %d", ErrCountMismatch, len(msg), src, recvCounts[src])}
		}
		lo := recvDispls[src]
		if lo < 0 || lo+len(msg) > len(recv) {
			return &RankError{Rank: p.Rank(), Op: "AllToAllV", Err: fmt.Errorf("%w: receive segment [%d, %d) of %d bytes", ErrBadArgs, lo, lo+len(msg), len(recv))}
		}
		copy(recv[lo:], msg)
	}
	return nil
}

func allGather(ctx context.Context, p pointToPoint, payload []byte) ([][]byte, error) {
	n := p.Size()
	for dst := 0; dst < n; dst++ {
		if err := p.Send(ctx, dst, tagAllGather, payload); err != nil {
			return nil, err
		}
	}
	out := make([][]byte, n)
	for src := 0; src < n; src++ {
		msg, err := p.Recv(ctx, src, tagAllGather)
		if err != nil {
			return nil, err
		}
		out[src] = msg
	}
	return out, nil
}

func gather(ctx context.Context, p pointToPoint, payload []byte, root int) ([][]byte, error) {
	n := p.Size()
	if root < 0 || root >= n {
		return nil, &RankError{Rank: p.Rank(), Op: "Gather", Err: fmt.Errorf("%w: root %d", ErrRankRange, root)}
	}
	if err := p.Send(ctx, root, tagGather, payload); err != nil {
		return nil, err
	}
	if p.Rank() != root {
		return nil, nil
	}
	out := make([][]byte, n)
	for src := 0; src < n; src++ {
		msg, err := p.Recv(ctx, src, tagGather)
		if err != nil {
			return nil, err
		}
		out[src] = msg
	}
	return out, nil
}

func barrier(ctx context.Context, p pointToPoint) error {
	_, err := allGather(ctx, p, nil)
	return err
}

func allReduceFloat64(ctx context.Context, p pointToPoint, v []float64) ([]float64, error) {
	parts, err := allGather(ctx, p, EncodeFloat64s(v))
	if err != nil {
		return nil, err
	}
	// Summing in rank order gives every rank bit-identical results.
	sum := make([]float64, len(v))
	for src, part := range parts {
		vals, err := DecodeFloat64s(part)
		if err != nil || len(vals) != len(v) {
			return nil, &RankError{Rank: p.Rank(), Op: "AllReduceFloat64", Err: fmt.Errorf("%w: %d values from rank %d, expected %d", ErrCountMismatch, len(vals), src, len(v))}
		}
		for i, x := range vals {
			sum[i] += x
		}
	}
	return sum, nil
}

// EncodeFloat64s packs v little-endian.
func EncodeFloat64s(v []float64) []byte {
	out := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(out[8*i:], math.Float64bits(x))
	}
	return out
}

// DecodeFloat64s reverses EncodeFloat64s.
func DecodeFloat64s(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a float64 vector", ErrCountMismatch, len(b))
	}
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return out, nil
}

// EncodeCount packs a record count for a point-to-point count message.
// It panics on a negative count.
func EncodeCount(n int) []byte {
	u, err := conv.IntToUint64(n)
	if err != nil {
		panic(err)
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], u)
	return b[:]
}

// DecodeCount reverses EncodeCount.
func DecodeCount(b []byte) (int, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: count message of %d bytes", ErrCountMismatch, len(b))
	}
	v, err := conv.Uint64ToInt(binary.LittleEndian.Uint64(b))
	if err != nil || v > math.MaxInt32 {
		return 0, fmt.Errorf("%w: count %d", ErrCountMismatch, binary.LittleEndian.Uint64(b))
	}
	return v, nil
}
