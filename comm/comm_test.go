package comm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robert-anderson/M7-sub002/internal/fatal"
)

var errBoom = errors.New("boom")

func TestWorld_SendRecv(t *testing.T) {
	w := NewWorld(2)
	defer w.Close()
	ctx := context.Background()

	a, b := w.Rank(0), w.Rank(1)
	payload := []byte("walker")
	require.NoError(t, a.Send(ctx, 1, 7, payload))
	payload[0] = 'X' // the message is a copy

	require.NoError(t, a.Send(ctx, 1, 8, []byte("other tag")))
	got, err := b.Recv(ctx, 0, 7)
	require.NoError(t, err)
	assert.Equal(t, []byte("walker"), got)

	got, err = b.Recv(ctx, 0, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("other tag"), got)

	sent, _ := a.Stats()
	_, recv := b.Stats()
	assert.Equal(t, int64(15), sent)
	assert.Equal(t, int64(15), recv)
}

func TestWorld_RankRange(t *testing.T) {
	w := NewWorld(2)
	defer w.Close()

	err := w.Rank(0).Send(context.Background(), 2, 0, nil)
	require.ErrorIs(t, err, ErrRankRange)

	var re *RankError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 0, re.Rank)

	_, err = w.Rank(1).Recv(context.Background(), -1, 0)
	require.ErrorIs(t, err, ErrRankRange)
}

func TestWorld_RecvCanceled(t *testing.T) {
	w := NewWorld(2)
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := w.Rank(0).Recv(ctx, 1, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorld_Close(t *testing.T) {
	w := NewWorld(2)
	done := make(chan error, 1)
	go func() {
		_, err := w.Rank(0).Recv(context.Background(), 1, 0)
		done <- err
	}()
	w.Close()
	w.Close()
	require.ErrorIs(t, <-done, ErrClosed)
}

func TestWorld_AllocTags(t *testing.T) {
	w := NewWorld(2)
	defer w.Close()

	for _, r := range []*Local{w.Rank(0), w.Rank(1)} {
		assert.Equal(t, 0, r.AllocTags(2))
		assert.Equal(t, 2, r.AllocTags(2))
		assert.Equal(t, 4, r.AllocTags(1))
	}
}

func TestRun_Collectives(t *testing.T) {
	const n = 3
	ctx := context.Background()

	err := Run(ctx, n, func(ctx context.Context, c Comm) error {
		r := c.Rank()

		send := make([]int, n)
		for i := range send {
			send[i] = 10*r + i
		}
		got, err := c.AllToAll(ctx, send)
		if err != nil {
			return err
		}
		for src, v := range got {
			if v != 10*src+r {
				return errors.New("alltoall mismatch")
			}
		}

		parts, err := c.AllGather(ctx, []byte{byte(r)})
		if err != nil {
			return err
		}
		for src, p := range parts {
			if len(p) != 1 || int(p[0]) != src {
				return errors.New("allgather mismatch")
			}
		}

		sum, err := c.AllReduceFloat64(ctx, []float64{float64(r), 1})
		if err != nil {
			return err
		}
		if sum[0] != 3 || sum[1] != n {
			return errors.New("allreduce mismatch")
		}

		gathered, err := c.Gather(ctx, []byte{byte(r + 1)}, 1)
		if err != nil {
			return err
		}
		if r == 1 && len(gathered) != n {
			return errors.New("gather root missing parts")
		}
		if r != 1 && gathered != nil {
			return errors.New("gather non-root got parts")
		}
		return c.Barrier(ctx)
	})
	require.NoError(t, err)
}

func TestRun_AllToAllV(t *testing.T) {
	// Rank r sends r+1 bytes of value r to every rank.
	const n = 3
	var mu sync.Mutex
	received := make(map[int][]byte)

	err := Run(context.Background(), n, func(ctx context.Context, c Comm) error {
		r := c.Rank()
		counts := make([]int, n)
		displs := make([]int, n)
		send := make([]byte, 0, n*(r+1))
		for dst := 0; dst < n; dst++ {
			counts[dst] = r + 1
			displs[dst] = len(send)
			for k := 0; k <= r; k++ {
				send = append(send, byte(r))
			}
		}
		recvCounts := make([]int, n)
		recvDispls := make([]int, n)
		total := 0
		for src := 0; src < n; src++ {
			recvCounts[src] = src + 1
			recvDispls[src] = total
			total += src + 1
		}
		recv := make([]byte, total)
		if err := c.AllToAllV(ctx, send, counts, displs, recv, recvCounts, recvDispls); err != nil {
			return err
		}
		mu.Lock()
		received[r] = recv
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	for r := 0; r < n; r++ {
		assert.Equal(t, []byte{0, 1, 1, 2, 2, 2}, received[r], "rank %d", r)
	}
}

func TestRun_CountMismatch(t *testing.T) {
	err := Run(context.Background(), 2, func(ctx context.Context, c Comm) error {
		send := []byte{1, 2, 3, 4}
		recv := make([]byte, 8)
		// Every rank expects 1 byte per source but 2 are sent.
		return c.AllToAllV(ctx, send, []int{2, 2}, []int{0, 2}, recv, []int{1, 1}, []int{0, 1})
	})
	require.ErrorIs(t, err, ErrCountMismatch)
}

func TestRun_FirstErrorCancelsOthers(t *testing.T) {
	err := Run(context.Background(), 3, func(ctx context.Context, c Comm) error {
		if c.Rank() == 1 {
			return errBoom
		}
		// Would deadlock without cancellation: rank 1 never joins.
		return c.Barrier(ctx)
	})
	require.ErrorIs(t, err, errBoom)
}

func TestRun_FatalAbort(t *testing.T) {
	errViolation := errors.New("test: violated")
	err := Run(context.Background(), 2, func(ctx context.Context, c Comm) error {
		if c.Rank() == 0 {
			fatal.Abort("test.op", errViolation, "slot %d", 3)
		}
		return c.Barrier(ctx)
	})
	require.ErrorIs(t, err, errViolation)

	var re *RankError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 0, re.Rank)
}

func TestFloat64Codec(t *testing.T) {
	v := []float64{0, -1.5, 3e10}
	got, err := DecodeFloat64s(EncodeFloat64s(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)

	_, err = DecodeFloat64s([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrCountMismatch)

	n, err := DecodeCount(EncodeCount(42))
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}
