package comm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// mailboxDepth bounds the number of undelivered messages per
// (source, destination, tag). Collectives put one message per pair in
// flight, so this only limits how far a sender may run ahead of its
// receiver with point-to-point traffic.
const mailboxDepth = 256

type mailboxKey struct {
	src, dst, tag int
}

// World is a set of in-process ranks.
type World struct {
	size int

	mu        sync.Mutex
	mailboxes map[mailboxKey]chan []byte
	done      chan struct{}
	closeOnce sync.Once

	ranks []*Local
}

// Local is one rank of a World. It implements Comm.
type Local struct {
	world   *World
	rank    int
	nextTag atomic.Int64

	sentBytes atomic.Int64
	recvBytes atomic.Int64
}

var _ Comm = (*Local)(nil)

// NewWorld creates a world of size ranks.
func NewWorld(size int) *World {
	if size <= 0 {
		size = 1
	}
	w := &World{
		size:      size,
		mailboxes: make(map[mailboxKey]chan []byte),
		done:      make(chan struct{}),
	}
	w.ranks = make([]*Local, size)
	for i := range w.ranks {
		w.ranks[i] = &Local{world: w, rank: i}
	}
	return w
}

// Size returns the number of ranks.
func (w *World) Size() int { return w.size }

// Rank returns the communicator of rank i.
func (w *World) Rank(i int) *Local { return w.ranks[i] }

// Comms returns every rank's communicator.
func (w *World) Comms() []Comm {
	out := make([]Comm, w.size)
	for i, r := range w.ranks {
		out[i] = r
	}
	return out
}

// Close unblocks every pending and future operation with ErrClosed.
func (w *World) Close() {
	w.closeOnce.Do(func() { close(w.done) })
}

func (w *World) mailbox(k mailboxKey) chan []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.mailboxes[k]
	if !ok {
		ch = make(chan []byte, mailboxDepth)
		w.mailboxes[k] = ch
	}
	return ch
}

// Rank implements Comm.
func (l *Local) Rank() int { return l.rank }

// Size implements Comm.
func (l *Local) Size() int { return l.world.size }

// AllocTags implements Comm.
func (l *Local) AllocTags(n int) int {
	return int(l.nextTag.Add(int64(n))) - n
}

// Stats returns the bytes this rank has sent and received.
func (l *Local) Stats() (sent, received int64) {
	return l.sentBytes.Load(), l.recvBytes.Load()
}

func (l *Local) checkPeer(op string, peer int) error {
	if peer < 0 || peer >= l.world.size {
		return &RankError{Rank: l.rank, Op: op, Err: fmt.Errorf("%w: %d of %d", ErrRankRange, peer, l.world.size)}
	}
	return nil
}

// Send implements Comm.
func (l *Local) Send(ctx context.Context, dst, tag int, payload []byte) error {
	if err := l.checkPeer("Send", dst); err != nil {
		return err
	}
	msg := append([]byte(nil), payload...)
	ch := l.world.mailbox(mailboxKey{src: l.rank, dst: dst, tag: tag})
	select {
	case ch <- msg:
		l.sentBytes.Add(int64(len(msg)))
		return nil
	case <-ctx.Done():
		return &RankError{Rank: l.rank, Op: fmt.Sprintf("Send(dst=%d, tag=%d)", dst, tag), Err: ctx.Err()}
	case <-l.world.done:
		return &RankError{Rank: l.rank, Op: "Send", Err: ErrClosed}
	}
}

// Recv implements Comm.
func (l *Local) Recv(ctx context.Context, src, tag int) ([]byte, error) {
	if err := l.checkPeer("Recv", src); err != nil {
		return nil, err
	}
	ch := l.world.mailbox(mailboxKey{src: src, dst: l.rank, tag: tag})
	select {
	case msg := <-ch:
		l.recvBytes.Add(int64(len(msg)))
		return msg, nil
	case <-ctx.Done():
		return nil, &RankError{Rank: l.rank, Op: fmt.Sprintf("Recv(src=%d, tag=%d)", src, tag), Err: ctx.Err()}
	case <-l.world.done:
		return nil, &RankError{Rank: l.rank, Op: "Recv", Err: ErrClosed}
	}
}

// Barrier implements Comm.
func (l *Local) Barrier(ctx context.Context) error { return barrier(ctx, l) }

// AllToAll implements Comm.
func (l *Local) AllToAll(ctx context.Context, send []int) ([]int, error) {
	return allToAll(ctx, l, send)
}

// AllToAllV implements Comm.
func (l *Local) AllToAllV(ctx context.Context, send []byte, sendCounts, sendDispls []int,
	recv []byte, recvCounts, recvDispls []int) error {
	return allToAllV(ctx, l, send, sendCounts, sendDispls, recv, recvCounts, recvDispls)
}

// AllGather implements Comm.
func (l *Local) AllGather(ctx context.Context, payload []byte) ([][]byte, error) {
	return allGather(ctx, l, payload)
}

// Gather implements Comm.
func (l *Local) Gather(ctx context.Context, payload []byte, root int) ([][]byte, error) {
	return gather(ctx, l, payload, root)
}

// AllReduceFloat64 implements Comm.
func (l *Local) AllReduceFloat64(ctx context.Context, v []float64) ([]float64, error) {
	return allReduceFloat64(ctx, l, v)
}
