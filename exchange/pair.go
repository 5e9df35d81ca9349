package exchange

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/robert-anderson/M7-sub002/buffer"
	"github.com/robert-anderson/M7-sub002/comm"
	"github.com/robert-anderson/M7-sub002/internal/fatal"
	"github.com/robert-anderson/M7-sub002/internal/wire"
	"github.com/robert-anderson/M7-sub002/row"
	"github.com/robert-anderson/M7-sub002/table"
)

// Pair is a set of per-destination send tables and one receive table.
type Pair struct {
	c      comm.Comm
	opts   options
	logger *slog.Logger

	sendBuf *buffer.Buffer
	recvBuf *buffer.Buffer
	send    []*table.Table
	mapped  []*table.MappedTable
	recv    *table.Table

	rowsSent, rowsRecv   prometheus.Counter
	bytesSent, bytesRecv prometheus.Counter
	rounds               prometheus.Counter
}

// Stats describes the traffic of the last Communicate.
type Stats struct {
	RowsSent     int
	RowsReceived int
	SendCounts   []int // rows per destination
	RecvCounts   []int // rows per source
}

// New creates a pair for rows of layout over c.
func New(c comm.Comm, layout *row.Layout, opts ...Option) *Pair {
	o := options{
		name:         "pair",
		sendSlots:    DefaultSendSlots,
		recvSlots:    DefaultRecvSlots,
		growthFactor: DefaultGrowthFactor,
		logger:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Pair{
		c:         c,
		opts:      o,
		logger:    o.logger.With("pair", o.name, "rank", c.Rank()),
		rowsSent:  exchangeRows.WithLabelValues(o.name, "sent"),
		rowsRecv:  exchangeRows.WithLabelValues(o.name, "received"),
		bytesSent: exchangeBytes.WithLabelValues(o.name, "sent"),
		bytesRecv: exchangeBytes.WithLabelValues(o.name, "received"),
		rounds:    exchangeRounds.WithLabelValues(o.name),
	}
	registerMetrics()

	bufOpts := append([]buffer.Option{buffer.WithLogger(o.logger)}, o.bufferOpts...)
	p.sendBuf = buffer.New(o.name+".send", c.Size(), bufOpts...)
	p.recvBuf = buffer.New(o.name+".recv", 1, bufOpts...)

	tblOpts := []table.Option{table.WithGrowthFactor(o.growthFactor), table.WithLogger(o.logger)}
	p.send = make([]*table.Table, c.Size())
	for dst := range p.send {
		name := fmt.Sprintf("%s.send[%d]", o.name, dst)
		p.send[dst] = table.New(p.sendBuf, layout, append(tblOpts, table.WithName(name))...)
	}
	if o.mapped {
		p.mapped = make([]*table.MappedTable, c.Size())
		for dst, t := range p.send {
			p.mapped[dst] = table.NewMapped(t, o.mappedOpts...)
		}
	}
	p.recv = table.New(p.recvBuf, layout, append(tblOpts, table.WithName(o.name+".recv"))...)

	// All send windows are appended, so the arenas may now hold bytes.
	if o.sendSlots > 0 {
		p.send[0].Expand(o.sendSlots, 0)
	}
	if o.recvSlots > 0 {
		p.recv.Expand(o.recvSlots, 0)
	}
	return p
}

// Comm returns the communicator the pair exchanges over.
func (p *Pair) Comm() comm.Comm { return p.c }

func (p *Pair) checkDst(op string, dst int) {
	fatal.Check(dst >= 0 && dst < len(p.send), op, ErrDestination,
		"pair %q: rank %d of %d", p.opts.name, dst, len(p.send))
}

// Send returns the send table for dst.
func (p *Pair) Send(dst int) *table.Table {
	p.checkDst("exchange.Send", dst)
	return p.send[dst]
}

// MappedSend returns the indexed send table for dst.
func (p *Pair) MappedSend(dst int) *table.MappedTable {
	p.checkDst("exchange.MappedSend", dst)
	fatal.Check(p.mapped != nil, "exchange.MappedSend", ErrNotMapped, "pair %q", p.opts.name)
	return p.mapped[dst]
}

// Mapped reports whether the send tables are indexed.
func (p *Pair) Mapped() bool { return p.mapped != nil }

// Recv returns the receive table. Its contents are replaced by every
// Communicate.
func (p *Pair) Recv() *table.Table { return p.recv }

// Pending returns the number of rows waiting in the send tables.
func (p *Pair) Pending() int {
	n := 0
	for _, t := range p.send {
		n += t.HWM()
	}
	return n
}

// Communicate delivers every send table's rows to its destination. On
// return the receive table holds the rows sent to this rank, in source rank
// order, and every send table is empty.
func (p *Pair) Communicate(ctx context.Context) (Stats, error) {
	const op = "exchange.Communicate"
	self := p.c.Rank()

	// (1) snapshot the row count of every send table.
	sendRows := make([]int, len(p.send))
	for dst, t := range p.send {
		fatal.Check(t.FreeCount() == 0, op, ErrFragmented,
			"pair %q: send table for rank %d has %d freed slots", p.opts.name, dst, t.FreeCount())
		sendRows[dst] = t.HWM()
	}

	// (2) move the rows, filling the receive table in source rank order.
	var (
		res exchanged
		err error
	)
	if p.opts.compression == wire.None {
		res, err = p.exchangeRaw(ctx, sendRows)
	} else {
		res, err = p.exchangeFramed(ctx, sendRows)
	}
	if err != nil {
		return Stats{}, err
	}

	if sendRows[self] > 0 {
		lo := 0
		for src := 0; src < self; src++ {
			lo += res.recvRows[src]
		}
		sent := p.send[self].Window().Slots(0, sendRows[self])
		got := p.recv.Window().Slots(lo, lo+res.recvRows[self])
		if !bytes.Equal(sent, got) {
			p.logger.Error("loopback segment differs", "rows", sendRows[self])
			fatal.Abort(op, ErrLoopback, "pair %q rank %d: %d rows", p.opts.name, self, sendRows[self])
		}
	}

	// (3) empty the send tables.
	stats := Stats{RowsReceived: p.recv.HWM(), SendCounts: sendRows, RecvCounts: res.recvRows}
	for dst, t := range p.send {
		stats.RowsSent += sendRows[dst]
		if p.mapped != nil {
			p.mapped[dst].Clear()
		} else {
			t.Clear()
		}
	}

	p.rowsSent.Add(float64(stats.RowsSent))
	p.rowsRecv.Add(float64(stats.RowsReceived))
	p.bytesSent.Add(float64(res.bytesSent))
	p.bytesRecv.Add(float64(res.bytesRecv))
	p.rounds.Inc()
	p.logger.Debug("communicated",
		"rows_sent", stats.RowsSent,
		"rows_received", stats.RowsReceived,
		"bytes_sent", res.bytesSent,
		"compression", p.opts.compression.String(),
	)
	return stats, nil
}

type exchanged struct {
	recvRows  []int
	bytesSent int
	bytesRecv int
}

// pace waits until the pacer admits the bytes bound for other ranks.
func (p *Pair) pace(ctx context.Context, sendBytes []int) error {
	if p.opts.pacer == nil {
		return nil
	}
	n := 0
	for dst, b := range sendBytes {
		if dst != p.c.Rank() {
			n += b
		}
	}
	if n == 0 {
		return nil
	}
	if err := p.opts.pacer.AcquireIO(ctx, n); err != nil {
		return fmt.Errorf("pair %q: pace %d bytes: %w", p.opts.name, n, err)
	}
	return nil
}

// exchangeRaw moves the send windows straight into the receive window.
func (p *Pair) exchangeRaw(ctx context.Context, sendRows []int) (exchanged, error) {
	nrank := len(p.send)
	slotSize := p.recv.SlotSize()

	recvRows, err := p.c.AllToAll(ctx, sendRows)
	if err != nil {
		return exchanged{}, fmt.Errorf("pair %q: exchange counts: %w", p.opts.name, err)
	}

	// The send windows are laid out back to back in one arena.
	windowBytes := p.sendBuf.WindowBytes()
	sendCounts := make([]int, nrank)
	sendDispls := make([]int, nrank)
	recvCounts := make([]int, nrank)
	recvDispls := make([]int, nrank)
	res := exchanged{recvRows: recvRows}
	totalRows := 0
	for r := 0; r < nrank; r++ {
		sendCounts[r] = sendRows[r] * slotSize
		sendDispls[r] = p.send[r].Window().ID() * windowBytes
		recvCounts[r] = recvRows[r] * slotSize
		recvDispls[r] = totalRows * slotSize
		totalRows += recvRows[r]
		res.bytesSent += sendCounts[r]
		res.bytesRecv += recvCounts[r]
	}
	if err := p.pace(ctx, sendCounts); err != nil {
		return exchanged{}, err
	}

	p.recv.Clear()
	p.recv.Expand(totalRows, p.opts.growthFactor)
	err = p.c.AllToAllV(ctx, p.sendBuf.Raw(), sendCounts, sendDispls,
		p.recv.Window().Bytes(), recvCounts, recvDispls)
	if err != nil {
		return exchanged{}, fmt.Errorf("pair %q: exchange rows: %w", p.opts.name, err)
	}
	p.recv.SetHWM(totalRows)
	return res, nil
}

// exchangeFramed encodes each destination's rows as one wire frame, moves
// the frames and decodes them into the receive window.
func (p *Pair) exchangeFramed(ctx context.Context, sendRows []int) (exchanged, error) {
	nrank := len(p.send)
	slotSize := p.recv.SlotSize()

	var payload []byte
	sendBytes := make([]int, nrank)
	sendDispls := make([]int, nrank)
	for dst, t := range p.send {
		sendDispls[dst] = len(payload)
		if sendRows[dst] == 0 {
			continue
		}
		frame, err := wire.Encode(t.Window().Slots(0, sendRows[dst]), p.opts.compression)
		if err != nil {
			return exchanged{}, fmt.Errorf("pair %q: encode rows for rank %d: %w", p.opts.name, dst, err)
		}
		payload = append(payload, frame...)
		sendBytes[dst] = len(frame)
	}

	recvBytes, err := p.c.AllToAll(ctx, sendBytes)
	if err != nil {
		return exchanged{}, fmt.Errorf("pair %q: exchange frame sizes: %w", p.opts.name, err)
	}
	if err := p.pace(ctx, sendBytes); err != nil {
		return exchanged{}, err
	}

	res := exchanged{recvRows: make([]int, nrank), bytesSent: len(payload)}
	recvDispls := make([]int, nrank)
	for src, n := range recvBytes {
		recvDispls[src] = res.bytesRecv
		res.bytesRecv += n
	}
	frames := make([]byte, res.bytesRecv)
	err = p.c.AllToAllV(ctx, payload, sendBytes, sendDispls, frames, recvBytes, recvDispls)
	if err != nil {
		return exchanged{}, fmt.Errorf("pair %q: exchange frames: %w", p.opts.name, err)
	}

	segments := make([][]byte, nrank)
	totalRows := 0
	for src, n := range recvBytes {
		if n == 0 {
			continue
		}
		packed, err := wire.Decode(frames[recvDispls[src] : recvDispls[src]+n])
		if err != nil {
			return exchanged{}, fmt.Errorf("pair %q: frame from rank %d: %w", p.opts.name, src, err)
		}
		if len(packed)%slotSize != 0 {
			return exchanged{}, fmt.Errorf("%w: pair %q: %d bytes from rank %d, slot size %d",
				ErrSegment, p.opts.name, len(packed), src, slotSize)
		}
		segments[src] = packed
		res.recvRows[src] = len(packed) / slotSize
		totalRows += res.recvRows[src]
	}

	p.recv.Clear()
	p.recv.Expand(totalRows, p.opts.growthFactor)
	dst := p.recv.Window().Bytes()
	off := 0
	for _, seg := range segments {
		off += copy(dst[off:], seg)
	}
	p.recv.SetHWM(totalRows)
	return res, nil
}

// Close releases both arenas.
func (p *Pair) Close() error {
	return errors.Join(p.sendBuf.Close(), p.recvBuf.Close())
}
