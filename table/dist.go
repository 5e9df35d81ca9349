package table

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/robert-anderson/M7-sub002/comm"
	"github.com/robert-anderson/M7-sub002/internal/conv"
	"github.com/robert-anderson/M7-sub002/internal/fatal"
	"github.com/robert-anderson/M7-sub002/internal/wire"
)

// pack copies the given slots into one contiguous payload.
func (t *Table) pack(slots []int) []byte {
	ss := t.SlotSize()
	out := make([]byte, 0, len(slots)*ss)
	for _, slot := range slots {
		out = append(out, t.win.Slot(slot)...)
	}
	return out
}

func (t *Table) fireInsert(slot int, callbacks []func(int)) {
	for _, fn := range t.insertHooks {
		fn(slot)
	}
	for _, fn := range callbacks {
		fn(slot)
	}
}

// appendPacked pushes every record of packed in order and fires the insert
// hooks for each.
func (t *Table) appendPacked(op string, packed []byte, callbacks []func(int)) int {
	ss := t.SlotSize()
	fatal.Check(len(packed)%ss == 0, op, ErrTransfer,
		"table %q: payload of %d bytes is not a multiple of slot size %d", t.opts.name, len(packed), ss)
	n := len(packed) / ss
	for i := 0; i < n; i++ {
		slot := t.GetFreeSlot()
		copy(t.win.Slot(slot), packed[i*ss:(i+1)*ss])
		t.fireInsert(slot, callbacks)
	}
	return n
}

func (t *Table) checkSource(op string, src *Table) {
	fatal.Check(src.SlotSize() == t.SlotSize(), op, ErrSlotSizeMismatch,
		"table %q slot size %d, source %q slot size %d", t.opts.name, t.SlotSize(), src.opts.name, src.SlotSize())
}

// AllGatherV replaces the contents of t with the in-use records of src on
// every rank, concatenated in rank order. Collective over c.
func (t *Table) AllGatherV(ctx context.Context, c comm.Comm, src *Table) error {
	return t.allGatherV(ctx, c, src, nil, nil)
}

// allGatherV runs onClear after the gather succeeded and t was emptied,
// before any received record is inserted.
func (t *Table) allGatherV(ctx context.Context, c comm.Comm, src *Table, onClear func(), callbacks []func(int)) error {
	const op = "table.AllGatherV"
	t.checkSource(op, src)
	parts, err := c.AllGather(ctx, src.pack(src.InUse()))
	if err != nil {
		return fmt.Errorf("table %q: all-gather: %w", t.opts.name, err)
	}
	t.Clear()
	if onClear != nil {
		onClear()
	}
	n := 0
	for _, part := range parts {
		n += t.appendPacked(op, part, callbacks)
	}
	t.logger.Debug("all-gathered", "records", n)
	return nil
}

// GatherV replaces the contents of t on rank root with the in-use records of
// src on every rank, concatenated in rank order. Tables on other ranks are
// left unchanged. Collective over c.
func (t *Table) GatherV(ctx context.Context, c comm.Comm, src *Table, root int) error {
	return t.gatherV(ctx, c, src, root, nil)
}

func (t *Table) gatherV(ctx context.Context, c comm.Comm, src *Table, root int, callbacks []func(int)) error {
	const op = "table.GatherV"
	t.checkSource(op, src)
	parts, err := c.Gather(ctx, src.pack(src.InUse()), root)
	if err != nil {
		return fmt.Errorf("table %q: gather to %d: %w", t.opts.name, root, err)
	}
	if c.Rank() != root {
		return nil
	}
	t.Clear()
	for _, part := range parts {
		t.appendPacked(op, part, callbacks)
	}
	return nil
}

// transferTags returns the count and payload tags, reserving them from c on
// first use. Every rank reaches the first transfer in the same order, so the
// tags agree across ranks.
func (t *Table) transferTags(c comm.Comm) (countTag, payloadTag int) {
	if t.tagComm != c {
		t.tagComm = c
		t.tags = c.AllocTags(2)
	}
	return t.tags, t.tags + 1
}

// TransferRecords moves the given slots from rank from to rank to. On from,
// the records are sent and their slots freed; on to, they are inserted
// through GetFreeSlot and each callback runs once per inserted slot. Every
// rank of c must call it; ranks other than from and to only reserve tags.
func (t *Table) TransferRecords(ctx context.Context, c comm.Comm, slots []int, from, to int, callbacks ...func(slot int)) error {
	return t.transfer(ctx, c, slots, from, to, t.Free, callbacks)
}

func (t *Table) transfer(ctx context.Context, c comm.Comm, slots []int, from, to int,
	free func(slot int), callbacks []func(int)) error {
	const op = "table.TransferRecords"
	countTag, payloadTag := t.transferTags(c)
	if from == to {
		return nil
	}

	switch c.Rank() {
	case from:
		seen := roaring.New()
		for _, slot := range slots {
			t.checkSlot(op, slot)
			fatal.Check(!t.IsFreed(slot), op, ErrAlreadyFreed, "table %q: transfer of freed slot %d", t.opts.name, slot)
			fatal.Check(seen.CheckedAdd(conv.MustSlot(slot)), op, ErrSlotRange, "table %q: slot %d listed twice", t.opts.name, slot)
			if lvl := t.ProtectionLevel(slot); lvl > 0 {
				fatal.Abort(op, ErrProtected, "table %q: transfer of slot %d with protection level %d", t.opts.name, slot, lvl)
			}
		}
		frame, err := wire.Encode(t.pack(slots), t.opts.compression)
		if err != nil {
			return fmt.Errorf("table %q: encode transfer: %w", t.opts.name, err)
		}
		if err := c.Send(ctx, to, countTag, comm.EncodeCount(len(slots))); err != nil {
			return fmt.Errorf("table %q: send count to %d: %w", t.opts.name, to, err)
		}
		if t.opts.pacer != nil {
			if err := t.opts.pacer.AcquireIO(ctx, len(frame)); err != nil {
				return fmt.Errorf("table %q: pace transfer: %w", t.opts.name, err)
			}
		}
		if err := c.Send(ctx, to, payloadTag, frame); err != nil {
			return fmt.Errorf("table %q: send payload to %d: %w", t.opts.name, to, err)
		}
		for _, slot := range slots {
			free(slot)
		}
		tableTransferredRecords.WithLabelValues(t.opts.name, "sent").Add(float64(len(slots)))
		t.logger.Debug("records sent", "to", to, "records", len(slots), "bytes", len(frame))

	case to:
		msg, err := c.Recv(ctx, from, countTag)
		if err != nil {
			return fmt.Errorf("table %q: receive count from %d: %w", t.opts.name, from, err)
		}
		n, err := comm.DecodeCount(msg)
		if err != nil {
			return fmt.Errorf("table %q: receive count from %d: %w", t.opts.name, from, err)
		}
		frame, err := c.Recv(ctx, from, payloadTag)
		if err != nil {
			return fmt.Errorf("table %q: receive payload from %d: %w", t.opts.name, from, err)
		}
		packed, err := wire.Decode(frame)
		if err != nil {
			return fmt.Errorf("table %q: payload from %d: %w", t.opts.name, from, err)
		}
		fatal.Check(len(packed) == n*t.SlotSize(), op, ErrTransfer,
			"table %q: %d records announced by rank %d, %d bytes received", t.opts.name, n, from, len(packed))
		t.appendPacked(op, packed, callbacks)
		tableTransferredRecords.WithLabelValues(t.opts.name, "received").Add(float64(n))
		t.logger.Debug("records received", "from", from, "records", n)
	}
	return nil
}
