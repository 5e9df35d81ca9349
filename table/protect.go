package table

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/robert-anderson/M7-sub002/internal/conv"
	"github.com/robert-anderson/M7-sub002/internal/fatal"
)

// protection is the shared protection-level map of one table together with
// every holder contributing to it.
type protection struct {
	mu         sync.Mutex
	levels     map[int]int
	protectors map[*Protector]struct{}
	guards     map[int]map[*Guard]struct{}
	capacity   int
}

func (p *protection) init() {
	p.levels = make(map[int]int)
	p.protectors = make(map[*Protector]struct{})
	p.guards = make(map[int]map[*Guard]struct{})
}

// resize runs on every window resize, so protector capacity can never lag
// the table's.
func (p *protection) resize(slotCount int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capacity = slotCount
	for pr := range p.protectors {
		pr.capacity = slotCount
	}
}

func (p *protection) protectedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.levels)
}

func (p *protection) incLocked(slot int) {
	p.levels[slot]++
}

func (p *protection) decLocked(op string, slot int) {
	lvl := p.levels[slot]
	fatal.Check(lvl > 0, op, ErrReleaseUnderflow, "slot %d", slot)
	if lvl == 1 {
		delete(p.levels, slot)
		return
	}
	p.levels[slot] = lvl - 1
}

// ProtectionLevel returns how many holders protect slot.
func (t *Table) ProtectionLevel(slot int) int {
	t.prot.mu.Lock()
	defer t.prot.mu.Unlock()
	return t.prot.levels[slot]
}

// IsProtected reports whether slot has a positive protection level.
func (t *Table) IsProtected(slot int) bool {
	return t.ProtectionLevel(slot) > 0
}

// AnyProtected reports whether any slot is protected.
func (t *Table) AnyProtected() bool {
	return t.prot.protectedCount() > 0
}

// Guard is one owned unit of protection on a slot.
type Guard struct {
	t        *Table
	slot     int
	released bool
}

// Protect raises the protection level of slot by one and returns the guard
// that undoes it.
func (t *Table) Protect(slot int) *Guard {
	t.checkSlot("table.Protect", slot)
	g := &Guard{t: t, slot: slot}

	t.prot.mu.Lock()
	defer t.prot.mu.Unlock()
	t.prot.incLocked(slot)
	set, ok := t.prot.guards[slot]
	if !ok {
		set = make(map[*Guard]struct{})
		t.prot.guards[slot] = set
	}
	set[g] = struct{}{}
	return g
}

// Slot returns the protected slot.
func (g *Guard) Slot() int { return g.slot }

// Active reports whether the guard still holds its protection.
func (g *Guard) Active() bool {
	g.t.prot.mu.Lock()
	defer g.t.prot.mu.Unlock()
	return !g.released
}

// Release drops the protection. Releasing twice is a no-op.
func (g *Guard) Release() {
	p := &g.t.prot
	p.mu.Lock()
	defer p.mu.Unlock()
	if g.released {
		return
	}
	g.released = true
	if set := p.guards[g.slot]; set != nil {
		delete(set, g)
		if len(set) == 0 {
			delete(p.guards, g.slot)
		}
	}
	p.decLocked("table.Guard.Release", g.slot)
}

// Protector tracks which slots one holder protects. Each slot counts at most
// once per protector; the table's level for the slot sums over all holders.
type Protector struct {
	t        *Table
	flags    *roaring.Bitmap
	capacity int
	closed   bool
}

// NewProtector registers a protector with the table.
func (t *Table) NewProtector() *Protector {
	t.prot.mu.Lock()
	defer t.prot.mu.Unlock()
	pr := &Protector{t: t, flags: roaring.New(), capacity: t.prot.capacity}
	t.prot.protectors[pr] = struct{}{}
	return pr
}

func (pr *Protector) checkLocked(op string, slot int) {
	fatal.Check(!pr.closed, op, ErrProtectorClosed, "table %q", pr.t.opts.name)
	fatal.Check(slot >= 0 && slot < pr.capacity, op, ErrSlotRange,
		"table %q: slot %d, protector capacity %d", pr.t.opts.name, slot, pr.capacity)
}

// Protect flags slot. It returns false if this protector already held it.
func (pr *Protector) Protect(slot int) bool {
	p := &pr.t.prot
	p.mu.Lock()
	defer p.mu.Unlock()
	pr.checkLocked("table.Protector.Protect", slot)
	if !pr.flags.CheckedAdd(conv.MustSlot(slot)) {
		return false
	}
	p.incLocked(slot)
	return true
}

// Release unflags slot. It returns false if this protector did not hold it.
func (pr *Protector) Release(slot int) bool {
	p := &pr.t.prot
	p.mu.Lock()
	defer p.mu.Unlock()
	pr.checkLocked("table.Protector.Release", slot)
	if !pr.flags.CheckedRemove(conv.MustSlot(slot)) {
		return false
	}
	p.decLocked("table.Protector.Release", slot)
	return true
}

// IsProtected reports whether this protector holds slot.
func (pr *Protector) IsProtected(slot int) bool {
	pr.t.prot.mu.Lock()
	defer pr.t.prot.mu.Unlock()
	return slot >= 0 && pr.flags.Contains(conv.MustSlot(slot))
}

// Count returns the number of slots this protector holds.
func (pr *Protector) Count() int {
	pr.t.prot.mu.Lock()
	defer pr.t.prot.mu.Unlock()
	return int(pr.flags.GetCardinality()) //nolint:gosec // bounded by capacity
}

// Capacity returns the number of slots the protector can address. It
// follows the table's capacity.
func (pr *Protector) Capacity() int {
	pr.t.prot.mu.Lock()
	defer pr.t.prot.mu.Unlock()
	return pr.capacity
}

// Close releases every slot this protector holds and deregisters it.
func (pr *Protector) Close() {
	p := &pr.t.prot
	p.mu.Lock()
	defer p.mu.Unlock()
	if pr.closed {
		return
	}
	it := pr.flags.Iterator()
	for it.HasNext() {
		p.decLocked("table.Protector.Close", int(it.Next()))
	}
	pr.flags.Clear()
	pr.closed = true
	delete(p.protectors, pr)
}

// DetachProtection drops every holder's claim on slot and returns the level
// it had. Used when a protected row leaves the table through migration;
// guards on slot become inactive and protectors forget the slot.
func (t *Table) DetachProtection(slot int) int {
	p := &t.prot
	p.mu.Lock()
	defer p.mu.Unlock()
	lvl := p.levels[slot]
	if lvl == 0 {
		return 0
	}
	delete(p.levels, slot)
	for pr := range p.protectors {
		pr.flags.Remove(conv.MustSlot(slot))
	}
	for g := range p.guards[slot] {
		g.released = true
	}
	delete(p.guards, slot)
	t.logger.Debug("protection detached", "slot", slot, "level", lvl)
	return lvl
}

// RestoreProtection protects slot level times and returns the guards.
func (t *Table) RestoreProtection(slot, level int) []*Guard {
	guards := make([]*Guard, 0, level)
	for i := 0; i < level; i++ {
		guards = append(guards, t.Protect(slot))
	}
	return guards
}
