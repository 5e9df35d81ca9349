package communicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/robert-anderson/M7-sub002/buffer"
	"github.com/robert-anderson/M7-sub002/comm"
	"github.com/robert-anderson/M7-sub002/distrib"
	"github.com/robert-anderson/M7-sub002/exchange"
	"github.com/robert-anderson/M7-sub002/internal/conv"
	"github.com/robert-anderson/M7-sub002/internal/fatal"
	"github.com/robert-anderson/M7-sub002/internal/resource"
	"github.com/robert-anderson/M7-sub002/row"
	"github.com/robert-anderson/M7-sub002/table"
)

var (
	// ErrPendingRows is raised when redistributing while emitted rows have
	// not been communicated.
	ErrPendingRows = errors.New("communicator: redistribution with rows pending")
	// ErrMisrouted is raised when a rank receives a row it does not own.
	ErrMisrouted = errors.New("communicator: row received by a rank that does not own it")
)

// MergeFunc folds an incoming row src into the stored row dst with the same
// key.
type MergeFunc func(dst, src []byte)

// overwrite is the default merge: the incoming row replaces the stored one.
func overwrite(dst, src []byte) { copy(dst, src) }

// Option configures a Communicator.
type Option func(*Communicator)

// WithMerge sets how received rows combine with stored rows and with each
// other in the send tables.
func WithMerge(fn MergeFunc) Option {
	return func(c *Communicator) {
		if fn != nil {
			c.merge = fn
		}
	}
}

// WithName sets the name used for tables, logs and metrics.
func WithName(name string) Option {
	return func(c *Communicator) {
		if name != "" {
			c.name = name
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Communicator) {
		if l != nil {
			c.logger = l
		}
	}
}

// Communicator is one rank's share of the distributed row store.
type Communicator struct {
	c      comm.Comm
	cfg    Config
	name   string
	merge  MergeFunc
	logger *slog.Logger

	rc       *resource.Controller
	storeBuf *buffer.Buffer
	store    *table.MappedTable
	pair     *exchange.Pair

	// Migration rows carry the store row plus its protection level.
	migrate      *exchange.Pair
	migrateRow   row.Field
	migrateLevel row.Uint32Field

	dist   *distrib.Distribution
	redist *distrib.Redistributor

	// Protection restored on rows that migrated in, per slot.
	adopted map[int][]*table.Guard

	moves       prometheus.Counter
	migratedOut prometheus.Counter
	migratedIn  prometheus.Counter
	storeRows   prometheus.Gauge
}

// New creates the local share of the store for rows of layout, which must
// have a key field.
func New(c comm.Comm, layout *row.Layout, cfg Config, opts ...Option) (*Communicator, error) {
	if err := cfg.Validate(c.Size()); err != nil {
		return nil, err
	}
	if !layout.HasKey() {
		return nil, fmt.Errorf("%w: layout has no key field", ErrInvalidConfig)
	}

	cm := &Communicator{
		c:       c,
		cfg:     cfg,
		name:    "store",
		merge:   overwrite,
		logger:  slog.New(slog.DiscardHandler),
		adopted: make(map[int][]*table.Guard),
	}
	for _, opt := range opts {
		opt(cm)
	}
	cm.logger = cm.logger.With("communicator", cm.name, "rank", c.Rank())

	label := fmt.Sprintf("%s.%d", cm.name, c.Rank())
	cm.moves = communicatorMoves.WithLabelValues(label)
	cm.migratedOut = communicatorMigratedRows.WithLabelValues(label, "out")
	cm.migratedIn = communicatorMigratedRows.WithLabelValues(label, "in")
	cm.storeRows = communicatorStoreRows.WithLabelValues(label)
	registerMetrics()

	cm.rc = resource.NewController(resource.Config{
		MemoryLimitBytes:   cfg.MemoryLimitBytes,
		IOLimitBytesPerSec: cfg.IOLimitBytesPerSec,
	})
	bufOpts := []buffer.Option{buffer.WithMemoryAcquirer(cm.rc), buffer.WithLogger(cm.logger)}
	if cfg.OffHeap {
		bufOpts = append(bufOpts, buffer.WithOffHeap())
	}

	cm.storeBuf = buffer.New(cm.name, 1, bufOpts...)
	base := table.New(cm.storeBuf, layout,
		table.WithName(cm.name),
		table.WithGrowthFactor(cfg.GrowthFactor),
		table.WithLogger(cm.logger),
	)
	cm.store = table.NewMapped(base,
		table.WithBucketCount(cfg.BucketCount),
		table.WithRemapRatio(cfg.RemapRatio),
		table.WithRemapLookupMin(cfg.RemapLookupMin),
		table.WithRemapGrowth(cfg.GrowthFactor),
	)
	if cfg.StoreSlots > 0 {
		base.Expand(cfg.StoreSlots, 0)
	}

	cm.pair = exchange.New(c, layout,
		exchange.WithName(cm.name+".emit"),
		exchange.WithSendSlots(cfg.SendSlots),
		exchange.WithRecvSlots(cfg.RecvSlots),
		exchange.WithGrowthFactor(cfg.GrowthFactor),
		exchange.WithMappedSend(table.WithBucketCount(max(cfg.BucketCount/c.Size(), 1))),
		exchange.WithBufferOptions(bufOpts...),
		exchange.WithLogger(cm.logger),
	)

	ml := row.NewLayout()
	cm.migrateRow = ml.Bytes("row", base.SlotSize())
	cm.migrateLevel = ml.Uint32("protection")
	cm.migrate = exchange.New(c, ml,
		exchange.WithName(cm.name+".migrate"),
		exchange.WithSendSlots(0),
		exchange.WithRecvSlots(0),
		exchange.WithGrowthFactor(cfg.GrowthFactor),
		exchange.WithCompression(cfg.TransferCompression),
		exchange.WithIOPacer(cm.rc),
		exchange.WithBufferOptions(bufOpts...),
		exchange.WithLogger(cm.logger),
	)

	cm.dist = distrib.NewDistribution(cfg.BlockCount, c.Size())
	cm.redist = distrib.NewRedistributor(cm.dist, distrib.WithLogger(cm.logger))
	return cm, nil
}

// Comm returns the rank communicator.
func (cm *Communicator) Comm() comm.Comm { return cm.c }

// Store returns the local store.
func (cm *Communicator) Store() *table.MappedTable { return cm.store }

// Pair returns the emission pair.
func (cm *Communicator) Pair() *exchange.Pair { return cm.pair }

// Distribution returns the block map.
func (cm *Communicator) Distribution() *distrib.Distribution { return cm.dist }

// Resources returns the memory and IO controller of this rank.
func (cm *Communicator) Resources() *resource.Controller { return cm.rc }

// IRank returns the rank owning key.
func (cm *Communicator) IRank(key []byte) int { return cm.dist.IRank(key) }

// IsLocal reports whether this rank owns key.
func (cm *Communicator) IsLocal(key []byte) bool { return cm.dist.IRank(key) == cm.c.Rank() }

// Emit queues a copy of rec for the rank owning its key. Rows emitted for
// the same key in one cycle are merged before sending.
func (cm *Communicator) Emit(rec []byte) {
	layout := cm.store.Table().Layout()
	send := cm.pair.MappedSend(cm.dist.IRank(layout.Key(rec)))
	if res := send.Lookup(layout.Key(rec)); res.Found() {
		cm.merge(send.Record(res.Slot), rec)
		return
	}
	send.InsertRecord(rec)
}

// Communicate delivers the emitted rows and merges each into the store of
// its owner: rows for a new key are inserted, rows for a stored key are
// merged into it. Collective.
func (cm *Communicator) Communicate(ctx context.Context) error {
	const op = "communicator.Communicate"
	stats, err := cm.pair.Communicate(ctx)
	if err != nil {
		return err
	}

	recv := cm.pair.Recv()
	layout := recv.Layout()
	inserted := 0
	recv.Each(func(_ int, rec []byte) bool {
		key := layout.Key(rec)
		if !cm.IsLocal(key) {
			fatal.Abort(op, ErrMisrouted, "rank %d: key owned by rank %d", cm.c.Rank(), cm.IRank(key))
		}
		if res := cm.store.Lookup(key); res.Found() {
			cm.merge(cm.store.Record(res.Slot), rec)
			return true
		}
		cm.store.InsertRecord(rec)
		inserted++
		return true
	})
	remapped := cm.store.AttemptRemap()
	cm.storeRows.Set(float64(cm.store.Len()))

	cm.logger.Debug("communicated",
		"rows_sent", stats.RowsSent,
		"rows_received", stats.RowsReceived,
		"inserted", inserted,
		"remapped", remapped,
	)
	return nil
}

// AccumulateWorkFigure records amount of work spent on key this cycle.
// Safe for concurrent use.
func (cm *Communicator) AccumulateWorkFigure(key []byte, amount float64) {
	cm.redist.AccumulateWorkFigure(key, amount)
}

// Protect protects a store slot; see table.Table.Protect.
func (cm *Communicator) Protect(slot int) *table.Guard {
	return cm.store.Table().Protect(slot)
}

// ReleaseAdopted releases the protection a migrated row arrived with and
// returns how many levels were released.
func (cm *Communicator) ReleaseAdopted(slot int) int {
	guards := cm.adopted[slot]
	delete(cm.adopted, slot)
	for _, g := range guards {
		g.Release()
	}
	return len(guards)
}

// Adopted returns the slots holding protection that arrived by migration.
func (cm *Communicator) Adopted() []int {
	out := make([]int, 0, len(cm.adopted))
	for slot := range cm.adopted {
		out = append(out, slot)
	}
	return out
}

// Redistribute rebalances blocks by the work accumulated since the last
// call and migrates the rows of every block that changed owner. Emitted
// rows must have been communicated first. Collective.
func (cm *Communicator) Redistribute(ctx context.Context) ([]distrib.Move, error) {
	const op = "communicator.Redistribute"
	fatal.Check(cm.pair.Pending() == 0, op, ErrPendingRows, "rank %d: %d rows", cm.c.Rank(), cm.pair.Pending())

	moves, err := cm.redist.Redistribute(ctx, cm.c)
	if err != nil {
		return nil, err
	}
	// Every rank planned the same moves, so every rank skips the exchange.
	if len(moves) == 0 {
		return nil, nil
	}
	cm.moves.Add(float64(len(moves)))

	self := cm.c.Rank()
	leaving := roaring.New()
	for _, m := range moves {
		if m.From == self {
			leaving.Add(conv.MustSlot(m.Block))
		}
	}

	base := cm.store.Table()
	layout := base.Layout()
	var out []int
	if !leaving.IsEmpty() {
		base.Each(func(slot int, rec []byte) bool {
			if leaving.Contains(conv.MustSlot(cm.dist.IBlock(layout.Key(rec)))) {
				out = append(out, slot)
			}
			return true
		})
	}
	for _, slot := range out {
		key := append([]byte(nil), layout.Key(base.Record(slot))...)
		dst := cm.migrate.Send(cm.dist.IRank(key))
		mslot := dst.PushBack(1)
		mrec := dst.Record(mslot)
		copy(cm.migrateRow.View(mrec), base.Record(slot))

		delete(cm.adopted, slot)
		level := base.DetachProtection(slot)
		cm.migrateLevel.Set(mrec, uint32(level)) //nolint:gosec // levels are small counts
		cm.store.Erase(cm.store.LookupUncounted(key))
	}

	if _, err := cm.migrate.Communicate(ctx); err != nil {
		return nil, err
	}

	in := 0
	cm.migrate.Recv().Each(func(_ int, mrec []byte) bool {
		slot := cm.store.InsertRecord(cm.migrateRow.View(mrec))
		if level := int(cm.migrateLevel.Get(mrec)); level > 0 {
			cm.adopted[slot] = append(cm.adopted[slot], base.RestoreProtection(slot, level)...)
		}
		in++
		return true
	})

	cm.migratedOut.Add(float64(len(out)))
	cm.migratedIn.Add(float64(in))
	cm.storeRows.Set(float64(cm.store.Len()))
	cm.logger.Info("rows migrated",
		"moves", len(moves),
		"rows_out", len(out),
		"rows_in", in,
		"store_rows", cm.store.Len(),
	)
	return moves, nil
}

// Close releases the arenas.
func (cm *Communicator) Close() error {
	return errors.Join(cm.pair.Close(), cm.migrate.Close(), cm.storeBuf.Close())
}
