package m7

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/robert-anderson/M7-sub002/comm"
	"github.com/robert-anderson/M7-sub002/communicator"
	"github.com/robert-anderson/M7-sub002/distrib"
	"github.com/robert-anderson/M7-sub002/row"
	"github.com/robert-anderson/M7-sub002/table"
)

// KeySize is the width of a walker determinant key in bytes.
const KeySize = 16

// SimConfig describes a synthetic walker population run across ranks.
type SimConfig struct {
	// Ranks is the number of in-process ranks.
	Ranks int
	// Cycles is the number of emit/communicate cycles.
	Cycles int
	// Spawn is the number of rows each rank emits per cycle.
	Spawn int
	// KeySpace is the number of distinct determinants spawned onto.
	KeySpace int
	// Skew concentrates spawns on low keys; 1 is uniform.
	Skew float64
	// Decay multiplies every stored weight once per cycle.
	Decay float64
	// Threshold is the weight below which an unprotected row dies.
	Threshold float64
	// RedistributeEvery rebalances blocks every n cycles; 0 never does.
	RedistributeEvery int
	// Seed makes runs reproducible.
	Seed uint64
	// Store configures each rank's communicator.
	Store communicator.Config
}

// DefaultSimConfig returns a small, skewed run.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Ranks:             4,
		Cycles:            20,
		Spawn:             256,
		KeySpace:          4096,
		Skew:              3,
		Decay:             0.9,
		Threshold:         0.5,
		RedistributeEvery: 5,
		Seed:              1,
		Store:             communicator.DefaultConfig(),
	}
}

// ErrInvalidSimConfig is returned by Simulate for an unusable SimConfig.
var ErrInvalidSimConfig = errors.New("m7: invalid simulation config")

// Validate checks the configuration.
func (c SimConfig) Validate() error {
	switch {
	case c.Ranks <= 0:
		return fmt.Errorf("%w: %d ranks", ErrInvalidSimConfig, c.Ranks)
	case c.Cycles < 0 || c.Spawn < 0 || c.RedistributeEvery < 0:
		return fmt.Errorf("%w: negative count", ErrInvalidSimConfig)
	case c.KeySpace <= 0:
		return fmt.Errorf("%w: key space %d", ErrInvalidSimConfig, c.KeySpace)
	case c.Skew < 1:
		return fmt.Errorf("%w: skew %g", ErrInvalidSimConfig, c.Skew)
	case c.Decay <= 0 || c.Decay > 1:
		return fmt.Errorf("%w: decay %g", ErrInvalidSimConfig, c.Decay)
	case c.Threshold < 0:
		return fmt.Errorf("%w: threshold %g", ErrInvalidSimConfig, c.Threshold)
	}
	if err := c.Store.Validate(c.Ranks); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSimConfig, err)
	}
	return nil
}

// RankReport is one rank's state at the end of a run.
type RankReport struct {
	Rank    int
	Rows    int
	Blocks  int
	Weight  float64
	Buckets int
}

// Report summarizes a run.
type Report struct {
	Cycles int
	// Moves lists every block move in the order applied.
	Moves []distrib.Move
	// Imbalance holds max/mean rank work seen by each redistribution.
	Imbalance []float64
	Ranks     []RankReport
}

// TotalRows returns the number of rows held across all ranks.
func (r *Report) TotalRows() int {
	n := 0
	for _, rr := range r.Ranks {
		n += rr.Rows
	}
	return n
}

// TotalWeight returns the summed walker weight across all ranks.
func (r *Report) TotalWeight() float64 {
	var w float64
	for _, rr := range r.Ranks {
		w += rr.Weight
	}
	return w
}

type options struct {
	logger  *Logger
	metrics MetricsCollector
	world   *comm.World
}

// Option configures Simulate.
type Option func(*options)

// WithLogger sets the logger. Defaults to NoopLogger.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetricsCollector sets the metrics sink. Defaults to NoopMetricsCollector.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc != nil {
			o.metrics = mc
		}
	}
}

// WithWorld runs on an existing world instead of creating one. Its size
// must equal SimConfig.Ranks.
func WithWorld(w *comm.World) Option {
	return func(o *options) {
		o.world = w
	}
}

// walkers is the row layout every rank stores.
type walkers struct {
	layout *row.Layout
	det    row.Field
	weight row.Float64Field
	born   row.Uint32Field
}

func newWalkers() walkers {
	l := row.NewLayout()
	w := walkers{
		layout: l,
		det:    l.Bytes("det", KeySize),
		weight: l.Float64("weight"),
		born:   l.Uint32("born"),
	}
	l.SetKey(w.det)
	l.Freeze()
	return w
}

// merge sums spawned weight into dst and keeps the earlier birth cycle.
func (w walkers) merge(dst, src []byte) {
	w.weight.Add(dst, w.weight.Get(src))
	if b := w.born.Get(src); b < w.born.Get(dst) {
		w.born.Set(dst, b)
	}
}

// Simulate runs cfg.Cycles cycles of spawn, communicate, decay and
// periodic redistribution on cfg.Ranks in-process ranks.
func Simulate(ctx context.Context, cfg SimConfig, opts ...Option) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: NoopLogger(), metrics: NoopMetricsCollector{}}
	for _, opt := range opts {
		opt(&o)
	}
	world := o.world
	if world == nil {
		world = comm.NewWorld(cfg.Ranks)
		defer world.Close()
	} else if world.Size() != cfg.Ranks {
		return nil, fmt.Errorf("%w: world of %d ranks, config %d", ErrInvalidSimConfig, world.Size(), cfg.Ranks)
	}

	report := &Report{Cycles: cfg.Cycles, Ranks: make([]RankReport, cfg.Ranks)}
	err := comm.RunWorld(ctx, world, func(ctx context.Context, c comm.Comm) error {
		r := &rankSim{cfg: cfg, c: c, w: newWalkers(), log: o.logger.WithRank(c.Rank()), metrics: o.metrics}
		return r.run(ctx, report)
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

type rankSim struct {
	cfg     SimConfig
	c       comm.Comm
	w       walkers
	log     *Logger
	metrics MetricsCollector

	cm   *communicator.Communicator
	rng  *rand.Rand
	ref  *table.Guard
	work float64
}

func (r *rankSim) run(ctx context.Context, report *Report) error {
	cm, err := communicator.New(r.c, r.w.layout, r.cfg.Store,
		communicator.WithName("walkers"),
		communicator.WithMerge(r.w.merge),
		communicator.WithLogger(r.log.Logger),
	)
	if err != nil {
		return err
	}
	defer cm.Close()
	r.cm = cm
	r.rng = rand.New(rand.NewPCG(r.cfg.Seed, uint64(r.c.Rank()))) //nolint:gosec // deterministic synthetic load

	for cycle := 1; cycle <= r.cfg.Cycles; cycle++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.cycle(ctx, cycle, report); err != nil {
			return err
		}
	}

	store := cm.Store()
	var weight float64
	store.Table().Each(func(_ int, rec []byte) bool {
		weight += r.w.weight.Get(rec)
		return true
	})
	report.Ranks[r.c.Rank()] = RankReport{
		Rank:    r.c.Rank(),
		Rows:    store.Len(),
		Blocks:  len(cm.Distribution().RankBlocks()[r.c.Rank()]),
		Weight:  weight,
		Buckets: store.BucketCount(),
	}
	return nil
}

func (r *rankSim) cycle(ctx context.Context, cycle int, report *Report) error {
	r.spawn(cycle)

	buckets := r.cm.Store().BucketCount()
	start := time.Now()
	err := r.cm.Communicate(ctx)
	r.metrics.RecordCommunicate(r.cfg.Spawn, time.Since(start), err)
	r.log.LogCommunicate(ctx, cycle, r.cm.Store().Len(), err)
	if err != nil {
		return err
	}
	if nb := r.cm.Store().BucketCount(); nb != buckets {
		r.log.LogRemap(ctx, "walkers", buckets, nb)
	}

	r.decay()
	r.metrics.RecordStoreRows(r.cm.Store().Len())

	if r.cfg.RedistributeEvery == 0 || cycle%r.cfg.RedistributeEvery != 0 {
		return nil
	}
	return r.redistribute(ctx, cycle, report)
}

// spawn emits Spawn unit-weight rows onto keys drawn with a power-law skew.
func (r *rankSim) spawn(cycle int) {
	rec := make([]byte, r.w.layout.SlotSize())
	for range r.cfg.Spawn {
		idx := int(math.Pow(r.rng.Float64(), r.cfg.Skew) * float64(r.cfg.KeySpace))
		row.Zero(rec)
		det := r.w.det.View(rec)
		binary.LittleEndian.PutUint64(det, uint64(idx)) //nolint:gosec // idx < KeySpace
		r.w.weight.Set(rec, 1)
		r.w.born.Set(rec, uint32(cycle)) //nolint:gosec // cycle counts are small
		r.cm.Emit(rec)
	}
}

// decay shrinks every weight, charges it as work against the row's block,
// kills rows that fell below the threshold and keeps the heaviest row
// protected as the reference.
func (r *rankSim) decay() {
	if r.ref != nil {
		r.ref.Release()
		r.ref = nil
	}
	for _, slot := range r.cm.Adopted() {
		r.cm.ReleaseAdopted(slot)
	}

	store := r.cm.Store()
	base := store.Table()
	var (
		dead     [][]byte
		heaviest = -1
		peak     float64
	)
	base.Each(func(slot int, rec []byte) bool {
		w := r.w.weight.Get(rec) * r.cfg.Decay
		r.w.weight.Set(rec, w)
		key := r.w.layout.Key(rec)
		r.cm.AccumulateWorkFigure(key, w)
		r.work += w
		if w < r.cfg.Threshold {
			dead = append(dead, append([]byte(nil), key...))
		} else if w > peak {
			heaviest, peak = slot, w
		}
		return true
	})
	for _, key := range dead {
		store.Erase(store.LookupUncounted(key))
	}
	if heaviest >= 0 {
		r.ref = r.cm.Protect(heaviest)
	}
}

func (r *rankSim) redistribute(ctx context.Context, cycle int, report *Report) error {
	loads := make([]float64, r.c.Size())
	loads[r.c.Rank()] = r.work
	loads, err := r.c.AllReduceFloat64(ctx, loads)
	if err != nil {
		return err
	}
	r.work = 0
	imbalance := distrib.Imbalance(loads)

	start := time.Now()
	moves, err := r.cm.Redistribute(ctx)
	r.metrics.RecordRedistribute(len(moves), time.Since(start), err)
	r.log.LogRedistribute(ctx, cycle, len(moves), imbalance, err)
	if err != nil {
		return err
	}
	if r.c.Rank() == 0 {
		report.Moves = append(report.Moves, moves...)
		report.Imbalance = append(report.Imbalance, imbalance)
	}
	return nil
}
