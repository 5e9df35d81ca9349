package table

import (
	"context"
	"log/slog"

	"github.com/robert-anderson/M7-sub002/internal/resource"
	"github.com/robert-anderson/M7-sub002/internal/wire"
)

// DefaultGrowthFactor is the arena headroom applied when a table grows.
const DefaultGrowthFactor = 0.5

// IOPacer throttles transfer payloads.
type IOPacer interface {
	AcquireIO(ctx context.Context, bytes int) error
}

var _ IOPacer = (*resource.Controller)(nil)

type options struct {
	name         string
	growthFactor float64
	compression  wire.Compression
	pacer        IOPacer
	logger       *slog.Logger
}

func defaultOptions() options {
	return options{
		name:         "table",
		growthFactor: DefaultGrowthFactor,
		compression:  wire.None,
		logger:       slog.New(slog.DiscardHandler),
	}
}

// Option configures a Table.
type Option func(*options)

// WithName sets the name used in diagnostics and metric labels.
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

// WithGrowthFactor sets the arena headroom applied when the table grows.
func WithGrowthFactor(f float64) Option {
	return func(o *options) {
		if f >= 0 {
			o.growthFactor = f
		}
	}
}

// WithTransferCompression compresses TransferRecords payloads.
func WithTransferCompression(c wire.Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithIOPacer paces TransferRecords payloads through p.
func WithIOPacer(p IOPacer) Option {
	return func(o *options) {
		o.pacer = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Mapped index defaults.
const (
	DefaultBucketCount    = 64
	DefaultRemapRatio     = 2.0
	DefaultRemapLookupMin = 1000
	DefaultRemapGrowth    = 0.5
)

type mappedOptions struct {
	bucketCount    int
	remapRatio     float64
	remapLookupMin int64
	remapGrowth    float64
}

// MappedOption configures a MappedTable.
type MappedOption func(*mappedOptions)

// WithBucketCount sets the initial number of buckets.
func WithBucketCount(n int) MappedOption {
	return func(o *mappedOptions) {
		if n > 0 {
			o.bucketCount = n
		}
	}
}

// WithRemapRatio sets the skip/lookup ratio above which AttemptRemap rebuilds
// the bucket array.
func WithRemapRatio(r float64) MappedOption {
	return func(o *mappedOptions) {
		if r > 0 {
			o.remapRatio = r
		}
	}
}

// WithRemapLookupMin sets how many lookups must be sampled before
// AttemptRemap considers the skip ratio.
func WithRemapLookupMin(n int64) MappedOption {
	return func(o *mappedOptions) {
		if n >= 0 {
			o.remapLookupMin = n
		}
	}
}

// WithRemapGrowth sets the headroom applied to the bucket count on remap.
func WithRemapGrowth(f float64) MappedOption {
	return func(o *mappedOptions) {
		if f >= 0 {
			o.remapGrowth = f
		}
	}
}
