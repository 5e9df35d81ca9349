package exchange

import (
	"log/slog"

	"github.com/robert-anderson/M7-sub002/buffer"
	"github.com/robert-anderson/M7-sub002/internal/wire"
	"github.com/robert-anderson/M7-sub002/table"
)

// Pair defaults.
const (
	DefaultSendSlots    = 16
	DefaultRecvSlots    = 64
	DefaultGrowthFactor = 0.5
)

type options struct {
	name         string
	sendSlots    int
	recvSlots    int
	growthFactor float64
	mapped       bool
	mappedOpts   []table.MappedOption
	bufferOpts   []buffer.Option
	compression  wire.Compression
	pacer        table.IOPacer
	logger       *slog.Logger
}

// Option configures a Pair.
type Option func(*options)

// WithName sets the name used for the pair's tables, logs and metrics.
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

// WithSendSlots sets the initial slot capacity of every send table.
func WithSendSlots(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.sendSlots = n
		}
	}
}

// WithRecvSlots sets the initial slot capacity of the receive table.
func WithRecvSlots(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.recvSlots = n
		}
	}
}

// WithGrowthFactor sets the arena headroom applied when tables grow.
func WithGrowthFactor(f float64) Option {
	return func(o *options) {
		if f >= 0 {
			o.growthFactor = f
		}
	}
}

// WithMappedSend indexes every send table by key so contributions to the
// same key can be coalesced before they are sent.
func WithMappedSend(opts ...table.MappedOption) Option {
	return func(o *options) {
		o.mapped = true
		o.mappedOpts = opts
	}
}

// WithBufferOptions passes options to both arenas of the pair.
func WithBufferOptions(opts ...buffer.Option) Option {
	return func(o *options) {
		o.bufferOpts = append(o.bufferOpts, opts...)
	}
}

// WithCompression frames every per-destination segment with c. Receivers
// decode whatever compression the sender chose.
func WithCompression(c wire.Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithIOPacer paces the bytes each Communicate sends to other ranks.
func WithIOPacer(p table.IOPacer) Option {
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
