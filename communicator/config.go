package communicator

import (
	"errors"
	"fmt"

	"github.com/robert-anderson/M7-sub002/internal/wire"
)

// ErrInvalidConfig is returned by New for an unusable configuration.
var ErrInvalidConfig = errors.New("communicator: invalid config")

// Config sizes and tunes a Communicator.
type Config struct {
	// BlockCount is the number of key-space blocks. Must be at least the
	// number of ranks.
	BlockCount int
	// StoreSlots is the initial capacity of the store.
	StoreSlots int
	// SendSlots is the initial capacity of every send table.
	SendSlots int
	// RecvSlots is the initial capacity of the receive table.
	RecvSlots int
	// GrowthFactor is the headroom applied whenever a table grows.
	GrowthFactor float64

	// BucketCount is the initial bucket count of the store index.
	BucketCount int
	// RemapRatio is the skip/lookup ratio that triggers a remap.
	RemapRatio float64
	// RemapLookupMin is the number of lookups sampled before remapping.
	RemapLookupMin int64

	// TransferCompression compresses the rows migrated by Redistribute.
	TransferCompression wire.Compression
	// MemoryLimitBytes caps the arena memory of this rank. 0 disables it.
	MemoryLimitBytes int64
	// IOLimitBytesPerSec paces the rows migrated by Redistribute. 0 disables
	// it.
	IOLimitBytesPerSec int64
	// OffHeap keeps the arenas in anonymous mappings.
	OffHeap bool
}

// DefaultConfig returns a configuration suitable for small runs.
func DefaultConfig() Config {
	return Config{
		BlockCount:     64,
		StoreSlots:     256,
		SendSlots:      32,
		RecvSlots:      128,
		GrowthFactor:   0.5,
		BucketCount:    128,
		RemapRatio:     2.0,
		RemapLookupMin: 1000,
	}
}

// Validate checks the configuration against a world of nrank ranks.
func (c Config) Validate(nrank int) error {
	switch {
	case c.BlockCount < nrank:
		return fmt.Errorf("%w: %d blocks for %d ranks", ErrInvalidConfig, c.BlockCount, nrank)
	case c.StoreSlots < 0 || c.SendSlots < 0 || c.RecvSlots < 0:
		return fmt.Errorf("%w: negative initial capacity", ErrInvalidConfig)
	case c.GrowthFactor < 0:
		return fmt.Errorf("%w: growth factor %g", ErrInvalidConfig, c.GrowthFactor)
	case c.BucketCount <= 0:
		return fmt.Errorf("%w: %d buckets", ErrInvalidConfig, c.BucketCount)
	case c.RemapRatio <= 0:
		return fmt.Errorf("%w: remap ratio %g", ErrInvalidConfig, c.RemapRatio)
	case c.MemoryLimitBytes < 0 || c.IOLimitBytesPerSec < 0:
		return fmt.Errorf("%w: negative resource limit", ErrInvalidConfig)
	}
	return nil
}
