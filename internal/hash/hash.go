package hash

import (
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
)

// Key returns the 64-bit hash of a record key.
func Key(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// Mod maps a key onto [0, n).
func Mod(key []byte, n int) int {
	return int(Key(key) % uint64(n)) //nolint:gosec // n > 0, result < n
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32C returns the CRC32-Castagnoli checksum of a wire payload.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}
