// Package hash provides the hashing primitives of the row store.
//
// # Key hashing
//
// Record keys are opaque byte strings. Key hashes them with xxHash64, which
// is stable across processes and platforms: every rank must map a key to the
// same bucket modulus and the same block, otherwise rows would be delivered
// to a rank that does not own them.
//
//	bucket := hash.Key(key) % uint64(len(heads))
//
// # CRC32-Castagnoli (CRC32C)
//
// Point-to-point transfer payloads carry a CRC32C checksum. Go's crc32
// package uses hardware instructions (SSE4.2, ARM CRC) when available.
package hash
