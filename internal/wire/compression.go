// Package wire frames the payload of point-to-point record transfers.
//
// A frame is a fixed header followed by the (possibly compressed) packed
// record bytes:
//
//	[Compression uint8][pad 3][UncompressedSize uint32][StoredSize uint32][CRC32C uint32][Data...]
//
// The checksum covers the uncompressed bytes. If compression does not shrink
// the payload by at least 10% it is stored raw and StoredSize equals
// UncompressedSize with Compression set to None.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/robert-anderson/M7-sub002/internal/conv"
	"github.com/robert-anderson/M7-sub002/internal/hash"
)

// Compression defines the compression algorithm applied to a payload.
type Compression uint8

const (
	// None stores packed records as-is.
	None Compression = 0
	// LZ4 uses LZ4 block compression (fast, modest ratio).
	LZ4 Compression = 1
	// ZSTD uses ZSTD compression (better ratio, slower).
	ZSTD Compression = 2
)

func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case ZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression parses the names printed by Compression.String.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return ZSTD, nil
	}
	return None, fmt.Errorf("wire: unknown compression %q", s)
}

// HeaderSize is the size of the frame header in bytes.
const HeaderSize = 16

var (
	// ErrShortFrame is returned when a frame is smaller than its header claims.
	ErrShortFrame = errors.New("wire: short frame")
	// ErrChecksum is returned when the decoded payload does not match its checksum.
	ErrChecksum = errors.New("wire: checksum mismatch")
	// ErrSizeMismatch is returned when decompression yields the wrong length.
	ErrSizeMismatch = errors.New("wire: decompressed size mismatch")
)

// ZSTD encoder/decoder pools for efficiency
var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	return enc
}

func putZstdEncoder(enc *zstd.Encoder) {
	zstdEncoderPool.Put(enc)
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

func putZstdDecoder(dec *zstd.Decoder) {
	zstdDecoderPool.Put(dec)
}

// Encode frames data, compressing it with c when that pays off.
func Encode(data []byte, c Compression) ([]byte, error) {
	var (
		compressed []byte
		err        error
	)
	switch c {
	case LZ4:
		compressed, err = compressLZ4(data)
	case ZSTD:
		compressed = compressZSTD(data)
	}
	if err != nil {
		return nil, err
	}

	stored, kind := data, None
	if len(compressed) > 0 && float64(len(compressed)) <= float64(len(data))*0.9 {
		stored, kind = compressed, c
	}

	size, err := conv.IntToUint32(len(data))
	if err != nil {
		return nil, fmt.Errorf("wire: payload too large: %w", err)
	}
	storedSize, err := conv.IntToUint32(len(stored))
	if err != nil {
		return nil, fmt.Errorf("wire: payload too large: %w", err)
	}

	frame := make([]byte, HeaderSize+len(stored))
	frame[0] = byte(kind)
	binary.LittleEndian.PutUint32(frame[4:], size)
	binary.LittleEndian.PutUint32(frame[8:], storedSize)
	binary.LittleEndian.PutUint32(frame[12:], hash.CRC32C(data))
	copy(frame[HeaderSize:], stored)
	return frame, nil
}

// Decode reverses Encode and verifies the checksum.
func Decode(frame []byte) ([]byte, error) {
	if len(frame) < HeaderSize {
		return nil, ErrShortFrame
	}
	kind := Compression(frame[0])
	size := binary.LittleEndian.Uint32(frame[4:])
	storedSize := binary.LittleEndian.Uint32(frame[8:])
	sum := binary.LittleEndian.Uint32(frame[12:])

	if uint64(len(frame)) < uint64(HeaderSize)+uint64(storedSize) {
		return nil, ErrShortFrame
	}
	stored := frame[HeaderSize : HeaderSize+int(storedSize)]

	var out []byte
	switch kind {
	case None:
		out = stored
	case LZ4:
		out = make([]byte, size)
		n, err := lz4.UncompressBlock(stored, out)
		if err != nil {
			return nil, err
		}
		out = out[:n]
	case ZSTD:
		dec := getZstdDecoder()
		defer putZstdDecoder(dec)
		decoded, err := dec.DecodeAll(stored, make([]byte, 0, size))
		if err != nil {
			return nil, err
		}
		out = decoded
	default:
		return nil, fmt.Errorf("wire: unknown compression %d", kind)
	}

	if uint32(len(out)) != size { //nolint:gosec // len bounded by size
		return nil, ErrSizeMismatch
	}
	if hash.CRC32C(out) != sum {
		return nil, ErrChecksum
	}
	return out, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	compressed := make([]byte, lz4.CompressBlockBound(len(data)))

	n, err := lz4.CompressBlock(data, compressed, nil)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil // Incompressible
	}
	return compressed[:n], nil
}

func compressZSTD(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	enc := getZstdEncoder()
	defer putZstdEncoder(enc)

	return enc.EncodeAll(data, nil)
}
