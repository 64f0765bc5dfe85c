package gfs2

import (
	"encoding/binary"
	"fmt"
)

// IndirectHeaderSize is the size of the header preceding the pointer array
// in an indirect block (current generation: just the common meta header).
const IndirectHeaderSize = MetaHeaderSize

// LegacyIndirectHeaderSize is the indirect header size for the legacy
// generation, which interleaves a few extra reserved bytes.
const LegacyIndirectHeaderSize = MetaHeaderSize + 12

// PointerSize is the byte width of one block address in a pointer array.
const PointerSize = 8

// IndirectHeaderSizeFor returns the indirect-block header size for the
// given generation.
func IndirectHeaderSizeFor(gen Generation) int {
	if gen == GenerationLegacy {
		return LegacyIndirectHeaderSize
	}
	return IndirectHeaderSize
}

// FanOut returns the number of pointer slots in one indirect block of the
// given block size and generation: (B - header) / 8.
func FanOut(blockSize int, gen Generation) int {
	return (blockSize - IndirectHeaderSizeFor(gen)) / PointerSize
}

// DecodePointers decodes the dense big-endian pointer array following an
// indirect block's header (or following a dinode's header, when reading a
// non-stuffed dinode's first level). A zero pointer denotes a hole and is
// preserved as 0 in the result so callers can distinguish holes from
// missing trailing slots.
func DecodePointers(b []byte, headerSize int) ([]uint64, error) {
	if len(b) < headerSize {
		return nil, fmt.Errorf("%w: indirect block truncated", ErrMalformed)
	}
	body := b[headerSize:]
	n := len(body) / PointerSize
	ptrs := make([]uint64, n)
	for i := 0; i < n; i++ {
		ptrs[i] = binary.BigEndian.Uint64(body[i*PointerSize : (i+1)*PointerSize])
	}
	return ptrs, nil
}

// EncodePointers writes ptrs as a dense big-endian array starting at
// headerSize within b, zero-filling the remainder of the block.
func EncodePointers(ptrs []uint64, headerSize int, b []byte) {
	for i := headerSize; i < len(b); i++ {
		b[i] = 0
	}
	body := b[headerSize:]
	for i, p := range ptrs {
		if (i+1)*PointerSize > len(body) {
			break
		}
		binary.BigEndian.PutUint64(body[i*PointerSize:(i+1)*PointerSize], p)
	}
}
