// Package gfs2 implements the on-disk codec for the filesystem's metadata
// structures: meta headers, the superblock, resource group headers and
// bitmaps, dinodes, indirect blocks, directory leaves and dirents, extended
// attributes, the rindex catalog, and journal log records.
//
// Every structure decodes from and encodes to a fixed big-endian byte
// layout via encoding/binary, mirroring the kernel's gfs2_ondisk.h.
package gfs2

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Magic is the fixed 32-bit constant that opens every metadata block.
const Magic = 0x01161970

// Metadata types (mh_type).
const (
	MetaTypeNone  = 0
	MetaTypeSB    = 1
	MetaTypeRG    = 2
	MetaTypeRB    = 3
	MetaTypeDI    = 4
	MetaTypeIN    = 5
	MetaTypeLF    = 6
	MetaTypeJD    = 7
	MetaTypeLH    = 8
	MetaTypeEA    = 10
	MetaTypeED    = 11
	MetaTypeLD    = 9
	MetaTypeLB    = 12
	MetaTypeQC    = 14
)

// Format numbers (mh_format), one per metadata type family.
const (
	FormatNone = 0
	FormatSB   = 100
	FormatRG   = 200
	FormatRB   = 300
	FormatDI   = 400
	FormatIN   = 500
	FormatLF   = 600
	FormatJD   = 700
	FormatLH   = 800
	FormatLD   = 900
	FormatLB   = 1000
	FormatRI   = 1100
	FormatDE   = 1200
	FormatQC   = 1400
	FormatQU   = 1500
	FormatEA   = 1600
	FormatED   = 1700
)

var typeNames = map[uint32]string{
	MetaTypeSB: "superblock",
	MetaTypeRG: "rg-header",
	MetaTypeRB: "rg-bitmap",
	MetaTypeDI: "dinode",
	MetaTypeIN: "indirect",
	MetaTypeLF: "leaf",
	MetaTypeJD: "journaled-data",
	MetaTypeLH: "log-header",
	MetaTypeLD: "log-descriptor",
	MetaTypeLB: "log-buffer",
	MetaTypeEA: "ea-header",
	MetaTypeED: "ea-data",
	MetaTypeQC: "quota-change",
}

// TypeName returns the human-readable name of a metadata type, or "" if it
// is not a recognized type.
func TypeName(t uint32) string {
	return typeNames[t]
}

// MetaHeaderSize is the encoded size in bytes of MetaHeader.
const MetaHeaderSize = 24

// MetaHeader is the common header at the start of every metadata block.
type MetaHeader struct {
	Magic  uint32
	Type   uint32
	Pad0   uint64 // generation number in the legacy generation
	Format uint32
	JID    uint32 // union with pad1
}

// DecodeMetaHeader decodes a MetaHeader from the front of b.
func DecodeMetaHeader(b []byte) (MetaHeader, error) {
	var h MetaHeader
	if len(b) < MetaHeaderSize {
		return h, fmt.Errorf("%w: meta header truncated", ErrMalformed)
	}
	r := bytes.NewReader(b[:MetaHeaderSize])
	if err := binary.Read(r, binary.BigEndian, &h); err != nil {
		return h, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return h, nil
}

// Encode writes the header's wire representation to b, which must have at
// least MetaHeaderSize bytes of capacity.
func (h MetaHeader) Encode(b []byte) {
	buf := new(bytes.Buffer)
	buf.Grow(MetaHeaderSize)
	_ = binary.Write(buf, binary.BigEndian, h)
	copy(b, buf.Bytes())
}

// Classify reads the meta header from b and returns its type iff the magic
// matches and the type is one of the recognized metadata types. It takes no
// generation: the same set of types is accepted for both. Unknown
// magics or types return (0, false) rather than an error: classification is
// advisory, used by walkers deciding whether to recurse.
func Classify(b []byte) (typ uint32, ok bool) {
	h, err := DecodeMetaHeader(b)
	if err != nil || h.Magic != Magic {
		return 0, false
	}
	if _, known := typeNames[h.Type]; !known {
		return 0, false
	}
	return h.Type, true
}
