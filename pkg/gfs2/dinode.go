package gfs2

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Dinode flags (di_flags).
const (
	DIFJdata       = 0x00000001
	DIFExhash      = 0x00000002
	DIFEAIndirect  = 0x00000008
	DIFDirectio    = 0x00000010
	DIFImmutable   = 0x00000020
	DIFAppendOnly  = 0x00000040
	DIFNoAtime     = 0x00000080
	DIFSync        = 0x00000100
	DIFSystem      = 0x00000200
	DIFTopDir      = 0x00000400
	DIFTruncInProg = 0x20000000
)

// MaxMetaHeight bounds the number of indirection levels a dinode may carry.
const MaxMetaHeight = 10

// DinodeSize is the encoded size in bytes of Dinode, including the
// meta header; data following this offset within the block is either
// stuffed file content, indirect pointers, or a directory leaf body.
const DinodeSize = MetaHeaderSize + InumSize + 4*4 + 8 + 8 + 8*3 + 4*2 + 8*3 + 4*2 + 2 + 2 + 4 + 2 + 2 + 4 + InumSize + 8 + 4*3

// Dinode is the on-disk inode, occupying exactly one block.
type Dinode struct {
	Header MetaHeader
	Num    Inum

	Mode  uint32
	UID   uint32
	GID   uint32
	Nlink uint32

	Size   uint64
	Blocks uint64

	ATime uint64
	MTime uint64
	CTime uint64

	Major uint32
	Minor uint32

	GoalMeta   uint64
	GoalData   uint64
	Generation uint64

	Flags         uint32
	PayloadFormat uint32

	Height uint16

	Depth   uint16
	Entries uint32

	EAttr uint64

	ATimeNsec uint32
	MTimeNsec uint32
	CTimeNsec uint32
}

// IsDir reports whether the dinode's mode bits mark it a directory (S_IFDIR).
func (d Dinode) IsDir() bool {
	const sIFMT = 0170000
	const sIFDIR = 0040000
	return d.Mode&sIFMT == sIFDIR
}

// IsStuffed reports whether a regular file's data is stored inline in the
// dinode block rather than through an indirect tree. Directories are never
// "stuffed" in this sense: height 0 for a directory without EXHASH instead
// means its own block doubles as its single leaf.
func (d Dinode) IsStuffed() bool {
	return !d.IsDir() && d.Height == 0
}

// IsExhash reports whether a directory uses the hashed-directory layout.
func (d Dinode) IsExhash() bool {
	return d.Flags&DIFExhash != 0
}

// DecodeDinode decodes a Dinode from the front of b.
func DecodeDinode(b []byte) (Dinode, error) {
	var d Dinode
	if len(b) < DinodeSize {
		return d, fmt.Errorf("%w: dinode block truncated", ErrMalformed)
	}
	h, err := DecodeMetaHeader(b)
	if err != nil {
		return d, err
	}
	d.Header = h
	if h.Type != MetaTypeDI {
		return d, fmt.Errorf("%w: not a dinode", ErrMalformed)
	}

	r := bytes.NewReader(b[MetaHeaderSize:])
	inumBuf := make([]byte, InumSize)
	if _, err := r.Read(inumBuf); err != nil {
		return d, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	d.Num = decodeInum(inumBuf)

	var pad16 uint16
	var pad32 uint32
	var padInum [InumSize]byte
	for _, f := range []interface{}{
		&d.Mode, &d.UID, &d.GID, &d.Nlink,
		&d.Size, &d.Blocks,
		&d.ATime, &d.MTime, &d.CTime,
		&d.Major, &d.Minor,
		&d.GoalMeta, &d.GoalData, &d.Generation,
		&d.Flags, &d.PayloadFormat,
		&pad16, &d.Height, &pad32,
		&pad16, &d.Depth, &d.Entries,
		&padInum,
		&d.EAttr,
		&d.ATimeNsec, &d.MTimeNsec, &d.CTimeNsec,
	} {
		if err := binary.Read(r, binary.BigEndian, f); err != nil {
			return d, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	if int(d.Height) > MaxMetaHeight {
		return d, fmt.Errorf("%w: height %d exceeds maximum", ErrMalformed, d.Height)
	}

	return d, nil
}

// EncodeDinode writes d's wire representation into b.
func EncodeDinode(d Dinode, b []byte) {
	for i := range b {
		b[i] = 0
	}
	d.Header.Encode(b)

	buf := new(bytes.Buffer)
	buf.Write(encodeInum(d.Num))
	var pad16 uint16
	var pad32 uint32
	var padInum [InumSize]byte
	for _, f := range []interface{}{
		d.Mode, d.UID, d.GID, d.Nlink,
		d.Size, d.Blocks,
		d.ATime, d.MTime, d.CTime,
		d.Major, d.Minor,
		d.GoalMeta, d.GoalData, d.Generation,
		d.Flags, d.PayloadFormat,
		pad16, d.Height, pad32,
		pad16, d.Depth, d.Entries,
		padInum,
		d.EAttr,
		d.ATimeNsec, d.MTimeNsec, d.CTimeNsec,
	} {
		_ = binary.Write(buf, binary.BigEndian, f)
	}
	copy(b[MetaHeaderSize:], buf.Bytes())
}
