package gfs2

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Directory entry file types (de_type), matching the common VFS d_type
// convention the on-disk format reuses.
const (
	DtUnknown = 0
	DtReg     = 8
	DtDir     = 4
)

// LeafHeaderSize is the encoded size in bytes of LeafHeader.
const LeafHeaderSize = MetaHeaderSize + 2 + 2 + 4 + 8 + 8 + 4 + 4 + 8

// LeafHeader is the header of a directory leaf block.
type LeafHeader struct {
	Header MetaHeader

	Depth         uint16
	Entries       uint16
	DirentFormat  uint32
	Next          uint64

	// Only meaningful on the first leaf reached through a bucket; later
	// leaves in an overflow chain leave these at zero.
	Inode uint64
	Dist  uint32
	Nsec  uint32
	Sec   uint64
}

// DecodeLeafHeader decodes a LeafHeader from the front of b.
func DecodeLeafHeader(b []byte) (LeafHeader, error) {
	var lh LeafHeader
	if len(b) < LeafHeaderSize {
		return lh, fmt.Errorf("%w: leaf header truncated", ErrMalformed)
	}
	h, err := DecodeMetaHeader(b)
	if err != nil {
		return lh, err
	}
	lh.Header = h
	if h.Type != MetaTypeLF {
		return lh, fmt.Errorf("%w: not a directory leaf", ErrMalformed)
	}

	r := bytes.NewReader(b[MetaHeaderSize:])
	for _, f := range []interface{}{
		&lh.Depth, &lh.Entries, &lh.DirentFormat, &lh.Next,
		&lh.Inode, &lh.Dist, &lh.Nsec, &lh.Sec,
	} {
		if err := binary.Read(r, binary.BigEndian, f); err != nil {
			return lh, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return lh, nil
}

// EncodeLeafHeader writes lh's wire representation into b.
func EncodeLeafHeader(lh LeafHeader, b []byte) {
	for i := range b {
		b[i] = 0
	}
	lh.Header.Encode(b)
	buf := new(bytes.Buffer)
	for _, f := range []interface{}{
		lh.Depth, lh.Entries, lh.DirentFormat, lh.Next,
		lh.Inode, lh.Dist, lh.Nsec, lh.Sec,
	} {
		_ = binary.Write(buf, binary.BigEndian, f)
	}
	copy(b[MetaHeaderSize:], buf.Bytes())
}

// DirentHeaderSize is the fixed-size portion of a directory entry,
// preceding its variable-length name.
const DirentHeaderSize = InumSize + 4 + 2 + 2 + 2 + 2 + 12

// MaxNameLen is the longest name a directory entry may hold.
const MaxNameLen = 255

// Dirent is one directory entry: a fixed header followed by name bytes.
type Dirent struct {
	Inum    Inum
	Hash    uint32
	RecLen  uint16
	NameLen uint16
	Type    uint16
	Rahead  uint16
	Name    string
}

// IsHole reports whether the entry is a sentinel marking unused space
// within a leaf block, rather than a real directory entry.
func (d Dirent) IsHole() bool {
	return d.Inum.Addr == 0
}

// DecodeDirent decodes one directory entry from the front of b. An entry
// whose rec_len is outside [DirentHeaderSize, blockSize] is rejected as
// malformed per the data model's self-describing rec_len rule.
func DecodeDirent(b []byte, blockSize int) (Dirent, error) {
	var d Dirent
	if len(b) < DirentHeaderSize {
		return d, fmt.Errorf("%w: dirent header truncated", ErrMalformed)
	}

	inumBuf := b[0:InumSize]
	d.Inum = decodeInum(inumBuf)
	off := InumSize
	d.Hash = binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	d.RecLen = binary.BigEndian.Uint16(b[off : off+2])
	off += 2
	d.NameLen = binary.BigEndian.Uint16(b[off : off+2])
	off += 2
	d.Type = binary.BigEndian.Uint16(b[off : off+2])
	off += 2
	d.Rahead = binary.BigEndian.Uint16(b[off : off+2])
	off += 2

	if int(d.RecLen) < DirentHeaderSize || int(d.RecLen) > blockSize {
		return d, fmt.Errorf("%w: dirent rec_len %d out of bounds", ErrMalformed, d.RecLen)
	}
	if d.IsHole() {
		return d, nil
	}
	if int(d.NameLen) > MaxNameLen || DirentHeaderSize+int(d.NameLen) > int(d.RecLen) {
		return d, fmt.Errorf("%w: dirent name_len %d out of bounds", ErrMalformed, d.NameLen)
	}
	nameOff := DirentHeaderSize
	if len(b) < nameOff+int(d.NameLen) {
		return d, fmt.Errorf("%w: dirent name truncated", ErrMalformed)
	}
	d.Name = string(b[nameOff : nameOff+int(d.NameLen)])
	return d, nil
}

// EncodeDirent writes d's wire representation into b, which must have at
// least int(d.RecLen) bytes available.
func EncodeDirent(d Dirent, b []byte) {
	for i := 0; i < int(d.RecLen) && i < len(b); i++ {
		b[i] = 0
	}
	inumBytes := encodeInum(d.Inum)
	copy(b[0:InumSize], inumBytes)
	off := InumSize
	binary.BigEndian.PutUint32(b[off:off+4], d.Hash)
	off += 4
	binary.BigEndian.PutUint16(b[off:off+2], d.RecLen)
	off += 2
	binary.BigEndian.PutUint16(b[off:off+2], d.NameLen)
	off += 2
	binary.BigEndian.PutUint16(b[off:off+2], d.Type)
	off += 2
	binary.BigEndian.PutUint16(b[off:off+2], d.Rahead)
	off += 2
	copy(b[DirentHeaderSize:], []byte(d.Name))
}

// AlignedDirentSize rounds the minimal size of a dirent with the given name
// length up to an 8-byte boundary, matching the on-disk packing rule.
func AlignedDirentSize(nameLen int) uint16 {
	n := DirentHeaderSize + nameLen
	return uint16((n + 7) &^ 7)
}

// ScanDirents walks the dense array of directory entries packed into block
// starting at offset, up to blockSize bytes, skipping holes. A malformed
// entry truncates the scan rather than failing it outright: whatever valid
// entries were found before it are still returned.
func ScanDirents(block []byte, offset int, blockSize int) []Dirent {
	var out []Dirent
	off := offset
	for off+DirentHeaderSize <= blockSize && off+DirentHeaderSize <= len(block) {
		d, err := DecodeDirent(block[off:], blockSize)
		if err != nil || d.RecLen == 0 {
			return out
		}
		if !d.IsHole() {
			out = append(out, d)
		}
		off += int(d.RecLen)
	}
	return out
}
