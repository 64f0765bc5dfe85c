package gfs2

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Log header flags (lh_flags).
const (
	LogHeadUnmount     = 0x00000001
	LogHeadFlushNormal = 0x00000002
	LogHeadFlushSync   = 0x00000004
	LogHeadFlushSD     = 0x00000008
	LogHeadRecovery    = 0x00000020
	LogHeadUserspace   = 0x80000000
)

// LogHeaderSize is the encoded size in bytes of LogHeader.
const LogHeaderSize = MetaHeaderSize + 8 + 4 + 4 + 4 + 4 + 4 + 4 + 8 + 8 + 8 + 8 + 8 + 8 + 8 + 8

// LogHeader delimits a transaction in the circular journal and carries a
// monotonically increasing sequence number.
type LogHeader struct {
	Header MetaHeader

	Sequence uint64
	Flags    uint32
	Tail     uint32
	Blkno    uint32
	Hash     uint32

	CRC  uint32
	Nsec uint32
	Sec  uint64

	Addr       uint64
	Jinode     uint64
	StatfsAddr uint64
	QuotaAddr  uint64

	LocalTotal   uint64
	LocalFree    uint64
	LocalDinodes uint64
}

// DecodeLogHeader decodes a LogHeader from the front of b.
func DecodeLogHeader(b []byte) (LogHeader, error) {
	var lh LogHeader
	if len(b) < LogHeaderSize {
		return lh, fmt.Errorf("%w: log header truncated", ErrMalformed)
	}
	h, err := DecodeMetaHeader(b)
	if err != nil {
		return lh, err
	}
	lh.Header = h
	if h.Type != MetaTypeLH {
		return lh, fmt.Errorf("%w: not a log header", ErrMalformed)
	}

	r := bytes.NewReader(b[MetaHeaderSize:])
	for _, f := range []interface{}{
		&lh.Sequence, &lh.Flags, &lh.Tail, &lh.Blkno, &lh.Hash,
		&lh.CRC, &lh.Nsec, &lh.Sec,
		&lh.Addr, &lh.Jinode, &lh.StatfsAddr, &lh.QuotaAddr,
		&lh.LocalTotal, &lh.LocalFree, &lh.LocalDinodes,
	} {
		if err := binary.Read(r, binary.BigEndian, f); err != nil {
			return lh, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return lh, nil
}

// EncodeLogHeader writes lh's wire representation into b.
func EncodeLogHeader(lh LogHeader, b []byte) {
	for i := range b {
		b[i] = 0
	}
	lh.Header.Encode(b)
	buf := new(bytes.Buffer)
	for _, f := range []interface{}{
		lh.Sequence, lh.Flags, lh.Tail, lh.Blkno, lh.Hash,
		lh.CRC, lh.Nsec, lh.Sec,
		lh.Addr, lh.Jinode, lh.StatfsAddr, lh.QuotaAddr,
		lh.LocalTotal, lh.LocalFree, lh.LocalDinodes,
	} {
		_ = binary.Write(buf, binary.BigEndian, f)
	}
	copy(b[MetaHeaderSize:], buf.Bytes())
}

// Log descriptor types (ld_type).
const (
	LogDescMetadata = 300
	LogDescRevoke   = 301
	LogDescJdata    = 302
)

// LogDescriptorSize is the encoded size in bytes of LogDescriptor.
const LogDescriptorSize = MetaHeaderSize + 4 + 4 + 4 + 4 + 32

// LogDescriptor enumerates the blocks a transaction chunk references. Its
// pointer array follows this header and may overflow into subsequent
// log-buffer blocks when ld_length exceeds what fits in one block.
type LogDescriptor struct {
	Header MetaHeader

	Type   uint32
	Length uint32
	Data1  uint32 // descriptor-specific: block count
	Data2  uint32
}

// DecodeLogDescriptor decodes a LogDescriptor from the front of b.
func DecodeLogDescriptor(b []byte) (LogDescriptor, error) {
	var ld LogDescriptor
	if len(b) < LogDescriptorSize {
		return ld, fmt.Errorf("%w: log descriptor truncated", ErrMalformed)
	}
	h, err := DecodeMetaHeader(b)
	if err != nil {
		return ld, err
	}
	ld.Header = h
	if h.Type != MetaTypeLD {
		return ld, fmt.Errorf("%w: not a log descriptor", ErrMalformed)
	}

	r := bytes.NewReader(b[MetaHeaderSize:])
	for _, f := range []interface{}{&ld.Type, &ld.Length, &ld.Data1, &ld.Data2} {
		if err := binary.Read(r, binary.BigEndian, f); err != nil {
			return ld, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return ld, nil
}

// EncodeLogDescriptor writes ld's wire representation into b.
func EncodeLogDescriptor(ld LogDescriptor, b []byte) {
	for i := range b {
		b[i] = 0
	}
	ld.Header.Encode(b)
	buf := new(bytes.Buffer)
	for _, f := range []interface{}{ld.Type, ld.Length, ld.Data1, ld.Data2} {
		_ = binary.Write(buf, binary.BigEndian, f)
	}
	copy(b[MetaHeaderSize:], buf.Bytes())
}

// LogDescriptorPointers returns the pointer array following a log
// descriptor header within its block, honoring the block size.
func LogDescriptorPointers(b []byte) ([]uint64, error) {
	return DecodePointers(b, LogDescriptorSize)
}

// LogBufferPointers returns the continuation pointer array in a log-buffer
// block, which carries no header fields of its own beyond the common meta
// header.
func LogBufferPointers(b []byte) ([]uint64, error) {
	return DecodePointers(b, MetaHeaderSize)
}
