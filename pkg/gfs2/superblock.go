package gfs2

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// SBAddr is the block address of the superblock, expressed in 512-byte
// "basic blocks" as the kernel defines it; SBAddrBytes converts to a byte
// offset regardless of the filesystem's own block size.
const SBAddr = 128
const basicBlockSize = 512

// SBAddrBytes is the fixed byte offset of the superblock on the device.
const SBAddrBytes = SBAddr * basicBlockSize

// LockNameLen is the fixed width of the lock protocol / lock table fields.
const LockNameLen = 64

// UUIDLen is the byte length of the superblock UUID field.
const UUIDLen = 16

// FormatFS and FormatMultihost are the on-disk format version numbers this
// module writes; they are bumped by the kernel when the on-disk structures
// change incompatibly, independent of MetaHeader's own Format field.
const (
	FormatFS        = 1801
	FormatMultihost = 1900
)

// SuperblockSize is the encoded size in bytes of Superblock (excluding
// trailing zero padding out to the block size).
const SuperblockSize = MetaHeaderSize + 4 + 4 + 4 + 4 + 4 + 4 + InumSize*3 + LockNameLen*2 + InumSize*2 + UUIDLen

// Generation distinguishes the two on-disk format families a superblock may
// describe.
type Generation int

const (
	// GenerationCurrent is the format with a master directory, flex-group
	// style RG placement, and journals living inside RG space.
	GenerationCurrent Generation = iota
	// GenerationLegacy is the older format: system inodes named directly
	// in the superblock, no master directory, journals outside RG space,
	// and meta-header interleaving in system file payloads.
	GenerationLegacy
)

// Superblock is the singleton filesystem descriptor, always found at
// SBAddrBytes regardless of block size.
type Superblock struct {
	Header MetaHeader

	FSFormat        uint32
	MultihostFormat uint32

	BlockSize      uint32
	BlockSizeShift uint32

	MasterDir Inum // zero for GenerationLegacy
	RootDir   Inum

	LockProto [LockNameLen]byte
	LockTable [LockNameLen]byte

	// Legacy-generation-only named system inodes. Zero inums for the
	// current generation, which locates its system files through the
	// master directory instead.
	LegacyRindex  Inum
	LegacyLicense Inum

	UUID [UUIDLen]byte
}

// Generation reports which on-disk format family the superblock describes.
// The legacy generation predates the master directory: its sb_fs_format
// carries a lower value and MasterDir is always the zero inum.
func (sb Superblock) Generation() Generation {
	if sb.MasterDir.IsZero() {
		return GenerationLegacy
	}
	return GenerationCurrent
}

// Validate checks the superblock invariants from the data model: the magic
// must match, block_size must equal 1<<block_size_shift, and block size
// must be a reasonable power of two.
func (sb Superblock) Validate() error {
	if sb.Header.Magic != Magic || sb.Header.Type != MetaTypeSB {
		return fmt.Errorf("%w: not a superblock", ErrMalformed)
	}
	if sb.BlockSize != 1<<sb.BlockSizeShift {
		return fmt.Errorf("%w: block_size %d != 1<<%d", ErrMalformed, sb.BlockSize, sb.BlockSizeShift)
	}
	if sb.BlockSize < 512 || sb.BlockSize&(sb.BlockSize-1) != 0 {
		return fmt.Errorf("%w: block_size %d is not a power of two >= 512", ErrMalformed, sb.BlockSize)
	}
	return nil
}

// LockProtoString returns the lock protocol as a NUL-trimmed string.
func (sb Superblock) LockProtoString() string {
	return cstring(sb.LockProto[:])
}

// LockTableString returns the lock table as a NUL-trimmed string.
func (sb Superblock) LockTableString() string {
	return cstring(sb.LockTable[:])
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// DecodeSuperblock decodes a Superblock from the first SuperblockSize bytes
// of b (b is expected to be one full block; trailing bytes are ignored).
func DecodeSuperblock(b []byte) (Superblock, error) {
	var sb Superblock
	if len(b) < SuperblockSize {
		return sb, fmt.Errorf("%w: superblock block truncated", ErrMalformed)
	}

	h, err := DecodeMetaHeader(b)
	if err != nil {
		return sb, err
	}
	sb.Header = h

	r := bytes.NewReader(b[MetaHeaderSize:])
	var pad uint32
	fields := []interface{}{
		&sb.FSFormat, &sb.MultihostFormat, &pad,
		&sb.BlockSize, &sb.BlockSizeShift, &pad,
	}
	for _, f := range fields {
		if err := binary.Read(r, binary.BigEndian, f); err != nil {
			return sb, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	inumBuf := make([]byte, InumSize)
	readInum := func() (Inum, error) {
		if _, err := r.Read(inumBuf); err != nil {
			return Inum{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return decodeInum(inumBuf), nil
	}

	if sb.MasterDir, err = readInum(); err != nil {
		return sb, err
	}
	if _, err := readInum(); err != nil { // pad2
		return sb, err
	}
	if sb.RootDir, err = readInum(); err != nil {
		return sb, err
	}
	if _, err := r.Read(sb.LockProto[:]); err != nil {
		return sb, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := r.Read(sb.LockTable[:]); err != nil {
		return sb, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if sb.LegacyRindex, err = readInum(); err != nil {
		return sb, err
	}
	if sb.LegacyLicense, err = readInum(); err != nil {
		return sb, err
	}
	if _, err := r.Read(sb.UUID[:]); err != nil {
		return sb, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return sb, sb.Validate()
}

// EncodeSuperblock writes sb's wire representation into b, which must have
// room for at least one block (trailing bytes beyond SuperblockSize are
// zeroed).
func EncodeSuperblock(sb Superblock, b []byte) {
	for i := range b {
		b[i] = 0
	}
	sb.Header.Encode(b)

	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, sb.FSFormat)
	_ = binary.Write(buf, binary.BigEndian, sb.MultihostFormat)
	var pad0 uint32
	_ = binary.Write(buf, binary.BigEndian, pad0)
	_ = binary.Write(buf, binary.BigEndian, sb.BlockSize)
	_ = binary.Write(buf, binary.BigEndian, sb.BlockSizeShift)
	var pad1 uint32
	_ = binary.Write(buf, binary.BigEndian, pad1)
	buf.Write(encodeInum(sb.MasterDir))
	buf.Write(encodeInum(Inum{})) // pad2
	buf.Write(encodeInum(sb.RootDir))
	buf.Write(sb.LockProto[:])
	buf.Write(sb.LockTable[:])
	buf.Write(encodeInum(sb.LegacyRindex))
	buf.Write(encodeInum(sb.LegacyLicense))
	buf.Write(sb.UUID[:])

	copy(b[MetaHeaderSize:], buf.Bytes())
}
