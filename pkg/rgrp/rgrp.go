// Package rgrp maintains the ordered index of resource groups and walks
// their allocation bitmaps. It sits directly on top of pkg/bio and
// pkg/gfs2: it never reads an inode tree itself, so callers that need to
// pull the rindex system file's bytes off disk do that through pkg/dinode
// first and hand the decoded record array to Load.
package rgrp

import (
	"fmt"

	"github.com/andyprice/gfs2-utils-go/pkg/bio"
	"github.com/andyprice/gfs2-utils-go/pkg/gfs2"
)

// RG is one loaded resource group: its catalog placement plus its decoded
// header. Bitmap blocks are read lazily through the cache on each Scan/
// SetState call rather than held here, so an Index can cover a filesystem
// far larger than the cache's capacity.
type RG struct {
	Addr     uint64
	Length   uint32
	Data0    uint64
	Data     uint32
	BitBytes uint32

	Header gfs2.RGHeader
}

// ContainsData reports whether addr falls within this RG's data range.
func (rg *RG) ContainsData(addr uint64) bool {
	return addr >= rg.Data0 && addr < rg.Data0+uint64(rg.Data)
}

// Index is the ordered map of RGs keyed by rg_addr, backed by a shared
// buffer cache for bitmap access.
type Index struct {
	cache     *bio.Cache
	blockSize int

	order []*RG // ascending by Addr, per the rindex's own ordering invariant
}

// NewIndex creates an empty Index over cache.
func NewIndex(cache *bio.Cache, blockSize int) *Index {
	return &Index{cache: cache, blockSize: blockSize}
}

// ParseRindex decodes the dense array of RindexRecord entries packed into a
// rindex system file's payload bytes.
func ParseRindex(data []byte) ([]gfs2.RindexRecord, error) {
	n := len(data) / gfs2.RindexRecordSize
	records := make([]gfs2.RindexRecord, 0, n)
	for i := 0; i < n; i++ {
		rec, err := gfs2.DecodeRindexRecord(data[i*gfs2.RindexRecordSize : (i+1)*gfs2.RindexRecordSize])
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Load reads each RG's header block and inserts one Index entry per record,
// in the order given. Per the data model, the rindex file already lists
// RGs in ascending rg_addr order; Load trusts that and does not re-sort.
func (ix *Index) Load(records []gfs2.RindexRecord) error {
	ix.order = ix.order[:0]
	for _, rec := range records {
		buf, err := ix.cache.Acquire(rec.Addr)
		if err != nil {
			return err
		}
		hdr, err := gfs2.DecodeRGHeader(buf.Bytes)
		if err := ix.cache.Release(buf); err != nil {
			return err
		}
		if err != nil {
			return fmt.Errorf("rg at %d: %w", rec.Addr, err)
		}
		ix.order = append(ix.order, &RG{
			Addr:     rec.Addr,
			Length:   rec.Length,
			Data0:    rec.Data0,
			Data:     rec.Data,
			BitBytes: rec.BitBytes,
			Header:   hdr,
		})
	}
	return nil
}

// Insert adds a newly written RG directly to the index (used by the layout
// planner while building a fresh filesystem, before a rindex file exists to
// load from). The caller is responsible for keeping Addr ascending.
func (ix *Index) Insert(rg *RG) {
	ix.order = append(ix.order, rg)
}

// All returns every loaded RG in ascending address order. The returned
// slice is owned by the Index; callers must not mutate it.
func (ix *Index) All() []*RG {
	return ix.order
}

// BlockToRG returns the RG whose data interval strictly contains addr.
// Header and bitmap blocks of an RG are never reported as belonging to any
// RG's data, matching the tie-break rule in the data model.
func (ix *Index) BlockToRG(addr uint64) (*RG, bool) {
	for _, rg := range ix.order {
		if rg.ContainsData(addr) {
			return rg, true
		}
	}
	return nil, false
}

// bitmapBlockHeaderSize returns the number of header bytes preceding the
// bit region of the bitmapIndex'th bitmap block in an RG. Bitmap block 0
// shares the physical block at rg.Addr with the RG header itself, so its
// bits start after sizeof(rg_header); every subsequent bitmap block is a
// separate block carrying only a plain meta header.
func bitmapBlockHeaderSize(bitmapIndex int) int {
	if bitmapIndex == 0 {
		return gfs2.RGHeaderSize
	}
	return gfs2.MetaHeaderSize
}

// cellsPerBitmapBlock returns how many 2-bit cells the bitmapIndex'th
// bitmap block of an RG with the given block size holds.
func cellsPerBitmapBlock(blockSize, bitmapIndex int) int {
	return (blockSize - bitmapBlockHeaderSize(bitmapIndex)) * gfs2.BitsPerByte
}

// Scan walks the given bitmap block's 2-bit cells and returns, in ascending
// order, the absolute data block address of every cell whose state equals
// wantedState. bitmapIndex is 0 for the block sharing the RG header and
// 1-based for every subsequent bitmap block in the RG.
func (ix *Index) Scan(rg *RG, bitmapIndex int, wantedState int) ([]uint64, error) {
	if bitmapIndex < 0 || uint32(bitmapIndex) >= rg.Length {
		return nil, fmt.Errorf("%w: bitmap index %d out of range for rg at %d", gfs2.ErrConstraint, bitmapIndex, rg.Addr)
	}

	buf, err := ix.cache.Acquire(rg.Addr + uint64(bitmapIndex))
	if err != nil {
		return nil, err
	}
	defer ix.cache.Release(buf)

	headerSize := bitmapBlockHeaderSize(bitmapIndex)
	bits := buf.Bytes[headerSize:]
	cells := cellsPerBitmapBlock(ix.blockSize, bitmapIndex)

	base := dataBaseForBitmapBlock(rg, ix.blockSize, bitmapIndex)

	var out []uint64
	for i := 0; i < cells; i++ {
		addr := base + uint64(i)
		if addr >= rg.Data0+uint64(rg.Data) {
			break
		}
		if gfs2.CellState(bits, i) == wantedState {
			out = append(out, addr)
		}
	}
	return out, nil
}

// dataBaseForBitmapBlock returns the first data block address whose state
// is recorded by the bitmapIndex'th bitmap block, given every earlier
// bitmap block in the RG covers a full block's worth of cells.
func dataBaseForBitmapBlock(rg *RG, blockSize, bitmapIndex int) uint64 {
	base := rg.Data0
	for i := 0; i < bitmapIndex; i++ {
		base += uint64(cellsPerBitmapBlock(blockSize, i))
	}
	return base
}

// Locate returns which bitmap block within rg records addr's state
// (0-based, matching Scan's bitmapIndex) and addr's cell offset within that
// block's bit region.
func (ix *Index) Locate(rg *RG, addr uint64) (bitmapIndex int, cellOffset int, err error) {
	if !rg.ContainsData(addr) {
		return 0, 0, fmt.Errorf("%w: block %d not in rg at %d", gfs2.ErrConstraint, addr, rg.Addr)
	}
	offset := addr - rg.Data0
	cells := uint64(cellsPerBitmapBlock(ix.blockSize, 0))
	for offset >= cells {
		offset -= cells
		bitmapIndex++
		cells = uint64(cellsPerBitmapBlock(ix.blockSize, bitmapIndex))
	}
	return bitmapIndex, int(offset), nil
}

// CellState reads addr's current 2-bit allocation state.
func (ix *Index) CellState(rg *RG, addr uint64) (int, error) {
	bitmapIndex, cellOffset, err := ix.Locate(rg, addr)
	if err != nil {
		return 0, err
	}
	buf, err := ix.cache.Acquire(rg.Addr + uint64(bitmapIndex))
	if err != nil {
		return 0, err
	}
	defer ix.cache.Release(buf)
	headerSize := bitmapBlockHeaderSize(bitmapIndex)
	return gfs2.CellState(buf.Bytes[headerSize:], cellOffset), nil
}

// SetState updates the 2-bit cell for addr in the bitmap block that
// describes it and marks the buffer dirty. Setting a cell to the state it
// already holds is idempotent: the buffer is still marked dirty (the cost
// of a redundant write is deemed acceptable against the data model's
// idempotence guarantee of observable state, which this preserves).
func (ix *Index) SetState(rg *RG, addr uint64, newState int) error {
	bitmapIndex, cellOffset, err := ix.Locate(rg, addr)
	if err != nil {
		return err
	}

	buf, err := ix.cache.Acquire(rg.Addr + uint64(bitmapIndex))
	if err != nil {
		return err
	}
	headerSize := bitmapBlockHeaderSize(bitmapIndex)
	gfs2.SetCellState(buf.Bytes[headerSize:], cellOffset, newState)
	buf.MarkDirty()
	return ix.cache.Release(buf)
}

// Minimum and default RG sizes, expressed in blocks, used by Plan when a
// caller doesn't override them.
const (
	MinRGBlocks     = 2049 // header + at least one bitmap block's worth of data, kernel-enforced floor
	DefaultRGBlocks = 1 << 18
)

// Plan decides how many RGs of rgSizeBlocks will fit in the space available
// after startAddr, up to deviceLengthBlocks. The final RG is allowed to be
// shorter than rgSizeBlocks but is dropped if it would be smaller than
// MinRGBlocks.
func Plan(startAddr, deviceLengthBlocks uint64, rgSizeBlocks uint32) int {
	if deviceLengthBlocks <= startAddr || rgSizeBlocks == 0 {
		return 0
	}
	remaining := deviceLengthBlocks - startAddr
	count := int(remaining / uint64(rgSizeBlocks))
	rem := remaining % uint64(rgSizeBlocks)
	if rem >= MinRGBlocks {
		count++
	}
	return count
}

// Align rounds addr up to the next strideBase-block boundary plus
// strideOffset. A strideBase of zero disables alignment and returns addr
// unchanged.
func Align(addr, strideBase, strideOffset uint64) uint64 {
	if strideBase == 0 {
		return addr
	}
	base := addr
	if base < strideOffset {
		base = strideOffset
	}
	rem := (base - strideOffset) % strideBase
	if rem == 0 {
		return base
	}
	return base + (strideBase - rem)
}
