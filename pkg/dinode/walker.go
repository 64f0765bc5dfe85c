// Package dinode walks a dinode's indirect tree, exhash directory leaf
// chain, and extended-attribute blocks, yielding a flat, ordered list of
// every block the inode reaches together with the role it plays. It is a
// pure parser: it never decides which blocks to keep (that is savemeta's
// selection policy) or how to print them (that is a restoremeta/journal
// concern).
package dinode

import (
	"encoding/binary"

	"github.com/andyprice/gfs2-utils-go/pkg/bio"
	"github.com/andyprice/gfs2-utils-go/pkg/gfs2"
)

// Role identifies what a visited block holds.
type Role int

const (
	RoleIndirect Role = iota
	RoleData
	RoleDirLeaf
	RoleEAHeader
	RoleEAData
)

func (r Role) String() string {
	switch r {
	case RoleIndirect:
		return "indirect"
	case RoleData:
		return "data"
	case RoleDirLeaf:
		return "dir-leaf"
	case RoleEAHeader:
		return "ea-header"
	case RoleEAData:
		return "ea-data"
	default:
		return "unknown"
	}
}

// BlockRef is one block reached from a dinode, in visitation order.
type BlockRef struct {
	Addr uint64
	Role Role
}

// Fault records a subtree the walker gave up on because the block it
// reached didn't classify the way its position in the tree required. The
// walk continues past a Fault; it never aborts the whole traversal.
type Fault struct {
	Addr   uint64
	Reason error
}

// Walker reads blocks through a shared cache while traversing one dinode's
// reachable structure. It carries no inode-specific state between calls:
// a Walker may be reused across many Walk calls.
type Walker struct {
	Cache      *bio.Cache
	BlockSize  int
	Generation gfs2.Generation
}

// Walk produces the ordered list of blocks reachable from d's indirect
// tree, directory leaves, and extended attributes, along with any faults
// encountered along the way. stopAtIndirect, when true, omits the leaf
// data-block level of a regular file's tree (savemeta's "indirect blocks
// but not data blocks" selection for ordinary files); it has no effect on
// directories or stuffed files.
func (w *Walker) Walk(d gfs2.Dinode, stopAtIndirect bool) ([]BlockRef, []Fault) {
	var refs []BlockRef
	var faults []Fault

	if !d.IsDir() {
		if d.IsStuffed() {
			// Data lives inline in the dinode block itself; nothing more to
			// visit.
		} else {
			buf, err := w.Cache.Acquire(d.Num.Addr)
			if err == nil {
				ptrs, perr := gfs2.DecodePointers(buf.Bytes, gfs2.DinodeSize)
				w.Cache.Release(buf)
				if perr == nil {
					// d.Height counts hops from the dinode to a data block;
					// ptrs is already the first hop, so the walk below it is
					// height-1 levels deep. With stopAtIndirect the bottom
					// level is dropped entirely: a height-1 file yields no
					// blocks at all (its pointers go straight to data).
					height := int(d.Height) - 1
					if stopAtIndirect {
						if height > 0 {
							w.walkIndirectLevel(ptrs, height-1, RoleIndirect, &refs, &faults)
						}
					} else {
						w.walkIndirectLevel(ptrs, height, RoleData, &refs, &faults)
					}
				}
			}
		}
	} else if !d.IsExhash() {
		refs = append(refs, BlockRef{Addr: d.Num.Addr, Role: RoleDirLeaf})
	} else {
		buf, err := w.Cache.Acquire(d.Num.Addr)
		if err == nil {
			ptrs, perr := gfs2.DecodePointers(buf.Bytes, gfs2.DinodeSize)
			w.Cache.Release(buf)
			if perr == nil {
				leafPtrs := w.collectLeafPointers(ptrs, int(d.Height)-1, &faults)
				w.walkLeafChains(dedupConsecutive(leafPtrs), &refs, &faults)
			}
		}
	}

	if d.EAttr != 0 {
		w.walkEA(d.EAttr, &refs, &faults)
	}

	return refs, faults
}

// Lookup resolves name to a child inum within directory d, scanning every
// leaf block Walk reaches. It is a convenience for the handful of
// fixed-name system-file lookups (rindex, jindex, per_node, ...) under the
// master directory; it is not a general path resolver and does not use
// the exhash bucket index to narrow the search to one leaf.
func (w *Walker) Lookup(d gfs2.Dinode, name string) (gfs2.Inum, bool, error) {
	refs, _ := w.Walk(d, false)
	for _, ref := range refs {
		if ref.Role != RoleDirLeaf {
			continue
		}
		buf, err := w.Cache.Acquire(ref.Addr)
		if err != nil {
			return gfs2.Inum{}, false, err
		}
		start := gfs2.LeafHeaderSize
		if ref.Addr == d.Num.Addr && !d.IsExhash() {
			start = gfs2.DinodeSize
		}
		dirents := gfs2.ScanDirents(buf.Bytes, start, w.BlockSize)
		w.Cache.Release(buf)
		for _, de := range dirents {
			if de.Name == name {
				return de.Inum, true, nil
			}
		}
	}
	return gfs2.Inum{}, false, nil
}

// ReadData reads a regular file's full content in logical order, up to
// d.Size bytes: inline bytes for a stuffed file, or the concatenation of
// every leaf data block (zero-filled for holes) for an indirect one. It
// exists for the handful of system files (rindex, per_node's children)
// whose content savemeta and the layout planner need to parse as a byte
// stream rather than walk as a block tree. A malformed intermediate
// indirect block aborts only the subtree it roots (treated as a hole) and
// is reported through the returned faults, per the walker's abort-subtree/
// continue-sibling failure semantics.
func (w *Walker) ReadData(d gfs2.Dinode) ([]byte, []Fault, error) {
	if d.IsStuffed() {
		buf, err := w.Cache.Acquire(d.Num.Addr)
		if err != nil {
			return nil, nil, err
		}
		body := buf.Bytes[gfs2.DinodeSize:]
		n := int(d.Size)
		if n > len(body) {
			n = len(body)
		}
		out := append([]byte(nil), body[:n]...)
		w.Cache.Release(buf)
		return out, nil, nil
	}

	ptrs, faults, err := w.collectDataPointers(d)
	if err != nil {
		return nil, faults, err
	}
	out := make([]byte, 0, d.Size)
	for _, p := range ptrs {
		if uint64(len(out)) >= d.Size {
			break
		}
		var blockBytes []byte
		if p == 0 {
			blockBytes = make([]byte, w.BlockSize)
		} else {
			buf, err := w.Cache.Acquire(p)
			if err != nil {
				return nil, faults, err
			}
			blockBytes = append([]byte(nil), buf.Bytes...)
			w.Cache.Release(buf)
		}
		remain := int(d.Size) - len(out)
		if remain < len(blockBytes) {
			blockBytes = blockBytes[:remain]
		}
		out = append(out, blockBytes...)
	}
	return out, faults, nil
}

// DataAddrs returns a non-stuffed regular file's leaf data-block addresses
// in logical order, preserving zero entries for holes. It exists for
// callers, such as the journal walker, that need the physical block
// addresses themselves rather than the byte stream ReadData assembles from
// them.
func (w *Walker) DataAddrs(d gfs2.Dinode) ([]uint64, []Fault, error) {
	return w.collectDataPointers(d)
}

// collectDataPointers returns a regular file's leaf data-block pointers
// in logical order, preserving zero entries for holes.
func (w *Walker) collectDataPointers(d gfs2.Dinode) ([]uint64, []Fault, error) {
	buf, err := w.Cache.Acquire(d.Num.Addr)
	if err != nil {
		return nil, nil, err
	}
	ptrs, err := gfs2.DecodePointers(buf.Bytes, gfs2.DinodeSize)
	w.Cache.Release(buf)
	if err != nil {
		return nil, nil, err
	}
	var faults []Fault
	out, err := w.expandPointers(ptrs, int(d.Height)-1, &faults)
	return out, faults, err
}

// expandPointers descends height more indirect levels below ptrs,
// returning the dense, ordered array of leaf pointers. A hole at an
// intermediate level expands to a run of zero leaves the size of the
// subtree it would have held, so the result always lines up with the
// file's logical block offsets. A pointee block that fails to classify as
// an indirect block is treated the same way: its subtree is reported as a
// fault and expanded as a run of holes, and the walk continues with the
// next sibling pointer rather than aborting.
func (w *Walker) expandPointers(ptrs []uint64, height int, faults *[]Fault) ([]uint64, error) {
	if height <= 0 {
		return ptrs, nil
	}
	fanOut := gfs2.FanOut(w.BlockSize, w.Generation)
	var out []uint64
	for _, p := range ptrs {
		if p == 0 {
			out = append(out, make([]uint64, subtreeLeaves(fanOut, height))...)
			continue
		}
		buf, err := w.Cache.Acquire(p)
		if err != nil {
			return nil, err
		}
		if typ, ok := gfs2.Classify(buf.Bytes); !ok || typ != gfs2.MetaTypeIN {
			w.Cache.Release(buf)
			*faults = append(*faults, Fault{Addr: p, Reason: gfs2.ErrMalformed})
			out = append(out, make([]uint64, subtreeLeaves(fanOut, height))...)
			continue
		}
		headerSize := gfs2.IndirectHeaderSizeFor(w.Generation)
		nextPtrs, perr := gfs2.DecodePointers(buf.Bytes, headerSize)
		w.Cache.Release(buf)
		if perr != nil {
			*faults = append(*faults, Fault{Addr: p, Reason: perr})
			out = append(out, make([]uint64, subtreeLeaves(fanOut, height))...)
			continue
		}
		expanded, err := w.expandPointers(nextPtrs, height-1, faults)
		if err != nil {
			return nil, err
		}
		out = append(out, expanded...)
	}
	return out, nil
}

// subtreeLeaves returns the number of leaf blocks an entire subtree of the
// given height holds, given fanOut pointers per intermediate block.
func subtreeLeaves(fanOut, height int) int {
	n := 1
	for i := 0; i < height; i++ {
		n *= fanOut
	}
	return n
}

// walkIndirectLevel recurses height more indirect levels below ptrs,
// yielding RoleIndirect for every intermediate block and leafRole for the
// blocks at the bottom of the tree. Zero pointers (holes) are skipped.
func (w *Walker) walkIndirectLevel(ptrs []uint64, height int, leafRole Role, refs *[]BlockRef, faults *[]Fault) {
	for _, p := range ptrs {
		if p == 0 {
			continue
		}
		if height == 0 {
			*refs = append(*refs, BlockRef{Addr: p, Role: leafRole})
			continue
		}

		*refs = append(*refs, BlockRef{Addr: p, Role: RoleIndirect})
		buf, err := w.Cache.Acquire(p)
		if err != nil {
			*faults = append(*faults, Fault{Addr: p, Reason: err})
			continue
		}
		if typ, ok := gfs2.Classify(buf.Bytes); !ok || typ != gfs2.MetaTypeIN {
			w.Cache.Release(buf)
			*faults = append(*faults, Fault{Addr: p, Reason: gfs2.ErrMalformed})
			continue
		}
		headerSize := gfs2.IndirectHeaderSizeFor(w.Generation)
		nextPtrs, perr := gfs2.DecodePointers(buf.Bytes, headerSize)
		w.Cache.Release(buf)
		if perr != nil {
			*faults = append(*faults, Fault{Addr: p, Reason: perr})
			continue
		}
		w.walkIndirectLevel(nextPtrs, height-1, leafRole, refs, faults)
	}
}

// collectLeafPointers descends the exhash indirect tree to the bottom
// level, returning the dense array of leaf block pointers it finds there
// (including zero/duplicate entries, which the caller deduplicates).
func (w *Walker) collectLeafPointers(ptrs []uint64, height int, faults *[]Fault) []uint64 {
	if height <= 0 {
		// Height 0 means the hash table is stuffed in the dinode block, so
		// ptrs already are the leaf pointers.
		return ptrs
	}
	var out []uint64
	for _, p := range ptrs {
		if p == 0 {
			continue
		}
		buf, err := w.Cache.Acquire(p)
		if err != nil {
			*faults = append(*faults, Fault{Addr: p, Reason: err})
			continue
		}
		if typ, ok := gfs2.Classify(buf.Bytes); !ok || typ != gfs2.MetaTypeIN {
			w.Cache.Release(buf)
			*faults = append(*faults, Fault{Addr: p, Reason: gfs2.ErrMalformed})
			continue
		}
		headerSize := gfs2.IndirectHeaderSizeFor(w.Generation)
		nextPtrs, perr := gfs2.DecodePointers(buf.Bytes, headerSize)
		w.Cache.Release(buf)
		if perr != nil {
			*faults = append(*faults, Fault{Addr: p, Reason: perr})
			continue
		}
		out = append(out, w.collectLeafPointers(nextPtrs, height-1, faults)...)
	}
	return out
}

// walkLeafChains visits each unique leaf pointer and follows its next
// chain to completion.
func (w *Walker) walkLeafChains(leafPtrs []uint64, refs *[]BlockRef, faults *[]Fault) {
	for _, addr := range leafPtrs {
		next := addr
		for next != 0 {
			buf, err := w.Cache.Acquire(next)
			if err != nil {
				*faults = append(*faults, Fault{Addr: next, Reason: err})
				break
			}
			lh, lerr := gfs2.DecodeLeafHeader(buf.Bytes)
			w.Cache.Release(buf)
			if lerr != nil {
				*faults = append(*faults, Fault{Addr: next, Reason: lerr})
				break
			}
			*refs = append(*refs, BlockRef{Addr: next, Role: RoleDirLeaf})
			next = lh.Next
		}
	}
}

// dedupConsecutive removes consecutive duplicate pointers, matching the
// data model's bucket-sharing rule for exhash leaf arrays.
func dedupConsecutive(ptrs []uint64) []uint64 {
	if len(ptrs) == 0 {
		return ptrs
	}
	out := ptrs[:0:0]
	out = append(out, ptrs[0])
	for _, p := range ptrs[1:] {
		if p != out[len(out)-1] {
			out = append(out, p)
		}
	}
	return out
}

// walkEA classifies the block at addr as either an EA header (scanning its
// records) or an indirect block of EA header pointers (one more level of
// recursion, per the data model).
func (w *Walker) walkEA(addr uint64, refs *[]BlockRef, faults *[]Fault) {
	buf, err := w.Cache.Acquire(addr)
	if err != nil {
		*faults = append(*faults, Fault{Addr: addr, Reason: err})
		return
	}
	typ, ok := gfs2.Classify(buf.Bytes)
	if !ok {
		w.Cache.Release(buf)
		*faults = append(*faults, Fault{Addr: addr, Reason: gfs2.ErrMalformed})
		return
	}

	if typ == gfs2.MetaTypeIN {
		headerSize := gfs2.IndirectHeaderSizeFor(w.Generation)
		ptrs, perr := gfs2.DecodePointers(buf.Bytes, headerSize)
		w.Cache.Release(buf)
		if perr != nil {
			*faults = append(*faults, Fault{Addr: addr, Reason: perr})
			return
		}
		for _, p := range ptrs {
			if p != 0 {
				w.walkEAHeaderBlock(p, refs, faults)
			}
		}
		return
	}

	body := buf.Bytes
	w.Cache.Release(buf)
	if typ != gfs2.MetaTypeEA {
		*faults = append(*faults, Fault{Addr: addr, Reason: gfs2.ErrMalformed})
		return
	}
	*refs = append(*refs, BlockRef{Addr: addr, Role: RoleEAHeader})
	w.scanEARecords(body, refs, faults)
}

func (w *Walker) walkEAHeaderBlock(addr uint64, refs *[]BlockRef, faults *[]Fault) {
	buf, err := w.Cache.Acquire(addr)
	if err != nil {
		*faults = append(*faults, Fault{Addr: addr, Reason: err})
		return
	}
	body := buf.Bytes
	w.Cache.Release(buf)
	*refs = append(*refs, BlockRef{Addr: addr, Role: RoleEAHeader})
	w.scanEARecords(body, refs, faults)
}

// scanEARecords walks the dense array of EA records starting after the
// block's meta header, yielding RoleEAData for each record's referenced
// data blocks.
func (w *Walker) scanEARecords(block []byte, refs *[]BlockRef, faults *[]Fault) {
	off := gfs2.MetaHeaderSize
	for off+gfs2.EAHeaderSize <= len(block) {
		e, err := gfs2.DecodeEAEntry(block[off:])
		if err != nil {
			*faults = append(*faults, Fault{Addr: 0, Reason: err})
			return
		}
		if e.NumPtrs > 0 {
			ptrOff := e.PointersOffset(off)
			for i := 0; i < int(e.NumPtrs); i++ {
				start := ptrOff + i*gfs2.PointerSize
				if start+gfs2.PointerSize > len(block) {
					break
				}
				addr := binary.BigEndian.Uint64(block[start : start+gfs2.PointerSize])
				if addr != 0 {
					*refs = append(*refs, BlockRef{Addr: addr, Role: RoleEAData})
				}
			}
		}
		if e.IsLast() || e.RecLen == 0 {
			return
		}
		off += int(e.RecLen)
	}
}
