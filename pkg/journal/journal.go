// Package journal walks one journal's circular log from its wrap point,
// classifying each block by its meta header and, when a target block is
// given, reporting every log-descriptor reference to it. It never writes
// to the device; like savemeta, it opens the session read-only.
package journal

import (
	"fmt"
	"io"

	"github.com/andyprice/gfs2-utils-go/pkg/dinode"
	"github.com/andyprice/gfs2-utils-go/pkg/gfs2"
	"github.com/andyprice/gfs2-utils-go/pkg/rgrp"
	"github.com/andyprice/gfs2-utils-go/pkg/session"
)

// Result summarizes a completed walk.
type Result struct {
	BlocksWalked uint64
	WrapPoint    uint64
	Matches      int
}

// Walk resolves the ordinal'th journal via jindex, finds its wrap point,
// and emits one human-readable line per block to w in wrap-adjusted order.
// When traceBlock is non-nil, Walk also resolves the RG and bitmap block
// that governs *traceBlock and reports every log-descriptor pointer that
// references either address.
func Walk(sess *session.Session, ordinal int, traceBlock *uint64, w io.Writer) (*Result, error) {
	sb, err := readSuperblock(sess)
	if err != nil {
		return nil, err
	}
	sess.Device.SetBlockSize(int(sb.BlockSize))
	blockSize := int(sb.BlockSize)

	walker := &dinode.Walker{Cache: sess.Cache, BlockSize: blockSize, Generation: sb.Generation()}
	jw := &walk{sess: sess, sb: sb, walker: walker, blockSize: blockSize, out: w}

	d, err := jw.resolveJournal(ordinal)
	if err != nil {
		return nil, err
	}
	addrs, faults, err := walker.DataAddrs(d)
	if err != nil {
		return nil, fmt.Errorf("reading journal %d block list: %w", ordinal, err)
	}
	for _, f := range faults {
		sess.Log.Warnf("journal %d: skipping unreadable block at %d: %v", ordinal, f.Addr, f.Reason)
	}
	if len(addrs) == 0 {
		return &Result{}, nil
	}

	if traceBlock != nil {
		if err := jw.resolveTrace(*traceBlock); err != nil {
			return nil, err
		}
	}

	wrapPoint, err := jw.findWrapPoint(addrs)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(w, "journal %d: %d blocks, wrap point at logical block %d\n", ordinal, len(addrs), wrapPoint)

	res := &Result{WrapPoint: uint64(wrapPoint)}
	i := wrapPoint
	visited := 0
	for visited < len(addrs) {
		consumed, err := jw.walkBlock(addrs, i, res)
		if err != nil {
			return res, err
		}
		res.BlocksWalked += uint64(consumed)
		visited += consumed
		i = (i + consumed) % len(addrs)
	}
	return res, nil
}

type walk struct {
	sess      *session.Session
	sb        gfs2.Superblock
	walker    *dinode.Walker
	blockSize int
	out       io.Writer

	traceAddr   uint64
	traceBitblk uint64
	traceRG     *rgrp.RG
	traceIndex  *rgrp.Index
	haveTrace   bool
}

// readSuperblock reads the superblock directly off the device, bypassing
// the cache, since the cache's block size isn't known to be correct until
// the superblock itself has been decoded.
func readSuperblock(sess *session.Session) (gfs2.Superblock, error) {
	raw, err := sess.Device.PreadRange(gfs2.SBAddrBytes, gfs2.SuperblockSize)
	if err != nil {
		return gfs2.Superblock{}, err
	}
	return gfs2.DecodeSuperblock(raw)
}

// resolveJournal looks up journalN under jindex, itself found under the
// master directory, mirroring savemeta's system-file resolution.
func (jw *walk) resolveJournal(ordinal int) (gfs2.Dinode, error) {
	masterAddr := jw.sb.MasterDir.Addr
	if jw.sb.Generation() == gfs2.GenerationLegacy {
		return gfs2.Dinode{}, fmt.Errorf("%w: legacy generation has no jindex directory to resolve journals by ordinal", gfs2.ErrConstraint)
	}

	_, jindexDinode, err := jw.lookupChild(masterAddr, gfs2.SystemJindex)
	if err != nil {
		return gfs2.Dinode{}, err
	}

	name := gfs2.JournalName(ordinal)
	_, journalDinode, err := jw.lookupChild(jindexDinode.Num.Addr, name)
	if err != nil {
		return gfs2.Dinode{}, fmt.Errorf("journal %q: %w", name, err)
	}
	return journalDinode, nil
}

// lookupChild resolves name as a child of the directory dinode at dirAddr
// and reads its own dinode.
func (jw *walk) lookupChild(dirAddr uint64, name string) (gfs2.Inum, gfs2.Dinode, error) {
	dirBuf, err := jw.sess.Cache.Acquire(dirAddr)
	if err != nil {
		return gfs2.Inum{}, gfs2.Dinode{}, err
	}
	dirDinode, err := gfs2.DecodeDinode(dirBuf.Bytes)
	jw.sess.Cache.Release(dirBuf)
	if err != nil {
		return gfs2.Inum{}, gfs2.Dinode{}, err
	}

	inum, ok, err := jw.walker.Lookup(dirDinode, name)
	if err != nil {
		return gfs2.Inum{}, gfs2.Dinode{}, err
	}
	if !ok {
		return gfs2.Inum{}, gfs2.Dinode{}, fmt.Errorf("%w: %q not found", gfs2.ErrMalformed, name)
	}

	buf, err := jw.sess.Cache.Acquire(inum.Addr)
	if err != nil {
		return gfs2.Inum{}, gfs2.Dinode{}, err
	}
	d, err := gfs2.DecodeDinode(buf.Bytes)
	jw.sess.Cache.Release(buf)
	if err != nil {
		return gfs2.Inum{}, gfs2.Dinode{}, err
	}
	return inum, d, nil
}

// resolveTrace loads the rindex and finds which RG and bitmap block govern
// addr's 2-bit allocation cell.
func (jw *walk) resolveTrace(addr uint64) error {
	masterAddr := jw.sb.MasterDir.Addr
	_, rindexDinode, err := jw.lookupChild(masterAddr, gfs2.SystemRindex)
	if err != nil {
		return err
	}
	data, faults, err := jw.walker.ReadData(rindexDinode)
	if err != nil {
		return err
	}
	for _, f := range faults {
		jw.sess.Log.Warnf("rindex: skipping unreadable block at %d: %v", f.Addr, f.Reason)
	}
	records, err := rgrp.ParseRindex(data)
	if err != nil {
		return err
	}
	idx := rgrp.NewIndex(jw.sess.Cache, jw.blockSize)
	if err := idx.Load(records); err != nil {
		return err
	}
	rg, ok := idx.BlockToRG(addr)
	if !ok {
		return fmt.Errorf("%w: trace block %d is not in any rg's data range", gfs2.ErrConstraint, addr)
	}
	bitmapIndex, _, err := idx.Locate(rg, addr)
	if err != nil {
		return err
	}

	jw.haveTrace = true
	jw.traceAddr = addr
	jw.traceBitblk = rg.Addr + uint64(bitmapIndex)
	jw.traceRG = rg
	jw.traceIndex = idx
	return nil
}

// findWrapPoint reads every block of the journal in logical order, tracking
// log-header sequence numbers; the first block whose sequence is less than
// the running maximum is the wrap point. If no drop occurs, the wrap point
// is zero.
func (jw *walk) findWrapPoint(addrs []uint64) (int, error) {
	var maxSeq uint64
	haveMax := false
	for i, addr := range addrs {
		buf, err := jw.sess.Cache.Acquire(addr)
		if err != nil {
			return 0, err
		}
		typ, ok := gfs2.Classify(buf.Bytes)
		if !ok || typ != gfs2.MetaTypeLH {
			jw.sess.Cache.Release(buf)
			continue
		}
		lh, err := gfs2.DecodeLogHeader(buf.Bytes)
		jw.sess.Cache.Release(buf)
		if err != nil {
			continue
		}
		if haveMax && lh.Sequence < maxSeq {
			return i, nil
		}
		maxSeq = lh.Sequence
		haveMax = true
	}
	return 0, nil
}

// walkBlock classifies the block at logical index i and emits a line
// describing it. It returns how many journal blocks the caller should
// advance past (more than one when a log-descriptor's pointer array
// overflows into continuation log-buffer blocks this call already
// consumed).
func (jw *walk) walkBlock(addrs []uint64, i int, res *Result) (int, error) {
	addr := addrs[i]
	buf, err := jw.sess.Cache.Acquire(addr)
	if err != nil {
		return 0, fmt.Errorf("%w: reading journal block %d: %v", gfs2.ErrIO, addr, err)
	}
	typ, ok := gfs2.Classify(buf.Bytes)
	if !ok {
		jw.sess.Cache.Release(buf)
		fmt.Fprintf(jw.out, "[%d] addr=%d malformed meta header, skipping\n", i, addr)
		return 1, nil
	}

	switch typ {
	case gfs2.MetaTypeLH:
		lh, err := gfs2.DecodeLogHeader(buf.Bytes)
		jw.sess.Cache.Release(buf)
		if err != nil {
			fmt.Fprintf(jw.out, "[%d] addr=%d malformed log-header: %v\n", i, addr, err)
			return 1, nil
		}
		fmt.Fprintf(jw.out, "[%d] addr=%d log-header seq=%d tail=%d blkno=%d local_total=%d local_free=%d local_dinodes=%d flags=0x%x\n",
			i, addr, lh.Sequence, lh.Tail, lh.Blkno, lh.LocalTotal, lh.LocalFree, lh.LocalDinodes, lh.Flags)
		return 1, nil

	case gfs2.MetaTypeLD:
		ld, err := gfs2.DecodeLogDescriptor(buf.Bytes)
		if err != nil {
			jw.sess.Cache.Release(buf)
			fmt.Fprintf(jw.out, "[%d] addr=%d malformed log-descriptor: %v\n", i, addr, err)
			return 1, nil
		}
		firstPtrs, perr := gfs2.LogDescriptorPointers(buf.Bytes)
		jw.sess.Cache.Release(buf)
		if perr != nil {
			fmt.Fprintf(jw.out, "[%d] addr=%d log-descriptor type=%d malformed pointer array: %v\n", i, addr, ld.Type, perr)
			return 1, nil
		}
		fmt.Fprintf(jw.out, "[%d] addr=%d log-descriptor type=%d length=%d blocks=%d\n", i, addr, ld.Type, ld.Length, ld.Data1)

		ptrs, consumed, err := jw.collectDescriptorPointers(addrs, i, firstPtrs, int(ld.Data1))
		if err != nil {
			fmt.Fprintf(jw.out, "[%d] addr=%d log-descriptor: %v\n", i, addr, err)
			return 1, nil
		}

		jdataAddrs := addrs
		jdataStart := i + consumed
		for pi, p := range ptrs {
			if p == 0 {
				continue
			}
			jw.reportReference(i, p, res)

			if ld.Type == gfs2.LogDescMetadata && jw.haveTrace && (p == jw.traceAddr || p == jw.traceBitblk) && len(jdataAddrs) > 0 {
				jdi := (jdataStart + pi) % len(jdataAddrs)
				jw.reportJournaledCopy(jdataAddrs[jdi], p)
			}
		}
		return consumed, nil

	case gfs2.MetaTypeLB:
		jw.sess.Cache.Release(buf)
		fmt.Fprintf(jw.out, "[%d] addr=%d log-buffer (continuation)\n", i, addr)
		return 1, nil

	default:
		jw.sess.Cache.Release(buf)
		fmt.Fprintf(jw.out, "[%d] addr=%d %s, ignored\n", i, addr, gfs2.TypeName(typ))
		return 1, nil
	}
}

// collectDescriptorPointers gathers wantCount pointers starting with
// firstPtrs (already decoded from the descriptor block itself), spilling
// into as many following log-buffer blocks as needed. It returns the
// collected pointers and the total number of journal blocks consumed
// (the descriptor block plus any continuation blocks).
func (jw *walk) collectDescriptorPointers(addrs []uint64, descIndex int, firstPtrs []uint64, wantCount int) ([]uint64, int, error) {
	var out []uint64
	take := wantCount
	if take > len(firstPtrs) {
		take = len(firstPtrs)
	}
	out = append(out, firstPtrs[:take]...)
	remaining := wantCount - take
	consumed := 1

	for remaining > 0 {
		nextIndex := (descIndex + consumed) % len(addrs)
		if nextIndex == descIndex {
			return out, consumed, fmt.Errorf("%w: pointer array overflow exceeds journal length", gfs2.ErrMalformed)
		}
		buf, err := jw.sess.Cache.Acquire(addrs[nextIndex])
		if err != nil {
			return out, consumed, err
		}
		typ, ok := gfs2.Classify(buf.Bytes)
		if !ok || typ != gfs2.MetaTypeLB {
			jw.sess.Cache.Release(buf)
			return out, consumed, fmt.Errorf("%w: expected log-buffer continuation at block %d", gfs2.ErrMalformed, addrs[nextIndex])
		}
		ptrs, perr := gfs2.LogBufferPointers(buf.Bytes)
		jw.sess.Cache.Release(buf)
		if perr != nil {
			return out, consumed, perr
		}
		take = remaining
		if take > len(ptrs) {
			take = len(ptrs)
		}
		out = append(out, ptrs[:take]...)
		remaining -= take
		consumed++
	}
	return out, consumed, nil
}

// reportReference logs a descriptor pointer matching the trace target or
// its governing bitmap block.
func (jw *walk) reportReference(descIndex int, p uint64, res *Result) {
	if !jw.haveTrace || (p != jw.traceAddr && p != jw.traceBitblk) {
		return
	}
	res.Matches++
	if p == jw.traceAddr {
		fmt.Fprintf(jw.out, "  [%d] references trace block %d directly\n", descIndex, p)
	} else {
		fmt.Fprintf(jw.out, "  [%d] references bitmap block %d governing trace block %d\n", descIndex, p, jw.traceAddr)
	}
}

// reportJournaledCopy reads a metadata descriptor's journaled copy of the
// referenced block and, when that copy is the trace block's governing
// bitmap block, decodes the trace block's state from it.
func (jw *walk) reportJournaledCopy(journalAddr uint64, targetAddr uint64) {
	buf, err := jw.sess.Cache.Acquire(journalAddr)
	if err != nil {
		fmt.Fprintf(jw.out, "    journaled copy of %d: %v\n", targetAddr, err)
		return
	}
	defer jw.sess.Cache.Release(buf)

	if targetAddr != jw.traceBitblk || jw.traceRG == nil {
		fmt.Fprintf(jw.out, "    journaled copy of block %d at journal offset %d\n", targetAddr, journalAddr)
		return
	}

	bitmapIndex, cellOffset, err := jw.traceIndex.Locate(jw.traceRG, jw.traceAddr)
	if err != nil {
		fmt.Fprintf(jw.out, "    journaled copy of bitmap block %d: %v\n", targetAddr, err)
		return
	}
	headerSize := gfs2.MetaHeaderSize
	if bitmapIndex == 0 {
		headerSize = gfs2.RGHeaderSize
	}
	if headerSize >= len(buf.Bytes) {
		fmt.Fprintf(jw.out, "    journaled copy of bitmap block %d too short to decode\n", targetAddr)
		return
	}
	state := gfs2.CellState(buf.Bytes[headerSize:], cellOffset)
	fmt.Fprintf(jw.out, "    journaled copy of bitmap block %d: trace block %d state=%d\n", targetAddr, jw.traceAddr, state)
}
