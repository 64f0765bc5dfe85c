package layout

import (
	"fmt"
	"math/bits"

	"github.com/andyprice/gfs2-utils-go/pkg/gfs2"
	"github.com/andyprice/gfs2-utils-go/pkg/rgrp"
	"github.com/andyprice/gfs2-utils-go/pkg/session"
)

// planner carries the state threaded through the staged placement and
// write steps of a single Create/Grow/AddJournals call.
type planner struct {
	sess         *session.Session
	blockSize    int
	strideBase   uint64
	strideOffset uint64
	index        *rgrp.Index
}

// plannedRG is an RG's placement, still in the "planned" state of the
// planned -> header_written -> bitmaps_written -> committed state machine;
// writeRG advances it through the remaining states.
type plannedRG struct {
	addr   uint64
	length uint32
	data0  uint64
	data   uint32
}

// minRGLength is the fewest blocks an RG may occupy: one header block plus
// at least one bitmap block.
const minRGLength = 2

// bitmapBlocksFor returns the number of bitmap blocks required to record
// dataBlocks 2-bit cells, given blockSize-byte blocks. Bitmap block 0 shares
// its physical block with the RG header (reduced cell capacity); every
// later bitmap block is a separate block with a plain meta header.
func bitmapBlocksFor(dataBlocks uint64, blockSize int) uint32 {
	firstCells := uint64((blockSize - gfs2.RGHeaderSize) * gfs2.BitsPerByte)
	cellsPerBlock := uint64((blockSize - gfs2.MetaHeaderSize) * gfs2.BitsPerByte)
	if dataBlocks == 0 {
		return 1
	}
	if dataBlocks <= firstCells {
		return 1
	}
	remaining := dataBlocks - firstCells
	return 1 + uint32((remaining+cellsPerBlock-1)/cellsPerBlock)
}

// layoutRG computes an RG's {length, data} fields for a target total size
// in blocks (header + bitmaps + data), solving for the data count that
// makes the bitmap blocks account for exactly that many data blocks.
func layoutRG(totalBlocks uint64, blockSize int) plannedRG {
	// First approximation: assume one bitmap block, refine once the real
	// bitmap-block count is known. Two passes always converge since
	// bitmapBlocksFor is monotonic in dataBlocks and totalBlocks is fixed.
	bitmapBlocks := uint32(1)
	var dataBlocks uint64
	for i := 0; i < 4; i++ {
		if totalBlocks <= uint64(1+bitmapBlocks) {
			dataBlocks = 0
			break
		}
		dataBlocks = totalBlocks - 1 - uint64(bitmapBlocks)
		next := bitmapBlocksFor(dataBlocks, blockSize)
		if next == bitmapBlocks {
			break
		}
		bitmapBlocks = next
	}
	return plannedRG{
		length: 1 + bitmapBlocks,
		data:   uint32(dataBlocks),
	}
}

// topDinodeFanOut returns the number of pointer slots in the dinode
// block's own pointer array (the first level of a non-stuffed file's
// indirect tree), which is narrower than an ordinary indirect block's
// fan-out because the dinode header is larger.
func topDinodeFanOut(blockSize int) int {
	return (blockSize - gfs2.DinodeSize) / gfs2.PointerSize
}

// indirectPlan returns the minimal tree height and total count of
// intermediate indirect blocks (excluding the dinode block and the leaves
// themselves) needed to address leafCount data blocks, given the dinode
// level's narrower fan-out and an ordinary indirect block's fan-out.
func indirectPlan(leafCount uint64, topFanOut, innerFanOut int) (height int, overhead uint64) {
	if leafCount == 0 {
		return 1, 0
	}
	height = 1
	capacity := uint64(topFanOut) * uint64(innerFanOut)
	for capacity < leafCount {
		height++
		capacity *= uint64(innerFanOut)
	}
	levelCount := leafCount
	for h := height; h >= 1; h-- {
		levelCount = (levelCount + uint64(innerFanOut) - 1) / uint64(innerFanOut)
		overhead += levelCount
	}
	return height, overhead
}

// chunkUint64 splits s into consecutive groups of at most size elements.
func chunkUint64(s []uint64, size int) [][]uint64 {
	var out [][]uint64
	for i := 0; i < len(s); i += size {
		end := i + size
		if end > len(s) {
			end = len(s)
		}
		out = append(out, s[i:end])
	}
	return out
}

// buildIndirectTree writes the height-levelled indirect-pointer tree over
// leaves, consuming indirectAddrs (pre-allocated, exactly sized by
// indirectPlan's overhead) one per intermediate node in bottom-up order,
// and returns the top-level pointer array meant for the dinode block
// itself.
func (p *planner) buildIndirectTree(leaves []uint64, height int, indirectAddrs []uint64, gen gfs2.Generation) ([]uint64, error) {
	fanOut := gfs2.FanOut(p.blockSize, gen)
	headerSize := gfs2.IndirectHeaderSizeFor(gen)
	cur := leaves
	idx := 0
	for level := height; level >= 1; level-- {
		groups := chunkUint64(cur, fanOut)
		next := make([]uint64, len(groups))
		for gi, group := range groups {
			addr := indirectAddrs[idx]
			idx++
			next[gi] = addr

			buf, err := p.sess.Cache.Acquire(addr)
			if err != nil {
				return nil, err
			}
			mh := gfs2.MetaHeader{Magic: gfs2.Magic, Type: gfs2.MetaTypeIN, Format: gfs2.FormatIN}
			mh.Encode(buf.Bytes)
			gfs2.EncodePointers(group, headerSize, buf.Bytes)
			buf.MarkDirty()
			if err := p.sess.Cache.Release(buf); err != nil {
				return nil, err
			}
		}
		cur = next
	}
	if idx != len(indirectAddrs) {
		return nil, fmt.Errorf("%w: indirect tree used %d of %d planned blocks", gfs2.ErrConstraint, idx, len(indirectAddrs))
	}
	return cur, nil
}

// sizeJournalRG computes the RG placement needed to hold one journal of
// contentBlocks data blocks: its dinode, the indirect-tree overhead
// indirectPlan derives, and the bitmap blocks that follow from the
// resulting data-region size.
func (p *planner) sizeJournalRG(contentBlocks uint64, gen gfs2.Generation) (rg plannedRG, height int, overhead uint64) {
	topFanOut := topDinodeFanOut(p.blockSize)
	innerFanOut := gfs2.FanOut(p.blockSize, gen)
	height, overhead = indirectPlan(contentBlocks, topFanOut, innerFanOut)
	data := contentBlocks + overhead + 1 // +1 for the journal's own dinode block
	bitmapBlocks := bitmapBlocksFor(data, p.blockSize)
	rg = plannedRG{length: 1 + bitmapBlocks, data: uint32(data)}
	return rg, height, overhead
}

// zeroFillGap zeroes every block in [from, to), the range stripe alignment
// skips between the previous RG's end and the next aligned header, so no
// stale bytes survive between successive RGs.
func (p *planner) zeroFillGap(from, to uint64) error {
	for addr := from; addr < to; addr++ {
		buf, err := p.sess.Cache.Acquire(addr)
		if err != nil {
			return err
		}
		for i := range buf.Bytes {
			buf.Bytes[i] = 0
		}
		buf.MarkDirty()
		if err := p.sess.Cache.Release(buf); err != nil {
			return err
		}
	}
	return nil
}

// planJournals places opts.JournalCount journals, one per RG, each RG
// sized to hold exactly that journal's data blocks plus its own header,
// indirect-tree, and bitmap overhead. Every journal's
// dinode is given a real indirect tree over its contiguous data blocks
// (never left "stuffed"), so the journal walker and a full savemeta dump
// can both read its content back through the ordinary tree-walk path. It
// returns the placed journals and the cursor immediately after the last
// journal RG.
func (p *planner) planJournals(cursor, deviceBlocks uint64, count int, journalSizeBlocks uint64) ([]plannedJournal, uint64, error) {
	const gen = gfs2.GenerationCurrent // mkfs only ever writes the current generation

	journals := make([]plannedJournal, 0, count)
	for i := 0; i < count; i++ {
		addr := rgrp.Align(cursor, p.strideBase, p.strideOffset)
		if err := p.zeroFillGap(cursor, addr); err != nil {
			return nil, 0, err
		}

		rg, height, overhead := p.sizeJournalRG(journalSizeBlocks, gen)
		rg.addr = addr
		rg.data0 = addr + uint64(rg.length)

		if rg.data0+uint64(rg.data) > deviceBlocks {
			return nil, 0, fmt.Errorf("%w: device too small for %d journals", gfs2.ErrConstraint, count)
		}

		dinodeAddr := rg.data0
		indirectAddrs := make([]uint64, overhead)
		for k := range indirectAddrs {
			indirectAddrs[k] = rg.data0 + 1 + uint64(k)
		}
		contentAddrs := make([]uint64, journalSizeBlocks)
		for k := range contentAddrs {
			contentAddrs[k] = rg.data0 + 1 + overhead + uint64(k)
		}

		j := plannedJournal{
			rgAddr:        addr,
			inodeAddr:     dinodeAddr,
			sizeBlocks:    journalSizeBlocks,
			height:        height,
			indirectAddrs: indirectAddrs,
			contentAddrs:  contentAddrs,
		}
		journals = append(journals, j)

		rgHandle := &rgrp.RG{Addr: rg.addr, Length: rg.length, Data0: rg.data0, Data: rg.data}
		if err := p.writeRG(rgHandle); err != nil {
			return nil, 0, err
		}
		p.index.Insert(rgHandle)

		cursor = rg.data0 + uint64(rg.data)
	}
	return journals, cursor, nil
}

// planRGs lays out count RGs of rgSizeBlocks back to back starting at
// cursor, each aligned per the stride parameters with any gap alignment
// opens zeroed on disk; the final RG may be truncated to fit before
// deviceBlocks.
func (p *planner) planRGs(cursor, deviceBlocks uint64, rgSizeBlocks uint32, count int) ([]*rgrp.RG, error) {
	rgs := make([]*rgrp.RG, 0, count)
	for i := 0; i < count; i++ {
		addr := rgrp.Align(cursor, p.strideBase, p.strideOffset)
		if err := p.zeroFillGap(cursor, addr); err != nil {
			return nil, err
		}
		size := uint64(rgSizeBlocks)
		if addr+size > deviceBlocks {
			size = deviceBlocks - addr
		}
		rg := layoutRG(size, p.blockSize)
		if rg.length < minRGLength || rg.data == 0 {
			break
		}
		rg.addr = addr
		rg.data0 = addr + uint64(rg.length)

		rgs = append(rgs, &rgrp.RG{Addr: rg.addr, Length: rg.length, Data0: rg.data0, Data: rg.data})
		cursor = rg.data0 + uint64(rg.data)
	}
	return rgs, nil
}

// totalBitBytes sums the bitmap-bearing bytes across every bitmap block in
// an RG of the given length: block 0 shares its bytes with the RG header,
// and each of the remaining length-1 blocks is a plain-meta-header bitmap
// block.
func totalBitBytes(length uint32, blockSize int) uint32 {
	if length == 0 {
		return 0
	}
	return uint32(blockSize-gfs2.RGHeaderSize) + (length-1)*uint32(blockSize-gfs2.MetaHeaderSize)
}

// writeRG writes an RG's header block and zeroes its bitmap blocks,
// advancing it through header_written -> bitmaps_written -> committed (the
// RG is "committed" once its buffers are released; the containing
// Create/Grow call is responsible for the final fsync).
func (p *planner) writeRG(rg *rgrp.RG) error {
	rg.BitBytes = totalBitBytes(rg.Length, p.blockSize)
	hdr := gfs2.RGHeader{
		Header:   gfs2.MetaHeader{Magic: gfs2.Magic, Type: gfs2.MetaTypeRG, Format: gfs2.FormatRG},
		Free:     rg.Data,
		Data0:    rg.Data0,
		Data:     rg.Data,
		BitBytes: rg.BitBytes,
	}
	buf, err := p.sess.Cache.Acquire(rg.Addr)
	if err != nil {
		return err
	}
	gfs2.EncodeRGHeader(hdr, buf.Bytes)
	buf.MarkDirty()
	if err := p.sess.Cache.Release(buf); err != nil {
		return err
	}

	for i := uint32(1); i < rg.Length; i++ {
		bbuf, err := p.sess.Cache.Acquire(rg.Addr + uint64(i))
		if err != nil {
			return err
		}
		mh := gfs2.MetaHeader{Magic: gfs2.Magic, Type: gfs2.MetaTypeRB, Format: gfs2.FormatRB}
		mh.Encode(bbuf.Bytes)
		for j := gfs2.MetaHeaderSize; j < len(bbuf.Bytes); j++ {
			bbuf.Bytes[j] = 0
		}
		bbuf.MarkDirty()
		if err := p.sess.Cache.Release(bbuf); err != nil {
			return err
		}
	}

	rg.Header = hdr
	return nil
}

// allocBlock finds the first free data block across every RG the planner
// knows about, marks it used as a metadata block, and returns its address.
// Used only for the handful of system dinodes the master directory needs;
// ordinary file allocation belongs to a higher layer this core doesn't
// implement.
func (p *planner) allocBlock() (uint64, error) {
	for _, rg := range p.index.All() {
		for i := 0; i < int(rg.Length); i++ {
			free, err := p.index.Scan(rg, i, gfs2.BlockFree)
			if err != nil {
				return 0, err
			}
			if len(free) == 0 {
				continue
			}
			addr := free[0]
			if err := p.index.SetState(rg, addr, gfs2.BlockDinode); err != nil {
				return 0, err
			}
			return addr, nil
		}
	}
	return 0, fmt.Errorf("%w: no free blocks for system inode", gfs2.ErrResourceExhaustion)
}

// writeRindexRecords packs one RindexRecord per rg into the rindex
// dinode's stuffed data region and updates its size. Only the stuffed form
// is written: at RindexRecordSize bytes a record, a 4096-byte block holds
// 40 records after the dinode header, and more records than fit return
// ErrConstraint.
func (p *planner) writeRindexRecords(rindexAddr uint64, rgs []*rgrp.RG) error {
	size := len(rgs) * gfs2.RindexRecordSize
	if gfs2.DinodeSize+size > p.blockSize {
		return fmt.Errorf("%w: %d rindex records do not fit stuffed in a %d-byte block", gfs2.ErrConstraint, len(rgs), p.blockSize)
	}

	buf, err := p.sess.Cache.Acquire(rindexAddr)
	if err != nil {
		return err
	}
	d, err := gfs2.DecodeDinode(buf.Bytes)
	if err != nil {
		return err
	}
	d.Size = uint64(size)

	payload := make([]byte, size)
	for i, rg := range rgs {
		rec := gfs2.RindexRecord{Addr: rg.Addr, Length: rg.Length, Data0: rg.Data0, Data: rg.Data, BitBytes: rg.BitBytes}
		gfs2.EncodeRindexRecord(rec, payload[i*gfs2.RindexRecordSize:(i+1)*gfs2.RindexRecordSize])
	}
	gfs2.EncodeDinode(d, buf.Bytes)
	copy(buf.Bytes[gfs2.DinodeSize:], payload)
	buf.MarkDirty()
	return p.sess.Cache.Release(buf)
}

// writeDinode encodes and writes d at its own address.
func (p *planner) writeDinode(d gfs2.Dinode) error {
	buf, err := p.sess.Cache.Acquire(d.Num.Addr)
	if err != nil {
		return err
	}
	gfs2.EncodeDinode(d, buf.Bytes)
	buf.MarkDirty()
	return p.sess.Cache.Release(buf)
}

// masterSystemFiles names the master directory's direct children, in the
// order buildMasterDirectory allocates them. "master" and "root" are the
// master directory and the filesystem root themselves.
var masterSystemFiles = []string{"master", "root", "rindex", "jindex", "per_node", "inum", "statfs", "quota"}

// dirChild is one named entry to pack into a directory's leaf block.
type dirChild struct {
	name  string
	inum  gfs2.Inum
	isDir bool
}

// buildMasterDirectory first writes a dinode for each already-placed
// journal at the address planJournals reserved for it, then allocates and
// writes the master directory's system dinodes (rindex, jindex, per_node,
// inum, statfs, quota) and the filesystem root. Every directory created
// here (root, master, jindex, per_node) is populated with real
// "."/".."/named-child dirents so savemeta, restoremeta, and the journal
// walker can resolve system files by name through the master directory,
// rather than only by the hard-coded addresses this package already knows.
func (p *planner) buildMasterDirectory(journals []plannedJournal) (*masterDirectory, error) {
	// Journal dinodes first: writeJournalDinode marks every block the
	// journal reserves in the bitmap, so the allocations below can't be
	// handed a block the journal already owns.
	for _, j := range journals {
		if err := p.writeJournalDinode(j); err != nil {
			return nil, err
		}
	}

	addrs := make(map[string]uint64, len(masterSystemFiles))
	for _, name := range masterSystemFiles {
		addr, err := p.allocBlock()
		if err != nil {
			return nil, fmt.Errorf("allocating %s: %w", name, err)
		}
		addrs[name] = addr

		isDir := name == "master" || name == "root" || name == "jindex" || name == "per_node"
		if err := p.writeDinode(newSystemDinode(addr, isDir, 0)); err != nil {
			return nil, err
		}
	}

	inumOf := func(name string) gfs2.Inum {
		a := addrs[name]
		return gfs2.Inum{FormalIno: a, Addr: a}
	}

	if err := p.writeDirDinode(addrs["root"], inumOf("root"), inumOf("root"), nil); err != nil {
		return nil, err
	}
	if err := p.writeDirDinode(addrs["per_node"], inumOf("per_node"), inumOf("master"), nil); err != nil {
		return nil, err
	}

	jchildren := make([]dirChild, len(journals))
	for i, j := range journals {
		jchildren[i] = dirChild{
			name:  gfs2.JournalName(i),
			inum:  gfs2.Inum{FormalIno: j.inodeAddr, Addr: j.inodeAddr},
			isDir: false,
		}
	}
	if err := p.writeDirDinode(addrs["jindex"], inumOf("jindex"), inumOf("master"), jchildren); err != nil {
		return nil, err
	}

	mchildren := []dirChild{
		{name: gfs2.SystemRindex, inum: inumOf("rindex")},
		{name: gfs2.SystemJindex, inum: inumOf("jindex"), isDir: true},
		{name: gfs2.SystemPerNode, inum: inumOf("per_node"), isDir: true},
		{name: gfs2.SystemInum, inum: inumOf("inum")},
		{name: gfs2.SystemStatfs, inum: inumOf("statfs")},
		{name: gfs2.SystemQuota, inum: inumOf("quota")},
	}
	if err := p.writeDirDinode(addrs["master"], inumOf("master"), inumOf("master"), mchildren); err != nil {
		return nil, err
	}

	return &masterDirectory{
		addr:        addrs["master"],
		rootAddr:    addrs["root"],
		rindexAddr:  addrs["rindex"],
		jindexAddr:  addrs["jindex"],
		perNodeAddr: addrs["per_node"],
		inumAddr:    addrs["inum"],
		statfsAddr:  addrs["statfs"],
		quotaAddr:   addrs["quota"],
	}, nil
}

// writeJournalDinode marks j's reserved blocks in the bitmap, builds the
// indirect-pointer tree planJournals already sized over its content blocks,
// and writes the journal's dinode with the resulting height and top-level
// pointer array, so it is never mistaken for a stuffed (inline-data) file
// regardless of how large the journal is.
func (p *planner) writeJournalDinode(j plannedJournal) error {
	const gen = gfs2.GenerationCurrent

	markUsed := func(addr uint64, state int) error {
		rg, ok := p.index.BlockToRG(addr)
		if !ok {
			return fmt.Errorf("%w: journal block %d not in any rg", gfs2.ErrConstraint, addr)
		}
		return p.index.SetState(rg, addr, state)
	}

	if err := markUsed(j.inodeAddr, gfs2.BlockDinode); err != nil {
		return err
	}
	for _, addr := range j.indirectAddrs {
		if err := markUsed(addr, gfs2.BlockDinode); err != nil {
			return err
		}
	}
	for _, addr := range j.contentAddrs {
		if err := markUsed(addr, gfs2.BlockUsed); err != nil {
			return err
		}
	}

	topPtrs, err := p.buildIndirectTree(j.contentAddrs, j.height, j.indirectAddrs, gen)
	if err != nil {
		return err
	}

	d := newSystemDinode(j.inodeAddr, false, uint64(len(j.contentAddrs))*uint64(p.blockSize))
	d.Height = uint16(j.height)

	buf, err := p.sess.Cache.Acquire(j.inodeAddr)
	if err != nil {
		return err
	}
	gfs2.EncodeDinode(d, buf.Bytes)
	gfs2.EncodePointers(topPtrs, gfs2.DinodeSize, buf.Bytes)
	buf.MarkDirty()
	return p.sess.Cache.Release(buf)
}

// writeDirDinode packs self/parent plus children into addr's own block
// (the leaf of a height-0, non-exhash directory per the data model), then
// rewrites just the dinode header portion of that same block with the
// resulting entry count and byte size, leaving the dirents untouched.
func (p *planner) writeDirDinode(addr uint64, self, parent gfs2.Inum, children []dirChild) error {
	entries, size, err := p.writeDirEntries(addr, self, parent, children)
	if err != nil {
		return err
	}

	buf, err := p.sess.Cache.Acquire(addr)
	if err != nil {
		return err
	}
	d, err := gfs2.DecodeDinode(buf.Bytes)
	if err != nil {
		p.sess.Cache.Release(buf)
		return err
	}
	d.Entries = entries
	d.Size = size
	gfs2.EncodeDinode(d, buf.Bytes[:gfs2.DinodeSize])
	buf.MarkDirty()
	return p.sess.Cache.Release(buf)
}

// writeDirEntries packs "."/".."/children into dirAddr's own block starting
// right after the dinode header, the on-disk layout a directory without
// EXHASH uses (its own block doubles as its single leaf). The block is
// expected to already be zeroed (by a prior writeDinode call) beyond the
// dinode header; writeDirEntries never re-zeroes it, so it must run after
// that placeholder write and before any later EncodeDinode call that isn't
// scoped to b[:DinodeSize].
func (p *planner) writeDirEntries(dirAddr uint64, self, parent gfs2.Inum, children []dirChild) (uint32, uint64, error) {
	buf, err := p.sess.Cache.Acquire(dirAddr)
	if err != nil {
		return 0, 0, err
	}

	off := gfs2.DinodeSize
	put := func(inum gfs2.Inum, name string, isDir bool) error {
		recLen := int(gfs2.AlignedDirentSize(len(name)))
		if off+recLen > len(buf.Bytes) {
			return fmt.Errorf("%w: directory block too small for entry %q", gfs2.ErrConstraint, name)
		}
		typ := uint16(gfs2.DtReg)
		if isDir {
			typ = gfs2.DtDir
		}
		d := gfs2.Dirent{
			Inum:    inum,
			Hash:    gfs2.DirentHash(name),
			RecLen:  uint16(recLen),
			NameLen: uint16(len(name)),
			Type:    typ,
			Name:    name,
		}
		gfs2.EncodeDirent(d, buf.Bytes[off:off+recLen])
		off += recLen
		return nil
	}

	if err := put(self, ".", true); err != nil {
		p.sess.Cache.Release(buf)
		return 0, 0, err
	}
	if err := put(parent, "..", true); err != nil {
		p.sess.Cache.Release(buf)
		return 0, 0, err
	}
	entries := uint32(2)
	for _, c := range children {
		if err := put(c.inum, c.name, c.isDir); err != nil {
			p.sess.Cache.Release(buf)
			return 0, 0, err
		}
		entries++
	}

	buf.MarkDirty()
	size := uint64(off - gfs2.DinodeSize)
	if err := p.sess.Cache.Release(buf); err != nil {
		return 0, 0, err
	}
	return entries, size, nil
}

// commitSuperblock writes the filesystem's singleton superblock, the last
// structure touched by a mkfs: its presence (found via the fixed
// SBAddrBytes offset) is what turns raw preallocated structure into a
// filesystem a kernel will mount.
func (p *planner) commitSuperblock(sbAddr uint64, blockSize int, master *masterDirectory, opts session.Options, uuidBytes [gfs2.UUIDLen]byte) error {
	sb := gfs2.Superblock{
		Header:          gfs2.MetaHeader{Magic: gfs2.Magic, Type: gfs2.MetaTypeSB, Format: gfs2.FormatSB},
		FSFormat:        gfs2.FormatFS,
		MultihostFormat: gfs2.FormatMultihost,
		BlockSize:       uint32(blockSize),
		BlockSizeShift:  uint32(bits.TrailingZeros(uint(blockSize))),
		MasterDir:       gfs2.Inum{FormalIno: master.addr, Addr: master.addr},
		RootDir:         gfs2.Inum{FormalIno: master.rootAddr, Addr: master.rootAddr},
		UUID:            uuidBytes,
	}
	copy(sb.LockProto[:], opts.LockProto)
	copy(sb.LockTable[:], opts.LockTable)

	buf, err := p.sess.Cache.Acquire(sbAddr)
	if err != nil {
		return err
	}
	gfs2.EncodeSuperblock(sb, buf.Bytes)
	buf.MarkDirty()
	return p.sess.Cache.Release(buf)
}
