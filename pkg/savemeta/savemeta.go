// Package savemeta walks a filesystem's resource groups and dinode trees
// and writes every block worth keeping to an archive stream: a fixed file
// header followed by a dense run of {addr, siglen, payload} block records.
// It never mutates the device; Save opens it read-only through the
// session.
package savemeta

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/andyprice/gfs2-utils-go/pkg/dinode"
	"github.com/andyprice/gfs2-utils-go/pkg/elog"
	"github.com/andyprice/gfs2-utils-go/pkg/gfs2"
	"github.com/andyprice/gfs2-utils-go/pkg/rgrp"
	"github.com/andyprice/gfs2-utils-go/pkg/session"
)

// Mode selects how aggressively the writer trusts the RG bitmaps when
// locating dinode blocks.
type Mode string

const (
	// ModeFull trusts each RG's bitmap to locate dinode blocks and walks
	// every dinode's tree per the selection policy.
	ModeFull Mode = "full"
	// ModeRGsOnly saves only RG header and bitmap blocks, skipping every
	// dinode and its tree. Useful for diagnosing RG-layer corruption
	// without paying for a full metadata walk.
	ModeRGsOnly Mode = "rgs-only"
	// ModeSlow ignores the bitmaps and classifies every data block in
	// each RG directly by its meta header, for filesystems whose
	// bitmaps are themselves suspect.
	ModeSlow Mode = "slow"
)

const (
	fileHeaderMagic   = 0x01171970
	fileHeaderVersion = 1
	fileHeaderSize    = 128
	recordHeaderSize  = 8 + 2 // addr + siglen
)

// Result summarizes a completed save.
type Result struct {
	BlocksSaved uint64
}

// Save walks sess's device and writes an archive to w, framed, and
// gzip-compressed when sess.Options.CompressionLevel is above zero; mode
// selects how dinode blocks are found.
func Save(sess *session.Session, w io.Writer, mode Mode) (*Result, error) {
	sb, err := readSuperblock(sess)
	if err != nil {
		return nil, err
	}
	sess.Device.SetBlockSize(int(sb.BlockSize))
	blockSize := int(sb.BlockSize)

	out := w
	var closeCompressor func() error
	if sess.Options.CompressionLevel > 0 {
		level := sess.Options.CompressionLevel
		if level > gzip.BestCompression {
			level = gzip.BestCompression
		}
		gz, err := gzip.NewWriterLevel(w, level)
		if err != nil {
			return nil, fmt.Errorf("%w: opening gzip writer: %v", gfs2.ErrIO, err)
		}
		out = gz
		closeCompressor = gz.Close
	}

	if err := writeFileHeader(out, sb, sess.Device.LengthBlocks()*uint64(blockSize)); err != nil {
		return nil, err
	}

	walker := &dinode.Walker{Cache: sess.Cache, BlockSize: blockSize, Generation: sb.Generation()}
	s := &saver{
		sess:      sess,
		sb:        sb,
		walker:    walker,
		blockSize: blockSize,
		mode:      mode,
		out:       out,
		seen:      make(map[uint64]bool),
	}

	if err := s.loadIndex(); err != nil {
		return nil, err
	}

	var progress elog.Progress
	if pr, ok := sess.Log.(elog.ProgressReporter); ok {
		progress = pr.NewProgress("savemeta", "%", int64(sess.Device.LengthBlocks()))
		defer progress.Finish(true)
	}
	s.progress = progress
	s.lastReport = time.Time{}

	if sb.Generation() == gfs2.GenerationCurrent {
		if err := s.resolveSystemAddrsCurrent(); err != nil {
			return nil, err
		}
	} else {
		if err := s.resolveSystemAddrsLegacy(); err != nil {
			return nil, err
		}
	}

	// The superblock itself is always saved, in full, first.
	sbBuf, err := sess.Cache.Acquire(gfs2.SBAddrBytes / uint64(blockSize))
	if err != nil {
		return nil, err
	}
	if err := s.emit(sbBuf.Addr, sbBuf.Bytes); err != nil {
		sess.Cache.Release(sbBuf)
		return nil, err
	}
	if err := sess.Cache.Release(sbBuf); err != nil {
		return nil, err
	}

	for _, rg := range s.index.All() {
		if err := s.saveRG(rg); err != nil {
			return nil, err
		}
	}

	if closeCompressor != nil {
		if err := closeCompressor(); err != nil {
			return nil, fmt.Errorf("%w: closing gzip writer: %v", gfs2.ErrIO, err)
		}
	}

	return &Result{BlocksSaved: uint64(len(s.seen))}, nil
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

func writeFileHeader(w io.Writer, sb gfs2.Superblock, fsBytes uint64) error {
	var b [fileHeaderSize]byte
	binary.BigEndian.PutUint32(b[0:4], fileHeaderMagic)
	binary.BigEndian.PutUint32(b[4:8], fileHeaderVersion)
	binary.BigEndian.PutUint64(b[8:16], uint64(time.Now().Unix()))
	binary.BigEndian.PutUint64(b[16:24], fsBytes)
	if _, err := w.Write(b[:]); err != nil {
		return fmt.Errorf("%w: writing file header: %v", gfs2.ErrIO, err)
	}
	return nil
}

type saver struct {
	sess      *session.Session
	sb        gfs2.Superblock
	walker    *dinode.Walker
	blockSize int
	mode      Mode
	out       io.Writer
	index     rgrp.Index

	system map[uint64]bool
	seen   map[uint64]bool

	progress        elog.Progress
	lastReport      time.Time
	blocksSaved     uint64
	lastReportCount uint64
}

func (s *saver) loadIndex() error {
	var rindexDinode gfs2.Dinode
	if s.sb.Generation() == gfs2.GenerationLegacy {
		// No master directory in the legacy generation; the superblock
		// names the rindex inode directly.
		buf, err := s.sess.Cache.Acquire(s.sb.LegacyRindex.Addr)
		if err != nil {
			return err
		}
		rindexDinode, err = gfs2.DecodeDinode(buf.Bytes)
		s.sess.Cache.Release(buf)
		if err != nil {
			return err
		}
	} else {
		var err error
		_, rindexDinode, err = s.lookupSystemFile(s.sb.MasterDir.Addr, gfs2.SystemRindex)
		if err != nil {
			return err
		}
	}

	data, faults, err := s.walker.ReadData(rindexDinode)
	if err != nil {
		return err
	}
	for _, f := range faults {
		s.sess.Log.Warnf("rindex: skipping unreadable block at %d: %v", f.Addr, f.Reason)
	}
	records, err := rgrp.ParseRindex(data)
	if err != nil {
		return err
	}

	idx := rgrp.NewIndex(s.sess.Cache, s.blockSize)
	if err := idx.Load(records); err != nil {
		return err
	}
	s.index = *idx
	return nil
}

// lookupSystemFile resolves name as a child of the directory dinode at
// dirAddr and reads its own dinode.
func (s *saver) lookupSystemFile(dirAddr uint64, name string) (gfs2.Inum, gfs2.Dinode, error) {
	dirBuf, err := s.sess.Cache.Acquire(dirAddr)
	if err != nil {
		return gfs2.Inum{}, gfs2.Dinode{}, err
	}
	dirDinode, err := gfs2.DecodeDinode(dirBuf.Bytes)
	s.sess.Cache.Release(dirBuf)
	if err != nil {
		return gfs2.Inum{}, gfs2.Dinode{}, err
	}

	inum, ok, err := s.walker.Lookup(dirDinode, name)
	if err != nil {
		return gfs2.Inum{}, gfs2.Dinode{}, err
	}
	if !ok {
		return gfs2.Inum{}, gfs2.Dinode{}, fmt.Errorf("%w: system file %q not found", gfs2.ErrMalformed, name)
	}

	buf, err := s.sess.Cache.Acquire(inum.Addr)
	if err != nil {
		return gfs2.Inum{}, gfs2.Dinode{}, err
	}
	d, err := gfs2.DecodeDinode(buf.Bytes)
	s.sess.Cache.Release(buf)
	if err != nil {
		return gfs2.Inum{}, gfs2.Dinode{}, err
	}
	return inum, d, nil
}

// resolveSystemAddrsCurrent builds the set of block addresses that count as
// "system" for the selection policy: the master directory and its direct
// children, every journal listed in jindex, and every inode reachable from
// per_node.
func (s *saver) resolveSystemAddrsCurrent() error {
	s.system = map[uint64]bool{s.sb.MasterDir.Addr: true}

	masterBuf, err := s.sess.Cache.Acquire(s.sb.MasterDir.Addr)
	if err != nil {
		return err
	}
	masterDinode, err := gfs2.DecodeDinode(masterBuf.Bytes)
	s.sess.Cache.Release(masterBuf)
	if err != nil {
		return err
	}

	for _, name := range []string{"rindex", "jindex", "per_node", "inum", "statfs", "quota"} {
		inum, ok, err := s.walker.Lookup(masterDinode, name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		s.system[inum.Addr] = true

		switch name {
		case "jindex":
			if err := s.collectChildren(inum.Addr, 1); err != nil {
				return err
			}
		case "per_node":
			if err := s.collectChildren(inum.Addr, 4); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveSystemAddrsLegacy marks the legacy generation's two named system
// inodes. Legacy journal enumeration (the journal index is a flat record
// list rather than a directory in that generation) is out of scope here;
// a legacy save covers every RG-resident dinode but will not separately
// identify journal inodes as "system", so they fall back to the ordinary
// regular-file selection rule (indirect blocks, not data).
func (s *saver) resolveSystemAddrsLegacy() error {
	s.system = map[uint64]bool{
		s.sb.LegacyRindex.Addr:  true,
		s.sb.LegacyLicense.Addr: true,
	}
	s.sess.Log.Warnf("legacy generation: journal inodes are not separately classified as system files")
	return nil
}

// collectChildren walks a directory's dirents, marking every child as
// system and, for any child that is itself a directory, recursing up to
// depth more levels. per_node holds one subdirectory per node, each
// holding that node's private system files, hence the bounded recursion.
func (s *saver) collectChildren(dirAddr uint64, depth int) error {
	if depth < 0 {
		return nil
	}
	buf, err := s.sess.Cache.Acquire(dirAddr)
	if err != nil {
		return err
	}
	d, err := gfs2.DecodeDinode(buf.Bytes)
	s.sess.Cache.Release(buf)
	if err != nil {
		return err
	}
	if !d.IsDir() {
		return nil
	}

	refs, _ := s.walker.Walk(d, false)
	for _, ref := range refs {
		if ref.Role != dinode.RoleDirLeaf {
			continue
		}
		leafBuf, err := s.sess.Cache.Acquire(ref.Addr)
		if err != nil {
			return err
		}
		start := gfs2.LeafHeaderSize
		if ref.Addr == d.Num.Addr && !d.IsExhash() {
			start = gfs2.DinodeSize
		}
		dirents := gfs2.ScanDirents(leafBuf.Bytes, start, s.blockSize)
		s.sess.Cache.Release(leafBuf)

		for _, de := range dirents {
			if de.Name == "." || de.Name == ".." {
				continue
			}
			s.system[de.Inum.Addr] = true
			if err := s.collectChildren(de.Inum.Addr, depth-1); err != nil {
				return err
			}
		}
	}
	return nil
}

// saveRG saves an RG's header and bitmap blocks, then, unless mode is
// ModeRGsOnly, finds and saves every dinode block the RG holds along with
// its tree.
func (s *saver) saveRG(rg *rgrp.RG) error {
	hdrBuf, err := s.sess.Cache.Acquire(rg.Addr)
	if err != nil {
		return err
	}
	if err := s.emit(hdrBuf.Addr, hdrBuf.Bytes); err != nil {
		s.sess.Cache.Release(hdrBuf)
		return err
	}
	if err := s.sess.Cache.Release(hdrBuf); err != nil {
		return err
	}

	for i := 1; i < int(rg.Length); i++ {
		bmBuf, err := s.sess.Cache.Acquire(rg.Addr + uint64(i))
		if err != nil {
			return err
		}
		if err := s.emit(bmBuf.Addr, bmBuf.Bytes); err != nil {
			s.sess.Cache.Release(bmBuf)
			return err
		}
		if err := s.sess.Cache.Release(bmBuf); err != nil {
			return err
		}
	}

	if s.mode == ModeRGsOnly {
		return nil
	}

	dinodeAddrs, err := s.findDinodeBlocks(rg)
	if err != nil {
		return err
	}
	for _, addr := range dinodeAddrs {
		if err := s.saveDinode(addr); err != nil {
			return err
		}
	}
	return nil
}

// findDinodeBlocks locates every dinode block in rg. ModeSlow classifies
// every data block directly by its meta header rather than trusting the
// bitmap, for RGs whose bitmaps may themselves be corrupt.
func (s *saver) findDinodeBlocks(rg *rgrp.RG) ([]uint64, error) {
	if s.mode == ModeSlow {
		var out []uint64
		for addr := rg.Data0; addr < rg.Data0+uint64(rg.Data); addr++ {
			buf, err := s.sess.Cache.Acquire(addr)
			if err != nil {
				return nil, err
			}
			typ, ok := gfs2.Classify(buf.Bytes)
			s.sess.Cache.Release(buf)
			if ok && typ == gfs2.MetaTypeDI {
				out = append(out, addr)
			}
		}
		return out, nil
	}

	var out []uint64
	for i := 0; i < int(rg.Length); i++ {
		addrs, err := s.index.Scan(rg, i, gfs2.BlockDinode)
		if err != nil {
			return nil, err
		}
		out = append(out, addrs...)
	}
	return out, nil
}

func (s *saver) saveDinode(addr uint64) error {
	buf, err := s.sess.Cache.Acquire(addr)
	if err != nil {
		return err
	}
	d, derr := gfs2.DecodeDinode(buf.Bytes)
	if err := s.emit(buf.Addr, buf.Bytes); err != nil {
		s.sess.Cache.Release(buf)
		return err
	}
	if err := s.sess.Cache.Release(buf); err != nil {
		return err
	}
	if derr != nil {
		// Bitmap said dinode, the block itself disagrees; the block is
		// still saved above, there is nothing further to walk.
		return nil
	}

	isSystem := s.system[addr]
	stopAtIndirect := !d.IsDir() && !isSystem

	refs, _ := s.walker.Walk(d, stopAtIndirect)
	for _, ref := range refs {
		refBuf, err := s.sess.Cache.Acquire(ref.Addr)
		if err != nil {
			return err
		}
		err = s.emit(refBuf.Addr, refBuf.Bytes)
		relErr := s.sess.Cache.Release(refBuf)
		if err != nil {
			return err
		}
		if relErr != nil {
			return relErr
		}
	}
	return nil
}

func (s *saver) emit(addr uint64, block []byte) error {
	if s.seen[addr] {
		return nil
	}
	s.seen[addr] = true

	payload := block
	if s.sess.Options.CompressionLevel == 0 {
		payload = trimTrailingZeros(block)
		if len(payload) == 0 {
			// An all-zero block trims to nothing; the restore side
			// zero-fills unmentioned blocks anyway, so writing a record
			// for it would only add an empty-payload frame.
			return nil
		}
	}
	if len(payload) > s.blockSize {
		payload = payload[:s.blockSize]
	}

	var hdr [recordHeaderSize]byte
	binary.BigEndian.PutUint64(hdr[0:8], addr)
	binary.BigEndian.PutUint16(hdr[8:10], uint16(len(payload)))
	if _, err := s.out.Write(hdr[:]); err != nil {
		return fmt.Errorf("%w: writing record header for block %d: %v", gfs2.ErrIO, addr, err)
	}
	if _, err := s.out.Write(payload); err != nil {
		return fmt.Errorf("%w: writing payload for block %d: %v", gfs2.ErrIO, addr, err)
	}

	s.blocksSaved++
	s.reportProgress()
	return nil
}

func (s *saver) reportProgress() {
	if s.progress == nil {
		return
	}
	now := time.Now()
	if !s.lastReport.IsZero() && now.Sub(s.lastReport) < time.Second {
		return
	}
	s.lastReport = now
	s.progress.Increment(int64(s.blocksSaved - s.lastReportCount))
	s.lastReportCount = s.blocksSaved
}

// trimTrailingZeros drops trailing zero bytes from b, returning a slice of
// b rather than a copy. An all-zero block trims to a zero-length payload.
func trimTrailingZeros(b []byte) []byte {
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}
	return b[:n]
}
