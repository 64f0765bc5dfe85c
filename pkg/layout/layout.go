// Package layout plans and writes a filesystem's resource groups,
// journals, and master metadata tree: the work behind mkfs, grow, and
// jadd. It is the only core that writes new structure rather than reading
// existing structure.
package layout

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/andyprice/gfs2-utils-go/pkg/gfs2"
	"github.com/andyprice/gfs2-utils-go/pkg/rgrp"
	"github.com/andyprice/gfs2-utils-go/pkg/session"
)

const (
	defaultBlockSize = 4096
	minBlockSize     = 512
	pageSize         = 4096

	defaultRGBytes = 1 << 30 // 1 GiB
	minRGBytes     = 32 << 20
	maxRGBytes     = 2 << 30

	defaultJournalBytes = 128 << 20
	minJournalBytes     = 8 << 20
)

var lockTablePattern = regexp.MustCompile(`^[A-Za-z0-9_:-]+$`)

// validateLockSpec enforces the lock protocol / lock table constraints:
// proto is "lock_nolock" or "lock_dlm"; lock_dlm requires "cluster:fs" with
// cluster <=32 chars, fs <=30 chars, exactly one colon, and only
// alphanumerics/-/_/: in either part.
func validateLockSpec(proto, table string) error {
	switch proto {
	case "lock_nolock":
		return nil
	case "lock_dlm":
	default:
		return fmt.Errorf("%w: unknown lock protocol %q", gfs2.ErrConstraint, proto)
	}

	var colon = -1
	for i, c := range table {
		if c == ':' {
			if colon != -1 {
				return fmt.Errorf("%w: lock table %q has more than one colon", gfs2.ErrConstraint, table)
			}
			colon = i
		}
	}
	if colon <= 0 || colon == len(table)-1 {
		return fmt.Errorf("%w: lock table %q must be cluster:fs", gfs2.ErrConstraint, table)
	}
	cluster, fs := table[:colon], table[colon+1:]
	if len(cluster) > 32 {
		return fmt.Errorf("%w: cluster name %q exceeds 32 chars", gfs2.ErrConstraint, cluster)
	}
	if len(fs) > 30 {
		return fmt.Errorf("%w: fs name %q exceeds 30 chars", gfs2.ErrConstraint, fs)
	}
	if !lockTablePattern.MatchString(table) {
		return fmt.Errorf("%w: lock table %q has invalid characters", gfs2.ErrConstraint, table)
	}
	return nil
}

// chooseBlockSize resolves the filesystem block size: an
// explicit forced size wins outright; otherwise prefer the device's
// optimal I/O size, then its physical sector size, so long as either is a
// power of two within [minBlockSize, pageSize]; otherwise fall back to
// defaultBlockSize. A chosen size smaller than the device's logical sector
// size is rejected.
func chooseBlockSize(forced int, topo deviceTopology) (int, error) {
	if forced != 0 {
		if err := validateBlockSize(forced, topo.logicalSectorSize); err != nil {
			return 0, err
		}
		return forced, nil
	}

	for _, candidate := range []int{topo.optimalIOSize, topo.physicalSectorSize} {
		if candidate > 0 && isPowerOfTwo(candidate) && candidate >= minBlockSize && candidate <= pageSize {
			if err := validateBlockSize(candidate, topo.logicalSectorSize); err == nil {
				return candidate, nil
			}
		}
	}

	if err := validateBlockSize(defaultBlockSize, topo.logicalSectorSize); err != nil {
		return 0, err
	}
	return defaultBlockSize, nil
}

func validateBlockSize(size, logicalSectorSize int) error {
	if size < minBlockSize || !isPowerOfTwo(size) {
		return fmt.Errorf("%w: block size %d is not a power of two >= %d", gfs2.ErrConstraint, size, minBlockSize)
	}
	if logicalSectorSize > 0 && size < logicalSectorSize {
		return fmt.Errorf("%w: block size %d smaller than logical sector size %d", gfs2.ErrConstraint, size, logicalSectorSize)
	}
	return nil
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// computeAlignment resolves (strideBase, strideOffset) in blocks:
// explicit stripe unit/width win if width is a multiple of unit
// and both are multiples of the block size; else the device's
// optimal/minimum I/O size pair; else alignment is disabled (0, 0).
func computeAlignment(stripeUnit, stripeWidth int64, blockSize int, topo deviceTopology) (uint64, uint64) {
	if stripeUnit > 0 && stripeWidth > 0 &&
		stripeWidth%stripeUnit == 0 &&
		stripeUnit%int64(blockSize) == 0 &&
		stripeWidth%int64(blockSize) == 0 {
		return uint64(stripeWidth) / uint64(blockSize), uint64(stripeUnit) / uint64(blockSize)
	}
	if topo.optimalIOSize > 0 && topo.minimumIOSize > 0 {
		return uint64(topo.optimalIOSize) / uint64(blockSize), uint64(topo.minimumIOSize) / uint64(blockSize)
	}
	return 0, 0
}

// resolveUUID parses an explicit UUID string or generates a random one.
func resolveUUID(s string) ([gfs2.UUIDLen]byte, error) {
	var out [gfs2.UUIDLen]byte
	var id uuid.UUID
	var err error
	if s == "" {
		id = uuid.New()
	} else {
		id, err = uuid.Parse(s)
		if err != nil {
			return out, fmt.Errorf("%w: invalid uuid %q: %v", gfs2.ErrConstraint, s, err)
		}
	}
	copy(out[:], id[:])
	return out, nil
}

// CreateResult summarizes a completed mkfs.
type CreateResult struct {
	BlockSize    int
	RGCount      int
	JournalCount int
}

// Create lays out a brand new filesystem on sess's device: it chooses a
// block size, plans journal and data RGs, writes every RG's header and
// bitmaps, builds the master directory and its system files, and commits
// the superblock last, after fsync, so a crash mid-layout leaves the
// device indistinguishable from unformatted space.
func Create(sess *session.Session) (*CreateResult, error) {
	opts := sess.Options

	if err := validateLockSpec(opts.LockProto, opts.LockTable); err != nil {
		return nil, err
	}
	if opts.JournalCount <= 0 {
		return nil, fmt.Errorf("%w: journal count must be positive", gfs2.ErrConstraint)
	}

	topo := probeTopology(sess.Device)
	blockSize, err := chooseBlockSize(opts.BlockSize, topo)
	if err != nil {
		return nil, err
	}
	strideBase, strideOffset := computeAlignment(opts.StripeUnit, opts.StripeWidth, blockSize, topo)
	sess.Device.SetBlockSize(blockSize)

	deviceBlocks := sess.Device.LengthBlocks()
	rgSizeBytes := opts.RGSize
	if rgSizeBytes == 0 {
		rgSizeBytes = defaultRGBytes
	}
	if rgSizeBytes < minRGBytes || rgSizeBytes > maxRGBytes {
		return nil, fmt.Errorf("%w: rg size %d out of range", gfs2.ErrConstraint, rgSizeBytes)
	}
	rgSizeBlocks := uint32(rgSizeBytes / int64(blockSize))

	journalSizeBytes := opts.JournalSize
	if journalSizeBytes == 0 {
		journalSizeBytes = defaultJournalBytes
	}
	if journalSizeBytes < minJournalBytes {
		return nil, fmt.Errorf("%w: journal size %d below minimum", gfs2.ErrConstraint, journalSizeBytes)
	}
	journalSizeBlocks := uint64(journalSizeBytes / int64(blockSize))

	p := &planner{
		sess:         sess,
		blockSize:    blockSize,
		strideBase:   strideBase,
		strideOffset: strideOffset,
		index:        rgrp.NewIndex(sess.Cache, blockSize),
	}

	sbAddr := uint64(gfs2.SBAddrBytes / blockSize)
	cursor := sbAddr + 1

	journals, cursor, err := p.planJournals(cursor, deviceBlocks, opts.JournalCount, journalSizeBlocks)
	if err != nil {
		return nil, err
	}
	journalRGs := append([]*rgrp.RG(nil), p.index.All()...)

	dataRGCount := rgrp.Plan(cursor, deviceBlocks, rgSizeBlocks)
	if dataRGCount == 0 && len(journals) == 0 {
		return nil, fmt.Errorf("%w: device too small for any rg", gfs2.ErrConstraint)
	}
	dataRGs, err := p.planRGs(cursor, deviceBlocks, rgSizeBlocks, dataRGCount)
	if err != nil {
		return nil, err
	}

	for _, rg := range dataRGs {
		if err := p.writeRG(rg); err != nil {
			return nil, err
		}
		p.index.Insert(rg)
	}

	uuidBytes, err := resolveUUID(opts.UUID)
	if err != nil {
		return nil, err
	}

	master, err := p.buildMasterDirectory(journals)
	if err != nil {
		return nil, err
	}

	allRGs := append(journalRGs, dataRGs...)
	if err := p.writeRindexRecords(master.rindexAddr, allRGs); err != nil {
		return nil, err
	}

	if err := sess.Cache.Flush(); err != nil {
		return nil, err
	}
	if err := sess.Device.Fsync(); err != nil {
		return nil, err
	}

	if err := p.commitSuperblock(sbAddr, blockSize, master, opts, uuidBytes); err != nil {
		return nil, err
	}
	if err := sess.Cache.Flush(); err != nil {
		return nil, err
	}
	if err := sess.Device.Fsync(); err != nil {
		return nil, err
	}

	return &CreateResult{
		BlockSize:    blockSize,
		RGCount:      len(journals) + len(dataRGs),
		JournalCount: len(journals),
	}, nil
}

// GrowResult summarizes a completed grow.
type GrowResult struct {
	NewRGCount int
}

// Grow loads the existing rindex, determines the filesystem's current end
// (the largest rg_data0+rg_data among loaded RGs), plans and writes new
// RGs beyond that point, and appends their records to the rindex. A short
// rindex write is reverted by truncating it back to the pre-grow record
// count rather than leaving dangling entries.
func Grow(sess *session.Session, rindexData []byte, rindexWriter RindexAppender) (*GrowResult, error) {
	opts := sess.Options
	blockSize := sess.Device.BlockSize()

	records, err := rgrp.ParseRindex(rindexData)
	if err != nil {
		return nil, err
	}
	index := rgrp.NewIndex(sess.Cache, blockSize)
	if err := index.Load(records); err != nil {
		return nil, err
	}

	var oldEnd uint64
	for _, rg := range index.All() {
		end := rg.Data0 + uint64(rg.Data)
		if end > oldEnd {
			oldEnd = end
		}
	}

	rgSizeBytes := opts.RGSize
	if rgSizeBytes == 0 {
		rgSizeBytes = defaultRGBytes
	}
	rgSizeBlocks := uint32(rgSizeBytes / int64(blockSize))

	deviceBlocks := sess.Device.LengthBlocks()
	count := rgrp.Plan(oldEnd, deviceBlocks, rgSizeBlocks)
	if count == 0 {
		return &GrowResult{NewRGCount: 0}, nil
	}

	p := &planner{sess: sess, blockSize: blockSize, index: index}
	newRGs, err := p.planRGs(oldEnd, deviceBlocks, rgSizeBlocks, count)
	if err != nil {
		return nil, err
	}
	for _, rg := range newRGs {
		if err := p.writeRG(rg); err != nil {
			return nil, err
		}
	}

	preCount := len(records)
	appended := 0
	for _, rg := range newRGs {
		rec := gfs2.RindexRecord{Addr: rg.Addr, Length: rg.Length, Data0: rg.Data0, Data: rg.Data, BitBytes: rg.BitBytes}
		if err := rindexWriter.Append(rec); err != nil {
			_ = rindexWriter.Truncate(preCount)
			return nil, err
		}
		appended++
	}
	if appended != len(newRGs) {
		_ = rindexWriter.Truncate(preCount)
		return nil, fmt.Errorf("%w: short rindex append (%d of %d records)", gfs2.ErrIO, appended, len(newRGs))
	}

	if err := sess.Cache.Flush(); err != nil {
		return nil, err
	}
	return &GrowResult{NewRGCount: len(newRGs)}, sess.Device.Fsync()
}

// RindexAppender is the narrow interface Grow needs to extend the rindex
// system file; the caller supplies an implementation that knows how to
// grow that inode's data (through pkg/dinode's allocation, outside this
// package's scope).
type RindexAppender interface {
	Append(rec gfs2.RindexRecord) error
	Truncate(recordCount int) error
}

// AddJournalsResult summarizes a completed jadd.
type AddJournalsResult struct {
	Added int
}

// AddJournals places count additional journals on an existing filesystem,
// distinct from Grow (which only extends plain RG space): it reuses the
// same journal-placement code Create uses, laying each journal's RG beyond
// the filesystem's current end so no existing structure is overwritten,
// then appends the new RGs to the rindex and the new journal inodes to
// jindex.
func AddJournals(sess *session.Session, rindexData []byte, count int, journalSizeBlocks uint64, rindexWriter RindexAppender, jindexWriter JindexAppender) (*AddJournalsResult, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: journal count must be positive", gfs2.ErrConstraint)
	}
	blockSize := sess.Device.BlockSize()
	deviceBlocks := sess.Device.LengthBlocks()

	records, err := rgrp.ParseRindex(rindexData)
	if err != nil {
		return nil, err
	}
	index := rgrp.NewIndex(sess.Cache, blockSize)
	if err := index.Load(records); err != nil {
		return nil, err
	}
	var oldEnd uint64
	for _, rg := range index.All() {
		end := rg.Data0 + uint64(rg.Data)
		if end > oldEnd {
			oldEnd = end
		}
	}

	p := &planner{sess: sess, blockSize: blockSize, index: index}
	preRGCount := len(index.All())
	journals, _, err := p.planJournals(oldEnd, deviceBlocks, count, journalSizeBlocks)
	if err != nil {
		return nil, err
	}
	for _, j := range journals {
		if err := p.writeJournalDinode(j); err != nil {
			return nil, err
		}
	}

	newRGs := index.All()[preRGCount:]
	for _, rg := range newRGs {
		rec := gfs2.RindexRecord{Addr: rg.Addr, Length: rg.Length, Data0: rg.Data0, Data: rg.Data, BitBytes: rg.BitBytes}
		if err := rindexWriter.Append(rec); err != nil {
			_ = rindexWriter.Truncate(len(records))
			return nil, err
		}
	}

	for _, j := range journals {
		if err := jindexWriter.AddJournal(j.inodeAddr); err != nil {
			return nil, err
		}
	}

	if err := sess.Cache.Flush(); err != nil {
		return nil, err
	}
	return &AddJournalsResult{Added: len(journals)}, sess.Device.Fsync()
}

// JindexAppender is the narrow interface AddJournals needs to register a
// newly placed journal inode under jindex.
type JindexAppender interface {
	AddJournal(inodeAddr uint64) error
}

// plannedJournal is one journal's placement: the RG that hosts it, the
// dinode address of the journal file within that RG, and the indirect-tree
// shape planJournals already reserved blocks for.
type plannedJournal struct {
	rgAddr     uint64
	inodeAddr  uint64
	sizeBlocks uint64

	height        int
	indirectAddrs []uint64
	contentAddrs  []uint64
}

type masterDirectory struct {
	addr        uint64
	rootAddr    uint64
	rindexAddr  uint64
	jindexAddr  uint64
	perNodeAddr uint64
	inumAddr    uint64
	statfsAddr  uint64
	quotaAddr   uint64
}

func newSystemDinode(addr uint64, isDir bool, size uint64) gfs2.Dinode {
	mode := uint32(0100644)
	if isDir {
		mode = 0040755
	}
	now := uint64(time.Now().Unix())
	return gfs2.Dinode{
		Header: gfs2.MetaHeader{Magic: gfs2.Magic, Type: gfs2.MetaTypeDI, Format: gfs2.FormatDI},
		Num:    gfs2.Inum{FormalIno: addr, Addr: addr},
		Mode:   mode,
		Nlink:  1,
		Size:   size,
		ATime:  now, MTime: now, CTime: now,
		Flags: gfs2.DIFSystem,
	}
}
