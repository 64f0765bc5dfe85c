package savemeta

import (
	"bytes"
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/andyprice/gfs2-utils-go/pkg/bio"
	"github.com/andyprice/gfs2-utils-go/pkg/elog"
	"github.com/andyprice/gfs2-utils-go/pkg/gfs2"
	"github.com/andyprice/gfs2-utils-go/pkg/rgrp"
	"github.com/andyprice/gfs2-utils-go/pkg/session"
)

func TestTrimTrailingZeros(t *testing.T) {
	require.Equal(t, []byte{1, 2, 3}, trimTrailingZeros([]byte{1, 2, 3, 0, 0, 0}))
	require.Equal(t, []byte{}, trimTrailingZeros([]byte{0, 0, 0}))
	require.Equal(t, []byte{1}, trimTrailingZeros([]byte{1}))
}

// TestEmitSkipsAllZeroBlock pins down the record invariant that siglen is
// never zero: a block that trims to nothing is simply not written (the
// restore side zero-fills unmentioned blocks anyway).
func TestEmitSkipsAllZeroBlock(t *testing.T) {
	var out bytes.Buffer
	s := &saver{
		sess:      &session.Session{},
		blockSize: 512,
		out:       &out,
		seen:      make(map[uint64]bool),
	}
	require.NoError(t, s.emit(7, make([]byte, 512)))
	require.Zero(t, out.Len())
	require.Zero(t, s.blocksSaved)

	// A block with any significant byte still goes through.
	b := make([]byte, 512)
	b[0] = 0x01
	require.NoError(t, s.emit(8, b))
	require.Equal(t, uint64(1), s.blocksSaved)
}

func TestWriteFileHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	sb := gfs2.Superblock{BlockSize: 4096}
	require.NoError(t, writeFileHeader(&buf, sb, 1<<20))

	b := buf.Bytes()
	require.Len(t, b, fileHeaderSize)
	require.Equal(t, uint32(fileHeaderMagic), binary.BigEndian.Uint32(b[0:4]))
	require.Equal(t, uint32(fileHeaderVersion), binary.BigEndian.Uint32(b[4:8]))
	require.Equal(t, uint64(1<<20), binary.BigEndian.Uint64(b[16:24]))
	for _, x := range b[24:] {
		require.Zero(t, x)
	}
}

// testLogger is a minimal elog.Logger that discards everything; it does
// not implement elog.ProgressReporter, exercising Save's no-progress path.
type testLogger struct{}

func (testLogger) Debugf(string, ...interface{}) {}
func (testLogger) Errorf(string, ...interface{}) {}
func (testLogger) Infof(string, ...interface{})  {}
func (testLogger) Printf(string, ...interface{}) {}
func (testLogger) Warnf(string, ...interface{})  {}
func (testLogger) IsInfoEnabled() bool           { return false }
func (testLogger) IsDebugEnabled() bool          { return false }

var _ elog.Logger = testLogger{}

// buildTestFilesystem writes a minimal current-generation filesystem by
// hand: a superblock, one RG holding (in order) the master directory, the
// rindex system file describing that same RG, and one ordinary stuffed
// regular file, with the RG's bitmap marking all three as dinode blocks.
func buildTestFilesystem(t *testing.T, blockSize int) *session.Session {
	t.Helper()
	f, err := os.CreateTemp("", "gfs2-savemeta-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(f.Name()) })
	require.NoError(t, f.Truncate(int64(blockSize*160)))
	require.NoError(t, f.Close())

	dev, err := bio.Open(bio.OpenArgs{Path: f.Name(), BlockSize: blockSize})
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	cache := bio.NewCache(dev, 64)

	const (
		rgAddr     = 140
		bitmapAddr = 141
		masterAddr = 142
		rindexAddr = 143
		fileAddr   = 144
	)

	sb := gfs2.Superblock{
		Header:          gfs2.MetaHeader{Magic: gfs2.Magic, Type: gfs2.MetaTypeSB, Format: gfs2.FormatSB},
		FSFormat:        gfs2.FormatFS,
		MultihostFormat: gfs2.FormatMultihost,
		BlockSize:       uint32(blockSize),
		BlockSizeShift:  9,
		MasterDir:       gfs2.Inum{FormalIno: masterAddr, Addr: masterAddr},
		RootDir:         gfs2.Inum{FormalIno: masterAddr, Addr: masterAddr},
	}
	sbBuf := make([]byte, blockSize)
	gfs2.EncodeSuperblock(sb, sbBuf)
	require.NoError(t, dev.PwriteRange(gfs2.SBAddrBytes, sbBuf))

	writeBlock := func(addr uint64, fill func(b []byte)) {
		buf, err := cache.Acquire(addr)
		require.NoError(t, err)
		fill(buf.Bytes)
		buf.MarkDirty()
		require.NoError(t, cache.Release(buf))
	}

	writeBlock(rgAddr, func(b []byte) {
		hdr := gfs2.RGHeader{Header: gfs2.MetaHeader{Magic: gfs2.Magic, Type: gfs2.MetaTypeRG, Format: gfs2.FormatRG}}
		gfs2.EncodeRGHeader(hdr, b)
	})
	writeBlock(bitmapAddr, func(b []byte) {
		mh := gfs2.MetaHeader{Magic: gfs2.Magic, Type: gfs2.MetaTypeRB, Format: gfs2.FormatRB}
		mh.Encode(b)
	})

	writeBlock(masterAddr, func(b []byte) {
		d := gfs2.Dinode{
			Header: gfs2.MetaHeader{Magic: gfs2.Magic, Type: gfs2.MetaTypeDI, Format: gfs2.FormatDI},
			Num:    gfs2.Inum{FormalIno: masterAddr, Addr: masterAddr},
			Mode:   0040755,
		}
		gfs2.EncodeDinode(d, b)
		dirent := gfs2.Dirent{
			Inum:    gfs2.Inum{FormalIno: rindexAddr, Addr: rindexAddr},
			RecLen:  gfs2.AlignedDirentSize(len("rindex")),
			NameLen: uint16(len("rindex")),
			Name:    "rindex",
		}
		gfs2.EncodeDirent(dirent, b[gfs2.DinodeSize:])
	})

	writeBlock(rindexAddr, func(b []byte) {
		d := gfs2.Dinode{
			Header: gfs2.MetaHeader{Magic: gfs2.Magic, Type: gfs2.MetaTypeDI, Format: gfs2.FormatDI},
			Num:    gfs2.Inum{FormalIno: rindexAddr, Addr: rindexAddr},
			Mode:   0100644,
			Size:   gfs2.RindexRecordSize,
		}
		gfs2.EncodeDinode(d, b)
		rec := gfs2.RindexRecord{
			Addr:   rgAddr,
			Length: 2,
			Data0:  masterAddr,
			Data:   8,
		}
		gfs2.EncodeRindexRecord(rec, b[gfs2.DinodeSize:])
	})

	const payload = "hello gfs2"
	writeBlock(fileAddr, func(b []byte) {
		d := gfs2.Dinode{
			Header: gfs2.MetaHeader{Magic: gfs2.Magic, Type: gfs2.MetaTypeDI, Format: gfs2.FormatDI},
			Num:    gfs2.Inum{FormalIno: fileAddr, Addr: fileAddr},
			Mode:   0100644,
			Size:   uint64(len(payload)),
		}
		gfs2.EncodeDinode(d, b)
		copy(b[gfs2.DinodeSize:], payload)
	})

	ix := rgrp.NewIndex(cache, blockSize)
	require.NoError(t, ix.Load([]gfs2.RindexRecord{{Addr: rgAddr, Length: 2, Data0: masterAddr, Data: 8}}))
	rg := ix.All()[0]
	require.NoError(t, ix.SetState(rg, masterAddr, gfs2.BlockDinode))
	require.NoError(t, ix.SetState(rg, rindexAddr, gfs2.BlockDinode))
	require.NoError(t, ix.SetState(rg, fileAddr, gfs2.BlockDinode))

	require.NoError(t, cache.Flush())

	return &session.Session{
		Device:  dev,
		Cache:   cache,
		Log:     testLogger{},
		Options: session.Options{},
	}
}

func TestSaveWalksMasterDirectoryAndRegularFile(t *testing.T) {
	blockSize := 512
	sess := buildTestFilesystem(t, blockSize)

	var out bytes.Buffer
	result, err := Save(sess, &out, ModeFull)
	require.NoError(t, err)
	require.GreaterOrEqual(t, result.BlocksSaved, uint64(6)) // sb, rg hdr, bitmap, master, rindex, file

	records := decodeRecords(t, out.Bytes())
	addrs := make(map[uint64]bool, len(records))
	for _, r := range records {
		require.NotEmptyf(t, r.payload, "record for block %d has zero siglen", r.addr)
		addrs[r.addr] = true
	}
	for _, want := range []uint64{gfs2.SBAddrBytes / uint64(blockSize), 140, 141, 142, 143, 144} {
		require.Truef(t, addrs[want], "expected block %d in archive", want)
	}
}

func TestSaveRGsOnlySkipsDinodes(t *testing.T) {
	sess := buildTestFilesystem(t, 512)

	var out bytes.Buffer
	result, err := Save(sess, &out, ModeRGsOnly)
	require.NoError(t, err)
	require.Equal(t, uint64(3), result.BlocksSaved) // sb, rg header, bitmap

	records := decodeRecords(t, out.Bytes())
	for _, r := range records {
		require.NotEqual(t, uint64(142), r.addr)
		require.NotEqual(t, uint64(143), r.addr)
		require.NotEqual(t, uint64(144), r.addr)
	}
}

type decodedRecord struct {
	addr    uint64
	payload []byte
}

func decodeRecords(t *testing.T, b []byte) []decodedRecord {
	t.Helper()
	require.GreaterOrEqual(t, len(b), fileHeaderSize)
	require.Equal(t, uint32(fileHeaderMagic), binary.BigEndian.Uint32(b[0:4]))
	b = b[fileHeaderSize:]

	var out []decodedRecord
	for len(b) > 0 {
		require.GreaterOrEqual(t, len(b), recordHeaderSize)
		addr := binary.BigEndian.Uint64(b[0:8])
		siglen := binary.BigEndian.Uint16(b[8:10])
		b = b[recordHeaderSize:]
		require.GreaterOrEqual(t, len(b), int(siglen))
		out = append(out, decodedRecord{addr: addr, payload: b[:siglen]})
		b = b[siglen:]
	}
	return out
}
