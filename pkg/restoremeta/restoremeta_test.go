package restoremeta

import (
	"bytes"
	"encoding/binary"
	"os"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andyprice/gfs2-utils-go/pkg/bio"
	"github.com/andyprice/gfs2-utils-go/pkg/gfs2"
)

const testBlockSize = 512

func sampleSuperblock() gfs2.Superblock {
	var sb gfs2.Superblock
	sb.Header = gfs2.MetaHeader{Magic: gfs2.Magic, Type: gfs2.MetaTypeSB, Format: gfs2.FormatSB}
	sb.FSFormat = gfs2.FormatFS
	sb.MultihostFormat = gfs2.FormatMultihost
	sb.BlockSize = testBlockSize
	sb.BlockSizeShift = 9
	sb.MasterDir = gfs2.Inum{FormalIno: 3, Addr: 3}
	sb.RootDir = gfs2.Inum{FormalIno: 25, Addr: 25}
	copy(sb.LockProto[:], "lock_nolock")
	return sb
}

func appendRecord(buf *bytes.Buffer, addr uint64, payload []byte) {
	var hdr [recordHeaderSize]byte
	binary.BigEndian.PutUint64(hdr[0:8], addr)
	binary.BigEndian.PutUint16(hdr[8:10], uint16(len(payload)))
	buf.Write(hdr[:])
	buf.Write(payload)
}

func appendFileHeader(buf *bytes.Buffer, fsBytes uint64) {
	var h [fileHeaderSize]byte
	binary.BigEndian.PutUint32(h[0:4], fileHeaderMagic)
	binary.BigEndian.PutUint32(h[4:8], 1)
	binary.BigEndian.PutUint64(h[16:24], fsBytes)
	buf.Write(h[:])
}

// buildArchive writes a minimal valid archive: an optional file header,
// a superblock record, then one more record at addr 10 (an RG header).
func buildArchive(t *testing.T, withHeader bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	sb := sampleSuperblock()

	if withHeader {
		appendFileHeader(&buf, 64*testBlockSize)
	}

	sbBytes := make([]byte, gfs2.SuperblockSize)
	gfs2.EncodeSuperblock(sb, sbBytes)
	appendRecord(&buf, 0, sbBytes)

	rgBytes := make([]byte, testBlockSize)
	hdr := gfs2.RGHeader{
		Header: gfs2.MetaHeader{Magic: gfs2.Magic, Type: gfs2.MetaTypeRG, Format: gfs2.FormatRG},
		Data:   10,
	}
	gfs2.EncodeRGHeader(hdr, rgBytes)
	appendRecord(&buf, 10, rgBytes)

	return buf.Bytes()
}

func TestRestorePrintPassPlainArchive(t *testing.T) {
	archive := buildArchive(t, true)
	var out bytes.Buffer

	res, err := Restore(bytes.NewReader(archive), Options{Out: &out})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.RecordsRead)
	assert.Equal(t, testBlockSize, res.BlockSize)
	assert.Contains(t, out.String(), "superblock")
	assert.Contains(t, out.String(), "rg-header")
}

func TestRestorePrintPassLegacyArchiveWithoutFileHeader(t *testing.T) {
	archive := buildArchive(t, false)
	var out bytes.Buffer

	res, err := Restore(bytes.NewReader(archive), Options{Out: &out})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.RecordsRead)
}

func TestRestorePrintPassGzipCompressedArchive(t *testing.T) {
	plain := buildArchive(t, true)
	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	_, err := gz.Write(plain)
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	var out bytes.Buffer
	res, err := Restore(bytes.NewReader(compressed.Bytes()), Options{Out: &out})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.RecordsRead)
}

func newTestDevice(t *testing.T, blocks int) *bio.Device {
	t.Helper()
	f, err := os.CreateTemp("", "gfs2-restoremeta-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(f.Name()) })
	require.NoError(t, f.Truncate(int64(testBlockSize*blocks)))
	require.NoError(t, f.Close())

	dev, err := bio.Open(bio.OpenArgs{Path: f.Name(), BlockSize: testBlockSize})
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return dev
}

// TestRestoreWritesRecordsToDevice mirrors the round-trip scenario: every archived record lands at its
// recorded address and blocks never mentioned in the archive are left
// untouched (zero, on a freshly truncated file).
func TestRestoreWritesRecordsToDevice(t *testing.T) {
	archive := buildArchive(t, true)
	dev := newTestDevice(t, 64)

	res, err := Restore(bytes.NewReader(archive), Options{Dev: dev})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.BlocksWritten)

	got, err := dev.PreadBlock(0)
	require.NoError(t, err)
	typ, ok := gfs2.Classify(got)
	require.True(t, ok)
	assert.Equal(t, uint32(gfs2.MetaTypeSB), typ)

	got10, err := dev.PreadBlock(10)
	require.NoError(t, err)
	typ10, ok := gfs2.Classify(got10)
	require.True(t, ok)
	assert.Equal(t, uint32(gfs2.MetaTypeRG), typ10)

	untouched, err := dev.PreadBlock(20)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, testBlockSize), untouched)
}

func TestRestoreRejectsRecordAddrBeyondFilesystemSize(t *testing.T) {
	var buf bytes.Buffer
	sb := sampleSuperblock()
	appendFileHeader(&buf, 4*testBlockSize) // only 4 blocks in the filesystem

	sbBytes := make([]byte, gfs2.SuperblockSize)
	gfs2.EncodeSuperblock(sb, sbBytes)
	appendRecord(&buf, 0, sbBytes)
	appendRecord(&buf, 100, make([]byte, 16)) // far outside the 4-block fs

	var out bytes.Buffer
	_, err := Restore(bytes.NewReader(buf.Bytes()), Options{Out: &out})
	assert.Error(t, err)
}

func TestRestoreRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	sb := sampleSuperblock()
	appendFileHeader(&buf, 64*testBlockSize)

	sbBytes := make([]byte, gfs2.SuperblockSize)
	gfs2.EncodeSuperblock(sb, sbBytes)
	appendRecord(&buf, 0, sbBytes)
	appendRecord(&buf, 1, make([]byte, testBlockSize+1))

	var out bytes.Buffer
	_, err := Restore(bytes.NewReader(buf.Bytes()), Options{Out: &out})
	assert.Error(t, err)
}

func TestRestoreRejectsFirstRecordNotASuperblock(t *testing.T) {
	var buf bytes.Buffer
	appendFileHeader(&buf, 64*testBlockSize)
	appendRecord(&buf, 0, make([]byte, 16)) // garbage, not a superblock

	var out bytes.Buffer
	_, err := Restore(bytes.NewReader(buf.Bytes()), Options{Out: &out})
	assert.Error(t, err)
}

func TestRestoreRequiresDevOrOut(t *testing.T) {
	archive := buildArchive(t, true)
	_, err := Restore(bytes.NewReader(archive), Options{})
	assert.Error(t, err)
}
