package layout

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andyprice/gfs2-utils-go/pkg/gfs2"
	"github.com/andyprice/gfs2-utils-go/pkg/rgrp"
	"github.com/andyprice/gfs2-utils-go/pkg/session"
)

func newTestSession(t *testing.T, size int64, opts session.Options) *session.Session {
	t.Helper()
	f, err := os.CreateTemp("", "gfs2-layout-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(f.Name()) })
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())

	opts.DevicePath = f.Name()
	sess, err := session.Open(opts, false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })
	return sess
}

// assertRGsDisjointAndMonotonic checks the planner's placement invariants: RGs
// are ordered by ascending address, never overlap, each occupies at least
// minRGLength blocks, and none extends past the device.
func assertRGsDisjointAndMonotonic(t *testing.T, rgs []plannedRGLike, deviceBlocks uint64) {
	t.Helper()
	var prevEnd uint64
	for i, rg := range rgs {
		assert.GreaterOrEqualf(t, rg.addr(), prevEnd, "rg %d starts before previous rg ends", i)
		assert.GreaterOrEqualf(t, rg.length(), uint32(minRGLength), "rg %d shorter than minRGLength", i)
		end := rg.data0() + uint64(rg.data())
		assert.LessOrEqualf(t, end, deviceBlocks, "rg %d data extends past device", i)
		assert.Equalf(t, rg.addr()+uint64(rg.length()), rg.data0(), "rg %d data0 does not follow its header+bitmaps", i)
		prevEnd = end
	}
}

// plannedRGLike lets the assertion helper above work over both
// *rgrp.RG (from planRGs) and plannedRG (from sizeJournalRG).
type plannedRGLike interface {
	addr() uint64
	length() uint32
	data0() uint64
	data() uint32
}

func TestPlanRGsDisjointAndMonotonic(t *testing.T) {
	sess := newTestSession(t, 64<<20, session.Options{})
	p := &planner{sess: sess, blockSize: sess.Device.BlockSize()}

	deviceBlocks := sess.Device.LengthBlocks()
	rgs, err := p.planRGs(100, deviceBlocks, 4096, 6)
	require.NoError(t, err)
	require.NotEmpty(t, rgs)

	wrapped := make([]plannedRGLike, len(rgs))
	for i, rg := range rgs {
		wrapped[i] = rgWrap{rg.Addr, rg.Length, rg.Data0, rg.Data}
	}
	assertRGsDisjointAndMonotonic(t, wrapped, deviceBlocks)
}

type rgWrap struct {
	a  uint64
	l  uint32
	d0 uint64
	d  uint32
}

func (w rgWrap) addr() uint64   { return w.a }
func (w rgWrap) length() uint32 { return w.l }
func (w rgWrap) data0() uint64  { return w.d0 }
func (w rgWrap) data() uint32   { return w.d }

func TestPlanRGsStopsBeforeDeviceEnd(t *testing.T) {
	sess := newTestSession(t, 8<<20, session.Options{})
	p := &planner{sess: sess, blockSize: sess.Device.BlockSize()}

	deviceBlocks := sess.Device.LengthBlocks()
	rgs, err := p.planRGs(0, deviceBlocks, 8192, 1000)
	require.NoError(t, err)
	for _, rg := range rgs {
		assert.LessOrEqual(t, rg.Data0+uint64(rg.Data), deviceBlocks)
	}
}

// TestPlanRGsZeroFillsAlignmentGaps dirties the blocks stripe alignment
// will skip over and checks they read back zero afterwards: stale bytes
// must never survive between successive RGs.
func TestPlanRGsZeroFillsAlignmentGaps(t *testing.T) {
	sess := newTestSession(t, 8<<20, session.Options{})
	blockSize := sess.Device.BlockSize()
	p := &planner{sess: sess, blockSize: blockSize, strideBase: 16, strideOffset: 0}

	garbage := make([]byte, blockSize)
	for i := range garbage {
		garbage[i] = 0xAA
	}
	for addr := uint64(5); addr < 16; addr++ {
		require.NoError(t, sess.Device.PwriteBlock(addr, garbage))
	}

	rgs, err := p.planRGs(5, sess.Device.LengthBlocks(), 1024, 1)
	require.NoError(t, err)
	require.NotEmpty(t, rgs)
	assert.Equal(t, uint64(16), rgs[0].Addr)

	require.NoError(t, sess.Cache.Flush())
	for addr := uint64(5); addr < 16; addr++ {
		b, err := sess.Device.PreadBlock(addr)
		require.NoError(t, err)
		assert.Equalf(t, make([]byte, blockSize), b, "gap block %d not zeroed", addr)
	}
}

func TestPlanJournalsZeroFillsAlignmentGaps(t *testing.T) {
	sess := newTestSession(t, 8<<20, session.Options{})
	blockSize := sess.Device.BlockSize()
	p := &planner{
		sess:       sess,
		blockSize:  blockSize,
		strideBase: 8,
		index:      rgrp.NewIndex(sess.Cache, blockSize),
	}

	garbage := make([]byte, blockSize)
	for i := range garbage {
		garbage[i] = 0x55
	}
	for addr := uint64(1); addr < 8; addr++ {
		require.NoError(t, sess.Device.PwriteBlock(addr, garbage))
	}

	journals, _, err := p.planJournals(1, sess.Device.LengthBlocks(), 1, 64)
	require.NoError(t, err)
	require.Len(t, journals, 1)
	assert.Equal(t, uint64(8), journals[0].rgAddr)

	require.NoError(t, sess.Cache.Flush())
	for addr := uint64(1); addr < 8; addr++ {
		b, err := sess.Device.PreadBlock(addr)
		require.NoError(t, err)
		assert.Equalf(t, make([]byte, blockSize), b, "gap block %d not zeroed", addr)
	}
}

func TestPlanJournalsDisjointAndSized(t *testing.T) {
	sess := newTestSession(t, 64<<20, session.Options{})
	p := &planner{sess: sess, blockSize: sess.Device.BlockSize(), index: rgrp.NewIndex(sess.Cache, sess.Device.BlockSize())}

	deviceBlocks := sess.Device.LengthBlocks()
	journals, cursor, err := p.planJournals(1, deviceBlocks, 3, 64)
	require.NoError(t, err)
	require.Len(t, journals, 3)
	assert.Greater(t, cursor, uint64(1))

	var prevEnd uint64
	for i, j := range journals {
		assert.GreaterOrEqualf(t, j.rgAddr, prevEnd, "journal %d overlaps previous", i)
		assert.Equal(t, int(j.sizeBlocks), len(j.contentAddrs))
		last := j.contentAddrs[len(j.contentAddrs)-1]
		prevEnd = last + 1
	}
}

func TestSizeJournalRGGrowsWithContent(t *testing.T) {
	sess := newTestSession(t, 64<<20, session.Options{})
	p := &planner{sess: sess, blockSize: sess.Device.BlockSize()}

	small, _, smallOverhead := p.sizeJournalRG(16, gfs2.GenerationCurrent)
	big, _, bigOverhead := p.sizeJournalRG(1<<20, gfs2.GenerationCurrent)

	assert.Less(t, small.data, big.data)
	assert.LessOrEqual(t, smallOverhead, bigOverhead)
}

func TestValidateLockSpec(t *testing.T) {
	cases := []struct {
		name    string
		proto   string
		table   string
		wantErr bool
	}{
		{"nolock ok", "lock_nolock", "", false},
		{"dlm ok", "lock_dlm", "mycluster:myfs", false},
		{"dlm missing colon", "lock_dlm", "mycluster", true},
		{"dlm two colons", "lock_dlm", "a:b:c", true},
		{"dlm cluster too long", "lock_dlm", "012345678901234567890123456789012:fs", true},
		{"dlm bad chars", "lock_dlm", "my cluster:fs", true},
		{"unknown proto", "lock_bogus", "a:b", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateLockSpec(tc.proto, tc.table)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestChooseBlockSizeForcedWins(t *testing.T) {
	size, err := chooseBlockSize(1024, deviceTopology{})
	require.NoError(t, err)
	assert.Equal(t, 1024, size)
}

func TestChooseBlockSizeForcedRejectsNonPowerOfTwo(t *testing.T) {
	_, err := chooseBlockSize(1000, deviceTopology{})
	assert.Error(t, err)
}

func TestChooseBlockSizeFallsBackToDefault(t *testing.T) {
	size, err := chooseBlockSize(0, deviceTopology{})
	require.NoError(t, err)
	assert.Equal(t, defaultBlockSize, size)
}

func TestChooseBlockSizePrefersTopologyOptimalIOSize(t *testing.T) {
	size, err := chooseBlockSize(0, deviceTopology{optimalIOSize: 1024})
	require.NoError(t, err)
	assert.Equal(t, 1024, size)
}

func TestCreateEndToEnd(t *testing.T) {
	sess := newTestSession(t, 64<<20, session.Options{
		JournalCount: 1,
		JournalSize:  minJournalBytes,
		RGSize:       minRGBytes,
		LockProto:    "lock_nolock",
	})

	result, err := Create(sess)
	require.NoError(t, err)
	assert.Equal(t, 1, result.JournalCount)
	assert.GreaterOrEqual(t, result.RGCount, 1)

	raw, err := sess.Device.PreadRange(gfs2.SBAddrBytes, 512)
	require.NoError(t, err)
	sb, err := gfs2.DecodeSuperblock(raw)
	require.NoError(t, err)
	assert.Equal(t, uint32(result.BlockSize), sb.BlockSize)
}

func TestCreateRejectsBadLockSpec(t *testing.T) {
	sess := newTestSession(t, 64<<20, session.Options{
		JournalCount: 1,
		LockProto:    "lock_dlm",
		LockTable:    "no-colon-here",
	})
	_, err := Create(sess)
	assert.Error(t, err)
}

func TestCreateRejectsNonPositiveJournalCount(t *testing.T) {
	sess := newTestSession(t, 64<<20, session.Options{JournalCount: 0})
	_, err := Create(sess)
	assert.Error(t, err)
}
