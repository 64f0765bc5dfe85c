package dinode

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/andyprice/gfs2-utils-go/pkg/bio"
	"github.com/andyprice/gfs2-utils-go/pkg/gfs2"
)

func newTestCache(t *testing.T, blockSize int, blocks int) (*bio.Cache, *bio.Device) {
	t.Helper()
	f, err := os.CreateTemp("", "gfs2-dinode-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(f.Name()) })
	require.NoError(t, f.Truncate(int64(blockSize*blocks)))
	require.NoError(t, f.Close())

	dev, err := bio.Open(bio.OpenArgs{Path: f.Name(), BlockSize: blockSize})
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	return bio.NewCache(dev, 64), dev
}

func writeIndirect(t *testing.T, cache *bio.Cache, addr uint64, ptrs []uint64, blockSize int) {
	t.Helper()
	buf, err := cache.Acquire(addr)
	require.NoError(t, err)
	hdr := gfs2.MetaHeader{Magic: gfs2.Magic, Type: gfs2.MetaTypeIN, Format: gfs2.FormatIN}
	hdr.Encode(buf.Bytes)
	gfs2.EncodePointers(ptrs, gfs2.IndirectHeaderSize, buf.Bytes)
	buf.MarkDirty()
	require.NoError(t, cache.Release(buf))
}

func TestWalkStuffedFileYieldsNothing(t *testing.T) {
	cache, _ := newTestCache(t, 512, 8)
	w := &Walker{Cache: cache, BlockSize: 512, Generation: gfs2.GenerationCurrent}

	d := gfs2.Dinode{Num: gfs2.Inum{Addr: 1}, Mode: 0100644, Height: 0}
	refs, faults := w.Walk(d, false)
	require.Empty(t, faults)
	require.Empty(t, refs)
}

func TestWalkOneLevelIndirectFile(t *testing.T) {
	blockSize := 512
	cache, _ := newTestCache(t, blockSize, 8)
	w := &Walker{Cache: cache, BlockSize: blockSize, Generation: gfs2.GenerationCurrent}

	buf, err := cache.Acquire(2)
	require.NoError(t, err)
	gfs2.EncodePointers([]uint64{3, 0, 4}, gfs2.DinodeSize, buf.Bytes)
	buf.MarkDirty()
	require.NoError(t, cache.Release(buf))

	d := gfs2.Dinode{Num: gfs2.Inum{Addr: 2}, Mode: 0100644, Height: 1}
	refs, faults := w.Walk(d, false)
	require.Empty(t, faults)
	require.Len(t, refs, 2) // hole at 0 skipped
	for _, r := range refs {
		require.Equal(t, RoleData, r.Role)
	}
}

func TestWalkStopAtIndirectSkipsDataLevel(t *testing.T) {
	blockSize := 512
	cache, _ := newTestCache(t, blockSize, 8)
	w := &Walker{Cache: cache, BlockSize: blockSize, Generation: gfs2.GenerationCurrent}

	buf, err := cache.Acquire(2)
	require.NoError(t, err)
	gfs2.EncodePointers([]uint64{3}, gfs2.DinodeSize, buf.Bytes)
	buf.MarkDirty()
	require.NoError(t, cache.Release(buf))
	writeIndirect(t, cache, 3, []uint64{4, 5}, blockSize)

	d := gfs2.Dinode{Num: gfs2.Inum{Addr: 2}, Mode: 0100644, Height: 2}
	refs, faults := w.Walk(d, true)
	require.Empty(t, faults)
	// height decremented by one for the stop-at-indirect walk: only the
	// first indirect level (block 3) is visited, not its children.
	require.Len(t, refs, 1)
	require.Equal(t, RoleIndirect, refs[0].Role)
	require.Equal(t, uint64(3), refs[0].Addr)
}

func TestWalkDirWithoutExhashYieldsSelf(t *testing.T) {
	cache, _ := newTestCache(t, 512, 8)
	w := &Walker{Cache: cache, BlockSize: 512, Generation: gfs2.GenerationCurrent}

	d := gfs2.Dinode{Num: gfs2.Inum{Addr: 5}, Mode: 0040755, Height: 0}
	refs, faults := w.Walk(d, false)
	require.Empty(t, faults)
	require.Len(t, refs, 1)
	require.Equal(t, RoleDirLeaf, refs[0].Role)
	require.Equal(t, uint64(5), refs[0].Addr)
}

// TestWalkIndirectLevelAbortsMalformedSubtreeAndContinuesSibling writes a
// garbage block (no valid meta header) as the first of two second-level
// pointers; the walk must report a fault for it but still descend into the
// second, well-formed sibling rather than aborting the whole traversal.
func TestWalkIndirectLevelAbortsMalformedSubtreeAndContinuesSibling(t *testing.T) {
	blockSize := 512
	cache, _ := newTestCache(t, blockSize, 16)
	w := &Walker{Cache: cache, BlockSize: blockSize, Generation: gfs2.GenerationCurrent}

	buf, err := cache.Acquire(2)
	require.NoError(t, err)
	gfs2.EncodePointers([]uint64{3, 5}, gfs2.DinodeSize, buf.Bytes)
	buf.MarkDirty()
	require.NoError(t, cache.Release(buf))

	// Block 3 is claimed by the dinode as a second-level indirect block but
	// never gets one written to it: it stays all-zero, which fails to
	// classify as MetaTypeIN.
	garbage, err := cache.Acquire(3)
	require.NoError(t, err)
	require.NoError(t, cache.Release(garbage))

	writeIndirect(t, cache, 5, []uint64{9}, blockSize)

	d := gfs2.Dinode{Num: gfs2.Inum{Addr: 2}, Mode: 0100644, Height: 2}
	refs, faults := w.Walk(d, false)

	require.Len(t, faults, 1)
	require.Equal(t, uint64(3), faults[0].Addr)

	var dataAddrs []uint64
	for _, r := range refs {
		if r.Role == RoleData {
			dataAddrs = append(dataAddrs, r.Addr)
		}
	}
	require.Equal(t, []uint64{9}, dataAddrs)
}

// TestCollectLeafPointersAbortsMalformedSubtreeAndContinuesSibling mirrors
// the indirect-tree case for an exhash directory's leaf-pointer tree.
func TestCollectLeafPointersAbortsMalformedSubtreeAndContinuesSibling(t *testing.T) {
	blockSize := 512
	cache, _ := newTestCache(t, blockSize, 16)
	w := &Walker{Cache: cache, BlockSize: blockSize, Generation: gfs2.GenerationCurrent}

	garbage, err := cache.Acquire(3)
	require.NoError(t, err)
	require.NoError(t, cache.Release(garbage))

	writeIndirect(t, cache, 5, []uint64{9}, blockSize)

	var faults []Fault
	leaves := w.collectLeafPointers([]uint64{3, 5}, 1, &faults)

	require.Len(t, faults, 1)
	require.Equal(t, uint64(3), faults[0].Addr)

	// Block 3 contributes nothing (unlike expandPointers, collectLeafPointers
	// does not pad malformed subtrees with holes). Block 5's leaf-level
	// pointer array comes back in full, fanOut long, with 9 at the front and
	// the rest zero.
	fanOut := gfs2.FanOut(blockSize, gfs2.GenerationCurrent)
	want := make([]uint64, fanOut)
	want[0] = 9
	require.Equal(t, want, leaves)
}

// TestExpandPointersAbortsMalformedSubtreeAndContinuesSibling exercises the
// ReadData/DataAddrs path: a malformed intermediate block expands to a run
// of holes sized to its subtree and a fault is reported, but the next
// sibling's leaves still come through.
func TestExpandPointersAbortsMalformedSubtreeAndContinuesSibling(t *testing.T) {
	blockSize := 512
	cache, _ := newTestCache(t, blockSize, 16)
	w := &Walker{Cache: cache, BlockSize: blockSize, Generation: gfs2.GenerationCurrent}

	garbage, err := cache.Acquire(3)
	require.NoError(t, err)
	require.NoError(t, cache.Release(garbage))

	writeIndirect(t, cache, 5, []uint64{9, 10}, blockSize)

	var faults []Fault
	out, err := w.expandPointers([]uint64{3, 5}, 1, &faults)
	require.NoError(t, err)
	require.Len(t, faults, 1)
	require.Equal(t, uint64(3), faults[0].Addr)

	// Block 3's hole run is fanOut zeros (subtreeLeaves(fanOut, 1) == fanOut).
	// Block 5 is a valid leaf-level indirect block, so expandPointers
	// recurses with height-1 == 0 and returns its decoded pointer array
	// unchanged: the full fanOut-length array, not just the two values
	// writeIndirect explicitly wrote.
	fanOut := gfs2.FanOut(blockSize, gfs2.GenerationCurrent)
	want := make([]uint64, fanOut)
	sibling := make([]uint64, fanOut)
	sibling[0] = 9
	sibling[1] = 10
	want = append(want, sibling...)
	require.Equal(t, want, out)
}

func TestDedupConsecutive(t *testing.T) {
	in := []uint64{1, 1, 2, 2, 2, 3, 1}
	out := dedupConsecutive(in)
	require.Equal(t, []uint64{1, 2, 3, 1}, out)
}
