package session

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDeviceFile(t *testing.T, size int64) string {
	t.Helper()
	f, err := os.CreateTemp("", "gfs2-session-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(f.Name()) })
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return f.Name()
}

func TestOpenRejectsMissingDevicePath(t *testing.T) {
	_, err := Open(Options{}, true, nil)
	assert.Error(t, err)
}

func TestOpenDefaultsBlockSize(t *testing.T) {
	path := newTestDeviceFile(t, 1<<20)
	sess, err := Open(Options{DevicePath: path}, true, nil)
	require.NoError(t, err)
	defer sess.Close()

	assert.Equal(t, 4096, sess.Device.BlockSize())
	assert.NotNil(t, sess.Cache)
}

func TestOpenHonorsExplicitBlockSize(t *testing.T) {
	path := newTestDeviceFile(t, 1<<20)
	sess, err := Open(Options{DevicePath: path, BlockSize: 512}, true, nil)
	require.NoError(t, err)
	defer sess.Close()

	assert.Equal(t, 512, sess.Device.BlockSize())
}

func TestCloseFlushesCacheAndClosesDevice(t *testing.T) {
	path := newTestDeviceFile(t, 1<<20)
	sess, err := Open(Options{DevicePath: path, BlockSize: 512}, false, nil)
	require.NoError(t, err)

	buf, err := sess.Cache.Acquire(1)
	require.NoError(t, err)
	buf.Bytes[0] = 0x7F
	buf.MarkDirty()
	require.NoError(t, sess.Cache.Release(buf))

	require.NoError(t, sess.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, byte(0x7F), raw[512])
}
