package bio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheAcquireReleaseRoundTrip(t *testing.T) {
	dev := newTestDevice(t, 512, 8)
	cache := NewCache(dev, 4)

	buf, err := cache.Acquire(1)
	require.NoError(t, err)
	buf.Bytes[0] = 0xAB
	buf.MarkDirty()
	require.NoError(t, cache.Release(buf))

	// A fresh acquire at the same address reads back the written bytes.
	got, err := cache.Acquire(1)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), got.Bytes[0])
	require.NoError(t, cache.Release(got))
}

func TestCacheAcquireSameAddressReturnsSameBuffer(t *testing.T) {
	dev := newTestDevice(t, 512, 8)
	cache := NewCache(dev, 4)

	a, err := cache.Acquire(3)
	require.NoError(t, err)
	b, err := cache.Acquire(3)
	require.NoError(t, err)
	assert.Same(t, a, b)
	require.NoError(t, cache.Release(a))
}

func TestCacheEvictsCleanEntriesBeyondCapacity(t *testing.T) {
	dev := newTestDevice(t, 512, 8)
	cache := NewCache(dev, 2)

	for i := uint64(0); i < 6; i++ {
		buf, err := cache.Acquire(i)
		require.NoError(t, err)
		require.NoError(t, cache.Release(buf))
	}
	assert.LessOrEqual(t, len(cache.entries), 2)
}

func TestCacheFlushWritesBackDirtyBuffers(t *testing.T) {
	dev := newTestDevice(t, 512, 8)
	cache := NewCache(dev, 4)

	buf, err := cache.Acquire(5)
	require.NoError(t, err)
	buf.Bytes[0] = 0xCD
	buf.MarkDirty()

	require.NoError(t, cache.Flush())

	direct, err := dev.PreadBlock(5)
	require.NoError(t, err)
	assert.Equal(t, byte(0xCD), direct[0])
}

func TestCacheMustAcquireRejectsOutOfRangeBlock(t *testing.T) {
	dev := newTestDevice(t, 512, 4)
	cache := NewCache(dev, 4)

	_, err := cache.MustAcquire(100)
	assert.Error(t, err)

	buf, err := cache.MustAcquire(1)
	require.NoError(t, err)
	require.NoError(t, cache.Release(buf))
}

func TestNewCacheDefaultsCapacity(t *testing.T) {
	dev := newTestDevice(t, 512, 4)
	cache := NewCache(dev, 0)
	assert.Equal(t, DefaultCacheBlocks, cache.capacity)
}
