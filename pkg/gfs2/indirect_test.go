package gfs2

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPointerRoundTrip(t *testing.T) {
	ptrs := []uint64{0, 100, 0, 200, 300}
	b := make([]byte, 4096)
	EncodePointers(ptrs, IndirectHeaderSize, b)

	got, err := DecodePointers(b, IndirectHeaderSize)
	assert.NoError(t, err)
	assert.Equal(t, ptrs, got[:len(ptrs)])
	for _, p := range got[len(ptrs):] {
		assert.Equal(t, uint64(0), p)
	}
}

func TestFanOut(t *testing.T) {
	cur := FanOut(4096, GenerationCurrent)
	legacy := FanOut(4096, GenerationLegacy)
	assert.Equal(t, (4096-IndirectHeaderSize)/8, cur)
	assert.Equal(t, (4096-LegacyIndirectHeaderSize)/8, legacy)
	assert.True(t, legacy < cur)
}
