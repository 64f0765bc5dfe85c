package gfs2

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirentRoundTrip(t *testing.T) {
	d := Dirent{
		Inum:    Inum{FormalIno: 99, Addr: 99},
		Hash:    DirentHash("hello.txt"),
		NameLen: uint16(len("hello.txt")),
		Type:    1,
		Name:    "hello.txt",
	}
	d.RecLen = AlignedDirentSize(len(d.Name))

	b := make([]byte, d.RecLen)
	EncodeDirent(d, b)

	got, err := DecodeDirent(b, 4096)
	require.NoError(t, err)
	if diff := cmp.Diff(d, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDirentRejectsBadRecLen(t *testing.T) {
	b := make([]byte, DirentHeaderSize)
	// rec_len of 0 is smaller than the header itself.
	_, err := DecodeDirent(b, 4096)
	assert.Error(t, err)
}

func TestLeafHeaderRoundTrip(t *testing.T) {
	lh := LeafHeader{
		Header:       MetaHeader{Magic: Magic, Type: MetaTypeLF, Format: FormatLF},
		Depth:        2,
		Entries:      5,
		DirentFormat: FormatDE,
		Next:         0,
	}
	b := make([]byte, 4096)
	EncodeLeafHeader(lh, b)

	got, err := DecodeLeafHeader(b)
	require.NoError(t, err)
	if diff := cmp.Diff(lh, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDirentHashDistributesAcrossBuckets(t *testing.T) {
	h1 := DirentHash("alpha")
	h2 := DirentHash("bravo")
	assert.NotEqual(t, h1, h2)

	b1 := HashToBucket(h1, 4)
	assert.True(t, b1 < 16)
}
