package gfs2

import (
	"bytes"
	"encoding/binary"
)

// InumSize is the encoded size in bytes of Inum.
const InumSize = 16

// Inum is an on-disk inode number: the pair of a formal (NFS-stable)
// inode number and the block address holding the dinode.
type Inum struct {
	FormalIno uint64
	Addr      uint64
}

// IsZero reports whether the inum is the all-zero sentinel used for unused
// reserved fields and hole markers.
func (n Inum) IsZero() bool {
	return n.FormalIno == 0 && n.Addr == 0
}

func decodeInum(b []byte) Inum {
	return Inum{
		FormalIno: binary.BigEndian.Uint64(b[0:8]),
		Addr:      binary.BigEndian.Uint64(b[8:16]),
	}
}

func (n Inum) encode(b []byte) {
	binary.BigEndian.PutUint64(b[0:8], n.FormalIno)
	binary.BigEndian.PutUint64(b[8:16], n.Addr)
}

func encodeInum(n Inum) []byte {
	buf := new(bytes.Buffer)
	buf.Grow(InumSize)
	_ = binary.Write(buf, binary.BigEndian, n)
	return buf.Bytes()
}
