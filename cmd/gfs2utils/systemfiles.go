package main

import (
	"fmt"

	"github.com/andyprice/gfs2-utils-go/pkg/dinode"
	"github.com/andyprice/gfs2-utils-go/pkg/gfs2"
	"github.com/andyprice/gfs2-utils-go/pkg/session"
)

// readSuperblock reads the superblock directly off the device, same as
// savemeta does, since the cache's block size isn't trustworthy until the
// superblock itself has been decoded.
func readSuperblock(sess *session.Session) (gfs2.Superblock, error) {
	raw, err := sess.Device.PreadRange(gfs2.SBAddrBytes, gfs2.SuperblockSize)
	if err != nil {
		return gfs2.Superblock{}, err
	}
	return gfs2.DecodeSuperblock(raw)
}

// lookupSystemFile resolves name as a child of the directory dinode at
// dirAddr and reads its own dinode.
func lookupSystemFile(sess *session.Session, w *dinode.Walker, dirAddr uint64, name string) (gfs2.Inum, gfs2.Dinode, error) {
	dirBuf, err := sess.Cache.Acquire(dirAddr)
	if err != nil {
		return gfs2.Inum{}, gfs2.Dinode{}, err
	}
	dirDinode, err := gfs2.DecodeDinode(dirBuf.Bytes)
	sess.Cache.Release(dirBuf)
	if err != nil {
		return gfs2.Inum{}, gfs2.Dinode{}, err
	}

	inum, ok, err := w.Lookup(dirDinode, name)
	if err != nil {
		return gfs2.Inum{}, gfs2.Dinode{}, err
	}
	if !ok {
		return gfs2.Inum{}, gfs2.Dinode{}, fmt.Errorf("%w: system file %q not found", gfs2.ErrMalformed, name)
	}

	buf, err := sess.Cache.Acquire(inum.Addr)
	if err != nil {
		return gfs2.Inum{}, gfs2.Dinode{}, err
	}
	d, err := gfs2.DecodeDinode(buf.Bytes)
	sess.Cache.Release(buf)
	if err != nil {
		return gfs2.Inum{}, gfs2.Dinode{}, err
	}
	return inum, d, nil
}

// cliRindexAppender grows rindex's stuffed record array in place. Like
// mkfs's own rindex write, it only supports a rindex that stays stuffed;
// growing an existing filesystem enough times to overflow a block's worth
// of records needs indirect-block allocation this driver doesn't do, so it
// reports the constraint instead of silently corrupting the file.
type cliRindexAppender struct {
	sess *session.Session
	addr uint64
}

func (a *cliRindexAppender) Append(rec gfs2.RindexRecord) error {
	buf, err := a.sess.Cache.Acquire(a.addr)
	if err != nil {
		return err
	}
	d, err := gfs2.DecodeDinode(buf.Bytes)
	if err != nil {
		a.sess.Cache.Release(buf)
		return err
	}
	newSize := int(d.Size) + gfs2.RindexRecordSize
	if gfs2.DinodeSize+newSize > a.sess.Device.BlockSize() {
		a.sess.Cache.Release(buf)
		return fmt.Errorf("%w: rindex has grown beyond a stuffed file; this driver cannot convert it to indirect blocks", gfs2.ErrConstraint)
	}
	gfs2.EncodeRindexRecord(rec, buf.Bytes[gfs2.DinodeSize+int(d.Size):gfs2.DinodeSize+newSize])
	d.Size = uint64(newSize)
	gfs2.EncodeDinode(d, buf.Bytes[:gfs2.DinodeSize])
	buf.MarkDirty()
	return a.sess.Cache.Release(buf)
}

func (a *cliRindexAppender) Truncate(recordCount int) error {
	buf, err := a.sess.Cache.Acquire(a.addr)
	if err != nil {
		return err
	}
	d, err := gfs2.DecodeDinode(buf.Bytes)
	if err != nil {
		a.sess.Cache.Release(buf)
		return err
	}
	d.Size = uint64(recordCount * gfs2.RindexRecordSize)
	gfs2.EncodeDinode(d, buf.Bytes[:gfs2.DinodeSize])
	buf.MarkDirty()
	return a.sess.Cache.Release(buf)
}

// cliJindexAppender adds a "journalN" dirent to jindex's own leaf block,
// the same stuffed-directory layout pkg/layout's writeDirEntries builds at
// mkfs time. ordinal is the index of the next journal to add, used to name
// it consistently with gfs2.JournalName.
type cliJindexAppender struct {
	sess    *session.Session
	addr    uint64
	ordinal int
}

func (a *cliJindexAppender) AddJournal(inodeAddr uint64) error {
	name := gfs2.JournalName(a.ordinal)
	a.ordinal++

	buf, err := a.sess.Cache.Acquire(a.addr)
	if err != nil {
		return err
	}
	d, err := gfs2.DecodeDinode(buf.Bytes)
	if err != nil {
		a.sess.Cache.Release(buf)
		return err
	}

	off := gfs2.DinodeSize + int(d.Size)
	recLen := int(gfs2.AlignedDirentSize(len(name)))
	if off+recLen > len(buf.Bytes) {
		a.sess.Cache.Release(buf)
		return fmt.Errorf("%w: jindex leaf block is full, cannot add journal %q", gfs2.ErrConstraint, name)
	}

	dirent := gfs2.Dirent{
		Inum:    gfs2.Inum{FormalIno: inodeAddr, Addr: inodeAddr},
		Hash:    gfs2.DirentHash(name),
		RecLen:  uint16(recLen),
		NameLen: uint16(len(name)),
		Type:    gfs2.DtReg,
		Name:    name,
	}
	gfs2.EncodeDirent(dirent, buf.Bytes[off:off+recLen])

	d.Size += uint64(recLen)
	d.Entries++
	gfs2.EncodeDinode(d, buf.Bytes[:gfs2.DinodeSize])
	buf.MarkDirty()
	return a.sess.Cache.Release(buf)
}
