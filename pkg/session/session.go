package session

import (
	"fmt"

	"github.com/andyprice/gfs2-utils-go/pkg/bio"
	"github.com/andyprice/gfs2-utils-go/pkg/elog"
	"github.com/andyprice/gfs2-utils-go/pkg/gfs2"
)

// Options carries the caller-supplied configuration for a core operation;
// CLI drivers populate it from flags, embedders populate it directly.
type Options struct {
	DevicePath  string
	ArchivePath string

	BlockSize int // 0 means "derive from device topology"

	JournalCount int
	JournalSize  int64 // bytes; 0 means the fixed 128 MiB default, not scaled to the device length
	RGSize       int64 // bytes; 0 means default (1 GiB, clamped)

	LockProto string
	LockTable string

	UUID string // empty means "generate"

	StripeUnit  int64
	StripeWidth int64

	CompressionLevel int // savemeta: 0 means plain, 1-9 gzip level

	CacheBlocks int // 0 means bio.DefaultCacheBlocks
}

// Session bundles the mutable state every core call needs, replacing the
// process-wide globals the original design held: the open device, the
// buffer cache, and a logger. One Session belongs to exactly one core
// invocation. Open leaves Generation at its zero value and no core reads
// it; each core takes the generation from the superblock it decodes.
type Session struct {
	Generation gfs2.Generation

	Device *bio.Device
	Cache  *bio.Cache

	// Archive is non-nil only for savemeta (write) and restoremeta (read).
	Archive interface {
		Close() error
	}

	Log elog.Logger

	Options Options
}

// Open opens the device named by opts.DevicePath and builds a Session
// around it. readOnly controls whether the device is opened for writing;
// layout and restoremeta need read-write, savemeta and the journal walker
// need only read-only.
func Open(opts Options, readOnly bool, log elog.Logger) (*Session, error) {
	if opts.DevicePath == "" {
		return nil, fmt.Errorf("%w: no device path given", gfs2.ErrConstraint)
	}

	blockSize := opts.BlockSize
	if blockSize == 0 {
		blockSize = 4096
	}

	dev, err := bio.Open(bio.OpenArgs{
		Path:      opts.DevicePath,
		BlockSize: blockSize,
		ReadOnly:  readOnly,
	})
	if err != nil {
		return nil, err
	}

	cache := bio.NewCache(dev, opts.CacheBlocks)

	s := &Session{
		Device:  dev,
		Cache:   cache,
		Log:     log,
		Options: opts,
	}

	return s, nil
}

// Close releases every resource the session owns: the buffer cache is
// flushed, the device is closed, and the archive handle (if any) is
// closed. Errors are combined but every step is always attempted so a
// failure to flush doesn't leak the device handle.
func (s *Session) Close() error {
	var firstErr error
	if s.Cache != nil {
		if err := s.Cache.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.Archive != nil {
		if err := s.Archive.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.Device != nil {
		if err := s.Device.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
