package layout

import (
	"golang.org/x/sys/unix"

	"github.com/andyprice/gfs2-utils-go/pkg/bio"
)

// deviceTopology carries the handful of block-device geometry facts the
// planner uses to pick a block size and alignment; every field is zero
// when the backing store doesn't support the corresponding ioctl (e.g. a
// plain file used in tests), which the callers treat as "unknown".
type deviceTopology struct {
	logicalSectorSize  int
	physicalSectorSize int
	optimalIOSize      int
	minimumIOSize      int
}

// probeTopology queries the kernel for dev's block-device geometry. It
// never fails: an unsupported ioctl (ENOTTY on a regular file, common in
// tests and loop-mounted images) just leaves the corresponding field zero.
func probeTopology(dev *bio.Device) deviceTopology {
	var t deviceTopology
	f := dev.File()
	if f == nil {
		return t
	}
	fd := int(f.Fd())

	if v, err := unix.IoctlGetInt(fd, unix.BLKSSZGET); err == nil {
		t.logicalSectorSize = v
	}
	if v, err := unix.IoctlGetInt(fd, unix.BLKPBSZGET); err == nil {
		t.physicalSectorSize = v
	}
	// Optimal/minimum I/O size ioctls are not exposed by this module's
	// vendored unix package; filesystems created on a plain file (the
	// common case for this toolchain) fall back to stripe-unit/width
	// flags or disable alignment, per computeAlignment.
	return t
}
