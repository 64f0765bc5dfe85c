package main

import (
	"fmt"
	"strconv"

	"github.com/andyprice/gfs2-utils-go/pkg/gfs2"
)

// errLegacyUnsupported is returned by subcommands that only know how to
// grow or extend the current generation's master-directory layout; a
// legacy filesystem's flat system-inode list needs different lookup code
// this driver doesn't carry.
var errLegacyUnsupported = fmt.Errorf("%w: legacy-generation filesystems are not supported by this command", gfs2.ErrConstraint)

func parseOrdinal(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid journal ordinal %q: %v", gfs2.ErrConstraint, s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: journal ordinal must not be negative", gfs2.ErrConstraint)
	}
	return n, nil
}
