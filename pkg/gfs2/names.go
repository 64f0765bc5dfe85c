package gfs2

import "strconv"

// Names of the system files that live under the master directory in the
// current generation. The legacy generation has no master directory; its
// equivalents are named directly in the superblock (see Superblock).
const (
	SystemRindex  = "rindex"
	SystemJindex  = "jindex"
	SystemPerNode = "per_node"
	SystemInum    = "inum"
	SystemStatfs  = "statfs"
	SystemQuota   = "quota"
	SystemMaster  = "master"
)

// JournalName returns the conventional name of the n'th journal file under
// jindex.
func JournalName(n int) string {
	return "journal" + strconv.Itoa(n)
}
