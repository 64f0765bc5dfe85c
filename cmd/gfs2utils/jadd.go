package main

import (
	"github.com/spf13/cobra"

	"github.com/andyprice/gfs2-utils-go/pkg/dinode"
	"github.com/andyprice/gfs2-utils-go/pkg/gfs2"
	"github.com/andyprice/gfs2-utils-go/pkg/layout"
	"github.com/andyprice/gfs2-utils-go/pkg/session"
)

var (
	flagJaddCount       int
	flagJaddJournalSize int64
)

var jaddCmd = &cobra.Command{
	Use:   "jadd DEVICE",
	Short: "Add journals to an existing GFS2 filesystem",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := session.Options{DevicePath: args[0]}

		sess, err := session.Open(opts, false, log)
		if err != nil {
			return err
		}
		defer sess.Close()

		sb, err := readSuperblock(sess)
		if err != nil {
			return err
		}
		if err := sb.Validate(); err != nil {
			return err
		}
		sess.Device.SetBlockSize(int(sb.BlockSize))
		if sb.Generation() != gfs2.GenerationCurrent {
			return errLegacyUnsupported
		}

		w := &dinode.Walker{Cache: sess.Cache, BlockSize: int(sb.BlockSize), Generation: sb.Generation()}
		_, jindexDinode, err := lookupSystemFile(sess, w, sb.MasterDir.Addr, "jindex")
		if err != nil {
			return err
		}
		_, rindexDinode, err := lookupSystemFile(sess, w, sb.MasterDir.Addr, "rindex")
		if err != nil {
			return err
		}
		rindexData, faults, err := w.ReadData(rindexDinode)
		if err != nil {
			return err
		}
		for _, f := range faults {
			log.Warnf("rindex: skipping unreadable block at %d: %v", f.Addr, f.Reason)
		}

		journalSizeBlocks := uint64(0)
		if flagJaddJournalSize > 0 {
			journalSizeBlocks = uint64(flagJaddJournalSize) / uint64(sb.BlockSize)
		} else {
			journalSizeBlocks = uint64(128<<20) / uint64(sb.BlockSize)
		}

		rindexAppender := &cliRindexAppender{sess: sess, addr: rindexDinode.Num.Addr}
		jindexAppender := &cliJindexAppender{sess: sess, addr: jindexDinode.Num.Addr, ordinal: int(jindexDinode.Entries) - 2}
		res, err := layout.AddJournals(sess, rindexData, flagJaddCount, journalSizeBlocks, rindexAppender, jindexAppender)
		if err != nil {
			return err
		}
		log.Printf("jadd added %d journals", res.Added)
		return nil
	},
}

func init() {
	f := jaddCmd.Flags()
	f.IntVarP(&flagJaddCount, "journals", "j", 1, "number of journals to add")
	f.Int64VarP(&flagJaddJournalSize, "journal-size", "J", 0, "journal size in bytes (0: 128 MiB default)")
}
