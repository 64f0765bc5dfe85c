package main

import (
	"github.com/spf13/cobra"

	"github.com/andyprice/gfs2-utils-go/pkg/dinode"
	"github.com/andyprice/gfs2-utils-go/pkg/gfs2"
	"github.com/andyprice/gfs2-utils-go/pkg/layout"
	"github.com/andyprice/gfs2-utils-go/pkg/session"
)

var flagGrowRGSize int64

var growCmd = &cobra.Command{
	Use:   "grow DEVICE",
	Short: "Extend an existing GFS2 filesystem onto newly available space",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := session.Options{DevicePath: args[0], RGSize: flagGrowRGSize}

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

		appender := &cliRindexAppender{sess: sess, addr: rindexDinode.Num.Addr}
		res, err := layout.Grow(sess, rindexData, appender)
		if err != nil {
			return err
		}
		log.Printf("grow added %d resource groups", res.NewRGCount)
		return nil
	},
}

func init() {
	f := growCmd.Flags()
	f.Int64VarP(&flagGrowRGSize, "rgsize", "r", 0, "resource group size in bytes (0: 1 GiB default)")
}
