package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/andyprice/gfs2-utils-go/pkg/savemeta"
	"github.com/andyprice/gfs2-utils-go/pkg/session"
)

var (
	flagSavemetaRGsOnly bool
	flagSavemetaSlow    bool
	flagSavemetaGzip    int
)

var savemetaCmd = &cobra.Command{
	Use:   "savemeta DEVICE ARCHIVE",
	Short: "Save a GFS2 filesystem's metadata to an archive",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := savemeta.ModeFull
		switch {
		case flagSavemetaRGsOnly:
			mode = savemeta.ModeRGsOnly
		case flagSavemetaSlow:
			mode = savemeta.ModeSlow
		}

		opts := session.Options{
			DevicePath:       args[0],
			ArchivePath:      args[1],
			CompressionLevel: flagSavemetaGzip,
		}

		sess, err := session.Open(opts, true, log)
		if err != nil {
			return err
		}
		defer sess.Close()

		f, err := os.Create(args[1])
		if err != nil {
			return err
		}
		defer f.Close()

		res, err := savemeta.Save(sess, f, mode)
		if err != nil {
			return err
		}
		log.Printf("saved %d blocks to %s", res.BlocksSaved, args[1])
		return nil
	},
}

func init() {
	f := savemetaCmd.Flags()
	f.BoolVar(&flagSavemetaRGsOnly, "rgs-only", false, "save only resource group structure, no dinodes")
	f.BoolVar(&flagSavemetaSlow, "slow", false, "find dinodes by reading every data block's meta header instead of trusting the bitmaps")
	f.IntVarP(&flagSavemetaGzip, "compress", "c", 0, "gzip compression level (0: plain, 1-9: gzip)")
}
