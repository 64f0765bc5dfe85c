package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/andyprice/gfs2-utils-go/pkg/bio"
	"github.com/andyprice/gfs2-utils-go/pkg/restoremeta"
)

var flagRestorePrintOnly bool

var restoremetaCmd = &cobra.Command{
	Use:   "restoremeta ARCHIVE DEVICE",
	Short: "Restore a GFS2 filesystem's metadata from an archive",
	Long: `restoremeta reads a savemeta archive and reconstructs its blocks onto
DEVICE. With --print, it instead describes each record without writing
anything, useful for inspecting an archive before committing to it.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		opts := restoremeta.Options{Log: log}
		if flagRestorePrintOnly {
			opts.Out = cmd.OutOrStdout()
		} else {
			dev, err := bio.Open(bio.OpenArgs{Path: args[1], BlockSize: 4096, ReadOnly: false})
			if err != nil {
				return err
			}
			defer dev.Close()
			opts.Dev = dev
		}

		res, err := restoremeta.Restore(f, opts)
		if err != nil {
			return err
		}
		if !flagRestorePrintOnly {
			log.Printf("restored %d blocks (%d records) at block size %d", res.BlocksWritten, res.RecordsRead, res.BlockSize)
		}
		return nil
	},
}

func init() {
	f := restoremetaCmd.Flags()
	f.BoolVar(&flagRestorePrintOnly, "print", false, "print records instead of writing them")
}
