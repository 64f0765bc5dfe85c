package main

import (
	"github.com/spf13/cobra"

	"github.com/andyprice/gfs2-utils-go/pkg/layout"
	"github.com/andyprice/gfs2-utils-go/pkg/session"
)

var (
	flagBlockSize     int
	flagJournalCount  int
	flagJournalSize   int64
	flagRGSize        int64
	flagLockProto     string
	flagLockTable     string
	flagUUID          string
	flagStripeUnit    int64
	flagStripeWidth   int64
	flagMkfsCacheSize int
)

var mkfsCmd = &cobra.Command{
	Use:   "mkfs DEVICE",
	Short: "Build a new GFS2 filesystem on DEVICE",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := session.Options{
			DevicePath:   args[0],
			BlockSize:    flagBlockSize,
			JournalCount: flagJournalCount,
			JournalSize:  flagJournalSize,
			RGSize:       flagRGSize,
			LockProto:    flagLockProto,
			LockTable:    flagLockTable,
			UUID:         flagUUID,
			StripeUnit:   flagStripeUnit,
			StripeWidth:  flagStripeWidth,
			CacheBlocks:  flagMkfsCacheSize,
		}

		sess, err := session.Open(opts, false, log)
		if err != nil {
			return err
		}
		defer sess.Close()

		res, err := layout.Create(sess)
		if err != nil {
			return err
		}
		log.Printf("created filesystem: block size %d, %d resource groups, %d journals",
			res.BlockSize, res.RGCount, res.JournalCount)
		return nil
	},
}

func init() {
	f := mkfsCmd.Flags()
	f.IntVar(&flagBlockSize, "block-size", 0, "filesystem block size in bytes (0: derive from device)")
	f.IntVarP(&flagJournalCount, "journals", "j", 1, "number of journals to create")
	f.Int64VarP(&flagJournalSize, "journal-size", "J", 0, "journal size in bytes (0: 128 MiB default)")
	f.Int64VarP(&flagRGSize, "rgsize", "r", 0, "resource group size in bytes (0: 1 GiB default)")
	f.StringVarP(&flagLockProto, "lock-proto", "p", "lock_nolock", "locking protocol (lock_nolock or lock_dlm)")
	f.StringVarP(&flagLockTable, "lock-table", "t", "", "lock table name (cluster:fs, required for lock_dlm)")
	f.StringVarP(&flagUUID, "uuid", "U", "", "filesystem UUID (empty: generate)")
	f.Int64Var(&flagStripeUnit, "stripe-unit", 0, "RAID stripe unit in bytes, for alignment")
	f.Int64Var(&flagStripeWidth, "stripe-width", 0, "RAID stripe width in bytes, for alignment")
	f.IntVar(&flagMkfsCacheSize, "cache-blocks", 0, "buffer cache size in blocks (0: default)")
}
