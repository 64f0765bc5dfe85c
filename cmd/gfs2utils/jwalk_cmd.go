package main

import (
	"github.com/spf13/cobra"

	"github.com/andyprice/gfs2-utils-go/pkg/journal"
	"github.com/andyprice/gfs2-utils-go/pkg/session"
)

var flagJwalkTraceBlock uint64

var jwalkCmd = &cobra.Command{
	Use:   "jwalk DEVICE ORDINAL",
	Short: "Walk a journal's log records in replay order",
	Long: `jwalk replays journal ORDINAL's log-header, log-descriptor, and
log-buffer records in wrap-adjusted order and prints what it finds. With
--trace, it additionally reports every journaled copy of the given block
address, decoding the bitmap state each copy would apply.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := session.Options{DevicePath: args[0]}
		sess, err := session.Open(opts, true, log)
		if err != nil {
			return err
		}
		defer sess.Close()

		ordinal, err := parseOrdinal(args[1])
		if err != nil {
			return err
		}

		var trace *uint64
		if cmd.Flags().Changed("trace") {
			trace = &flagJwalkTraceBlock
		}

		res, err := journal.Walk(sess, ordinal, trace, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		log.Printf("walked %d blocks, wrap point at %d, %d trace matches", res.BlocksWalked, res.WrapPoint, res.Matches)
		return nil
	},
}

func init() {
	f := jwalkCmd.Flags()
	f.Uint64Var(&flagJwalkTraceBlock, "trace", 0, "report journaled copies of this block address")
}
