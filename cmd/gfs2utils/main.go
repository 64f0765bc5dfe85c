// Command gfs2utils is a thin driver over the layout, savemeta,
// restoremeta, and journal cores: each subcommand parses flags, builds a
// session.Options, and calls straight into the matching core entry point.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/andyprice/gfs2-utils-go/pkg/elog"
)

var log elog.View

var (
	flagVerbose bool
	flagDebug   bool
	flagJSON    bool
)

var rootCmd = &cobra.Command{
	Use:   "gfs2utils",
	Short: "Tools for laying out, inspecting, and recovering GFS2 filesystems",
	Long: `gfs2utils builds, grows, and inspects GFS2 filesystems outside the
kernel: mkfs/grow/jadd plan and write on-disk structure, savemeta and
restoremeta snapshot and reconstruct an image's metadata, and jwalk replays
a journal's log records against a target block.`,
}

func commandInit() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().BoolVarP(&flagJSON, "json", "j", false, "enable json output")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		logger := &elog.CLI{}
		if flagJSON {
			logger.DisableTTY = true
			logrus.SetFormatter(&logrus.JSONFormatter{})
		} else {
			logrus.SetFormatter(logger)
		}
		logrus.SetLevel(logrus.TraceLevel)
		if flagDebug {
			logger.IsDebug = true
			logger.IsVerbose = true
		} else if flagVerbose {
			logger.IsVerbose = true
		}
		log = logger
		return nil
	}

	rootCmd.AddCommand(mkfsCmd)
	rootCmd.AddCommand(growCmd)
	rootCmd.AddCommand(jaddCmd)
	rootCmd.AddCommand(savemetaCmd)
	rootCmd.AddCommand(restoremetaCmd)
	rootCmd.AddCommand(jwalkCmd)
}

func main() {
	commandInit()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
