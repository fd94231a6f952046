package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// RootCmd is the base command, mirroring
// _examples/scgolang-oscsync/cmd/root.go's package-level RootCmd + AddCommand
// pattern in each subcommand's init().
var RootCmd = &cobra.Command{
	Use:   "linkbridge",
	Short: "Bridge tempo and phase between a DJ-Link network and Ableton Link",
	Long: `linkbridge runs the synchronization engine that ties a Pioneer Pro DJ
Link network to an Ableton Link session reached through a local Link daemon
(Carabiner). Use "linkbridge serve" to run the daemon, and "linkbridge
status"/"linkbridge lock-tempo" as thin clients against a running daemon's
control API.`,
}

func main() {
	logrus.SetLevel(logrus.InfoLevel)
	if err := RootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("linkbridge: command failed")
		os.Exit(1)
	}
}
