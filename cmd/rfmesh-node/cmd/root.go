// Package cmd implements the rfmesh-node CLI: the long-running mesh
// node daemon, following the teacher's cobra root-command layout
// (cmd/ptpcheck/cmd/root.go) for verbosity flags and subcommand wiring.
package cmd

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// RootCmd is the entry point. Exported so the binary stays extensible
// without touching core functionality.
var RootCmd = &cobra.Command{
	Use:   "rfmesh-node",
	Short: "Run the RF surveillance mesh node daemon",
}

var rootVerboseFlag bool

func init() {
	RootCmd.PersistentFlags().BoolVarP(&rootVerboseFlag, "verbose", "v", false, "verbose output")
}

// ConfigureVerbosity configures log verbosity based on parsed flags. Needs
// to be called by any subcommand.
func ConfigureVerbosity() {
	log.SetLevel(log.InfoLevel)
	if rootVerboseFlag {
		log.SetLevel(log.DebugLevel)
	}
}

// Execute is the main entry point for CLI interface.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
