// Package cmd implements the rfmesh-diagctl CLI: a thin HTTP client
// against a node's httpapi surface, following the teacher's ptpcheck
// layout of a cobra root with read-only diagnostic subcommands.
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
	Use:   "rfmesh-diagctl",
	Short: "Query and control a running rfmesh node over its HTTP surface",
}

var rootVerboseFlag bool
var rootHostFlag string

func init() {
	RootCmd.PersistentFlags().BoolVarP(&rootVerboseFlag, "verbose", "v", false, "verbose output")
	RootCmd.PersistentFlags().StringVarP(&rootHostFlag, "host", "H", "http://127.0.0.1:8080", "base URL of the rfmesh node's HTTP surface")
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
