package cmd

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(resultsCmd)
}

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Print the node's last triangulation results buffer",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(rootHostFlag + "/results")
		if err != nil {
			log.Fatalf("fetching /results: %v", err)
		}
		defer resp.Body.Close()
		if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
			log.Fatalf("reading /results response: %v", err)
		}
		fmt.Println()
	},
}
