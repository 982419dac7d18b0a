package cmd

import (
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(stopCmd)
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Request the node to stop any in-progress scan or session",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Post(rootHostFlag+"/stop", "", nil)
		if err != nil {
			log.Fatalf("posting /stop: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusAccepted {
			log.Fatalf("/stop rejected: %s: %s", resp.Status, body)
		}
		fmt.Println("stop requested")
	},
}
