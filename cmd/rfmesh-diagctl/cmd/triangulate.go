package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	triTargetFlag string
	triSecsFlag   uint32
	triEnvFlag    int
)

func init() {
	RootCmd.AddCommand(triangulateCmd)
	triangulateCmd.Flags().StringVarP(&triTargetFlag, "target", "t", "", "MAC address or T-<id> to triangulate")
	triangulateCmd.Flags().Uint32VarP(&triSecsFlag, "secs", "s", 60, "scan duration in seconds (0 = until stopped)")
	triangulateCmd.Flags().IntVarP(&triEnvFlag, "env", "e", 2, "RF environment code (0=OpenSky .. 4=Industrial)")
	_ = triangulateCmd.MarkFlagRequired("target")
}

var triangulateCmd = &cobra.Command{
	Use:   "triangulate",
	Short: "Start a coordinator triangulation session against a target",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()

		q := url.Values{}
		q.Set("target", triTargetFlag)
		q.Set("secs", fmt.Sprintf("%d", triSecsFlag))
		q.Set("env", fmt.Sprintf("%d", triEnvFlag))

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Post(rootHostFlag+"/triangulate?"+q.Encode(), "", nil)
		if err != nil {
			log.Fatalf("posting /triangulate: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusAccepted {
			log.Fatalf("/triangulate rejected: %s: %s", resp.Status, body)
		}
		fmt.Println("triangulation session started")
	},
}
