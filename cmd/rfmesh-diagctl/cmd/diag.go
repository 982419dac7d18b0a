package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func init() {
	RootCmd.AddCommand(diagCmd)
}

var diagCmd = &cobra.Command{
	Use:   "diag",
	Short: "Fetch the node's rolling diagnostic snapshot",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		color.NoColor = !term.IsTerminal(int(os.Stdout.Fd()))

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(rootHostFlag + "/diag")
		if err != nil {
			log.Fatalf("fetching /diag: %v", err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			log.Fatalf("reading /diag response: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			log.Fatalf("/diag returned %s: %s", resp.Status, body)
		}

		var diag map[string]interface{}
		if err := json.Unmarshal(body, &diag); err != nil {
			log.Fatalf("parsing /diag response: %v", err)
		}

		table := tablewriter.NewTable(os.Stdout)
		table.Header([]string{"field", "value"})
		for _, k := range []string{"nodeId", "phase", "wifiPathLoss", "blePathLoss"} {
			v, ok := diag[k]
			if !ok {
				continue
			}
			rendered := fmt.Sprintf("%v", v)
			if k == "phase" {
				rendered = color.CyanString(rendered)
			}
			_ = table.Append([]string{k, rendered})
		}
		_ = table.Render()
	},
}
