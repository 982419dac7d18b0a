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
	calDistFlag float64
	calRSSIFlag float64
	calBLEFlag  bool
)

func init() {
	RootCmd.AddCommand(calibrateCmd)
	calibrateCmd.Flags().Float64VarP(&calDistFlag, "dist", "d", 0, "ground-truth distance in meters")
	calibrateCmd.Flags().Float64VarP(&calRSSIFlag, "rssi", "r", 0, "observed RSSI in dBm at that distance")
	calibrateCmd.Flags().BoolVar(&calBLEFlag, "ble", false, "sample is for the BLE radio rather than Wi-Fi")
	_ = calibrateCmd.MarkFlagRequired("dist")
	_ = calibrateCmd.MarkFlagRequired("rssi")
}

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Feed a manual ground-truth sample into the node's path-loss model",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()

		q := url.Values{}
		q.Set("dist", fmt.Sprintf("%g", calDistFlag))
		q.Set("rssi", fmt.Sprintf("%g", calRSSIFlag))
		if calBLEFlag {
			q.Set("ble", "1")
		}

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Post(rootHostFlag+"/calibrate?"+q.Encode(), "", nil)
		if err != nil {
			log.Fatalf("posting /calibrate: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusAccepted {
			log.Fatalf("/calibrate rejected: %s: %s", resp.Status, body)
		}
		fmt.Println("calibration sample accepted")
	},
}
