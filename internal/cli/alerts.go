package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"dexmonitor/internal/app"
)

var (
	alertsLimit     int
	alertsMonitorID int64
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Display recent alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		return getApp().ShowAlerts(cmd.Context(), app.AlertsOptions{
			MonitorID: alertsMonitorID,
			Limit:     alertsLimit,
		})
	},
}

func init() {
	alertsCmd.Flags().IntVar(&alertsLimit, "limit", 20, "Number of alerts to display")
	alertsCmd.Flags().Int64Var(&alertsMonitorID, "monitor", 0, "Only show alerts of this monitor")
}
