package cli

import (
	"time"

	"github.com/spf13/cobra"

	"dexmonitor/internal/app"
)

var (
	chartChain     string
	chartWindow    time.Duration
	chartPNGPath   string
	chartCSVPath   string
	chartMaxPoints int
)

var chartCmd = &cobra.Command{
	Use:   "chart <tokenAddress>",
	Short: "Export a token's recent prices as CSV and/or PNG chart",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Chart(cmd.Context(), app.ChartOptions{
			ChainID:      chartChain,
			TokenAddress: args[0],
			Window:       chartWindow,
			PNGPath:      chartPNGPath,
			CSVPath:      chartCSVPath,
			MaxPoints:    chartMaxPoints,
		})
	},
}

func init() {
	chartCmd.Flags().StringVar(&chartChain, "chain", "", "Chain id (defaults to fetcher.default_chain)")
	chartCmd.Flags().DurationVar(&chartWindow, "window", 0, "History window, e.g. 6h (defaults to chart.default_window)")
	chartCmd.Flags().StringVar(&chartPNGPath, "png", "", "Path to write PNG chart")
	chartCmd.Flags().StringVar(&chartCSVPath, "csv", "", "Path to write CSV data")
	chartCmd.Flags().IntVar(&chartMaxPoints, "max-points", 0, "Maximum data points to plot (0 keeps all)")
}
