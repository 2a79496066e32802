package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"usdfc-telemetry/internal/app"
	"usdfc-telemetry/internal/metrics"
)

var (
	showMetric string
	showLimit  int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent metric snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		if showMetric == "" {
			return fmt.Errorf("--metric must be provided")
		}

		opts := app.ShowOptions{
			MetricID: showMetric,
			Limit:    showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showMetric, "metric", metrics.IDProtocolMetrics, "Metric id to display")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of snapshots to display")
}
