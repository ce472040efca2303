package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"pricestore/internal/app"
)

var (
	exportID          string
	exportGranularity string
	exportPNGPath     string
	exportCSVPath     string
	exportMaxPoints   int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the stored history of a pair exchange as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportID == "" {
			return fmt.Errorf("--id is required")
		}
		return getApp().Export(cmd.Context(), app.ExportOptions{
			ID:          exportID,
			Granularity: exportGranularity,
			PNGPath:     exportPNGPath,
			CSVPath:     exportCSVPath,
			MaxPoints:   exportMaxPoints,
		})
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportID, "id", "", "Pair exchange id, e.g. BTC_USD_KRAKEN")
	exportCmd.Flags().StringVar(&exportGranularity, "granularity", "daily", "daily or hourly")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
