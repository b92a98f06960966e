package cli

import (
	"github.com/spf13/cobra"

	"gold-rate-alerts/internal/app"
)

var (
	exportInstrument string
	exportCSVPath    string
	exportPNGPath    string
	exportLimit      int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export observation history as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Export(cmd.Context(), app.ExportOptions{
			InstrumentKey: exportInstrument,
			CSVPath:       exportCSVPath,
			PNGPath:       exportPNGPath,
			Limit:         exportLimit,
		})
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportInstrument, "instrument", "", "Instrument key, e.g. metal/gold/egypt")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 0, "Maximum observations to export (defaults to retention size)")
}
