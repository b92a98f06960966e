package cli

import (
	"github.com/spf13/cobra"

	"gold-rate-alerts/internal/app"
)

var (
	showInstrument string
	showLimit      int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print recent observations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Show(cmd.Context(), app.ShowOptions{
			InstrumentKey: showInstrument,
			Limit:         showLimit,
		})
	},
}

func init() {
	showCmd.Flags().StringVar(&showInstrument, "instrument", "", "Instrument key, e.g. metal/gold/egypt or fx/USD/EGP (default: latest per instrument)")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Maximum observations to print")
}
