package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"gold-rate-alerts/internal/app"
)

var (
	simulateInstrument string
	simulateValue      string
	simulateCurrency   string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Inject a synthetic quote and run the alert pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := decimal.NewFromString(simulateValue)
		if err != nil {
			return fmt.Errorf("invalid --value: %w", err)
		}
		return getApp().Simulate(cmd.Context(), app.SimulateOptions{
			InstrumentKey: simulateInstrument,
			Value:         value,
			Currency:      simulateCurrency,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateInstrument, "instrument", "", "Instrument key, e.g. metal/gold/egypt")
	simulateCmd.Flags().StringVar(&simulateValue, "value", "", "Synthetic price value")
	simulateCmd.Flags().StringVar(&simulateCurrency, "currency", "", "Override the pricing currency")
	_ = simulateCmd.MarkFlagRequired("instrument")
	_ = simulateCmd.MarkFlagRequired("value")
}
