package cli

import (
	"github.com/spf13/cobra"
)

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Send the daily market summary now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().DigestOnce(cmd.Context())
	},
}
