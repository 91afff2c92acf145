package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"tranche-ledger/internal/app"
)

var (
	showLimit  int
	showAlerts bool
	showStatus bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent rebases",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:  showLimit,
			Alerts: showAlerts,
			Status: showStatus,
		}

		return getApp().Show(cmd.Context(), opts, cmd.OutOrStdout())
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rebases to display")
	showCmd.Flags().BoolVar(&showAlerts, "alerts", false, "Also list recent alerts")
	showCmd.Flags().BoolVar(&showStatus, "status", false, "Print the latest checkpointed state first")
}
