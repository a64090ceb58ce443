package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"trade-executor/internal/app"
)

var (
	showLimit  int
	showFilter historyFilter
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent trades",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		scope, err := showFilter.scope()
		if err != nil {
			return err
		}
		statuses, err := showFilter.tradeStatuses()
		if err != nil {
			return err
		}
		return getApp().Show(cmd.Context(), app.ShowOptions{Limit: showLimit, Scope: scope, Statuses: statuses})
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of trades to display")
	showFilter.register(showCmd)
}
