package cli

import (
	"time"

	"github.com/spf13/cobra"

	"trade-executor/internal/app"
)

var (
	reconcilePasses   int
	reconcileInterval time.Duration
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Finalize submitted trades whose receipts have landed",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Reconcile(cmd.Context(), app.ReconcileOptions{
			Passes:   reconcilePasses,
			Interval: reconcileInterval,
		})
	},
}

func init() {
	reconcileCmd.Flags().IntVar(&reconcilePasses, "passes", 1, "Number of reconcile rounds")
	reconcileCmd.Flags().DurationVar(&reconcileInterval, "interval", 15*time.Second, "Wait between rounds")
}
