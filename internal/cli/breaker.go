package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"trade-executor/internal/app"
	"trade-executor/internal/guard"
	"trade-executor/internal/storage"
)

var (
	breakerUser      string
	breakerStrategy  string
	breakerSymbol    string
	breakerName      string
	breakerReason    string
	breakerCurrent   string
	breakerThreshold string
	breakerHistory   int
)

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Inspect and operate circuit breakers",
}

var breakerTripCmd = &cobra.Command{
	Use:   "trip",
	Short: "Trip a breaker, halting execution for a scope",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := breakerOptions()
		if err != nil {
			return err
		}
		if opts.Reason == "" {
			return fmt.Errorf("--reason must be provided")
		}
		if opts.Current, err = parseDecimalFlag("current", breakerCurrent); err != nil {
			return err
		}
		if opts.Threshold, err = parseDecimalFlag("threshold", breakerThreshold); err != nil {
			return err
		}
		return getApp().TripBreaker(cmd.Context(), opts)
	},
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset a tripped breaker",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := breakerOptions()
		if err != nil {
			return err
		}
		return getApp().ResetBreaker(cmd.Context(), opts)
	},
}

var breakerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List breakers, optionally for one scope",
	RunE: func(cmd *cobra.Command, args []string) error {
		var key *storage.ScopeKey
		if breakerUser != "" {
			k := scopeFromFlags()
			if err := k.Validate(); err != nil {
				return err
			}
			key = &k
		}
		return getApp().ListBreakers(cmd.Context(), key, breakerHistory)
	},
}

func scopeFromFlags() storage.ScopeKey {
	return storage.ScopeKey{UserID: breakerUser, StrategyID: breakerStrategy, Symbol: breakerSymbol}
}

func breakerOptions() (app.BreakerOptions, error) {
	key := scopeFromFlags()
	if err := key.Validate(); err != nil {
		return app.BreakerOptions{}, err
	}
	return app.BreakerOptions{Key: key, Name: breakerName, Reason: breakerReason}, nil
}

func parseDecimalFlag(name, value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid --%s value: %w", name, err)
	}
	return d, nil
}

func init() {
	for _, c := range []*cobra.Command{breakerTripCmd, breakerResetCmd, breakerListCmd} {
		c.Flags().StringVar(&breakerUser, "user", "", "User id")
		c.Flags().StringVar(&breakerStrategy, "strategy", "", "Strategy id")
		c.Flags().StringVar(&breakerSymbol, "symbol", "", "Symbol")
	}
	for _, c := range []*cobra.Command{breakerTripCmd, breakerResetCmd} {
		c.Flags().StringVar(&breakerName, "name", guard.BreakerManual, "Breaker name")
	}
	breakerTripCmd.Flags().StringVar(&breakerReason, "reason", "", "Why execution is halted")
	breakerTripCmd.Flags().StringVar(&breakerCurrent, "current", "", "Observed value that caused the trip")
	breakerTripCmd.Flags().StringVar(&breakerThreshold, "threshold", "", "Threshold that was crossed")
	breakerListCmd.Flags().IntVar(&breakerHistory, "history", 0, "Also print this many audit events for the scope")

	breakerCmd.AddCommand(breakerTripCmd, breakerResetCmd, breakerListCmd)
}
