package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"trade-executor/internal/storage"
)

var knownStatuses = []storage.TradeStatus{
	storage.StatusRequested,
	storage.StatusBuilt,
	storage.StatusPreflightRequired,
	storage.StatusSimulateRevert,
	storage.StatusSubmitted,
	storage.StatusConfirmed,
	storage.StatusFailed,
}

// historyFilter holds the trade-history flags shared by show and export.
type historyFilter struct {
	user     string
	strategy string
	symbol   string
	statuses []string
}

func (f *historyFilter) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.user, "user", "", "Only trades for this user (requires --strategy and --symbol)")
	cmd.Flags().StringVar(&f.strategy, "strategy", "", "Strategy id of the scope")
	cmd.Flags().StringVar(&f.symbol, "symbol", "", "Symbol of the scope")
	cmd.Flags().StringSliceVar(&f.statuses, "status", nil, "Only trades in these statuses")
}

// scope returns nil when no scope flag is set.
func (f *historyFilter) scope() (*storage.ScopeKey, error) {
	if f.user == "" && f.strategy == "" && f.symbol == "" {
		return nil, nil
	}
	key := storage.ScopeKey{UserID: f.user, StrategyID: f.strategy, Symbol: f.symbol}
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scope: %w", err)
	}
	return &key, nil
}

func (f *historyFilter) tradeStatuses() ([]storage.TradeStatus, error) {
	out := make([]storage.TradeStatus, 0, len(f.statuses))
	for _, raw := range f.statuses {
		status, err := parseTradeStatus(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, status)
	}
	return out, nil
}

func parseTradeStatus(raw string) (storage.TradeStatus, error) {
	candidate := storage.TradeStatus(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range knownStatuses {
		if candidate == known {
			return known, nil
		}
	}
	names := make([]string, len(knownStatuses))
	for i, known := range knownStatuses {
		names[i] = string(known)
	}
	return "", fmt.Errorf("unknown status %q (expected one of %s)", raw, strings.Join(names, ", "))
}
