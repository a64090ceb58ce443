package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"trade-executor/internal/storage"
)

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit    int
	Scope    *storage.ScopeKey
	Statuses []storage.TradeStatus
}

// openHistory opens the repository for read-only reporting commands, which
// are meaningless against the in-process store.
func (a *App) openHistory(ctx context.Context, what string) (storage.Repository, error) {
	if a.openRepo == nil && a.Config.Database.DSN == "" {
		return nil, fmt.Errorf("database not configured; cannot %s", what)
	}
	return a.openRepository(ctx)
}

// Show prints recent trades.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	repo, err := a.openHistory(ctx, "show trades")
	if err != nil {
		return err
	}
	defer repo.Close()

	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	trades, err := repo.ListTrades(ctx, storage.TradeFilter{Scope: opts.Scope, Statuses: opts.Statuses, Limit: opts.Limit})
	if err != nil {
		return err
	}
	if len(trades) == 0 {
		fmt.Fprintln(a.Out, "no trades found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Created (UTC)\tID\tScope\tSide\tSell Amount\tStatus\tTx\tReason")

	for _, trade := range trades {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			trade.CreatedAt.UTC().Format(time.RFC3339),
			trade.ID,
			trade.Scope().LockKey(),
			trade.Side,
			amountString(trade),
			trade.Status,
			shortHash(trade.TxHash),
			sanitizeInline(trade.FailureReason),
		)
	}

	return writer.Flush()
}

func amountString(trade storage.Trade) string {
	if trade.SellAmount == nil {
		return "-"
	}
	return trade.SellAmount.String()
}

func shortHash(hash *string) string {
	if hash == nil || *hash == "" {
		return "-"
	}
	h := *hash
	if len(h) <= 14 {
		return h
	}
	return h[:10] + "…" + h[len(h)-4:]
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
