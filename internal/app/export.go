package app

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"trade-executor/internal/storage"
)

// ExportOptions hold parameters for exporting trade history.
type ExportOptions struct {
	From    *time.Time
	To      *time.Time
	PNGPath string
	CSVPath string
	MaxRows int

	Scope *storage.ScopeKey
	// Statuses limits the export; empty keeps every status.
	Statuses []storage.TradeStatus

	// Decimals scales sell amounts in the chart; CSV keeps atomic units.
	Decimals int32
}

// Export renders trade history as CSV and/or a PNG chart of cumulative
// executed volume.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxRows = a.Config.ResolveMaxRows(opts.MaxRows)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-7 * 24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	repo, err := a.openHistory(ctx, "export")
	if err != nil {
		return err
	}
	defer repo.Close()

	trades, err := repo.ListTrades(ctx, storage.TradeFilter{
		Scope:    opts.Scope,
		Statuses: opts.Statuses,
		Since:    from,
		Limit:    opts.MaxRows,
	})
	if err != nil {
		return err
	}
	trades = windowTrades(trades, from, to)
	if len(trades) == 0 {
		a.Logger.Info().Msg("no trades found for export window")
		return nil
	}
	a.Logger.Info().Int("exported", len(trades)).Time("from", from).Time("to", to).Msg("exporting trades")

	if opts.CSVPath != "" {
		if err := writeTradesCSV(opts.CSVPath, trades); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeVolumePNG(opts.PNGPath, trades, opts.Decimals); err != nil {
			return err
		}
	}
	return nil
}

// windowTrades keeps trades created in [from, to), oldest first.
func windowTrades(trades []storage.Trade, from, to time.Time) []storage.Trade {
	out := make([]storage.Trade, 0, len(trades))
	for _, trade := range trades {
		if trade.CreatedAt.Before(from) || !trade.CreatedAt.Before(to) {
			continue
		}
		out = append(out, trade)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func writeTradesCSV(path string, trades []storage.Trade) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"created_at", "trade_id", "user_id", "strategy_id", "symbol", "side", "sell_token", "buy_token", "sell_amount", "min_buy_amount", "price", "slippage_bps", "status", "tx_hash", "gas_used", "failure_reason"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, trade := range trades {
		var minBuy, price, gasUsed, txHash string
		if trade.Quote != nil {
			minBuy = trade.Quote.MinBuyAmount
			price = trade.Quote.Price.String()
		}
		if trade.Receipt != nil {
			gasUsed = strconv.FormatUint(trade.Receipt.GasUsed, 10)
		}
		if trade.TxHash != nil {
			txHash = *trade.TxHash
		}
		record := []string{
			trade.CreatedAt.UTC().Format(time.RFC3339),
			trade.ID,
			trade.UserID,
			trade.StrategyID,
			trade.Symbol,
			string(trade.Side),
			trade.SellToken,
			trade.BuyToken,
			amountString(trade),
			minBuy,
			price,
			strconv.Itoa(trade.SlippageBps),
			string(trade.Status),
			txHash,
			gasUsed,
			trade.FailureReason,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

// volumeSeries accumulates confirmed and failed sell volume over time.
func volumeSeries(trades []storage.Trade, decimals int32) (x []time.Time, confirmed, failed []float64) {
	var okTotal, failTotal decimal.Decimal
	for _, trade := range trades {
		if trade.SellAmount == nil {
			continue
		}
		amount := decimal.NewFromBigInt(trade.SellAmount, -decimals)
		switch trade.Status {
		case storage.StatusConfirmed:
			okTotal = okTotal.Add(amount)
		case storage.StatusFailed, storage.StatusSimulateRevert:
			failTotal = failTotal.Add(amount)
		default:
			continue
		}
		x = append(x, trade.UpdatedAt)
		confirmed = append(confirmed, okTotal.InexactFloat64())
		failed = append(failed, failTotal.InexactFloat64())
	}
	return x, confirmed, failed
}

func writeVolumePNG(path string, trades []storage.Trade, decimals int32) error {
	x, confirmed, failed := volumeSeries(trades, decimals)
	if len(x) < 2 {
		return errors.New("need at least two finished trades to draw a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	amountFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Cumulative sell amount",
			ValueFormatter: amountFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Confirmed",
				XValues: x,
				YValues: confirmed,
			},
			chart.TimeSeries{
				Name:    "Failed / reverted",
				XValues: x,
				YValues: failed,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
