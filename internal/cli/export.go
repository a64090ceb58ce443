package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"trade-executor/internal/app"
)

var (
	exportFrom     string
	exportTo       string
	exportSince    time.Duration
	exportPNGPath  string
	exportCSVPath  string
	exportMaxRows  int
	exportDecimals int32
	exportFilter   historyFilter
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export trade history as CSV and/or PNG chart",
	Example: `  tradexec export --csv out/trades.csv --since 24h
  tradexec export --png out/volume.png --user u1 --strategy s1 --symbol ETH --decimals 6`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportSince > 0 && exportFrom != "" {
			return fmt.Errorf("--since and --from are mutually exclusive")
		}

		opts := app.ExportOptions{
			PNGPath:  exportPNGPath,
			CSVPath:  exportCSVPath,
			MaxRows:  exportMaxRows,
			Decimals: exportDecimals,
		}
		var err error
		if opts.To, err = parseTimeFlag("to", exportTo); err != nil {
			return err
		}
		if opts.From, err = parseTimeFlag("from", exportFrom); err != nil {
			return err
		}
		if exportSince > 0 {
			end := time.Now().UTC()
			if opts.To != nil {
				end = *opts.To
			}
			from := end.Add(-exportSince)
			opts.From = &from
		}
		if opts.Scope, err = exportFilter.scope(); err != nil {
			return err
		}
		if opts.Statuses, err = exportFilter.tradeStatuses(); err != nil {
			return err
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

// parseTimeFlag returns nil for an empty value.
func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s value: %w", name, err)
	}
	return &parsed, nil
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	exportCmd.Flags().DurationVar(&exportSince, "since", 0, "Window length ending at --to, e.g. 24h")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxRows, "max-rows", 0, "Maximum trades to export (defaults to config)")
	exportCmd.Flags().Int32Var(&exportDecimals, "decimals", 18, "Sell token decimals used to scale the chart")
	exportFilter.register(exportCmd)
}
