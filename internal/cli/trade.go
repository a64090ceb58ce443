package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"trade-executor/internal/app"
	"trade-executor/internal/engine"
)

var (
	buildReq     engine.BuildRequest
	buildExecute bool

	sendSignature string
	sendConfirm   bool
	sendKey       string
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Quote and build a trade",
	RunE: func(cmd *cobra.Command, args []string) error {
		if buildReq.UserID == "" || buildReq.StrategyID == "" || buildReq.Symbol == "" {
			return fmt.Errorf("--user, --strategy and --symbol must be provided")
		}
		req := buildReq
		if buildExecute {
			req.Mode = engine.ModeExecute
		}
		return getApp().Build(cmd.Context(), req)
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <trade-id>",
	Short: "Preflight, simulate, sign and broadcast a built trade",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Send(cmd.Context(), app.SendOptions{
			TradeID:         args[0],
			PermitSignature: sendSignature,
			Confirm:         sendConfirm,
			IdempotencyKey:  sendKey,
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <trade-id>",
	Short: "Print a trade and its event log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Get(cmd.Context(), args[0])
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild <trade-id>",
	Short: "Re-quote a built or reverted trade",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Rebuild(cmd.Context(), args[0])
	},
}

var confirmCmd = &cobra.Command{
	Use:   "confirm <trade-id>",
	Short: "Wait for the receipt of a submitted trade",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Confirm(cmd.Context(), args[0])
	},
}

func init() {
	f := buildCmd.Flags()
	f.StringVar(&buildReq.UserID, "user", "", "Owning user id")
	f.StringVar(&buildReq.StrategyID, "strategy", "", "Strategy id")
	f.StringVar(&buildReq.Symbol, "symbol", "", "Symbol the trade belongs to")
	f.StringVar(&buildReq.SellToken, "sell-token", "", "Token sold (address)")
	f.StringVar(&buildReq.BuyToken, "buy-token", "", "Token bought (address)")
	f.StringVar(&buildReq.Side, "side", "", "buy or sell")
	f.StringVar(&buildReq.SellAmount, "amount", "", "Sell amount in atomic units")
	f.IntVar(&buildReq.SlippageBps, "slippage-bps", 50, "Slippage tolerance in basis points")
	f.BoolVar(&buildReq.ClosePosition, "close-position", false, "Trade closes an open position")
	f.StringVar(&buildReq.Notes, "notes", "", "Free-form notes stored with the trade")
	f.BoolVar(&buildExecute, "execute", false, "Continue into send once built")

	sendCmd.Flags().StringVar(&sendSignature, "permit-signature", "", "Caller-produced Permit2 signature (hex)")
	sendCmd.Flags().BoolVar(&sendConfirm, "confirm", false, "Wait for the receipt after broadcast")
	sendCmd.Flags().StringVar(&sendKey, "idempotency-key", "", "Route through the job queue under this key")
}
