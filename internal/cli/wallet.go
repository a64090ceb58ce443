package cli

import (
	"github.com/spf13/cobra"
)

var walletUser string

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Manage custodied wallets",
}

var walletImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Seal a private key read from stdin and store it for a user",
	Long: "Reads one hex-encoded private key line from stdin. The key is sealed with the\n" +
		"current vault KEK; only the derived address is printed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		a.In = cmd.InOrStdin()
		return a.ImportWallet(cmd.Context(), walletUser)
	},
}

func init() {
	walletImportCmd.Flags().StringVar(&walletUser, "user", "", "User the wallet belongs to")
	walletCmd.AddCommand(walletImportCmd)
}
