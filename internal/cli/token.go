package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	tokenUser string
	tokenRole string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API bearer token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenUser == "" {
			return fmt.Errorf("--user must be provided")
		}
		if tokenTTL <= 0 {
			return fmt.Errorf("--ttl must be positive")
		}
		return getApp().IssueToken(tokenUser, tokenRole, tokenTTL)
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User id carried by the token")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "", "Optional role, e.g. operator")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
}
