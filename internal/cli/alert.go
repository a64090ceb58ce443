package cli

import (
	"github.com/spf13/cobra"
)

var alertMessage string

var alertTestCmd = &cobra.Command{
	Use:   "alert-test",
	Short: "发送一条测试告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().AlertTest(cmd.Context(), alertMessage)
	},
}

func init() {
	alertTestCmd.Flags().StringVar(&alertMessage, "message", "tradexec alert test", "附加消息")
}
