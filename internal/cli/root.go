package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"trade-executor/internal/app"
	"trade-executor/internal/config"
	"trade-executor/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:           "tradexec",
	Short:         "Custodial on-chain trade execution engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil || skipConfig(cmd) {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		if cfg.Logging.Service == "" {
			cfg.Logging.Service = cfg.App.Name
		}
		logger, closer, err := logging.NewLogger(cfg.Logging)
		if err != nil {
			return err
		}
		logCloser = closer
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	err := rootCmd.Execute()
	if logCloser != nil {
		_ = logCloser.Close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, describeError(err))
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(confirmCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(breakerCmd)
	rootCmd.AddCommand(walletCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(alertTestCmd)
	rootCmd.AddCommand(versionCmd)
}

// skipConfig lets commands that need no configuration run without it.
func skipConfig(cmd *cobra.Command) bool {
	return cmd == versionCmd
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
