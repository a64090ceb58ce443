package cli

import (
	"github.com/spf13/cobra"

	"trade-executor/internal/app"
)

var (
	serveListen     string
	serveWithWorker bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Serve(cmd.Context(), app.ServeOptions{
			Listen:     serveListen,
			WithWorker: serveWithWorker,
		})
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the job worker and receipt reconciler",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RunWorker(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (defaults to server.listen)")
	serveCmd.Flags().BoolVar(&serveWithWorker, "with-worker", false, "Also run the job worker in this process")
}
