package cli

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stewardmcp/steward/internal/daemon"
	"github.com/stewardmcp/steward/internal/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervisor daemon",
	Long: `Serve starts every enabled server and keeps the fleet supervised:
it exposes /healthz, /metrics and the /ws event stream, hot-reloads the
config file on change, and sweeps old status data on a schedule. It runs
until SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if _, err := setupLogging(cfg, true); err != nil {
			return err
		}

		if err := tracing.InitOpenTelemetry("steward"); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing")
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
				log.Warn().Err(err).Msg("Tracing shutdown failed")
			}
		}()

		d, err := daemon.New(cfg, cfgFile)
		if err != nil {
			return err
		}
		return d.Run(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
