package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"transform_worker/config"
	"transform_worker/internal/bootstrap"
)

const shutdownTimeout = 10 * time.Second

// NewServeCommand creates the HTTP server command.
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve health checks, Prometheus metrics and the transform trigger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := buildLogger(cfg)

			deps, cleanup, err := bootstrap.NewDependencies(cfg, log)
			if err != nil {
				return err
			}
			defer cleanup()

			app := bootstrap.NewAPI(deps, log)

			ctx, stop := signalContext()
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("port", cfg.Port).Msg("http server starting")
				errCh <- app.Listen(":" + cfg.Port)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				log.Info().Msg("shutting down")
				return app.ShutdownWithTimeout(shutdownTimeout)
			}
		},
	}
	return cmd
}
