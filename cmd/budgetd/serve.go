package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/budgetd/pkg/budget"
	"github.com/pario-ai/budgetd/pkg/server"
)

func newServeCmd(configPath *string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the budget HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if listen == "" {
				listen = a.cfg.Listen
			}
			srv := server.New(listen, server.Deps{
				Gate:     budget.NewGate(a.opts),
				Recorder: budget.NewRecorder(a.opts),
				Override: budget.NewOverride(a.opts),
				Health:   a.store,
				Gatherer: a.registry,
				Logger:   a.logger,
			})

			a.logger.Info("starting budgetd", "config", *configPath, "driver", a.cfg.Storage.Driver, "timezone", a.cfg.Timezone)
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	return cmd
}
