package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/pario-ai/budgetd/pkg/budget"
	"github.com/pario-ai/budgetd/pkg/mcp"
)

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve read-only budget tools to an MCP client over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := mcp.New(budget.NewGate(a.opts), budget.NewOverride(a.opts), a.store, a.logger, version)
			return srv.Run(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
}
