package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "budgetd",
		Short:        "budgetd: monthly spend caps for metered AI operations",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (defaults apply when empty)")

	root.AddCommand(
		newServeCmd(&configPath),
		newStatusCmd(&configPath),
		newSetBudgetCmd(&configPath),
		newAuditCmd(&configPath),
		newCostsCmd(&configPath),
		newRolesCmd(&configPath),
		newMigrateCmd(&configPath),
		newMCPCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
