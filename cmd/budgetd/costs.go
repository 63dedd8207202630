package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/budgetd/pkg/models"
)

func newCostsCmd(configPath *string) *cobra.Command {
	var (
		accountID string
		since     string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "costs",
		Short: "List recorded cost entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := models.CostQueryOpts{AccountID: accountID, Limit: limit}
			if since != "" {
				t, err := time.Parse(models.MonthLayout, since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			a, err := openApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.store.ListCosts(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No cost entries found.")
				return nil
			}

			var total int64
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tACCOUNT\tOPERATION\tTIER\tMODEL\tIN\tOUT\tCOST\tLATENCY\tKEY")
			for _, e := range entries {
				total += e.CostCents
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\t%dms\t%s\n",
					e.CreatedAt.Format(time.RFC3339), e.AccountID, e.Operation, e.Tier, e.Model,
					e.InputUnits, e.OutputUnits, formatCents(e.CostCents), e.LatencyMs, shortKey(e.IdempotencyKey))
			}
			fmt.Fprintf(w, "\t\t\t\t\t\tTOTAL\t%s\t\t\n", formatCents(total))
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "filter by account")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")
	return cmd
}

func shortKey(k string) string {
	if len(k) > 16 {
		return k[:16] + "..."
	}
	return k
}
