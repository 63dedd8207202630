package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/budgetd/pkg/budget"
	"github.com/pario-ai/budgetd/pkg/models"
)

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status ACCOUNT_ID...",
		Short: "Show this month's spend vs cap",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			gate := budget.NewGate(a.opts)
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ACCOUNT\tPLAN\tMONTH\tSPEND\tCAP\tREMAINING\tSTATE")
			for _, id := range args {
				acct, ok, err := gate.Status(cmd.Context(), id)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintf(w, "%s\t-\t%s\t-\t-\t-\tuntouched\n", id, acct.MonthStart)
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					acct.AccountID, acct.Plan, acct.MonthStart,
					formatCents(acct.SpendCents), formatCents(acct.BudgetCents),
					formatCents(acct.RemainingCents()), accountState(acct))
			}
			return w.Flush()
		},
	}
}

func newSetBudgetCmd(configPath *string) *cobra.Command {
	var (
		actor  string
		cents  int64
		reason string
		plan   string
	)

	cmd := &cobra.Command{
		Use:   "set-budget ACCOUNT_ID",
		Short: "Replace an account's cap for the current month (audited)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("cents") {
				return fmt.Errorf("--cents is required")
			}
			a, err := openApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			entry, err := budget.NewOverride(a.opts).UpdateBudget(cmd.Context(), budget.BudgetUpdate{
				ActorID:     actor,
				AccountID:   args[0],
				BudgetCents: cents,
				Reason:      reason,
				Plan:        plan,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Budget for %s (%s) changed from %s to %s (audit #%d).\n",
				entry.AccountID, entry.MonthStart,
				formatCents(entry.PreviousBudgetCents), formatCents(entry.NewBudgetCents), entry.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "privileged account performing the change")
	cmd.Flags().Int64Var(&cents, "cents", 0, "new monthly cap in cents")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
	cmd.Flags().StringVar(&plan, "plan", "", "plan used to seed the row if the account is untouched")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newAuditCmd(configPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "audit [ACCOUNT_ID]",
		Short: "List budget override audit entries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			var accountID string
			if len(args) == 1 {
				accountID = args[0]
			}
			entries, err := budget.NewOverride(a.opts).History(cmd.Context(), accountID, limit)
			if err != nil {
				return err
			}
			fmt.Print(formatAuditEntries(entries))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")
	return cmd
}

func formatAuditEntries(entries []models.BudgetAuditEntry) string {
	if len(entries) == 0 {
		return "No audit entries found.\n"
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tACCOUNT\tMONTH\tPREVIOUS\tNEW\tACTOR\tREASON")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.CreatedAt.Format(time.RFC3339), e.AccountID, e.MonthStart,
			formatCents(e.PreviousBudgetCents), formatCents(e.NewBudgetCents), e.ActorID, e.Reason)
	}
	_ = w.Flush()
	return b.String()
}

func accountState(a models.BudgetAccount) string {
	if a.Exceeded() {
		return "exceeded"
	}
	return "ok"
}

func formatCents(c int64) string {
	sign := ""
	if c < 0 {
		sign, c = "-", -c
	}
	return fmt.Sprintf("%s$%d.%02d", sign, c/100, c%100)
}
