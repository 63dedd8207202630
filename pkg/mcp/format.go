package mcp

import (
	"fmt"
	"strings"

	"github.com/pario-ai/budgetd/pkg/models"
)

func cents(c int64) string {
	return fmt.Sprintf("$%d.%02d", c/100, c%100)
}

func formatStatus(a models.BudgetAccount, exists bool) string {
	if !exists {
		return fmt.Sprintf("Account %s has no budget row for %s yet; it is created from its plan on first check.",
			a.AccountID, a.MonthStart)
	}
	pct := "n/a"
	if a.BudgetCents > 0 {
		pct = fmt.Sprintf("%.1f%%", float64(a.SpendCents)/float64(a.BudgetCents)*100)
	}
	state := "within budget"
	if a.Exceeded() {
		state = "EXCEEDED"
	}
	return fmt.Sprintf("Budget for %s (%s, plan %s)\n"+
		"  Spend:     %s\n"+
		"  Cap:       %s\n"+
		"  Remaining: %s\n"+
		"  Usage:     %s\n"+
		"  State:     %s\n",
		a.AccountID, a.MonthStart, a.Plan,
		cents(a.SpendCents), cents(a.BudgetCents), cents(a.RemainingCents()), pct, state)
}

func formatAuditEntries(entries []models.BudgetAuditEntry) string {
	if len(entries) == 0 {
		return "No budget overrides found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-6s %-20s %-20s %-10s %10s %10s %-16s %s\n",
		"ID", "Time", "Account", "Month", "Previous", "New", "Actor", "Reason")
	b.WriteString(strings.Repeat("-", 110) + "\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%-6d %-20s %-20s %-10s %10s %10s %-16s %s\n",
			e.ID, e.CreatedAt.Format("2006-01-02 15:04:05"), e.AccountID, e.MonthStart,
			cents(e.PreviousBudgetCents), cents(e.NewBudgetCents), e.ActorID, e.Reason)
	}
	return b.String()
}

func formatCosts(entries []models.CostLogEntry) string {
	if len(entries) == 0 {
		return "No cost entries found."
	}
	var b strings.Builder
	var total int64
	fmt.Fprintf(&b, "%-20s %-20s %-16s %-12s %8s %8s %10s %8s\n",
		"Time", "Account", "Operation", "Tier", "In", "Out", "Cost", "Latency")
	b.WriteString(strings.Repeat("-", 110) + "\n")
	for _, e := range entries {
		total += e.CostCents
		fmt.Fprintf(&b, "%-20s %-20s %-16s %-12s %8d %8d %10s %6dms\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"), e.AccountID, e.Operation, e.Tier,
			e.InputUnits, e.OutputUnits, cents(e.CostCents), e.LatencyMs)
	}
	fmt.Fprintf(&b, "Total: %s across %d entries\n", cents(total), len(entries))
	return b.String()
}
