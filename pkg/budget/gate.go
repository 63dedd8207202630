package budget

import (
	"context"
	"fmt"
	"math"

	"github.com/pario-ai/budgetd/pkg/models"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Admitted   bool                 `json:"admitted"`
	Privileged bool                 `json:"privileged"`
	Account    models.BudgetAccount `json:"account"`
}

// UsageRatio returns spend/cap for the checked month. A non-positive cap is
// +Inf.
func (d Decision) UsageRatio() float64 {
	return UsageRatio(d.Account)
}

// UsageRatio returns spend/cap for a. A non-positive cap is +Inf.
func UsageRatio(a models.BudgetAccount) float64 {
	if a.BudgetCents <= 0 {
		return math.Inf(1)
	}
	return float64(a.SpendCents) / float64(a.BudgetCents)
}

// Gate decides whether a metered operation may start.
type Gate struct {
	opts Options
}

// NewGate creates a Gate.
func NewGate(opts Options) *Gate {
	return &Gate{opts: opts.withDefaults()}
}

// Check admits or denies a metered operation for accountID. The month row is
// created from plan's default cap on first touch. Privileged accounts are
// always admitted. Others are denied with ErrBudgetExceeded once spend reaches
// the cap. Any storage failure denies with ErrStorageUnavailable.
func (g *Gate) Check(ctx context.Context, accountID, plan string) (Decision, error) {
	start := g.opts.Now()
	d, result, err := g.check(ctx, accountID, plan)
	g.opts.Metrics.observeCheck(result, g.opts.Now().Sub(start))
	return d, err
}

func (g *Gate) check(ctx context.Context, accountID, plan string) (Decision, string, error) {
	if accountID == "" {
		return Decision{}, resultInvalid, ErrInvalidAccount
	}
	key := g.opts.accountKey(ctx, accountID, plan)

	sctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	acct, err := g.opts.Store.EnsureAccount(sctx, key)
	cancel()
	if err != nil {
		g.opts.Logger.ErrorContext(ctx, "budget check failed closed",
			"account_id", accountID, "month_start", key.MonthStart, "error", err)
		return Decision{Account: models.BudgetAccount{AccountID: accountID, MonthStart: key.MonthStart}},
			resultUnavailable, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	d := Decision{Account: acct}
	if g.opts.Privileges.IsPrivileged(ctx, accountID) {
		d.Admitted = true
		d.Privileged = true
		return d, resultPrivileged, nil
	}

	g.opts.Metrics.observeUsage(acct)
	if acct.Exceeded() {
		g.opts.Logger.InfoContext(ctx, "budget exceeded",
			"account_id", accountID, "spend_cents", acct.SpendCents, "budget_cents", acct.BudgetCents)
		return d, resultExceeded, ErrBudgetExceeded
	}
	d.Admitted = true
	return d, resultAdmitted, nil
}

// Status returns the current month row for accountID without creating it.
// The second return is false when the account has not been touched this
// month.
func (g *Gate) Status(ctx context.Context, accountID string) (models.BudgetAccount, bool, error) {
	month := MonthStart(g.opts.Now(), g.opts.Location)
	sctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	acct, err := g.opts.Store.Account(sctx, accountID, month)
	if isNotFound(err) {
		return models.BudgetAccount{AccountID: accountID, MonthStart: month}, false, nil
	}
	if err != nil {
		return models.BudgetAccount{}, false, fmt.Errorf("budget status: %w", err)
	}
	return acct, true, nil
}
