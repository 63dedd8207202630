package budget

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pario-ai/budgetd/pkg/ledger"
	"github.com/pario-ai/budgetd/pkg/models"
)

// BudgetUpdate is an administrative request to replace an account's cap for
// the current month.
type BudgetUpdate struct {
	ActorID     string
	AccountID   string
	BudgetCents int64
	Reason      string
	// Plan seeds the month row when the account has not been touched yet.
	Plan string
}

// Override applies audited cap changes.
type Override struct {
	opts Options
}

// NewOverride creates an Override.
func NewOverride(opts Options) *Override {
	return &Override{opts: opts.withDefaults()}
}

// UpdateBudget sets the target account's cap for the current month and
// appends one audit entry recording the previous and new cap. Both writes
// commit together. The actor must be privileged and the reason non-empty.
func (o *Override) UpdateBudget(ctx context.Context, upd BudgetUpdate) (models.BudgetAuditEntry, error) {
	entry, err := o.update(ctx, upd)
	switch {
	case err == nil:
		o.opts.Metrics.observeOverride(resultApplied)
	case errors.Is(err, ErrNotPrivileged):
		o.opts.Metrics.observeOverride(resultDenied)
	case errors.Is(err, ErrStorageUnavailable):
		o.opts.Metrics.observeOverride(resultError)
	default:
		o.opts.Metrics.observeOverride(resultInvalid)
	}
	return entry, err
}

func (o *Override) update(ctx context.Context, upd BudgetUpdate) (models.BudgetAuditEntry, error) {
	if !o.Authorized(ctx, upd.ActorID) {
		o.opts.Logger.WarnContext(ctx, "budget override rejected: actor not privileged",
			"actor_id", upd.ActorID, "account_id", upd.AccountID)
		return models.BudgetAuditEntry{}, ErrNotPrivileged
	}
	if upd.AccountID == "" {
		return models.BudgetAuditEntry{}, ErrInvalidAccount
	}
	reason := strings.TrimSpace(upd.Reason)
	if reason == "" {
		return models.BudgetAuditEntry{}, ErrReasonRequired
	}
	if upd.BudgetCents < 0 {
		return models.BudgetAuditEntry{}, ErrInvalidBudget
	}

	change := ledger.CapChange{
		Account:        o.opts.accountKey(ctx, upd.AccountID, upd.Plan),
		NewBudgetCents: upd.BudgetCents,
		Action:         models.ActionUpdateBudget,
		Reason:         reason,
		ActorID:        upd.ActorID,
	}

	sctx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()
	entry, err := o.opts.Store.UpdateBudget(sctx, change)
	if err != nil {
		o.opts.Logger.ErrorContext(ctx, "budget override failed",
			"actor_id", upd.ActorID, "account_id", upd.AccountID, "error", err)
		return models.BudgetAuditEntry{}, fmt.Errorf("%w: update budget: %w", ErrStorageUnavailable, err)
	}

	o.opts.Logger.InfoContext(ctx, "budget updated",
		"actor_id", entry.ActorID, "account_id", entry.AccountID, "month_start", entry.MonthStart,
		"previous_cents", entry.PreviousBudgetCents, "new_cents", entry.NewBudgetCents, "audit_id", entry.ID)
	return entry, nil
}

// Authorized reports whether actorID may perform administrative actions.
func (o *Override) Authorized(ctx context.Context, actorID string) bool {
	return actorID != "" && o.opts.Privileges.IsPrivileged(ctx, actorID)
}

// History returns audit entries for accountID, newest first.
func (o *Override) History(ctx context.Context, accountID string, limit int) ([]models.BudgetAuditEntry, error) {
	sctx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()
	entries, err := o.opts.Store.ListAudit(sctx, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("budget history: %w", err)
	}
	return entries, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ledger.ErrNotFound)
}
