// Package ledger defines the durable storage boundary for budget accounts,
// the cost log, role assignments and the budget audit trail.
//
// Every method that writes two rows does so in a single transaction. The
// backends live in the sqlite and postgres subpackages.
package ledger

import (
	"context"
	"errors"

	"github.com/pario-ai/budgetd/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("ledger: not found")

// AccountKey addresses one month row and carries the values used to seed it
// on first touch.
type AccountKey struct {
	AccountID  string
	MonthStart string
	Plan       string
	// DefaultCents seeds budget_cents when the row is created.
	DefaultCents int64
}

// CapChange is an administrative cap update and its audit attribution.
type CapChange struct {
	Account        AccountKey
	NewBudgetCents int64
	Action         string
	Reason         string
	ActorID        string
}

// Store is implemented by every ledger backend.
type Store interface {
	// EnsureAccount returns the month row, creating it from key if absent.
	// It never modifies an existing row.
	EnsureAccount(ctx context.Context, key AccountKey) (models.BudgetAccount, error)
	// Account returns the month row or ErrNotFound.
	Account(ctx context.Context, accountID, monthStart string) (models.BudgetAccount, error)

	// RecordCost inserts entry under its idempotency key and, for a positive
	// cost, increments the month row's spend, both in one transaction. When an
	// entry with the same key already exists nothing is written and created
	// is false.
	RecordCost(ctx context.Context, key AccountKey, entry models.CostLogEntry) (created bool, err error)
	// CostEntry returns the entry stored under idempotencyKey or ErrNotFound.
	CostEntry(ctx context.Context, idempotencyKey string) (models.CostLogEntry, error)
	// ListCosts returns cost entries, newest first.
	ListCosts(ctx context.Context, opts models.CostQueryOpts) ([]models.CostLogEntry, error)

	// UpdateBudget replaces the month row's cap and appends one audit entry
	// holding the previous and new values. Both writes commit or neither does.
	UpdateBudget(ctx context.Context, change CapChange) (models.BudgetAuditEntry, error)
	// ListAudit returns audit entries for an account (all accounts if empty),
	// newest first.
	ListAudit(ctx context.Context, accountID string, limit int) ([]models.BudgetAuditEntry, error)

	// Roles returns the roles assigned to an account. An account with no
	// assignment yields an empty slice and no error.
	Roles(ctx context.Context, accountID string) ([]string, error)
	// GrantRole assigns role to accountID. Granting twice is a no-op.
	GrantRole(ctx context.Context, accountID, role string) error

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error
	// Close releases resources.
	Close() error
}

// DefaultListLimit caps list queries when the caller passes no limit.
const DefaultListLimit = 100

// Limit normalises a caller-supplied list limit.
func Limit(n int) int {
	if n <= 0 {
		return DefaultListLimit
	}
	return n
}
