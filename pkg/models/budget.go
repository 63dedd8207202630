package models

import (
	"encoding/json"
	"time"
)

// MonthLayout is the storage format for BudgetAccount.MonthStart.
const MonthLayout = "2006-01-02"

// ActionUpdateBudget is the audit action recorded by an administrative cap change.
const ActionUpdateBudget = "update_budget"

// BudgetAccount is one account's spend and cap for one calendar month.
type BudgetAccount struct {
	AccountID   string    `json:"account_id"`
	Plan        string    `json:"plan"`
	MonthStart  string    `json:"month_start"`
	SpendCents  int64     `json:"spend_cents"`
	BudgetCents int64     `json:"budget_cents"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Exceeded reports whether spend has reached the cap. A non-positive cap is
// always exceeded.
func (a BudgetAccount) Exceeded() bool {
	if a.BudgetCents <= 0 {
		return true
	}
	return a.SpendCents >= a.BudgetCents
}

// RemainingCents returns the unspent part of the cap, never below zero.
func (a BudgetAccount) RemainingCents() int64 {
	if r := a.BudgetCents - a.SpendCents; r > 0 {
		return r
	}
	return 0
}

// CostLogEntry is the immutable billing record of one unit of metered work.
type CostLogEntry struct {
	IdempotencyKey string          `json:"idempotency_key"`
	AccountID      string          `json:"account_id"`
	Operation      string          `json:"operation"`
	Tier           string          `json:"tier,omitempty"`
	Model          string          `json:"model,omitempty"`
	InputUnits     int64           `json:"input_units"`
	OutputUnits    int64           `json:"output_units"`
	CostCents      int64           `json:"cost_cents"`
	LatencyMs      int64           `json:"latency_ms"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// RoleAssignment grants a role to an account.
type RoleAssignment struct {
	AccountID string    `json:"account_id"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// BudgetAuditEntry records one administrative change to an account's cap.
type BudgetAuditEntry struct {
	ID                  int64     `json:"id"`
	AccountID           string    `json:"account_id"`
	MonthStart          string    `json:"month_start"`
	PreviousBudgetCents int64     `json:"previous_budget_cents"`
	NewBudgetCents      int64     `json:"new_budget_cents"`
	Action              string    `json:"action"`
	Reason              string    `json:"reason"`
	ActorID             string    `json:"actor_id"`
	CreatedAt           time.Time `json:"created_at"`
}

// CostQueryOpts filters cost log listings.
type CostQueryOpts struct {
	AccountID string
	Since     time.Time
	Limit     int
}
