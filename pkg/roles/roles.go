// Package roles decides whether an account is exempt from budget enforcement.
//
// Every provider fails closed: if privilege cannot be established the account
// is treated as non-privileged.
package roles

import (
	"context"
	"log/slog"
	"time"
)

// PrivilegeProvider answers whether an account bypasses enforcement.
type PrivilegeProvider interface {
	IsPrivileged(ctx context.Context, accountID string) bool
}

// RoleSource returns the roles assigned to an account. A missing assignment
// is an empty slice.
type RoleSource interface {
	Roles(ctx context.Context, accountID string) ([]string, error)
}

// Resolver grants privilege to accounts holding any of a set of roles.
type Resolver struct {
	source     RoleSource
	privileged map[string]bool
	timeout    time.Duration
	logger     *slog.Logger
}

// NewResolver creates a Resolver. A zero timeout leaves the caller's deadline
// in place.
func NewResolver(source RoleSource, privilegedRoles []string, timeout time.Duration, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	set := make(map[string]bool, len(privilegedRoles))
	for _, r := range privilegedRoles {
		set[r] = true
	}
	return &Resolver{source: source, privileged: set, timeout: timeout, logger: logger}
}

// IsPrivileged reports whether accountID holds a privileged role. Lookup
// errors are logged and yield false.
func (r *Resolver) IsPrivileged(ctx context.Context, accountID string) bool {
	if accountID == "" || len(r.privileged) == 0 {
		return false
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	assigned, err := r.source.Roles(ctx, accountID)
	if err != nil {
		r.logger.WarnContext(ctx, "role lookup failed, treating account as non-privileged",
			"account_id", accountID, "error", err)
		return false
	}
	for _, role := range assigned {
		if r.privileged[role] {
			return true
		}
	}
	return false
}

// Static is a fixed set of privileged accounts.
type Static map[string]bool

// NewStatic builds a Static provider from account ids.
func NewStatic(accountIDs ...string) Static {
	s := make(Static, len(accountIDs))
	for _, id := range accountIDs {
		if id != "" {
			s[id] = true
		}
	}
	return s
}

// IsPrivileged implements PrivilegeProvider.
func (s Static) IsPrivileged(_ context.Context, accountID string) bool {
	return s[accountID]
}

// Any is privileged when any of its providers says so.
type Any []PrivilegeProvider

// IsPrivileged implements PrivilegeProvider.
func (a Any) IsPrivileged(ctx context.Context, accountID string) bool {
	for _, p := range a {
		if p != nil && p.IsPrivileged(ctx, accountID) {
			return true
		}
	}
	return false
}
