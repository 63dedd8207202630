// Package budget implements admission control and cost accounting for
// metered operations.
//
// A caller asks the Gate before doing billable work, reports the cost to the
// Recorder afterwards, and privileged operators change caps through the
// Override. Check and LogCost are not atomic as a pair: concurrent admissions
// just under the cap may overshoot it slightly before later requests are
// denied.
package budget

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/pario-ai/budgetd/pkg/ledger"
	"github.com/pario-ai/budgetd/pkg/models"
	"github.com/pario-ai/budgetd/pkg/roles"
)

var (
	// ErrBudgetExceeded is returned when a non-privileged account has spent
	// its monthly cap.
	ErrBudgetExceeded = errors.New("monthly AI budget exceeded")
	// ErrStorageUnavailable wraps ledger failures and timeouts. For Check it
	// means the request was denied; for LogCost the caller should retry with
	// the same idempotency key.
	ErrStorageUnavailable = errors.New("budget storage unavailable")
	// ErrNotPrivileged is returned when a non-privileged actor attempts an
	// administrative change.
	ErrNotPrivileged = errors.New("actor is not privileged")
	// ErrReasonRequired is returned when an override carries no reason.
	ErrReasonRequired = errors.New("reason is required")
	// ErrInvalidBudget is returned for a negative cap.
	ErrInvalidBudget = errors.New("budget cents must not be negative")
	// ErrInvalidAccount is returned when no account id is given.
	ErrInvalidAccount = errors.New("account id is required")
	// ErrInvalidCost is returned for a malformed cost report.
	ErrInvalidCost = errors.New("invalid cost entry")
)

// DefaultTimeout bounds storage calls when Options.Timeout is zero.
const DefaultTimeout = 5 * time.Second

// Plans maps plan identifiers to their default monthly cap in cents.
type Plans struct {
	Fallback string
	Caps     map[string]int64
}

// Resolve returns the plan to record and its default cap. Unknown or empty
// plans resolve to the fallback and known is false.
func (p Plans) Resolve(plan string) (name string, cents int64, known bool) {
	if c, ok := p.Caps[plan]; ok {
		return plan, c, true
	}
	return p.Fallback, p.Caps[p.Fallback], false
}

// Options is the shared configuration of the Gate, Recorder and Override.
// Build it once at startup and pass it to each constructor.
type Options struct {
	Store      ledger.Store
	Privileges roles.PrivilegeProvider
	Plans      Plans
	// Location is the reference timezone for month boundaries. Defaults to UTC.
	Location *time.Location
	// Timeout bounds each storage call. Defaults to DefaultTimeout.
	Timeout time.Duration
	Retry   RetryPolicy
	Logger  *slog.Logger
	Metrics *Metrics
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// RetryPolicy controls how the Recorder retries failed cost writes.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Retry.MaxAttempts < 1 {
		o.Retry.MaxAttempts = 1
	}
	if o.Retry.MaxBackoff < o.Retry.Backoff {
		o.Retry.MaxBackoff = o.Retry.Backoff
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Privileges == nil {
		o.Privileges = roles.Static(nil)
	}
	return o
}

// accountKey resolves plan and month for accountID at the current time.
func (o Options) accountKey(ctx context.Context, accountID, plan string) ledger.AccountKey {
	name, cents, known := o.Plans.Resolve(plan)
	if !known && plan != "" {
		o.Logger.WarnContext(ctx, "unknown plan, using fallback cap",
			"account_id", accountID, "plan", plan, "fallback", name, "cap_cents", cents)
	}
	return ledger.AccountKey{
		AccountID:    accountID,
		MonthStart:   MonthStart(o.Now(), o.Location),
		Plan:         name,
		DefaultCents: cents,
	}
}

// MonthStart returns the first day of t's calendar month in loc, formatted
// as models.MonthLayout.
func MonthStart(t time.Time, loc *time.Location) string {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc).Format(models.MonthLayout)
}

// ContentKey derives an idempotency key from the content of a unit of work.
func ContentKey(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
