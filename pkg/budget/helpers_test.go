package budget

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pario-ai/budgetd/pkg/ledger"
	"github.com/pario-ai/budgetd/pkg/ledger/sqlite"
	"github.com/pario-ai/budgetd/pkg/models"
	"github.com/pario-ai/budgetd/pkg/roles"
)

var testNow = time.Date(2026, time.October, 14, 12, 0, 0, 0, time.UTC)

const testMonth = "2026-10-01"

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "budget_test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testOptions(store ledger.Store) Options {
	return Options{
		Store:      store,
		Privileges: roles.NewStatic("admin-1"),
		Plans: Plans{
			Fallback: "free",
			Caps:     map[string]int64{"free": 75, "pro": 2000, "suspended": 0},
		},
		Timeout: time.Second,
		Retry:   RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:     func() time.Time { return testNow },
	}
}

// seed creates the current month row for accountID with the given cap and
// spend.
func seed(t *testing.T, s ledger.Store, accountID string, budgetCents, spendCents int64) {
	t.Helper()
	ctx := context.Background()
	key := ledger.AccountKey{AccountID: accountID, MonthStart: testMonth, Plan: "free", DefaultCents: budgetCents}
	if _, err := s.EnsureAccount(ctx, key); err != nil {
		t.Fatal(err)
	}
	if spendCents > 0 {
		_, err := s.RecordCost(ctx, key, models.CostLogEntry{
			IdempotencyKey: "seed-" + accountID,
			AccountID:      accountID,
			Operation:      "seed",
			CostCents:      spendCents,
			CreatedAt:      testNow,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func account(t *testing.T, s ledger.Store, accountID string) models.BudgetAccount {
	t.Helper()
	a, err := s.Account(context.Background(), accountID, testMonth)
	if err != nil {
		t.Fatalf("Account(%s): %v", accountID, err)
	}
	return a
}

var errInjected = errors.New("injected storage failure")

// faultyStore wraps a real store and injects failures.
type faultyStore struct {
	ledger.Store

	mu             sync.Mutex
	ensureErr      error
	ensureDelay    time.Duration
	recordFailures int
	recordCalls    int
	updateErr      error
}

func (f *faultyStore) EnsureAccount(ctx context.Context, key ledger.AccountKey) (models.BudgetAccount, error) {
	if f.ensureDelay > 0 {
		select {
		case <-time.After(f.ensureDelay):
		case <-ctx.Done():
			return models.BudgetAccount{}, ctx.Err()
		}
	}
	if f.ensureErr != nil {
		return models.BudgetAccount{}, f.ensureErr
	}
	return f.Store.EnsureAccount(ctx, key)
}

func (f *faultyStore) RecordCost(ctx context.Context, key ledger.AccountKey, entry models.CostLogEntry) (bool, error) {
	f.mu.Lock()
	f.recordCalls++
	fail := f.recordCalls <= f.recordFailures
	f.mu.Unlock()
	if fail {
		return false, errInjected
	}
	return f.Store.RecordCost(ctx, key, entry)
}

func (f *faultyStore) UpdateBudget(ctx context.Context, change ledger.CapChange) (models.BudgetAuditEntry, error) {
	if f.updateErr != nil {
		return models.BudgetAuditEntry{}, f.updateErr
	}
	return f.Store.UpdateBudget(ctx, change)
}
