// Package ledgertest is a conformance suite shared by the ledger backends.
package ledgertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pario-ai/budgetd/pkg/ledger"
	"github.com/pario-ai/budgetd/pkg/models"
)

// Factory returns a fresh store for one test. Stores may be shared between
// tests as long as account ids are unique, which the suite guarantees.
type Factory func(t *testing.T) ledger.Store

// Run executes every conformance test against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s ledger.Store)
	}{
		{"EnsureAccountSeedsOnce", testEnsureAccountSeedsOnce},
		{"AccountNotFound", testAccountNotFound},
		{"RecordCostOnce", testRecordCostOnce},
		{"ZeroCostLeavesSpend", testZeroCostLeavesSpend},
		{"ConcurrentDistinctKeys", testConcurrentDistinctKeys},
		{"ConcurrentSameKey", testConcurrentSameKey},
		{"CostEntryRoundTrip", testCostEntryRoundTrip},
		{"ListCosts", testListCosts},
		{"UpdateBudgetAudited", testUpdateBudgetAudited},
		{"UpdateBudgetCreatesRow", testUpdateBudgetCreatesRow},
		{"Roles", testRoles},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

const month = "2026-10-01"

func newKey(defaultCents int64) ledger.AccountKey {
	return ledger.AccountKey{
		AccountID:    "acct-" + uuid.NewString(),
		MonthStart:   month,
		Plan:         "free",
		DefaultCents: defaultCents,
	}
}

func costEntry(key ledger.AccountKey, idem string, cents int64) models.CostLogEntry {
	return models.CostLogEntry{
		IdempotencyKey: idem,
		AccountID:      key.AccountID,
		Operation:      "extract",
		Tier:           "standard",
		Model:          "model-a",
		InputUnits:     120,
		OutputUnits:    40,
		CostCents:      cents,
		LatencyMs:      250,
		CreatedAt:      time.Now().UTC(),
	}
}

func mustSpend(t *testing.T, s ledger.Store, key ledger.AccountKey) int64 {
	t.Helper()
	a, err := s.Account(context.Background(), key.AccountID, key.MonthStart)
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	return a.SpendCents
}

func testEnsureAccountSeedsOnce(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	key := newKey(75)

	a, err := s.EnsureAccount(ctx, key)
	if err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	if a.BudgetCents != 75 || a.SpendCents != 0 || a.Plan != "free" || a.MonthStart != month {
		t.Fatalf("unexpected seeded row: %+v", a)
	}

	key.DefaultCents = 500
	key.Plan = "pro"
	a, err = s.EnsureAccount(ctx, key)
	if err != nil {
		t.Fatalf("EnsureAccount again: %v", err)
	}
	if a.BudgetCents != 75 || a.Plan != "free" {
		t.Errorf("existing row was modified: %+v", a)
	}
}

func testAccountNotFound(t *testing.T, s ledger.Store) {
	_, err := s.Account(context.Background(), "missing-"+uuid.NewString(), month)
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testRecordCostOnce(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	key := newKey(75)
	idem := "k-" + uuid.NewString()

	created, err := s.RecordCost(ctx, key, costEntry(key, idem, 1))
	if err != nil {
		t.Fatalf("RecordCost: %v", err)
	}
	if !created {
		t.Fatal("expected first insert to be created")
	}
	if got := mustSpend(t, s, key); got != 1 {
		t.Fatalf("expected spend 1, got %d", got)
	}

	created, err = s.RecordCost(ctx, key, costEntry(key, idem, 1))
	if err != nil {
		t.Fatalf("RecordCost retry: %v", err)
	}
	if created {
		t.Error("expected duplicate to report not created")
	}
	if got := mustSpend(t, s, key); got != 1 {
		t.Errorf("expected spend to stay 1, got %d", got)
	}
}

func testZeroCostLeavesSpend(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	key := newKey(75)

	if _, err := s.RecordCost(ctx, key, costEntry(key, "k-"+uuid.NewString(), 3)); err != nil {
		t.Fatal(err)
	}
	zeroKey := "k-" + uuid.NewString()
	for range 3 {
		if _, err := s.RecordCost(ctx, key, costEntry(key, zeroKey, 0)); err != nil {
			t.Fatal(err)
		}
	}
	if got := mustSpend(t, s, key); got != 3 {
		t.Errorf("expected spend 3, got %d", got)
	}
	if _, err := s.CostEntry(ctx, zeroKey); err != nil {
		t.Errorf("zero-cost entry not logged: %v", err)
	}
}

func testConcurrentDistinctKeys(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	key := newKey(100000)
	const n = 20

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RecordCost(ctx, key, costEntry(key, fmt.Sprintf("k-%s-%d", key.AccountID, i), 5))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("RecordCost: %v", err)
		}
	}
	if got := mustSpend(t, s, key); got != n*5 {
		t.Errorf("expected spend %d, got %d", n*5, got)
	}
}

func testConcurrentSameKey(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	key := newKey(100000)
	idem := "k-" + uuid.NewString()
	const n = 10

	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := s.RecordCost(ctx, key, costEntry(key, idem, 7))
			if err != nil {
				t.Errorf("RecordCost: %v", err)
				return
			}
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if createdCount != 1 {
		t.Errorf("expected exactly one created insert, got %d", createdCount)
	}
	if got := mustSpend(t, s, key); got != 7 {
		t.Errorf("expected spend 7, got %d", got)
	}
}

func testCostEntryRoundTrip(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	key := newKey(75)
	idem := "k-" + uuid.NewString()
	entry := costEntry(key, idem, 2)
	entry.Metadata = json.RawMessage(`{"file":"invoice.pdf","pages":3}`)

	if _, err := s.RecordCost(ctx, key, entry); err != nil {
		t.Fatal(err)
	}
	got, err := s.CostEntry(ctx, idem)
	if err != nil {
		t.Fatalf("CostEntry: %v", err)
	}
	if got.AccountID != key.AccountID || got.CostCents != 2 || got.InputUnits != 120 || got.OutputUnits != 40 {
		t.Errorf("unexpected entry: %+v", got)
	}
	var meta map[string]any
	if err := json.Unmarshal(got.Metadata, &meta); err != nil {
		t.Fatalf("metadata not JSON: %v (%s)", err, got.Metadata)
	}
	if meta["file"] != "invoice.pdf" {
		t.Errorf("unexpected metadata: %v", meta)
	}

	if _, err := s.CostEntry(ctx, "missing-"+uuid.NewString()); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testListCosts(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	key := newKey(75)
	for i := range 3 {
		e := costEntry(key, fmt.Sprintf("k-%s-%d", key.AccountID, i), int64(i))
		e.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if _, err := s.RecordCost(ctx, key, e); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := s.ListCosts(ctx, models.CostQueryOpts{AccountID: key.AccountID})
	if err != nil {
		t.Fatalf("ListCosts: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].CostCents != 2 {
		t.Errorf("expected newest first, got %+v", entries[0])
	}

	entries, err = s.ListCosts(ctx, models.CostQueryOpts{AccountID: key.AccountID, Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected limit 1, got %d", len(entries))
	}
}

func testUpdateBudgetAudited(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	key := newKey(75)
	if _, err := s.EnsureAccount(ctx, key); err != nil {
		t.Fatal(err)
	}

	entry, err := s.UpdateBudget(ctx, ledger.CapChange{
		Account:        key,
		NewBudgetCents: 100,
		Action:         models.ActionUpdateBudget,
		Reason:         "R",
		ActorID:        "admin-1",
	})
	if err != nil {
		t.Fatalf("UpdateBudget: %v", err)
	}
	if entry.ID == 0 {
		t.Error("expected audit id to be assigned")
	}
	if entry.PreviousBudgetCents != 75 || entry.NewBudgetCents != 100 || entry.Reason != "R" || entry.ActorID != "admin-1" {
		t.Errorf("unexpected audit entry: %+v", entry)
	}

	a, err := s.Account(ctx, key.AccountID, key.MonthStart)
	if err != nil {
		t.Fatal(err)
	}
	if a.BudgetCents != 100 {
		t.Errorf("expected budget 100, got %d", a.BudgetCents)
	}

	entries, err := s.ListAudit(ctx, key.AccountID, 0)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	if entries[0].NewBudgetCents != a.BudgetCents || entries[0].Action != models.ActionUpdateBudget {
		t.Errorf("unexpected listed entry: %+v", entries[0])
	}
}

func testUpdateBudgetCreatesRow(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	key := newKey(75)

	entry, err := s.UpdateBudget(ctx, ledger.CapChange{
		Account: key, NewBudgetCents: 250, Action: models.ActionUpdateBudget,
		Reason: "onboarding", ActorID: "admin-1",
	})
	if err != nil {
		t.Fatalf("UpdateBudget: %v", err)
	}
	if entry.PreviousBudgetCents != 75 {
		t.Errorf("expected previous to be seeded default 75, got %d", entry.PreviousBudgetCents)
	}
	a, err := s.Account(ctx, key.AccountID, key.MonthStart)
	if err != nil {
		t.Fatal(err)
	}
	if a.BudgetCents != 250 || a.SpendCents != 0 {
		t.Errorf("unexpected row: %+v", a)
	}
}

func testRoles(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	id := "acct-" + uuid.NewString()

	roles, err := s.Roles(ctx, id)
	if err != nil {
		t.Fatalf("Roles: %v", err)
	}
	if len(roles) != 0 {
		t.Errorf("expected no roles, got %v", roles)
	}

	for range 2 {
		if err := s.GrantRole(ctx, id, "admin"); err != nil {
			t.Fatalf("GrantRole: %v", err)
		}
	}
	roles, err = s.Roles(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(roles) != 1 || roles[0] != "admin" {
		t.Errorf("expected [admin], got %v", roles)
	}
}
