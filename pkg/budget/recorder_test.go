package budget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func costInput(accountID, key string, cents int64) CostInput {
	return CostInput{
		AccountID:      accountID,
		Plan:           "free",
		Operation:      "extract",
		Tier:           "standard",
		Model:          "model-a",
		InputUnits:     1200,
		OutputUnits:    300,
		CostCents:      cents,
		Latency:        1500 * time.Millisecond,
		IdempotencyKey: key,
		Metadata:       json.RawMessage(`{"document":"d-1"}`),
	}
}

func TestLogCostIdempotent(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "u1", 75, 0)
	r := NewRecorder(testOptions(s))
	ctx := context.Background()

	res, err := r.LogCost(ctx, costInput("u1", "K", 1))
	if err != nil {
		t.Fatalf("LogCost: %v", err)
	}
	if res.AlreadyExists {
		t.Error("first call reported AlreadyExists")
	}
	if res.Entry.LatencyMs != 1500 || res.MonthStart != testMonth {
		t.Errorf("unexpected result: %+v", res)
	}
	if a := account(t, s, "u1"); a.SpendCents != 1 {
		t.Fatalf("expected spend 1, got %d", a.SpendCents)
	}

	res, err = r.LogCost(ctx, costInput("u1", "K", 1))
	if err != nil {
		t.Fatalf("LogCost retry: %v", err)
	}
	if !res.AlreadyExists {
		t.Error("expected AlreadyExists on retry")
	}
	if a := account(t, s, "u1"); a.SpendCents != 1 {
		t.Errorf("expected spend to stay 1, got %d", a.SpendCents)
	}

	// A zero-cost call is logged but never charged.
	for range 3 {
		if _, err := r.LogCost(ctx, costInput("u1", "K2", 0)); err != nil {
			t.Fatal(err)
		}
	}
	if a := account(t, s, "u1"); a.SpendCents != 1 {
		t.Errorf("zero-cost call changed spend to %d", a.SpendCents)
	}
	if _, err := s.CostEntry(ctx, "K2"); err != nil {
		t.Errorf("zero-cost entry not logged: %v", err)
	}
}

func TestLogCostCreatesRow(t *testing.T) {
	s := newTestStore(t)
	r := NewRecorder(testOptions(s))

	in := costInput("u-new", "K", 12)
	in.Plan = "pro"
	if _, err := r.LogCost(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	a := account(t, s, "u-new")
	if a.SpendCents != 12 || a.BudgetCents != 2000 || a.Plan != "pro" {
		t.Errorf("unexpected row: %+v", a)
	}
}

func TestLogCostValidation(t *testing.T) {
	r := NewRecorder(testOptions(newTestStore(t)))
	tests := []struct {
		name   string
		mutate func(*CostInput)
	}{
		{"no account", func(in *CostInput) { in.AccountID = "" }},
		{"no key", func(in *CostInput) { in.IdempotencyKey = "" }},
		{"no operation", func(in *CostInput) { in.Operation = "" }},
		{"negative cost", func(in *CostInput) { in.CostCents = -1 }},
		{"negative units", func(in *CostInput) { in.OutputUnits = -5 }},
		{"negative latency", func(in *CostInput) { in.Latency = -time.Second }},
		{"bad metadata", func(in *CostInput) { in.Metadata = json.RawMessage(`{"open":`) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := costInput("u1", "K", 1)
			tt.mutate(&in)
			if _, err := r.LogCost(context.Background(), in); !errors.Is(err, ErrInvalidCost) {
				t.Errorf("expected ErrInvalidCost, got %v", err)
			}
		})
	}
}

func TestLogCostRetriesTransientFailure(t *testing.T) {
	s := newTestStore(t)
	fs := &faultyStore{Store: s, recordFailures: 2}
	opts := testOptions(fs)
	opts.Metrics = NewMetrics(prometheus.NewRegistry())
	r := NewRecorder(opts)

	res, err := r.LogCost(context.Background(), costInput("u1", "K", 5))
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if res.AlreadyExists {
		t.Error("unexpected AlreadyExists")
	}
	if fs.recordCalls != 3 {
		t.Errorf("expected 3 attempts, got %d", fs.recordCalls)
	}
	if a := account(t, s, "u1"); a.SpendCents != 5 {
		t.Errorf("expected spend 5, got %d", a.SpendCents)
	}
	if got := testutil.ToFloat64(opts.Metrics.costRetries); got != 2 {
		t.Errorf("expected 2 retries counted, got %v", got)
	}
	if got := testutil.ToFloat64(opts.Metrics.spendCents); got != 5 {
		t.Errorf("expected 5 cents counted, got %v", got)
	}
}

func TestLogCostGivesUp(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "u1", 75, 0)
	fs := &faultyStore{Store: s, recordFailures: 10}
	r := NewRecorder(testOptions(fs))

	_, err := r.LogCost(context.Background(), costInput("u1", "K", 5))
	if !errors.Is(err, ErrStorageUnavailable) || !errors.Is(err, errInjected) {
		t.Fatalf("expected wrapped storage error, got %v", err)
	}
	if fs.recordCalls != 3 {
		t.Errorf("expected 3 attempts, got %d", fs.recordCalls)
	}
	if a := account(t, s, "u1"); a.SpendCents != 0 {
		t.Errorf("failed write changed spend to %d", a.SpendCents)
	}

	// The caller's later retry with the same key lands exactly once.
	r = NewRecorder(testOptions(s))
	for range 2 {
		if _, err := r.LogCost(context.Background(), costInput("u1", "K", 5)); err != nil {
			t.Fatal(err)
		}
	}
	if a := account(t, s, "u1"); a.SpendCents != 5 {
		t.Errorf("expected spend 5, got %d", a.SpendCents)
	}
}

func TestLogCostStopsOnCanceledContext(t *testing.T) {
	s := newTestStore(t)
	fs := &faultyStore{Store: s, recordFailures: 10}
	opts := testOptions(fs)
	opts.Retry = RetryPolicy{MaxAttempts: 100, Backoff: time.Hour}
	r := NewRecorder(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := r.LogCost(ctx, costInput("u1", "K", 5))
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("retry loop ignored context cancellation")
	}
}

func TestLogCostConcurrent(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "u1", 100000, 0)
	r := NewRecorder(testOptions(s))
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	duplicates := 0
	for i := range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Ten logical units, each submitted three times.
			res, err := r.LogCost(ctx, costInput("u1", fmt.Sprintf("K-%d", i%10), 3))
			if err != nil {
				t.Errorf("LogCost: %v", err)
				return
			}
			if res.AlreadyExists {
				mu.Lock()
				duplicates++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if duplicates != 20 {
		t.Errorf("expected 20 duplicates, got %d", duplicates)
	}
	if a := account(t, s, "u1"); a.SpendCents != 30 {
		t.Errorf("expected spend 30, got %d", a.SpendCents)
	}
}

func TestContentKey(t *testing.T) {
	a := ContentKey([]byte("invoice.pdf"), []byte("tier-1"))
	b := ContentKey([]byte("invoice.pdf"), []byte("tier-1"))
	if a != b || len(a) != 64 {
		t.Errorf("expected stable 64-char key, got %s / %s", a, b)
	}
	if a == ContentKey([]byte("invoice.pd"), []byte("ftier-1")) {
		t.Error("part boundaries must affect the key")
	}
}
