package budget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pario-ai/budgetd/pkg/ledger"
	"github.com/pario-ai/budgetd/pkg/models"
)

// CostInput is the cost report of one completed unit of metered work.
type CostInput struct {
	AccountID string
	// Plan seeds the month row if the cost write is the account's first touch
	// this month.
	Plan           string
	Operation      string
	Tier           string
	Model          string
	InputUnits     int64
	OutputUnits    int64
	CostCents      int64
	Latency        time.Duration
	IdempotencyKey string
	Metadata       json.RawMessage
}

func (in CostInput) validate() error {
	switch {
	case in.AccountID == "":
		return fmt.Errorf("%w: account id is required", ErrInvalidCost)
	case in.IdempotencyKey == "":
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidCost)
	case in.Operation == "":
		return fmt.Errorf("%w: operation is required", ErrInvalidCost)
	case in.CostCents < 0:
		return fmt.Errorf("%w: cost cents must not be negative", ErrInvalidCost)
	case in.InputUnits < 0 || in.OutputUnits < 0:
		return fmt.Errorf("%w: unit counts must not be negative", ErrInvalidCost)
	case in.Latency < 0:
		return fmt.Errorf("%w: latency must not be negative", ErrInvalidCost)
	case len(in.Metadata) > 0 && !json.Valid(in.Metadata):
		return fmt.Errorf("%w: metadata is not valid JSON", ErrInvalidCost)
	}
	return nil
}

// CostResult reports the outcome of LogCost.
type CostResult struct {
	// AlreadyExists is true when an entry with the same idempotency key was
	// already recorded. Nothing was written.
	AlreadyExists bool `json:"already_exists"`
	// Entry is the stored entry. It is zero when AlreadyExists is true.
	Entry      models.CostLogEntry `json:"entry"`
	MonthStart string              `json:"month_start"`
}

// Recorder writes cost entries and charges them to the account's month row.
type Recorder struct {
	opts Options
}

// NewRecorder creates a Recorder.
func NewRecorder(opts Options) *Recorder {
	return &Recorder{opts: opts.withDefaults()}
}

// LogCost records in exactly once per idempotency key. The first successful
// call inserts the entry and adds CostCents to spend in one storage
// transaction; later calls with the same key return AlreadyExists and change
// nothing. A zero cost is logged without touching spend.
//
// Storage failures are retried per the retry policy. If every attempt fails
// the error wraps ErrStorageUnavailable and the caller may retry later with
// the same key.
func (r *Recorder) LogCost(ctx context.Context, in CostInput) (CostResult, error) {
	if err := in.validate(); err != nil {
		r.opts.Metrics.observeCost(resultInvalid, 0)
		return CostResult{}, err
	}

	key := r.opts.accountKey(ctx, in.AccountID, in.Plan)
	entry := models.CostLogEntry{
		IdempotencyKey: in.IdempotencyKey,
		AccountID:      in.AccountID,
		Operation:      in.Operation,
		Tier:           in.Tier,
		Model:          in.Model,
		InputUnits:     in.InputUnits,
		OutputUnits:    in.OutputUnits,
		CostCents:      in.CostCents,
		LatencyMs:      in.Latency.Milliseconds(),
		Metadata:       in.Metadata,
		CreatedAt:      r.opts.Now().UTC(),
	}

	created, err := r.write(ctx, key, entry)
	if err != nil {
		r.opts.Metrics.observeCost(resultError, 0)
		r.opts.Logger.ErrorContext(ctx, "cost write failed",
			"account_id", in.AccountID, "idempotency_key", in.IdempotencyKey, "error", err)
		return CostResult{}, err
	}

	res := CostResult{AlreadyExists: !created, MonthStart: key.MonthStart}
	if !created {
		r.opts.Metrics.observeCost(resultDuplicate, 0)
		r.opts.Logger.DebugContext(ctx, "duplicate cost submission ignored",
			"account_id", in.AccountID, "idempotency_key", in.IdempotencyKey)
		return res, nil
	}
	res.Entry = entry
	r.opts.Metrics.observeCost(resultRecorded, in.CostCents)
	return res, nil
}

func (r *Recorder) write(ctx context.Context, key ledger.AccountKey, entry models.CostLogEntry) (bool, error) {
	backoff := r.opts.Retry.Backoff
	for attempt := 1; ; attempt++ {
		actx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
		created, err := r.opts.Store.RecordCost(actx, key, entry)
		cancel()
		if err == nil {
			return created, nil
		}
		if attempt >= r.opts.Retry.MaxAttempts || ctx.Err() != nil {
			return false, fmt.Errorf("%w: record cost after %d attempts: %w", ErrStorageUnavailable, attempt, err)
		}

		r.opts.Metrics.observeRetry()
		r.opts.Logger.WarnContext(ctx, "cost write failed, retrying",
			"idempotency_key", entry.IdempotencyKey, "attempt", attempt, "backoff", backoff, "error", err)

		if backoff > 0 {
			t := time.NewTimer(backoff)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return false, fmt.Errorf("%w: record cost: %w", ErrStorageUnavailable, errors.Join(err, ctx.Err()))
			}
			backoff = min(backoff*2, r.opts.Retry.MaxBackoff)
		}
	}
}
