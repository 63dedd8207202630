// Package sqlite implements ledger.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/budgetd/pkg/ledger"
	"github.com/pario-ai/budgetd/pkg/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements ledger.Store with SQLite. It holds a single connection so
// that transactions from concurrent callers are serialised by database/sql.
type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

// New opens the database at dbPath and applies pending migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	return goose.Up(db, "migrations")
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const accountColumns = `account_id, plan, month_start, spend_cents, budget_cents, created_at, updated_at`

func ensureAccount(ctx context.Context, q execer, key ledger.AccountKey) error {
	now := time.Now().UTC()
	_, err := q.ExecContext(ctx,
		`INSERT INTO budget_accounts (account_id, month_start, plan, spend_cents, budget_cents, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?, ?)
		 ON CONFLICT(account_id, month_start) DO NOTHING`,
		key.AccountID, key.MonthStart, key.Plan, key.DefaultCents, now, now,
	)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

func scanAccount(row *sql.Row) (models.BudgetAccount, error) {
	var a models.BudgetAccount
	err := row.Scan(&a.AccountID, &a.Plan, &a.MonthStart, &a.SpendCents, &a.BudgetCents, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ledger.ErrNotFound
	}
	if err != nil {
		return a, fmt.Errorf("scan account: %w", err)
	}
	return a, nil
}

func getAccount(ctx context.Context, q execer, accountID, monthStart string) (models.BudgetAccount, error) {
	return scanAccount(q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM budget_accounts WHERE account_id = ? AND month_start = ?`,
		accountID, monthStart,
	))
}

// EnsureAccount returns the month row, creating it if absent.
func (s *Store) EnsureAccount(ctx context.Context, key ledger.AccountKey) (models.BudgetAccount, error) {
	if err := ensureAccount(ctx, s.db, key); err != nil {
		return models.BudgetAccount{}, err
	}
	return getAccount(ctx, s.db, key.AccountID, key.MonthStart)
}

// Account returns the month row or ledger.ErrNotFound.
func (s *Store) Account(ctx context.Context, accountID, monthStart string) (models.BudgetAccount, error) {
	return getAccount(ctx, s.db, accountID, monthStart)
}

// RecordCost inserts the cost entry and increments spend in one transaction.
func (s *Store) RecordCost(ctx context.Context, key ledger.AccountKey, entry models.CostLogEntry) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin record cost: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var metadata sql.NullString
	if len(entry.Metadata) > 0 {
		metadata = sql.NullString{String: string(entry.Metadata), Valid: true}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO cost_log (idempotency_key, account_id, operation, tier, model,
		 input_units, output_units, cost_cents, latency_ms, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(idempotency_key) DO NOTHING`,
		entry.IdempotencyKey, entry.AccountID, entry.Operation, entry.Tier, entry.Model,
		entry.InputUnits, entry.OutputUnits, entry.CostCents, entry.LatencyMs, metadata, entry.CreatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert cost entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert cost entry: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if err := ensureAccount(ctx, tx, key); err != nil {
		return false, err
	}
	if entry.CostCents > 0 {
		res, err := tx.ExecContext(ctx,
			`UPDATE budget_accounts SET spend_cents = spend_cents + ?, updated_at = ?
			 WHERE account_id = ? AND month_start = ?`,
			entry.CostCents, time.Now().UTC(), key.AccountID, key.MonthStart,
		)
		if err != nil {
			return false, fmt.Errorf("increment spend: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("increment spend: %w", err)
		}
		if n != 1 {
			return false, fmt.Errorf("increment spend: %d rows affected", n)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit record cost: %w", err)
	}
	return true, nil
}

const costColumns = `idempotency_key, account_id, operation, tier, model,
	input_units, output_units, cost_cents, latency_ms, metadata, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCost(row rowScanner) (models.CostLogEntry, error) {
	var e models.CostLogEntry
	var metadata sql.NullString
	if err := row.Scan(&e.IdempotencyKey, &e.AccountID, &e.Operation, &e.Tier, &e.Model,
		&e.InputUnits, &e.OutputUnits, &e.CostCents, &e.LatencyMs, &metadata, &e.CreatedAt); err != nil {
		return e, err
	}
	if metadata.Valid && metadata.String != "" {
		e.Metadata = json.RawMessage(metadata.String)
	}
	return e, nil
}

// CostEntry returns the entry stored under idempotencyKey.
func (s *Store) CostEntry(ctx context.Context, idempotencyKey string) (models.CostLogEntry, error) {
	e, err := scanCost(s.db.QueryRowContext(ctx,
		`SELECT `+costColumns+` FROM cost_log WHERE idempotency_key = ?`, idempotencyKey))
	if errors.Is(err, sql.ErrNoRows) {
		return e, ledger.ErrNotFound
	}
	if err != nil {
		return e, fmt.Errorf("cost entry: %w", err)
	}
	return e, nil
}

// ListCosts returns cost entries matching opts, newest first.
func (s *Store) ListCosts(ctx context.Context, opts models.CostQueryOpts) ([]models.CostLogEntry, error) {
	q := `SELECT ` + costColumns + ` FROM cost_log WHERE 1=1`
	var args []any
	if opts.AccountID != "" {
		q += ` AND account_id = ?`
		args = append(args, opts.AccountID)
	}
	if !opts.Since.IsZero() {
		q += ` AND created_at >= ?`
		args = append(args, opts.Since.UTC())
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, ledger.Limit(opts.Limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list costs: %w", err)
	}
	defer rows.Close()

	var entries []models.CostLogEntry
	for rows.Next() {
		e, err := scanCost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cost entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpdateBudget writes the new cap and its audit entry in one transaction.
func (s *Store) UpdateBudget(ctx context.Context, change ledger.CapChange) (models.BudgetAuditEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.BudgetAuditEntry{}, fmt.Errorf("begin update budget: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	key := change.Account
	if err := ensureAccount(ctx, tx, key); err != nil {
		return models.BudgetAuditEntry{}, err
	}
	current, err := getAccount(ctx, tx, key.AccountID, key.MonthStart)
	if err != nil {
		return models.BudgetAuditEntry{}, err
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE budget_accounts SET budget_cents = ?, updated_at = ?
		 WHERE account_id = ? AND month_start = ?`,
		change.NewBudgetCents, now, key.AccountID, key.MonthStart,
	); err != nil {
		return models.BudgetAuditEntry{}, fmt.Errorf("update budget: %w", err)
	}

	entry := models.BudgetAuditEntry{
		AccountID:           key.AccountID,
		MonthStart:          key.MonthStart,
		PreviousBudgetCents: current.BudgetCents,
		NewBudgetCents:      change.NewBudgetCents,
		Action:              change.Action,
		Reason:              change.Reason,
		ActorID:             change.ActorID,
		CreatedAt:           now,
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO budget_audit_log (account_id, month_start, previous_budget_cents, new_budget_cents,
		 action, reason, actor_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.AccountID, entry.MonthStart, entry.PreviousBudgetCents, entry.NewBudgetCents,
		entry.Action, entry.Reason, entry.ActorID, entry.CreatedAt,
	)
	if err != nil {
		return models.BudgetAuditEntry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	if entry.ID, err = res.LastInsertId(); err != nil {
		return models.BudgetAuditEntry{}, fmt.Errorf("insert audit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.BudgetAuditEntry{}, fmt.Errorf("commit update budget: %w", err)
	}
	return entry, nil
}

// ListAudit returns audit entries, newest first.
func (s *Store) ListAudit(ctx context.Context, accountID string, limit int) ([]models.BudgetAuditEntry, error) {
	q := `SELECT id, account_id, month_start, previous_budget_cents, new_budget_cents,
		action, reason, actor_id, created_at FROM budget_audit_log`
	var args []any
	if accountID != "" {
		q += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, ledger.Limit(limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var entries []models.BudgetAuditEntry
	for rows.Next() {
		var e models.BudgetAuditEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.MonthStart, &e.PreviousBudgetCents, &e.NewBudgetCents,
			&e.Action, &e.Reason, &e.ActorID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Roles returns the roles assigned to accountID.
func (s *Store) Roles(ctx context.Context, accountID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role FROM role_assignments WHERE account_id = ? ORDER BY role`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	defer rows.Close()

	roles := []string{}
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// GrantRole assigns role to accountID.
func (s *Store) GrantRole(ctx context.Context, accountID, role string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO role_assignments (account_id, role, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(account_id, role) DO NOTHING`,
		accountID, role, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("grant role: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
