// Package postgres implements ledger.Store on PostgreSQL using a pgx pool.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql (needed by goose)
	"github.com/pressly/goose/v3"

	"github.com/pario-ai/budgetd/pkg/ledger"
	"github.com/pario-ai/budgetd/pkg/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Store implements ledger.Store with PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ ledger.Store = (*Store)(nil)

// NewPool creates and pings a pgxpool connection pool.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// RunMigrations applies all pending goose migrations from the embedded SQL files.
func RunMigrations(ctx context.Context, dsn string) error {
	goose.SetBaseFS(migrations)

	db, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db for migrations: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// New migrates the database at cfg.DSN and returns a Store on a fresh pool.
func New(ctx context.Context, cfg PoolConfig) (*Store, error) {
	if err := RunMigrations(ctx, cfg.DSN); err != nil {
		return nil, err
	}
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewWithPool(pool), nil
}

// NewWithPool wraps an existing pool. The caller is responsible for migrations.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const accountColumns = `account_id, plan, month_start, spend_cents, budget_cents, created_at, updated_at`

func ensureAccount(ctx context.Context, q pgx.Tx, key ledger.AccountKey) error {
	_, err := q.Exec(ctx,
		`INSERT INTO budget_accounts (account_id, month_start, plan, spend_cents, budget_cents)
		 VALUES ($1, $2, $3, 0, $4)
		 ON CONFLICT (account_id, month_start) DO NOTHING`,
		key.AccountID, key.MonthStart, key.Plan, key.DefaultCents,
	)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

func scanAccount(row pgx.Row) (models.BudgetAccount, error) {
	var a models.BudgetAccount
	err := row.Scan(&a.AccountID, &a.Plan, &a.MonthStart, &a.SpendCents, &a.BudgetCents, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, ledger.ErrNotFound
	}
	if err != nil {
		return a, fmt.Errorf("scan account: %w", err)
	}
	return a, nil
}

// EnsureAccount returns the month row, creating it if absent.
func (s *Store) EnsureAccount(ctx context.Context, key ledger.AccountKey) (models.BudgetAccount, error) {
	var acct models.BudgetAccount
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := ensureAccount(ctx, tx, key); err != nil {
			return err
		}
		var err error
		acct, err = scanAccount(tx.QueryRow(ctx,
			`SELECT `+accountColumns+` FROM budget_accounts WHERE account_id = $1 AND month_start = $2`,
			key.AccountID, key.MonthStart))
		return err
	})
	return acct, err
}

// Account returns the month row or ledger.ErrNotFound.
func (s *Store) Account(ctx context.Context, accountID, monthStart string) (models.BudgetAccount, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM budget_accounts WHERE account_id = $1 AND month_start = $2`,
		accountID, monthStart))
}

// RecordCost inserts the cost entry and increments spend in one transaction.
// A concurrent insert of the same key blocks on the unique index until the
// first transaction finishes, then resolves as a conflict.
func (s *Store) RecordCost(ctx context.Context, key ledger.AccountKey, entry models.CostLogEntry) (bool, error) {
	var metadata []byte
	if len(entry.Metadata) > 0 {
		metadata = []byte(entry.Metadata)
	}

	created := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO cost_log (idempotency_key, account_id, operation, tier, model,
			 input_units, output_units, cost_cents, latency_ms, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT (idempotency_key) DO NOTHING`,
			entry.IdempotencyKey, entry.AccountID, entry.Operation, entry.Tier, entry.Model,
			entry.InputUnits, entry.OutputUnits, entry.CostCents, entry.LatencyMs, metadata, entry.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert cost entry: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		if err := ensureAccount(ctx, tx, key); err != nil {
			return err
		}
		if entry.CostCents > 0 {
			tag, err := tx.Exec(ctx,
				`UPDATE budget_accounts SET spend_cents = spend_cents + $1, updated_at = now()
				 WHERE account_id = $2 AND month_start = $3`,
				entry.CostCents, key.AccountID, key.MonthStart,
			)
			if err != nil {
				return fmt.Errorf("increment spend: %w", err)
			}
			if tag.RowsAffected() != 1 {
				return fmt.Errorf("increment spend: %d rows affected", tag.RowsAffected())
			}
		}
		created = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

const costColumns = `idempotency_key, account_id, operation, tier, model,
	input_units, output_units, cost_cents, latency_ms, metadata, created_at`

func scanCost(row pgx.Row) (models.CostLogEntry, error) {
	var e models.CostLogEntry
	var metadata []byte
	if err := row.Scan(&e.IdempotencyKey, &e.AccountID, &e.Operation, &e.Tier, &e.Model,
		&e.InputUnits, &e.OutputUnits, &e.CostCents, &e.LatencyMs, &metadata, &e.CreatedAt); err != nil {
		return e, err
	}
	if len(metadata) > 0 {
		e.Metadata = metadata
	}
	return e, nil
}

// CostEntry returns the entry stored under idempotencyKey.
func (s *Store) CostEntry(ctx context.Context, idempotencyKey string) (models.CostLogEntry, error) {
	e, err := scanCost(s.pool.QueryRow(ctx,
		`SELECT `+costColumns+` FROM cost_log WHERE idempotency_key = $1`, idempotencyKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return e, ledger.ErrNotFound
	}
	if err != nil {
		return e, fmt.Errorf("cost entry: %w", err)
	}
	return e, nil
}

// ListCosts returns cost entries matching opts, newest first.
func (s *Store) ListCosts(ctx context.Context, opts models.CostQueryOpts) ([]models.CostLogEntry, error) {
	q := `SELECT ` + costColumns + ` FROM cost_log WHERE ($1::text = '' OR account_id = $1)
		AND ($2::timestamptz IS NULL OR created_at >= $2)
		ORDER BY created_at DESC LIMIT $3`
	var since *time.Time
	if !opts.Since.IsZero() {
		t := opts.Since.UTC()
		since = &t
	}

	rows, err := s.pool.Query(ctx, q, opts.AccountID, since, ledger.Limit(opts.Limit))
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
// The month row is locked for the duration so the recorded previous value is
// the one actually replaced.
func (s *Store) UpdateBudget(ctx context.Context, change ledger.CapChange) (models.BudgetAuditEntry, error) {
	key := change.Account
	entry := models.BudgetAuditEntry{
		AccountID:      key.AccountID,
		MonthStart:     key.MonthStart,
		NewBudgetCents: change.NewBudgetCents,
		Action:         change.Action,
		Reason:         change.Reason,
		ActorID:        change.ActorID,
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := ensureAccount(ctx, tx, key); err != nil {
			return err
		}
		err := tx.QueryRow(ctx,
			`SELECT budget_cents FROM budget_accounts
			 WHERE account_id = $1 AND month_start = $2 FOR UPDATE`,
			key.AccountID, key.MonthStart,
		).Scan(&entry.PreviousBudgetCents)
		if err != nil {
			return fmt.Errorf("lock account: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE budget_accounts SET budget_cents = $1, updated_at = now()
			 WHERE account_id = $2 AND month_start = $3`,
			change.NewBudgetCents, key.AccountID, key.MonthStart,
		); err != nil {
			return fmt.Errorf("update budget: %w", err)
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO budget_audit_log (account_id, month_start, previous_budget_cents, new_budget_cents,
			 action, reason, actor_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING id, created_at`,
			entry.AccountID, entry.MonthStart, entry.PreviousBudgetCents, entry.NewBudgetCents,
			entry.Action, entry.Reason, entry.ActorID,
		).Scan(&entry.ID, &entry.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.BudgetAuditEntry{}, err
	}
	return entry, nil
}

// ListAudit returns audit entries, newest first.
func (s *Store) ListAudit(ctx context.Context, accountID string, limit int) ([]models.BudgetAuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, month_start, previous_budget_cents, new_budget_cents,
		 action, reason, actor_id, created_at FROM budget_audit_log
		 WHERE ($1::text = '' OR account_id = $1)
		 ORDER BY id DESC LIMIT $2`,
		accountID, ledger.Limit(limit))
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
	rows, err := s.pool.Query(ctx,
		`SELECT role FROM role_assignments WHERE account_id = $1 ORDER BY role`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	roles, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan roles: %w", err)
	}
	if roles == nil {
		roles = []string{}
	}
	return roles, nil
}

// GrantRole assigns role to accountID.
func (s *Store) GrantRole(ctx context.Context, accountID, role string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO role_assignments (account_id, role) VALUES ($1, $2)
		 ON CONFLICT (account_id, role) DO NOTHING`,
		accountID, role)
	if err != nil {
		return fmt.Errorf("grant role: %w", err)
	}
	return nil
}

// Ping checks the pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
