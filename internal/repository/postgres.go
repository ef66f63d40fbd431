package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ledgerpay/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is the production Store. Isolation comes from row locks
// taken inside read-committed transactions; the unique constraints on
// feature_grants and payment_attempts.internal_reference are the backstop.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	q querier
}

func (s *PostgresStore) Balance(ctx context.Context, userID int64) (int64, error) {
	return balance(ctx, s.pool, userID)
}

func (s *PostgresStore) ListEntries(ctx context.Context, userID int64, limit int) ([]model.LedgerEntry, error) {
	return listEntries(ctx, s.pool, userID, limit)
}

func (s *PostgresStore) PaymentByReference(ctx context.Context, ref string) (*model.PaymentAttempt, error) {
	return paymentByReference(ctx, s.pool, ref, false)
}

func (s *PostgresStore) ListPayments(ctx context.Context, status model.PaymentStatus, before time.Time, limit int) ([]model.PaymentAttempt, error) {
	return listPayments(ctx, s.pool, status, before, limit)
}

func (s *PostgresStore) MarkPolled(ctx context.Context, ref string, at time.Time) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE payment_attempts SET last_polled_at = $2 WHERE internal_reference = $1`, ref, at); err != nil {
		return fmt.Errorf("mark polled: %w", err)
	}
	return nil
}

func (s *PostgresStore) GrantFor(ctx context.Context, key model.GrantKey) (*model.FeatureGrant, error) {
	return grantFor(ctx, s.pool, key)
}

func (s *PostgresStore) PayoutByID(ctx context.Context, id int64) (*model.PayoutRequest, error) {
	return payoutByID(ctx, s.pool, id, false)
}

func (s *PostgresStore) DeleteStalePending(ctx context.Context, createdBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM payment_attempts WHERE status = 'pending' AND provider_reference IS NULL AND created_at < $1`,
		createdBefore)
	if err != nil {
		return 0, fmt.Errorf("delete stale pending: %w", err)
	}
	return tag.RowsAffected(), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, model.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}
