package repository

import (
	"context"
	"errors"
	"fmt"

	"ledgerpay/internal/model"

	"github.com/jackc/pgx/v5"
)

func balance(ctx context.Context, q querier, userID int64) (int64, error) {
	var bal int64
	err := q.QueryRow(ctx, `SELECT balance FROM wallets WHERE user_id = $1`, userID).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		// No wallet yet means nothing was ever posted.
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("database query error: %w", err)
	}
	return bal, nil
}

func listEntries(ctx context.Context, q querier, userID int64, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.Query(ctx, `
		SELECT id, user_id, direction, amount, balance_before, balance_after,
		       description, reference, source_kind, source_id, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Direction, &e.Amount, &e.BalanceBefore, &e.BalanceAfter,
			&e.Description, &e.Reference, &e.Source.Kind, &e.Source.ID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *pgTx) LockAccount(ctx context.Context, userID int64) (int64, error) {
	if _, err := t.q.Exec(ctx,
		`INSERT INTO wallets (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return 0, fmt.Errorf("open wallet: %w", err)
	}
	var bal int64
	if err := t.q.QueryRow(ctx,
		`SELECT balance FROM wallets WHERE user_id = $1 FOR UPDATE`, userID).Scan(&bal); err != nil {
		return 0, fmt.Errorf("lock wallet: %w", err)
	}
	return bal, nil
}

func (t *pgTx) AppendEntry(ctx context.Context, e *model.LedgerEntry) error {
	err := t.q.QueryRow(ctx, `
		INSERT INTO ledger_entries (user_id, direction, amount, balance_before, balance_after,
		                            description, reference, source_kind, source_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`,
		e.UserID, e.Direction, e.Amount, e.BalanceBefore, e.BalanceAfter,
		e.Description, e.Reference, e.Source.Kind, e.Source.ID,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}

	// The balance only moves if it still equals balance_before, which holds
	// while the row lock from LockAccount is held.
	tag, err := t.q.Exec(ctx,
		`UPDATE wallets SET balance = $1, updated_at = NOW() WHERE user_id = $2 AND balance = $3`,
		e.BalanceAfter, e.UserID, e.BalanceBefore)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("update balance: wallet %d moved underneath the ledger", e.UserID)
	}
	return nil
}
