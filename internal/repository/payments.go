package repository

import (
	"context"
	"fmt"
	"time"

	"ledgerpay/internal/model"

	"github.com/jackc/pgx/v5"
)

const paymentColumns = `id, user_id, purpose, provider, amount, currency, status, internal_reference,
	provider_reference, payment_url, metadata, failure_reason, completed_at, last_polled_at, created_at, updated_at`

func scanPayment(row pgx.Row) (*model.PaymentAttempt, error) {
	var (
		p    model.PaymentAttempt
		meta []byte
	)
	if err := row.Scan(&p.ID, &p.UserID, &p.Purpose, &p.Provider, &p.Amount, &p.Currency, &p.Status,
		&p.InternalReference, &p.ProviderReference, &p.PaymentURL, &meta, &p.FailureReason,
		&p.CompletedAt, &p.LastPolledAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	m, err := model.DecodeMeta(p.Purpose, meta)
	if err != nil {
		return nil, err
	}
	p.Meta = m
	return &p, nil
}

func paymentByReference(ctx context.Context, q querier, ref string, lock bool) (*model.PaymentAttempt, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment_attempts WHERE internal_reference = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	p, err := scanPayment(q.QueryRow(ctx, query, ref))
	if err != nil {
		return nil, notFound(err, "payment "+ref)
	}
	return p, nil
}

// listPayments returns attempts in status whose last update or poll is older
// than before, least recently touched first.
func listPayments(ctx context.Context, q querier, status model.PaymentStatus, before time.Time, limit int) ([]model.PaymentAttempt, error) {
	rows, err := q.Query(ctx, `SELECT `+paymentColumns+`
		FROM payment_attempts
		WHERE status = $1 AND GREATEST(updated_at, COALESCE(last_polled_at, updated_at)) < $2
		ORDER BY GREATEST(updated_at, COALESCE(last_polled_at, updated_at)), id
		LIMIT $3`, status, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var out []model.PaymentAttempt
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertPayment(ctx context.Context, p *model.PaymentAttempt) error {
	meta, err := model.EncodeMeta(p.Meta)
	if err != nil {
		return err
	}
	err = t.q.QueryRow(ctx, `
		INSERT INTO payment_attempts (user_id, purpose, provider, amount, currency, status,
		                              internal_reference, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`,
		p.UserID, p.Purpose, p.Provider, p.Amount, p.Currency, p.Status, p.InternalReference, meta,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("payment %s: %w", p.InternalReference, model.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (t *pgTx) LockPayment(ctx context.Context, ref string) (*model.PaymentAttempt, error) {
	return paymentByReference(ctx, t.q, ref, true)
}

func (t *pgTx) UpdatePayment(ctx context.Context, p *model.PaymentAttempt) error {
	err := t.q.QueryRow(ctx, `
		UPDATE payment_attempts
		SET status = $1, provider_reference = $2, payment_url = $3, failure_reason = $4,
		    completed_at = $5, updated_at = NOW()
		WHERE id = $6
		RETURNING updated_at`,
		p.Status, p.ProviderReference, p.PaymentURL, p.FailureReason, p.CompletedAt, p.ID,
	).Scan(&p.UpdatedAt)
	if err != nil {
		return notFound(err, "update payment")
	}
	return nil
}

func (t *pgTx) DeletePayment(ctx context.Context, id int64) error {
	if _, err := t.q.Exec(ctx, `DELETE FROM payment_attempts WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete payment: %w", err)
	}
	return nil
}
