package repository

import (
	"context"
	"fmt"

	"ledgerpay/internal/model"
)

func payoutByID(ctx context.Context, q querier, id int64, lock bool) (*model.PayoutRequest, error) {
	query := `
		SELECT id, user_id, amount, fee, net_amount, destination_phone, provider, status,
		       processed_by, processed_at, rejection_reason, ledger_entry_id, created_at
		FROM payout_requests WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	var p model.PayoutRequest
	err := q.QueryRow(ctx, query, id).Scan(&p.ID, &p.UserID, &p.Amount, &p.Fee, &p.NetAmount,
		&p.DestinationPhone, &p.Provider, &p.Status, &p.ProcessedBy, &p.ProcessedAt,
		&p.RejectionReason, &p.LedgerEntryID, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("payout %d", id))
	}
	return &p, nil
}

func (t *pgTx) InsertPayout(ctx context.Context, p *model.PayoutRequest) error {
	err := t.q.QueryRow(ctx, `
		INSERT INTO payout_requests (user_id, amount, fee, net_amount, destination_phone, provider, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		p.UserID, p.Amount, p.Fee, p.NetAmount, p.DestinationPhone, p.Provider, p.Status,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert payout: %w", err)
	}
	return nil
}

func (t *pgTx) LockPayout(ctx context.Context, id int64) (*model.PayoutRequest, error) {
	return payoutByID(ctx, t.q, id, true)
}

func (t *pgTx) UpdatePayout(ctx context.Context, p *model.PayoutRequest) error {
	_, err := t.q.Exec(ctx, `
		UPDATE payout_requests
		SET status = $1, processed_by = $2, processed_at = $3, rejection_reason = $4, ledger_entry_id = $5
		WHERE id = $6`,
		p.Status, p.ProcessedBy, p.ProcessedAt, p.RejectionReason, p.LedgerEntryID, p.ID)
	if err != nil {
		return fmt.Errorf("update payout: %w", err)
	}
	return nil
}

func (t *pgTx) HasOpenPayout(ctx context.Context, userID int64) (bool, error) {
	var open bool
	err := t.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM payout_requests WHERE user_id = $1 AND status IN ('pending', 'processing')
		)`, userID).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("check open payout: %w", err)
	}
	return open, nil
}
