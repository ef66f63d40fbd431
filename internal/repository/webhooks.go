package repository

import (
	"context"
	"fmt"
)

func (s *PostgresStore) RecordWebhook(ctx context.Context, ev *WebhookEvent) (bool, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO webhook_events (provider, event_key, reference, payload, signature_valid)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider, event_key) DO NOTHING
		RETURNING id, created_at`,
		ev.Provider, ev.EventKey, ev.Reference, ev.Payload, ev.SignatureValid,
	).Scan(&ev.ID, &ev.CreatedAt)
	if err == nil {
		return true, nil
	}
	existing := s.pool.QueryRow(ctx,
		`SELECT id, created_at FROM webhook_events WHERE provider = $1 AND event_key = $2`,
		ev.Provider, ev.EventKey)
	if scanErr := existing.Scan(&ev.ID, &ev.CreatedAt); scanErr != nil {
		return false, fmt.Errorf("record webhook: %w", err)
	}
	return false, nil
}

func (s *PostgresStore) FinishWebhook(ctx context.Context, id int64, procErr error) error {
	var msg *string
	if procErr != nil {
		m := procErr.Error()
		msg = &m
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE webhook_events SET processed_at = NOW(), error = $1 WHERE id = $2`, msg, id)
	if err != nil {
		return fmt.Errorf("finish webhook: %w", err)
	}
	return nil
}
