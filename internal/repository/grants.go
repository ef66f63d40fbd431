package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ledgerpay/internal/model"

	"github.com/jackc/pgx/v5"
)

func grantFor(ctx context.Context, q querier, key model.GrantKey) (*model.FeatureGrant, error) {
	var g model.FeatureGrant
	err := q.QueryRow(ctx, `
		SELECT id, subject_user_id, target_id, kind, amount, payment_id, expires_at, created_at
		FROM feature_grants
		WHERE subject_user_id = $1 AND target_id = $2 AND kind = $3`,
		key.SubjectUserID, key.TargetID, key.Kind,
	).Scan(&g.ID, &g.SubjectUserID, &g.TargetID, &g.Kind, &g.Amount, &g.PaymentID,
		&g.ExpiresAt, &g.CreatedAt)
	if err != nil {
		return nil, notFound(err, "grant")
	}
	return &g, nil
}

func (t *pgTx) InsertGrant(ctx context.Context, g *model.FeatureGrant) error {
	// ON CONFLICT keeps the transaction alive when a concurrent unlock won.
	err := t.q.QueryRow(ctx, `
		INSERT INTO feature_grants (subject_user_id, target_id, kind, amount, payment_id, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (subject_user_id, target_id, kind) DO NOTHING
		RETURNING id, created_at`,
		g.SubjectUserID, g.TargetID, g.Kind, g.Amount, g.PaymentID, g.ExpiresAt,
	).Scan(&g.ID, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("grant %s/%d for user %d: %w", g.Kind, g.TargetID, g.SubjectUserID, model.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}
	return nil
}

func (t *pgTx) GrantFor(ctx context.Context, key model.GrantKey) (*model.FeatureGrant, error) {
	return grantFor(ctx, t.q, key)
}

func (t *pgTx) ExtendGrant(ctx context.Context, id int64, expiresAt time.Time) error {
	tag, err := t.q.Exec(ctx, `UPDATE feature_grants SET expires_at = $1 WHERE id = $2`, expiresAt, id)
	if err != nil {
		return fmt.Errorf("extend grant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("grant %d: %w", id, model.ErrNotFound)
	}
	return nil
}
