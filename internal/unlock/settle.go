package unlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ledgerpay/internal/metrics"
	"ledgerpay/internal/model"
	"ledgerpay/internal/repository"
)

// Settle implements payment.Settler. It runs inside the transaction that
// moves p to completed or refunded.
func (e *Engine) Settle(ctx context.Context, tx repository.Tx, p *model.PaymentAttempt) ([]model.LedgerEntry, error) {
	if p.Status == model.StatusRefunded {
		return e.settleRefund(ctx, tx, p)
	}
	if p.Status != model.StatusCompleted {
		return nil, nil
	}

	switch meta := p.Meta.(type) {
	case model.DepositMeta:
		return e.settleDeposit(ctx, tx, p)
	case model.RevealMeta:
		return e.settleReveal(ctx, tx, p, meta)
	case model.GiftMeta:
		return e.settleGift(ctx, tx, p, meta)
	case model.SubscriptionMeta:
		return e.settleSubscription(ctx, tx, p, meta)
	case model.WithdrawalMeta:
		return nil, nil
	default:
		return nil, fmt.Errorf("no settlement for %T", meta)
	}
}

func (e *Engine) settleDeposit(ctx context.Context, tx repository.Tx, p *model.PaymentAttempt) ([]model.LedgerEntry, error) {
	entry, err := e.ledger.Post(ctx, tx, model.Credit, model.Posting{
		UserID:      p.UserID,
		Amount:      p.Amount,
		Description: "Wallet top-up",
		Reference:   p.InternalReference,
		Source:      model.SourceRef{Kind: model.SourceDeposit, ID: p.ID},
	})
	if err != nil {
		return nil, err
	}
	return []model.LedgerEntry{*entry}, nil
}

func (e *Engine) settleReveal(ctx context.Context, tx repository.Tx, p *model.PaymentAttempt, meta model.RevealMeta) ([]model.LedgerEntry, error) {
	kind, targetID, err := meta.Target()
	if err != nil {
		return nil, err
	}
	grant := &model.FeatureGrant{
		SubjectUserID: p.UserID,
		TargetID:      targetID,
		Kind:          kind,
		Amount:        p.Amount,
		PaymentID:     &p.ID,
	}
	err = tx.InsertGrant(ctx, grant)
	if errors.Is(err, model.ErrDuplicate) {
		// Paid twice for the same target; the money goes to the wallet.
		return e.creditDuplicate(ctx, tx, p)
	}
	if err != nil {
		return nil, err
	}
	metrics.Unlocks.WithLabelValues(string(kind), "provider").Inc()
	return nil, nil
}

func (e *Engine) settleGift(ctx context.Context, tx repository.Tx, p *model.PaymentAttempt, meta model.GiftMeta) ([]model.LedgerEntry, error) {
	grant := &model.FeatureGrant{
		SubjectUserID: p.UserID,
		TargetID:      meta.TransactionID,
		Kind:          model.GrantGift,
		Amount:        p.Amount,
		PaymentID:     &p.ID,
	}
	err := tx.InsertGrant(ctx, grant)
	if errors.Is(err, model.ErrDuplicate) {
		return e.creditDuplicate(ctx, tx, p)
	}
	if err != nil {
		return nil, err
	}
	credit, err := e.creditRecipient(ctx, tx, p.UserID, meta, p.Amount)
	if err != nil {
		return nil, err
	}
	metrics.Unlocks.WithLabelValues(string(model.GrantGift), "provider").Inc()
	if credit == nil {
		return nil, nil
	}
	return []model.LedgerEntry{*credit}, nil
}

// settleSubscription grants a new period, or extends the existing grant:
// from its expiry while it is active, from now once it has lapsed.
// Settlements for the same subscriber serialize on their account row.
func (e *Engine) settleSubscription(ctx context.Context, tx repository.Tx, p *model.PaymentAttempt, meta model.SubscriptionMeta) ([]model.LedgerEntry, error) {
	if _, err := tx.LockAccount(ctx, p.UserID); err != nil {
		return nil, err
	}
	key := model.GrantKey{SubjectUserID: p.UserID, TargetID: meta.TargetUserID, Kind: model.GrantSubscription}

	existing, err := tx.GrantFor(ctx, key)
	switch {
	case err == nil:
		return nil, e.extendSubscription(ctx, tx, existing)
	case !errors.Is(err, model.ErrNotFound):
		return nil, err
	}

	expires := e.now().Add(e.policy.SubscriptionPeriod())
	grant := &model.FeatureGrant{
		SubjectUserID: p.UserID,
		TargetID:      meta.TargetUserID,
		Kind:          model.GrantSubscription,
		Amount:        p.Amount,
		PaymentID:     &p.ID,
		ExpiresAt:     &expires,
	}
	err = tx.InsertGrant(ctx, grant)
	if errors.Is(err, model.ErrDuplicate) {
		// Granted concurrently since the lookup; pay for one more period.
		existing, err := tx.GrantFor(ctx, key)
		if err != nil {
			return nil, err
		}
		return nil, e.extendSubscription(ctx, tx, existing)
	}
	if err != nil {
		return nil, err
	}
	metrics.Unlocks.WithLabelValues(string(model.GrantSubscription), "provider").Inc()
	return nil, nil
}

func (e *Engine) extendSubscription(ctx context.Context, tx repository.Tx, g *model.FeatureGrant) error {
	from := e.now()
	if g.ExpiresAt != nil && g.ExpiresAt.After(from) {
		from = *g.ExpiresAt
	}
	if err := tx.ExtendGrant(ctx, g.ID, from.Add(e.policy.SubscriptionPeriod())); err != nil {
		return err
	}
	metrics.Unlocks.WithLabelValues(string(model.GrantSubscription), "renewal").Inc()
	return nil
}

// settleRefund reverses a deposit. It fails, leaving the payment completed,
// when the wallet no longer holds the amount. Other purposes only record
// the status.
func (e *Engine) settleRefund(ctx context.Context, tx repository.Tx, p *model.PaymentAttempt) ([]model.LedgerEntry, error) {
	if p.Purpose != model.PurposeDeposit {
		slog.Warn("unlock: refund recorded without reversal", "reference", p.InternalReference, "purpose", p.Purpose)
		return nil, nil
	}
	entry, err := e.ledger.Post(ctx, tx, model.Debit, model.Posting{
		UserID:      p.UserID,
		Amount:      p.Amount,
		Description: "Top-up refunded",
		Reference:   p.InternalReference,
		Source:      model.SourceRef{Kind: model.SourceRefund, ID: p.ID},
	})
	if err != nil {
		return nil, err
	}
	return []model.LedgerEntry{*entry}, nil
}

func (e *Engine) creditDuplicate(ctx context.Context, tx repository.Tx, p *model.PaymentAttempt) ([]model.LedgerEntry, error) {
	slog.Warn("unlock: feature already held, crediting payment to wallet",
		"reference", p.InternalReference,
		"user_id", p.UserID,
		"amount", p.Amount,
	)
	entry, err := e.ledger.Post(ctx, tx, model.Credit, model.Posting{
		UserID:      p.UserID,
		Amount:      p.Amount,
		Description: "Duplicate purchase credited to wallet",
		Reference:   p.InternalReference,
		Source:      model.SourceRef{Kind: model.SourcePayment, ID: p.ID},
	})
	if err != nil {
		return nil, err
	}
	return []model.LedgerEntry{*entry}, nil
}
