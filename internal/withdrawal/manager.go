// Package withdrawal handles payout requests. The wallet is debited only
// when an operator approves a request.
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ledgerpay/internal/ledger"
	"ledgerpay/internal/metrics"
	"ledgerpay/internal/model"
	"ledgerpay/internal/policy"
	"ledgerpay/internal/repository"

	"github.com/go-playground/validator/v10"
)

type Manager struct {
	store    repository.Store
	ledger   *ledger.Manager
	policy   policy.Provider
	validate *validator.Validate
	now      func() time.Time
}

func NewManager(store repository.Store, lm *ledger.Manager, pp policy.Provider) *Manager {
	return &Manager{
		store:    store,
		ledger:   lm,
		policy:   pp,
		validate: model.NewValidator(),
		now:      time.Now,
	}
}

type Request struct {
	UserID   int64          `json:"user_id" validate:"gt=0"`
	Amount   int64          `json:"amount" validate:"gt=0"`
	Phone    string         `json:"phone" validate:"required,e164"`
	Provider model.Provider `json:"provider" validate:"required,oneof=cinetpay fedapay"`
}

// Request records a pending payout. It checks the balance without holding
// the money; Approve performs the debit.
func (m *Manager) Request(ctx context.Context, req Request) (*model.PayoutRequest, error) {
	req.Provider = model.Provider(strings.ToLower(string(req.Provider)))
	if err := m.validate.Struct(req); err != nil {
		return nil, model.FromValidator(err)
	}
	if floor := m.policy.MinWithdrawal(); req.Amount < floor {
		return nil, model.Invalid("amount", fmt.Sprintf("minimum withdrawal is %d", floor))
	}
	fee := m.policy.WithdrawalFee(req.Amount)
	if req.Amount-fee <= 0 {
		return nil, model.Invalid("amount", "does not cover the withdrawal fee")
	}

	out := &model.PayoutRequest{
		UserID:           req.UserID,
		Amount:           req.Amount,
		Fee:              fee,
		NetAmount:        req.Amount - fee,
		DestinationPhone: req.Phone,
		Provider:         req.Provider,
		Status:           model.PayoutPending,
	}
	err := m.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		// The account lock serializes requests of one user.
		bal, err := tx.LockAccount(ctx, req.UserID)
		if err != nil {
			return err
		}
		if req.Amount > bal {
			return fmt.Errorf("user %d has %d, requested %d: %w", req.UserID, bal, req.Amount, model.ErrInsufficientBalance)
		}
		open, err := tx.HasOpenPayout(ctx, req.UserID)
		if err != nil {
			return err
		}
		if open {
			return model.ErrOpenPayout
		}
		return tx.InsertPayout(ctx, out)
	})
	if err != nil {
		return nil, err
	}
	metrics.Payouts.WithLabelValues(string(out.Status)).Inc()
	slog.Info("withdrawal: requested",
		"payout_id", out.ID,
		"user_id", out.UserID,
		"amount", out.Amount,
		"fee", out.Fee,
	)
	return out, nil
}

// StartProcessing marks a pending request as claimed by an operator.
func (m *Manager) StartProcessing(ctx context.Context, id, adminID int64) (*model.PayoutRequest, error) {
	return m.transition(ctx, id, func(ctx context.Context, tx repository.Tx, p *model.PayoutRequest) error {
		if p.Status != model.PayoutPending {
			return fmt.Errorf("payout %d is %s: %w", id, p.Status, model.ErrInvalidTransition)
		}
		p.Status = model.PayoutProcessing
		p.ProcessedBy = &adminID
		return nil
	})
}

// Approve debits the wallet and completes the request in one transaction.
// When the balance no longer covers the amount nothing changes and the
// request stays open.
func (m *Manager) Approve(ctx context.Context, id, adminID int64) (*model.PayoutRequest, error) {
	var entry *model.LedgerEntry
	out, err := m.transition(ctx, id, func(ctx context.Context, tx repository.Tx, p *model.PayoutRequest) error {
		if p.Status == model.PayoutCompleted {
			return fmt.Errorf("payout %d: %w", id, model.ErrDuplicate)
		}
		if !p.Status.Open() {
			return fmt.Errorf("payout %d is %s: %w", id, p.Status, model.ErrInvalidTransition)
		}
		e, err := m.ledger.Post(ctx, tx, model.Debit, model.Posting{
			UserID:      p.UserID,
			Amount:      p.Amount,
			Description: fmt.Sprintf("Withdrawal to %s via %s", p.DestinationPhone, p.Provider),
			Reference:   fmt.Sprintf("WD-%d", p.ID),
			Source:      model.SourceRef{Kind: model.SourceWithdrawal, ID: p.ID},
		})
		if err != nil {
			return err
		}
		entry = e
		now := m.now()
		p.Status = model.PayoutCompleted
		p.ProcessedBy = &adminID
		p.ProcessedAt = &now
		p.LedgerEntryID = &e.ID
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrInsufficientBalance) {
			slog.Warn("withdrawal: approval failed, balance dropped", "payout_id", id, "error", err)
		}
		return nil, err
	}
	m.ledger.Announce(ctx, *entry)
	return out, nil
}

// Reject closes an open request. No ledger entry exists for it.
func (m *Manager) Reject(ctx context.Context, id, adminID int64, reason string) (*model.PayoutRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, model.Invalid("reason", "required")
	}
	return m.transition(ctx, id, func(ctx context.Context, tx repository.Tx, p *model.PayoutRequest) error {
		if !p.Status.Open() {
			return fmt.Errorf("payout %d is %s: %w", id, p.Status, model.ErrInvalidTransition)
		}
		now := m.now()
		p.Status = model.PayoutRejected
		p.ProcessedBy = &adminID
		p.ProcessedAt = &now
		p.RejectionReason = &reason
		return nil
	})
}

func (m *Manager) Get(ctx context.Context, id int64) (*model.PayoutRequest, error) {
	return m.store.PayoutByID(ctx, id)
}

func (m *Manager) transition(ctx context.Context, id int64, apply func(ctx context.Context, tx repository.Tx, p *model.PayoutRequest) error) (*model.PayoutRequest, error) {
	var out *model.PayoutRequest
	err := m.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		p, err := tx.LockPayout(ctx, id)
		if err != nil {
			return err
		}
		if err := apply(ctx, tx, p); err != nil {
			return err
		}
		if err := tx.UpdatePayout(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.Payouts.WithLabelValues(string(out.Status)).Inc()
	slog.Info("withdrawal: status changed", "payout_id", out.ID, "status", out.Status)
	return out, nil
}
