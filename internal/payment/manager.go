// Package payment owns the PaymentAttempt state machine.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ledgerpay/internal/gateway"
	"ledgerpay/internal/ledger"
	"ledgerpay/internal/metrics"
	"ledgerpay/internal/model"
	"ledgerpay/internal/repository"

	"github.com/oklog/ulid/v2"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("ledgerpay/payment")

// Settler performs the purpose-specific side effect of a payment reaching
// completed or refunded. It runs inside the transaction that records the
// transition; an error rolls both back.
type Settler interface {
	Settle(ctx context.Context, tx repository.Tx, p *model.PaymentAttempt) ([]model.LedgerEntry, error)
}

// CompletionListener is called after a completion is committed. It cannot
// undo anything.
type CompletionListener interface {
	OnPaymentCompleted(ctx context.Context, p model.PaymentAttempt)
}

type Config struct {
	Currency string
	// Timeout bounds every provider call.
	Timeout time.Duration
	// CallbackBaseURL is where providers reach /webhooks/{provider}.
	CallbackBaseURL string
	ReturnURL       string
}

type Manager struct {
	store    repository.Store
	gateways *gateway.Registry
	ledger   *ledger.Manager
	listener CompletionListener
	settlers map[model.Purpose]Settler
	cfg      Config
	now      func() time.Time
	// recordBackoff paces retries of the write that follows a created charge.
	recordBackoff func() retry.Backoff
}

func NewManager(store repository.Store, gateways *gateway.Registry, lm *ledger.Manager, listener CompletionListener, cfg Config) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Manager{
		store:    store,
		gateways: gateways,
		ledger:   lm,
		listener: listener,
		settlers: make(map[model.Purpose]Settler),
		cfg:      cfg,
		now:      time.Now,
		recordBackoff: func() retry.Backoff {
			return retry.WithMaxRetries(3, retry.NewExponential(50*time.Millisecond))
		},
	}
}

// Handle registers the settler for purpose. Purposes without one only
// record their status.
func (m *Manager) Handle(purpose model.Purpose, s Settler) {
	m.settlers[purpose] = s
}

type Request struct {
	UserID   int64
	Provider model.Provider
	Amount   int64
	Meta     model.PaymentMeta
	Phone    string
}

// Create persists a pending attempt with a fresh prefixed reference.
func (m *Manager) Create(ctx context.Context, req Request) (*model.PaymentAttempt, error) {
	if req.UserID <= 0 {
		return nil, model.Invalid("user_id", "must be positive")
	}
	if req.Amount <= 0 {
		return nil, model.Invalid("amount", "must be positive")
	}
	if req.Meta == nil {
		return nil, model.Invalid("meta", "required")
	}
	if _, err := m.gateways.Get(req.Provider); err != nil {
		return nil, err
	}

	p := &model.PaymentAttempt{
		UserID:            req.UserID,
		Purpose:           req.Meta.Purpose(),
		Provider:          req.Provider,
		Amount:            req.Amount,
		Currency:          m.cfg.Currency,
		Status:            model.StatusPending,
		InternalReference: req.Meta.ReferencePrefix() + ulid.Make().String(),
		Meta:              req.Meta,
	}
	err := m.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.InsertPayment(ctx, p)
	})
	if err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	metrics.PaymentTransitions.WithLabelValues(string(p.Purpose), string(p.Status)).Inc()
	slog.Info("payment: attempt created",
		"reference", p.InternalReference,
		"purpose", p.Purpose,
		"provider", p.Provider,
		"amount", p.Amount,
	)
	return p, nil
}

// Initialize starts the remote charge. On success the attempt is processing;
// on any failure it is deleted so no pending row outlives its request.
func (m *Manager) Initialize(ctx context.Context, p *model.PaymentAttempt, phone string) (*model.PaymentAttempt, error) {
	adapter, err := m.gateways.Get(p.Provider)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	charge, err := adapter.InitializeCharge(callCtx, gateway.ChargeSpec{
		Reference:     p.InternalReference,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Description:   describe(p),
		CustomerID:    p.UserID,
		CustomerPhone: phone,
		NotifyURL:     m.notifyURL(p.Provider),
		ReturnURL:     m.cfg.ReturnURL,
	})
	cancel()
	if err != nil {
		m.discard(ctx, p, err)
		return nil, err
	}

	// The charge exists remotely from here on, so the write outlives the
	// caller and is retried.
	err = retry.Do(context.WithoutCancel(ctx), m.recordBackoff(), func(ctx context.Context) error {
		err := m.recordCharge(ctx, p, charge)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		slog.Error("payment: charge created but not recorded",
			"reference", p.InternalReference,
			"provider", p.Provider,
			"provider_reference", charge.ProviderRef,
			"error", err,
		)
		return nil, fmt.Errorf("record charge: %w", err)
	}
	metrics.PaymentTransitions.WithLabelValues(string(p.Purpose), string(p.Status)).Inc()
	slog.Info("payment: charge initialized",
		"reference", p.InternalReference,
		"provider_reference", charge.ProviderRef,
	)
	return p, nil
}

func (m *Manager) recordCharge(ctx context.Context, p *model.PaymentAttempt, charge *gateway.Charge) error {
	return m.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		cur, err := tx.LockPayment(ctx, p.InternalReference)
		if err != nil {
			return err
		}
		cur.ProviderReference = &charge.ProviderRef
		cur.PaymentURL = &charge.PayLink
		if cur.Status == model.StatusPending {
			// A webhook may already have moved it further.
			cur.Status = model.StatusProcessing
		}
		if err := tx.UpdatePayment(ctx, cur); err != nil {
			return err
		}
		*p = *cur
		return nil
	})
}

// Open creates and initializes an attempt in one call.
func (m *Manager) Open(ctx context.Context, req Request) (*model.PaymentAttempt, error) {
	p, err := m.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	return m.Initialize(ctx, p, req.Phone)
}

func (m *Manager) discard(ctx context.Context, p *model.PaymentAttempt, cause error) {
	err := m.store.WithTx(context.WithoutCancel(ctx), func(ctx context.Context, tx repository.Tx) error {
		cur, err := tx.LockPayment(ctx, p.InternalReference)
		if err != nil {
			return err
		}
		if cur.Status != model.StatusPending {
			return nil
		}
		return tx.DeletePayment(ctx, cur.ID)
	})
	if err != nil {
		slog.Error("payment: failed to discard attempt", "reference", p.InternalReference, "error", err)
	}
	slog.Warn("payment: charge initialization failed, attempt discarded",
		"reference", p.InternalReference,
		"provider", p.Provider,
		"error", cause,
	)
}

// ApplyStatus moves the attempt to status and runs the purpose settler in
// the same transaction. Applying a status to a terminal attempt is a no-op,
// as is applying pending. The returned bool reports whether anything changed.
func (m *Manager) ApplyStatus(ctx context.Context, ref string, status model.PaymentStatus, reason string) (*model.PaymentAttempt, bool, error) {
	ctx, span := tracer.Start(ctx, "payment.ApplyStatus")
	span.SetAttributes(attribute.String("reference", ref), attribute.String("status", string(status)))
	defer span.End()

	var (
		out     *model.PaymentAttempt
		changed bool
		entries []model.LedgerEntry
	)
	err := m.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		p, err := tx.LockPayment(ctx, ref)
		if err != nil {
			return err
		}
		out = p
		if status == model.StatusPending || status == p.Status {
			return nil
		}
		if p.Status.Terminal() && !p.Status.CanTransition(status) {
			return nil
		}
		if !p.Status.CanTransition(status) {
			return fmt.Errorf("%s: %s -> %s: %w", ref, p.Status, status, model.ErrInvalidTransition)
		}

		p.Status = status
		switch status {
		case model.StatusCompleted:
			now := time.Now()
			p.CompletedAt = &now
		case model.StatusFailed, model.StatusCancelled:
			if reason == "" {
				reason = string(status)
			}
			p.FailureReason = &reason
		}
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		if status == model.StatusCompleted || status == model.StatusRefunded {
			if s, ok := m.settlers[p.Purpose]; ok {
				entries, err = s.Settle(ctx, tx, p)
				if err != nil {
					return fmt.Errorf("settle %s: %w", ref, err)
				}
			}
		}
		changed = true
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if !changed {
		return out, false, nil
	}

	metrics.PaymentTransitions.WithLabelValues(string(out.Purpose), string(out.Status)).Inc()
	slog.Info("payment: status applied",
		"reference", ref,
		"purpose", out.Purpose,
		"status", out.Status,
		"entries", len(entries),
	)
	m.ledger.Announce(ctx, entries...)
	if out.Status == model.StatusCompleted && m.listener != nil {
		m.listener.OnPaymentCompleted(ctx, *out)
	}
	return out, true, nil
}

// Refresh polls the provider for a non-terminal attempt and applies the
// result. Provider outages and unknown charges leave the attempt as it is.
func (m *Manager) Refresh(ctx context.Context, ref string) (*model.PaymentAttempt, error) {
	p, err := m.store.PaymentByReference(ctx, ref)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		return p, nil
	}
	adapter, err := m.gateways.Get(p.Provider)
	if err != nil {
		return nil, err
	}

	lookup := gateway.Lookup{Reference: p.InternalReference}
	if p.ProviderReference != nil {
		lookup.ProviderRef = *p.ProviderReference
	}
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	res, err := adapter.CheckStatus(callCtx, lookup)
	cancel()
	if merr := m.store.MarkPolled(ctx, ref, m.now()); merr != nil {
		slog.Error("payment: failed to record poll", "reference", ref, "error", merr)
	}

	var rejected *model.RejectedError
	switch {
	case err == nil:
		if res.Status == model.StatusPending {
			return p, nil
		}
		updated, _, err := m.ApplyStatus(ctx, ref, res.Status, res.Reason)
		return updated, err
	case errors.Is(err, gateway.ErrChargeNotFound):
		return p, nil
	case errors.Is(err, model.ErrProviderUnavailable), errors.Is(err, context.DeadlineExceeded):
		slog.Warn("payment: status check unavailable, keeping current status", "reference", ref, "error", err)
		return p, nil
	case errors.As(err, &rejected):
		updated, _, err := m.ApplyStatus(ctx, ref, model.StatusFailed, rejected.Reason)
		return updated, err
	default:
		return nil, err
	}
}

// Expire cancels an attempt the provider never resolved. It is a no-op once
// the attempt is terminal.
func (m *Manager) Expire(ctx context.Context, ref string) (*model.PaymentAttempt, error) {
	p, changed, err := m.ApplyStatus(ctx, ref, model.StatusCancelled, "payment window expired")
	if err != nil {
		return nil, err
	}
	if changed {
		var providerRef string
		if p.ProviderReference != nil {
			providerRef = *p.ProviderReference
		}
		slog.Warn("payment: attempt expired without provider resolution",
			"reference", ref,
			"provider", p.Provider,
			"provider_reference", providerRef,
		)
	}
	return p, nil
}

func (m *Manager) Get(ctx context.Context, ref string) (*model.PaymentAttempt, error) {
	return m.store.PaymentByReference(ctx, ref)
}

// PurgeOrphans deletes pending attempts created before cutoff that never
// reached the provider.
func (m *Manager) PurgeOrphans(ctx context.Context, cutoff time.Time) (int64, error) {
	return m.store.DeleteStalePending(ctx, cutoff)
}

// Stale lists processing attempts neither updated nor polled since cutoff,
// least recently touched first.
func (m *Manager) Stale(ctx context.Context, cutoff time.Time, limit int) ([]model.PaymentAttempt, error) {
	return m.store.ListPayments(ctx, model.StatusProcessing, cutoff, limit)
}

func (m *Manager) notifyURL(p model.Provider) string {
	if m.cfg.CallbackBaseURL == "" {
		return ""
	}
	return strings.TrimRight(m.cfg.CallbackBaseURL, "/") + "/webhooks/" + string(p)
}

func describe(p *model.PaymentAttempt) string {
	switch p.Purpose {
	case model.PurposeDeposit:
		return "Wallet top-up"
	case model.PurposeGift:
		return "Gift"
	case model.PurposeSubscription:
		return "Premium subscription"
	case model.PurposeReveal:
		return "Identity reveal"
	case model.PurposeWithdrawal:
		return "Withdrawal"
	}
	return string(p.Purpose)
}
