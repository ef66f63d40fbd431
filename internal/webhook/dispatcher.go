// Package webhook turns provider callbacks into payment status changes.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"ledgerpay/internal/gateway"
	"ledgerpay/internal/metrics"
	"ledgerpay/internal/model"
	"ledgerpay/internal/payment"
	"ledgerpay/internal/repository"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("ledgerpay/webhook")

const defaultReplayTTL = 10 * time.Minute

// ErrMismatch marks a delivery whose provider, provider reference or
// purpose disagrees with the attempt it names.
var ErrMismatch = errors.New("delivery does not match payment attempt")

type Dispatcher struct {
	journal   repository.WebhookJournal
	gateways  *gateway.Registry
	payments  *payment.Manager
	cache     repository.Cache
	replayTTL time.Duration
}

func NewDispatcher(journal repository.WebhookJournal, gateways *gateway.Registry, payments *payment.Manager, cache repository.Cache) *Dispatcher {
	if cache == nil {
		cache = repository.NopCache{}
	}
	return &Dispatcher{
		journal:   journal,
		gateways:  gateways,
		payments:  payments,
		cache:     cache,
		replayTTL: defaultReplayTTL,
	}
}

// Result is what the delivery did. It is informational; the provider only
// needs the acknowledgement.
type Result struct {
	Reference string              `json:"reference"`
	Status    model.PaymentStatus `json:"status,omitempty"`
	Changed   bool                `json:"changed"`
	Replay    bool                `json:"replay,omitempty"`
}

// Handle processes one delivery. It returns model.ErrSignatureMismatch or a
// validation error when the delivery must be refused; every other failure
// is journaled and logged and the delivery is acknowledged.
func (d *Dispatcher) Handle(ctx context.Context, provider model.Provider, header http.Header, body []byte) (*Result, error) {
	ctx, span := tracer.Start(ctx, "webhook.Handle")
	span.SetAttributes(attribute.String("provider", string(provider)))
	defer span.End()

	adapter, err := d.gateways.Get(provider)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues(string(provider), "unknown_provider").Inc()
		return nil, err
	}

	ok, verified := adapter.VerifyWebhook(header, body)
	if !ok {
		metrics.WebhooksReceived.WithLabelValues(string(provider), "bad_signature").Inc()
		slog.Warn("webhook: signature mismatch, delivery refused",
			"provider", provider,
			"size", len(body),
		)
		return nil, model.ErrSignatureMismatch
	}

	n, err := adapter.ParseWebhook(header, body)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues(string(provider), "malformed").Inc()
		slog.Warn("webhook: malformed delivery", "provider", provider, "error", err)
		return nil, err
	}
	span.SetAttributes(attribute.String("reference", n.Reference))

	ev := &repository.WebhookEvent{
		Provider:       provider,
		EventKey:       n.EventKey,
		Reference:      n.Reference,
		Payload:        body,
		SignatureValid: verified,
	}
	fresh, err := d.journal.RecordWebhook(ctx, ev)
	if err != nil {
		slog.Error("webhook: journal write failed", "provider", provider, "reference", n.Reference, "error", err)
	}
	journaled := err == nil

	res := &Result{Reference: n.Reference}
	procErr := d.process(ctx, provider, n, verified, res)

	if journaled {
		if err := d.journal.FinishWebhook(ctx, ev.ID, procErr); err != nil {
			slog.Error("webhook: journal update failed", "event_id", ev.ID, "error", err)
		}
	}

	outcome := "applied"
	switch {
	case procErr != nil && errors.Is(procErr, model.ErrNotFound):
		outcome = "unknown_reference"
	case procErr != nil && errors.Is(procErr, ErrMismatch):
		outcome = "mismatch"
	case procErr != nil:
		outcome = "error"
	case res.Replay:
		outcome = "replay"
	case !res.Changed:
		outcome = "noop"
	}
	metrics.WebhooksReceived.WithLabelValues(string(provider), outcome).Inc()

	if procErr != nil {
		span.RecordError(procErr)
		slog.Error("webhook: processing failed, delivery acknowledged",
			"provider", provider,
			"reference", n.Reference,
			"fresh", fresh,
			"error", procErr,
		)
		return res, nil
	}
	slog.Info("webhook: delivery processed",
		"provider", provider,
		"reference", n.Reference,
		"status", res.Status,
		"changed", res.Changed,
		"fresh", fresh,
		"verified", verified,
	)
	return res, nil
}

// process applies the notification. A status is trusted only from a
// verified delivery; otherwise the provider is asked directly.
func (d *Dispatcher) process(ctx context.Context, provider model.Provider, n *gateway.Notification, verified bool, res *Result) error {
	purpose, err := model.PurposeFromReference(n.Reference)
	if err != nil {
		return err
	}
	before, err := d.payments.Get(ctx, n.Reference)
	if err != nil {
		return err
	}
	if err := matches(provider, purpose, n, before); err != nil {
		slog.Warn("webhook: delivery refused for attempt",
			"provider", provider,
			"reference", n.Reference,
			"error", err,
		)
		return err
	}

	if !verified || n.Status == "" {
		p, err := d.payments.Refresh(ctx, n.Reference)
		if err != nil {
			return err
		}
		res.Status, res.Changed = p.Status, p.Status != before.Status
		return nil
	}

	if n.Status == model.StatusPending {
		res.Status = before.Status
		return nil
	}

	key := fmt.Sprintf("%s:%s:%s", provider, n.Reference, n.Status)
	claimed, err := d.cache.ClaimReplay(ctx, key, d.replayTTL)
	if err != nil {
		slog.Warn("webhook: replay guard unavailable", "error", err)
		claimed = true
	}
	if !claimed {
		res.Status, res.Replay = n.Status, true
		return nil
	}

	p, changed, err := d.payments.ApplyStatus(ctx, n.Reference, n.Status, n.Reason)
	if err != nil {
		d.cache.ReleaseReplay(context.WithoutCancel(ctx), key)
		return fmt.Errorf("%s %s: %w", purpose, n.Reference, err)
	}
	res.Status, res.Changed = p.Status, changed
	return nil
}

// matches checks that the delivery belongs to p. The provider reference is
// compared only when both sides carry one.
func matches(provider model.Provider, purpose model.Purpose, n *gateway.Notification, p *model.PaymentAttempt) error {
	if p.Provider != provider {
		return fmt.Errorf("attempt %s belongs to %s, delivered by %s: %w", p.InternalReference, p.Provider, provider, ErrMismatch)
	}
	if p.Purpose != purpose {
		return fmt.Errorf("attempt %s is a %s, reference says %s: %w", p.InternalReference, p.Purpose, purpose, ErrMismatch)
	}
	if n.ProviderRef != "" && p.ProviderReference != nil && *p.ProviderReference != n.ProviderRef {
		return fmt.Errorf("attempt %s has provider reference %s, delivery carries %s: %w",
			p.InternalReference, *p.ProviderReference, n.ProviderRef, ErrMismatch)
	}
	return nil
}
