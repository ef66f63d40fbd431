package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ledgerpay/internal/model"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// Collaborators posts completion events to the services that own the
// follow-up work (chat message for a gift, subscription activation, push).
type Collaborators struct {
	urls   []string
	client *resty.Client
}

func NewCollaborators(urls []string, timeout time.Duration) *Collaborators {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200*time.Millisecond).
		SetHeader("Content-Type", "application/json")
	return &Collaborators{urls: urls, client: client}
}

// Deliver posts ev to every collaborator. Failures are logged per target;
// the returned error only summarises them.
func (c *Collaborators) Deliver(ctx context.Context, ev model.PaymentCompletedEvent) error {
	var failed int
	for _, url := range c.urls {
		resp, err := c.client.R().
			SetContext(ctx).
			SetHeader("Idempotency-Key", ev.EventID).
			SetBody(ev).
			Post(url)
		if err == nil && resp.IsError() {
			err = fmt.Errorf("http %d", resp.StatusCode())
		}
		if err != nil {
			failed++
			slog.Error("notify: collaborator delivery failed",
				"url", url,
				"reference", ev.Payment.InternalReference,
				"error", err,
			)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d collaborators failed", failed, len(c.urls))
	}
	return nil
}

// OnPaymentCompleted delivers in the background. It is used when no bus
// relay is running, so completions still reach the collaborators.
func (c *Collaborators) OnPaymentCompleted(ctx context.Context, p model.PaymentAttempt) {
	if len(c.urls) == 0 {
		return
	}
	meta, err := model.EncodeMeta(p.Meta)
	if err != nil {
		slog.Error("notify: encode payment meta", "reference", p.InternalReference, "error", err)
		return
	}
	ev := model.PaymentCompletedEvent{
		EventID:    uuid.NewString(),
		Payment:    p,
		Meta:       meta,
		OccurredAt: time.Now(),
	}
	ctx = context.WithoutCancel(ctx)
	go func() { _ = c.Deliver(ctx, ev) }()
}
