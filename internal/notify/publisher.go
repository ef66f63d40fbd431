// Package notify tells the outside world about committed money movements.
// Nothing here can fail an operation: every error is logged and dropped.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"ledgerpay/internal/metrics"
	"ledgerpay/internal/model"
	"ledgerpay/internal/repository"

	"github.com/google/uuid"
)

// Publisher puts balance and completion events on the message bus.
type Publisher struct {
	bus repository.MessageBus
	now func() time.Time
}

func NewPublisher(bus repository.MessageBus) *Publisher {
	if bus == nil {
		bus = repository.NopBus{}
	}
	return &Publisher{bus: bus, now: time.Now}
}

func (p *Publisher) OnBalanceChanged(_ context.Context, e model.LedgerEntry) {
	p.publish(model.TopicBalanceChanged, model.BalanceChangedEvent{
		EventID:    uuid.NewString(),
		UserID:     e.UserID,
		Balance:    e.BalanceAfter,
		EntryID:    e.ID,
		OccurredAt: p.now(),
	})
}

func (p *Publisher) OnPaymentCompleted(_ context.Context, attempt model.PaymentAttempt) {
	meta, err := model.EncodeMeta(attempt.Meta)
	if err != nil {
		slog.Error("notify: encode payment meta", "reference", attempt.InternalReference, "error", err)
		return
	}
	p.publish(model.TopicPaymentCompleted, model.PaymentCompletedEvent{
		EventID:    uuid.NewString(),
		Payment:    attempt,
		Meta:       meta,
		OccurredAt: p.now(),
	})
}

func (p *Publisher) publish(topic string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("notify: marshal event", "topic", topic, "error", err)
		return
	}
	if err := p.bus.Publish(topic, data); err != nil {
		metrics.PublishErrors.WithLabelValues(topic).Inc()
		slog.Error("notify: publish failed", "topic", topic, "error", err)
	}
}

// Fanout forwards completions to every listener in order.
type Fanout []CompletionListener

type CompletionListener interface {
	OnPaymentCompleted(ctx context.Context, p model.PaymentAttempt)
}

func (f Fanout) OnPaymentCompleted(ctx context.Context, p model.PaymentAttempt) {
	for _, l := range f {
		l.OnPaymentCompleted(ctx, p)
	}
}
