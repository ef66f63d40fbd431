package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"ledgerpay/internal/model"

	"github.com/nats-io/nats.go"
)

// Deliverer hands a completion to the collaborators that act on it.
type Deliverer interface {
	Deliver(ctx context.Context, ev model.PaymentCompletedEvent) error
}

// CompletionRelay listens on payments.completed and forwards each event to
// the collaborators. It runs after the unlock is committed, so a failed
// delivery is logged and never retried against the ledger.
type CompletionRelay struct {
	natsConn *nats.Conn
	target   Deliverer
}

func NewCompletionRelay(nc *nats.Conn, target Deliverer) *CompletionRelay {
	return &CompletionRelay{natsConn: nc, target: target}
}

// Run subscribes and blocks until ctx is cancelled.
func (w *CompletionRelay) Run(ctx context.Context) error {
	// One relay per queue group receives each event, however many API
	// replicas are running.
	sub, err := w.natsConn.QueueSubscribe(model.TopicPaymentCompleted, "relay_group", func(m *nats.Msg) {
		w.handle(ctx, m.Data)
	})
	if err != nil {
		return fmt.Errorf("worker: failed to subscribe to NATS: %w", err)
	}

	slog.Info("worker: completion relay is running")
	<-ctx.Done()

	slog.Info("worker: completion relay draining subscription")
	return sub.Drain()
}

func (w *CompletionRelay) handle(ctx context.Context, data []byte) {
	var ev model.PaymentCompletedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Error("worker: failed to unmarshal completion event", "error", err)
		return
	}
	if err := w.target.Deliver(ctx, ev); err != nil {
		slog.Error("worker: completion relay failed",
			"reference", ev.Payment.InternalReference,
			"event_id", ev.EventID,
			"error", err,
		)
		return
	}
	slog.Info("worker: completion relayed",
		"reference", ev.Payment.InternalReference,
		"event_id", ev.EventID,
	)
}

func (w *CompletionRelay) Start(ctx context.Context) error {
	return w.Run(ctx)
}

// Stop is a no-op; shutdown happens through ctx.
func (w *CompletionRelay) Stop(ctx context.Context) error {
	return nil
}
