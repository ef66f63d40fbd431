package nats

import (
	"context"
	"encoding/json"
	"log/slog"

	"ledgerpay/internal/model"
	"ledgerpay/internal/service"

	"github.com/nats-io/nats.go"
)

// Handler subscribes to the ledger command subjects and delegates to the
// ledger service. Requests sent with a reply subject get a Reply back.
type Handler struct {
	svc  service.LedgerService
	nc   *nats.Conn
	subs []*nats.Subscription
}

// Reply answers a command sent with nats request/reply.
type Reply struct {
	Entry *model.LedgerEntry `json:"entry,omitempty"`
	Error string             `json:"error,omitempty"`
}

func NewHandler(svc service.LedgerService, nc *nats.Conn) *Handler {
	return &Handler{svc: svc, nc: nc}
}

// Start subscribes to command topics and blocks until ctx is cancelled (graceful shutdown).
func (h *Handler) Start(ctx context.Context) error {
	for topic, dir := range map[string]model.Direction{
		model.TopicCommandCredit: model.Credit,
		model.TopicCommandDebit:  model.Debit,
	} {
		sub, err := h.nc.QueueSubscribe(topic, "ledger_group", func(m *nats.Msg) {
			reply := h.Execute(ctx, dir, m.Data)
			if m.Reply == "" {
				return
			}
			data, _ := json.Marshal(reply)
			if err := m.Respond(data); err != nil {
				slog.Error("nats: failed to respond", "subject", m.Subject, "error", err)
			}
		})
		if err != nil {
			return err
		}
		h.subs = append(h.subs, sub)
	}

	slog.Info("nats: command handler is running")

	<-ctx.Done()
	slog.Info("nats: command handler shutting down, draining subscriptions")

	for _, s := range h.subs {
		_ = s.Drain()
	}
	return nil
}

// Execute applies one command payload.
func (h *Handler) Execute(ctx context.Context, dir model.Direction, data []byte) Reply {
	var cmd model.LedgerCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		slog.Error("nats: failed to unmarshal ledger command", "direction", dir, "error", err)
		return Reply{Error: "malformed command"}
	}

	var (
		entry *model.LedgerEntry
		err   error
	)
	switch dir {
	case model.Credit:
		entry, err = h.svc.Credit(ctx, cmd.Posting())
	default:
		entry, err = h.svc.Debit(ctx, cmd.Posting())
	}
	if err != nil {
		slog.Error("nats: ledger command failed",
			"direction", dir,
			"user_id", cmd.UserID,
			"source", cmd.Source.String(),
			"error", err,
		)
		return Reply{Error: err.Error()}
	}
	return Reply{Entry: entry}
}

func (h *Handler) Stop(ctx context.Context) error {
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
	return nil
}
