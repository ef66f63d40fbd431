package model

import (
	"encoding/json"
	"time"
)

const (
	TopicPaymentCompleted = "payments.completed"
	TopicBalanceChanged   = "balances.changed"
	TopicCommandCredit    = "commands.credit"
	TopicCommandDebit     = "commands.debit"
)

type PaymentCompletedEvent struct {
	EventID    string          `json:"event_id"`
	Payment    PaymentAttempt  `json:"payment"`
	Meta       json.RawMessage `json:"meta"`
	OccurredAt time.Time       `json:"occurred_at"`
}

type BalanceChangedEvent struct {
	EventID    string    `json:"event_id"`
	UserID     int64     `json:"user_id"`
	Balance    int64     `json:"balance"`
	EntryID    int64     `json:"entry_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// LedgerCommand is the bus payload collaborators send to request a posting.
type LedgerCommand struct {
	UserID      int64     `json:"user_id"`
	Amount      int64     `json:"amount"`
	Description string    `json:"description"`
	Reference   string    `json:"reference"`
	Source      SourceRef `json:"source"`
}

func (c LedgerCommand) Posting() Posting {
	return Posting{
		UserID:      c.UserID,
		Amount:      c.Amount,
		Description: c.Description,
		Reference:   c.Reference,
		Source:      c.Source,
	}
}
