package repository

import (
	"context"
	"time"

	"ledgerpay/internal/model"
)

// Reader holds the lookups that do not need a unit of work.
type Reader interface {
	Balance(ctx context.Context, userID int64) (int64, error)
	ListEntries(ctx context.Context, userID int64, limit int) ([]model.LedgerEntry, error)
	PaymentByReference(ctx context.Context, ref string) (*model.PaymentAttempt, error)
	// ListPayments returns attempts in status neither updated nor polled
	// since before, least recently touched first.
	ListPayments(ctx context.Context, status model.PaymentStatus, before time.Time, limit int) ([]model.PaymentAttempt, error)
	GrantFor(ctx context.Context, key model.GrantKey) (*model.FeatureGrant, error)
	PayoutByID(ctx context.Context, id int64) (*model.PayoutRequest, error)
}

// Tx is one atomic, isolated unit of work. Every method that mutates state
// lives here so that no balance can change outside a transaction.
type Tx interface {
	// LockAccount returns the current balance, holding the account row until
	// the transaction ends. Missing accounts are opened with a zero balance.
	LockAccount(ctx context.Context, userID int64) (int64, error)
	// AppendEntry inserts e and moves the account balance to e.BalanceAfter.
	AppendEntry(ctx context.Context, e *model.LedgerEntry) error

	InsertPayment(ctx context.Context, p *model.PaymentAttempt) error
	LockPayment(ctx context.Context, ref string) (*model.PaymentAttempt, error)
	UpdatePayment(ctx context.Context, p *model.PaymentAttempt) error
	DeletePayment(ctx context.Context, id int64) error

	// InsertGrant returns model.ErrDuplicate when the key already exists; the
	// transaction stays usable.
	InsertGrant(ctx context.Context, g *model.FeatureGrant) error
	GrantFor(ctx context.Context, key model.GrantKey) (*model.FeatureGrant, error)
	ExtendGrant(ctx context.Context, id int64, expiresAt time.Time) error

	InsertPayout(ctx context.Context, p *model.PayoutRequest) error
	LockPayout(ctx context.Context, id int64) (*model.PayoutRequest, error)
	UpdatePayout(ctx context.Context, p *model.PayoutRequest) error
	HasOpenPayout(ctx context.Context, userID int64) (bool, error)
}

// Store is the storage backend used by the core.
type Store interface {
	Reader
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	WebhookJournal
	// MarkPolled records that the provider was asked about ref at at.
	MarkPolled(ctx context.Context, ref string, at time.Time) error
	// DeleteStalePending removes attempts that never reached the provider.
	DeleteStalePending(ctx context.Context, createdBefore time.Time) (int64, error)
}

type WebhookEvent struct {
	ID             int64
	Provider       model.Provider
	EventKey       string
	Reference      string
	Payload        []byte
	SignatureValid bool
	ProcessedAt    *time.Time
	Error          *string
	CreatedAt      time.Time
}

// WebhookJournal keeps every inbound callback for reconciliation.
type WebhookJournal interface {
	// RecordWebhook stores ev; a delivery with the same (provider, event key)
	// returns the existing row id and fresh=false.
	RecordWebhook(ctx context.Context, ev *WebhookEvent) (fresh bool, err error)
	FinishWebhook(ctx context.Context, id int64, procErr error) error
}
