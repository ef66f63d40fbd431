package service

import (
	"context"

	"ledgerpay/internal/ledger"
	"ledgerpay/internal/model"
)

// LedgerService is the wallet surface offered to collaborators. The gRPC and
// NATS transports depend on this interface, not on the ledger package.
type LedgerService interface {
	Credit(ctx context.Context, p model.Posting) (*model.LedgerEntry, error)
	Debit(ctx context.Context, p model.Posting) (*model.LedgerEntry, error)
	Balance(ctx context.Context, userID int64) (int64, error)
	Entries(ctx context.Context, userID int64, limit int) ([]model.LedgerEntry, error)
}

var _ LedgerService = (*ledger.Manager)(nil)
