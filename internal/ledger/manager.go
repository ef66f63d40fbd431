// Package ledger owns wallet balances. A balance only ever moves together
// with an appended LedgerEntry, inside one store transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ledgerpay/internal/metrics"
	"ledgerpay/internal/model"
	"ledgerpay/internal/repository"
)

// BalanceNotifier is told about every committed balance change. It may be nil.
type BalanceNotifier interface {
	OnBalanceChanged(ctx context.Context, entry model.LedgerEntry)
}

type Manager struct {
	store    repository.Store
	cache    repository.Cache
	notifier BalanceNotifier
}

func NewManager(store repository.Store, cache repository.Cache, notifier BalanceNotifier) *Manager {
	if cache == nil {
		cache = repository.NopCache{}
	}
	return &Manager{store: store, cache: cache, notifier: notifier}
}

// Credit appends a credit entry in its own transaction.
func (m *Manager) Credit(ctx context.Context, p model.Posting) (*model.LedgerEntry, error) {
	return m.post(ctx, model.Credit, p)
}

// Debit appends a debit entry in its own transaction. It returns
// model.ErrInsufficientBalance, with nothing written, when p.Amount exceeds
// the balance.
func (m *Manager) Debit(ctx context.Context, p model.Posting) (*model.LedgerEntry, error) {
	return m.post(ctx, model.Debit, p)
}

func (m *Manager) post(ctx context.Context, dir model.Direction, p model.Posting) (*model.LedgerEntry, error) {
	var entry *model.LedgerEntry
	err := m.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		e, err := m.Post(ctx, tx, dir, p)
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.Announce(ctx, *entry)
	return entry, nil
}

// Post applies p inside a transaction owned by the caller. The account row
// stays locked until that transaction ends; callers must Announce the entry
// after commit.
func (m *Manager) Post(ctx context.Context, tx repository.Tx, dir model.Direction, p model.Posting) (*model.LedgerEntry, error) {
	if err := p.Validate(); err != nil {
		metrics.LedgerRejections.WithLabelValues(string(dir), "validation").Inc()
		return nil, err
	}
	bal, err := tx.LockAccount(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	e, err := model.NextEntry(bal, dir, p)
	if err != nil {
		if errors.Is(err, model.ErrInsufficientBalance) {
			metrics.LedgerRejections.WithLabelValues(string(dir), "insufficient_balance").Inc()
			return nil, fmt.Errorf("user %d has %d, needs %d: %w", p.UserID, bal, p.Amount, err)
		}
		return nil, err
	}
	if err := tx.AppendEntry(ctx, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Announce publishes committed entries. Failures here are logged and never
// affect the ledger.
func (m *Manager) Announce(ctx context.Context, entries ...model.LedgerEntry) {
	for _, e := range entries {
		metrics.LedgerPostings.WithLabelValues(string(e.Direction), string(e.Source.Kind)).Inc()
		m.cache.StoreBalance(ctx, e.UserID, e.ID, e.BalanceAfter)
		slog.Info("ledger: entry posted",
			"user_id", e.UserID,
			"direction", e.Direction,
			"amount", e.Amount,
			"balance", e.BalanceAfter,
			"source", e.Source.String(),
		)
		if m.notifier != nil {
			m.notifier.OnBalanceChanged(ctx, e)
		}
	}
}

// Balance reads through the cache.
func (m *Manager) Balance(ctx context.Context, userID int64) (int64, error) {
	if bal, ok := m.cache.CachedBalance(ctx, userID); ok {
		return bal, nil
	}
	bal, err := m.store.Balance(ctx, userID)
	if err != nil {
		return 0, err
	}
	m.cache.StoreBalance(ctx, userID, 0, bal)
	return bal, nil
}

func (m *Manager) Entries(ctx context.Context, userID int64, limit int) ([]model.LedgerEntry, error) {
	return m.store.ListEntries(ctx, userID, limit)
}
