// Package memory is an in-process Store used by tests and by
// LEDGERPAY_STORAGE=memory. Transactions are serialised and applied to a
// copy of the state, which replaces the live state only on success.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ledgerpay/internal/model"
	"ledgerpay/internal/repository"
)

type state struct {
	balances map[int64]int64
	entries  []model.LedgerEntry
	payments map[string]*model.PaymentAttempt
	grants   map[model.GrantKey]*model.FeatureGrant
	payouts  map[int64]*model.PayoutRequest

	entrySeq, paymentSeq, grantSeq, payoutSeq int64
}

func newState() *state {
	return &state{
		balances: make(map[int64]int64),
		payments: make(map[string]*model.PaymentAttempt),
		grants:   make(map[model.GrantKey]*model.FeatureGrant),
		payouts:  make(map[int64]*model.PayoutRequest),
	}
}

func (s *state) clone() *state {
	c := &state{
		balances:   make(map[int64]int64, len(s.balances)),
		entries:    append([]model.LedgerEntry(nil), s.entries...),
		payments:   make(map[string]*model.PaymentAttempt, len(s.payments)),
		grants:     make(map[model.GrantKey]*model.FeatureGrant, len(s.grants)),
		payouts:    make(map[int64]*model.PayoutRequest, len(s.payouts)),
		entrySeq:   s.entrySeq,
		paymentSeq: s.paymentSeq,
		grantSeq:   s.grantSeq,
		payoutSeq:  s.payoutSeq,
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.payments {
		p := *v
		c.payments[k] = &p
	}
	for k, v := range s.grants {
		g := *v
		c.grants[k] = &g
	}
	for k, v := range s.payouts {
		p := *v
		c.payouts[k] = &p
	}
	return c
}

type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	st   *state

	webhooks   map[string]*repository.WebhookEvent
	webhookSeq int64
}

var _ repository.Store = (*Store)(nil)

func New() *Store {
	return &Store{st: newState(), webhooks: make(map[string]*repository.WebhookEvent)}
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	work := s.st.clone()
	s.mu.RUnlock()

	if err := fn(ctx, &memTx{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	s.mu.Lock()
	s.st = work
	s.mu.Unlock()
	return nil
}

func (s *Store) Balance(_ context.Context, userID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.balances[userID], nil
}

func (s *Store) ListEntries(_ context.Context, userID int64, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.LedgerEntry
	for i := len(s.st.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if e := s.st.entries[i]; e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) PaymentByReference(_ context.Context, ref string) (*model.PaymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.st.payments[ref]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", ref, model.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListPayments(_ context.Context, status model.PaymentStatus, before time.Time, limit int) ([]model.PaymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.PaymentAttempt
	for _, p := range s.st.payments {
		if p.Status == status && touched(p).Before(before) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := touched(&out[i]), touched(&out[j])
		if ti.Equal(tj) {
			return out[i].ID < out[j].ID
		}
		return ti.Before(tj)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GrantFor(_ context.Context, key model.GrantKey) (*model.FeatureGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return grantFor(s.st, key)
}

func (s *Store) PayoutByID(_ context.Context, id int64) (*model.PayoutRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return payoutByID(s.st, id)
}

// touched is the later of the last update and the last poll.
func touched(p *model.PaymentAttempt) time.Time {
	if p.LastPolledAt != nil && p.LastPolledAt.After(p.UpdatedAt) {
		return *p.LastPolledAt
	}
	return p.UpdatedAt
}

func (s *Store) MarkPolled(_ context.Context, ref string, at time.Time) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.payments[ref]
	if !ok {
		return fmt.Errorf("payment %s: %w", ref, model.ErrNotFound)
	}
	at = at.UTC()
	p.LastPolledAt = &at
	return nil
}

func (s *Store) DeleteStalePending(_ context.Context, createdBefore time.Time) (int64, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for ref, p := range s.st.payments {
		if p.Status == model.StatusPending && p.ProviderReference == nil && p.CreatedAt.Before(createdBefore) {
			delete(s.st.payments, ref)
			n++
		}
	}
	return n, nil
}

func (s *Store) RecordWebhook(_ context.Context, ev *repository.WebhookEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(ev.Provider) + "|" + ev.EventKey
	if existing, ok := s.webhooks[key]; ok {
		ev.ID, ev.CreatedAt = existing.ID, existing.CreatedAt
		return false, nil
	}
	s.webhookSeq++
	ev.ID, ev.CreatedAt = s.webhookSeq, time.Now()
	cp := *ev
	s.webhooks[key] = &cp
	return true, nil
}

func (s *Store) FinishWebhook(_ context.Context, id int64, procErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.webhooks {
		if ev.ID != id {
			continue
		}
		now := time.Now()
		ev.ProcessedAt = &now
		ev.Error = nil
		if procErr != nil {
			msg := procErr.Error()
			ev.Error = &msg
		}
		return nil
	}
	return fmt.Errorf("webhook %d: %w", id, model.ErrNotFound)
}

// Webhooks returns the journal, oldest first.
func (s *Store) Webhooks() []repository.WebhookEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]repository.WebhookEvent, 0, len(s.webhooks))
	for _, ev := range s.webhooks {
		out = append(out, *ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Grants returns every grant held by subject.
func (s *Store) Grants(subject int64) []model.FeatureGrant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.FeatureGrant
	for _, g := range s.st.grants {
		if g.SubjectUserID == subject {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Payouts returns every payout request of user.
func (s *Store) Payouts(userID int64) []model.PayoutRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.PayoutRequest
	for _, p := range s.st.payouts {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func grantFor(st *state, key model.GrantKey) (*model.FeatureGrant, error) {
	g, ok := st.grants[key]
	if !ok {
		return nil, fmt.Errorf("grant: %w", model.ErrNotFound)
	}
	cp := *g
	return &cp, nil
}

func payoutByID(st *state, id int64) (*model.PayoutRequest, error) {
	p, ok := st.payouts[id]
	if !ok {
		return nil, fmt.Errorf("payout %d: %w", id, model.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}
