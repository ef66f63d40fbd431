package memory

import (
	"context"
	"fmt"
	"time"

	"ledgerpay/internal/model"
)

type memTx struct {
	st *state
}

func (t *memTx) LockAccount(_ context.Context, userID int64) (int64, error) {
	if _, ok := t.st.balances[userID]; !ok {
		t.st.balances[userID] = 0
	}
	return t.st.balances[userID], nil
}

func (t *memTx) AppendEntry(_ context.Context, e *model.LedgerEntry) error {
	if cur := t.st.balances[e.UserID]; cur != e.BalanceBefore {
		return fmt.Errorf("update balance: wallet %d moved underneath the ledger", e.UserID)
	}
	if e.BalanceAfter < 0 {
		return fmt.Errorf("update balance: wallet %d would go negative", e.UserID)
	}
	t.st.entrySeq++
	e.ID, e.CreatedAt = t.st.entrySeq, time.Now()
	t.st.entries = append(t.st.entries, *e)
	t.st.balances[e.UserID] = e.BalanceAfter
	return nil
}

func (t *memTx) InsertPayment(_ context.Context, p *model.PaymentAttempt) error {
	if _, ok := t.st.payments[p.InternalReference]; ok {
		return fmt.Errorf("payment %s: %w", p.InternalReference, model.ErrDuplicate)
	}
	t.st.paymentSeq++
	now := time.Now()
	p.ID, p.CreatedAt, p.UpdatedAt = t.st.paymentSeq, now, now
	cp := *p
	t.st.payments[p.InternalReference] = &cp
	return nil
}

func (t *memTx) LockPayment(_ context.Context, ref string) (*model.PaymentAttempt, error) {
	p, ok := t.st.payments[ref]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", ref, model.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (t *memTx) UpdatePayment(_ context.Context, p *model.PaymentAttempt) error {
	cur, ok := t.st.payments[p.InternalReference]
	if !ok || cur.ID != p.ID {
		return fmt.Errorf("update payment: %w", model.ErrNotFound)
	}
	p.UpdatedAt = time.Now()
	cp := *p
	t.st.payments[p.InternalReference] = &cp
	return nil
}

func (t *memTx) DeletePayment(_ context.Context, id int64) error {
	for ref, p := range t.st.payments {
		if p.ID == id {
			delete(t.st.payments, ref)
		}
	}
	return nil
}

func (t *memTx) InsertGrant(_ context.Context, g *model.FeatureGrant) error {
	if _, ok := t.st.grants[g.Key()]; ok {
		return fmt.Errorf("grant %s/%d for user %d: %w", g.Kind, g.TargetID, g.SubjectUserID, model.ErrDuplicate)
	}
	t.st.grantSeq++
	g.ID, g.CreatedAt = t.st.grantSeq, time.Now()
	cp := *g
	t.st.grants[g.Key()] = &cp
	return nil
}

func (t *memTx) GrantFor(_ context.Context, key model.GrantKey) (*model.FeatureGrant, error) {
	return grantFor(t.st, key)
}

func (t *memTx) ExtendGrant(_ context.Context, id int64, expiresAt time.Time) error {
	for _, g := range t.st.grants {
		if g.ID == id {
			exp := expiresAt
			g.ExpiresAt = &exp
			return nil
		}
	}
	return fmt.Errorf("grant %d: %w", id, model.ErrNotFound)
}

func (t *memTx) InsertPayout(_ context.Context, p *model.PayoutRequest) error {
	t.st.payoutSeq++
	p.ID, p.CreatedAt = t.st.payoutSeq, time.Now()
	cp := *p
	t.st.payouts[p.ID] = &cp
	return nil
}

func (t *memTx) LockPayout(_ context.Context, id int64) (*model.PayoutRequest, error) {
	return payoutByID(t.st, id)
}

func (t *memTx) UpdatePayout(_ context.Context, p *model.PayoutRequest) error {
	if _, ok := t.st.payouts[p.ID]; !ok {
		return fmt.Errorf("update payout: %w", model.ErrNotFound)
	}
	cp := *p
	t.st.payouts[p.ID] = &cp
	return nil
}

func (t *memTx) HasOpenPayout(_ context.Context, userID int64) (bool, error) {
	for _, p := range t.st.payouts {
		if p.UserID == userID && p.Status.Open() {
			return true, nil
		}
	}
	return false, nil
}
