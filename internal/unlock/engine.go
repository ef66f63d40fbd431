// Package unlock performs paid feature side effects exactly once: identity
// reveals, gift delivery, subscriptions and wallet top-ups.
package unlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ledgerpay/internal/ledger"
	"ledgerpay/internal/metrics"
	"ledgerpay/internal/model"
	"ledgerpay/internal/payment"
	"ledgerpay/internal/policy"
	"ledgerpay/internal/repository"
)

// IdentityDirectory resolves what a reveal shows. It is owned by the
// messaging side and may be nil.
type IdentityDirectory interface {
	Identity(ctx context.Context, kind model.GrantKind, targetID int64) (any, error)
}

type Engine struct {
	store     repository.Store
	ledger    *ledger.Manager
	payments  *payment.Manager
	policy    policy.Provider
	directory IdentityDirectory
	now       func() time.Time
}

func NewEngine(store repository.Store, lm *ledger.Manager, pm *payment.Manager, pp policy.Provider, dir IdentityDirectory) *Engine {
	e := &Engine{
		store:     store,
		ledger:    lm,
		payments:  pm,
		policy:    pp,
		directory: dir,
		now:       time.Now,
	}
	for _, p := range []model.Purpose{
		model.PurposeDeposit, model.PurposeReveal, model.PurposeGift, model.PurposeSubscription,
	} {
		pm.Handle(p, e)
	}
	return e
}

// Unlock is the outcome of a feature request. Exactly one of Grant or
// Payment is set: Payment when the buyer still has to pay out of band.
type Unlock struct {
	Grant    *model.FeatureGrant   `json:"grant,omitempty"`
	Entries  []model.LedgerEntry   `json:"entries,omitempty"`
	Payment  *model.PaymentAttempt `json:"payment,omitempty"`
	Already  bool                  `json:"already_unlocked"`
	Identity any                   `json:"identity,omitempty"`
}

// RevealWithWallet debits the reveal price and records the grant in one
// transaction. A second request for a held grant returns it without charge.
func (e *Engine) RevealWithWallet(ctx context.Context, userID int64, target model.RevealMeta) (*Unlock, error) {
	kind, targetID, err := target.Target()
	if err != nil {
		return nil, err
	}
	price, err := e.policy.RevealPrice(kind)
	if err != nil {
		return nil, err
	}

	grant := &model.FeatureGrant{SubjectUserID: userID, TargetID: targetID, Kind: kind, Amount: price}
	var (
		out     = &Unlock{}
		entries []model.LedgerEntry
	)
	err = e.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if _, err := tx.LockAccount(ctx, userID); err != nil {
			return err
		}
		if existing, err := tx.GrantFor(ctx, grant.Key()); err == nil {
			out.Grant, out.Already = existing, true
			return nil
		} else if !errors.Is(err, model.ErrNotFound) {
			return err
		}
		if err := tx.InsertGrant(ctx, grant); err != nil {
			return err
		}
		entry, err := e.ledger.Post(ctx, tx, model.Debit, model.Posting{
			UserID:      userID,
			Amount:      price,
			Description: fmt.Sprintf("Identity reveal (%s #%d)", kind, targetID),
			Source:      model.SourceRef{Kind: model.SourceReveal, ID: grant.ID},
		})
		if err != nil {
			return err
		}
		entries = append(entries, *entry)
		out.Grant = grant
		return nil
	})
	if errors.Is(err, model.ErrDuplicate) {
		// Lost a race with a concurrent unlock of the same target.
		existing, gerr := e.store.GrantFor(ctx, grant.Key())
		if gerr != nil {
			return nil, gerr
		}
		out = &Unlock{Grant: existing, Already: true}
		err = nil
	}
	if err != nil {
		return nil, err
	}
	if !out.Already {
		e.ledger.Announce(ctx, entries...)
		metrics.Unlocks.WithLabelValues(string(kind), "wallet").Inc()
		out.Entries = entries
	}
	e.attachIdentity(ctx, out)
	return out, nil
}

// RevealWithProvider opens a mobile-money charge for the reveal unless the
// grant is already held.
func (e *Engine) RevealWithProvider(ctx context.Context, userID int64, target model.RevealMeta, provider model.Provider, phone string) (*Unlock, error) {
	kind, targetID, err := target.Target()
	if err != nil {
		return nil, err
	}
	price, err := e.policy.RevealPrice(kind)
	if err != nil {
		return nil, err
	}
	held, err := e.held(ctx, model.GrantKey{SubjectUserID: userID, TargetID: targetID, Kind: kind})
	if err != nil {
		return nil, err
	}
	if held != nil {
		out := &Unlock{Grant: held, Already: true}
		e.attachIdentity(ctx, out)
		return out, nil
	}
	p, err := e.payments.Open(ctx, payment.Request{
		UserID: userID, Provider: provider, Amount: price, Meta: target, Phone: phone,
	})
	if err != nil {
		return nil, err
	}
	return &Unlock{Payment: p}, nil
}

// GiftWithWallet moves price from sender to recipient, keeping the platform
// fee, and records the delivery grant, all in one transaction.
func (e *Engine) GiftWithWallet(ctx context.Context, senderID int64, gift model.GiftMeta, price int64) (*Unlock, error) {
	if err := validateGift(senderID, gift, price); err != nil {
		return nil, err
	}
	grant := &model.FeatureGrant{SubjectUserID: senderID, TargetID: gift.TransactionID, Kind: model.GrantGift, Amount: price}

	out := &Unlock{}
	err := e.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		// Lock both accounts in id order so opposite gifts cannot deadlock.
		first, second := senderID, gift.RecipientID
		if first > second {
			first, second = second, first
		}
		for _, id := range []int64{first, second} {
			if _, err := tx.LockAccount(ctx, id); err != nil {
				return err
			}
		}
		if existing, err := tx.GrantFor(ctx, grant.Key()); err == nil {
			out.Grant, out.Already = existing, true
			return nil
		} else if !errors.Is(err, model.ErrNotFound) {
			return err
		}
		if err := tx.InsertGrant(ctx, grant); err != nil {
			return err
		}
		debit, err := e.ledger.Post(ctx, tx, model.Debit, model.Posting{
			UserID:      senderID,
			Amount:      price,
			Description: fmt.Sprintf("Gift to user %d", gift.RecipientID),
			Source:      model.SourceRef{Kind: model.SourceGift, ID: gift.TransactionID},
		})
		if err != nil {
			return err
		}
		out.Entries = append(out.Entries, *debit)
		credit, err := e.creditRecipient(ctx, tx, senderID, gift, price)
		if err != nil {
			return err
		}
		if credit != nil {
			out.Entries = append(out.Entries, *credit)
		}
		out.Grant = grant
		return nil
	})
	if errors.Is(err, model.ErrDuplicate) {
		existing, gerr := e.store.GrantFor(ctx, grant.Key())
		if gerr != nil {
			return nil, gerr
		}
		return &Unlock{Grant: existing, Already: true}, nil
	}
	if err != nil {
		return nil, err
	}
	if !out.Already {
		e.ledger.Announce(ctx, out.Entries...)
		metrics.Unlocks.WithLabelValues(string(model.GrantGift), "wallet").Inc()
	}
	return out, nil
}

// GiftWithProvider charges the sender through a provider; the recipient is
// credited when the payment completes.
func (e *Engine) GiftWithProvider(ctx context.Context, senderID int64, gift model.GiftMeta, price int64, provider model.Provider, phone string) (*Unlock, error) {
	if err := validateGift(senderID, gift, price); err != nil {
		return nil, err
	}
	key := model.GrantKey{SubjectUserID: senderID, TargetID: gift.TransactionID, Kind: model.GrantGift}
	held, err := e.held(ctx, key)
	if err != nil {
		return nil, err
	}
	if held != nil {
		return &Unlock{Grant: held, Already: true}, nil
	}
	p, err := e.payments.Open(ctx, payment.Request{
		UserID: senderID, Provider: provider, Amount: price, Meta: gift, Phone: phone,
	})
	if err != nil {
		return nil, err
	}
	return &Unlock{Payment: p}, nil
}

// Subscribe charges the subscription price unless an active subscription
// to the same target is held.
func (e *Engine) Subscribe(ctx context.Context, userID int64, sub model.SubscriptionMeta, provider model.Provider, phone string) (*Unlock, error) {
	if sub.TargetUserID <= 0 {
		return nil, model.Invalid("target_user_id", "must be positive")
	}
	price := e.policy.SubscriptionPrice()
	if price <= 0 {
		return nil, fmt.Errorf("no subscription price configured")
	}
	key := model.GrantKey{SubjectUserID: userID, TargetID: sub.TargetUserID, Kind: model.GrantSubscription}
	held, err := e.held(ctx, key)
	if err != nil {
		return nil, err
	}
	if held != nil && held.ActiveAt(e.now()) {
		return &Unlock{Grant: held, Already: true}, nil
	}
	p, err := e.payments.Open(ctx, payment.Request{
		UserID: userID, Provider: provider, Amount: price, Meta: sub, Phone: phone,
	})
	if err != nil {
		return nil, err
	}
	return &Unlock{Payment: p}, nil
}

// Deposit opens a wallet top-up charge.
func (e *Engine) Deposit(ctx context.Context, userID, amount int64, provider model.Provider, phone string) (*model.PaymentAttempt, error) {
	return e.payments.Open(ctx, payment.Request{
		UserID: userID, Provider: provider, Amount: amount, Meta: model.DepositMeta{}, Phone: phone,
	})
}

// Grant returns the grant for key, or model.ErrNotFound.
func (e *Engine) Grant(ctx context.Context, key model.GrantKey) (*model.FeatureGrant, error) {
	return e.store.GrantFor(ctx, key)
}

func (e *Engine) held(ctx context.Context, key model.GrantKey) (*model.FeatureGrant, error) {
	g, err := e.store.GrantFor(ctx, key)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	return g, err
}

func (e *Engine) creditRecipient(ctx context.Context, tx repository.Tx, senderID int64, gift model.GiftMeta, price int64) (*model.LedgerEntry, error) {
	net := price - e.policy.GiftFee(price)
	if net <= 0 {
		return nil, nil
	}
	return e.ledger.Post(ctx, tx, model.Credit, model.Posting{
		UserID:      gift.RecipientID,
		Amount:      net,
		Description: fmt.Sprintf("Gift from user %d", senderID),
		Source:      model.SourceRef{Kind: model.SourceGift, ID: gift.TransactionID},
	})
}

func (e *Engine) attachIdentity(ctx context.Context, u *Unlock) {
	if e.directory == nil || u.Grant == nil {
		return
	}
	id, err := e.directory.Identity(ctx, u.Grant.Kind, u.Grant.TargetID)
	if err != nil {
		slog.Error("unlock: identity lookup failed",
			"kind", u.Grant.Kind,
			"target_id", u.Grant.TargetID,
			"error", err,
		)
		return
	}
	u.Identity = id
}

func validateGift(senderID int64, gift model.GiftMeta, price int64) error {
	switch {
	case price <= 0:
		return model.Invalid("price", "must be positive")
	case gift.TransactionID <= 0:
		return model.Invalid("transaction_id", "must be positive")
	case gift.RecipientID <= 0:
		return model.Invalid("recipient_id", "must be positive")
	case gift.RecipientID == senderID:
		return model.Invalid("recipient_id", "cannot gift yourself")
	}
	return nil
}
