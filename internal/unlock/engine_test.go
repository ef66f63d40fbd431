package unlock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"ledgerpay/internal/gateway"
	"ledgerpay/internal/gateway/gatewaytest"
	"ledgerpay/internal/ledger"
	"ledgerpay/internal/model"
	"ledgerpay/internal/payment"
	"ledgerpay/internal/policy"
	"ledgerpay/internal/repository"
	"ledgerpay/internal/repository/memory"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const period = 30 * 24 * time.Hour

type directory struct{}

func (directory) Identity(_ context.Context, kind model.GrantKind, targetID int64) (any, error) {
	return map[string]any{"kind": kind, "target": targetID, "name": "Awa"}, nil
}

type fixture struct {
	store    *memory.Store
	fake     *gatewaytest.Fake
	ledger   *ledger.Manager
	payments *payment.Manager
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pp, err := policy.NewStatic(policy.Settings{
		Currency:                "XOF",
		RevealMessagePrice:      1000,
		RevealConversationPrice: 1500,
		RevealStoryPrice:        500,
		GiftFeePercent:          decimal.NewFromInt(5),
		SubscriptionPrice:       2000,
		SubscriptionPeriod:      period,
		MinWithdrawal:           1000,
	})
	require.NoError(t, err)

	store := memory.New()
	fake := gatewaytest.New(model.ProviderCinetPay)
	lm := ledger.NewManager(store, nil, nil)
	pm := payment.NewManager(store, gateway.NewRegistry(fake), lm, nil, payment.Config{Currency: "XOF", Timeout: time.Second})
	e := NewEngine(store, lm, pm, pp, directory{})
	return &fixture{store: store, fake: fake, ledger: lm, payments: pm, engine: e}
}

func (f *fixture) fund(t *testing.T, user, amount int64) {
	t.Helper()
	_, err := f.ledger.Credit(context.Background(), model.Posting{
		UserID:      user,
		Amount:      amount,
		Description: "seed",
		Source:      model.SourceRef{Kind: model.SourceExternal, ID: 1},
	})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, user int64) int64 {
	t.Helper()
	bal, err := f.ledger.Balance(context.Background(), user)
	require.NoError(t, err)
	return bal
}

func (f *fixture) entries(t *testing.T, user int64) []model.LedgerEntry {
	t.Helper()
	es, err := f.ledger.Entries(context.Background(), user, 100)
	require.NoError(t, err)
	return es
}

func (f *fixture) complete(t *testing.T, ref string) {
	t.Helper()
	_, changed, err := f.payments.ApplyStatus(context.Background(), ref, model.StatusCompleted, "")
	require.NoError(t, err)
	require.True(t, changed)
}

func TestRevealWithWallet_ChargesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 1000)
	target := model.RevealMeta{MessageID: 77}

	first, err := f.engine.RevealWithWallet(ctx, 1, target)
	require.NoError(t, err)
	assert.False(t, first.Already)
	require.NotNil(t, first.Grant)
	require.Len(t, first.Entries, 1)
	assert.Equal(t, model.Debit, first.Entries[0].Direction)
	assert.Equal(t, int64(1000), first.Entries[0].Amount)
	assert.Equal(t, model.SourceRef{Kind: model.SourceReveal, ID: first.Grant.ID}, first.Entries[0].Source)
	assert.NotNil(t, first.Identity)
	assert.Equal(t, int64(0), f.balance(t, 1))

	second, err := f.engine.RevealWithWallet(ctx, 1, target)
	require.NoError(t, err)
	assert.True(t, second.Already)
	assert.Equal(t, first.Grant.ID, second.Grant.ID)
	assert.Empty(t, second.Entries)
	assert.NotNil(t, second.Identity)
	assert.Equal(t, int64(0), f.balance(t, 1))
	assert.Len(t, f.entries(t, 1), 2)
}

func TestRevealWithWallet_InsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 1, 999)

	_, err := f.engine.RevealWithWallet(context.Background(), 1, model.RevealMeta{MessageID: 77})
	require.ErrorIs(t, err, model.ErrInsufficientBalance)
	assert.Empty(t, f.store.Grants(1))
	assert.Equal(t, int64(999), f.balance(t, 1))
}

func TestRevealWithWallet_BadTarget(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.RevealWithWallet(context.Background(), 1, model.RevealMeta{MessageID: 1, StoryID: 2})
	require.ErrorIs(t, err, model.ErrValidation)
}

func TestRevealWithWallet_ConcurrentRequestsGrantOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 5000)
	target := model.RevealMeta{ConversationID: 12}

	const n = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		charged int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, err := f.engine.RevealWithWallet(ctx, 1, target)
			if !assert.NoError(t, err) {
				return
			}
			if !u.Already {
				mu.Lock()
				charged++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, charged)
	assert.Len(t, f.store.Grants(1), 1)
	assert.Equal(t, int64(3500), f.balance(t, 1))
	assert.Len(t, f.entries(t, 1), 2)
}

func TestRevealWithProvider(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	target := model.RevealMeta{ConversationID: 12}

	u, err := f.engine.RevealWithProvider(ctx, 1, target, model.ProviderCinetPay, "+22507000001")
	require.NoError(t, err)
	require.NotNil(t, u.Payment)
	assert.True(t, strings.HasPrefix(u.Payment.InternalReference, "REVEAL-CONV-"))
	assert.Equal(t, int64(1500), u.Payment.Amount)
	assert.Empty(t, f.store.Grants(1))

	f.complete(t, u.Payment.InternalReference)

	grants := f.store.Grants(1)
	require.Len(t, grants, 1)
	require.NotNil(t, grants[0].PaymentID)
	assert.Equal(t, u.Payment.ID, *grants[0].PaymentID)
	assert.Empty(t, f.entries(t, 1), "a provider-paid reveal never touches the wallet")

	again, err := f.engine.RevealWithProvider(ctx, 1, target, model.ProviderCinetPay, "")
	require.NoError(t, err)
	assert.True(t, again.Already)
	assert.Nil(t, again.Payment)
	assert.NotNil(t, again.Identity)
}

func TestRevealWithProvider_PaidTwiceCreditsWallet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	target := model.RevealMeta{MessageID: 5}

	a, err := f.engine.RevealWithProvider(ctx, 1, target, model.ProviderCinetPay, "")
	require.NoError(t, err)
	b, err := f.engine.RevealWithProvider(ctx, 1, target, model.ProviderCinetPay, "")
	require.NoError(t, err)

	f.complete(t, a.Payment.InternalReference)
	f.complete(t, b.Payment.InternalReference)

	assert.Len(t, f.store.Grants(1), 1)
	assert.Equal(t, int64(1000), f.balance(t, 1))
	entries := f.entries(t, 1)
	require.Len(t, entries, 1)
	assert.Equal(t, model.SourceRef{Kind: model.SourcePayment, ID: b.Payment.ID}, entries[0].Source)
}

func TestRevealWithProvider_FailureLeavesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	u, err := f.engine.RevealWithProvider(ctx, 1, model.RevealMeta{StoryID: 3}, model.ProviderCinetPay, "")
	require.NoError(t, err)
	got, changed, err := f.payments.ApplyStatus(ctx, u.Payment.InternalReference, model.StatusCancelled, "user closed the page")
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "user closed the page", *got.FailureReason)
	assert.Empty(t, f.store.Grants(1))
}

func TestGiftWithProvider_FeeSplit(t *testing.T) {
	tests := []struct {
		price, credited int64
	}{
		{1000, 950},
		{999, 949},
		{1, 0},
	}
	for _, tt := range tests {
		f := newFixture(t)
		gift := model.GiftMeta{TransactionID: 42, RecipientID: 2}

		u, err := f.engine.GiftWithProvider(context.Background(), 1, gift, tt.price, model.ProviderCinetPay, "")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(u.Payment.InternalReference, "GIFT-"))
		assert.Equal(t, int64(0), f.balance(t, 2), "nothing credited before completion")

		f.complete(t, u.Payment.InternalReference)
		assert.Equal(t, tt.credited, f.balance(t, 2), "price %d", tt.price)
		assert.Len(t, f.store.Grants(1), 1)
	}
}

func TestGiftWithProvider_Failed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	gift := model.GiftMeta{TransactionID: 42, RecipientID: 2}

	u, err := f.engine.GiftWithProvider(ctx, 1, gift, 1000, model.ProviderCinetPay, "")
	require.NoError(t, err)
	_, _, err = f.payments.ApplyStatus(ctx, u.Payment.InternalReference, model.StatusFailed, "refused")
	require.NoError(t, err)

	assert.Empty(t, f.store.Grants(1))
	assert.Equal(t, int64(0), f.balance(t, 2))
}

func TestGiftWithWallet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 1000)
	gift := model.GiftMeta{TransactionID: 42, RecipientID: 2}

	u, err := f.engine.GiftWithWallet(ctx, 1, gift, 1000)
	require.NoError(t, err)
	assert.False(t, u.Already)
	assert.Len(t, u.Entries, 2)
	assert.Equal(t, int64(0), f.balance(t, 1))
	assert.Equal(t, int64(950), f.balance(t, 2))

	again, err := f.engine.GiftWithWallet(ctx, 1, gift, 1000)
	require.NoError(t, err)
	assert.True(t, again.Already)
	assert.Equal(t, int64(950), f.balance(t, 2))
}

func TestGiftWithWallet_InsufficientBalanceCreditsNobody(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 500)

	_, err := f.engine.GiftWithWallet(ctx, 1, model.GiftMeta{TransactionID: 42, RecipientID: 2}, 1000)
	require.ErrorIs(t, err, model.ErrInsufficientBalance)
	assert.Equal(t, int64(0), f.balance(t, 2))
	assert.Empty(t, f.store.Grants(1))
}

func TestGift_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.engine.GiftWithWallet(ctx, 1, model.GiftMeta{TransactionID: 42, RecipientID: 1}, 1000)
	require.ErrorIs(t, err, model.ErrValidation)
	_, err = f.engine.GiftWithProvider(ctx, 1, model.GiftMeta{TransactionID: 42, RecipientID: 2}, 0, model.ProviderCinetPay, "")
	require.ErrorIs(t, err, model.ErrValidation)
}

func TestSubscribe_Renewal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f.engine.now = func() time.Time { return start }
	sub := model.SubscriptionMeta{SubscriptionID: 9, TargetUserID: 3}

	u, err := f.engine.Subscribe(ctx, 1, sub, model.ProviderCinetPay, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u.Payment.InternalReference, "PREM-"))
	f.complete(t, u.Payment.InternalReference)

	grants := f.store.Grants(1)
	require.Len(t, grants, 1)
	require.NotNil(t, grants[0].ExpiresAt)
	assert.True(t, grants[0].ExpiresAt.Equal(start.Add(period)))

	active, err := f.engine.Subscribe(ctx, 1, sub, model.ProviderCinetPay, "")
	require.NoError(t, err)
	assert.True(t, active.Already)

	later := start.Add(period + 24*time.Hour)
	f.engine.now = func() time.Time { return later }
	renew, err := f.engine.Subscribe(ctx, 1, sub, model.ProviderCinetPay, "")
	require.NoError(t, err)
	require.NotNil(t, renew.Payment)
	f.complete(t, renew.Payment.InternalReference)

	grants = f.store.Grants(1)
	require.Len(t, grants, 1, "renewal extends the existing grant")
	assert.True(t, grants[0].ExpiresAt.Equal(later.Add(period)))
}

// racedTx misses the grant on its first lookup, as a settlement does when a
// concurrent one commits the grant right after.
type racedTx struct {
	repository.Tx
	calls  []string
	missed bool
}

func (t *racedTx) LockAccount(ctx context.Context, userID int64) (int64, error) {
	t.calls = append(t.calls, "lock")
	return t.Tx.LockAccount(ctx, userID)
}

func (t *racedTx) GrantFor(ctx context.Context, key model.GrantKey) (*model.FeatureGrant, error) {
	t.calls = append(t.calls, "grant_for")
	if !t.missed {
		t.missed = true
		return nil, fmt.Errorf("grant: %w", model.ErrNotFound)
	}
	return t.Tx.GrantFor(ctx, key)
}

func TestSettleSubscription_ConcurrentGrantExtends(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f.engine.now = func() time.Time { return start }

	first := start.Add(period)
	require.NoError(t, f.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.InsertGrant(ctx, &model.FeatureGrant{
			SubjectUserID: 1,
			TargetID:      3,
			Kind:          model.GrantSubscription,
			Amount:        2000,
			ExpiresAt:     &first,
		})
	}))

	p := &model.PaymentAttempt{
		ID:                77,
		UserID:            1,
		Purpose:           model.PurposeSubscription,
		Amount:            2000,
		Status:            model.StatusCompleted,
		InternalReference: "PREM-77",
		Meta:              model.SubscriptionMeta{SubscriptionID: 9, TargetUserID: 3},
	}
	var calls []string
	err := f.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		rt := &racedTx{Tx: tx}
		_, err := f.engine.Settle(ctx, rt, p)
		calls = rt.calls
		return err
	})
	require.NoError(t, err)

	require.NotEmpty(t, calls)
	assert.Equal(t, "lock", calls[0], "the subscriber is locked before the grant lookup")

	grants := f.store.Grants(1)
	require.Len(t, grants, 1)
	require.NotNil(t, grants[0].ExpiresAt)
	assert.True(t, grants[0].ExpiresAt.Equal(first.Add(period)), "the second payment buys one more period")
}

func TestDeposit_CompleteAndRefund(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.engine.Deposit(ctx, 1, 5000, model.ProviderCinetPay, "+22507000001")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p.InternalReference, "PAY-"))
	f.complete(t, p.InternalReference)
	assert.Equal(t, int64(5000), f.balance(t, 1))

	_, changed, err := f.payments.ApplyStatus(ctx, p.InternalReference, model.StatusRefunded, "")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(0), f.balance(t, 1))

	entries := f.entries(t, 1)
	require.Len(t, entries, 2)
	assert.Equal(t, model.SourceRef{Kind: model.SourceRefund, ID: p.ID}, entries[0].Source)
}

func TestDeposit_RefundAfterSpendingFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.engine.Deposit(ctx, 1, 1000, model.ProviderCinetPay, "")
	require.NoError(t, err)
	f.complete(t, p.InternalReference)
	_, err = f.engine.RevealWithWallet(ctx, 1, model.RevealMeta{MessageID: 1})
	require.NoError(t, err)

	_, _, err = f.payments.ApplyStatus(ctx, p.InternalReference, model.StatusRefunded, "")
	require.ErrorIs(t, err, model.ErrInsufficientBalance)

	got, err := f.payments.Get(ctx, p.InternalReference)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
}
