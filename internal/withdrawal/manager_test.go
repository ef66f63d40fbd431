package withdrawal

import (
	"context"
	"testing"
	"time"

	"ledgerpay/internal/ledger"
	"ledgerpay/internal/model"
	"ledgerpay/internal/policy"
	"ledgerpay/internal/repository/memory"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const admin = int64(900)

type fixture struct {
	store  *memory.Store
	ledger *ledger.Manager
	m      *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pp, err := policy.NewStatic(policy.Settings{
		Currency:             "XOF",
		SubscriptionPeriod:   30 * 24 * time.Hour,
		MinWithdrawal:        1000,
		WithdrawalFeePercent: decimal.NewFromInt(2),
	})
	require.NoError(t, err)
	store := memory.New()
	lm := ledger.NewManager(store, nil, nil)
	return &fixture{store: store, ledger: lm, m: NewManager(store, lm, pp)}
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

func request(user, amount int64) Request {
	return Request{UserID: user, Amount: amount, Phone: "+22507000001", Provider: model.ProviderCinetPay}
}

func TestRequest_InsufficientBalanceCreatesNothing(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 1, 1500)

	_, err := f.m.Request(context.Background(), request(1, 2000))
	require.ErrorIs(t, err, model.ErrInsufficientBalance)
	assert.Empty(t, f.store.Payouts(1))
}

func TestRequest_DoesNotDebit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 5000)

	p, err := f.m.Request(ctx, request(1, 2000))
	require.NoError(t, err)
	assert.Equal(t, model.PayoutPending, p.Status)
	assert.Equal(t, int64(40), p.Fee)
	assert.Equal(t, int64(1960), p.NetAmount)

	bal, err := f.ledger.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), bal)
}

func TestRequest_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 5000)

	tests := []struct {
		name string
		req  Request
	}{
		{"below minimum", request(1, 999)},
		{"bad phone", Request{UserID: 1, Amount: 2000, Phone: "0700", Provider: model.ProviderCinetPay}},
		{"unknown provider", Request{UserID: 1, Amount: 2000, Phone: "+22507000001", Provider: "paypal"}},
		{"no user", request(0, 2000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.m.Request(ctx, tt.req)
			require.ErrorIs(t, err, model.ErrValidation)
		})
	}
	assert.Empty(t, f.store.Payouts(1))
}

func TestRequest_OneOpenRequestPerUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 5000)

	first, err := f.m.Request(ctx, request(1, 1000))
	require.NoError(t, err)
	_, err = f.m.Request(ctx, request(1, 1000))
	require.ErrorIs(t, err, model.ErrOpenPayout)

	_, err = f.m.StartProcessing(ctx, first.ID, admin)
	require.NoError(t, err)
	_, err = f.m.Request(ctx, request(1, 1000))
	require.ErrorIs(t, err, model.ErrOpenPayout)

	_, err = f.m.Reject(ctx, first.ID, admin, "wrong number")
	require.NoError(t, err)
	_, err = f.m.Request(ctx, request(1, 1000))
	require.NoError(t, err)
}

func TestApprove_DebitsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 5000)

	p, err := f.m.Request(ctx, request(1, 2000))
	require.NoError(t, err)

	done, err := f.m.Approve(ctx, p.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, model.PayoutCompleted, done.Status)
	require.NotNil(t, done.LedgerEntryID)
	require.NotNil(t, done.ProcessedBy)
	assert.Equal(t, admin, *done.ProcessedBy)

	bal, err := f.ledger.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), bal)

	_, err = f.m.Approve(ctx, p.ID, admin)
	require.ErrorIs(t, err, model.ErrDuplicate)

	entries, err := f.ledger.Entries(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.SourceRef{Kind: model.SourceWithdrawal, ID: p.ID}, entries[0].Source)
	assert.Equal(t, *done.LedgerEntryID, entries[0].ID)
}

func TestApprove_BalanceDroppedKeepsRequestOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 2000)

	p, err := f.m.Request(ctx, request(1, 2000))
	require.NoError(t, err)

	_, err = f.ledger.Debit(ctx, model.Posting{
		UserID:      1,
		Amount:      500,
		Description: "spent meanwhile",
		Source:      model.SourceRef{Kind: model.SourceExternal, ID: 2},
	})
	require.NoError(t, err)

	_, err = f.m.Approve(ctx, p.ID, admin)
	require.ErrorIs(t, err, model.ErrInsufficientBalance)

	got, err := f.m.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PayoutPending, got.Status)
	assert.Nil(t, got.LedgerEntryID)

	bal, err := f.ledger.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), bal)
}

func TestReject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 5000)

	p, err := f.m.Request(ctx, request(1, 2000))
	require.NoError(t, err)

	_, err = f.m.Reject(ctx, p.ID, admin, "  ")
	require.ErrorIs(t, err, model.ErrValidation)

	rejected, err := f.m.Reject(ctx, p.ID, admin, "fraud check")
	require.NoError(t, err)
	assert.Equal(t, model.PayoutRejected, rejected.Status)
	require.NotNil(t, rejected.RejectionReason)
	assert.Equal(t, "fraud check", *rejected.RejectionReason)

	_, err = f.m.Approve(ctx, p.ID, admin)
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	entries, err := f.ledger.Entries(ctx, 1, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestGet_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.Get(context.Background(), 42)
	require.ErrorIs(t, err, model.ErrNotFound)
}
