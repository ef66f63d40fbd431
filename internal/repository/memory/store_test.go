package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"ledgerpay/internal/model"
	"ledgerpay/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		bal, err := tx.LockAccount(ctx, 1)
		require.NoError(t, err)
		e, err := model.NextEntry(bal, model.Credit, model.Posting{
			UserID: 1, Amount: 500, Source: model.SourceRef{Kind: model.SourceDeposit, ID: 1},
		})
		require.NoError(t, err)
		require.NoError(t, tx.AppendEntry(ctx, &e))
		return boom
	})
	require.ErrorIs(t, err, boom)

	bal, err := s.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, bal)
	entries, err := s.ListEntries(ctx, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWithTx_CommitsEntryAndBalanceTogether(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		bal, _ := tx.LockAccount(ctx, 7)
		e, err := model.NextEntry(bal, model.Credit, model.Posting{
			UserID: 7, Amount: 1200, Source: model.SourceRef{Kind: model.SourceDeposit, ID: 3},
		})
		if err != nil {
			return err
		}
		return tx.AppendEntry(ctx, &e)
	})
	require.NoError(t, err)

	bal, _ := s.Balance(ctx, 7)
	assert.Equal(t, int64(1200), bal)
	entries, _ := s.ListEntries(ctx, 7, 10)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1200), entries[0].BalanceAfter)
}

func TestInsertGrant_Duplicate(t *testing.T) {
	ctx := context.Background()
	s := New()
	g := model.FeatureGrant{SubjectUserID: 1, TargetID: 9, Kind: model.GrantRevealMessage, Amount: 100}

	err := s.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		first := g
		require.NoError(t, tx.InsertGrant(ctx, &first))
		second := g
		err := tx.InsertGrant(ctx, &second)
		assert.ErrorIs(t, err, model.ErrDuplicate)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, s.Grants(1), 1)
}

func TestRecordWebhook_DedupesByProviderAndKey(t *testing.T) {
	ctx := context.Background()
	s := New()

	ev := &repository.WebhookEvent{Provider: model.ProviderCinetPay, EventKey: "abc", Payload: []byte("x")}
	fresh, err := s.RecordWebhook(ctx, ev)
	require.NoError(t, err)
	assert.True(t, fresh)

	again := &repository.WebhookEvent{Provider: model.ProviderCinetPay, EventKey: "abc"}
	fresh, err = s.RecordWebhook(ctx, again)
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, ev.ID, again.ID)

	other := &repository.WebhookEvent{Provider: model.ProviderFedaPay, EventKey: "abc"}
	fresh, _ = s.RecordWebhook(ctx, other)
	assert.True(t, fresh)

	require.NoError(t, s.FinishWebhook(ctx, ev.ID, errors.New("settle failed")))
	journal := s.Webhooks()
	require.Len(t, journal, 2)
	require.NotNil(t, journal[0].Error)
	assert.Equal(t, "settle failed", *journal[0].Error)
}

func TestDeleteStalePending(t *testing.T) {
	ctx := context.Background()
	s := New()
	ref := "PAY-1"
	providerRef := "tok"

	err := s.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if err := tx.InsertPayment(ctx, &model.PaymentAttempt{
			UserID: 1, Purpose: model.PurposeDeposit, Status: model.StatusPending,
			InternalReference: ref, Meta: model.DepositMeta{},
		}); err != nil {
			return err
		}
		return tx.InsertPayment(ctx, &model.PaymentAttempt{
			UserID: 1, Purpose: model.PurposeDeposit, Status: model.StatusPending,
			InternalReference: "PAY-2", ProviderReference: &providerRef, Meta: model.DepositMeta{},
		})
	})
	require.NoError(t, err)

	n, err := s.DeleteStalePending(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.PaymentByReference(ctx, ref)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.PaymentByReference(ctx, "PAY-2")
	assert.NoError(t, err)
}
