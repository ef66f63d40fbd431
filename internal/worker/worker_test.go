package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"ledgerpay/internal/gateway"
	"ledgerpay/internal/gateway/gatewaytest"
	"ledgerpay/internal/ledger"
	"ledgerpay/internal/model"
	"ledgerpay/internal/payment"
	"ledgerpay/internal/repository/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconciler_RunOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	fake := gatewaytest.New(model.ProviderCinetPay)
	pm := payment.NewManager(store, gateway.NewRegistry(fake), ledger.NewManager(store, nil, nil), nil, payment.Config{Currency: "XOF"})

	orphan, err := pm.Create(ctx, payment.Request{UserID: 1, Provider: model.ProviderCinetPay, Amount: 100, Meta: model.DepositMeta{}})
	require.NoError(t, err)
	paid, err := pm.Open(ctx, payment.Request{UserID: 1, Provider: model.ProviderCinetPay, Amount: 100, Meta: model.DepositMeta{}})
	require.NoError(t, err)
	waiting, err := pm.Open(ctx, payment.Request{UserID: 2, Provider: model.ProviderCinetPay, Amount: 100, Meta: model.DepositMeta{}})
	require.NoError(t, err)
	fake.SetStatus(paid.InternalReference, "ACCEPTED")
	fake.SetStatus(waiting.InternalReference, "PENDING")

	r := NewReconciler(pm, ReconcilerConfig{OrphanTTL: time.Minute, StaleAfter: time.Minute})
	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	r.RunOnce(ctx)

	_, err = pm.Get(ctx, orphan.InternalReference)
	require.ErrorIs(t, err, model.ErrNotFound)

	got, err := pm.Get(ctx, paid.InternalReference)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)

	got, err = pm.Get(ctx, waiting.InternalReference)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, got.Status)
}

func TestReconciler_LeavesFreshAttempts(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	fake := gatewaytest.New(model.ProviderCinetPay)
	pm := payment.NewManager(store, gateway.NewRegistry(fake), ledger.NewManager(store, nil, nil), nil, payment.Config{Currency: "XOF"})

	pending, err := pm.Create(ctx, payment.Request{UserID: 1, Provider: model.ProviderCinetPay, Amount: 100, Meta: model.DepositMeta{}})
	require.NoError(t, err)

	NewReconciler(pm, ReconcilerConfig{}).RunOnce(ctx)

	_, err = pm.Get(ctx, pending.InternalReference)
	require.NoError(t, err)
	assert.Zero(t, fake.Checks())
}

func TestReconciler_AdvancesPastUnresolvedBacklog(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	fake := gatewaytest.New(model.ProviderCinetPay)
	pm := payment.NewManager(store, gateway.NewRegistry(fake), ledger.NewManager(store, nil, nil), nil, payment.Config{Currency: "XOF"})

	for i := 0; i < 3; i++ {
		p, err := pm.Open(ctx, payment.Request{UserID: 1, Provider: model.ProviderCinetPay, Amount: 100, Meta: model.DepositMeta{}})
		require.NoError(t, err)
		fake.SetStatus(p.InternalReference, "PENDING")
	}
	paid, err := pm.Open(ctx, payment.Request{UserID: 2, Provider: model.ProviderCinetPay, Amount: 100, Meta: model.DepositMeta{}})
	require.NoError(t, err)
	fake.SetStatus(paid.InternalReference, "ACCEPTED")

	r := NewReconciler(pm, ReconcilerConfig{StaleAfter: time.Minute, BatchSize: 3})
	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	r.RunOnce(ctx)
	r.RunOnce(ctx)

	got, err := pm.Get(ctx, paid.InternalReference)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.LessOrEqual(t, fake.Checks(), 6)
}

func TestReconciler_ExpiresOldProcessingAttempts(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	fake := gatewaytest.New(model.ProviderCinetPay)
	pm := payment.NewManager(store, gateway.NewRegistry(fake), ledger.NewManager(store, nil, nil), nil, payment.Config{Currency: "XOF"})

	stuck, err := pm.Open(ctx, payment.Request{UserID: 1, Provider: model.ProviderCinetPay, Amount: 100, Meta: model.DepositMeta{}})
	require.NoError(t, err)
	fake.SetStatus(stuck.InternalReference, "PENDING")

	r := NewReconciler(pm, ReconcilerConfig{StaleAfter: time.Minute, ProcessingTTL: 30 * time.Minute})
	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	r.RunOnce(ctx)

	got, err := pm.Get(ctx, stuck.InternalReference)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.Equal(t, 1, fake.Checks())

	// terminal attempts drop out of the stale set
	r.RunOnce(ctx)
	assert.Equal(t, 1, fake.Checks())
}

type recordingDeliverer struct {
	events []model.PaymentCompletedEvent
	err    error
}

func (d *recordingDeliverer) Deliver(_ context.Context, ev model.PaymentCompletedEvent) error {
	d.events = append(d.events, ev)
	return d.err
}

func TestCompletionRelay_Handle(t *testing.T) {
	d := &recordingDeliverer{}
	relay := NewCompletionRelay(nil, d)

	data, err := json.Marshal(model.PaymentCompletedEvent{EventID: "e1", Payment: model.PaymentAttempt{InternalReference: "PREM-1"}})
	require.NoError(t, err)
	relay.handle(context.Background(), data)
	relay.handle(context.Background(), []byte("{broken"))

	require.Len(t, d.events, 1)
	assert.Equal(t, "PREM-1", d.events[0].Payment.InternalReference)

	d.err = errors.New("collaborator down")
	assert.NotPanics(t, func() { relay.handle(context.Background(), data) })
}
