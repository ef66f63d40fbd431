package infrastructure

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"ledgerpay/internal/config"
	"ledgerpay/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubServer struct {
	startErr error
	stopped  atomic.Bool
}

func (s *stubServer) Start(ctx context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	<-ctx.Done()
	return nil
}

func (s *stubServer) Stop(context.Context) error {
	s.stopped.Store(true)
	return nil
}

func TestApp_StopsAllOnCancel(t *testing.T) {
	a, b := &stubServer{}, &stubServer{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- NewApp([]Server{a, b}).Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("app did not stop")
	}
	assert.True(t, a.stopped.Load())
	assert.True(t, b.stopped.Load())
}

func TestApp_FailingServerStopsOthers(t *testing.T) {
	boom := errors.New("listen failed")
	ok, bad := &stubServer{}, &stubServer{startErr: boom}

	err := NewApp([]Server{ok, bad}).Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.True(t, ok.stopped.Load())
}

func TestRunCleanup_ReverseOrder(t *testing.T) {
	var order []int
	runCleanup([]func(){
		func() { order = append(order, 1) },
		func() { order = append(order, 2) },
	})()
	assert.Equal(t, []int{2, 1}, order)
}

func memoryConfig() *config.Config {
	return &config.Config{
		Storage:           "memory",
		BusProvider:       "none",
		ApiEnabled:        "true",
		ApiPort:           "0",
		Currency:          "XOF",
		RevealPrice:       1000,
		SubscriptionPrice: 2000,
		SubscriptionDays:  30,
		MinWithdrawal:     1000,
		GiftFeePercent:    decimal.NewFromInt(5),
		JWTSecret:         "s",
		ProviderTimeout:   time.Second,
		CinetPayAPIKey:    "key",
		CinetPaySiteID:    "site",
		CinetPaySecretKey: "secret",
	}
}

func TestBootstrap_Memory(t *testing.T) {
	app, cleanup, err := Bootstrap(context.Background(), memoryConfig())
	require.NoError(t, err)
	defer cleanup()

	// http api and reconciler
	assert.Len(t, app.servers, 2)
}

func TestBootstrap_InvalidPolicy(t *testing.T) {
	cfg := memoryConfig()
	cfg.GiftFeePercent = decimal.NewFromInt(150)
	_, _, err := Bootstrap(context.Background(), cfg)
	assert.Error(t, err)
}

func TestAdapters(t *testing.T) {
	cfg := memoryConfig()
	assert.Len(t, adapters(cfg), 1)

	cfg.FedaPaySecretKey = "sk"
	got := adapters(cfg)
	require.Len(t, got, 2)
	assert.Equal(t, model.ProviderFedaPay, got[1].Provider())
}

type recordingDeliverer struct{ refs []string }

func (r *recordingDeliverer) Deliver(_ context.Context, ev model.PaymentCompletedEvent) error {
	r.refs = append(r.refs, ev.Payment.InternalReference)
	return nil
}

func TestRelayEvents(t *testing.T) {
	d := &recordingDeliverer{}
	h := relayEvents(d)

	require.NoError(t, h(context.Background(), model.TopicBalanceChanged, []byte(`{}`)))
	require.NoError(t, h(context.Background(), model.TopicPaymentCompleted,
		[]byte(`{"event_id":"e","payment":{"internal_reference":"GIFT-1"}}`)))
	assert.Error(t, h(context.Background(), model.TopicPaymentCompleted, []byte(`nope`)))
	assert.Equal(t, []string{"GIFT-1"}, d.refs)
}
