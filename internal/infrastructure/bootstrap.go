package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"ledgerpay/internal/config"
	"ledgerpay/internal/gateway"
	"ledgerpay/internal/ledger"
	"ledgerpay/internal/model"
	"ledgerpay/internal/notify"
	"ledgerpay/internal/payment"
	"ledgerpay/internal/policy"
	"ledgerpay/internal/repository"
	"ledgerpay/internal/repository/memory"
	"ledgerpay/internal/service"
	"ledgerpay/internal/unlock"
	"ledgerpay/internal/webhook"
	"ledgerpay/internal/withdrawal"
	"ledgerpay/internal/worker"

	transportGRPC "ledgerpay/internal/transport/grpc"
	transportHTTP "ledgerpay/internal/transport/http"
	transportKafka "ledgerpay/internal/transport/kafka"
	transportNATS "ledgerpay/internal/transport/nats"

	"github.com/nats-io/nats.go"
)

// Bootstrap initialises all dependencies from cfg and wires up the application.
// Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context, cfg *config.Config) (*App, func(), error) {
	var cleanupFns []func()
	fail := func(err error) (*App, func(), error) {
		runCleanup(cleanupFns)()
		return nil, nil, err
	}

	if cfg.OtelEndpoint != "" {
		shutdown, err := initTracer(ctx, cfg.OtelEndpoint)
		if err != nil {
			return fail(err)
		}
		cleanupFns = append(cleanupFns, func() {
			if err := shutdown(context.Background()); err != nil {
				slog.Error("telemetry: shutdown failed", "error", err)
			}
		})
	}

	// ── Storage ────────────────────────────────────────────────────────────────
	var store repository.Store
	switch cfg.Storage {
	case "postgres":
		db, err := connectPostgres(ctx, cfg.DSN())
		if err != nil {
			return fail(err)
		}
		cleanupFns = append(cleanupFns, db.Close)
		store = repository.NewPostgresStore(db)
	default:
		slog.Warn("bootstrap: using in-memory storage, data is lost on restart")
		store = memory.New()
	}

	var cache repository.Cache = repository.NopCache{}
	if addr := cfg.RedisAddr(); addr != "" {
		rdb, err := connectRedis(ctx, addr)
		if err != nil {
			return fail(err)
		}
		cleanupFns = append(cleanupFns, func() { _ = rdb.Close() })
		cache = repository.NewRedisCache(rdb)
	}

	// ── Bus ────────────────────────────────────────────────────────────────────
	var (
		bus repository.MessageBus
		nc  *nats.Conn
	)
	switch cfg.BusProvider {
	case "nats":
		conn, err := connectNats(cfg.NatsAddr())
		if err != nil {
			return fail(err)
		}
		nc = conn
		cleanupFns = append(cleanupFns, nc.Close)
		bus = transportNATS.NewBus(nc)
	case "kafka":
		kb := transportKafka.NewBus(cfg.KafkaBrokers)
		cleanupFns = append(cleanupFns, func() { _ = kb.Close() })
		bus = kb
	case "grpc":
		gb, cleanup, err := transportGRPC.NewGrpcBusFromAddr(cfg.GRPCAddr())
		if err != nil {
			return fail(err)
		}
		cleanupFns = append(cleanupFns, cleanup)
		bus = gb
	default:
		bus = repository.NopBus{}
	}

	// ── Core ───────────────────────────────────────────────────────────────────
	pp, err := policy.NewStatic(policy.Settings{
		Currency:                cfg.Currency,
		RevealMessagePrice:      cfg.RevealPrice,
		RevealConversationPrice: cfg.RevealConversationPrice,
		RevealStoryPrice:        cfg.RevealStoryPrice,
		GiftFeePercent:          cfg.GiftFeePercent,
		SubscriptionPrice:       cfg.SubscriptionPrice,
		SubscriptionPeriod:      cfg.SubscriptionPeriod(),
		MinWithdrawal:           cfg.MinWithdrawal,
		WithdrawalFeePercent:    cfg.WithdrawalFeePercent,
	})
	if err != nil {
		return fail(fmt.Errorf("policy: %w", err))
	}

	publisher := notify.NewPublisher(bus)
	collaborators := notify.NewCollaborators(cfg.CollaboratorURLs, cfg.ProviderTimeout)

	// With NATS the relay worker delivers completions; otherwise they are
	// delivered in-process.
	listeners := notify.Fanout{publisher}
	if nc == nil {
		listeners = append(listeners, collaborators)
	}

	registry := gateway.NewRegistry(adapters(cfg)...)
	if len(registry.Providers()) == 0 {
		slog.Warn("bootstrap: no payment provider configured, provider-backed purchases will fail")
	}

	ledgerManager := ledger.NewManager(store, cache, publisher)
	payments := payment.NewManager(store, registry, ledgerManager, listeners, payment.Config{
		Currency:        cfg.Currency,
		Timeout:         cfg.ProviderTimeout,
		CallbackBaseURL: cfg.CallbackBaseURL,
	})
	engine := unlock.NewEngine(store, ledgerManager, payments, pp, nil)
	withdrawals := withdrawal.NewManager(store, ledgerManager, pp)
	dispatcher := webhook.NewDispatcher(store, registry, payments, cache)

	var svc service.LedgerService = ledgerManager

	// ── Servers ────────────────────────────────────────────────────────────────
	var servers []Server

	if addr, apiErr := cfg.ApiAddr(); apiErr == nil {
		h := transportHTTP.NewHandler(svc, payments, engine, withdrawals, dispatcher)
		servers = append(servers, transportHTTP.NewServer(addr, h, transportHTTP.NewAuthenticator(cfg.JWTSecret)))
	} else {
		slog.Info("bootstrap: http api disabled", "reason", apiErr)
	}

	if addr := cfg.GRPCListenAddr(); addr != "" {
		gs := transportGRPC.NewServer(addr, svc)
		gs.ServeEvents(relayEvents(collaborators))
		servers = append(servers, gs)
	}

	if nc != nil {
		servers = append(servers,
			transportNATS.NewHandler(svc, nc),
			worker.NewCompletionRelay(nc, collaborators),
		)
	}

	servers = append(servers, worker.NewReconciler(payments, worker.ReconcilerConfig{
		Interval:      cfg.ReconcileInterval,
		OrphanTTL:     cfg.OrphanTTL,
		StaleAfter:    cfg.StaleAfter,
		ProcessingTTL: cfg.ProcessingTTL,
	}))

	slog.Info("bootstrap: ready",
		"storage", cfg.Storage,
		"bus", cfg.BusProvider,
		"providers", registry.Providers(),
		"servers", len(servers),
	)
	return NewApp(servers), runCleanup(cleanupFns), nil
}

// adapters builds a gateway for every provider with credentials.
func adapters(cfg *config.Config) []gateway.Adapter {
	var out []gateway.Adapter
	if cfg.CinetPayAPIKey != "" {
		out = append(out, gateway.NewCinetPay(gateway.CinetPayConfig{
			BaseURL:   cfg.CinetPayBaseURL,
			APIKey:    cfg.CinetPayAPIKey,
			SiteID:    cfg.CinetPaySiteID,
			SecretKey: cfg.CinetPaySecretKey,
			Timeout:   cfg.ProviderTimeout,
		}))
	}
	if cfg.FedaPaySecretKey != "" {
		out = append(out, gateway.NewFedaPay(gateway.FedaPayConfig{
			BaseURL:       cfg.FedaPayBaseURL,
			SecretKey:     cfg.FedaPaySecretKey,
			WebhookSecret: cfg.FedaPayWebhookKey,
			Timeout:       cfg.ProviderTimeout,
		}))
	}
	return out
}

// relayEvents lets a peer publishing over the gRPC bus reach the
// collaborators through this instance.
func relayEvents(target worker.Deliverer) transportGRPC.EventHandler {
	return func(ctx context.Context, topic string, payload []byte) error {
		if topic != model.TopicPaymentCompleted {
			return nil
		}
		var ev model.PaymentCompletedEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("decode %s: %w", topic, err)
		}
		return target.Deliver(ctx, ev)
	}
}

// runCleanup returns a single function that calls all cleanup functions in reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
