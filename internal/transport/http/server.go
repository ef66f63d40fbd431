package http

import (
	"context"
	"net/http"
	"time"

	"ledgerpay/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type Server struct {
	srv *http.Server
}

func NewServer(addr string, h *Handler, auth *Authenticator) *Server {
	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      NewRouter(h, auth),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

func NewRouter(h *Handler, auth *Authenticator) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(25 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())
	// Providers authenticate with their signature, not a bearer token.
	r.Post("/webhooks/{provider}", h.Webhook)

	r.Group(func(pr chi.Router) {
		pr.Use(auth.Middleware)

		pr.Get("/payments/{reference}", h.GetPayment)
		pr.Post("/deposits", h.Deposit)
		pr.Post("/reveals", h.Reveal)
		pr.Post("/gifts", h.Gift)
		pr.Post("/subscriptions", h.Subscribe)

		pr.Get("/wallet", h.GetWallet)
		pr.Get("/wallet/entries", h.ListEntries)

		pr.Post("/withdrawals", h.RequestWithdrawal)
		pr.Get("/withdrawals/{id}", h.GetWithdrawal)

		pr.Group(func(ar chi.Router) {
			ar.Use(RequireAdmin)
			ar.Post("/withdrawals/{id}/processing", h.StartWithdrawal)
			ar.Post("/withdrawals/{id}/approve", h.ApproveWithdrawal)
			ar.Post("/withdrawals/{id}/reject", h.RejectWithdrawal)
		})
	})
	return r
}

func (s *Server) Start(ctx context.Context) error {
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
