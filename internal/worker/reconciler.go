package worker

import (
	"context"
	"log/slog"
	"time"

	"ledgerpay/internal/metrics"
	"ledgerpay/internal/model"
)

// Payments is the part of the payment manager the reconciler drives.
type Payments interface {
	PurgeOrphans(ctx context.Context, cutoff time.Time) (int64, error)
	Stale(ctx context.Context, cutoff time.Time, limit int) ([]model.PaymentAttempt, error)
	Refresh(ctx context.Context, ref string) (*model.PaymentAttempt, error)
	Expire(ctx context.Context, ref string) (*model.PaymentAttempt, error)
}

type ReconcilerConfig struct {
	Interval time.Duration
	// OrphanTTL is how long a pending attempt without a provider charge
	// may live.
	OrphanTTL time.Duration
	// StaleAfter is how long a processing attempt waits for a webhook
	// before the provider is polled.
	StaleAfter time.Duration
	// ProcessingTTL is the age at which an unresolved processing attempt
	// is cancelled.
	ProcessingTTL time.Duration
	BatchSize     int
}

// Reconciler garbage-collects orphaned attempts and polls providers for
// attempts whose webhook never arrived.
type Reconciler struct {
	payments Payments
	cfg      ReconcilerConfig
	now      func() time.Time
}

func NewReconciler(payments Payments, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.OrphanTTL <= 0 {
		cfg.OrphanTTL = 30 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.ProcessingTTL <= 0 {
		cfg.ProcessingTTL = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reconciler{payments: payments, cfg: cfg, now: time.Now}
}

func (r *Reconciler) Start(ctx context.Context) error {
	slog.Info("worker: reconciler is running", "interval", r.cfg.Interval)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

func (r *Reconciler) Stop(ctx context.Context) error {
	return nil
}

// RunOnce performs one reconciliation pass. Errors are logged; the next
// tick retries.
func (r *Reconciler) RunOnce(ctx context.Context) {
	now := r.now()

	purged, err := r.payments.PurgeOrphans(ctx, now.Add(-r.cfg.OrphanTTL))
	if err != nil {
		slog.Error("worker: purge orphans failed", "error", err)
	} else if purged > 0 {
		metrics.ReconcileRuns.WithLabelValues("purged").Add(float64(purged))
		slog.Info("worker: orphaned attempts purged", "count", purged)
	}

	stale, err := r.payments.Stale(ctx, now.Add(-r.cfg.StaleAfter), r.cfg.BatchSize)
	if err != nil {
		slog.Error("worker: list stale attempts failed", "error", err)
		return
	}
	for _, p := range stale {
		if ctx.Err() != nil {
			return
		}
		got, err := r.payments.Refresh(ctx, p.InternalReference)
		if err != nil {
			metrics.ReconcileRuns.WithLabelValues("error").Inc()
			slog.Error("worker: refresh failed", "reference", p.InternalReference, "error", err)
			continue
		}
		action := "unchanged"
		switch {
		case got.Status != p.Status:
			action = "resolved"
		case p.CreatedAt.Before(now.Add(-r.cfg.ProcessingTTL)):
			if _, err := r.payments.Expire(ctx, p.InternalReference); err != nil {
				action = "error"
				slog.Error("worker: expire failed", "reference", p.InternalReference, "error", err)
			} else {
				action = "expired"
			}
		}
		metrics.ReconcileRuns.WithLabelValues(action).Inc()
	}
}
