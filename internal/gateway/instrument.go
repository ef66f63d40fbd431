package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"ledgerpay/internal/metrics"
	"ledgerpay/internal/model"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("ledgerpay/gateway")

// observe opens a span and returns a func that closes it and records the
// call duration.
func observe(ctx context.Context, provider model.Provider, op string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, string(provider)+"."+op, trace.WithAttributes(
		attribute.String("provider", string(provider)),
	))
	return ctx, func(err error) {
		outcome := "ok"
		switch {
		case err == nil:
		case errors.Is(err, model.ErrProviderUnavailable):
			outcome = "unavailable"
		case errors.Is(err, ErrChargeNotFound):
			outcome = "not_found"
		default:
			outcome = "error"
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("outcome", outcome))
		span.End()
		metrics.ProviderCallDuration.WithLabelValues(string(provider), op, outcome).Observe(time.Since(start).Seconds())
	}
}

func newClient(baseURL string, timeout time.Duration) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
}

// transportErr classifies a resty call. Network errors and 5xx are
// retryable; other non-2xx responses are provider rejections.
func transportErr(provider model.Provider, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %v: %w", provider, err, model.ErrProviderUnavailable)
	}
	if resp.StatusCode() >= 500 || resp.StatusCode() == 429 {
		return fmt.Errorf("%s: http %d: %w", provider, resp.StatusCode(), model.ErrProviderUnavailable)
	}
	if resp.IsError() {
		return &model.RejectedError{Provider: provider, Reason: fmt.Sprintf("http %d: %s", resp.StatusCode(), truncate(resp.String(), 200))}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// bodyKey derives a stable delivery key from the raw payload.
func bodyKey(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
