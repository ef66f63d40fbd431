// Package gateway adapts mobile-money aggregators to one interface. Business
// code never branches on the provider name; it asks the Registry.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"ledgerpay/internal/model"
)

// ErrChargeNotFound means the provider has no record of the charge yet.
// Callers treat it as still pending.
var ErrChargeNotFound = errors.New("charge not found at provider")

type ChargeSpec struct {
	Reference     string
	Amount        int64
	Currency      string
	Description   string
	CustomerID    int64
	CustomerPhone string
	NotifyURL     string
	ReturnURL     string
}

type Charge struct {
	ProviderRef string
	PayLink     string
}

// Lookup identifies a charge. Providers key status checks differently:
// some by our reference, some by their own id.
type Lookup struct {
	Reference   string
	ProviderRef string
}

type StatusResult struct {
	Status model.PaymentStatus
	Raw    string
	Reason string
}

// Notification is a parsed webhook.
type Notification struct {
	Reference   string
	ProviderRef string
	// EventKey identifies the delivery; replays carry the same key.
	EventKey string
	// Status is set when the payload itself carries a status. When it is
	// empty the caller polls CheckStatus.
	Status model.PaymentStatus
	Raw    string
	Reason string
}

type Adapter interface {
	Provider() model.Provider
	// InitializeCharge returns model.ErrProviderUnavailable on network
	// failure and a *model.RejectedError when the provider refuses.
	InitializeCharge(ctx context.Context, spec ChargeSpec) (*Charge, error)
	// CheckStatus returns ErrChargeNotFound, model.ErrProviderUnavailable or
	// a *model.RejectedError for the three failure cases.
	CheckStatus(ctx context.Context, l Lookup) (*StatusResult, error)
	// VerifyWebhook reports whether the delivery is authentic. Verified is
	// false with ok true when no secret is configured.
	VerifyWebhook(header http.Header, body []byte) (ok, verified bool)
	ParseWebhook(header http.Header, body []byte) (*Notification, error)
}

type Registry struct {
	adapters map[model.Provider]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Provider()] = a
	}
	return r
}

func (r *Registry) Get(p model.Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, model.Invalid("provider", fmt.Sprintf("%s is not configured", p))
	}
	return a, nil
}

func (r *Registry) Providers() []model.Provider {
	out := make([]model.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	return out
}
