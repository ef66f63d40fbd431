// Package gatewaytest provides an in-process gateway.Adapter for tests.
package gatewaytest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"ledgerpay/internal/gateway"
	"ledgerpay/internal/model"
)

// SignatureHeader carries the shared secret verbatim on fake deliveries.
const SignatureHeader = "X-Fake-Signature"

// Fake records charges and answers status checks from a table keyed by
// internal reference. Raw statuses go through the same StatusTable
// normalisation as real adapters.
type Fake struct {
	Name   model.Provider
	Secret string
	Table  gateway.StatusTable

	mu        sync.Mutex
	charges   []gateway.ChargeSpec
	initErr   error
	onInit    func()
	statuses  map[string]string
	statusErr error
	checks    int
}

func New(name model.Provider) *Fake {
	return &Fake{
		Name: name,
		Table: gateway.StatusTable{
			Provider:  name,
			Completed: []string{"ACCEPTED"},
			Failed:    []string{"REFUSED"},
			Cancelled: []string{"CANCELLED"},
			Refunded:  []string{"REFUNDED"},
			Pending:   []string{"PENDING"},
		},
		statuses: make(map[string]string),
	}
}

func (f *Fake) Provider() model.Provider { return f.Name }

// FailInit makes every following InitializeCharge return err.
func (f *Fake) FailInit(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initErr = err
}

// OnInitialize runs fn after each successful InitializeCharge.
func (f *Fake) OnInitialize(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onInit = fn
}

// SetStatus makes CheckStatus report raw for ref.
func (f *Fake) SetStatus(ref, raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[ref] = raw
}

// FailStatus makes every following CheckStatus return err.
func (f *Fake) FailStatus(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusErr = err
}

func (f *Fake) Charges() []gateway.ChargeSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.ChargeSpec(nil), f.charges...)
}

func (f *Fake) Checks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks
}

func (f *Fake) InitializeCharge(ctx context.Context, spec gateway.ChargeSpec) (*gateway.Charge, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%v: %w", err, model.ErrProviderUnavailable)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return nil, f.initErr
	}
	f.charges = append(f.charges, spec)
	if f.onInit != nil {
		f.onInit()
	}
	return &gateway.Charge{
		ProviderRef: fmt.Sprintf("%s-%d", f.Name, len(f.charges)),
		PayLink:     "https://pay.example/" + spec.Reference,
	}, nil
}

func (f *Fake) CheckStatus(_ context.Context, l gateway.Lookup) (*gateway.StatusResult, error) {
	f.mu.Lock()
	f.checks++
	err := f.statusErr
	raw, ok := f.statuses[l.Reference]
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, gateway.ErrChargeNotFound
	}
	return &gateway.StatusResult{Status: f.Table.Normalize(raw), Raw: raw}, nil
}

func (f *Fake) VerifyWebhook(header http.Header, _ []byte) (ok, verified bool) {
	if f.Secret == "" {
		return true, false
	}
	return header.Get(SignatureHeader) == f.Secret, true
}

// Event is the fake webhook payload.
type Event struct {
	ID          string `json:"id"`
	Reference   string `json:"reference"`
	ProviderRef string `json:"provider_ref,omitempty"`
	Status      string `json:"status,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (e Event) Body() []byte {
	b, _ := json.Marshal(e)
	return b
}

func (f *Fake) ParseWebhook(_ http.Header, body []byte) (*gateway.Notification, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, model.Invalid("body", "not a json payload")
	}
	if ev.Reference == "" {
		return nil, model.Invalid("reference", "required")
	}
	key := ev.ID
	if key == "" {
		key = string(body)
	}
	n := &gateway.Notification{Reference: ev.Reference, ProviderRef: ev.ProviderRef, EventKey: key, Reason: ev.Reason}
	if ev.Status != "" {
		n.Raw = ev.Status
		n.Status = f.Table.Normalize(ev.Status)
	}
	return n, nil
}
