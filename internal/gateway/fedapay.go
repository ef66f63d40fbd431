package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ledgerpay/internal/model"

	"github.com/go-resty/resty/v2"
)

const fedaPaySignatureHeader = "X-Fedapay-Signature"

type FedaPayConfig struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
}

type FedaPay struct {
	cfg    FedaPayConfig
	client *resty.Client
}

func NewFedaPay(cfg FedaPayConfig) *FedaPay {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.fedapay.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.WebhookSecret == "" {
		slog.Warn("gateway: fedapay webhook secret not configured, webhook signatures will not be verified")
	}
	client := newClient(cfg.BaseURL, cfg.Timeout).SetAuthToken(cfg.SecretKey)
	return &FedaPay{cfg: cfg, client: client}
}

func (f *FedaPay) Provider() model.Provider { return model.ProviderFedaPay }

type fedaPayTransaction struct {
	ID                int64  `json:"id"`
	Reference         string `json:"reference"`
	Status            string `json:"status"`
	MerchantReference string `json:"merchant_reference"`
	LastErrorCode     string `json:"last_error_code"`
}

type fedaPayTransactionEnvelope struct {
	Transaction fedaPayTransaction `json:"v1/transaction"`
	Message     string             `json:"message"`
}

type fedaPayToken struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

// InitializeCharge creates the transaction, then requests its checkout token.
func (f *FedaPay) InitializeCharge(ctx context.Context, spec ChargeSpec) (ch *Charge, err error) {
	ctx, done := observe(ctx, f.Provider(), "initialize")
	defer func() { done(err) }()

	var created fedaPayTransactionEnvelope
	resp, err := f.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"description":        spec.Description,
			"amount":             spec.Amount,
			"currency":           map[string]string{"iso": spec.Currency},
			"callback_url":       spec.ReturnURL,
			"merchant_reference": spec.Reference,
			"custom_metadata":    map[string]string{"reference": spec.Reference},
		}).
		SetResult(&created).
		Post("/v1/transactions")
	if err := transportErr(f.Provider(), resp, err); err != nil {
		return nil, err
	}
	if created.Transaction.ID == 0 {
		return nil, &model.RejectedError{Provider: f.Provider(), Reason: "no transaction id in response: " + created.Message}
	}

	var tok fedaPayToken
	resp, err = f.client.R().
		SetContext(ctx).
		SetResult(&tok).
		Post(fmt.Sprintf("/v1/transactions/%d/token", created.Transaction.ID))
	if err := transportErr(f.Provider(), resp, err); err != nil {
		return nil, err
	}
	if tok.URL == "" {
		return nil, &model.RejectedError{Provider: f.Provider(), Reason: "no checkout url issued"}
	}
	return &Charge{ProviderRef: strconv.FormatInt(created.Transaction.ID, 10), PayLink: tok.URL}, nil
}

// CheckStatus queries by FedaPay's transaction id.
func (f *FedaPay) CheckStatus(ctx context.Context, l Lookup) (res *StatusResult, err error) {
	ctx, done := observe(ctx, f.Provider(), "check")
	defer func() { done(err) }()

	if l.ProviderRef == "" {
		return nil, ErrChargeNotFound
	}
	var out fedaPayTransactionEnvelope
	resp, err := f.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v1/transactions/" + l.ProviderRef)
	if resp != nil && resp.StatusCode() == http.StatusNotFound {
		return nil, ErrChargeNotFound
	}
	if err := transportErr(f.Provider(), resp, err); err != nil {
		return nil, err
	}
	return &StatusResult{
		Status: fedaPayStatuses.Normalize(out.Transaction.Status),
		Raw:    out.Transaction.Status,
		Reason: out.Transaction.LastErrorCode,
	}, nil
}

// VerifyWebhook checks "t=<unix>,s=<hex>" where s is HMAC-SHA256 of "t.body".
func (f *FedaPay) VerifyWebhook(header http.Header, body []byte) (ok, verified bool) {
	if f.cfg.WebhookSecret == "" {
		slog.Warn("webhook: fedapay event accepted without signature verification")
		return true, false
	}
	var ts, sig string
	for _, part := range strings.Split(header.Get(fedaPaySignatureHeader), ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "s":
			sig = v
		}
	}
	if ts == "" || sig == "" {
		return false, false
	}
	want := f.Sign(ts, body)
	return hmac.Equal([]byte(want), []byte(strings.ToLower(sig))), true
}

func (f *FedaPay) Sign(ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(f.cfg.WebhookSecret))
	mac.Write([]byte(ts + "."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type fedaPayEvent struct {
	ID     json.RawMessage    `json:"id"`
	Name   string             `json:"name"`
	Entity fedaPayTransaction `json:"entity"`
}

func (f *FedaPay) ParseWebhook(_ http.Header, body []byte) (*Notification, error) {
	var ev fedaPayEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, model.Invalid("body", "not a json payload")
	}
	ref := strings.TrimSpace(ev.Entity.MerchantReference)
	if ref == "" {
		return nil, model.Invalid("entity.merchant_reference", "required")
	}
	if ev.Entity.ID == 0 {
		return nil, model.Invalid("entity.id", "required")
	}
	key := strings.Trim(string(ev.ID), `"`)
	if key == "" || key == "null" {
		key = bodyKey(body)
	}
	n := &Notification{
		Reference:   ref,
		ProviderRef: strconv.FormatInt(ev.Entity.ID, 10),
		EventKey:    key,
		Reason:      ev.Entity.LastErrorCode,
	}
	if ev.Entity.Status != "" {
		n.Raw = ev.Entity.Status
		n.Status = fedaPayStatuses.Normalize(ev.Entity.Status)
	}
	return n, nil
}
