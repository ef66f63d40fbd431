package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ledgerpay/internal/model"

	"github.com/go-resty/resty/v2"
)

// cinetPaySignedFields is the order in which notification fields are
// concatenated before signing.
var cinetPaySignedFields = []string{
	"cpm_site_id",
	"cpm_trans_id",
	"cpm_trans_date",
	"cpm_amount",
	"cpm_currency",
	"signature",
	"payment_method",
	"cel_phone_num",
	"cpm_phone_prefixe",
	"cpm_language",
	"cpm_version",
	"cpm_payment_config",
	"cpm_page_action",
	"cpm_custom",
	"cpm_designation",
	"cpm_error_message",
}

const cinetPayTokenHeader = "X-Token"

type CinetPayConfig struct {
	BaseURL   string
	APIKey    string
	SiteID    string
	SecretKey string
	Timeout   time.Duration
}

type CinetPay struct {
	cfg    CinetPayConfig
	client *resty.Client
}

func NewCinetPay(cfg CinetPayConfig) *CinetPay {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api-checkout.cinetpay.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.SecretKey == "" {
		slog.Warn("gateway: cinetpay secret key not configured, webhook signatures will not be verified")
	}
	return &CinetPay{cfg: cfg, client: newClient(cfg.BaseURL, cfg.Timeout)}
}

func (c *CinetPay) Provider() model.Provider { return model.ProviderCinetPay }

type cinetPayEnvelope struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Description string `json:"description"`
	Data        struct {
		PaymentToken string `json:"payment_token"`
		PaymentURL   string `json:"payment_url"`
		Status       string `json:"status"`
	} `json:"data"`
}

func (c *CinetPay) InitializeCharge(ctx context.Context, spec ChargeSpec) (ch *Charge, err error) {
	ctx, done := observe(ctx, c.Provider(), "initialize")
	defer func() { done(err) }()

	var out cinetPayEnvelope
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"apikey":                c.cfg.APIKey,
			"site_id":               c.cfg.SiteID,
			"transaction_id":        spec.Reference,
			"amount":                spec.Amount,
			"currency":              spec.Currency,
			"description":           spec.Description,
			"notify_url":            spec.NotifyURL,
			"return_url":            spec.ReturnURL,
			"channels":              "ALL",
			"customer_id":           fmt.Sprint(spec.CustomerID),
			"customer_phone_number": spec.CustomerPhone,
		}).
		SetResult(&out).
		SetError(&out).
		Post("/v2/payment")
	if err := transportErr(c.Provider(), resp, err); err != nil {
		return nil, err
	}
	if out.Code != "201" || out.Data.PaymentURL == "" {
		return nil, &model.RejectedError{Provider: c.Provider(), Reason: strings.TrimSpace(out.Message + " " + out.Description)}
	}
	return &Charge{ProviderRef: out.Data.PaymentToken, PayLink: out.Data.PaymentURL}, nil
}

// CheckStatus queries by our reference, which CinetPay stores as transaction_id.
func (c *CinetPay) CheckStatus(ctx context.Context, l Lookup) (res *StatusResult, err error) {
	ctx, done := observe(ctx, c.Provider(), "check")
	defer func() { done(err) }()

	var out cinetPayEnvelope
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"apikey":         c.cfg.APIKey,
			"site_id":        c.cfg.SiteID,
			"transaction_id": l.Reference,
		}).
		SetResult(&out).
		SetError(&out).
		Post("/v2/payment/check")
	if resp != nil && resp.StatusCode() == http.StatusNotFound {
		return nil, ErrChargeNotFound
	}
	if err := transportErr(c.Provider(), resp, err); err != nil {
		return nil, err
	}
	if out.Data.Status != "" {
		return &StatusResult{
			Status: cinetPayStatuses.Normalize(out.Data.Status),
			Raw:    out.Data.Status,
			Reason: out.Message,
		}, nil
	}
	if out.Code == "627" || strings.Contains(strings.ToUpper(out.Message), "NOT_FOUND") {
		return nil, ErrChargeNotFound
	}
	return nil, &model.RejectedError{Provider: c.Provider(), Reason: strings.TrimSpace(out.Code + " " + out.Message)}
}

func (c *CinetPay) VerifyWebhook(header http.Header, body []byte) (ok, verified bool) {
	if c.cfg.SecretKey == "" {
		slog.Warn("webhook: cinetpay notification accepted without signature verification")
		return true, false
	}
	token := strings.TrimSpace(header.Get(cinetPayTokenHeader))
	if token == "" {
		return false, false
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return false, false
	}
	want := c.Sign(form)
	return hmac.Equal([]byte(want), []byte(strings.ToLower(token))), true
}

// Sign computes the hex HMAC-SHA256 token CinetPay sends for form.
func (c *CinetPay) Sign(form url.Values) string {
	var b strings.Builder
	for _, f := range cinetPaySignedFields {
		b.WriteString(form.Get(f))
	}
	mac := hmac.New(sha256.New, []byte(c.cfg.SecretKey))
	mac.Write([]byte(b.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *CinetPay) ParseWebhook(_ http.Header, body []byte) (*Notification, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, model.Invalid("body", "not a form payload")
	}
	ref := strings.TrimSpace(form.Get("cpm_trans_id"))
	if ref == "" {
		return nil, model.Invalid("cpm_trans_id", "required")
	}
	site := form.Get("cpm_site_id")
	if site == "" {
		return nil, model.Invalid("cpm_site_id", "required")
	}
	if c.cfg.SiteID != "" && site != c.cfg.SiteID {
		return nil, model.Invalid("cpm_site_id", "does not match this merchant")
	}
	n := &Notification{
		Reference: ref,
		EventKey:  bodyKey(body),
		Reason:    form.Get("cpm_error_message"),
	}
	if raw := form.Get("cpm_trans_status"); raw != "" {
		n.Raw = raw
		n.Status = cinetPayStatuses.Normalize(raw)
	}
	return n, nil
}
