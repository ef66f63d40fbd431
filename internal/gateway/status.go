package gateway

import (
	"log/slog"
	"strings"

	"ledgerpay/internal/metrics"
	"ledgerpay/internal/model"
)

// StatusTable is the authoritative vocabulary of one provider. Both the
// webhook and the polling path normalise through it.
type StatusTable struct {
	Provider  model.Provider
	Completed []string
	Failed    []string
	Cancelled []string
	Refunded  []string
	Pending   []string
}

// Normalize maps raw case-insensitively. Anything outside the table stays
// pending so an unknown status can never complete or fail an attempt.
func (t StatusTable) Normalize(raw string) model.PaymentStatus {
	s := strings.TrimSpace(raw)
	for _, c := range []struct {
		words  []string
		status model.PaymentStatus
	}{
		{t.Completed, model.StatusCompleted},
		{t.Failed, model.StatusFailed},
		{t.Cancelled, model.StatusCancelled},
		{t.Refunded, model.StatusRefunded},
		{t.Pending, model.StatusPending},
	} {
		for _, w := range c.words {
			if strings.EqualFold(s, w) {
				return c.status
			}
		}
	}
	metrics.UnknownProviderStatus.WithLabelValues(string(t.Provider)).Inc()
	slog.Warn("gateway: unknown provider status, treating as pending",
		"provider", t.Provider,
		"status", raw,
	)
	return model.StatusPending
}

var cinetPayStatuses = StatusTable{
	Provider:  model.ProviderCinetPay,
	Completed: []string{"ACCEPTED", "SUCCESS", "COMPLETED"},
	Failed:    []string{"REFUSED", "FAILED"},
	Cancelled: []string{"CANCELLED", "CANCELED"},
	Pending:   []string{"PENDING", "INITIATED", "WAITING_CUSTOMER_PAYMENT", "WAITING_CUSTOMER_TO_VALIDATE", "WAITING_CUSTOMER_OTP_CODE"},
}

var fedaPayStatuses = StatusTable{
	Provider:  model.ProviderFedaPay,
	Completed: []string{"approved", "transferred"},
	Failed:    []string{"declined"},
	Cancelled: []string{"canceled", "cancelled", "expired"},
	Refunded:  []string{"refunded"},
	Pending:   []string{"pending"},
}
