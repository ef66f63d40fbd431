// Package policy supplies prices and fee rates to the core.
package policy

import (
	"fmt"
	"time"

	"ledgerpay/internal/model"

	"github.com/shopspring/decimal"
)

// Provider is the source of pricing settings. Implementations may reload
// values at runtime; callers read them per operation.
type Provider interface {
	Currency() string
	RevealPrice(kind model.GrantKind) (int64, error)
	SubscriptionPrice() int64
	SubscriptionPeriod() time.Duration
	MinWithdrawal() int64
	// GiftFee is the platform share of a gift of the given price.
	GiftFee(price int64) int64
	// WithdrawalFee is withheld from the amount paid out.
	WithdrawalFee(amount int64) int64
}

type Settings struct {
	Currency                string
	RevealMessagePrice      int64
	RevealConversationPrice int64
	RevealStoryPrice        int64
	GiftFeePercent          decimal.Decimal
	SubscriptionPrice       int64
	SubscriptionPeriod      time.Duration
	MinWithdrawal           int64
	WithdrawalFeePercent    decimal.Decimal
}

// Static serves fixed Settings.
type Static struct {
	s Settings
}

func NewStatic(s Settings) (*Static, error) {
	hundred := decimal.NewFromInt(100)
	for name, pct := range map[string]decimal.Decimal{
		"gift fee":       s.GiftFeePercent,
		"withdrawal fee": s.WithdrawalFeePercent,
	} {
		if pct.IsNegative() || pct.GreaterThan(hundred) {
			return nil, fmt.Errorf("%s percent %s out of range 0-100", name, pct)
		}
	}
	if s.Currency == "" {
		return nil, fmt.Errorf("currency is required")
	}
	if s.SubscriptionPeriod <= 0 {
		return nil, fmt.Errorf("subscription period must be positive")
	}
	return &Static{s: s}, nil
}

func (p *Static) Currency() string { return p.s.Currency }

func (p *Static) RevealPrice(kind model.GrantKind) (int64, error) {
	var price int64
	switch kind {
	case model.GrantRevealMessage:
		price = p.s.RevealMessagePrice
	case model.GrantRevealConversation:
		price = p.s.RevealConversationPrice
	case model.GrantRevealStory:
		price = p.s.RevealStoryPrice
	default:
		return 0, model.Invalid("kind", fmt.Sprintf("%q is not a reveal", kind))
	}
	if price <= 0 {
		return 0, fmt.Errorf("no price configured for %s", kind)
	}
	return price, nil
}

func (p *Static) SubscriptionPrice() int64          { return p.s.SubscriptionPrice }
func (p *Static) SubscriptionPeriod() time.Duration { return p.s.SubscriptionPeriod }
func (p *Static) MinWithdrawal() int64              { return p.s.MinWithdrawal }
func (p *Static) GiftFee(price int64) int64         { return PercentCeil(price, p.s.GiftFeePercent) }
func (p *Static) WithdrawalFee(amount int64) int64 {
	return PercentCeil(amount, p.s.WithdrawalFeePercent)
}

// PercentCeil returns ceil(amount * pct / 100) in exact decimal arithmetic.
func PercentCeil(amount int64, pct decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(pct).Div(decimal.NewFromInt(100)).Ceil().IntPart()
}
