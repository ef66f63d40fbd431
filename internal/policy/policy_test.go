package policy

import (
	"testing"
	"time"

	"ledgerpay/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentCeil(t *testing.T) {
	five := decimal.NewFromInt(5)
	tests := []struct {
		price int64
		pct   decimal.Decimal
		fee   int64
	}{
		{1000, five, 50},
		{999, five, 50},
		{1, five, 1},
		{0, five, 0},
		{1000, decimal.Zero, 0},
		{1000, decimal.RequireFromString("2.5"), 25},
		{1001, decimal.RequireFromString("2.5"), 26},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.fee, PercentCeil(tt.price, tt.pct), "%d @ %s%%", tt.price, tt.pct)
	}
}

func TestStatic(t *testing.T) {
	p, err := NewStatic(Settings{
		Currency:           "XOF",
		RevealMessagePrice: 500,
		RevealStoryPrice:   300,
		GiftFeePercent:     decimal.NewFromInt(5),
		SubscriptionPrice:  2000,
		SubscriptionPeriod: 30 * 24 * time.Hour,
	})
	require.NoError(t, err)

	price, err := p.RevealPrice(model.GrantRevealMessage)
	require.NoError(t, err)
	assert.Equal(t, int64(500), price)

	_, err = p.RevealPrice(model.GrantRevealConversation)
	assert.Error(t, err, "unpriced reveal kinds are refused")

	_, err = p.RevealPrice(model.GrantSubscription)
	assert.ErrorIs(t, err, model.ErrValidation)

	assert.Equal(t, int64(50), p.GiftFee(1000))
	assert.Equal(t, int64(950), 1000-p.GiftFee(1000))
	assert.Equal(t, int64(949), 999-p.GiftFee(999))
}

func TestNewStatic_RejectsBadPercent(t *testing.T) {
	_, err := NewStatic(Settings{
		Currency:           "XOF",
		SubscriptionPeriod: time.Hour,
		GiftFeePercent:     decimal.NewFromInt(101),
	})
	assert.Error(t, err)
}
