package nats

import (
	"context"
	"testing"

	"ledgerpay/internal/ledger"
	"ledgerpay/internal/model"
	"ledgerpay/internal/repository/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_Execute(t *testing.T) {
	ctx := context.Background()
	lm := ledger.NewManager(memory.New(), nil, nil)
	h := NewHandler(lm, nil)

	credit := []byte(`{"user_id":3,"amount":400,"description":"story tip","source":{"kind":"external","id":5}}`)
	r := h.Execute(ctx, model.Credit, credit)
	require.Empty(t, r.Error)
	require.NotNil(t, r.Entry)
	assert.Equal(t, int64(400), r.Entry.BalanceAfter)

	debit := []byte(`{"user_id":3,"amount":500,"description":"too much","source":{"kind":"external","id":6}}`)
	r = h.Execute(ctx, model.Debit, debit)
	assert.Contains(t, r.Error, "insufficient balance")
	assert.Nil(t, r.Entry)

	r = h.Execute(ctx, model.Debit, []byte("{"))
	assert.Equal(t, "malformed command", r.Error)

	bal, err := lm.Balance(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(400), bal)
}
