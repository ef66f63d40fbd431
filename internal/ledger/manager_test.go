package ledger

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"ledgerpay/internal/model"
	"ledgerpay/internal/repository/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu      sync.Mutex
	entries []model.LedgerEntry
}

func (n *recordingNotifier) OnBalanceChanged(_ context.Context, e model.LedgerEntry) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries = append(n.entries, e)
}

func posting(user, amount int64) model.Posting {
	return model.Posting{
		UserID:      user,
		Amount:      amount,
		Description: "test",
		Source:      model.SourceRef{Kind: model.SourceExternal, ID: 1},
	}
}

func TestManager_Soundness(t *testing.T) {
	ctx := context.Background()
	m := NewManager(memory.New(), nil, nil)
	rng := rand.New(rand.NewSource(42))

	var credits, debits int64
	for i := 0; i < 500; i++ {
		amount := rng.Int63n(1000) + 1
		if rng.Intn(2) == 0 {
			_, err := m.Credit(ctx, posting(1, amount))
			require.NoError(t, err)
			credits += amount
			continue
		}
		_, err := m.Debit(ctx, posting(1, amount))
		if err != nil {
			require.ErrorIs(t, err, model.ErrInsufficientBalance)
			continue
		}
		debits += amount
	}

	bal, err := m.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, credits-debits, bal)

	entries, err := m.Entries(ctx, 1, 1000)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, bal, entries[0].BalanceAfter, "balance equals the newest entry")
	for _, e := range entries {
		assert.GreaterOrEqual(t, e.BalanceAfter, int64(0))
		switch e.Direction {
		case model.Credit:
			assert.Equal(t, e.BalanceBefore+e.Amount, e.BalanceAfter)
		case model.Debit:
			assert.Equal(t, e.BalanceBefore-e.Amount, e.BalanceAfter)
		}
	}
}

func TestManager_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	m := NewManager(memory.New(), nil, nil)
	_, err := m.Credit(ctx, posting(5, 1000))
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Debit(ctx, posting(5, 100)); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	bal, _ := m.Balance(ctx, 5)
	assert.Zero(t, bal)
}

func TestManager_DebitInsufficientWritesNothing(t *testing.T) {
	ctx := context.Background()
	n := &recordingNotifier{}
	m := NewManager(memory.New(), nil, n)
	_, err := m.Credit(ctx, posting(2, 300))
	require.NoError(t, err)

	_, err = m.Debit(ctx, posting(2, 301))
	require.ErrorIs(t, err, model.ErrInsufficientBalance)

	entries, _ := m.Entries(ctx, 2, 0)
	assert.Len(t, entries, 1)
	assert.Len(t, n.entries, 1)
	assert.Equal(t, int64(300), n.entries[0].BalanceAfter)
}

func TestManager_RejectsInvalidPosting(t *testing.T) {
	ctx := context.Background()
	m := NewManager(memory.New(), nil, nil)

	_, err := m.Credit(ctx, posting(1, 0))
	assert.ErrorIs(t, err, model.ErrValidation)

	p := posting(1, 10)
	p.Source = model.SourceRef{Kind: "bonus", ID: 1}
	_, err = m.Credit(ctx, p)
	assert.ErrorIs(t, err, model.ErrValidation)
}
