package portfolio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-autopilot/internal/database/memory"
	"perp-autopilot/internal/domain"
)

// ============================================================================
// MOCK TYPES
// ============================================================================

// barrierStore holds every first GetLock call until n callers arrived so
// that concurrent acquirers all observe the absent row.
type barrierStore struct {
	*memory.Store
	arrived sync.WaitGroup
	once    sync.Map
}

func newBarrierStore(n int) *barrierStore {
	b := &barrierStore{Store: memory.NewStore()}
	b.arrived.Add(n)
	return b
}

func (b *barrierStore) GetLock(ctx context.Context, key string) (*domain.LockRow, error) {
	row, err := b.Store.GetLock(ctx, key)
	id := ctx.Value(callerKey{})
	if _, loaded := b.once.LoadOrStore(id, true); !loaded {
		b.arrived.Done()
		b.arrived.Wait()
	}
	return row, err
}

type callerKey struct{}

type failingAttributions struct {
	*memory.Store
	failFor map[string]bool
}

func (f *failingAttributions) UpsertAttribution(ctx context.Context, a domain.PortfolioAttribution) error {
	if f.failFor[a.AgentID] {
		return errors.New("write timeout")
	}
	return f.Store.UpsertAttribution(ctx, a)
}

func fastLockConfig() LockConfig {
	return LockConfig{
		Key:          "portfolio_attribution",
		Timeout:      time.Minute,
		Retries:      2,
		RetryBackoff: time.Millisecond,
	}
}

var tradeSeq atomic.Int64

// closedTrade books a filled trade won by agent
func closedTrade(t *testing.T, store *memory.Store, agent string, outcome domain.Outcome, pnl, pct float64) {
	t.Helper()
	ctx := context.Background()
	id := fmt.Sprintf("%s-%d", agent, tradeSeq.Add(1))
	require.NoError(t, store.InsertTrade(ctx, domain.TrackedTrade{
		TradeID:     id,
		Symbol:      "cmt_btcusdt",
		Side:        domain.SideLong,
		EntryPrice:  100,
		Size:        1,
		Leverage:    1,
		OpenedAt:    time.Now().Add(-time.Hour),
		Attribution: domain.Attribution{WinningAgentID: agent},
	}))
	booked, err := store.BookClosure(ctx, domain.CloseUpdate{
		TradeID:            id,
		ExitPrice:          100 + pnl,
		RealizedPnL:        pnl,
		RealizedPnLPercent: pct,
		ExitReason:         domain.ExitManual,
		Outcome:            outcome,
		ClosedAt:           time.Now(),
	}, domain.JournalEntry{
		TradeID:            id,
		WinningAgentID:     agent,
		Outcome:            outcome,
		RealizedPnL:        pnl,
		RealizedPnLPercent: pct,
	})
	require.NoError(t, err)
	require.True(t, booked)
}

// ============================================================================
// TEST: distributed lock
// ============================================================================

func TestAcquire_AbsentRowCreatesVersionOne(t *testing.T) {
	store := memory.NewStore()
	lock := NewDistributedLock(fastLockConfig(), store, zerolog.Nop())

	lease, ok, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), lease.Version)

	require.NoError(t, lock.Release(context.Background(), lease))
	_, err = store.GetLock(context.Background(), "portfolio_attribution")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAcquire_TwoSimultaneousAcquirersExactlyOneWins(t *testing.T) {
	store := newBarrierStore(2)
	lock := NewDistributedLock(fastLockConfig(), store, zerolog.Nop())

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := context.WithValue(context.Background(), callerKey{}, i)
			_, ok, err := lock.Acquire(ctx)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestAcquire_FreshRowIsBusy(t *testing.T) {
	store := memory.NewStore()
	_, err := store.CreateLock(context.Background(), "portfolio_attribution", time.Now())
	require.NoError(t, err)

	lease, ok, err := NewDistributedLock(fastLockConfig(), store, zerolog.Nop()).Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, lease)
}

func TestAcquire_StaleRowIsTakenOver(t *testing.T) {
	store := memory.NewStore()
	_, err := store.CreateLock(context.Background(), "portfolio_attribution", time.Now().Add(-time.Hour))
	require.NoError(t, err)

	lock := NewDistributedLock(fastLockConfig(), store, zerolog.Nop())
	lease, ok, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), lease.Version)

	// the previous holder's release must not delete the new holder's row
	require.NoError(t, lock.Release(context.Background(), &Lease{Key: "portfolio_attribution", Version: 1}))
	row, err := store.GetLock(context.Background(), "portfolio_attribution")
	require.NoError(t, err)
	assert.Equal(t, int64(2), row.Version)
}

func TestAcquire_TwoAcquirersRacingOnStaleRowExactlyOneWins(t *testing.T) {
	store := newBarrierStore(2)
	_, err := store.CreateLock(context.Background(), "portfolio_attribution", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	lock := NewDistributedLock(fastLockConfig(), store, zerolog.Nop())

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := context.WithValue(context.Background(), callerKey{}, i)
			lease, ok, err := lock.Acquire(ctx)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
				assert.Equal(t, int64(2), lease.Version)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	row, err := store.Store.GetLock(context.Background(), "portfolio_attribution")
	require.NoError(t, err)
	assert.Equal(t, int64(2), row.Version, "only one takeover bumped the row")
}

type brokenLockStore struct {
	*memory.Store
	calls atomic.Int32
}

func (b *brokenLockStore) GetLock(ctx context.Context, key string) (*domain.LockRow, error) {
	b.calls.Add(1)
	return nil, errors.New("connection refused")
}

func TestAcquire_StoreErrorIsReturnedAfterRetries(t *testing.T) {
	store := &brokenLockStore{Store: memory.NewStore()}
	_, ok, err := NewDistributedLock(fastLockConfig(), store, zerolog.Nop()).Acquire(context.Background())
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(3), store.calls.Load())
}

// ============================================================================
// TEST: aggregator
// ============================================================================

func TestRun_WritesAttributionPerAgent(t *testing.T) {
	store := memory.NewStore()
	for i := 0; i < 4; i++ {
		closedTrade(t, store, "quant", domain.OutcomeWin, 10, 5+float64(i))
	}
	closedTrade(t, store, "quant", domain.OutcomeLoss, -4, -2)
	closedTrade(t, store, "macro", domain.OutcomeBreakeven, 0, 0.05)

	cfg := DefaultConfig()
	cfg.Lock = fastLockConfig()
	agg := NewAggregator(cfg, store, store, zerolog.Nop())

	result, err := agg.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, 2, result.Agents)
	assert.Equal(t, 2, result.Written)

	rows, err := store.ListAttributions(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)

	macro, quant := rows[0], rows[1]
	assert.Equal(t, "macro", macro.AgentID)
	assert.Nil(t, macro.Sharpe)
	assert.Equal(t, 1.0, macro.WeightMultiplier)

	assert.Equal(t, 5, quant.TradeCount)
	assert.Equal(t, 4, quant.Wins)
	assert.InDelta(t, 0.8, quant.WinRate, 1e-9)
	assert.InDelta(t, 36, quant.TotalPnL, 1e-9)
	require.NotNil(t, quant.Sharpe)
	assert.Greater(t, quant.WeightMultiplier, 1.0)

	_, err = store.GetLock(context.Background(), cfg.Lock.Key)
	assert.ErrorIs(t, err, domain.ErrNotFound, "lock must be released")
}

func TestRun_SharpeUsesRealizedPnL(t *testing.T) {
	store := memory.NewStore()
	// identical dollar P&L with varying percent: zero variance in dollars
	for i := 0; i < 5; i++ {
		closedTrade(t, store, "quant", domain.OutcomeWin, 10, 1+float64(i))
	}

	cfg := DefaultConfig()
	cfg.Lock = fastLockConfig()
	_, err := NewAggregator(cfg, store, store, zerolog.Nop()).Run(context.Background())
	require.NoError(t, err)

	rows, err := store.ListAttributions(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].Sharpe)
	assert.InDelta(t, 50, rows[0].TotalPnL, 1e-9)
}

func TestRun_IgnoresOpenTrades(t *testing.T) {
	store := memory.NewStore()
	closedTrade(t, store, "quant", domain.OutcomeWin, 10, 5)
	require.NoError(t, store.InsertTrade(context.Background(), domain.TrackedTrade{
		TradeID: "open-1", Symbol: "cmt_ethusdt", Side: domain.SideShort, EntryPrice: 3000, Size: 1,
		Attribution: domain.Attribution{WinningAgentID: "macro"},
	}))

	cfg := DefaultConfig()
	cfg.Lock = fastLockConfig()
	result, err := NewAggregator(cfg, store, store, zerolog.Nop()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Agents)
}

func TestRun_SkipsWhenLockHeld(t *testing.T) {
	store := memory.NewStore()
	_, err := store.CreateLock(context.Background(), "portfolio_attribution", time.Now())
	require.NoError(t, err)
	closedTrade(t, store, "quant", domain.OutcomeWin, 1, 1)

	cfg := DefaultConfig()
	cfg.Lock = fastLockConfig()
	result, err := NewAggregator(cfg, store, store, zerolog.Nop()).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)

	rows, _ := store.ListAttributions(context.Background())
	assert.Empty(t, rows)
}

func TestRun_CountsFailedWrites(t *testing.T) {
	mem := memory.NewStore()
	closedTrade(t, mem, "a", domain.OutcomeWin, 1, 1)
	closedTrade(t, mem, "b", domain.OutcomeWin, 1, 1)
	closedTrade(t, mem, "c", domain.OutcomeWin, 1, 1)
	store := &failingAttributions{Store: mem, failFor: map[string]bool{"a": true, "b": true}}

	cfg := DefaultConfig()
	cfg.Lock = fastLockConfig()
	result, err := NewAggregator(cfg, mem, store, zerolog.Nop()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Agents)
	assert.Equal(t, 1, result.Written)
	assert.Equal(t, 2, result.Failed)
}

func TestWeightMultiplier(t *testing.T) {
	sharpe := func(v float64) *float64 { return &v }

	testCases := []struct {
		name  string
		stats domain.AgentStats
		want  float64
	}{
		{"below sample minimum", domain.AgentStats{TradeCount: 4, Wins: 4}, 1.0},
		{"even record", domain.AgentStats{TradeCount: 10, Wins: 5}, 1.0},
		{"strong record", domain.AgentStats{TradeCount: 10, Wins: 8, Sharpe: sharpe(1)}, 1.4},
		{"clamped high", domain.AgentStats{TradeCount: 10, Wins: 10, Sharpe: sharpe(5)}, 1.5},
		{"clamped low", domain.AgentStats{TradeCount: 10, Wins: 0, Sharpe: sharpe(-3)}, 0.5},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, WeightMultiplier(tc.stats, 5), 1e-9)
		})
	}
}

func TestSharpeRatio(t *testing.T) {
	assert.Nil(t, domain.SharpeRatio([]float64{1, 2}, 5))
	assert.Nil(t, domain.SharpeRatio([]float64{1, 1, 1, 1, 1}, 5))

	s := domain.SharpeRatio([]float64{1, 2, 3, 4, 5}, 5)
	require.NotNil(t, s)
	// mean 3, sample std sqrt(2.5)
	assert.InDelta(t, 3/1.5811388300841898, *s, 1e-9)
}
