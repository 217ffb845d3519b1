package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-autopilot/internal/domain"
	"perp-autopilot/internal/exchange"
)

// ============================================================================
// MOCK TYPES
// ============================================================================

type mockHistory struct {
	mu     sync.Mutex
	orders map[string][]exchange.HistoryOrder
	err    error
	calls  int
}

func (m *mockHistory) GetHistoryOrders(ctx context.Context, symbol string, limit int) ([]exchange.HistoryOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.orders[symbol], nil
}

type mockLedger struct {
	mu       sync.Mutex
	filled   map[string]bool
	missing  map[string]bool
	updates  []domain.CloseUpdate
	journal  []domain.JournalEntry
	bookErr  error
	failLeft int // fail this many bookings before succeeding; -1 fails forever
	calls    int
	openRows []domain.TrackedTrade
}

func newMockLedger() *mockLedger {
	return &mockLedger{filled: make(map[string]bool), missing: make(map[string]bool)}
}

func (m *mockLedger) BookClosure(ctx context.Context, u domain.CloseUpdate, e domain.JournalEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failLeft != 0 {
		if m.failLeft > 0 {
			m.failLeft--
		}
		return false, m.bookErr
	}
	if m.missing[u.TradeID] {
		return false, domain.ErrNotFound
	}
	if m.filled[u.TradeID] {
		return false, nil
	}
	m.filled[u.TradeID] = true
	m.updates = append(m.updates, u)
	m.journal = append(m.journal, e)
	return true, nil
}

func (m *mockLedger) ListOpenTrades(ctx context.Context) ([]domain.TrackedTrade, error) {
	return m.openRows, nil
}

var testNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newTestService(history *mockHistory, ledger *mockLedger) *Service {
	s := NewService(DefaultConfig(), history, ledger, zerolog.Nop())
	s.now = func() time.Time { return testNow }
	return s
}

func trade(id, symbol string, side domain.Side, entry float64, age time.Duration) domain.TrackedTrade {
	return domain.TrackedTrade{
		TradeID:     id,
		OrderID:     "o-" + id,
		Symbol:      symbol,
		Side:        side,
		EntryPrice:  entry,
		Size:        1,
		Leverage:    1,
		OpenedAt:    testNow.Add(-age),
		Attribution: domain.Attribution{WinningAgentID: "quant"},
	}
}

func closeOrder(symbol, orderType string, price float64, at time.Time) exchange.HistoryOrder {
	return exchange.HistoryOrder{OrderID: "c-1", Symbol: symbol, Type: orderType, Status: "filled", Price: price, Size: 1, Time: at}
}

// ============================================================================
// TEST: close result derivation
// ============================================================================

func TestDetermineCloseResult_DirectionalPnL(t *testing.T) {
	testCases := []struct {
		name      string
		side      domain.Side
		orderType string
		want      float64
	}{
		{"short profits from a drop", domain.SideShort, "close_short", 10},
		{"long loses on a drop", domain.SideLong, "close_long", -10},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			history := &mockHistory{orders: map[string][]exchange.HistoryOrder{
				"cmt_btcusdt": {closeOrder("cmt_btcusdt", tc.orderType, 90, testNow.Add(-time.Minute))},
			}}
			s := newTestService(history, newMockLedger())

			res := s.DetermineCloseResult(context.Background(), trade("t1", "cmt_btcusdt", tc.side, 100, time.Hour))
			require.True(t, res.Found)
			assert.InDelta(t, tc.want, res.RealizedPnL, 1e-9)
			assert.InDelta(t, tc.want, res.RealizedPnLPercent, 1e-9) // margin is 100 at 1x
			assert.Equal(t, domain.ExitManual, res.ExitReason)
		})
	}
}

func TestDetermineCloseResult_FeesAndFunding(t *testing.T) {
	history := &mockHistory{orders: map[string][]exchange.HistoryOrder{
		"cmt_ethusdt": {{Symbol: "cmt_ethusdt", Type: "close_long", Status: "FILLED", Price: 110, Fee: 0.5, Time: testNow}},
	}}
	s := newTestService(history, newMockLedger())

	tr := trade("t1", "cmt_ethusdt", domain.SideLong, 100, time.Hour)
	tr.Size = 2
	tr.Leverage = 4
	tr.EntryFee = 0.3
	tr.ExitFee = 9 // estimate replaced by the actual fee
	tr.FundingPaid = 0.2

	res := s.DetermineCloseResult(context.Background(), tr)
	require.True(t, res.Found)
	// 10 * 2 - 0.3 - 0.5 - 0.2
	assert.InDelta(t, 19.0, res.RealizedPnL, 1e-9)
	// margin = 100 * 2 / 4 = 50
	assert.InDelta(t, 38.0, res.RealizedPnLPercent, 1e-9)
	assert.InDelta(t, 0.5, res.ExitFee, 1e-9)
}

func TestDetermineCloseResult_ExitReasonPriority(t *testing.T) {
	tp, sl := 120.0, 90.0
	testCases := []struct {
		name      string
		orderType string
		price     float64
		want      domain.ExitReason
	}{
		{"liquidation beats take profit", "liquidation", 120, domain.ExitLiquidation},
		{"burst is a liquidation", "burst_close", 80, domain.ExitLiquidation},
		{"take profit within tolerance", "close_long", 119.7, domain.ExitTakeProfit},
		{"stop loss within tolerance", "close_long", 90.2, domain.ExitStopLoss},
		{"anything else is manual", "close_long", 105, domain.ExitManual},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			history := &mockHistory{orders: map[string][]exchange.HistoryOrder{
				"cmt_btcusdt": {closeOrder("cmt_btcusdt", tc.orderType, tc.price, testNow)},
			}}
			s := newTestService(history, newMockLedger())
			tr := trade("t1", "cmt_btcusdt", domain.SideLong, 100, time.Hour)
			tr.TakeProfit, tr.StopLoss = &tp, &sl

			res := s.DetermineCloseResult(context.Background(), tr)
			require.True(t, res.Found)
			assert.Equal(t, tc.want, res.ExitReason)
		})
	}
}

func TestDetermineCloseResult_Unknown(t *testing.T) {
	tr := trade("t1", "cmt_btcusdt", domain.SideLong, 100, time.Hour)

	testCases := []struct {
		name    string
		history *mockHistory
	}{
		{"history error", &mockHistory{err: errors.New("timeout")}},
		{"no orders", &mockHistory{}},
		{"only opening orders", &mockHistory{orders: map[string][]exchange.HistoryOrder{
			"cmt_btcusdt": {closeOrder("cmt_btcusdt", "open_long", 100, testNow)},
		}}},
		{"close before the trade opened", &mockHistory{orders: map[string][]exchange.HistoryOrder{
			"cmt_btcusdt": {closeOrder("cmt_btcusdt", "close_long", 90, testNow.Add(-2*time.Hour))},
		}}},
		{"close of the other side", &mockHistory{orders: map[string][]exchange.HistoryOrder{
			"cmt_btcusdt": {closeOrder("cmt_btcusdt", "close_short", 90, testNow)},
		}}},
		{"unfilled close", &mockHistory{orders: map[string][]exchange.HistoryOrder{
			"cmt_btcusdt": {{Symbol: "cmt_btcusdt", Type: "close_long", Status: "canceled", Price: 90, Time: testNow}},
		}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res := newTestService(tc.history, newMockLedger()).DetermineCloseResult(context.Background(), tr)
			assert.False(t, res.Found)
			assert.Equal(t, domain.ExitUnknown, res.ExitReason)
			assert.Zero(t, res.RealizedPnL)
		})
	}
}

func TestDetermineCloseResult_PicksMostRecentClose(t *testing.T) {
	history := &mockHistory{orders: map[string][]exchange.HistoryOrder{
		"cmt_btcusdt": {
			closeOrder("cmt_btcusdt", "close_long", 95, testNow.Add(-30*time.Minute)),
			closeOrder("cmt_btcusdt", "close_long", 105, testNow.Add(-5*time.Minute)),
		},
	}}
	res := newTestService(history, newMockLedger()).DetermineCloseResult(context.Background(), trade("t1", "cmt_btcusdt", domain.SideLong, 100, time.Hour))
	require.True(t, res.Found)
	assert.InDelta(t, 105, res.ExitPrice, 1e-9)
}

func TestOutcome_BreakevenDeadZone(t *testing.T) {
	s := newTestService(&mockHistory{}, newMockLedger())
	assert.Equal(t, domain.OutcomeWin, s.Outcome(0.5))
	assert.Equal(t, domain.OutcomeLoss, s.Outcome(-0.5))
	assert.Equal(t, domain.OutcomeBreakeven, s.Outcome(0.05))
	assert.Equal(t, domain.OutcomeBreakeven, s.Outcome(-0.1))
}

// ============================================================================
// TEST: sync
// ============================================================================

func TestSync_UnchangedPositionsIsIdempotent(t *testing.T) {
	history := &mockHistory{}
	ledger := newMockLedger()
	s := newTestService(history, ledger)
	require.NoError(t, s.Track(trade("t1", "cmt_btcusdt", domain.SideLong, 100, time.Hour)))
	require.NoError(t, s.Track(trade("t2", "cmt_ethusdt", domain.SideShort, 100, time.Hour)))

	positions := []exchange.Position{
		{Symbol: "cmt_btcusdt", Side: "long", Size: 1},
		{Symbol: "CMT_ETHUSDT", Side: "sell", Size: 1},
	}
	for i := 0; i < 3; i++ {
		report := s.Sync(context.Background(), positions)
		assert.Equal(t, 2, report.Present)
		assert.Zero(t, report.Closed+report.Unknown+report.Evicted)
	}

	assert.Equal(t, 2, s.Len())
	assert.Zero(t, history.calls)
	assert.Empty(t, ledger.journal)
	for _, tr := range s.Tracked() {
		assert.Equal(t, testNow, tr.LastSyncAt)
	}
}

func TestSync_BooksDetectedClosure(t *testing.T) {
	history := &mockHistory{orders: map[string][]exchange.HistoryOrder{
		"cmt_btcusdt": {closeOrder("cmt_btcusdt", "close_short", 90, testNow)},
	}}
	ledger := newMockLedger()
	s := newTestService(history, ledger)
	var closed []string
	s.OnClosure(func(tr domain.TrackedTrade, _ domain.CloseResult) { closed = append(closed, tr.TradeID) })

	require.NoError(t, s.Track(trade("t1", "cmt_btcusdt", domain.SideShort, 100, time.Hour)))

	report := s.Sync(context.Background(), nil)
	assert.Equal(t, 1, report.Closed)
	assert.Zero(t, s.Len())
	assert.False(t, s.HasOpen("cmt_btcusdt", domain.SideShort))
	assert.Equal(t, []string{"t1"}, closed)

	require.Len(t, ledger.updates, 1)
	assert.Equal(t, domain.OutcomeWin, ledger.updates[0].Outcome)
	require.Len(t, ledger.journal, 1)
	assert.Equal(t, "quant", ledger.journal[0].WinningAgentID)
	assert.Equal(t, time.Hour, ledger.journal[0].HoldDuration)
}

func TestSync_AlreadyFilledSkipsJournal(t *testing.T) {
	history := &mockHistory{orders: map[string][]exchange.HistoryOrder{
		"cmt_btcusdt": {closeOrder("cmt_btcusdt", "close_long", 90, testNow)},
	}}
	ledger := newMockLedger()
	ledger.filled["t1"] = true
	s := newTestService(history, ledger)
	require.NoError(t, s.Track(trade("t1", "cmt_btcusdt", domain.SideLong, 100, time.Hour)))

	report := s.Sync(context.Background(), nil)
	assert.Equal(t, 1, report.Closed)
	assert.Empty(t, ledger.journal)
	assert.Zero(t, s.Len())
}

func TestSync_LedgerFailureIsIsolatedPerTrade(t *testing.T) {
	history := &mockHistory{orders: map[string][]exchange.HistoryOrder{
		"cmt_btcusdt": {closeOrder("cmt_btcusdt", "close_long", 90, testNow)},
	}}
	ledger := newMockLedger()
	ledger.bookErr = errors.New("connection refused")
	ledger.failLeft = -1
	s := newTestService(history, ledger)
	require.NoError(t, s.Track(trade("t1", "cmt_btcusdt", domain.SideLong, 100, time.Hour)))
	require.NoError(t, s.Track(trade("t2", "cmt_ethusdt", domain.SideLong, 100, time.Hour)))

	for i := 1; i <= 3; i++ {
		report := s.Sync(context.Background(), []exchange.Position{{Symbol: "cmt_ethusdt", Side: "long", Size: 1}})
		assert.Equal(t, 1, report.Failed, "sync %d", i)
		assert.Equal(t, 1, report.Present, "sync %d", i)
		assert.Zero(t, report.Closed, "sync %d", i)
	}

	assert.True(t, s.HasOpen("cmt_ethusdt", domain.SideLong))
	assert.True(t, s.HasOpen("cmt_btcusdt", domain.SideLong), "unbooked closure must stay tracked")
	assert.Equal(t, 3, ledger.calls)
	assert.Empty(t, ledger.journal)
}

func TestSync_TransientLedgerFailureRetriesNextSync(t *testing.T) {
	history := &mockHistory{orders: map[string][]exchange.HistoryOrder{
		"cmt_btcusdt": {closeOrder("cmt_btcusdt", "close_long", 110, testNow)},
	}}
	ledger := newMockLedger()
	ledger.bookErr = errors.New("journal insert: deadlock detected")
	ledger.failLeft = 1
	s := newTestService(history, ledger)
	var closed []string
	s.OnClosure(func(tr domain.TrackedTrade, _ domain.CloseResult) { closed = append(closed, tr.TradeID) })
	require.NoError(t, s.Track(trade("t1", "cmt_btcusdt", domain.SideLong, 100, time.Hour)))

	report := s.Sync(context.Background(), nil)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Closed)
	assert.Equal(t, 1, s.Len())
	assert.Empty(t, ledger.journal)
	assert.Empty(t, closed)

	report = s.Sync(context.Background(), nil)
	assert.Equal(t, 1, report.Closed)
	assert.Zero(t, report.Failed)
	assert.Zero(t, s.Len())
	assert.Equal(t, []string{"t1"}, closed)

	require.Len(t, ledger.updates, 1)
	require.Len(t, ledger.journal, 1)
	assert.Equal(t, "t1", ledger.journal[0].TradeID)
	assert.Equal(t, domain.OutcomeWin, ledger.journal[0].Outcome)
}

func TestSync_MissingLedgerRowIsDropped(t *testing.T) {
	history := &mockHistory{orders: map[string][]exchange.HistoryOrder{
		"cmt_btcusdt": {closeOrder("cmt_btcusdt", "close_long", 90, testNow)},
	}}
	ledger := newMockLedger()
	ledger.missing["t1"] = true
	s := newTestService(history, ledger)
	require.NoError(t, s.Track(trade("t1", "cmt_btcusdt", domain.SideLong, 100, time.Hour)))

	report := s.Sync(context.Background(), nil)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Closed)
	assert.Zero(t, s.Len())

	err := s.HandleClosure(context.Background(), trade("t1", "cmt_btcusdt", domain.SideLong, 100, time.Hour),
		domain.CloseResult{Found: true, ExitPrice: 90, ClosedAt: testNow})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, ledger.journal)
}

func TestSync_StaleUnknownTradeEvictedWithoutJournal(t *testing.T) {
	ledger := newMockLedger()
	s := newTestService(&mockHistory{}, ledger)
	require.NoError(t, s.Track(trade("t1", "cmt_btcusdt", domain.SideShort, 100, 80*time.Hour)))

	for i := 1; i <= 2; i++ {
		report := s.Sync(context.Background(), nil)
		assert.Equal(t, 1, report.Unknown, "sync %d", i)
		assert.Zero(t, report.Evicted, "sync %d", i)
		assert.Equal(t, 1, s.Len())
	}

	report := s.Sync(context.Background(), nil)
	assert.Equal(t, 1, report.Evicted)
	assert.Zero(t, s.Len())
	assert.Empty(t, ledger.journal)
	assert.Empty(t, ledger.updates)
}

func TestSync_FreshUnknownTradeIsKept(t *testing.T) {
	s := newTestService(&mockHistory{}, newMockLedger())
	require.NoError(t, s.Track(trade("t1", "cmt_btcusdt", domain.SideShort, 100, time.Hour)))

	for i := 0; i < 5; i++ {
		s.Sync(context.Background(), nil)
	}
	assert.Equal(t, 1, s.Len())
}

func TestSync_ReappearingPositionResetsMissingCounter(t *testing.T) {
	s := newTestService(&mockHistory{}, newMockLedger())
	require.NoError(t, s.Track(trade("t1", "cmt_btcusdt", domain.SideShort, 100, 80*time.Hour)))
	present := []exchange.Position{{Symbol: "cmt_btcusdt", Side: "short", Size: 1}}

	s.Sync(context.Background(), nil)
	s.Sync(context.Background(), nil)
	s.Sync(context.Background(), present)
	s.Sync(context.Background(), nil)
	s.Sync(context.Background(), nil)
	assert.Equal(t, 1, s.Len())
}

func TestSync_IgnoresUnusablePositions(t *testing.T) {
	s := newTestService(&mockHistory{}, newMockLedger())
	require.NoError(t, s.Track(trade("t1", "cmt_btcusdt", domain.SideLong, 100, time.Hour)))

	report := s.Sync(context.Background(), []exchange.Position{
		{Symbol: "cmt_btcusdt", Side: "both", Size: 1},
		{Symbol: "cmt_btcusdt", Side: "long", Size: 0},
	})
	assert.Zero(t, report.Present)
	assert.Equal(t, 1, report.Unknown)
}

// ============================================================================
// TEST: registry
// ============================================================================

func TestTrack_RejectsDuplicateKeyAndInvalidTrades(t *testing.T) {
	s := newTestService(&mockHistory{}, newMockLedger())
	require.NoError(t, s.Track(trade("t1", "cmt_btcusdt", domain.SideLong, 100, time.Hour)))

	err := s.Track(trade("t2", "CMT_BTCUSDT", domain.SideLong, 101, 0))
	assert.ErrorIs(t, err, ErrDuplicatePosition)

	assert.NoError(t, s.Track(trade("t3", "cmt_btcusdt", domain.SideShort, 101, 0)))

	bad := trade("t4", "cmt_solusdt", domain.SideLong, 0, 0)
	assert.ErrorIs(t, s.Track(bad), ErrInvalidTrade)
}

func TestTrack_EvictsOldestWhenFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTracked = 2
	s := NewService(cfg, &mockHistory{}, newMockLedger(), zerolog.Nop())

	require.NoError(t, s.Track(trade("old", "cmt_btcusdt", domain.SideLong, 100, 3*time.Hour)))
	require.NoError(t, s.Track(trade("mid", "cmt_ethusdt", domain.SideLong, 100, 2*time.Hour)))
	require.NoError(t, s.Track(trade("new", "cmt_solusdt", domain.SideLong, 100, time.Hour)))

	ids := []string{}
	for _, tr := range s.Tracked() {
		ids = append(ids, tr.TradeID)
	}
	assert.Equal(t, []string{"mid", "new"}, ids)
}

func TestClearSymbolsAndRestore(t *testing.T) {
	ledger := newMockLedger()
	ledger.openRows = []domain.TrackedTrade{
		trade("a", "cmt_btcusdt", domain.SideLong, 100, 2*time.Hour),
		trade("b", "cmt_btcusdt", domain.SideLong, 100, time.Hour), // newer row for the same key wins
		trade("c", "cmt_ethusdt", domain.SideShort, 100, time.Hour),
	}
	s := newTestService(&mockHistory{}, ledger)

	n, err := s.Restore(context.Background(), ledger)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, s.HasOpen("cmt_btcusdt", domain.SideLong))

	assert.Equal(t, 1, s.ClearSymbols([]string{"CMT_BTCUSDT"}))
	assert.False(t, s.HasOpen("cmt_btcusdt", domain.SideLong))
	assert.Equal(t, 1, s.Len())

	s.Reset()
	assert.Zero(t, s.Len())
}

func TestReadopt_TracksOnlyLostRows(t *testing.T) {
	ledger := newMockLedger()
	s := newTestService(&mockHistory{}, ledger)
	require.NoError(t, s.Track(trade("kept", "cmt_btcusdt", domain.SideLong, 100, time.Hour)))

	ledger.openRows = []domain.TrackedTrade{
		trade("kept", "cmt_btcusdt", domain.SideLong, 100, time.Hour),
		trade("other", "cmt_btcusdt", domain.SideLong, 100, 2*time.Hour), // key already held
		trade("lost", "cmt_ethusdt", domain.SideShort, 100, time.Hour),
	}

	n, err := s.Readopt(context.Background(), ledger)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.HasOpen("cmt_ethusdt", domain.SideShort))

	n, err = s.Readopt(context.Background(), ledger)
	require.NoError(t, err)
	assert.Zero(t, n, "second pass finds nothing new")
}

func TestReadopt_SkipsStaleEvictedTrades(t *testing.T) {
	ledger := newMockLedger()
	s := newTestService(&mockHistory{}, ledger)
	stale := trade("t1", "cmt_btcusdt", domain.SideShort, 100, 80*time.Hour)
	require.NoError(t, s.Track(stale))
	for i := 0; i < 3; i++ {
		s.Sync(context.Background(), nil)
	}
	require.Zero(t, s.Len())

	ledger.openRows = []domain.TrackedTrade{stale}
	n, err := s.Readopt(context.Background(), ledger)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, s.Len())
}

func TestSync_ConcurrentCallsProcessCandidateOnce(t *testing.T) {
	history := &mockHistory{orders: map[string][]exchange.HistoryOrder{
		"cmt_btcusdt": {closeOrder("cmt_btcusdt", "close_long", 110, testNow)},
	}}
	ledger := newMockLedger()
	s := newTestService(history, ledger)
	require.NoError(t, s.Track(trade("t1", "cmt_btcusdt", domain.SideLong, 100, time.Hour)))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Sync(context.Background(), nil)
		}()
	}
	wg.Wait()

	assert.Len(t, ledger.journal, 1)
	assert.Zero(t, s.Len())
}
