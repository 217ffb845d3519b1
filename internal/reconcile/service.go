// Package reconcile keeps the registry of engine-opened positions in step
// with what the exchange reports and books closures into the ledger.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"perp-autopilot/internal/domain"
	"perp-autopilot/internal/exchange"
)

var (
	ErrDuplicatePosition = errors.New("position already tracked for symbol and side")
	ErrInvalidTrade      = errors.New("invalid tracked trade")
	ErrRegistryFull      = errors.New("tracked trade registry full")
)

// Config holds reconciliation configuration
type Config struct {
	MaxTracked            int           `json:"max_tracked"`
	StaleAge              time.Duration `json:"stale_age"`
	StaleMissingCycles    int           `json:"stale_missing_cycles"`
	HistoryLimit          int           `json:"history_limit"`
	TPSLTolerance         float64       `json:"tpsl_tolerance"`
	BreakevenThresholdPct float64       `json:"breakeven_threshold_pct"`
}

func DefaultConfig() Config {
	return Config{
		MaxTracked:            500,
		StaleAge:              72 * time.Hour,
		StaleMissingCycles:    3,
		HistoryLimit:          50,
		TPSLTolerance:         0.005,
		BreakevenThresholdPct: 0.1,
	}
}

// HistorySource provides past orders for close detection
type HistorySource interface {
	GetHistoryOrders(ctx context.Context, symbol string, limit int) ([]exchange.HistoryOrder, error)
}

// Ledger is the durable record of trades and the learning journal
type Ledger interface {
	// BookClosure fills the trade and writes its journal entry atomically.
	// It reports false when the trade was already filled and returns
	// domain.ErrNotFound when the ledger has no row for the trade.
	BookClosure(ctx context.Context, update domain.CloseUpdate, entry domain.JournalEntry) (bool, error)
}

// OpenTradeSource lists ledger trades still marked open
type OpenTradeSource interface {
	ListOpenTrades(ctx context.Context) ([]domain.TrackedTrade, error)
}

// SyncReport summarizes one reconciliation pass
type SyncReport struct {
	Present int `json:"present"`
	Closed  int `json:"closed"`
	Unknown int `json:"unknown"`
	Failed  int `json:"failed"`
	Evicted int `json:"evicted"`
}

type entry struct {
	trade   domain.TrackedTrade
	missing int
}

// Service diffs the tracked registry against exchange positions. The
// registry is a cache; the ledger is the source of truth.
type Service struct {
	config  Config
	history HistorySource
	ledger  Ledger
	logger  zerolog.Logger
	now     func() time.Time

	mu        sync.Mutex
	trades    map[string]*entry
	byKey     map[string]string // position key -> trade id
	inFlight  map[string]struct{}
	evicted   map[string]struct{} // stale trades Readopt must not bring back
	onClosure func(domain.TrackedTrade, domain.CloseResult)
}

// NewService creates a new reconciliation service
func NewService(config Config, history HistorySource, ledger Ledger, logger zerolog.Logger) *Service {
	if config.MaxTracked <= 0 {
		config.MaxTracked = DefaultConfig().MaxTracked
	}
	return &Service{
		config:   config,
		history:  history,
		ledger:   ledger,
		logger:   logger.With().Str("component", "Reconciler").Logger(),
		now:      time.Now,
		trades:   make(map[string]*entry),
		byKey:    make(map[string]string),
		inFlight: make(map[string]struct{}),
		evicted:  make(map[string]struct{}),
	}
}

// OnClosure sets a callback invoked after a closure is booked
func (s *Service) OnClosure(handler func(domain.TrackedTrade, domain.CloseResult)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClosure = handler
}

func keyOf(t domain.TrackedTrade) string {
	return exchange.PositionKey(t.Symbol, t.Side)
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Track registers a newly opened trade
func (s *Service) Track(trade domain.TrackedTrade) error {
	if trade.TradeID == "" || trade.Symbol == "" ||
		(trade.Side != domain.SideLong && trade.Side != domain.SideShort) ||
		!finitePositive(trade.Size) || !finitePositive(trade.EntryPrice) {
		return fmt.Errorf("%w: %s %s", ErrInvalidTrade, trade.TradeID, trade.Symbol)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyOf(trade)
	if id, ok := s.byKey[key]; ok && id != trade.TradeID {
		return fmt.Errorf("%w: %s", ErrDuplicatePosition, key)
	}
	if _, ok := s.trades[trade.TradeID]; !ok && len(s.trades) >= s.config.MaxTracked {
		if !s.evictOldestLocked() {
			return ErrRegistryFull
		}
	}
	if trade.OpenedAt.IsZero() {
		trade.OpenedAt = s.now()
	}
	if trade.LastSyncAt.IsZero() {
		trade.LastSyncAt = trade.OpenedAt
	}
	s.trades[trade.TradeID] = &entry{trade: trade}
	s.byKey[key] = trade.TradeID
	return nil
}

// evictOldestLocked drops the oldest trade that is not being processed
func (s *Service) evictOldestLocked() bool {
	var oldest *entry
	for id, e := range s.trades {
		if _, busy := s.inFlight[id]; busy {
			continue
		}
		if oldest == nil || e.trade.OpenedAt.Before(oldest.trade.OpenedAt) {
			oldest = e
		}
	}
	if oldest == nil {
		return false
	}
	s.logger.Warn().Str("trade_id", oldest.trade.TradeID).Str("symbol", oldest.trade.Symbol).Msg("Registry full, evicting oldest tracked trade")
	s.removeLocked(oldest.trade.TradeID)
	return true
}

func (s *Service) removeLocked(tradeID string) {
	e, ok := s.trades[tradeID]
	if !ok {
		return
	}
	delete(s.trades, tradeID)
	if s.byKey[keyOf(e.trade)] == tradeID {
		delete(s.byKey, keyOf(e.trade))
	}
}

// HasOpen reports whether a trade is tracked for symbol and side
func (s *Service) HasOpen(symbol string, side domain.Side) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byKey[exchange.PositionKey(symbol, side)]
	return ok
}

// Tracked returns a snapshot of the registry, oldest first
func (s *Service) Tracked() []domain.TrackedTrade {
	s.mu.Lock()
	out := make([]domain.TrackedTrade, 0, len(s.trades))
	for _, e := range s.trades {
		out = append(out, e.trade)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trades)
}

// ClearSymbols drops every tracked trade on the given symbols
func (s *Service) ClearSymbols(symbols []string) int {
	want := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		want[strings.ToLower(strings.TrimSpace(sym))] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.trades {
		if _, ok := want[strings.ToLower(e.trade.Symbol)]; ok {
			s.removeLocked(id)
			removed++
		}
	}
	return removed
}

// Reset empties the registry
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = make(map[string]*entry)
	s.byKey = make(map[string]string)
	s.inFlight = make(map[string]struct{})
	s.evicted = make(map[string]struct{})
}

// Restore re-tracks trades the ledger still has open. Trades that closed
// while the engine was down are booked on the next Sync.
func (s *Service) Restore(ctx context.Context, src OpenTradeSource) (int, error) {
	trades, err := src.ListOpenTrades(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list open trades: %w", err)
	}

	// newest wins when the ledger holds more than one open row per key
	sort.Slice(trades, func(i, j int) bool { return trades[i].OpenedAt.After(trades[j].OpenedAt) })
	restored := 0
	for _, t := range trades {
		if err := s.Track(t); err != nil {
			s.logger.Warn().Err(err).Str("trade_id", t.TradeID).Msg("Skipping open ledger trade")
			continue
		}
		restored++
	}
	return restored, nil
}

// Readopt tracks open ledger trades the registry lost, such as rows whose
// symbols were cleared by an emergency close. Trades already tracked, keys
// held by another trade and trades evicted as stale are skipped silently.
func (s *Service) Readopt(ctx context.Context, src OpenTradeSource) (int, error) {
	trades, err := src.ListOpenTrades(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list open trades: %w", err)
	}

	sort.Slice(trades, func(i, j int) bool { return trades[i].OpenedAt.After(trades[j].OpenedAt) })
	adopted := 0
	for _, t := range trades {
		s.mu.Lock()
		_, tracked := s.trades[t.TradeID]
		_, evicted := s.evicted[t.TradeID]
		_, held := s.byKey[keyOf(t)]
		s.mu.Unlock()
		if tracked || evicted || held {
			continue
		}
		if err := s.Track(t); err != nil {
			s.logger.Warn().Err(err).Str("trade_id", t.TradeID).Msg("Skipping open ledger trade")
			continue
		}
		adopted++
	}
	return adopted, nil
}

// Sync reconciles the registry against the exchange position list. Trades
// absent from the list are closure candidates; a candidate whose close
// cannot be determined stays tracked until the staleness rule evicts it.
func (s *Service) Sync(ctx context.Context, positions []exchange.Position) SyncReport {
	var report SyncReport

	present := make(map[string]struct{}, len(positions))
	for _, p := range positions {
		side, ok := exchange.NormalizeSide(p.Side)
		if !ok || !finitePositive(p.Size) {
			s.logger.Debug().Str("symbol", p.Symbol).Str("side", p.Side).Float64("size", p.Size).Msg("Ignoring unusable exchange position")
			continue
		}
		present[exchange.PositionKey(p.Symbol, side)] = struct{}{}
	}

	now := s.now()
	var candidates []domain.TrackedTrade

	s.mu.Lock()
	for id, e := range s.trades {
		if _, ok := present[keyOf(e.trade)]; ok {
			e.trade.LastSyncAt = now
			e.missing = 0
			report.Present++
			continue
		}
		if _, busy := s.inFlight[id]; busy {
			continue
		}
		s.inFlight[id] = struct{}{}
		candidates = append(candidates, e.trade)
	}
	s.mu.Unlock()

	for _, trade := range candidates {
		s.processCandidate(ctx, trade, &report)
	}

	s.mu.Lock()
	for id, e := range s.trades {
		if _, ok := present[keyOf(e.trade)]; ok {
			continue
		}
		if _, busy := s.inFlight[id]; busy {
			continue
		}
		e.missing++
		if now.Sub(e.trade.OpenedAt) > s.config.StaleAge && e.missing >= s.config.StaleMissingCycles {
			s.logger.Warn().
				Str("trade_id", id).
				Str("symbol", e.trade.Symbol).
				Str("side", string(e.trade.Side)).
				Int("missing_cycles", e.missing).
				Msg("Evicting stale tracked trade with no determinable close")
			s.removeLocked(id)
			s.evicted[id] = struct{}{}
			report.Evicted++
		}
	}
	s.mu.Unlock()

	return report
}

func (s *Service) processCandidate(ctx context.Context, trade domain.TrackedTrade, report *SyncReport) {
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, trade.TradeID)
		s.mu.Unlock()
	}()

	result := s.DetermineCloseResult(ctx, trade)
	if !result.Found {
		report.Unknown++
		return
	}

	err := s.HandleClosure(ctx, trade, result)
	if err != nil {
		report.Failed++
		// a trade with no ledger row cannot be booked by retrying
		if errors.Is(err, domain.ErrNotFound) {
			s.mu.Lock()
			s.removeLocked(trade.TradeID)
			s.mu.Unlock()
		}
		return
	}

	s.mu.Lock()
	s.removeLocked(trade.TradeID)
	handler := s.onClosure
	s.mu.Unlock()

	report.Closed++
	if handler != nil {
		handler(trade, result)
	}
}
