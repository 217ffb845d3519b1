// Package memory is an in-process implementation of the ledger, journal,
// attribution, snapshot and lock stores. It backs dry runs without a
// database and the unit tests of the packages that depend on those stores.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"perp-autopilot/internal/domain"
)

// Store is an in-memory implementation of the postgres Repository.
type Store struct {
	mu           sync.RWMutex
	trades       map[string]*domain.LedgerTrade
	journal      []domain.JournalEntry
	attributions map[string]domain.PortfolioAttribution
	snapshots    []domain.BalanceSnapshot
	locks        map[string]domain.LockRow
	nextID       int64
}

// NewStore creates a new empty in-memory store.
func NewStore() *Store {
	return &Store{
		trades:       make(map[string]*domain.LedgerTrade),
		attributions: make(map[string]domain.PortfolioAttribution),
		locks:        make(map[string]domain.LockRow),
	}
}

// ============================================================================
// TRADES
// ============================================================================

// InsertTrade records a newly opened trade.
func (s *Store) InsertTrade(_ context.Context, trade domain.TrackedTrade) error {
	if trade.TradeID == "" {
		return domain.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.trades[trade.TradeID]; ok {
		return domain.ErrDuplicateKey
	}
	s.trades[trade.TradeID] = &domain.LedgerTrade{TrackedTrade: trade, Status: domain.TradeStatusOpen}
	return nil
}

// GetTrade returns a trade row by id.
func (s *Store) GetTrade(_ context.Context, tradeID string) (*domain.LedgerTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[tradeID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// ListOpenTrades returns every trade not yet filled, oldest first.
func (s *Store) ListOpenTrades(_ context.Context) ([]domain.TrackedTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.TrackedTrade, 0)
	for _, t := range s.trades {
		if t.Status != domain.TradeStatusFilled {
			out = append(out, t.TrackedTrade)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

// BookClosure fills an open trade and appends its journal entry atomically.
// It reports false when the trade was already filled and returns
// domain.ErrNotFound when there is no row for the trade.
func (s *Store) BookClosure(_ context.Context, u domain.CloseUpdate, entry domain.JournalEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[u.TradeID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if t.Status == domain.TradeStatusFilled {
		return false, nil
	}

	exit, pnl, pct, closed := u.ExitPrice, u.RealizedPnL, u.RealizedPnLPercent, u.ClosedAt
	t.Status = domain.TradeStatusFilled
	t.ExitPrice = &exit
	t.RealizedPnL = &pnl
	t.RealizedPnLPercent = &pct
	t.ExitReason = u.ExitReason
	t.Outcome = u.Outcome
	t.ClosedAt = &closed

	if !s.hasJournalLocked(entry.TradeID) {
		s.nextID++
		entry.ID = s.nextID
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now()
		}
		s.journal = append(s.journal, entry)
	}
	return true, nil
}

// RecentRealizedPnL sums the realized P&L of trades closed since since.
func (s *Store) RecentRealizedPnL(_ context.Context, since time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total float64
	for _, t := range s.trades {
		if t.Status == domain.TradeStatusFilled && t.ClosedAt != nil && !t.ClosedAt.Before(since) && t.RealizedPnL != nil {
			total += *t.RealizedPnL
		}
	}
	return total, nil
}

// ============================================================================
// JOURNAL
// ============================================================================

func (s *Store) hasJournalLocked(tradeID string) bool {
	for _, e := range s.journal {
		if e.TradeID == tradeID {
			return true
		}
	}
	return false
}

// ListJournal returns the newest entries first.
func (s *Store) ListJournal(_ context.Context, limit int) ([]domain.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.JournalEntry, 0, len(s.journal))
	for i := len(s.journal) - 1; i >= 0; i-- {
		out = append(out, s.journal[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ============================================================================
// ATTRIBUTION
// ============================================================================

// AggregateAgentStats groups filled trades by winning agent.
func (s *Store) AggregateAgentStats(_ context.Context, minSamples int) ([]domain.AgentStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byAgent := make(map[string]*domain.AgentStats)
	pnls := make(map[string][]float64)
	for _, t := range s.trades {
		agent := t.Attribution.WinningAgentID
		if t.Status != domain.TradeStatusFilled || agent == "" {
			continue
		}
		st, ok := byAgent[agent]
		if !ok {
			st = &domain.AgentStats{AgentID: agent}
			byAgent[agent] = st
		}
		st.TradeCount++
		switch t.Outcome {
		case domain.OutcomeWin:
			st.Wins++
		case domain.OutcomeLoss:
			st.Losses++
		default:
			st.Breakevens++
		}
		var pnl float64
		if t.RealizedPnL != nil {
			pnl = *t.RealizedPnL
		}
		st.TotalPnL += pnl
		pnls[agent] = append(pnls[agent], pnl)
	}

	out := make([]domain.AgentStats, 0, len(byAgent))
	for id, st := range byAgent {
		st.Sharpe = domain.SharpeRatio(pnls[id], minSamples)
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// UpsertAttribution inserts or replaces an agent's attribution row.
func (s *Store) UpsertAttribution(_ context.Context, a domain.PortfolioAttribution) error {
	if a.AgentID == "" {
		return domain.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.attributions[a.AgentID] = a
	return nil
}

// ListAttributions returns every attribution row ordered by agent.
func (s *Store) ListAttributions(_ context.Context) ([]domain.PortfolioAttribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.PortfolioAttribution, 0, len(s.attributions))
	for _, a := range s.attributions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// ============================================================================
// BALANCE SNAPSHOTS
// ============================================================================

// SaveBalanceSnapshot records an equity reading.
func (s *Store) SaveBalanceSnapshot(_ context.Context, snap domain.BalanceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	snap.ID = s.nextID
	s.snapshots = append(s.snapshots, snap)
	return nil
}

// GetBalanceSnapshotNear returns the snapshot closest to target within
// tolerance, or nil when there is none.
func (s *Store) GetBalanceSnapshotNear(_ context.Context, target time.Time, tolerance time.Duration) (*domain.BalanceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *domain.BalanceSnapshot
	var bestDist time.Duration
	for i := range s.snapshots {
		dist := s.snapshots[i].TakenAt.Sub(target)
		if dist < 0 {
			dist = -dist
		}
		if dist > tolerance {
			continue
		}
		if best == nil || dist < bestDist {
			cp := s.snapshots[i]
			best, bestDist = &cp, dist
		}
	}
	return best, nil
}

// LatestBalanceSnapshot returns the newest snapshot, or nil.
func (s *Store) LatestBalanceSnapshot(_ context.Context) (*domain.BalanceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.BalanceSnapshot
	for i := range s.snapshots {
		if latest == nil || s.snapshots[i].TakenAt.After(latest.TakenAt) {
			cp := s.snapshots[i]
			latest = &cp
		}
	}
	return latest, nil
}

// ============================================================================
// UPDATE LOCKS
// ============================================================================

// GetLock returns the lock row for key.
func (s *Store) GetLock(_ context.Context, key string) (*domain.LockRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.locks[normalizeKey(key)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &row, nil
}

// CreateLock inserts the lock row at version 1.
func (s *Store) CreateLock(_ context.Context, key string, now time.Time) (*domain.LockRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := normalizeKey(key)
	if _, ok := s.locks[k]; ok {
		return nil, domain.ErrLockExists
	}
	row := domain.LockRow{Key: key, Version: 1, UpdatedAt: now}
	s.locks[k] = row
	return &row, nil
}

// BumpLock increments the version if it still equals expected.
func (s *Store) BumpLock(_ context.Context, key string, expected int64, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := normalizeKey(key)
	row, ok := s.locks[k]
	if !ok || row.Version != expected {
		return false, nil
	}
	row.Version++
	row.UpdatedAt = now
	s.locks[k] = row
	return true, nil
}

// DeleteLock removes the row if its version equals version.
func (s *Store) DeleteLock(_ context.Context, key string, version int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := normalizeKey(key)
	row, ok := s.locks[k]
	if !ok || row.Version != version {
		return false, nil
	}
	delete(s.locks, k)
	return true, nil
}

func normalizeKey(key string) string {
	return strings.TrimSpace(key)
}
