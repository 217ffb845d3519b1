package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"perp-autopilot/internal/domain"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// isDuplicateKeyError reports a PostgreSQL unique_violation
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// ============================================================================
// TRADES
// ============================================================================

// InsertTrade records a newly opened trade
func (r *Repository) InsertTrade(ctx context.Context, t domain.TrackedTrade) error {
	attribution, err := json.Marshal(t.Attribution)
	if err != nil {
		return fmt.Errorf("failed to encode attribution: %w", err)
	}
	entryContext, err := json.Marshal(t.EntryContext)
	if err != nil {
		return fmt.Errorf("failed to encode entry context: %w", err)
	}

	query := `
		INSERT INTO trades (trade_id, order_id, symbol, side, entry_price, size, leverage,
			take_profit, stop_loss, entry_fee, exit_fee, funding_paid,
			winning_agent_id, attribution, entry_context, status, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 'open', $16)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		t.TradeID, t.OrderID, t.Symbol, string(t.Side), t.EntryPrice, t.Size, t.Leverage,
		t.TakeProfit, t.StopLoss, t.EntryFee, t.ExitFee, t.FundingPaid,
		t.Attribution.WinningAgentID, attribution, entryContext, t.OpenedAt,
	)
	if isDuplicateKeyError(err) {
		return domain.ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

const tradeColumns = `trade_id, order_id, symbol, side, entry_price, size, leverage,
	take_profit, stop_loss, entry_fee, exit_fee, funding_paid, attribution, entry_context,
	status, exit_price, realized_pnl, realized_pnl_percent, COALESCE(exit_reason, ''),
	COALESCE(outcome, ''), opened_at, closed_at`

func scanTrade(row pgx.Row) (*domain.LedgerTrade, error) {
	var (
		t                         domain.LedgerTrade
		side, reason, outcome     string
		attribution, entryContext []byte
	)
	err := row.Scan(
		&t.TradeID, &t.OrderID, &t.Symbol, &side, &t.EntryPrice, &t.Size, &t.Leverage,
		&t.TakeProfit, &t.StopLoss, &t.EntryFee, &t.ExitFee, &t.FundingPaid, &attribution, &entryContext,
		&t.Status, &t.ExitPrice, &t.RealizedPnL, &t.RealizedPnLPercent, &reason,
		&outcome, &t.OpenedAt, &t.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Side = domain.Side(side)
	t.ExitReason = domain.ExitReason(reason)
	t.Outcome = domain.Outcome(outcome)
	t.LastSyncAt = t.OpenedAt
	if len(attribution) > 0 {
		if err := json.Unmarshal(attribution, &t.Attribution); err != nil {
			return nil, fmt.Errorf("failed to decode attribution: %w", err)
		}
	}
	if len(entryContext) > 0 {
		if err := json.Unmarshal(entryContext, &t.EntryContext); err != nil {
			return nil, fmt.Errorf("failed to decode entry context: %w", err)
		}
	}
	return &t, nil
}

// GetTrade returns a trade row by id
func (r *Repository) GetTrade(ctx context.Context, tradeID string) (*domain.LedgerTrade, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE trade_id = $1`, tradeID)
	t, err := scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}
	return t, nil
}

// ListOpenTrades returns every trade not yet filled, oldest first
func (r *Repository) ListOpenTrades(ctx context.Context) ([]domain.TrackedTrade, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+tradeColumns+` FROM trades WHERE status <> 'filled' ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list open trades: %w", err)
	}
	defer rows.Close()

	var trades []domain.TrackedTrade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t.TrackedTrade)
	}
	return trades, rows.Err()
}

// BookClosure fills an open trade and appends its journal entry in one
// transaction, so a filled row always has its journal entry. It reports
// false when the trade was already filled and returns domain.ErrNotFound
// when the ledger has no row for the trade.
func (r *Repository) BookClosure(ctx context.Context, u domain.CloseUpdate, e domain.JournalEntry) (bool, error) {
	scores, err := json.Marshal(e.AgentScores)
	if err != nil {
		return false, fmt.Errorf("failed to encode agent scores: %w", err)
	}
	entryContext, err := json.Marshal(e.EntryContext)
	if err != nil {
		return false, fmt.Errorf("failed to encode entry context: %w", err)
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE trades
		SET status = 'filled', exit_price = $2, realized_pnl = $3, realized_pnl_percent = $4,
			exit_reason = $5, outcome = $6, closed_at = $7, updated_at = NOW()
		WHERE trade_id = $1 AND status <> 'filled'
	`, u.TradeID, u.ExitPrice, u.RealizedPnL, u.RealizedPnLPercent,
		string(u.ExitReason), string(u.Outcome), u.ClosedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark trade closed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM trades WHERE trade_id = $1)`, u.TradeID).Scan(&exists); err != nil {
			return false, fmt.Errorf("failed to look up trade: %w", err)
		}
		if !exists {
			return false, domain.ErrNotFound
		}
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO trade_journal (trade_id, symbol, side, entry_price, exit_price, outcome, exit_reason,
			realized_pnl, realized_pnl_percent, winning_agent_id, agent_scores, entry_context,
			hold_seconds, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (trade_id) DO NOTHING
	`, e.TradeID, e.Symbol, string(e.Side), e.EntryPrice, e.ExitPrice, string(e.Outcome), string(e.ExitReason),
		e.RealizedPnL, e.RealizedPnLPercent, e.WinningAgentID, scores, entryContext,
		int64(e.HoldDuration/time.Second), createdAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to append journal entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit closure: %w", err)
	}
	return true, nil
}

// RecentRealizedPnL sums the realized P&L of trades closed since since
func (r *Repository) RecentRealizedPnL(ctx context.Context, since time.Time) (float64, error) {
	var total float64
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(realized_pnl), 0)::float8
		FROM trades
		WHERE status = 'filled' AND closed_at >= $1
	`, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum realized pnl: %w", err)
	}
	return total, nil
}

// ============================================================================
// JOURNAL
// ============================================================================

// ListJournal returns the newest entries first
func (r *Repository) ListJournal(ctx context.Context, limit int) ([]domain.JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, trade_id, symbol, side, entry_price, exit_price, outcome, exit_reason,
			realized_pnl, realized_pnl_percent, winning_agent_id, agent_scores, entry_context,
			hold_seconds, created_at
		FROM trade_journal
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list journal: %w", err)
	}
	defer rows.Close()

	var entries []domain.JournalEntry
	for rows.Next() {
		var (
			e                     domain.JournalEntry
			side, outcome, reason string
			scores, entryContext  []byte
			holdSeconds           int64
		)
		if err := rows.Scan(&e.ID, &e.TradeID, &e.Symbol, &side, &e.EntryPrice, &e.ExitPrice, &outcome, &reason,
			&e.RealizedPnL, &e.RealizedPnLPercent, &e.WinningAgentID, &scores, &entryContext,
			&holdSeconds, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.Side = domain.Side(side)
		e.Outcome = domain.Outcome(outcome)
		e.ExitReason = domain.ExitReason(reason)
		e.HoldDuration = time.Duration(holdSeconds) * time.Second
		if len(scores) > 0 {
			if err := json.Unmarshal(scores, &e.AgentScores); err != nil {
				return nil, fmt.Errorf("failed to decode agent scores for %s: %w", e.TradeID, err)
			}
		}
		if len(entryContext) > 0 {
			if err := json.Unmarshal(entryContext, &e.EntryContext); err != nil {
				return nil, fmt.Errorf("failed to decode entry context for %s: %w", e.TradeID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ============================================================================
// ATTRIBUTION
// ============================================================================

// AggregateAgentStats groups filled ledger trades by winning agent in one
// query. Sharpe is mean over sample deviation of per-trade realized P&L.
func (r *Repository) AggregateAgentStats(ctx context.Context, minSamples int) ([]domain.AgentStats, error) {
	query := `
		SELECT winning_agent_id,
			COUNT(*),
			COUNT(*) FILTER (WHERE outcome = 'WIN'),
			COUNT(*) FILTER (WHERE outcome = 'LOSS'),
			COUNT(*) FILTER (WHERE outcome = 'BREAKEVEN'),
			COALESCE(SUM(realized_pnl), 0)::float8,
			CASE WHEN COUNT(*) >= $1 AND COALESCE(STDDEV_SAMP(realized_pnl), 0) > 0
				THEN (AVG(realized_pnl) / STDDEV_SAMP(realized_pnl))::float8
			END
		FROM trades
		WHERE status = 'filled' AND winning_agent_id <> ''
		GROUP BY winning_agent_id
		ORDER BY winning_agent_id
	`
	rows, err := r.db.Pool.Query(ctx, query, minSamples)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate agent stats: %w", err)
	}
	defer rows.Close()

	var stats []domain.AgentStats
	for rows.Next() {
		var s domain.AgentStats
		if err := rows.Scan(&s.AgentID, &s.TradeCount, &s.Wins, &s.Losses, &s.Breakevens, &s.TotalPnL, &s.Sharpe); err != nil {
			return nil, fmt.Errorf("failed to scan agent stats: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// UpsertAttribution inserts or replaces an agent's attribution row
func (r *Repository) UpsertAttribution(ctx context.Context, a domain.PortfolioAttribution) error {
	query := `
		INSERT INTO agent_attribution (agent_id, trade_count, wins, losses, breakevens, total_pnl,
			win_rate, sharpe, weight_multiplier, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (agent_id) DO UPDATE
		SET trade_count = EXCLUDED.trade_count,
			wins = EXCLUDED.wins,
			losses = EXCLUDED.losses,
			breakevens = EXCLUDED.breakevens,
			total_pnl = EXCLUDED.total_pnl,
			win_rate = EXCLUDED.win_rate,
			sharpe = EXCLUDED.sharpe,
			weight_multiplier = EXCLUDED.weight_multiplier,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.Pool.Exec(ctx, query,
		a.AgentID, a.TradeCount, a.Wins, a.Losses, a.Breakevens, a.TotalPnL,
		a.WinRate, a.Sharpe, a.WeightMultiplier, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert attribution for %s: %w", a.AgentID, err)
	}
	return nil
}

// ListAttributions returns every attribution row ordered by agent
func (r *Repository) ListAttributions(ctx context.Context) ([]domain.PortfolioAttribution, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT agent_id, trade_count, wins, losses, breakevens, total_pnl, win_rate, sharpe,
			weight_multiplier, updated_at
		FROM agent_attribution
		ORDER BY agent_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list attributions: %w", err)
	}
	defer rows.Close()

	var out []domain.PortfolioAttribution
	for rows.Next() {
		var a domain.PortfolioAttribution
		if err := rows.Scan(&a.AgentID, &a.TradeCount, &a.Wins, &a.Losses, &a.Breakevens, &a.TotalPnL,
			&a.WinRate, &a.Sharpe, &a.WeightMultiplier, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attribution: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ============================================================================
// BALANCE SNAPSHOTS
// ============================================================================

// SaveBalanceSnapshot records an equity reading
func (r *Repository) SaveBalanceSnapshot(ctx context.Context, s domain.BalanceSnapshot) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO balance_snapshots (equity, available, taken_at) VALUES ($1, $2, $3)`,
		s.Equity, s.Available, s.TakenAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save balance snapshot: %w", err)
	}
	return nil
}

// GetBalanceSnapshotNear returns the snapshot closest to target within
// tolerance, or nil when there is none
func (r *Repository) GetBalanceSnapshotNear(ctx context.Context, target time.Time, tolerance time.Duration) (*domain.BalanceSnapshot, error) {
	var s domain.BalanceSnapshot
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, equity, available, taken_at
		FROM balance_snapshots
		WHERE taken_at BETWEEN $1 AND $2
		ORDER BY ABS(EXTRACT(EPOCH FROM (taken_at - $3::timestamptz)))
		LIMIT 1
	`, target.Add(-tolerance), target.Add(tolerance), target).Scan(&s.ID, &s.Equity, &s.Available, &s.TakenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load balance snapshot: %w", err)
	}
	return &s, nil
}

// LatestBalanceSnapshot returns the newest snapshot, or nil
func (r *Repository) LatestBalanceSnapshot(ctx context.Context) (*domain.BalanceSnapshot, error) {
	var s domain.BalanceSnapshot
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, equity, available, taken_at
		FROM balance_snapshots
		ORDER BY taken_at DESC
		LIMIT 1
	`).Scan(&s.ID, &s.Equity, &s.Available, &s.TakenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest balance snapshot: %w", err)
	}
	return &s, nil
}

// ============================================================================
// UPDATE LOCKS
// ============================================================================

// GetLock returns the lock row for key
func (r *Repository) GetLock(ctx context.Context, key string) (*domain.LockRow, error) {
	var row domain.LockRow
	err := r.db.Pool.QueryRow(ctx,
		`SELECT lock_key, version, updated_at FROM update_locks WHERE lock_key = $1`, key,
	).Scan(&row.Key, &row.Version, &row.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock %s: %w", key, err)
	}
	return &row, nil
}

// CreateLock inserts the lock row at version 1. A unique violation means
// another process created it first.
func (r *Repository) CreateLock(ctx context.Context, key string, now time.Time) (*domain.LockRow, error) {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO update_locks (lock_key, version, updated_at) VALUES ($1, 1, $2)`, key, now,
	)
	if isDuplicateKeyError(err) {
		return nil, domain.ErrLockExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create lock %s: %w", key, err)
	}
	return &domain.LockRow{Key: key, Version: 1, UpdatedAt: now}, nil
}

// BumpLock increments the version only if it still equals expected
func (r *Repository) BumpLock(ctx context.Context, key string, expected int64, now time.Time) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE update_locks
		SET version = version + 1, updated_at = $3
		WHERE lock_key = $1 AND version = $2
	`, key, expected, now)
	if err != nil {
		return false, fmt.Errorf("failed to bump lock %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteLock removes the row only if its version equals version
func (r *Repository) DeleteLock(ctx context.Context, key string, version int64) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM update_locks WHERE lock_key = $1 AND version = $2`, key, version,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete lock %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}
