package portfolio

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"perp-autopilot/internal/domain"
)

// AttributionStore reads the journal aggregate and writes attribution rows
type AttributionStore interface {
	// AggregateAgentStats groups filled journal entries by winning agent.
	// Sharpe is nil for agents with fewer than minSamples trades.
	AggregateAgentStats(ctx context.Context, minSamples int) ([]domain.AgentStats, error)
	UpsertAttribution(ctx context.Context, attribution domain.PortfolioAttribution) error
}

// Config holds aggregator configuration
type Config struct {
	Lock             LockConfig `json:"lock"`
	MinSharpeSamples int        `json:"min_sharpe_samples"`
}

func DefaultConfig() Config {
	return Config{
		Lock:             DefaultLockConfig(),
		MinSharpeSamples: 5,
	}
}

// Result summarizes one aggregation attempt
type Result struct {
	Skipped  bool          `json:"skipped"`
	Agents   int           `json:"agents"`
	Written  int           `json:"written"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// Aggregator recomputes attribution while holding the update lock
type Aggregator struct {
	config Config
	lock   *DistributedLock
	store  AttributionStore
	logger zerolog.Logger
	now    func() time.Time
}

// NewAggregator creates a new aggregator
func NewAggregator(config Config, lockStore LockStore, store AttributionStore, logger zerolog.Logger) *Aggregator {
	if config.MinSharpeSamples <= 0 {
		config.MinSharpeSamples = DefaultConfig().MinSharpeSamples
	}
	return &Aggregator{
		config: config,
		lock:   NewDistributedLock(config.Lock, lockStore, logger),
		store:  store,
		logger: logger.With().Str("component", "PortfolioAggregator").Logger(),
		now:    time.Now,
	}
}

// Run recomputes every agent's attribution. When another process holds the
// lock the run is skipped without error.
func (a *Aggregator) Run(ctx context.Context) (Result, error) {
	start := a.now()
	var result Result

	lease, ok, err := a.lock.Acquire(ctx)
	if err != nil {
		return result, err
	}
	if !ok {
		result.Skipped = true
		return result, nil
	}
	defer func() {
		if err := a.lock.Release(context.WithoutCancel(ctx), lease); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to release update lock")
		}
	}()

	stats, err := a.store.AggregateAgentStats(ctx, a.config.MinSharpeSamples)
	if err != nil {
		return result, fmt.Errorf("failed to aggregate agent stats: %w", err)
	}
	result.Agents = len(stats)

	updatedAt := a.now()
	for _, s := range stats {
		attr := domain.PortfolioAttribution{
			AgentID:          s.AgentID,
			TradeCount:       s.TradeCount,
			Wins:             s.Wins,
			Losses:           s.Losses,
			Breakevens:       s.Breakevens,
			TotalPnL:         s.TotalPnL,
			WinRate:          s.WinRate(),
			Sharpe:           s.Sharpe,
			WeightMultiplier: WeightMultiplier(s, a.config.MinSharpeSamples),
			UpdatedAt:        updatedAt,
		}
		if err := a.store.UpsertAttribution(ctx, attr); err != nil {
			result.Failed++
			a.logger.Warn().Err(err).Str("agent_id", s.AgentID).Msg("Failed to upsert agent attribution")
			continue
		}
		result.Written++
	}

	result.Duration = a.now().Sub(start)
	if result.Agents > 0 && result.Failed*2 > result.Agents {
		a.logger.Error().
			Str("severity", "critical").
			Int("failed", result.Failed).
			Int("agents", result.Agents).
			Msg("Majority of attribution writes failed")
	} else {
		a.logger.Info().
			Int("agents", result.Agents).
			Int("written", result.Written).
			Int("failed", result.Failed).
			Dur("duration", result.Duration).
			Msg("Portfolio attribution recomputed")
	}
	return result, nil
}

// WeightMultiplier scales an agent's vote in future debates. Agents below
// the sample minimum keep a neutral weight.
func WeightMultiplier(s domain.AgentStats, minSamples int) float64 {
	if s.TradeCount < minSamples {
		return 1.0
	}
	w := 1 + (s.WinRate() - 0.5)
	if s.Sharpe != nil && !math.IsNaN(*s.Sharpe) && !math.IsInf(*s.Sharpe, 0) {
		w += 0.1 * *s.Sharpe
	}
	return math.Max(0.5, math.Min(1.5, w))
}
