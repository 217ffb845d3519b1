package circuit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"perp-autopilot/internal/domain"
	"perp-autopilot/internal/exchange"
)

// Config holds circuit breaker configuration. Percent thresholds are
// positive magnitudes of a drop or loss.
type Config struct {
	Enabled            bool          `json:"enabled"`
	CacheTTL           time.Duration `json:"cache_ttl"`
	EvaluationTimeout  time.Duration `json:"evaluation_timeout"`
	ReferenceSymbol    string        `json:"reference_symbol"`
	FundingSymbols     []string      `json:"funding_symbols"`
	PriceDropYellowPct float64       `json:"price_drop_yellow_pct"`
	PriceDropOrangePct float64       `json:"price_drop_orange_pct"`
	PriceDropRedPct    float64       `json:"price_drop_red_pct"`
	FundingYellowRate  float64       `json:"funding_yellow_rate"`
	FundingOrangeRate  float64       `json:"funding_orange_rate"`
	DrawdownYellowPct  float64       `json:"drawdown_yellow_pct"`
	DrawdownOrangePct  float64       `json:"drawdown_orange_pct"`
	DrawdownRedPct     float64       `json:"drawdown_red_pct"`
	SnapshotLookback   time.Duration `json:"snapshot_lookback"`
	SnapshotTolerance  time.Duration `json:"snapshot_tolerance"`
	MaxLatency         time.Duration `json:"max_latency"`
	MaxClockSkew       time.Duration `json:"max_clock_skew"`
	SafeMaxLeverage    int           `json:"safe_max_leverage"`
}

// DefaultConfig returns safe defaults
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		CacheTTL:           30 * time.Second,
		EvaluationTimeout:  15 * time.Second,
		ReferenceSymbol:    "cmt_btcusdt",
		PriceDropYellowPct: 5,
		PriceDropOrangePct: 10,
		PriceDropRedPct:    15,
		FundingYellowRate:  0.0005,
		FundingOrangeRate:  0.001,
		DrawdownYellowPct:  5,
		DrawdownOrangePct:  10,
		DrawdownRedPct:     15,
		SnapshotLookback:   24 * time.Hour,
		SnapshotTolerance:  2 * time.Hour,
		MaxLatency:         3 * time.Second,
		MaxClockSkew:       5 * time.Second,
		SafeMaxLeverage:    5,
	}
}

// Exchange is the market and account surface the breaker reads
type Exchange interface {
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error)
	GetFundingRate(ctx context.Context, symbol string) (*exchange.FundingRate, error)
	GetAccountAssets(ctx context.Context) (*exchange.AccountAssets, error)
	GetServerTime(ctx context.Context) (time.Time, error)
}

// SnapshotStore provides the drawdown reference balance
type SnapshotStore interface {
	// GetBalanceSnapshotNear returns the snapshot closest to target within
	// tolerance, or nil when there is none.
	GetBalanceSnapshotNear(ctx context.Context, target time.Time, tolerance time.Duration) (*domain.BalanceSnapshot, error)
}

type signal struct {
	level  Level
	reason string
}

// Breaker evaluates market and account risk into one tiered Status.
// Concurrent Check calls share one evaluation and its result is cached for CacheTTL.
type Breaker struct {
	config    Config
	exchange  Exchange
	snapshots SnapshotStore
	logger    zerolog.Logger
	group     singleflight.Group
	now       func() time.Time

	mu         sync.RWMutex
	last       *Status
	cachedAt   time.Time
	onEvaluate func(Status)
}

// NewBreaker creates a new circuit breaker. snapshots may be nil, in which
// case the drawdown signal never fires.
func NewBreaker(config Config, ex Exchange, snapshots SnapshotStore, logger zerolog.Logger) *Breaker {
	if config.EvaluationTimeout <= 0 {
		config.EvaluationTimeout = DefaultConfig().EvaluationTimeout
	}
	if config.SnapshotLookback <= 0 {
		config.SnapshotLookback = DefaultConfig().SnapshotLookback
	}
	return &Breaker{
		config:    config,
		exchange:  ex,
		snapshots: snapshots,
		logger:    logger.With().Str("component", "CircuitBreaker").Logger(),
		now:       time.Now,
	}
}

// OnEvaluate sets a callback invoked after every fresh evaluation
func (b *Breaker) OnEvaluate(handler func(Status)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onEvaluate = handler
}

// MaxLeverage returns the leverage ceiling for level under this configuration
func (b *Breaker) MaxLeverage(level Level) int {
	return MaxLeverage(level, b.config.SafeMaxLeverage)
}

// Last returns the most recent evaluation without triggering one
func (b *Breaker) Last() (Status, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.last == nil {
		return Status{}, false
	}
	return *b.last, true
}

func (b *Breaker) cached() (Status, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.last == nil || b.now().Sub(b.cachedAt) >= b.config.CacheTTL {
		return Status{}, false
	}
	return *b.last, true
}

// Check returns the current tiered status, evaluating at most once per TTL
// window no matter how many callers arrive concurrently.
func (b *Breaker) Check(ctx context.Context) Status {
	if !b.config.Enabled {
		return Status{Level: LevelNone, Reason: "circuit breaker disabled", Timestamp: b.now()}
	}
	if s, ok := b.cached(); ok {
		return s
	}

	ch := b.group.DoChan("check", func() (interface{}, error) {
		// a flight that started after the previous one finished may find a fresh result
		if s, ok := b.cached(); ok {
			return s, nil
		}
		evalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.config.EvaluationTimeout)
		defer cancel()

		s := b.evaluate(evalCtx)

		b.mu.Lock()
		b.last = &s
		b.cachedAt = b.now()
		handler := b.onEvaluate
		b.mu.Unlock()

		if handler != nil {
			handler(s)
		}
		return s, nil
	})

	select {
	case res := <-ch:
		return res.Val.(Status)
	case <-ctx.Done():
		if s, ok := b.Last(); ok {
			return s
		}
		return Status{Level: LevelYellow, Reason: "circuit breaker evaluation abandoned: " + ctx.Err().Error(), Timestamp: b.now()}
	}
}

func (b *Breaker) evaluate(ctx context.Context) Status {
	status := Status{Level: LevelNone, Reason: "all systems normal", Timestamp: b.now()}

	drop := b.checkPriceDrop(ctx, &status)
	if drop.level == LevelRed {
		status.Level, status.Reason = drop.level, drop.reason
		b.logger.Warn().Str("level", status.Level.String()).Str("reason", status.Reason).Msg("Circuit breaker tripped on price drop")
		return status
	}

	var drawdown, funding, health signal
	var fundingRate *float64
	var drawdownPct *float64
	var degraded bool

	var g errgroup.Group
	g.Go(func() error {
		drawdown, drawdownPct = b.checkDrawdown(ctx)
		return nil
	})
	g.Go(func() error {
		funding, fundingRate = b.checkFunding(ctx)
		return nil
	})
	g.Go(func() error {
		health, degraded = b.checkExchangeHealth(ctx)
		return nil
	})
	_ = g.Wait()

	status.Drawdown24h = drawdownPct
	status.ExtremeFunding = fundingRate
	status.ExchangeDegraded = degraded

	// strictly greater keeps the earlier signal on ties
	winner := signal{level: LevelNone}
	for _, s := range []signal{drop, drawdown, funding, health} {
		if s.level > winner.level {
			winner = s
		}
	}
	if winner.level > LevelNone {
		status.Level, status.Reason = winner.level, winner.reason
		b.logger.Info().Str("level", status.Level.String()).Str("reason", status.Reason).Msg("Circuit breaker alert")
	}
	return status
}

func validPositive(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

func tier(magnitude, yellow, orange, red float64) Level {
	switch {
	case red > 0 && magnitude >= red:
		return LevelRed
	case orange > 0 && magnitude >= orange:
		return LevelOrange
	case yellow > 0 && magnitude >= yellow:
		return LevelYellow
	default:
		return LevelNone
	}
}

// checkPriceDrop compares the last 4h candle's close to its open
func (b *Breaker) checkPriceDrop(ctx context.Context, status *Status) signal {
	candles, err := b.exchange.GetCandles(ctx, b.config.ReferenceSymbol, "4h", 1)
	if err != nil {
		b.logger.Warn().Err(err).Str("symbol", b.config.ReferenceSymbol).Msg("Failed to fetch reference candles")
		return signal{}
	}
	if len(candles) == 0 {
		return signal{}
	}
	c := candles[len(candles)-1]
	if !validPositive(c.Open) || !validPositive(c.Close) {
		return signal{}
	}

	change := (c.Close - c.Open) / c.Open * 100
	status.BTCDrop4h = &change
	if change >= 0 {
		return signal{}
	}
	level := tier(-change, b.config.PriceDropYellowPct, b.config.PriceDropOrangePct, b.config.PriceDropRedPct)
	return signal{
		level:  level,
		reason: fmt.Sprintf("%s dropped %.2f%% over 4h", b.config.ReferenceSymbol, -change),
	}
}

// checkDrawdown fails closed: an unreadable balance is a YELLOW alert
func (b *Breaker) checkDrawdown(ctx context.Context) (signal, *float64) {
	assets, err := b.exchange.GetAccountAssets(ctx)
	if err != nil {
		return signal{level: LevelYellow, reason: "account balance unavailable: " + err.Error()}, nil
	}
	if assets == nil || !validPositive(assets.Equity) {
		return signal{level: LevelYellow, reason: "account balance unavailable: invalid equity reading"}, nil
	}
	if b.snapshots == nil {
		return signal{}, nil
	}

	target := b.now().Add(-b.config.SnapshotLookback)
	snap, err := b.snapshots.GetBalanceSnapshotNear(ctx, target, b.config.SnapshotTolerance)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Failed to load reference balance snapshot")
		return signal{}, nil
	}
	if snap == nil || !validPositive(snap.Equity) {
		return signal{}, nil
	}

	change := (assets.Equity - snap.Equity) / snap.Equity * 100
	if change >= 0 {
		return signal{}, &change
	}
	level := tier(-change, b.config.DrawdownYellowPct, b.config.DrawdownOrangePct, b.config.DrawdownRedPct)
	return signal{
		level:  level,
		reason: fmt.Sprintf("account drawdown %.2f%% over 24h", -change),
	}, &change
}

// checkFunding fetches every funding symbol concurrently and rates the most extreme
func (b *Breaker) checkFunding(ctx context.Context) (signal, *float64) {
	if len(b.config.FundingSymbols) == 0 {
		return signal{}, nil
	}

	rates := make([]*float64, len(b.config.FundingSymbols))
	var g errgroup.Group
	g.SetLimit(8)
	for i, symbol := range b.config.FundingSymbols {
		g.Go(func() error {
			fr, err := b.exchange.GetFundingRate(ctx, symbol)
			if err != nil {
				b.logger.Debug().Err(err).Str("symbol", symbol).Msg("Funding rate unavailable")
				return nil
			}
			if fr != nil && !math.IsNaN(fr.Rate) && !math.IsInf(fr.Rate, 0) {
				rate := fr.Rate
				rates[i] = &rate
			}
			return nil
		})
	}
	_ = g.Wait()

	var extreme *float64
	extremeSymbol := ""
	for i, r := range rates {
		if r != nil && (extreme == nil || math.Abs(*r) > math.Abs(*extreme)) {
			extreme = r
			extremeSymbol = b.config.FundingSymbols[i]
		}
	}
	if extreme == nil {
		return signal{}, nil
	}

	level := tier(math.Abs(*extreme), b.config.FundingYellowRate, b.config.FundingOrangeRate, 0)
	return signal{
		level:  level,
		reason: fmt.Sprintf("extreme funding rate %.4f%% on %s", *extreme*100, extremeSymbol),
	}, extreme
}

func (b *Breaker) checkExchangeHealth(ctx context.Context) (signal, bool) {
	start := b.now()
	serverTime, err := b.exchange.GetServerTime(ctx)
	latency := b.now().Sub(start)
	if err != nil {
		return signal{level: LevelOrange, reason: "exchange unreachable: " + err.Error()}, true
	}
	if b.config.MaxLatency > 0 && latency > b.config.MaxLatency {
		return signal{level: LevelYellow, reason: fmt.Sprintf("exchange latency %s", latency.Round(time.Millisecond))}, true
	}
	skew := serverTime.Sub(start)
	if skew < 0 {
		skew = -skew
	}
	if b.config.MaxClockSkew > 0 && skew > b.config.MaxClockSkew+latency {
		return signal{level: LevelYellow, reason: fmt.Sprintf("exchange clock skew %s", skew.Round(time.Millisecond))}, true
	}
	return signal{}, false
}

// GetStats returns the last evaluation for status endpoints
func (b *Breaker) GetStats() map[string]interface{} {
	s, ok := b.Last()
	if !ok {
		return map[string]interface{}{"enabled": b.config.Enabled, "evaluated": false}
	}
	return map[string]interface{}{
		"enabled":            b.config.Enabled,
		"evaluated":          true,
		"level":              s.Level.String(),
		"reason":             s.Reason,
		"recommended_action": RecommendedAction(s.Level),
		"max_leverage":       b.MaxLeverage(s.Level),
		"timestamp":          s.Timestamp,
	}
}
