// Package autopilot runs the trading cycle loop: market fetch, circuit
// breaker, the decision pipeline, execution and post-cycle reconciliation.
package autopilot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"perp-autopilot/internal/cache"
	"perp-autopilot/internal/circuit"
	"perp-autopilot/internal/decision"
	"perp-autopilot/internal/domain"
	"perp-autopilot/internal/events"
	"perp-autopilot/internal/exchange"
	"perp-autopilot/internal/metrics"
	"perp-autopilot/internal/portfolio"
	"perp-autopilot/internal/reconcile"
	"perp-autopilot/internal/risk"
)

// State of the engine lifecycle
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// ErrStopping is returned by Start while the previous loop is winding down
var ErrStopping = errors.New("engine is stopping")

// Config holds cycle controller configuration
type Config struct {
	Symbols          []string      `json:"symbols"`
	BaseInterval     time.Duration `json:"base_interval"`
	MinConfidence    float64       `json:"min_confidence"`
	CandleInterval   string        `json:"candle_interval"`
	CandleLimit      int           `json:"candle_limit"`
	MarketTimeout    time.Duration `json:"market_timeout"`
	MarketFanOut     int           `json:"market_fan_out"`
	CleanupTimeout   time.Duration `json:"cleanup_timeout"`
	SnapshotInterval time.Duration `json:"snapshot_interval"`
	HistorySize      int           `json:"history_size"`
}

func DefaultConfig() Config {
	return Config{
		Symbols:          []string{"cmt_btcusdt", "cmt_ethusdt"},
		BaseInterval:     5 * time.Minute,
		MinConfidence:    0.65,
		CandleInterval:   "1h",
		CandleLimit:      48,
		MarketTimeout:    10 * time.Second,
		MarketFanOut:     8,
		CleanupTimeout:   30 * time.Second,
		SnapshotInterval: time.Hour,
		HistorySize:      50,
	}
}

// Breaker is the alert evaluator consulted every cycle
type Breaker interface {
	Check(ctx context.Context) circuit.Status
	MaxLeverage(level circuit.Level) int
}

// Reconciler owns the tracked trade registry
type Reconciler interface {
	Track(trade domain.TrackedTrade) error
	HasOpen(symbol string, side domain.Side) bool
	Tracked() []domain.TrackedTrade
	Len() int
	ClearSymbols(symbols []string) int
	Restore(ctx context.Context, src reconcile.OpenTradeSource) (int, error)
	Readopt(ctx context.Context, src reconcile.OpenTradeSource) (int, error)
	Sync(ctx context.Context, positions []exchange.Position) reconcile.SyncReport
	Reset()
}

// Aggregator recomputes agent attribution after each cycle
type Aggregator interface {
	Run(ctx context.Context) (portfolio.Result, error)
}

// TradeStore is the slice of the ledger the controller writes
type TradeStore interface {
	InsertTrade(ctx context.Context, trade domain.TrackedTrade) error
	ListOpenTrades(ctx context.Context) ([]domain.TrackedTrade, error)
	RecentRealizedPnL(ctx context.Context, since time.Time) (float64, error)
	SaveBalanceSnapshot(ctx context.Context, snap domain.BalanceSnapshot) error
	LatestBalanceSnapshot(ctx context.Context) (*domain.BalanceSnapshot, error)
}

// StatusPublisher receives status snapshots after every cycle
type StatusPublisher interface {
	Publish(ctx context.Context, name string, value interface{})
}

// Deps are the collaborators injected into the controller. Exchange,
// Breaker, Reconciler and Risk are required.
type Deps struct {
	Exchange   exchange.Client
	Pipeline   decision.Pipeline
	Breaker    Breaker
	Reconciler Reconciler
	Aggregator Aggregator
	Store      TradeStore
	Risk       *risk.Manager
	Bus        *events.EventBus
	Metrics    *metrics.Metrics
	Publisher  StatusPublisher
}

// Cycle is the record of one loop iteration
type Cycle struct {
	Number         int64         `json:"number"`
	TraceID        string        `json:"trace_id"`
	StartedAt      time.Time     `json:"started_at"`
	EndedAt        time.Time     `json:"ended_at,omitempty"`
	Symbols        []string      `json:"symbols"`
	Selected       string        `json:"selected,omitempty"`
	TradesExecuted int           `json:"trades_executed"`
	DebatesRun     int           `json:"debates_run"`
	BreakerLevel   circuit.Level `json:"breaker_level"`
	Errors         []string      `json:"errors"`
}

func (c *Cycle) clone() Cycle {
	out := *c
	out.Symbols = append([]string(nil), c.Symbols...)
	out.Errors = append([]string(nil), c.Errors...)
	return out
}

// Duration of a completed cycle
func (c Cycle) Duration() time.Duration {
	if c.EndedAt.IsZero() {
		return 0
	}
	return c.EndedAt.Sub(c.StartedAt)
}

// AccountState is the last good account reading
type AccountState struct {
	Assets    *exchange.AccountAssets `json:"assets,omitempty"`
	Positions []exchange.Position     `json:"positions"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// Status is the engine snapshot served to operators
type Status struct {
	State         State           `json:"state"`
	Running       bool            `json:"running"`
	OperatorID    string          `json:"operator_id,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CycleCount    int64           `json:"cycle_count"`
	CurrentCycle  *Cycle          `json:"current_cycle,omitempty"`
	LastCycle     *Cycle          `json:"last_cycle,omitempty"`
	RecentCycles  []Cycle         `json:"recent_cycles"`
	Account       AccountState    `json:"account"`
	Breaker       *circuit.Status `json:"breaker,omitempty"`
	TrackedTrades int             `json:"tracked_trades"`
	Errors        []string        `json:"errors"`
	NextCycleAt   *time.Time      `json:"next_cycle_at,omitempty"`
}

// Controller drives one cooperative cycle loop per process
type Controller struct {
	config     Config
	exchange   exchange.Client
	pipeline   decision.Pipeline
	breaker    Breaker
	reconciler Reconciler
	aggregator Aggregator
	store      TradeStore
	risk       *risk.Manager
	bus        *events.EventBus
	metrics    *metrics.Metrics
	publisher  StatusPublisher
	logger     zerolog.Logger

	now      func() time.Time
	interval func(time.Time) time.Duration

	mu          sync.RWMutex
	state       State
	operatorID  string
	startedAt   time.Time
	cycleCount  int64
	current     *Cycle
	history     []Cycle
	account     AccountState
	lastErrors  []string
	lastBreaker *circuit.Status
	nextCycleAt time.Time
	stopPending bool // Stop arrived while starting
	stopCh      chan struct{}
	done        chan struct{}
}

// NewController creates a stopped controller
func NewController(config Config, deps Deps, logger zerolog.Logger) (*Controller, error) {
	if deps.Exchange == nil || deps.Breaker == nil || deps.Reconciler == nil || deps.Risk == nil {
		return nil, fmt.Errorf("autopilot: exchange, breaker, reconciler and risk manager are required")
	}
	def := DefaultConfig()
	if len(config.Symbols) == 0 {
		return nil, fmt.Errorf("autopilot: at least one symbol is required")
	}
	if config.MarketTimeout <= 0 {
		config.MarketTimeout = def.MarketTimeout
	}
	if config.MarketFanOut <= 0 {
		config.MarketFanOut = def.MarketFanOut
	}
	if config.CleanupTimeout <= 0 {
		config.CleanupTimeout = def.CleanupTimeout
	}
	if config.HistorySize <= 0 {
		config.HistorySize = def.HistorySize
	}
	if config.CandleInterval == "" {
		config.CandleInterval = def.CandleInterval
	}
	if config.CandleLimit <= 0 {
		config.CandleLimit = def.CandleLimit
	}
	if deps.Pipeline == nil {
		deps.Pipeline = decision.Disabled{}
	}
	if deps.Bus == nil {
		deps.Bus = events.NewEventBus(events.DefaultConfig(), logger)
	}

	scheduler := NewScheduler(config.BaseInterval)
	return &Controller{
		config:     config,
		exchange:   deps.Exchange,
		pipeline:   deps.Pipeline,
		breaker:    deps.Breaker,
		reconciler: deps.Reconciler,
		aggregator: deps.Aggregator,
		store:      deps.Store,
		risk:       deps.Risk,
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		publisher:  deps.Publisher,
		logger:     logger.With().Str("component", "Autopilot").Logger(),
		now:        time.Now,
		interval:   scheduler.Interval,
		state:      StateStopped,
	}, nil
}

// Start initializes account state, restores tracked trades from the ledger
// and launches the loop. It is a no-op while starting or running. A Stop
// received during initialization cancels the start.
func (c *Controller) Start(ctx context.Context, operatorID string) error {
	c.mu.Lock()
	switch c.state {
	case StateRunning, StateStarting:
		c.mu.Unlock()
		c.logger.Debug().Str("operator_id", operatorID).Msg("Start ignored, engine already active")
		return nil
	case StateStopping:
		c.mu.Unlock()
		return ErrStopping
	}
	c.state = StateStarting
	c.stopPending = false
	c.mu.Unlock()

	if err := c.initialize(ctx); err != nil {
		c.mu.Lock()
		c.state = StateStopped
		c.stopPending = false
		c.mu.Unlock()
		c.logger.Error().Err(err).Str("operator_id", operatorID).Msg("Engine failed to start")
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	stopCh := make(chan struct{})
	done := make(chan struct{})

	c.mu.Lock()
	if c.stopPending {
		c.stopPending = false
		c.state = StateStopped
		c.mu.Unlock()
		c.logger.Info().Str("operator_id", operatorID).Msg("Engine start cancelled by stop request")
		return nil
	}
	c.state = StateRunning
	c.operatorID = operatorID
	c.startedAt = c.now()
	c.stopCh = stopCh
	c.done = done
	c.mu.Unlock()

	c.metrics.SetRunning(true)
	c.bus.PublishStarted(operatorID)
	c.logger.Info().
		Str("operator_id", operatorID).
		Strs("symbols", c.config.Symbols).
		Dur("base_interval", c.config.BaseInterval).
		Msg("Engine started")

	// in-flight calls outlive the caller's request
	go c.runLoop(context.WithoutCancel(ctx), stopCh, done)
	return nil
}

func (c *Controller) initialize(ctx context.Context) error {
	assets, err := c.exchange.GetAccountAssets(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch account assets: %w", err)
	}
	positions, err := c.exchange.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch positions: %w", err)
	}

	c.mu.Lock()
	c.account = AccountState{Assets: assets, Positions: positions, UpdatedAt: c.now()}
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	restored, err := c.reconciler.Restore(ctx, c.store)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Could not restore tracked trades from ledger")
		return nil
	}
	if restored > 0 {
		c.logger.Info().Int("restored", restored).Msg("Restored tracked trades from ledger")
	}
	return nil
}

// Stop requests the loop to exit after the current iteration and aborts
// the pending inter-cycle sleep. It does not wait.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state == StateStarting {
		c.stopPending = true
		c.mu.Unlock()
		c.logger.Info().Msg("Engine stop requested during start")
		return
	}
	if c.state != StateRunning {
		c.mu.Unlock()
		return
	}
	c.state = StateStopping
	close(c.stopCh)
	operatorID := c.operatorID
	c.mu.Unlock()

	c.logger.Info().Str("operator_id", operatorID).Msg("Engine stop requested")
}

// Cleanup stops the engine, waits up to CleanupTimeout for the loop and
// drops all in-memory state.
func (c *Controller) Cleanup() {
	c.Stop()

	c.mu.RLock()
	done := c.done
	c.mu.RUnlock()

	if done != nil {
		timer := time.NewTimer(c.config.CleanupTimeout)
		select {
		case <-done:
		case <-timer.C:
			c.logger.Warn().Dur("timeout", c.config.CleanupTimeout).Msg("Cycle loop did not exit in time, abandoning wait")
		}
		timer.Stop()
	}

	c.mu.Lock()
	c.current = nil
	c.history = nil
	c.account = AccountState{}
	c.lastErrors = nil
	c.lastBreaker = nil
	c.mu.Unlock()

	c.reconciler.Reset()
	c.logger.Info().Msg("Engine cleaned up")
}

// Wait blocks until the current loop has exited or ctx is done
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.RLock()
	done := c.done
	c.mu.RUnlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the loop is active
func (c *Controller) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateRunning
}

// Tracked returns the engine-opened positions awaiting closure
func (c *Controller) Tracked() []domain.TrackedTrade {
	return c.reconciler.Tracked()
}

// CheckBreaker runs an on-demand breaker evaluation
func (c *Controller) CheckBreaker(ctx context.Context) circuit.Status {
	status := c.breaker.Check(ctx)
	c.mu.Lock()
	c.lastBreaker = &status
	c.mu.Unlock()
	return status
}

// Status returns the best-known state. It never fails.
func (c *Controller) Status() Status {
	tracked := c.reconciler.Len()

	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Status{
		State:         c.state,
		Running:       c.state == StateRunning,
		OperatorID:    c.operatorID,
		CycleCount:    c.cycleCount,
		RecentCycles:  make([]Cycle, 0, len(c.history)),
		TrackedTrades: tracked,
		Account: AccountState{
			Positions: append([]exchange.Position(nil), c.account.Positions...),
			UpdatedAt: c.account.UpdatedAt,
		},
	}
	if !c.startedAt.IsZero() {
		t := c.startedAt
		s.StartedAt = &t
	}
	if c.account.Assets != nil {
		a := *c.account.Assets
		s.Account.Assets = &a
	}
	if c.lastBreaker != nil {
		b := *c.lastBreaker
		s.Breaker = &b
	}
	if !c.nextCycleAt.IsZero() {
		t := c.nextCycleAt
		s.NextCycleAt = &t
	}
	for i := range c.history {
		s.RecentCycles = append(s.RecentCycles, c.history[i].clone())
	}
	if n := len(c.history); n > 0 {
		last := c.history[n-1].clone()
		s.LastCycle = &last
	}

	if c.current != nil {
		cur := c.current.clone()
		s.CurrentCycle = &cur
		s.Errors = cur.Errors
	} else {
		s.Errors = append([]string(nil), c.lastErrors...)
	}
	if s.Errors == nil {
		s.Errors = []string{}
	}
	return s
}

func (c *Controller) runLoop(ctx context.Context, stopCh <-chan struct{}, done chan struct{}) {
	var reason string
	defer func() {
		c.mu.Lock()
		c.state = StateStopped
		c.nextCycleAt = time.Time{}
		operatorID := c.operatorID
		c.mu.Unlock()

		c.metrics.SetRunning(false)
		c.bus.PublishStopped(operatorID, reason)
		c.logger.Info().Str("operator_id", operatorID).Str("reason", reason).Msg("Engine stopped")
		close(done)
	}()
	defer func() {
		if r := recover(); r != nil {
			reason = fmt.Sprintf("fatal: %v", r)
			c.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Cycle loop crashed, stopping engine")
		}
	}()

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		c.runCycle(ctx)

		wait := c.interval(c.now())
		c.mu.Lock()
		c.nextCycleAt = c.now().Add(wait)
		c.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// publishStatus pushes the last cycle and engine status to the publisher.
// It runs outside the step guards.
func (c *Controller) publishStatus(ctx context.Context, last Cycle) {
	if c.publisher == nil {
		return
	}
	c.publisher.Publish(ctx, cache.KeyLastCycle, last)
	c.publisher.Publish(ctx, cache.KeyEngineStatus, c.Status())

	c.mu.RLock()
	breaker := c.lastBreaker
	c.mu.RUnlock()
	if breaker != nil {
		c.publisher.Publish(ctx, cache.KeyBreakerStatus, *breaker)
	}
}
