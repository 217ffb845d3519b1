package autopilot

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"perp-autopilot/internal/circuit"
	"perp-autopilot/internal/decision"
	"perp-autopilot/internal/domain"
	"perp-autopilot/internal/exchange"
	"perp-autopilot/internal/risk"
)

func finitePositive(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// runCycle executes one iteration. Panics inside a stage are recorded as
// cycle errors; anything else escapes to runLoop.
func (c *Controller) runCycle(ctx context.Context) {
	cycle := c.openCycle()
	c.bus.PublishCycleStart(cycle.Number)
	log := c.logger.With().Int64("cycle", cycle.Number).Str("trace_id", cycle.TraceID).Logger()
	log.Debug().Msg("Cycle started")

	c.guard(cycle, "trading", func() { c.tradingStages(ctx, cycle) })
	c.guard(cycle, "housekeeping", func() { c.housekeeping(ctx, cycle) })

	last := c.closeCycle(cycle)
	c.bus.PublishCycleComplete(last.Number, last.TradesExecuted, last.DebatesRun, last.Symbols, last.Errors, last.Duration())
	c.metrics.RecordCycle(last.Duration(), last.TradesExecuted, last.DebatesRun, len(last.Errors))
	c.publishStatus(ctx, last)

	ev := log.Info()
	if len(last.Errors) > 0 {
		ev = log.Warn().Strs("errors", last.Errors)
	}
	ev.Int("symbols", len(last.Symbols)).
		Int("trades", last.TradesExecuted).
		Int("debates", last.DebatesRun).
		Str("breaker", last.BreakerLevel.String()).
		Dur("duration", last.Duration()).
		Msg("Cycle complete")
}

func (c *Controller) openCycle() *Cycle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cycleCount++
	cycle := &Cycle{
		Number:    c.cycleCount,
		TraceID:   uuid.NewString(),
		StartedAt: c.now(),
		Errors:    []string{},
	}
	c.current = cycle
	return cycle
}

func (c *Controller) closeCycle(cycle *Cycle) Cycle {
	c.mu.Lock()
	defer c.mu.Unlock()

	cycle.EndedAt = c.now()
	if cycle.EndedAt.Before(cycle.StartedAt) {
		cycle.EndedAt = cycle.StartedAt
	}
	last := cycle.clone()
	c.history = append(c.history, last)
	if over := len(c.history) - c.config.HistorySize; over > 0 {
		c.history = append([]Cycle(nil), c.history[over:]...)
	}
	c.lastErrors = last.Errors
	c.current = nil
	return last
}

func (c *Controller) mutate(cycle *Cycle, fn func(*Cycle)) {
	c.mu.Lock()
	fn(cycle)
	c.mu.Unlock()
}

func (c *Controller) addError(cycle *Cycle, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	c.mutate(cycle, func(cy *Cycle) { cy.Errors = append(cy.Errors, msg) })
}

func (c *Controller) guard(cycle *Cycle, stage string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Int64("cycle", cycle.Number).Str("stage", stage).Interface("panic", r).Msg("Recovered panic in cycle stage")
			c.addError(cycle, "%s: panic: %v", stage, r)
		}
	}()
	fn()
}

// tradingStages covers market fetch through execution. Returning early
// skips straight to housekeeping.
func (c *Controller) tradingStages(ctx context.Context, cycle *Cycle) {
	market := c.fetchMarket(ctx)
	symbols := make([]string, 0, len(market))
	for s := range market {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	c.mutate(cycle, func(cy *Cycle) { cy.Symbols = symbols })

	if len(market) == 0 {
		c.addError(cycle, "market data unavailable for all %d symbols", len(c.config.Symbols))
		return
	}

	status := c.breaker.Check(ctx)
	c.mu.Lock()
	cycle.BreakerLevel = status.Level
	c.lastBreaker = &status
	c.mu.Unlock()

	switch status.Level {
	case circuit.LevelRed:
		c.addError(cycle, "circuit breaker RED: %s", status.Reason)
		c.emergencyClose(ctx, status.Reason)
		return
	case circuit.LevelOrange, circuit.LevelYellow:
		c.logger.Warn().
			Str("level", status.Level.String()).
			Str("reason", status.Reason).
			Int("max_leverage", c.breaker.MaxLeverage(status.Level)).
			Msg("Circuit breaker elevated")
	}

	c.decide(ctx, cycle, market, status.Level)
}

// fetchMarket loads ticker, funding and candles per symbol concurrently.
// A symbol without a usable ticker is dropped; funding and candles are optional.
func (c *Controller) fetchMarket(ctx context.Context) map[string]decision.MarketData {
	var (
		mu     sync.Mutex
		market = make(map[string]decision.MarketData, len(c.config.Symbols))
		g      errgroup.Group
	)
	g.SetLimit(c.config.MarketFanOut)

	for _, symbol := range c.config.Symbols {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Warn().Str("symbol", symbol).Interface("panic", r).Msg("Market fetch panicked")
				}
			}()
			md, ok := c.fetchSymbol(ctx, symbol)
			if !ok {
				return nil
			}
			mu.Lock()
			market[symbol] = md
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return market
}

func (c *Controller) fetchSymbol(ctx context.Context, symbol string) (decision.MarketData, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.config.MarketTimeout)
	defer cancel()

	ticker, err := c.exchange.GetTicker(ctx, symbol)
	if err != nil {
		c.logger.Debug().Err(err).Str("symbol", symbol).Msg("Ticker fetch failed")
		return decision.MarketData{}, false
	}
	if ticker == nil || !finitePositive(ticker.LastPrice) {
		c.logger.Debug().Str("symbol", symbol).Msg("Ignoring unusable ticker")
		return decision.MarketData{}, false
	}

	md := decision.MarketData{Symbol: symbol, Ticker: ticker}
	if funding, err := c.exchange.GetFundingRate(ctx, symbol); err == nil && funding != nil && !math.IsNaN(funding.Rate) {
		md.Funding = funding
	}
	if candles, err := c.exchange.GetCandles(ctx, symbol, c.config.CandleInterval, c.config.CandleLimit); err == nil {
		md.Candles = candles
	}
	return md, true
}

func (c *Controller) decide(ctx context.Context, cycle *Cycle, market map[string]decision.MarketData, level circuit.Level) {
	selection, err := c.pipeline.SelectSymbol(ctx, market)
	if err != nil {
		c.addError(cycle, "symbol selection failed: %v", err)
		return
	}
	if selection == nil || selection.Symbol == "" {
		c.logger.Debug().Int64("cycle", cycle.Number).Msg("No symbol selected")
		return
	}
	md, ok := market[selection.Symbol]
	if !ok {
		c.addError(cycle, "selected symbol %s has no market data", selection.Symbol)
		return
	}
	c.mutate(cycle, func(cy *Cycle) { cy.Selected = selection.Symbol })
	c.bus.PublishCoinSelected(selection.Symbol, string(selection.Direction), selection.Reason)

	analyses, err := c.pipeline.AnalyzeSpecialists(ctx, selection.Symbol, md, selection.Direction)
	if err != nil {
		c.addError(cycle, "specialist analysis failed: %v", err)
		return
	}
	for _, a := range analyses {
		c.bus.PublishSpecialistAnalysis(a.AgentID, a.Symbol, string(a.Recommendation), a.Confidence)
	}
	if len(analyses) == 0 {
		c.logger.Debug().Str("symbol", selection.Symbol).Msg("No specialist analyses")
		return
	}

	champion, err := c.pipeline.Adjudicate(ctx, analyses, md)
	if err != nil {
		c.addError(cycle, "debate adjudication failed: %v", err)
		return
	}
	c.mutate(cycle, func(cy *Cycle) { cy.DebatesRun++ })
	if champion == nil {
		c.bus.PublishTournamentComplete(selection.Symbol, "", "", 0, false)
		return
	}
	if champion.Symbol == "" {
		champion.Symbol = selection.Symbol
	}
	c.bus.PublishTournamentComplete(champion.Symbol, string(champion.Direction), champion.WinningAgentID, champion.Confidence, true)

	if champion.Confidence < c.config.MinConfidence {
		c.logger.Info().
			Str("symbol", champion.Symbol).
			Float64("confidence", champion.Confidence).
			Float64("min_confidence", c.config.MinConfidence).
			Msg("Champion below confidence threshold")
		return
	}
	if champion.Symbol != selection.Symbol {
		if md, ok = market[champion.Symbol]; !ok {
			c.addError(cycle, "champion symbol %s has no market data", champion.Symbol)
			return
		}
	}

	account, err := c.accountView(ctx)
	if err != nil {
		c.addError(cycle, "account refresh failed: %v", err)
		return
	}

	review, err := c.pipeline.ReviewRisk(ctx, *champion, md, account)
	if err != nil {
		c.addError(cycle, "risk review failed: %v", err)
		return
	}
	if review == nil {
		review = &decision.RiskReview{Approved: false, VetoReason: "no risk review returned"}
	}
	c.bus.PublishRiskCouncilDecision(champion.Symbol, review.Approved, review.VetoReason)
	if !review.Approved {
		c.logger.Info().Str("symbol", champion.Symbol).Str("veto", review.VetoReason).Msg("Trade vetoed by risk review")
		return
	}

	c.execute(ctx, cycle, *champion, md, *review, account, level)
}

// accountView refreshes balance and positions for the risk review and sizing
func (c *Controller) accountView(ctx context.Context) (decision.AccountView, error) {
	assets, err := c.exchange.GetAccountAssets(ctx)
	if err != nil {
		return decision.AccountView{}, err
	}
	positions, err := c.exchange.GetPositions(ctx)
	if err != nil {
		return decision.AccountView{}, err
	}

	c.mu.Lock()
	c.account = AccountState{Assets: assets, Positions: positions, UpdatedAt: c.now()}
	c.mu.Unlock()

	view := decision.AccountView{Balance: *assets, Positions: positions}
	if c.store != nil {
		pnl, err := c.store.RecentRealizedPnL(ctx, c.now().Add(-24*time.Hour))
		if err != nil {
			c.logger.Debug().Err(err).Msg("Recent realized PnL unavailable")
		} else {
			view.RecentPnL = pnl
		}
	}
	return view, nil
}

// mergeParams applies the non-zero review adjustments over the champion's proposal
func mergeParams(base decision.RiskParams, adj *decision.RiskParams) decision.RiskParams {
	if adj == nil {
		return base
	}
	if adj.Leverage > 0 {
		base.Leverage = adj.Leverage
	}
	if adj.PositionSizePct > 0 {
		base.PositionSizePct = adj.PositionSizePct
	}
	if adj.TakeProfit != nil {
		base.TakeProfit = adj.TakeProfit
	}
	if adj.StopLoss != nil {
		base.StopLoss = adj.StopLoss
	}
	return base
}

func (c *Controller) execute(ctx context.Context, cycle *Cycle, champion decision.ChampionDecision, md decision.MarketData, review decision.RiskReview, account decision.AccountView, level circuit.Level) {
	side := champion.Direction
	if side != domain.SideLong && side != domain.SideShort {
		c.addError(cycle, "champion direction %q is not tradable", side)
		return
	}
	if c.reconciler.HasOpen(champion.Symbol, side) {
		c.logger.Info().Str("symbol", champion.Symbol).Str("side", string(side)).Msg("Position already open, skipping entry")
		return
	}

	price := md.Ticker.LastPrice
	params := mergeParams(champion.RiskParams, review.Adjustments)
	plan, err := c.risk.Size(risk.Request{
		Side:        side,
		Available:   account.Balance.Available,
		Price:       price,
		PositionPct: params.PositionSizePct,
		Leverage:    params.Leverage,
		MaxLeverage: c.breaker.MaxLeverage(level),
		TakeProfit:  params.TakeProfit,
		StopLoss:    params.StopLoss,
	})
	if err != nil {
		c.addError(cycle, "position sizing rejected: %v", err)
		return
	}

	tradeID := uuid.NewString()
	result, err := c.exchange.PlaceOrder(ctx, exchange.OrderSpec{
		Symbol:        champion.Symbol,
		Side:          side,
		Type:          exchange.OrderTypeMarket,
		Size:          plan.Size,
		Leverage:      plan.Leverage,
		TakeProfit:    plan.TakeProfit,
		StopLoss:      plan.StopLoss,
		ClientOrderID: tradeID,
	})
	if err != nil {
		c.addError(cycle, "order placement failed for %s: %v", champion.Symbol, err)
		return
	}

	entry := result.FillPrice
	if !finitePositive(entry) {
		entry = price
	}
	now := c.now()
	trade := domain.TrackedTrade{
		TradeID:      tradeID,
		OrderID:      result.OrderID,
		Symbol:       champion.Symbol,
		Side:         side,
		EntryPrice:   entry,
		Size:         plan.Size,
		Leverage:     plan.Leverage,
		TakeProfit:   plan.TakeProfit,
		StopLoss:     plan.StopLoss,
		EntryFee:     result.Fee,
		ExitFee:      result.Fee,
		EntryContext: champion.EntryContext,
		Attribution: domain.Attribution{
			WinningAgentID: champion.WinningAgentID,
			AgentScores:    champion.AgentScores,
			Reasoning:      champion.Reasoning,
		},
		OpenedAt:   now,
		LastSyncAt: now,
	}

	if c.store != nil {
		if err := c.store.InsertTrade(ctx, trade); err != nil {
			c.logger.Error().Err(err).Str("trade_id", tradeID).Msg("Failed to persist trade, position is live")
		}
	}
	if err := c.reconciler.Track(trade); err != nil {
		c.addError(cycle, "failed to track trade %s: %v", tradeID, err)
	}

	c.mutate(cycle, func(cy *Cycle) { cy.TradesExecuted++ })
	c.metrics.RecordTrade(string(side))
	c.bus.PublishTradeExecuted(tradeID, result.OrderID, trade.Symbol, string(side), trade.Size, entry, trade.Leverage)
	c.logger.Info().
		Str("trade_id", tradeID).
		Str("order_id", result.OrderID).
		Str("symbol", trade.Symbol).
		Str("side", string(side)).
		Float64("size", trade.Size).
		Float64("entry_price", entry).
		Int("leverage", trade.Leverage).
		Str("winning_agent", champion.WinningAgentID).
		Msg("Trade executed")
}

// emergencyClose flattens every symbol the engine tracks. Local state for
// those symbols is cleared even when a close fails; housekeeping readopts
// the still-open ledger rows so closes get booked and survivors stay tracked.
func (c *Controller) emergencyClose(ctx context.Context, reason string) {
	seen := make(map[string]struct{})
	var symbols []string
	for _, t := range c.reconciler.Tracked() {
		if _, dup := seen[t.Symbol]; dup {
			continue
		}
		seen[t.Symbol] = struct{}{}
		symbols = append(symbols, t.Symbol)
	}
	sort.Strings(symbols)

	var failed []string
	for _, symbol := range symbols {
		if err := c.exchange.CloseAllPositions(ctx, symbol); err != nil {
			failed = append(failed, symbol)
			c.logger.Error().Err(err).Str("symbol", symbol).Msg("Emergency close failed")
		}
	}
	cleared := c.reconciler.ClearSymbols(symbols)

	c.metrics.RecordEmergencyClose()
	c.bus.PublishEmergencyClose(reason, symbols, failed)
	c.logger.Error().
		Str("reason", reason).
		Strs("symbols", symbols).
		Strs("failed", failed).
		Int("cleared", cleared).
		Msg("Emergency close executed")
}

// housekeeping always runs: reconciliation, attribution and the balance snapshot
func (c *Controller) housekeeping(ctx context.Context, cycle *Cycle) {
	positions, err := c.exchange.GetPositions(ctx)
	if err != nil {
		c.addError(cycle, "position fetch failed, reconciliation skipped: %v", err)
	} else {
		c.mu.Lock()
		c.account.Positions = positions
		c.account.UpdatedAt = c.now()
		c.mu.Unlock()

		if c.store != nil {
			if n, err := c.reconciler.Readopt(ctx, c.store); err != nil {
				c.addError(cycle, "ledger readopt failed: %v", err)
			} else if n > 0 {
				c.logger.Info().Int("readopted", n).Msg("Tracking open ledger trades missing from the registry")
			}
		}

		report := c.reconciler.Sync(ctx, positions)
		c.metrics.RecordSync(c.reconciler.Len(), report.Closed, report.Unknown, report.Failed, report.Evicted)
		if report.Closed+report.Failed+report.Evicted > 0 {
			c.logger.Info().
				Int("closed", report.Closed).
				Int("unknown", report.Unknown).
				Int("failed", report.Failed).
				Int("evicted", report.Evicted).
				Msg("Reconciliation booked changes")
		}
	}

	if c.aggregator != nil {
		result, err := c.aggregator.Run(ctx)
		switch {
		case err != nil:
			c.addError(cycle, "attribution update failed: %v", err)
			c.metrics.RecordAggregation("error")
		case result.Skipped:
			c.metrics.RecordAggregation("skipped")
		default:
			c.metrics.RecordAggregation("ok")
		}
	}

	c.snapshotBalance(ctx)
}

func (c *Controller) snapshotBalance(ctx context.Context) {
	if c.store == nil || c.config.SnapshotInterval <= 0 {
		return
	}
	latest, err := c.store.LatestBalanceSnapshot(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Latest balance snapshot unavailable")
		return
	}
	if latest != nil && c.now().Sub(latest.TakenAt) < c.config.SnapshotInterval {
		return
	}

	assets, err := c.exchange.GetAccountAssets(ctx)
	if err != nil || assets == nil || !finitePositive(assets.Equity) {
		c.logger.Debug().Err(err).Msg("Skipping balance snapshot, no usable equity")
		return
	}
	c.mu.Lock()
	c.account.Assets = assets
	c.mu.Unlock()

	snap := domain.BalanceSnapshot{Equity: assets.Equity, Available: assets.Available, TakenAt: c.now()}
	if err := c.store.SaveBalanceSnapshot(ctx, snap); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to save balance snapshot")
	}
}
