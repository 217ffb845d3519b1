package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"perp-autopilot/internal/domain"
	"perp-autopilot/internal/exchange"
)

func unknownResult() domain.CloseResult {
	return domain.CloseResult{Found: false, ExitReason: domain.ExitUnknown}
}

// matchesSide rejects closes explicitly tagged with the other direction
func matchesSide(orderType string, side domain.Side) bool {
	t := strings.ToLower(orderType)
	other := strings.ToLower(string(side.Opposite()))
	return !strings.Contains(t, other)
}

// DetermineCloseResult finds the fill that closed trade. When no filled
// close order can be found it returns an "unknown" zero-P&L result.
func (s *Service) DetermineCloseResult(ctx context.Context, trade domain.TrackedTrade) domain.CloseResult {
	orders, err := s.history.GetHistoryOrders(ctx, trade.Symbol, s.config.HistoryLimit)
	if err != nil {
		s.logger.Warn().Err(err).Str("trade_id", trade.TradeID).Str("symbol", trade.Symbol).Msg("Failed to fetch order history")
		return unknownResult()
	}

	var closing *exchange.HistoryOrder
	for i := range orders {
		o := &orders[i]
		if !exchange.IsFilled(o.Status) || !exchange.IsClosing(o.Type) {
			continue
		}
		if o.Symbol != "" && !strings.EqualFold(o.Symbol, trade.Symbol) {
			continue
		}
		if !o.Time.IsZero() && o.Time.Before(trade.OpenedAt) {
			continue
		}
		if !matchesSide(o.Type, trade.Side) {
			continue
		}
		if closing == nil || o.Time.After(closing.Time) {
			closing = o
		}
	}
	if closing == nil || !finitePositive(closing.Price) {
		return unknownResult()
	}

	exitFee := trade.ExitFee
	if finitePositive(closing.Fee) {
		exitFee = closing.Fee
	}

	entry := decimal.NewFromFloat(trade.EntryPrice)
	exit := decimal.NewFromFloat(closing.Price)
	delta := exit.Sub(entry)
	if trade.Side == domain.SideShort {
		delta = entry.Sub(exit)
	}
	pnl := delta.Mul(decimal.NewFromFloat(trade.Size)).
		Sub(decimal.NewFromFloat(trade.EntryFee)).
		Sub(decimal.NewFromFloat(exitFee)).
		Sub(decimal.NewFromFloat(trade.FundingPaid))

	pct := decimal.Zero
	if margin := trade.Margin(); finitePositive(margin) {
		pct = pnl.Div(decimal.NewFromFloat(margin)).Mul(decimal.NewFromInt(100))
	}

	closedAt := closing.Time
	if closedAt.IsZero() {
		closedAt = s.now()
	}

	return domain.CloseResult{
		Found:              true,
		ExitPrice:          closing.Price,
		ExitFee:            exitFee,
		RealizedPnL:        pnl.InexactFloat64(),
		RealizedPnLPercent: pct.InexactFloat64(),
		ExitReason:         s.classifyExit(trade, closing),
		ClosedAt:           closedAt,
	}
}

// classifyExit applies liquidation > take-profit > stop-loss > manual
func (s *Service) classifyExit(trade domain.TrackedTrade, o *exchange.HistoryOrder) domain.ExitReason {
	if exchange.IsLiquidation(o.Type) {
		return domain.ExitLiquidation
	}
	near := func(target *float64) bool {
		if target == nil || !finitePositive(*target) {
			return false
		}
		return math.Abs(o.Price-*target)/(*target) <= s.config.TPSLTolerance
	}
	if near(trade.TakeProfit) {
		return domain.ExitTakeProfit
	}
	if near(trade.StopLoss) {
		return domain.ExitStopLoss
	}
	return domain.ExitManual
}

// Outcome classifies a realized percent with the breakeven dead zone
func (s *Service) Outcome(pnlPercent float64) domain.Outcome {
	switch {
	case pnlPercent > s.config.BreakevenThresholdPct:
		return domain.OutcomeWin
	case pnlPercent < -s.config.BreakevenThresholdPct:
		return domain.OutcomeLoss
	default:
		return domain.OutcomeBreakeven
	}
}

// HandleClosure books a determined close. The ledger update and the
// journal entry are written together, and only for a trade not already
// filled. On error the caller keeps the trade tracked so the next Sync retries.
func (s *Service) HandleClosure(ctx context.Context, trade domain.TrackedTrade, result domain.CloseResult) error {
	outcome := s.Outcome(result.RealizedPnLPercent)

	update := domain.CloseUpdate{
		TradeID:            trade.TradeID,
		ExitPrice:          result.ExitPrice,
		RealizedPnL:        result.RealizedPnL,
		RealizedPnLPercent: result.RealizedPnLPercent,
		ExitReason:         result.ExitReason,
		Outcome:            outcome,
		ClosedAt:           result.ClosedAt,
	}
	entry := domain.JournalEntry{
		TradeID:            trade.TradeID,
		Symbol:             trade.Symbol,
		Side:               trade.Side,
		EntryPrice:         trade.EntryPrice,
		ExitPrice:          result.ExitPrice,
		Outcome:            outcome,
		ExitReason:         result.ExitReason,
		RealizedPnL:        result.RealizedPnL,
		RealizedPnLPercent: result.RealizedPnLPercent,
		WinningAgentID:     trade.Attribution.WinningAgentID,
		AgentScores:        trade.Attribution.AgentScores,
		EntryContext:       trade.EntryContext,
		HoldDuration:       result.ClosedAt.Sub(trade.OpenedAt),
		CreatedAt:          s.now(),
	}

	updated, err := s.ledger.BookClosure(ctx, update, entry)
	if errors.Is(err, domain.ErrNotFound) {
		s.logger.Error().
			Str("trade_id", trade.TradeID).
			Str("symbol", trade.Symbol).
			Float64("realized_pnl", result.RealizedPnL).
			Msg("Position closed on exchange but the ledger has no row for it, realized P&L not recorded")
		return fmt.Errorf("failed to book trade %s: %w", trade.TradeID, err)
	}
	if err != nil {
		s.logger.Error().Err(err).
			Str("trade_id", trade.TradeID).
			Str("symbol", trade.Symbol).
			Float64("realized_pnl", result.RealizedPnL).
			Msg("Position closed on exchange but ledger booking failed, will retry")
		return fmt.Errorf("failed to book trade %s: %w", trade.TradeID, err)
	}
	if !updated {
		s.logger.Debug().Str("trade_id", trade.TradeID).Msg("Trade already booked as filled")
		return nil
	}

	s.logger.Info().
		Str("trade_id", trade.TradeID).
		Str("symbol", trade.Symbol).
		Str("side", string(trade.Side)).
		Str("outcome", string(outcome)).
		Str("exit_reason", string(result.ExitReason)).
		Float64("realized_pnl", result.RealizedPnL).
		Msg("Position closure booked")
	return nil
}
