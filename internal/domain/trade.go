// Package domain holds the records shared by the engine, the reconciler and the stores.
package domain

import "time"

// Side is a normalized position direction
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the other direction
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// EntryContext is the market snapshot captured when a trade was opened
type EntryContext struct {
	MarketRegime string             `json:"market_regime,omitempty"`
	ZScore       float64            `json:"z_score"`
	FundingRate  float64            `json:"funding_rate"`
	Sentiment    float64            `json:"sentiment"`
	Signals      map[string]float64 `json:"signals,omitempty"`
}

// Attribution records which analyst won the debate that produced a trade
type Attribution struct {
	WinningAgentID string             `json:"winning_agent_id"`
	AgentScores    map[string]float64 `json:"agent_scores,omitempty"`
	Reasoning      string             `json:"reasoning,omitempty"`
}

// TrackedTrade is an engine-opened position awaiting closure detection
type TrackedTrade struct {
	TradeID      string       `json:"trade_id"`
	OrderID      string       `json:"order_id"`
	Symbol       string       `json:"symbol"`
	Side         Side         `json:"side"`
	EntryPrice   float64      `json:"entry_price"`
	Size         float64      `json:"size"`
	Leverage     int          `json:"leverage"`
	TakeProfit   *float64     `json:"take_profit,omitempty"`
	StopLoss     *float64     `json:"stop_loss,omitempty"`
	EntryFee     float64      `json:"entry_fee"`
	ExitFee      float64      `json:"exit_fee"` // estimate, replaced by the actual close fee
	FundingPaid  float64      `json:"funding_paid"`
	EntryContext EntryContext `json:"entry_context"`
	Attribution  Attribution  `json:"attribution"`
	OpenedAt     time.Time    `json:"opened_at"`
	LastSyncAt   time.Time    `json:"last_sync_at"`
}

// Margin returns the collateral locked by the position
func (t TrackedTrade) Margin() float64 {
	lev := t.Leverage
	if lev < 1 {
		lev = 1
	}
	return t.EntryPrice * t.Size / float64(lev)
}

// Trade row statuses
const (
	TradeStatusOpen   = "open"
	TradeStatusFilled = "filled"
)

// ExitReason classifies how a position was closed
type ExitReason string

const (
	ExitLiquidation ExitReason = "liquidation"
	ExitTakeProfit  ExitReason = "take_profit"
	ExitStopLoss    ExitReason = "stop_loss"
	ExitManual      ExitReason = "manual"
	ExitUnknown     ExitReason = "unknown"
)

// Outcome of a closed trade
type Outcome string

const (
	OutcomeWin       Outcome = "WIN"
	OutcomeLoss      Outcome = "LOSS"
	OutcomeBreakeven Outcome = "BREAKEVEN"
)

// CloseResult is the derived closing fill of a tracked trade
type CloseResult struct {
	Found              bool
	ExitPrice          float64
	ExitFee            float64
	RealizedPnL        float64
	RealizedPnLPercent float64 // relative to margin
	ExitReason         ExitReason
	ClosedAt           time.Time
}

// CloseUpdate marks a ledger trade as filled
type CloseUpdate struct {
	TradeID            string
	ExitPrice          float64
	RealizedPnL        float64
	RealizedPnLPercent float64
	ExitReason         ExitReason
	Outcome            Outcome
	ClosedAt           time.Time
}

// JournalEntry is the learning record written once per detected closure
type JournalEntry struct {
	ID                 int64              `json:"id"`
	TradeID            string             `json:"trade_id"`
	Symbol             string             `json:"symbol"`
	Side               Side               `json:"side"`
	EntryPrice         float64            `json:"entry_price"`
	ExitPrice          float64            `json:"exit_price"`
	Outcome            Outcome            `json:"outcome"`
	ExitReason         ExitReason         `json:"exit_reason"`
	RealizedPnL        float64            `json:"realized_pnl"`
	RealizedPnLPercent float64            `json:"realized_pnl_percent"`
	WinningAgentID     string             `json:"winning_agent_id"`
	AgentScores        map[string]float64 `json:"agent_scores,omitempty"`
	EntryContext       EntryContext       `json:"entry_context"`
	HoldDuration       time.Duration      `json:"hold_duration"`
	CreatedAt          time.Time          `json:"created_at"`
}

// BalanceSnapshot is a periodic account equity reading
type BalanceSnapshot struct {
	ID        int64     `json:"id"`
	Equity    float64   `json:"equity"`
	Available float64   `json:"available"`
	TakenAt   time.Time `json:"taken_at"`
}

// LedgerTrade is the durable trade row. Status moves open -> filled once.
type LedgerTrade struct {
	TrackedTrade
	Status             string     `json:"status"`
	ExitPrice          *float64   `json:"exit_price,omitempty"`
	RealizedPnL        *float64   `json:"realized_pnl,omitempty"`
	RealizedPnLPercent *float64   `json:"realized_pnl_percent,omitempty"`
	ExitReason         ExitReason `json:"exit_reason,omitempty"`
	Outcome            Outcome    `json:"outcome,omitempty"`
	ClosedAt           *time.Time `json:"closed_at,omitempty"`
}
