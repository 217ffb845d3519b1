// Package decision defines the contract of the external analysis pipeline
// that picks a symbol, debates it and reviews the resulting trade.
package decision

import (
	"context"

	"perp-autopilot/internal/domain"
	"perp-autopilot/internal/exchange"
)

// MarketData is the per-symbol snapshot fetched at the start of a cycle
type MarketData struct {
	Symbol  string                `json:"symbol"`
	Ticker  *exchange.Ticker      `json:"ticker"`
	Funding *exchange.FundingRate `json:"funding,omitempty"`
	Candles []exchange.Candle     `json:"candles,omitempty"`
}

type Selection struct {
	Symbol    string      `json:"symbol"`
	Direction domain.Side `json:"direction"`
	Reason    string      `json:"reason"`
}

type SpecialistAnalysis struct {
	AgentID        string             `json:"agent_id"`
	Symbol         string             `json:"symbol"`
	Recommendation domain.Side        `json:"recommendation"`
	Confidence     float64            `json:"confidence"`
	Summary        string             `json:"summary"`
	Signals        map[string]float64 `json:"signals,omitempty"`
}

// RiskParams are the trade parameters proposed by the champion and possibly
// overridden by the risk review
type RiskParams struct {
	Leverage        int      `json:"leverage"`
	PositionSizePct float64  `json:"position_size_pct"` // margin as percent of available balance
	TakeProfit      *float64 `json:"take_profit,omitempty"`
	StopLoss        *float64 `json:"stop_loss,omitempty"`
}

// ChampionDecision is the adjudicated trade proposal
type ChampionDecision struct {
	Symbol         string              `json:"symbol"`
	Direction      domain.Side         `json:"direction"`
	Confidence     float64             `json:"confidence"`
	WinningAgentID string              `json:"winning_agent_id"`
	AgentScores    map[string]float64  `json:"agent_scores,omitempty"`
	Reasoning      string              `json:"reasoning"`
	RiskParams     RiskParams          `json:"risk_params"`
	EntryContext   domain.EntryContext `json:"entry_context"`
}

type RiskReview struct {
	Approved    bool        `json:"approved"`
	VetoReason  string      `json:"veto_reason,omitempty"`
	Adjustments *RiskParams `json:"adjustments,omitempty"`
}

// AccountView is the account state handed to the risk review
type AccountView struct {
	Balance   exchange.AccountAssets `json:"balance"`
	Positions []exchange.Position    `json:"positions"`
	RecentPnL float64                `json:"recent_pnl"`
}

// Pipeline is the external decision maker. A nil result with a nil error
// means "nothing to do" for that stage.
type Pipeline interface {
	SelectSymbol(ctx context.Context, market map[string]MarketData) (*Selection, error)
	AnalyzeSpecialists(ctx context.Context, symbol string, market MarketData, direction domain.Side) ([]SpecialistAnalysis, error)
	Adjudicate(ctx context.Context, analyses []SpecialistAnalysis, market MarketData) (*ChampionDecision, error)
	ReviewRisk(ctx context.Context, champion ChampionDecision, market MarketData, account AccountView) (*RiskReview, error)
}

// Disabled never proposes a trade. It keeps the loop, breaker and
// reconciliation running when no pipeline is configured.
type Disabled struct{}

func (Disabled) SelectSymbol(context.Context, map[string]MarketData) (*Selection, error) {
	return nil, nil
}

func (Disabled) AnalyzeSpecialists(context.Context, string, MarketData, domain.Side) ([]SpecialistAnalysis, error) {
	return nil, nil
}

func (Disabled) Adjudicate(context.Context, []SpecialistAnalysis, MarketData) (*ChampionDecision, error) {
	return nil, nil
}

func (Disabled) ReviewRisk(context.Context, ChampionDecision, MarketData, AccountView) (*RiskReview, error) {
	return &RiskReview{Approved: false, VetoReason: "decision pipeline disabled"}, nil
}
