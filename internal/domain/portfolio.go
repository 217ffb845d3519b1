package domain

import (
	"math"
	"time"
)

// AgentStats is one row of the grouped ledger aggregate over filled trades
type AgentStats struct {
	AgentID    string
	TradeCount int
	Wins       int
	Losses     int
	Breakevens int
	TotalPnL   float64
	Sharpe     *float64 // nil below the minimum sample size or with zero variance
}

// WinRate returns wins over trade count, 0 with no trades
func (s AgentStats) WinRate() float64 {
	if s.TradeCount == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.TradeCount)
}

// PortfolioAttribution is the persisted per-agent performance record
type PortfolioAttribution struct {
	AgentID          string    `json:"agent_id"`
	TradeCount       int       `json:"trade_count"`
	Wins             int       `json:"wins"`
	Losses           int       `json:"losses"`
	Breakevens       int       `json:"breakevens"`
	TotalPnL         float64   `json:"total_pnl"`
	WinRate          float64   `json:"win_rate"`
	Sharpe           *float64  `json:"sharpe,omitempty"`
	WeightMultiplier float64   `json:"weight_multiplier"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// LockRow is the single-row cross-process mutex record
type LockRow struct {
	Key       string
	Version   int64
	UpdatedAt time.Time
}

// SharpeRatio is mean over sample standard deviation of per-trade realized
// P&L. It returns nil below minSamples or with zero variance.
func SharpeRatio(pnls []float64, minSamples int) *float64 {
	n := len(pnls)
	if n < minSamples || n < 2 {
		return nil
	}
	var sum float64
	for _, p := range pnls {
		sum += p
	}
	mean := sum / float64(n)
	var sq float64
	for _, p := range pnls {
		sq += (p - mean) * (p - mean)
	}
	std := math.Sqrt(sq / float64(n-1))
	if std == 0 || math.IsNaN(std) {
		return nil
	}
	v := mean / std
	return &v
}
