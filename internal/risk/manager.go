package risk

import (
	"errors"
	"fmt"
	"math"

	"perp-autopilot/internal/domain"
)

var (
	ErrInvalidSizing  = errors.New("invalid sizing input")
	ErrBelowMinimum   = errors.New("order notional below exchange minimum")
	ErrNoAvailableBal = errors.New("no available balance")
)

// Config holds position sizing configuration
type Config struct {
	DefaultPositionPct float64 // Percent of available balance used as margin
	MaxPositionPct     float64 // Hard cap on the margin percent
	DefaultLeverage    int
	MinNotional        float64
}

func DefaultConfig() Config {
	return Config{
		DefaultPositionPct: 10,
		MaxPositionPct:     25,
		DefaultLeverage:    3,
		MinNotional:        5,
	}
}

// Request describes one order to size
type Request struct {
	Side        domain.Side
	Available   float64 // Live available balance
	Price       float64 // Reference entry price
	PositionPct float64 // Requested margin percent, 0 for the default
	Leverage    int     // Requested leverage, 0 for the default
	MaxLeverage int     // Cap from the current alert level
	TakeProfit  *float64
	StopLoss    *float64
}

// Plan is a sized order
type Plan struct {
	Margin      float64
	Notional    float64
	Size        float64
	Leverage    int
	PositionPct float64
	TakeProfit  *float64
	StopLoss    *float64
}

// Manager converts approved risk parameters into an order size
type Manager struct {
	config Config
}

// NewManager creates a new risk manager
func NewManager(config Config) *Manager {
	def := DefaultConfig()
	if config.DefaultPositionPct <= 0 {
		config.DefaultPositionPct = def.DefaultPositionPct
	}
	if config.MaxPositionPct <= 0 {
		config.MaxPositionPct = def.MaxPositionPct
	}
	if config.DefaultLeverage <= 0 {
		config.DefaultLeverage = def.DefaultLeverage
	}
	return &Manager{config: config}
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Size computes margin = available * pct, notional = margin * leverage and
// size = notional / price. Leverage is capped by MaxLeverage.
func (m *Manager) Size(req Request) (Plan, error) {
	if !finitePositive(req.Price) {
		return Plan{}, fmt.Errorf("%w: price %v", ErrInvalidSizing, req.Price)
	}
	if !finitePositive(req.Available) {
		return Plan{}, ErrNoAvailableBal
	}

	pct := req.PositionPct
	if !finitePositive(pct) {
		pct = m.config.DefaultPositionPct
	}
	pct = math.Min(pct, m.config.MaxPositionPct)

	leverage := req.Leverage
	if leverage <= 0 {
		leverage = m.config.DefaultLeverage
	}
	if req.MaxLeverage > 0 && leverage > req.MaxLeverage {
		leverage = req.MaxLeverage
	}
	if leverage < 1 {
		leverage = 1
	}

	margin := req.Available * pct / 100
	notional := margin * float64(leverage)
	size := notional / req.Price
	if !finitePositive(margin) || !finitePositive(notional) || !finitePositive(size) {
		return Plan{}, fmt.Errorf("%w: margin %v notional %v size %v", ErrInvalidSizing, margin, notional, size)
	}
	if m.config.MinNotional > 0 && notional < m.config.MinNotional {
		return Plan{}, fmt.Errorf("%w: %.4f < %.4f", ErrBelowMinimum, notional, m.config.MinNotional)
	}

	tp, sl := ValidateTargets(req.Side, req.Price, req.TakeProfit, req.StopLoss)
	return Plan{
		Margin:      margin,
		Notional:    notional,
		Size:        size,
		Leverage:    leverage,
		PositionPct: pct,
		TakeProfit:  tp,
		StopLoss:    sl,
	}, nil
}

// ValidateTargets drops take-profit and stop-loss levels that sit on the
// wrong side of the entry price for the given direction.
func ValidateTargets(side domain.Side, price float64, tp, sl *float64) (*float64, *float64) {
	valid := func(p *float64, above bool) *float64 {
		if p == nil || !finitePositive(*p) {
			return nil
		}
		if above && *p <= price || !above && *p >= price {
			return nil
		}
		v := *p
		return &v
	}
	if side == domain.SideShort {
		return valid(tp, false), valid(sl, true)
	}
	return valid(tp, true), valid(sl, false)
}
