package exchange

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"perp-autopilot/internal/domain"
)

// PaperConfig configures the simulated account
type PaperConfig struct {
	InitialBalance float64
	FeeRate        float64 // taker fee as a fraction of notional
	Volatility     float64 // per-tick relative price step
	Seed           int64
	BasePrices     map[string]float64
}

func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		InitialBalance: 10000,
		FeeRate:        0.0006,
		Volatility:     0.002,
		Seed:           1,
		BasePrices: map[string]float64{
			"cmt_btcusdt": 60000,
			"cmt_ethusdt": 3000,
			"cmt_solusdt": 150,
			"cmt_bnbusdt": 550,
			"cmt_xrpusdt": 0.6,
		},
	}
}

type paperPosition struct {
	symbol     string
	side       domain.Side
	size       float64
	entryPrice float64
	leverage   int
	takeProfit *float64
	stopLoss   *float64
}

func (p *paperPosition) margin() float64 {
	return p.entryPrice * p.size / float64(p.leverage)
}

func (p *paperPosition) pnlAt(price float64) float64 {
	if p.side == domain.SideLong {
		return (price - p.entryPrice) * p.size
	}
	return (p.entryPrice - price) * p.size
}

// PaperClient implements Client against an in-memory account for dry-run mode.
// Prices follow a seeded random walk on every ticker read; take-profit,
// stop-loss and liquidation are checked on each price move.
type PaperClient struct {
	mu          sync.Mutex
	cfg         PaperConfig
	rng         *rand.Rand
	now         func() time.Time
	balance     float64
	prices      map[string]float64
	funding     map[string]float64
	positions   map[string]*paperPosition
	history     map[string][]HistoryOrder
	nextOrderID int64
}

// NewPaperClient creates a new paper trading client
func NewPaperClient(cfg PaperConfig) *PaperClient {
	c := &PaperClient{
		cfg:         cfg,
		rng:         rand.New(rand.NewSource(cfg.Seed)),
		now:         time.Now,
		balance:     cfg.InitialBalance,
		prices:      make(map[string]float64),
		funding:     make(map[string]float64),
		positions:   make(map[string]*paperPosition),
		history:     make(map[string][]HistoryOrder),
		nextOrderID: 1000,
	}
	for symbol, price := range cfg.BasePrices {
		c.prices[strings.ToLower(symbol)] = price
	}
	return c
}

// SetPrice moves a symbol's price and fires any triggered exits
func (c *PaperClient) SetPrice(symbol string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	symbol = strings.ToLower(symbol)
	c.prices[symbol] = price
	c.checkTriggersLocked(symbol, price)
}

// SetFundingRate overrides a symbol's funding rate
func (c *PaperClient) SetFundingRate(symbol string, rate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funding[strings.ToLower(symbol)] = rate
}

// ==================== ACCOUNT ====================

func (c *PaperClient) GetAccountAssets(ctx context.Context) (*AccountAssets, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	unrealized, used := 0.0, 0.0
	for _, pos := range c.positions {
		unrealized += pos.pnlAt(c.prices[pos.symbol])
		used += pos.margin()
	}

	return &AccountAssets{
		Equity:        c.balance + unrealized,
		Available:     c.balance - used,
		WalletBalance: c.balance,
		UnrealizedPnL: unrealized,
	}, nil
}

func (c *PaperClient) GetPositions(ctx context.Context) ([]Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	positions := make([]Position, 0, len(c.positions))
	for _, pos := range c.positions {
		mark := c.prices[pos.symbol]
		positions = append(positions, Position{
			Symbol:        pos.symbol,
			Side:          strings.ToLower(string(pos.side)),
			Size:          pos.size,
			EntryPrice:    pos.entryPrice,
			MarkPrice:     mark,
			Leverage:      pos.leverage,
			UnrealizedPnL: pos.pnlAt(mark),
		})
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Symbol+positions[i].Side < positions[j].Symbol+positions[j].Side
	})
	return positions, nil
}

// ==================== MARKET DATA ====================

func (c *PaperClient) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	symbol = strings.ToLower(symbol)
	price, ok := c.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("unknown symbol: %s", symbol)
	}

	// random walk step
	price *= 1 + c.rng.NormFloat64()*c.cfg.Volatility
	c.prices[symbol] = price
	c.checkTriggersLocked(symbol, price)

	return &Ticker{
		Symbol:    symbol,
		LastPrice: price,
		MarkPrice: price,
		High24h:   price * 1.02,
		Low24h:    price * 0.98,
		Volume24h: 1_000_000,
		Timestamp: c.now(),
	}, nil
}

func (c *PaperClient) GetFundingRate(ctx context.Context, symbol string) (*FundingRate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	symbol = strings.ToLower(symbol)
	if _, ok := c.prices[symbol]; !ok {
		return nil, fmt.Errorf("unknown symbol: %s", symbol)
	}
	rate, ok := c.funding[symbol]
	if !ok {
		rate = 0.0001
	}
	return &FundingRate{
		Symbol:          symbol,
		Rate:            rate,
		NextFundingTime: c.now().Truncate(8 * time.Hour).Add(8 * time.Hour),
	}, nil
}

// GetCandles synthesizes a path ending at the current price
func (c *PaperClient) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	symbol = strings.ToLower(symbol)
	price, ok := c.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("unknown symbol: %s", symbol)
	}
	step, err := time.ParseDuration(interval)
	if err != nil {
		step = time.Hour
	}
	if limit <= 0 {
		limit = 1
	}

	candles := make([]Candle, limit)
	closePrice := price
	start := c.now().Truncate(step)
	for i := limit - 1; i >= 0; i-- {
		open := closePrice / (1 + c.rng.NormFloat64()*c.cfg.Volatility)
		high := math.Max(open, closePrice) * (1 + c.cfg.Volatility/2)
		low := math.Min(open, closePrice) * (1 - c.cfg.Volatility/2)
		candles[i] = Candle{
			OpenTime: start.Add(-time.Duration(limit-1-i) * step),
			Open:     open,
			High:     high,
			Low:      low,
			Close:    closePrice,
			Volume:   1000 * (1 + c.rng.Float64()),
		}
		closePrice = open
	}
	return candles, nil
}

func (c *PaperClient) GetHistoryOrders(ctx context.Context, symbol string, limit int) ([]HistoryOrder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	orders := c.history[strings.ToLower(symbol)]
	out := make([]HistoryOrder, 0, len(orders))
	// newest first
	for i := len(orders) - 1; i >= 0; i-- {
		out = append(out, orders[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (c *PaperClient) GetServerTime(ctx context.Context) (time.Time, error) {
	return c.now(), nil
}

// ==================== TRADING ====================

func (c *PaperClient) PlaceOrder(ctx context.Context, spec OrderSpec) (*OrderResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	symbol := strings.ToLower(spec.Symbol)
	currentPrice, ok := c.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("unknown symbol: %s", symbol)
	}
	if spec.Size <= 0 || math.IsNaN(spec.Size) || math.IsInf(spec.Size, 0) {
		return nil, fmt.Errorf("invalid order size: %v", spec.Size)
	}
	if spec.Leverage < 1 || spec.Leverage > 125 {
		return nil, fmt.Errorf("invalid leverage: must be between 1 and 125")
	}

	// Determine execution price
	executionPrice := currentPrice
	if spec.Type == OrderTypeLimit && spec.Price > 0 {
		executionPrice = spec.Price
	}

	key := PositionKey(symbol, spec.Side)
	pos, exists := c.positions[key]

	used := 0.0
	for _, p := range c.positions {
		used += p.margin()
	}
	margin := executionPrice * spec.Size / float64(spec.Leverage)
	if margin > c.balance-used {
		return nil, fmt.Errorf("insufficient margin: need %.2f, available %.2f", margin, c.balance-used)
	}

	if !exists {
		pos = &paperPosition{symbol: symbol, side: spec.Side, leverage: spec.Leverage}
		c.positions[key] = pos
	}
	// Adding to position - average entry price
	totalCost := pos.entryPrice*pos.size + executionPrice*spec.Size
	pos.size += spec.Size
	pos.entryPrice = totalCost / pos.size
	pos.takeProfit = spec.TakeProfit
	pos.stopLoss = spec.StopLoss

	fee := executionPrice * spec.Size * c.cfg.FeeRate
	c.balance -= fee

	orderID := c.recordLocked(symbol, "open_"+strings.ToLower(string(spec.Side)), executionPrice, spec.Size, fee)
	return &OrderResult{OrderID: orderID, FillPrice: executionPrice, Fee: fee}, nil
}

func (c *PaperClient) CloseAllPositions(ctx context.Context, symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	symbol = strings.ToLower(symbol)
	price, ok := c.prices[symbol]
	if !ok {
		return fmt.Errorf("unknown symbol: %s", symbol)
	}
	for _, side := range []domain.Side{domain.SideLong, domain.SideShort} {
		if pos, exists := c.positions[PositionKey(symbol, side)]; exists {
			c.closeLocked(pos, price, "close_"+strings.ToLower(string(side)))
		}
	}
	return nil
}

func (c *PaperClient) checkTriggersLocked(symbol string, price float64) {
	for _, side := range []domain.Side{domain.SideLong, domain.SideShort} {
		pos, exists := c.positions[PositionKey(symbol, side)]
		if !exists {
			continue
		}
		long := side == domain.SideLong
		switch {
		case -pos.pnlAt(price) >= pos.margin():
			c.closeLocked(pos, price, "liquidation")
		case pos.takeProfit != nil && ((long && price >= *pos.takeProfit) || (!long && price <= *pos.takeProfit)):
			c.closeLocked(pos, *pos.takeProfit, "close_"+strings.ToLower(string(side)))
		case pos.stopLoss != nil && ((long && price <= *pos.stopLoss) || (!long && price >= *pos.stopLoss)):
			c.closeLocked(pos, *pos.stopLoss, "close_"+strings.ToLower(string(side)))
		}
	}
}

func (c *PaperClient) closeLocked(pos *paperPosition, price float64, orderType string) {
	fee := price * pos.size * c.cfg.FeeRate
	pnl := pos.pnlAt(price)
	if orderType == "liquidation" {
		pnl = -pos.margin()
	}
	c.balance += pnl - fee
	c.recordLocked(pos.symbol, orderType, price, pos.size, fee)
	delete(c.positions, PositionKey(pos.symbol, pos.side))
}

func (c *PaperClient) recordLocked(symbol, orderType string, price, size, fee float64) string {
	orderID := fmt.Sprintf("%d", c.nextOrderID)
	c.nextOrderID++
	c.history[symbol] = append(c.history[symbol], HistoryOrder{
		OrderID: orderID,
		Symbol:  symbol,
		Type:    orderType,
		Status:  "filled",
		Price:   price,
		Size:    size,
		Fee:     fee,
		Time:    c.now(),
	})
	return orderID
}
