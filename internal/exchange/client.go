// Package exchange defines the account and market-data contract the engine
// trades through, plus a paper implementation and a retrying decorator.
package exchange

import (
	"context"
	"strings"
	"time"

	"perp-autopilot/internal/domain"
)

// Client is the exchange surface used by the engine. Implementations own the
// wire protocol and request signing.
type Client interface {
	GetAccountAssets(ctx context.Context) (*AccountAssets, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	GetFundingRate(ctx context.Context, symbol string) (*FundingRate, error)
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	GetHistoryOrders(ctx context.Context, symbol string, limit int) ([]HistoryOrder, error)
	PlaceOrder(ctx context.Context, spec OrderSpec) (*OrderResult, error)
	CloseAllPositions(ctx context.Context, symbol string) error
	GetServerTime(ctx context.Context) (time.Time, error)
}

type AccountAssets struct {
	Equity        float64 `json:"equity"`
	Available     float64 `json:"available"`
	WalletBalance float64 `json:"wallet_balance"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// Position as reported by the exchange. Side is the raw exchange string.
type Position struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Size          float64 `json:"size"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	Leverage      int     `json:"leverage"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

type Ticker struct {
	Symbol       string    `json:"symbol"`
	LastPrice    float64   `json:"last_price"`
	MarkPrice    float64   `json:"mark_price"`
	Change24hPct float64   `json:"change_24h_pct"`
	High24h      float64   `json:"high_24h"`
	Low24h       float64   `json:"low_24h"`
	Volume24h    float64   `json:"volume_24h"`
	Timestamp    time.Time `json:"timestamp"`
}

type FundingRate struct {
	Symbol          string    `json:"symbol"`
	Rate            float64   `json:"rate"`
	NextFundingTime time.Time `json:"next_funding_time"`
}

type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// HistoryOrder is a past order for a symbol, most exchanges return newest first
type HistoryOrder struct {
	OrderID string    `json:"order_id"`
	Symbol  string    `json:"symbol"`
	Type    string    `json:"type"`
	Status  string    `json:"status"`
	Price   float64   `json:"price"`
	Size    float64   `json:"size"`
	Fee     float64   `json:"fee"`
	Time    time.Time `json:"time"`
}

type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderSpec opens a position
type OrderSpec struct {
	Symbol        string      `json:"symbol"`
	Side          domain.Side `json:"side"`
	Type          OrderType   `json:"type"`
	Size          float64     `json:"size"`
	Price         float64     `json:"price,omitempty"` // LIMIT only
	Leverage      int         `json:"leverage"`
	TakeProfit    *float64    `json:"take_profit,omitempty"`
	StopLoss      *float64    `json:"stop_loss,omitempty"`
	ClientOrderID string      `json:"client_order_id"`
}

type OrderResult struct {
	OrderID   string  `json:"order_id"`
	FillPrice float64 `json:"fill_price"`
	Fee       float64 `json:"fee"`
}

// NormalizeSide maps the exchange's side vocabulary onto LONG/SHORT
func NormalizeSide(raw string) (domain.Side, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "long", "buy", "open_long", "1":
		return domain.SideLong, true
	case "short", "sell", "open_short", "2":
		return domain.SideShort, true
	default:
		return "", false
	}
}

// IsFilled reports whether a history order status means fully executed
func IsFilled(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "filled", "full_fill", "fully_filled", "closed", "2":
		return true
	default:
		return false
	}
}

// IsLiquidation reports whether an order type is a forced close
func IsLiquidation(orderType string) bool {
	t := strings.ToLower(orderType)
	return strings.Contains(t, "liquidat") || strings.Contains(t, "burst") ||
		strings.Contains(t, "forced") || strings.Contains(t, "adl")
}

// IsClosing reports whether an order type reduces or closes a position
func IsClosing(orderType string) bool {
	t := strings.ToLower(orderType)
	return strings.Contains(t, "close") || IsLiquidation(t)
}

// PositionKey is the reconciliation identity of a position
func PositionKey(symbol string, side domain.Side) string {
	return strings.ToLower(strings.TrimSpace(symbol)) + ":" + string(side)
}
