package exchange

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RetryConfig defines retry behavior for idempotent reads
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
	}
}

// IsRetryable determines if an exchange error should trigger a retry
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	// rate limit, timeout and connection errors
	retryablePatterns := []string{
		"rate limit",
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"service unavailable",
		"gateway timeout",
		"too many requests",
		"eof",
		"429",
		"502",
		"503",
		"504",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// ResilientClient rate-limits every call and retries idempotent reads with
// exponential backoff. Order placement and closes are attempted once.
type ResilientClient struct {
	inner   Client
	limiter *rate.Limiter
	cfg     RetryConfig
	logger  zerolog.Logger
	observe func(op string, d time.Duration, err error)
}

// NewResilientClient wraps inner. A nil limiter disables rate limiting.
func NewResilientClient(inner Client, limiter *rate.Limiter, cfg RetryConfig, logger zerolog.Logger) *ResilientClient {
	return &ResilientClient{
		inner:   inner,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger.With().Str("component", "ResilientClient").Logger(),
	}
}

// OnCall sets a hook invoked once per logical call with its total duration
func (c *ResilientClient) OnCall(fn func(op string, d time.Duration, err error)) {
	c.observe = fn
}

func (c *ResilientClient) record(op string, start time.Time, err error) {
	if c.observe != nil {
		c.observe(op, time.Since(start), err)
	}
}

func (c *ResilientClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *ResilientClient) policy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.InitialDelay
	exp.MaxInterval = c.cfg.MaxDelay
	exp.MaxElapsedTime = 0
	retries := c.cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

func retryRead[T any](ctx context.Context, c *ResilientClient, op string, call func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	attempt := 0
	v, err := backoff.RetryWithData(func() (T, error) {
		attempt++
		var zero T
		if err := c.wait(ctx); err != nil {
			return zero, backoff.Permanent(err)
		}
		v, err := call(ctx)
		if err == nil {
			return v, nil
		}
		if !IsRetryable(err) {
			return zero, backoff.Permanent(err)
		}
		c.logger.Debug().Err(err).Str("op", op).Int("attempt", attempt).Msg("Retryable exchange error")
		return zero, err
	}, c.policy(ctx))
	c.record(op, start, err)
	return v, err
}

func (c *ResilientClient) GetAccountAssets(ctx context.Context) (*AccountAssets, error) {
	return retryRead(ctx, c, "account_assets", c.inner.GetAccountAssets)
}

func (c *ResilientClient) GetPositions(ctx context.Context) ([]Position, error) {
	return retryRead(ctx, c, "positions", c.inner.GetPositions)
}

func (c *ResilientClient) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	return retryRead(ctx, c, "ticker", func(ctx context.Context) (*Ticker, error) {
		return c.inner.GetTicker(ctx, symbol)
	})
}

func (c *ResilientClient) GetFundingRate(ctx context.Context, symbol string) (*FundingRate, error) {
	return retryRead(ctx, c, "funding_rate", func(ctx context.Context) (*FundingRate, error) {
		return c.inner.GetFundingRate(ctx, symbol)
	})
}

func (c *ResilientClient) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	return retryRead(ctx, c, "candles", func(ctx context.Context) ([]Candle, error) {
		return c.inner.GetCandles(ctx, symbol, interval, limit)
	})
}

func (c *ResilientClient) GetHistoryOrders(ctx context.Context, symbol string, limit int) ([]HistoryOrder, error) {
	return retryRead(ctx, c, "history_orders", func(ctx context.Context) ([]HistoryOrder, error) {
		return c.inner.GetHistoryOrders(ctx, symbol, limit)
	})
}

// GetServerTime is not retried: its latency is the health signal.
func (c *ResilientClient) GetServerTime(ctx context.Context) (time.Time, error) {
	if err := c.wait(ctx); err != nil {
		return time.Time{}, err
	}
	start := time.Now()
	t, err := c.inner.GetServerTime(ctx)
	c.record("server_time", start, err)
	return t, err
}

func (c *ResilientClient) PlaceOrder(ctx context.Context, spec OrderSpec) (*OrderResult, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := c.inner.PlaceOrder(ctx, spec)
	c.record("place_order", start, err)
	return res, err
}

func (c *ResilientClient) CloseAllPositions(ctx context.Context, symbol string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	err := c.inner.CloseAllPositions(ctx, symbol)
	c.record("close_all_positions", start, err)
	return err
}
