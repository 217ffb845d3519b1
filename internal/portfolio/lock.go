// Package portfolio recomputes per-agent attribution from the trade journal
// under a cross-process lock held in a single database row.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"perp-autopilot/internal/domain"
)

// errContended marks an attempt that lost to another holder
var errContended = errors.New("update lock contended")

// LockStore is the row-level persistence behind DistributedLock
type LockStore interface {
	// GetLock returns domain.ErrNotFound when the row is absent.
	GetLock(ctx context.Context, key string) (*domain.LockRow, error)
	// CreateLock inserts the row at version 1 and returns domain.ErrLockExists
	// when another process inserted it first.
	CreateLock(ctx context.Context, key string, now time.Time) (*domain.LockRow, error)
	// BumpLock increments the version only if it still equals expected.
	BumpLock(ctx context.Context, key string, expected int64, now time.Time) (bool, error)
	// DeleteLock removes the row only if its version equals version.
	DeleteLock(ctx context.Context, key string, version int64) (bool, error)
}

// LockConfig holds lock configuration
type LockConfig struct {
	Key          string        `json:"key"`
	Timeout      time.Duration `json:"timeout"`
	Retries      int           `json:"retries"`
	RetryBackoff time.Duration `json:"retry_backoff"`
}

func DefaultLockConfig() LockConfig {
	return LockConfig{
		Key:          "portfolio_attribution",
		Timeout:      2 * time.Minute,
		Retries:      3,
		RetryBackoff: 200 * time.Millisecond,
	}
}

// Lease is proof of holding the lock at a given version
type Lease struct {
	Key        string
	Version    int64
	AcquiredAt time.Time
}

// DistributedLock is an optimistic compare-and-swap mutex over one row.
// A row younger than the timeout is held; an older row may be taken over.
type DistributedLock struct {
	config LockConfig
	store  LockStore
	logger zerolog.Logger
	now    func() time.Time
}

// NewDistributedLock creates a new lock over store
func NewDistributedLock(config LockConfig, store LockStore, logger zerolog.Logger) *DistributedLock {
	def := DefaultLockConfig()
	if config.Key == "" {
		config.Key = def.Key
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.Retries < 0 {
		config.Retries = 0
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = def.RetryBackoff
	}
	return &DistributedLock{
		config: config,
		store:  store,
		logger: logger.With().Str("component", "UpdateLock").Str("lock_key", config.Key).Logger(),
		now:    time.Now,
	}
}

// Acquire tries to take the lock, retrying contention with exponential
// backoff. Losing every attempt returns ok == false and a nil error.
func (l *DistributedLock) Acquire(ctx context.Context) (*Lease, bool, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.config.RetryBackoff
	bo.MaxInterval = 8 * l.config.RetryBackoff
	bo.MaxElapsedTime = 0

	attempt := 0
	lease, err := backoff.RetryWithData(func() (*Lease, error) {
		attempt++
		lease, err := l.tryAcquire(ctx)
		if err != nil && !errors.Is(err, errContended) {
			l.logger.Warn().Err(err).Int("attempt", attempt).Msg("Lock acquisition attempt failed")
		}
		return lease, err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(l.config.Retries)), ctx))

	switch {
	case err == nil:
		l.logger.Debug().Int64("version", lease.Version).Int("attempts", attempt).Msg("Update lock acquired")
		return lease, true, nil
	case errors.Is(err, errContended):
		l.logger.Debug().Int("attempts", attempt).Msg("Update lock held elsewhere, deferring")
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("failed to acquire update lock: %w", err)
	}
}

func (l *DistributedLock) tryAcquire(ctx context.Context) (*Lease, error) {
	now := l.now()

	row, err := l.store.GetLock(ctx, l.config.Key)
	if errors.Is(err, domain.ErrNotFound) {
		created, err := l.store.CreateLock(ctx, l.config.Key, now)
		if errors.Is(err, domain.ErrLockExists) {
			return nil, errContended
		}
		if err != nil {
			return nil, err
		}
		return &Lease{Key: created.Key, Version: created.Version, AcquiredAt: now}, nil
	}
	if err != nil {
		return nil, err
	}

	if now.Sub(row.UpdatedAt) < l.config.Timeout {
		return nil, errContended
	}

	ok, err := l.store.BumpLock(ctx, l.config.Key, row.Version, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errContended
	}
	l.logger.Info().
		Int64("previous_version", row.Version).
		Dur("age", now.Sub(row.UpdatedAt)).
		Msg("Took over stale update lock")
	return &Lease{Key: l.config.Key, Version: row.Version + 1, AcquiredAt: now}, nil
}

// Release deletes the row if lease still owns it. A lease that was taken
// over after expiring releases nothing.
func (l *DistributedLock) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	deleted, err := l.store.DeleteLock(ctx, lease.Key, lease.Version)
	if err != nil {
		return fmt.Errorf("failed to release update lock: %w", err)
	}
	if !deleted {
		l.logger.Warn().Int64("version", lease.Version).Msg("Update lock was taken over before release")
	}
	return nil
}
