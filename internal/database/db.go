package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
}

// DSN builds the libpq connection string
func (c Config) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode,
	)
}

// NewDB creates a new database connection
func NewDB(ctx context.Context, cfg Config, logger zerolog.Logger) (*DB, error) {
	return Open(ctx, cfg.DSN(), cfg.MaxConns, logger)
}

// Open connects to dsn and verifies the connection
func Open(ctx context.Context, dsn string, maxConns int32, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 10
	}
	poolConfig.MaxConns = maxConns
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger = logger.With().Str("component", "Database").Logger()
	logger.Info().Str("database", poolConfig.ConnConfig.Database).Msg("Connected to PostgreSQL")

	return &DB{Pool: pool, logger: logger}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// HealthCheck pings the database
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("Running database migrations...")

	migrations := []string{
		// Trade ledger. status moves open -> filled exactly once.
		`CREATE TABLE IF NOT EXISTS trades (
			trade_id VARCHAR(64) PRIMARY KEY,
			order_id VARCHAR(128) NOT NULL,
			symbol VARCHAR(40) NOT NULL,
			side VARCHAR(5) NOT NULL,
			entry_price DECIMAL(24, 10) NOT NULL,
			size DECIMAL(24, 10) NOT NULL,
			leverage INTEGER NOT NULL DEFAULT 1,
			take_profit DECIMAL(24, 10),
			stop_loss DECIMAL(24, 10),
			entry_fee DECIMAL(24, 10) NOT NULL DEFAULT 0,
			exit_fee DECIMAL(24, 10) NOT NULL DEFAULT 0,
			funding_paid DECIMAL(24, 10) NOT NULL DEFAULT 0,
			winning_agent_id VARCHAR(100) NOT NULL DEFAULT '',
			attribution JSONB NOT NULL DEFAULT '{}',
			entry_context JSONB NOT NULL DEFAULT '{}',
			status VARCHAR(10) NOT NULL DEFAULT 'open',
			exit_price DECIMAL(24, 10),
			realized_pnl DECIMAL(24, 10),
			realized_pnl_percent DECIMAL(14, 6),
			exit_reason VARCHAR(20),
			outcome VARCHAR(10),
			opened_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_closed_at ON trades(closed_at)`,

		// One learning record per booked closure
		`CREATE TABLE IF NOT EXISTS trade_journal (
			id BIGSERIAL PRIMARY KEY,
			trade_id VARCHAR(64) NOT NULL UNIQUE REFERENCES trades(trade_id) ON DELETE CASCADE,
			symbol VARCHAR(40) NOT NULL,
			side VARCHAR(5) NOT NULL,
			entry_price DECIMAL(24, 10) NOT NULL,
			exit_price DECIMAL(24, 10) NOT NULL,
			outcome VARCHAR(10) NOT NULL,
			exit_reason VARCHAR(20) NOT NULL,
			realized_pnl DECIMAL(24, 10) NOT NULL,
			realized_pnl_percent DECIMAL(14, 6) NOT NULL,
			winning_agent_id VARCHAR(100) NOT NULL DEFAULT '',
			agent_scores JSONB NOT NULL DEFAULT '{}',
			entry_context JSONB NOT NULL DEFAULT '{}',
			hold_seconds BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_journal_agent ON trade_journal(winning_agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_journal_created_at ON trade_journal(created_at)`,

		`CREATE TABLE IF NOT EXISTS agent_attribution (
			agent_id VARCHAR(100) PRIMARY KEY,
			trade_count INTEGER NOT NULL,
			wins INTEGER NOT NULL,
			losses INTEGER NOT NULL,
			breakevens INTEGER NOT NULL,
			total_pnl DECIMAL(24, 10) NOT NULL,
			win_rate DECIMAL(8, 6) NOT NULL,
			sharpe DOUBLE PRECISION,
			weight_multiplier DECIMAL(8, 6) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS balance_snapshots (
			id BIGSERIAL PRIMARY KEY,
			equity DECIMAL(24, 10) NOT NULL,
			available DECIMAL(24, 10) NOT NULL,
			taken_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_balance_snapshots_taken_at ON balance_snapshots(taken_at)`,

		// Cross-process mutex rows
		`CREATE TABLE IF NOT EXISTS update_locks (
			lock_key VARCHAR(100) PRIMARY KEY,
			version BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Int("migrations", len(migrations)).Msg("Database migrations completed")
	return nil
}
