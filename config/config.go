package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	EngineConfig         EngineConfig         `json:"engine"`
	CircuitBreakerConfig CircuitBreakerConfig `json:"circuit_breaker"`
	ReconcileConfig      ReconcileConfig      `json:"reconcile"`
	PortfolioConfig      PortfolioConfig      `json:"portfolio"`
	RiskConfig           RiskConfig           `json:"risk"`
	ExchangeConfig       ExchangeConfig       `json:"exchange"`
	DecisionConfig       DecisionConfig       `json:"decision"`
	DatabaseConfig       DatabaseConfig       `json:"database"`
	RedisConfig          RedisConfig          `json:"redis"`
	KafkaConfig          KafkaConfig          `json:"kafka"`
	ServerConfig         ServerConfig         `json:"server"`
	AuthConfig           AuthConfig           `json:"auth"`
	LoggingConfig        LoggingConfig        `json:"logging"`
	EventsConfig         EventsConfig         `json:"events"`
}

// EngineConfig drives the cycle controller
type EngineConfig struct {
	Symbols          []string      `json:"symbols"`
	BaseInterval     time.Duration `json:"base_interval"`
	MinConfidence    float64       `json:"min_confidence"` // 0-1
	CandleInterval   string        `json:"candle_interval"`
	CandleLimit      int           `json:"candle_limit"`
	CleanupTimeout   time.Duration `json:"cleanup_timeout"`
	SnapshotInterval time.Duration `json:"snapshot_interval"` // balance snapshot cadence
	HistorySize      int           `json:"history_size"`      // completed cycles kept for status
	AutoStart        bool          `json:"auto_start"`
	OperatorID       string        `json:"operator_id"` // used by AutoStart
}

// CircuitBreakerConfig holds risk alert thresholds. Percentages are positive magnitudes.
type CircuitBreakerConfig struct {
	Enabled            bool          `json:"enabled"`
	CacheTTL           time.Duration `json:"cache_ttl"`
	EvaluationTimeout  time.Duration `json:"evaluation_timeout"`
	ReferenceSymbol    string        `json:"reference_symbol"`
	PriceDropYellowPct float64       `json:"price_drop_yellow_pct"`
	PriceDropOrangePct float64       `json:"price_drop_orange_pct"`
	PriceDropRedPct    float64       `json:"price_drop_red_pct"`
	FundingYellowRate  float64       `json:"funding_yellow_rate"`
	FundingOrangeRate  float64       `json:"funding_orange_rate"`
	DrawdownYellowPct  float64       `json:"drawdown_yellow_pct"`
	DrawdownOrangePct  float64       `json:"drawdown_orange_pct"`
	DrawdownRedPct     float64       `json:"drawdown_red_pct"`
	SnapshotTolerance  time.Duration `json:"snapshot_tolerance"`
	MaxLatency         time.Duration `json:"max_latency"`
	MaxClockSkew       time.Duration `json:"max_clock_skew"`
	SafeMaxLeverage    int           `json:"safe_max_leverage"`
}

type ReconcileConfig struct {
	MaxTracked            int           `json:"max_tracked"`
	StaleAge              time.Duration `json:"stale_age"`
	StaleMissingCycles    int           `json:"stale_missing_cycles"`
	HistoryLimit          int           `json:"history_limit"`
	TPSLTolerance         float64       `json:"tpsl_tolerance"`          // relative, 0.005 = 0.5%
	BreakevenThresholdPct float64       `json:"breakeven_threshold_pct"` // percent of margin
}

type PortfolioConfig struct {
	LockKey          string        `json:"lock_key"`
	LockTimeout      time.Duration `json:"lock_timeout"`
	LockRetries      int           `json:"lock_retries"`
	LockRetryBackoff time.Duration `json:"lock_retry_backoff"`
	MinSharpeSamples int           `json:"min_sharpe_samples"`
}

type RiskConfig struct {
	DefaultPositionPct float64 `json:"default_position_pct"` // margin as percent of available balance
	MaxPositionPct     float64 `json:"max_position_pct"`
	DefaultLeverage    int     `json:"default_leverage"`
	MinNotional        float64 `json:"min_notional"`
}

// ExchangeConfig selects and tunes the exchange client
type ExchangeConfig struct {
	Mode           string        `json:"mode"` // only "paper" ships with the engine
	PaperBalance   float64       `json:"paper_balance"`
	PaperFeeRate   float64       `json:"paper_fee_rate"`
	RequestsPerSec float64       `json:"requests_per_sec"`
	Burst          int           `json:"burst"`
	MaxRetries     int           `json:"max_retries"`
	RetryBaseDelay time.Duration `json:"retry_base_delay"`
	RetryMaxDelay  time.Duration `json:"retry_max_delay"`
	MarketTimeout  time.Duration `json:"market_timeout"`
}

type DecisionConfig struct {
	BaseURL string        `json:"base_url"` // empty disables trading decisions
	APIKey  string        `json:"api_key"`
	Timeout time.Duration `json:"timeout"`
}

type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
	MaxConns int    `json:"max_conns"`
}

// RedisConfig holds Redis configuration for the status cache
type RedisConfig struct {
	Enabled   bool          `json:"enabled"`
	Address   string        `json:"address"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	PoolSize  int           `json:"pool_size"`
	KeyPrefix string        `json:"key_prefix"`
	StatusTTL time.Duration `json:"status_ttl"`
}

type KafkaConfig struct {
	Enabled  bool     `json:"enabled"`
	Brokers  []string `json:"brokers"`
	Topic    string   `json:"topic"`
	ClientID string   `json:"client_id"`
}

type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"` // Comma-separated list
	ReadTimeout     int    `json:"read_timeout"`     // Seconds
	WriteTimeout    int    `json:"write_timeout"`    // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

// AuthConfig holds bearer token validation settings for the control API
type AuthConfig struct {
	Enabled   bool   `json:"enabled"`
	JWTSecret string `json:"jwt_secret"`
	Issuer    string `json:"issuer"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // DEBUG, INFO, WARN, ERROR
	Output     string `json:"output"`      // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"` // Output as JSON
	MaxSizeMB  int    `json:"max_size_mb"` // file rotation
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

type EventsConfig struct {
	SubscriberBuffer int `json:"subscriber_buffer"`
}

// Default returns a configuration with every field populated
func Default() *Config {
	return &Config{
		EngineConfig: EngineConfig{
			Symbols:          []string{"cmt_btcusdt", "cmt_ethusdt", "cmt_solusdt", "cmt_bnbusdt", "cmt_xrpusdt"},
			BaseInterval:     5 * time.Minute,
			MinConfidence:    0.65,
			CandleInterval:   "1h",
			CandleLimit:      48,
			CleanupTimeout:   30 * time.Second,
			SnapshotInterval: time.Hour,
			HistorySize:      50,
		},
		CircuitBreakerConfig: CircuitBreakerConfig{
			Enabled:            true,
			CacheTTL:           30 * time.Second,
			EvaluationTimeout:  15 * time.Second,
			ReferenceSymbol:    "cmt_btcusdt",
			PriceDropYellowPct: 5,
			PriceDropOrangePct: 10,
			PriceDropRedPct:    15,
			FundingYellowRate:  0.0005,
			FundingOrangeRate:  0.001,
			DrawdownYellowPct:  5,
			DrawdownOrangePct:  10,
			DrawdownRedPct:     15,
			SnapshotTolerance:  2 * time.Hour,
			MaxLatency:         3 * time.Second,
			MaxClockSkew:       5 * time.Second,
			SafeMaxLeverage:    5,
		},
		ReconcileConfig: ReconcileConfig{
			MaxTracked:            500,
			StaleAge:              72 * time.Hour,
			StaleMissingCycles:    3,
			HistoryLimit:          50,
			TPSLTolerance:         0.005,
			BreakevenThresholdPct: 0.1,
		},
		PortfolioConfig: PortfolioConfig{
			LockKey:          "portfolio_attribution",
			LockTimeout:      2 * time.Minute,
			LockRetries:      3,
			LockRetryBackoff: 200 * time.Millisecond,
			MinSharpeSamples: 5,
		},
		RiskConfig: RiskConfig{
			DefaultPositionPct: 10,
			MaxPositionPct:     25,
			DefaultLeverage:    3,
			MinNotional:        5,
		},
		ExchangeConfig: ExchangeConfig{
			Mode:           "paper",
			PaperBalance:   10000,
			PaperFeeRate:   0.0006,
			RequestsPerSec: 10,
			Burst:          20,
			MaxRetries:     3,
			RetryBaseDelay: 250 * time.Millisecond,
			RetryMaxDelay:  2 * time.Second,
			MarketTimeout:  10 * time.Second,
		},
		DecisionConfig: DecisionConfig{
			Timeout: 2 * time.Minute,
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "trader",
			Database: "autopilot",
			SSLMode:  "disable",
			MaxConns: 10,
		},
		RedisConfig: RedisConfig{
			Address:   "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "autopilot:",
			StatusTTL: 15 * time.Minute,
		},
		KafkaConfig: KafkaConfig{
			Brokers:  []string{"localhost:9092"},
			Topic:    "autopilot.events",
			ClientID: "perp-autopilot",
		},
		ServerConfig: ServerConfig{
			Enabled:         true,
			Port:            8080,
			Host:            "0.0.0.0",
			AllowedOrigins:  "*",
			ReadTimeout:     30,
			WriteTimeout:    30,
			ShutdownTimeout: 10,
		},
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		EventsConfig: EventsConfig{
			SubscriberBuffer: 256,
		},
	}
}

func Load() (*Config, error) {
	return LoadFile(getEnvOrDefault("CONFIG_FILE", "config.json"))
}

// LoadFile reads the JSON config at filename over the defaults, then applies
// environment overrides. A missing file falls back to defaults.
func LoadFile(filename string) (*Config, error) {
	cfg := Default()
	if err := loadFromFile(filename, cfg); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with
func (c *Config) Validate() error {
	if len(c.EngineConfig.Symbols) == 0 {
		return fmt.Errorf("engine.symbols must not be empty")
	}
	if c.EngineConfig.BaseInterval <= 0 {
		return fmt.Errorf("engine.base_interval must be positive")
	}
	if c.EngineConfig.MinConfidence < 0 || c.EngineConfig.MinConfidence > 1 {
		return fmt.Errorf("engine.min_confidence must be within [0, 1], got %v", c.EngineConfig.MinConfidence)
	}
	if c.CircuitBreakerConfig.SafeMaxLeverage < 1 {
		return fmt.Errorf("circuit_breaker.safe_max_leverage must be at least 1")
	}
	if c.ReconcileConfig.MaxTracked < 1 {
		return fmt.Errorf("reconcile.max_tracked must be at least 1")
	}
	if c.PortfolioConfig.LockKey == "" {
		return fmt.Errorf("portfolio.lock_key must not be empty")
	}
	if c.PortfolioConfig.LockTimeout <= 0 {
		return fmt.Errorf("portfolio.lock_timeout must be positive")
	}
	if c.RiskConfig.MaxPositionPct <= 0 || c.RiskConfig.MaxPositionPct > 100 {
		return fmt.Errorf("risk.max_position_pct must be within (0, 100]")
	}
	if c.ExchangeConfig.Mode != "paper" {
		return fmt.Errorf("exchange.mode %q is not supported", c.ExchangeConfig.Mode)
	}
	if c.AuthConfig.Enabled && c.AuthConfig.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
	}
	if c.KafkaConfig.Enabled && len(c.KafkaConfig.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers must not be empty when kafka is enabled")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	// Engine
	if symbols := os.Getenv("ENGINE_SYMBOLS"); symbols != "" {
		cfg.EngineConfig.Symbols = splitList(symbols)
	}
	cfg.EngineConfig.BaseInterval = getEnvDurationOrDefault("ENGINE_BASE_INTERVAL", cfg.EngineConfig.BaseInterval)
	cfg.EngineConfig.MinConfidence = getEnvFloatOrDefault("ENGINE_MIN_CONFIDENCE", cfg.EngineConfig.MinConfidence)
	cfg.EngineConfig.CandleInterval = getEnvOrDefault("ENGINE_CANDLE_INTERVAL", cfg.EngineConfig.CandleInterval)
	cfg.EngineConfig.CandleLimit = getEnvIntOrDefault("ENGINE_CANDLE_LIMIT", cfg.EngineConfig.CandleLimit)
	cfg.EngineConfig.CleanupTimeout = getEnvDurationOrDefault("ENGINE_CLEANUP_TIMEOUT", cfg.EngineConfig.CleanupTimeout)
	cfg.EngineConfig.SnapshotInterval = getEnvDurationOrDefault("ENGINE_SNAPSHOT_INTERVAL", cfg.EngineConfig.SnapshotInterval)
	cfg.EngineConfig.AutoStart = getEnvBoolOrDefault("ENGINE_AUTO_START", cfg.EngineConfig.AutoStart)
	cfg.EngineConfig.OperatorID = getEnvOrDefault("ENGINE_OPERATOR_ID", cfg.EngineConfig.OperatorID)

	// Circuit breaker
	cfg.CircuitBreakerConfig.Enabled = getEnvBoolOrDefault("CIRCUIT_BREAKER_ENABLED", cfg.CircuitBreakerConfig.Enabled)
	cfg.CircuitBreakerConfig.CacheTTL = getEnvDurationOrDefault("CIRCUIT_CACHE_TTL", cfg.CircuitBreakerConfig.CacheTTL)
	cfg.CircuitBreakerConfig.ReferenceSymbol = getEnvOrDefault("CIRCUIT_REFERENCE_SYMBOL", cfg.CircuitBreakerConfig.ReferenceSymbol)
	cfg.CircuitBreakerConfig.PriceDropRedPct = getEnvFloatOrDefault("CIRCUIT_PRICE_DROP_RED_PCT", cfg.CircuitBreakerConfig.PriceDropRedPct)
	cfg.CircuitBreakerConfig.DrawdownRedPct = getEnvFloatOrDefault("CIRCUIT_DRAWDOWN_RED_PCT", cfg.CircuitBreakerConfig.DrawdownRedPct)
	cfg.CircuitBreakerConfig.SafeMaxLeverage = getEnvIntOrDefault("CIRCUIT_SAFE_MAX_LEVERAGE", cfg.CircuitBreakerConfig.SafeMaxLeverage)

	// Reconcile
	cfg.ReconcileConfig.MaxTracked = getEnvIntOrDefault("RECONCILE_MAX_TRACKED", cfg.ReconcileConfig.MaxTracked)
	cfg.ReconcileConfig.StaleAge = getEnvDurationOrDefault("RECONCILE_STALE_AGE", cfg.ReconcileConfig.StaleAge)

	// Portfolio
	cfg.PortfolioConfig.LockTimeout = getEnvDurationOrDefault("PORTFOLIO_LOCK_TIMEOUT", cfg.PortfolioConfig.LockTimeout)
	cfg.PortfolioConfig.LockRetries = getEnvIntOrDefault("PORTFOLIO_LOCK_RETRIES", cfg.PortfolioConfig.LockRetries)

	// Risk
	cfg.RiskConfig.DefaultPositionPct = getEnvFloatOrDefault("RISK_DEFAULT_POSITION_PCT", cfg.RiskConfig.DefaultPositionPct)
	cfg.RiskConfig.MaxPositionPct = getEnvFloatOrDefault("RISK_MAX_POSITION_PCT", cfg.RiskConfig.MaxPositionPct)
	cfg.RiskConfig.DefaultLeverage = getEnvIntOrDefault("RISK_DEFAULT_LEVERAGE", cfg.RiskConfig.DefaultLeverage)

	// Exchange
	cfg.ExchangeConfig.Mode = getEnvOrDefault("EXCHANGE_MODE", cfg.ExchangeConfig.Mode)
	cfg.ExchangeConfig.PaperBalance = getEnvFloatOrDefault("EXCHANGE_PAPER_BALANCE", cfg.ExchangeConfig.PaperBalance)
	cfg.ExchangeConfig.RequestsPerSec = getEnvFloatOrDefault("EXCHANGE_REQUESTS_PER_SEC", cfg.ExchangeConfig.RequestsPerSec)
	cfg.ExchangeConfig.MaxRetries = getEnvIntOrDefault("EXCHANGE_MAX_RETRIES", cfg.ExchangeConfig.MaxRetries)

	// Decision pipeline
	cfg.DecisionConfig.BaseURL = getEnvOrDefault("DECISION_BASE_URL", cfg.DecisionConfig.BaseURL)
	cfg.DecisionConfig.APIKey = getEnvOrDefault("DECISION_API_KEY", cfg.DecisionConfig.APIKey)
	cfg.DecisionConfig.Timeout = getEnvDurationOrDefault("DECISION_TIMEOUT", cfg.DecisionConfig.Timeout)

	// Database
	cfg.DatabaseConfig.Enabled = getEnvBoolOrDefault("DB_ENABLED", cfg.DatabaseConfig.Enabled)
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Redis
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	// Kafka
	cfg.KafkaConfig.Enabled = getEnvBoolOrDefault("KAFKA_ENABLED", cfg.KafkaConfig.Enabled)
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaConfig.Brokers = splitList(brokers)
	}
	cfg.KafkaConfig.Topic = getEnvOrDefault("KAFKA_TOPIC", cfg.KafkaConfig.Topic)

	// Server
	cfg.ServerConfig.Enabled = getEnvBoolOrDefault("SERVER_ENABLED", cfg.ServerConfig.Enabled)
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)

	// Auth
	cfg.AuthConfig.Enabled = getEnvBoolOrDefault("AUTH_ENABLED", cfg.AuthConfig.Enabled)
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.Issuer = getEnvOrDefault("AUTH_ISSUER", cfg.AuthConfig.Issuer)

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
}

func loadFromFile(filename string, cfg *Config) error {
	file, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(file, cfg); err != nil {
		return fmt.Errorf("error parsing config file: %w", err)
	}

	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GenerateSampleConfig writes the default configuration to filename
func GenerateSampleConfig(filename string) error {
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
