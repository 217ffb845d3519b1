package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"perp-autopilot/config"
	"perp-autopilot/internal/api"
	"perp-autopilot/internal/auth"
	"perp-autopilot/internal/autopilot"
	"perp-autopilot/internal/cache"
	"perp-autopilot/internal/circuit"
	"perp-autopilot/internal/database"
	"perp-autopilot/internal/database/memory"
	"perp-autopilot/internal/decision"
	"perp-autopilot/internal/domain"
	"perp-autopilot/internal/events"
	"perp-autopilot/internal/exchange"
	"perp-autopilot/internal/logging"
	"perp-autopilot/internal/metrics"
	"perp-autopilot/internal/portfolio"
	"perp-autopilot/internal/reconcile"
	"perp-autopilot/internal/risk"
)

// ledgerStore is everything the engine persists. Both the Postgres
// repository and the in-memory store satisfy it.
type ledgerStore interface {
	autopilot.TradeStore
	reconcile.Ledger
	circuit.SnapshotStore
	portfolio.LockStore
	portfolio.AttributionStore
	api.Ledger
}

func main() {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.Default()
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := logging.New(logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		Component:  "main",
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		MaxSizeMB:  cfg.LoggingConfig.MaxSizeMB,
		MaxBackups: cfg.LoggingConfig.MaxBackups,
		MaxAgeDays: cfg.LoggingConfig.MaxAgeDays,
	})
	logging.SetDefault(logger)
	defer logging.Close()

	ctx := context.Background()
	m := metrics.NewMetrics("autopilot")

	store, health, closeStore := openStore(ctx, cfg, logger)
	defer closeStore()

	paper := exchange.NewPaperClient(exchange.PaperConfig{
		InitialBalance: cfg.ExchangeConfig.PaperBalance,
		FeeRate:        cfg.ExchangeConfig.PaperFeeRate,
		Volatility:     0.002,
		Seed:           time.Now().UnixNano(),
	})
	limiter := rate.NewLimiter(rate.Limit(cfg.ExchangeConfig.RequestsPerSec), max(1, cfg.ExchangeConfig.Burst))
	ex := exchange.NewResilientClient(paper, limiter, exchange.RetryConfig{
		MaxRetries:   cfg.ExchangeConfig.MaxRetries,
		InitialDelay: cfg.ExchangeConfig.RetryBaseDelay,
		MaxDelay:     cfg.ExchangeConfig.RetryMaxDelay,
	}, logger)
	ex.OnCall(m.RecordExchangeCall)
	logger.Info().
		Str("mode", cfg.ExchangeConfig.Mode).
		Float64("balance", cfg.ExchangeConfig.PaperBalance).
		Msg("Exchange client initialized")

	var pipeline decision.Pipeline = decision.Disabled{}
	if cfg.DecisionConfig.BaseURL != "" {
		pipeline = decision.NewHTTPPipeline(decision.HTTPConfig{
			BaseURL: cfg.DecisionConfig.BaseURL,
			APIKey:  cfg.DecisionConfig.APIKey,
			Timeout: cfg.DecisionConfig.Timeout,
		})
		logger.Info().Str("base_url", cfg.DecisionConfig.BaseURL).Msg("Decision pipeline enabled")
	} else {
		logger.Warn().Msg("No decision pipeline configured, cycles will only reconcile")
	}

	breaker := circuit.NewBreaker(breakerConfig(cfg), ex, store, logger)
	breaker.OnEvaluate(func(s circuit.Status) {
		m.RecordBreaker(int(s.Level), s.Level.String())
	})

	bus := events.NewEventBus(events.Config{Buffer: cfg.EventsConfig.SubscriberBuffer}, logger)

	rc := cfg.ReconcileConfig
	reconciler := reconcile.NewService(reconcile.Config{
		MaxTracked:            rc.MaxTracked,
		StaleAge:              rc.StaleAge,
		StaleMissingCycles:    rc.StaleMissingCycles,
		HistoryLimit:          rc.HistoryLimit,
		TPSLTolerance:         rc.TPSLTolerance,
		BreakevenThresholdPct: rc.BreakevenThresholdPct,
	}, ex, store, logger)
	reconciler.OnClosure(func(t domain.TrackedTrade, r domain.CloseResult) {
		bus.PublishTradeClosed(t.TradeID, t.Symbol, string(t.Side), string(r.ExitReason), r.RealizedPnL)
	})

	aggregator := portfolio.NewAggregator(aggregatorConfig(cfg), store, store, logger)

	var publisher autopilot.StatusPublisher
	if cfg.RedisConfig.Enabled {
		statusCache, err := cache.NewStatusCache(cfg.RedisConfig, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Redis unavailable, status cache disabled")
		} else {
			defer statusCache.Close()
			publisher = statusCache
		}
	}

	if cfg.KafkaConfig.Enabled {
		producer, err := events.NewKafkaProducer(cfg.KafkaConfig.Brokers, cfg.KafkaConfig.ClientID)
		if err != nil {
			logger.Warn().Err(err).Strs("brokers", cfg.KafkaConfig.Brokers).Msg("Kafka unavailable, event export disabled")
		} else {
			sink := events.NewKafkaSink(bus, producer, cfg.KafkaConfig.Topic, logger)
			defer sink.Close()
			logger.Info().Str("topic", cfg.KafkaConfig.Topic).Msg("Kafka event export enabled")
		}
	}

	engineConfig := autopilot.DefaultConfig()
	ec := cfg.EngineConfig
	engineConfig.Symbols = ec.Symbols
	engineConfig.BaseInterval = ec.BaseInterval
	engineConfig.MinConfidence = ec.MinConfidence
	engineConfig.CandleInterval = ec.CandleInterval
	engineConfig.CandleLimit = ec.CandleLimit
	engineConfig.CleanupTimeout = ec.CleanupTimeout
	engineConfig.SnapshotInterval = ec.SnapshotInterval
	engineConfig.HistorySize = ec.HistorySize
	engineConfig.MarketTimeout = cfg.ExchangeConfig.MarketTimeout

	controller, err := autopilot.NewController(engineConfig, autopilot.Deps{
		Exchange:   ex,
		Pipeline:   pipeline,
		Breaker:    breaker,
		Reconciler: reconciler,
		Aggregator: aggregator,
		Store:      store,
		Risk: risk.NewManager(risk.Config{
			DefaultPositionPct: cfg.RiskConfig.DefaultPositionPct,
			MaxPositionPct:     cfg.RiskConfig.MaxPositionPct,
			DefaultLeverage:    cfg.RiskConfig.DefaultLeverage,
			MinNotional:        cfg.RiskConfig.MinNotional,
		}),
		Bus:       bus,
		Metrics:   m,
		Publisher: publisher,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create autopilot controller")
	}

	var server *api.Server
	if cfg.ServerConfig.Enabled {
		var jwtManager *auth.JWTManager
		if cfg.AuthConfig.Enabled {
			jwtManager = auth.NewJWTManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.Issuer, 0)
		} else {
			logger.Warn().Msg("API authentication disabled, control endpoints are open")
		}

		server = api.NewServer(api.ServerConfig{
			Port:            cfg.ServerConfig.Port,
			Host:            cfg.ServerConfig.Host,
			AllowedOrigins:  splitOrigins(cfg.ServerConfig.AllowedOrigins),
			ReadTimeout:     time.Duration(cfg.ServerConfig.ReadTimeout) * time.Second,
			WriteTimeout:    time.Duration(cfg.ServerConfig.WriteTimeout) * time.Second,
			ProductionMode:  cfg.LoggingConfig.JSONFormat,
			DefaultOperator: ec.OperatorID,
		}, api.Deps{
			Engine:     controller,
			Recomputer: aggregator,
			Ledger:     store,
			Health:     health,
			Bus:        bus,
			Metrics:    m,
			JWT:        jwtManager,
		}, logger)

		go func() {
			if err := server.Start(); err != nil {
				logger.Fatal().Err(err).Msg("Failed to start web server")
			}
		}()
	}

	if ec.AutoStart {
		operatorID := ec.OperatorID
		if operatorID == "" {
			operatorID = "autostart"
		}
		if err := controller.Start(ctx, operatorID); err != nil {
			logger.Error().Err(err).Msg("Auto start failed, engine stays stopped")
		}
	}

	stopGauge := make(chan struct{})
	go reportDropped(bus, m, stopGauge)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	close(stopGauge)

	shutdownTimeout := time.Duration(cfg.ServerConfig.ShutdownTimeout) * time.Second
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Error shutting down web server")
		}
	}
	controller.Cleanup()

	logger.Info().Msg("Shutdown complete")
}

// openStore connects Postgres when enabled and falls back to the in-memory
// ledger otherwise. health is nil for the memory store.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (ledgerStore, api.HealthChecker, func()) {
	if !cfg.DatabaseConfig.Enabled {
		logger.Warn().Msg("Database disabled, using in-memory ledger")
		return memory.NewStore(), nil, func() {}
	}

	dc := cfg.DatabaseConfig
	db, err := database.NewDB(ctx, database.Config{
		Host:     dc.Host,
		Port:     dc.Port,
		User:     dc.User,
		Password: dc.Password,
		Database: dc.Database,
		SSLMode:  dc.SSLMode,
		MaxConns: int32(dc.MaxConns),
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}
	return database.NewRepository(db), db, db.Close
}

func breakerConfig(cfg *config.Config) circuit.Config {
	out := circuit.DefaultConfig()
	cb := cfg.CircuitBreakerConfig
	out.Enabled = cb.Enabled
	out.CacheTTL = cb.CacheTTL
	out.EvaluationTimeout = cb.EvaluationTimeout
	out.ReferenceSymbol = cb.ReferenceSymbol
	out.FundingSymbols = cfg.EngineConfig.Symbols
	out.PriceDropYellowPct = cb.PriceDropYellowPct
	out.PriceDropOrangePct = cb.PriceDropOrangePct
	out.PriceDropRedPct = cb.PriceDropRedPct
	out.FundingYellowRate = cb.FundingYellowRate
	out.FundingOrangeRate = cb.FundingOrangeRate
	out.DrawdownYellowPct = cb.DrawdownYellowPct
	out.DrawdownOrangePct = cb.DrawdownOrangePct
	out.DrawdownRedPct = cb.DrawdownRedPct
	out.SnapshotTolerance = cb.SnapshotTolerance
	out.MaxLatency = cb.MaxLatency
	out.MaxClockSkew = cb.MaxClockSkew
	out.SafeMaxLeverage = cb.SafeMaxLeverage
	return out
}

func aggregatorConfig(cfg *config.Config) portfolio.Config {
	pc := cfg.PortfolioConfig
	return portfolio.Config{
		Lock: portfolio.LockConfig{
			Key:          pc.LockKey,
			Timeout:      pc.LockTimeout,
			Retries:      pc.LockRetries,
			RetryBackoff: pc.LockRetryBackoff,
		},
		MinSharpeSamples: pc.MinSharpeSamples,
	}
}

func splitOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// reportDropped mirrors the bus drop counter into the metrics gauge
func reportDropped(bus *events.EventBus, m *metrics.Metrics, stop <-chan struct{}) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.SetEventsDropped(int64(bus.Dropped()))
		case <-stop:
			return
		}
	}
}
