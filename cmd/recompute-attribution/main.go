// Command recompute-attribution runs one portfolio attribution pass against
// the configured Postgres ledger and prints the rows it wrote.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"perp-autopilot/config"
	"perp-autopilot/internal/database"
	"perp-autopilot/internal/logging"
	"perp-autopilot/internal/portfolio"
)

func main() {
	timeout := flag.Duration("timeout", 5*time.Minute, "overall deadline for the pass")
	quiet := flag.Bool("quiet", false, "skip printing the attribution table")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if !cfg.DatabaseConfig.Enabled {
		fmt.Fprintln(os.Stderr, "database is disabled (DB_ENABLED=false); nothing to recompute")
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     "stderr",
		Component:  "recompute-attribution",
		JSONFormat: cfg.LoggingConfig.JSONFormat,
	})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

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
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}
	repo := database.NewRepository(db)

	pc := cfg.PortfolioConfig
	aggregator := portfolio.NewAggregator(portfolio.Config{
		Lock: portfolio.LockConfig{
			Key:          pc.LockKey,
			Timeout:      pc.LockTimeout,
			Retries:      pc.LockRetries,
			RetryBackoff: pc.LockRetryBackoff,
		},
		MinSharpeSamples: pc.MinSharpeSamples,
	}, repo, repo, logger)

	result, err := aggregator.Run(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("Attribution pass failed")
	}
	if result.Skipped {
		fmt.Println("another process holds the attribution lock; pass skipped")
		return
	}
	fmt.Printf("agents=%d written=%d failed=%d duration=%s\n",
		result.Agents, result.Written, result.Failed, result.Duration.Round(time.Millisecond))

	if *quiet {
		return
	}

	rows, err := repo.ListAttributions(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to list attributions")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tTRADES\tWIN RATE\tTOTAL PNL\tSHARPE\tWEIGHT")
	for _, r := range rows {
		sharpe := "-"
		if r.Sharpe != nil {
			sharpe = fmt.Sprintf("%.2f", *r.Sharpe)
		}
		fmt.Fprintf(w, "%s\t%d\t%.1f%%\t%.2f\t%s\t%.2f\n",
			r.AgentID, r.TradeCount, r.WinRate*100, r.TotalPnL, sharpe, r.WeightMultiplier)
	}
	w.Flush()
}
