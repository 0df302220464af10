package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github-activity-sync/internal/config"
	"github-activity-sync/internal/github"
	"github-activity-sync/internal/planner"
	"github-activity-sync/internal/store"
	"github-activity-sync/internal/syncer"
)

var rootCmd = &cobra.Command{
	Use:           "ghsync",
	Short:         "Incremental, resumable GitHub activity sync with a day-level ledger",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.AddCommand(syncCmd, serveCmd)
	if err := rootCmd.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

// app bundles the wired components shared by the sync and serve commands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	pool    *pgxpool.Pool
	client  *github.Client
	ledger  *store.Ledger
	records *store.RecordStore
	syncer  *syncer.Syncer
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

func setup(ctx context.Context) (*app, error) {
	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.LogLevel, logLevel)
	logger.Info("Configuration loaded successfully")

	// 3. Initialize database connection and run migrations
	pool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("Database connection established")

	if err := runMigrations(cfg.MigrationsURL, cfg.DBURL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}
	logger.Info("Database migrations applied successfully")

	// 4. Initialize application components
	client := github.NewClient(cfg.GithubToken, logger, github.Options{
		MaxRetries:     cfg.MaxRetries,
		Backoff:        cfg.RetryBackoff,
		QuotaThreshold: cfg.QuotaThreshold,
	})
	ledger := store.NewLedger(pool, logger)
	records := store.NewRecordStore(pool, logger)
	repoPlanner := planner.New(ledger, logger)
	appSyncer := syncer.NewSyncer(apiClient{client}, ledger, records, repoPlanner, logger, cfg.Organization)

	return &app{
		cfg:     cfg,
		logger:  logger,
		pool:    pool,
		client:  client,
		ledger:  ledger,
		records: records,
		syncer:  appSyncer,
	}, nil
}

// apiClient adapts the concrete GitHub client to the syncer's interface:
// the pager method narrows to the interface type the syncer owns.
type apiClient struct {
	*github.Client
}

func (c apiClient) PullRequests(org, repo string) syncer.PullRequestPager {
	return c.Client.PullRequests(org, repo)
}

func runMigrations(migrationsURL, dbURL string) error {
	m, err := migrate.New(migrationsURL, dbURL)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
