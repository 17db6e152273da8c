package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrLockLost is returned when a checkpoint write is rejected because the
// run's lease was reassigned to a newer invocation. The API maps it to 409.
var ErrLockLost = errors.New("checkpoint lease lost")

type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(dbURL string) (*Repository, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse db url: %w", err)
	}

	// Apply Pool Settings
	if maxConnStr := os.Getenv("DB_MAX_OPEN_CONNS"); maxConnStr != "" {
		if maxConn, err := strconv.Atoi(maxConnStr); err == nil {
			config.MaxConns = int32(maxConn)
		}
	}
	if minConnStr := os.Getenv("DB_MAX_IDLE_CONNS"); minConnStr != "" {
		if minConn, err := strconv.Atoi(minConnStr); err == nil {
			config.MinConns = int32(minConn)
		}
	}

	// Prevent stale connections from surviving across deployments.
	// MaxConnLifetime ensures connections are recycled periodically.
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	// Set per-connection PostgreSQL parameters to auto-kill orphaned queries/transactions.
	// - statement_timeout: kill any single query that runs longer than 5 minutes
	// - idle_in_transaction_session_timeout: kill connections idle inside a transaction
	//   for more than 2 minutes (prevents lock-holding ghosts after deploys)
	if config.ConnConfig.RuntimeParams == nil {
		config.ConnConfig.RuntimeParams = map[string]string{}
	}
	if _, ok := config.ConnConfig.RuntimeParams["statement_timeout"]; !ok {
		config.ConnConfig.RuntimeParams["statement_timeout"] = getEnvDefault("DB_STATEMENT_TIMEOUT", "300000") // 5 min
	}
	if _, ok := config.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"]; !ok {
		config.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = getEnvDefault("DB_IDLE_TX_TIMEOUT", "120000") // 2 min
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	repo := &Repository{db: pool}
	if err := repo.ensurePipelineSchema(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure pipeline schema: %w", err)
	}
	return repo, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (r *Repository) Close() {
	r.db.Close()
}

func (r *Repository) ensurePipelineSchema(ctx context.Context) error {
	const ddl = `
		CREATE SCHEMA IF NOT EXISTS app;

		CREATE TABLE IF NOT EXISTS app.pipeline_runs (
			run_id             TEXT PRIMARY KEY,
			current_step       TEXT NOT NULL DEFAULT '',
			lock_invocation_id TEXT NOT NULL DEFAULT '',
			steps              JSONB NOT NULL DEFAULT '{}'::jsonb,
			metrics            JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_pipeline_runs_updated_at
			ON app.pipeline_runs (updated_at DESC);

		CREATE TABLE IF NOT EXISTS app.pipeline_events (
			id         BIGSERIAL PRIMARY KEY,
			run_id     TEXT NOT NULL,
			level      TEXT NOT NULL,
			message    TEXT NOT NULL,
			details    JSONB,
			dedup_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (run_id, dedup_hash)
		);

		CREATE INDEX IF NOT EXISTS idx_pipeline_events_run
			ON app.pipeline_events (run_id, created_at DESC);
	`
	_, err := r.db.Exec(ctx, ddl)
	return err
}
