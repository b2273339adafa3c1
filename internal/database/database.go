package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"perp-trading-agent/internal/logging"
)

// DB wraps the connection pool.
type DB struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Connect opens the pool and runs migrations. An empty databaseURL returns
// (nil, nil) so callers can run without persistence.
func Connect(ctx context.Context, databaseURL string) (*DB, error) {
	if databaseURL == "" {
		return nil, nil
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{pool: pool, logger: logging.Component("database")}
	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	db.logger.Info().Msg("Database connected and migrated")
	return db, nil
}

// Close shuts the pool down.
func (db *DB) Close() {
	if db != nil && db.pool != nil {
		db.pool.Close()
	}
}

// migrate creates the schema if it does not exist.
func (db *DB) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			trade_id    TEXT PRIMARY KEY,
			symbol      TEXT NOT NULL,
			side        TEXT NOT NULL,
			quantity    DOUBLE PRECISION NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			exit_price  DOUBLE PRECISION,
			leverage    INTEGER NOT NULL DEFAULT 1,
			margin      DOUBLE PRECISION NOT NULL DEFAULT 0,
			fee         DOUBLE PRECISION NOT NULL DEFAULT 0,
			entry_ts    TIMESTAMPTZ NOT NULL,
			exit_ts     TIMESTAMPTZ,
			pnl         DOUBLE PRECISION,
			status      TEXT NOT NULL,
			confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
			reasoning   TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_entry_ts ON trades(entry_ts DESC)`,
		`CREATE TABLE IF NOT EXISTS ai_decisions (
			decision_id   TEXT PRIMARY KEY,
			trade_id      TEXT REFERENCES trades(trade_id),
			ts            TIMESTAMPTZ NOT NULL,
			symbol        TEXT NOT NULL,
			decision      TEXT NOT NULL,
			confidence    DOUBLE PRECISION NOT NULL,
			reasoning     TEXT NOT NULL DEFAULT '',
			current_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			indicators    JSONB,
			executed      BOOLEAN NOT NULL DEFAULT FALSE,
			error         TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_ts ON ai_decisions(ts DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_symbol ON ai_decisions(symbol)`,
		`CREATE TABLE IF NOT EXISTS balance_history (
			id      BIGSERIAL PRIMARY KEY,
			ts      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			balance DOUBLE PRECISION NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_balance_ts ON balance_history(ts DESC)`,
	}

	for _, stmt := range statements {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}
