package database

import (
	"context"
	"fmt"
	"net/url"
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
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
	MaxConns int32  `json:"max_conns"`
}

// DefaultConfig returns a disabled local database configuration
func DefaultConfig() Config {
	return Config{
		Host:     "localhost",
		Port:     5432,
		User:     "trader",
		Database: "trader",
		SSLMode:  "disable",
		MaxConns: 10,
	}
}

// DSN builds a postgres URL. Credentials are escaped.
func (c Config) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	q := url.Values{}
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// NewDB creates a new database connection
func NewDB(ctx context.Context, cfg Config, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	if poolConfig.MaxConns <= 0 {
		poolConfig.MaxConns = 10
	}
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

	l := logger.With().Str("component", "database").Logger()
	l.Info().Str("database", cfg.Database).Msg("Connected to PostgreSQL")
	return &DB{Pool: pool, logger: l}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// migrations run in order on every start; each is idempotent
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS decisions (
		id BIGSERIAL PRIMARY KEY,
		decided_at TIMESTAMPTZ NOT NULL,
		opportunity_id VARCHAR(64) NOT NULL,
		symbol VARCHAR(20) NOT NULL,
		direction VARCHAR(8) NOT NULL,
		tier VARCHAR(8) NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		path VARCHAR(16) NOT NULL,
		urgency VARCHAR(16) NOT NULL,
		risk_pct DOUBLE PRECISION NOT NULL,
		outcome VARCHAR(16) NOT NULL,
		reasons JSONB NOT NULL DEFAULT '[]',
		ticket VARCHAR(64),
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_decided_at ON decisions(decided_at)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_outcome ON decisions(outcome)`,

	`CREATE TABLE IF NOT EXISTS closed_trades (
		ticket VARCHAR(64) PRIMARY KEY,
		symbol VARCHAR(20) NOT NULL,
		direction VARCHAR(8) NOT NULL,
		tier VARCHAR(8) NOT NULL,
		entry_price DOUBLE PRECISION NOT NULL,
		exit_price DOUBLE PRECISION NOT NULL,
		stop_kind VARCHAR(16) NOT NULL,
		risk_pct DOUBLE PRECISION NOT NULL,
		profit DOUBLE PRECISION NOT NULL,
		reason TEXT NOT NULL,
		opened_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_closed_trades_closed_at ON closed_trades(closed_at)`,

	`CREATE TABLE IF NOT EXISTS economic_events (
		id VARCHAR(64) PRIMARY KEY,
		currency VARCHAR(8) NOT NULL,
		title TEXT NOT NULL,
		impact VARCHAR(8) NOT NULL,
		event_time TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_economic_events_lookup ON economic_events(currency, event_time)`,
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Int("count", len(migrations)).Msg("Running database migrations")
	for i, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
