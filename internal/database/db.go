package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"bot-rental-engine/config"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Printf("Successfully connected to PostgreSQL database: %s", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("Running database migrations...")

	migrations := []string{
		// Bot definitions: a rentable strategy with its default risk policy
		`CREATE TABLE IF NOT EXISTS bots (
			id UUID PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			category VARCHAR(20) NOT NULL DEFAULT 'active',
			strategy_type VARCHAR(50) NOT NULL,
			default_timeframe VARCHAR(10) NOT NULL DEFAULT '1h',
			risk_config JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bots_category ON bots(category)`,

		// Subscriptions: one rented bot instance per row
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL,
			bot_id UUID NOT NULL REFERENCES bots(id),
			status VARCHAR(20) NOT NULL DEFAULT 'ACTIVE',
			primary_pair VARCHAR(20) NOT NULL,
			secondary_pairs TEXT[] NOT NULL DEFAULT '{}',
			timeframe VARCHAR(10) NOT NULL,
			risk_overrides JSONB,
			started_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ,
			is_trial BOOLEAN NOT NULL DEFAULT FALSE,
			trial_expires_at TIMESTAMPTZ,
			next_run_at TIMESTAMPTZ,
			last_run_at TIMESTAMPTZ,
			consecutive_losses INT NOT NULL DEFAULT 0,
			cooldown_until TIMESTAMPTZ,
			daily_loss_amount DECIMAL(20, 8) NOT NULL DEFAULT 0,
			last_loss_reset_date DATE NOT NULL DEFAULT CURRENT_DATE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_user_id ON subscriptions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_next_run_at ON subscriptions(next_run_at)`,

		// Transactions: one open or closed position per subscription+symbol
		`CREATE TABLE IF NOT EXISTS transactions (
			id UUID PRIMARY KEY,
			subscription_id UUID NOT NULL REFERENCES subscriptions(id),
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			status VARCHAR(10) NOT NULL DEFAULT 'OPEN',
			entry_price DECIMAL(20, 8) NOT NULL,
			exit_price DECIMAL(20, 8),
			quantity DECIMAL(20, 8) NOT NULL,
			leverage INT NOT NULL DEFAULT 1,
			stop_loss DECIMAL(20, 8),
			take_profit DECIMAL(20, 8),
			realized_pnl DECIMAL(20, 8),
			unrealized_pnl DECIMAL(20, 8),
			opened_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_subscription ON transactions(subscription_id)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_sub_symbol_status ON transactions(subscription_id, symbol, status)`,

		// Action log: durable audit trail of every pipeline decision
		`CREATE TABLE IF NOT EXISTS action_logs (
			id BIGSERIAL PRIMARY KEY,
			run_id UUID NOT NULL,
			subscription_id UUID NOT NULL,
			action VARCHAR(10) NOT NULL,
			outcome VARCHAR(10) NOT NULL,
			symbol VARCHAR(20),
			price DECIMAL(20, 8),
			quantity DECIMAL(20, 8),
			balance DECIMAL(20, 8),
			reason TEXT,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_action_logs_subscription ON action_logs(subscription_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_action_logs_run ON action_logs(run_id)`,

		// updated_at maintenance
		`CREATE OR REPLACE FUNCTION update_updated_at_column()
		RETURNS TRIGGER AS $$
		BEGIN
			NEW.updated_at = CURRENT_TIMESTAMP;
			RETURN NEW;
		END;
		$$ language 'plpgsql'`,

		`DROP TRIGGER IF EXISTS update_subscriptions_updated_at ON subscriptions`,
		`CREATE TRIGGER update_subscriptions_updated_at BEFORE UPDATE ON subscriptions
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,

		`DROP TRIGGER IF EXISTS update_transactions_updated_at ON transactions`,
		`CREATE TRIGGER update_transactions_updated_at BEFORE UPDATE ON transactions
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Println("Database migrations completed successfully")
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
