package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrSubscriptionNotFound is returned when a subscription id does not exist.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

const subscriptionColumns = `
	id, user_id, bot_id, status, primary_pair, secondary_pairs, timeframe,
	risk_overrides, started_at, expires_at, is_trial, trial_expires_at,
	next_run_at, last_run_at, consecutive_losses, cooldown_until,
	daily_loss_amount, last_loss_reset_date, created_at, updated_at`

// GetSubscription retrieves a subscription by id.
func (r *Repository) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	query := `SELECT` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	sub, err := scanSubscription(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// ListDueSubscriptions returns ACTIVE, started, non-expired subscriptions
// whose next_run_at is null or in the past, joined with their bot's
// category so the scheduler can route them to the right queue.
func (r *Repository) ListDueSubscriptions(ctx context.Context, now time.Time, limit int) ([]*DueSubscription, error) {
	query := `
		SELECT s.id, b.category
		FROM subscriptions s
		JOIN bots b ON b.id = s.bot_id
		WHERE s.status = 'ACTIVE'
		  AND s.started_at <= $1
		  AND (s.expires_at IS NULL OR s.expires_at > $1)
		  AND (s.next_run_at IS NULL OR s.next_run_at <= $1)
		ORDER BY s.next_run_at NULLS FIRST
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []*DueSubscription
	for rows.Next() {
		d := &DueSubscription{}
		if err := rows.Scan(&d.SubscriptionID, &d.BotCategory); err != nil {
			return nil, err
		}
		due = append(due, d)
	}
	return due, rows.Err()
}

// DueSubscription is a scheduler dispatch record.
type DueSubscription struct {
	SubscriptionID string
	BotCategory    string
}

// UpdateNextRunAt persists the next scheduled run time. The pipeline calls
// this before doing any real work so a crashed run cannot orphan the
// subscription's schedule.
func (r *Repository) UpdateNextRunAt(ctx context.Context, id string, nextRunAt time.Time) error {
	query := `UPDATE subscriptions SET next_run_at = $2, last_run_at = NOW() WHERE id = $1`
	_, err := r.db.Pool.Exec(ctx, query, id, nextRunAt)
	return err
}

// UpdateSubscriptionStatus transitions a subscription's lifecycle status.
func (r *Repository) UpdateSubscriptionStatus(ctx context.Context, id, status string) error {
	query := `UPDATE subscriptions SET status = $2 WHERE id = $1`
	_, err := r.db.Pool.Exec(ctx, query, id, status)
	return err
}

// UpdateRiskState persists the loss/cooldown fields mutated by a pipeline
// run or by the risk gate (cooldown clear, daily reset).
func (r *Repository) UpdateRiskState(ctx context.Context, sub *Subscription) error {
	query := `
		UPDATE subscriptions
		SET consecutive_losses = $2, cooldown_until = $3,
		    daily_loss_amount = $4, last_loss_reset_date = $5
		WHERE id = $1
	`
	_, err := r.db.Pool.Exec(ctx, query,
		sub.ID, sub.ConsecutiveLosses, sub.CooldownUntil,
		sub.DailyLossAmount, sub.LastLossResetDate,
	)
	return err
}

// GetBot retrieves a bot definition by id.
func (r *Repository) GetBot(ctx context.Context, id string) (*Bot, error) {
	query := `
		SELECT id, name, category, strategy_type, default_timeframe, risk_config, created_at, updated_at
		FROM bots WHERE id = $1
	`
	bot := &Bot{}
	var riskJSON []byte
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&bot.ID, &bot.Name, &bot.Category, &bot.StrategyType,
		&bot.DefaultTimeframe, &riskJSON, &bot.CreatedAt, &bot.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("bot %s not found", id)
		}
		return nil, err
	}
	if len(riskJSON) > 0 {
		bot.RiskConfig = &RiskConfig{}
		if err := json.Unmarshal(riskJSON, bot.RiskConfig); err != nil {
			return nil, fmt.Errorf("invalid risk_config for bot %s: %w", id, err)
		}
	}
	return bot, nil
}

func scanSubscription(row pgx.Row) (*Subscription, error) {
	sub := &Subscription{}
	var riskJSON []byte
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.BotID, &sub.Status, &sub.PrimaryPair,
		&sub.SecondaryPairs, &sub.Timeframe, &riskJSON, &sub.StartedAt,
		&sub.ExpiresAt, &sub.IsTrial, &sub.TrialExpiresAt, &sub.NextRunAt,
		&sub.LastRunAt, &sub.ConsecutiveLosses, &sub.CooldownUntil,
		&sub.DailyLossAmount, &sub.LastLossResetDate, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(riskJSON) > 0 {
		sub.RiskOverrides = &RiskConfig{}
		if err := json.Unmarshal(riskJSON, sub.RiskOverrides); err != nil {
			return nil, fmt.Errorf("invalid risk_overrides for subscription %s: %w", sub.ID, err)
		}
	}
	return sub, nil
}
