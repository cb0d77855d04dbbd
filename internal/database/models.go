package database

import (
	"time"
)

// Subscription status values
const (
	SubscriptionActive    = "ACTIVE"
	SubscriptionPaused    = "PAUSED"
	SubscriptionCancelled = "CANCELLED"
	SubscriptionExpired   = "EXPIRED"
	SubscriptionError     = "ERROR"
)

// Bot categories, each served by its own work queue
const (
	BotCategoryActive = "active" // places live trades
	BotCategorySignal = "signal" // signals-only, never trades
	BotCategoryRPA    = "rpa"    // drives an external RPA executor
)

// Transaction status values
const (
	TransactionOpen   = "OPEN"
	TransactionClosed = "CLOSED"
)

// Bot is a rentable strategy definition with its default risk policy.
type Bot struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	Category         string      `json:"category"`
	StrategyType     string      `json:"strategy_type"`
	DefaultTimeframe string      `json:"default_timeframe"`
	RiskConfig       *RiskConfig `json:"risk_config,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Subscription is one user's rented bot instance with its own schedule
// and risk state.
type Subscription struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	BotID          string     `json:"bot_id"`
	Status         string     `json:"status"`
	PrimaryPair    string     `json:"primary_pair"`
	SecondaryPairs []string   `json:"secondary_pairs"`
	Timeframe      string     `json:"timeframe"`
	RiskOverrides  *RiskConfig `json:"risk_overrides,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	IsTrial        bool       `json:"is_trial"`
	TrialExpiresAt *time.Time `json:"trial_expires_at,omitempty"`

	// Scheduling. NextRunAt nil means "run as soon as possible".
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`

	// Risk tracking, mutated only by this subscription's own pipeline run.
	ConsecutiveLosses int        `json:"consecutive_losses"`
	CooldownUntil     *time.Time `json:"cooldown_until,omitempty"`
	DailyLossAmount   float64    `json:"daily_loss_amount"`
	LastLossResetDate time.Time  `json:"last_loss_reset_date"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Pairs returns the priority-ordered trading pairs: primary first, then
// secondaries in configured order.
func (s *Subscription) Pairs() []string {
	pairs := make([]string, 0, len(s.SecondaryPairs)+1)
	pairs = append(pairs, s.PrimaryPair)
	pairs = append(pairs, s.SecondaryPairs...)
	return pairs
}

// RiskConfig is attached to a bot and optionally overridden per
// subscription. Immutable during a single evaluation.
type RiskConfig struct {
	TradingWindow TradingWindowRule `json:"trading_window"`
	Cooldown      CooldownRule      `json:"cooldown"`

	// DailyLossLimitPercent caps accumulated daily losses as a percentage
	// of available balance. Zero disables the rule.
	DailyLossLimitPercent float64 `json:"daily_loss_limit_percent"`

	// MinRiskReward rejects signals whose risk/reward ratio falls below
	// this value. Zero disables the rule.
	MinRiskReward float64 `json:"min_risk_reward"`

	// MaxLeverage clamps the signal's leverage. Zero disables the rule.
	MaxLeverage int `json:"max_leverage"`
}

// TradingWindowRule restricts trading to a UTC hour range and weekday set.
// The hour range wraps past midnight when StartHour > EndHour.
type TradingWindowRule struct {
	Enabled   bool  `json:"enabled"`
	StartHour int   `json:"start_hour"`
	EndHour   int   `json:"end_hour"`
	Weekdays  []int `json:"weekdays,omitempty"` // time.Weekday values; empty allows all days
}

// CooldownRule suspends trading after a run of consecutive losses.
type CooldownRule struct {
	Enabled          bool `json:"enabled"`
	TriggerLossCount int  `json:"trigger_loss_count"`
	CooldownMinutes  int  `json:"cooldown_minutes"`
}

// Merged returns the effective risk config for a subscription: the
// subscription's overrides when present, else the bot's defaults, else a
// zero config with every rule disabled.
func Merged(bot *Bot, sub *Subscription) RiskConfig {
	if sub != nil && sub.RiskOverrides != nil {
		return *sub.RiskOverrides
	}
	if bot != nil && bot.RiskConfig != nil {
		return *bot.RiskConfig
	}
	return RiskConfig{}
}

// Transaction is one open or closed trade for a subscription+symbol pair.
type Transaction struct {
	ID             string     `json:"id"`
	SubscriptionID string     `json:"subscription_id"`
	Symbol         string     `json:"symbol"`
	Side           string     `json:"side"`
	Status         string     `json:"status"`
	EntryPrice     float64    `json:"entry_price"`
	ExitPrice      *float64   `json:"exit_price,omitempty"`
	Quantity       float64    `json:"quantity"`
	Leverage       int        `json:"leverage"`
	StopLoss       *float64   `json:"stop_loss,omitempty"`
	TakeProfit     *float64   `json:"take_profit,omitempty"`
	RealizedPnL    *float64   `json:"realized_pnl,omitempty"`
	UnrealizedPnL  *float64   `json:"unrealized_pnl,omitempty"`
	OpenedAt       time.Time  `json:"opened_at"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ActionLog is the durable audit record of one pipeline decision.
type ActionLog struct {
	ID             int64                  `json:"id"`
	RunID          string                 `json:"run_id"`
	SubscriptionID string                 `json:"subscription_id"`
	Action         string                 `json:"action"`  // BUY, SELL, HOLD, ERROR
	Outcome        string                 `json:"outcome"` // pipeline terminal state
	Symbol         string                 `json:"symbol,omitempty"`
	Price          *float64               `json:"price,omitempty"`
	Quantity       *float64               `json:"quantity,omitempty"`
	Balance        *float64               `json:"balance,omitempty"`
	Reason         string                 `json:"reason,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}
