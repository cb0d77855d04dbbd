// Package risk gates trade signals before execution. Rules run in a fixed
// order and the first rejection wins; every evaluated rule is recorded in
// the decision summary for the audit log.
package risk

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"bot-rental-engine/internal/database"
	"bot-rental-engine/internal/strategy"
)

// Rule names, used in decisions and metrics labels.
const (
	RuleTradingWindow  = "trading_window"
	RuleCooldown       = "cooldown"
	RuleDailyLossLimit = "daily_loss_limit"
	RuleMinRiskReward  = "min_risk_reward"
	RuleMaxLeverage    = "max_leverage"
	RuleInternalError  = "internal_error"
)

// Decision is the gate's verdict for one signal.
type Decision struct {
	Approved bool
	Rule     string // rejecting rule, empty when approved
	Reason   string // human-readable rejection reason
	Summary  string // one line per evaluated rule
}

// Gate evaluates the configured risk rules against a signal.
type Gate struct {
	failOpen bool
	logger   zerolog.Logger
	now      func() time.Time
}

// NewGate creates a gate. With failOpen set, evaluation errors approve the
// signal instead of rejecting it; either way the error is logged.
func NewGate(failOpen bool, logger zerolog.Logger) *Gate {
	return &Gate{
		failOpen: failOpen,
		logger:   logger.With().Str("component", "risk").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate runs every rule in order against the signal. It mutates sub
// (clearing an expired cooldown, resetting the daily loss counter on a new
// day) and signal (clamping leverage); callers persist those changes.
func (g *Gate) Evaluate(sub *database.Subscription, cfg database.RiskConfig, signal *strategy.TradeSignal, account *strategy.AccountStatus) Decision {
	now := g.now()
	var lines []string

	reject := func(rule, reason string) Decision {
		lines = append(lines, fmt.Sprintf("%s: REJECTED (%s)", rule, reason))
		g.logger.Info().
			Str("subscription_id", sub.ID).
			Str("rule", rule).
			Str("reason", reason).
			Msg("signal rejected")
		return Decision{Rule: rule, Reason: reason, Summary: strings.Join(lines, "\n")}
	}
	pass := func(rule, detail string) {
		lines = append(lines, fmt.Sprintf("%s: OK (%s)", rule, detail))
	}

	// 1. Trading window
	if cfg.TradingWindow.Enabled {
		if ok, detail := inTradingWindow(cfg.TradingWindow, now); !ok {
			return reject(RuleTradingWindow, detail)
		} else {
			pass(RuleTradingWindow, detail)
		}
	} else {
		pass(RuleTradingWindow, "disabled")
	}

	// 2. Cooldown. An expired cooldown is cleared, not just ignored, so
	// the stored state matches what the gate acted on. The clear happens
	// even when the rule is disabled: a subscription must not carry a
	// stale cooldown_until after an operator turns the rule off.
	if sub.CooldownUntil != nil && !now.Before(*sub.CooldownUntil) {
		sub.CooldownUntil = nil
	}
	switch {
	case sub.CooldownUntil == nil:
		pass(RuleCooldown, "not in cooldown")
	case cfg.Cooldown.Enabled:
		return reject(RuleCooldown, fmt.Sprintf("In cooldown until %s after %d consecutive losses",
			sub.CooldownUntil.Format(time.RFC3339), sub.ConsecutiveLosses))
	default:
		pass(RuleCooldown, "cooldown rule disabled")
	}

	// 3. Daily loss limit. The counter resets on the first evaluation of a
	// new UTC calendar day. Without a known balance there is no limit to
	// compare against, so the rule passes.
	if today := now.Truncate(24 * time.Hour); sub.LastLossResetDate.Before(today) {
		sub.DailyLossAmount = 0
		sub.LastLossResetDate = today
	}
	if cfg.DailyLossLimitPercent > 0 {
		switch {
		case account == nil || !account.BalanceKnown:
			pass(RuleDailyLossLimit, "balance unknown, limit not enforced")
		default:
			limit := account.AvailableBalance * cfg.DailyLossLimitPercent / 100
			if sub.DailyLossAmount >= limit {
				return reject(RuleDailyLossLimit, fmt.Sprintf("Daily loss %.2f reached limit %.2f (%.1f%% of balance)",
					sub.DailyLossAmount, limit, cfg.DailyLossLimitPercent))
			}
			pass(RuleDailyLossLimit, fmt.Sprintf("loss %.2f of limit %.2f", sub.DailyLossAmount, limit))
		}
	} else {
		pass(RuleDailyLossLimit, "disabled")
	}

	// 4. Minimum risk/reward. A signal with no ratio cannot be measured
	// and passes.
	if cfg.MinRiskReward > 0 {
		rr := riskReward(signal)
		switch {
		case rr == nil:
			pass(RuleMinRiskReward, "ratio not provided")
		case *rr < cfg.MinRiskReward:
			return reject(RuleMinRiskReward, fmt.Sprintf("Risk/Reward ratio too low: %.1f < %.1f", *rr, cfg.MinRiskReward))
		default:
			pass(RuleMinRiskReward, fmt.Sprintf("ratio %.1f", *rr))
		}
	} else {
		pass(RuleMinRiskReward, "disabled")
	}

	// 5. Leverage cap clamps rather than rejects.
	if cfg.MaxLeverage > 0 && signal.Recommendation != nil && signal.Recommendation.Leverage != nil {
		if *signal.Recommendation.Leverage > cfg.MaxLeverage {
			clamped := cfg.MaxLeverage
			pass(RuleMaxLeverage, fmt.Sprintf("clamped %d to %d", *signal.Recommendation.Leverage, clamped))
			signal.Recommendation.Leverage = &clamped
		} else {
			pass(RuleMaxLeverage, fmt.Sprintf("leverage %d within cap %d", *signal.Recommendation.Leverage, cfg.MaxLeverage))
		}
	} else {
		pass(RuleMaxLeverage, "disabled")
	}

	return Decision{Approved: true, Summary: strings.Join(lines, "\n")}
}

// Resolve converts an evaluation error into a decision according to the
// gate's fail-open policy.
func (g *Gate) Resolve(sub *database.Subscription, err error) Decision {
	g.logger.Error().Err(err).
		Str("subscription_id", sub.ID).
		Bool("fail_open", g.failOpen).
		Msg("risk evaluation error")
	if g.failOpen {
		return Decision{
			Approved: true,
			Summary:  fmt.Sprintf("%s: OK (fail-open: %v)", RuleInternalError, err),
		}
	}
	return Decision{
		Rule:    RuleInternalError,
		Reason:  fmt.Sprintf("Risk evaluation failed: %v", err),
		Summary: fmt.Sprintf("%s: REJECTED (%v)", RuleInternalError, err),
	}
}

// RecordWin resets the consecutive loss streak. A win clears the streak
// even while a cooldown is in effect; the cooldown itself runs out on its
// own clock.
func RecordWin(sub *database.Subscription) {
	sub.ConsecutiveLosses = 0
}

// RecordLoss adds a loss to both the streak and the daily total, starting
// a cooldown when the streak hits the configured trigger.
func RecordLoss(sub *database.Subscription, cfg database.RiskConfig, amount float64, now time.Time) {
	sub.ConsecutiveLosses++
	if amount > 0 {
		sub.DailyLossAmount += amount
	}
	if cfg.Cooldown.Enabled && cfg.Cooldown.TriggerLossCount > 0 &&
		sub.ConsecutiveLosses >= cfg.Cooldown.TriggerLossCount {
		until := now.Add(time.Duration(cfg.Cooldown.CooldownMinutes) * time.Minute)
		sub.CooldownUntil = &until
	}
}

// inTradingWindow checks the hour range [start, end) in UTC, wrapping past
// midnight when start > end, plus the optional weekday set.
func inTradingWindow(rule database.TradingWindowRule, now time.Time) (bool, string) {
	if len(rule.Weekdays) > 0 {
		allowed := false
		for _, d := range rule.Weekdays {
			if int(now.Weekday()) == d {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, fmt.Sprintf("Outside trading window: %s not in allowed weekdays", now.Weekday())
		}
	}

	hour := now.Hour()
	var inRange bool
	if rule.StartHour <= rule.EndHour {
		inRange = hour >= rule.StartHour && hour < rule.EndHour
	} else {
		inRange = hour >= rule.StartHour || hour < rule.EndHour
	}
	if !inRange {
		return false, fmt.Sprintf("Outside trading window: hour %02d not in %02d:00-%02d:00 UTC",
			hour, rule.StartHour, rule.EndHour)
	}
	return true, fmt.Sprintf("hour %02d within %02d:00-%02d:00 UTC", hour, rule.StartHour, rule.EndHour)
}

func riskReward(signal *strategy.TradeSignal) *float64 {
	if signal == nil || signal.Recommendation == nil {
		return nil
	}
	return signal.Recommendation.RiskReward
}
