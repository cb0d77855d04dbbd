package risk

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bot-rental-engine/internal/database"
	"bot-rental-engine/internal/strategy"
)

func newTestGate(failOpen bool, now time.Time) *Gate {
	g := NewGate(failOpen, zerolog.Nop())
	g.now = func() time.Time { return now }
	return g
}

func testSubscription() *database.Subscription {
	return &database.Subscription{
		ID:                "sub-1",
		LastLossResetDate: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
	}
}

func buySignal(riskReward float64, leverage int) *strategy.TradeSignal {
	rr := riskReward
	lev := leverage
	return &strategy.TradeSignal{
		Action: strategy.ActionBuy,
		Reason: "test",
		Recommendation: &strategy.Recommendation{
			RiskReward: &rr,
			Leverage:   &lev,
		},
	}
}

func knownBalance(available float64) *strategy.AccountStatus {
	return &strategy.AccountStatus{
		AvailableBalance: available,
		BalanceKnown:     true,
	}
}

func TestTradingWindow(t *testing.T) {
	tests := []struct {
		name    string
		rule    database.TradingWindowRule
		at      time.Time
		approve bool
	}{
		{
			name:    "inside plain range",
			rule:    database.TradingWindowRule{Enabled: true, StartHour: 9, EndHour: 17},
			at:      time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
			approve: true,
		},
		{
			name:    "end hour is exclusive",
			rule:    database.TradingWindowRule{Enabled: true, StartHour: 9, EndHour: 17},
			at:      time.Date(2026, 3, 10, 17, 0, 0, 0, time.UTC),
			approve: false,
		},
		{
			name:    "wrapped range late evening",
			rule:    database.TradingWindowRule{Enabled: true, StartHour: 22, EndHour: 6},
			at:      time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC),
			approve: true,
		},
		{
			name:    "wrapped range early morning",
			rule:    database.TradingWindowRule{Enabled: true, StartHour: 22, EndHour: 6},
			at:      time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC),
			approve: true,
		},
		{
			name:    "wrapped range midday rejected",
			rule:    database.TradingWindowRule{Enabled: true, StartHour: 22, EndHour: 6},
			at:      time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
			approve: false,
		},
		{
			name: "weekday not allowed",
			rule: database.TradingWindowRule{
				Enabled: true, StartHour: 0, EndHour: 24,
				Weekdays: []int{1, 2, 3, 4, 5},
			},
			// 2026-03-08 is a Sunday.
			at:      time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC),
			approve: false,
		},
		{
			name:    "disabled rule ignores hour",
			rule:    database.TradingWindowRule{Enabled: false, StartHour: 9, EndHour: 10},
			at:      time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC),
			approve: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGate(true, tt.at)
			sub := testSubscription()
			cfg := database.RiskConfig{TradingWindow: tt.rule}

			decision := g.Evaluate(sub, cfg, buySignal(3.0, 1), knownBalance(1000))
			if decision.Approved != tt.approve {
				t.Fatalf("approved = %v, want %v (reason %q)", decision.Approved, tt.approve, decision.Reason)
			}
			if !tt.approve && decision.Rule != RuleTradingWindow {
				t.Errorf("rule = %q, want %q", decision.Rule, RuleTradingWindow)
			}
		})
	}
}

func TestCooldown(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	cfg := database.RiskConfig{
		Cooldown: database.CooldownRule{Enabled: true, TriggerLossCount: 3, CooldownMinutes: 60},
	}

	t.Run("active cooldown rejects", func(t *testing.T) {
		g := newTestGate(true, now)
		sub := testSubscription()
		until := now.Add(30 * time.Minute)
		sub.CooldownUntil = &until
		sub.ConsecutiveLosses = 3

		decision := g.Evaluate(sub, cfg, buySignal(3.0, 1), knownBalance(1000))
		if decision.Approved {
			t.Fatal("expected rejection during cooldown")
		}
		if decision.Rule != RuleCooldown {
			t.Errorf("rule = %q, want %q", decision.Rule, RuleCooldown)
		}
	})

	t.Run("expired cooldown is cleared and run approved", func(t *testing.T) {
		g := newTestGate(true, now)
		sub := testSubscription()
		until := now.Add(-time.Minute)
		sub.CooldownUntil = &until

		decision := g.Evaluate(sub, cfg, buySignal(3.0, 1), knownBalance(1000))
		if !decision.Approved {
			t.Fatalf("expected approval, got rejection: %s", decision.Reason)
		}
		if sub.CooldownUntil != nil {
			t.Error("expired cooldown was not cleared")
		}
	})

	t.Run("stale cooldown is cleared even with rule disabled", func(t *testing.T) {
		g := newTestGate(true, now)
		sub := testSubscription()
		until := now.Add(-time.Minute)
		sub.CooldownUntil = &until

		disabled := database.RiskConfig{
			Cooldown: database.CooldownRule{Enabled: false, TriggerLossCount: 3, CooldownMinutes: 60},
		}
		decision := g.Evaluate(sub, disabled, buySignal(3.0, 1), knownBalance(1000))
		if !decision.Approved {
			t.Fatalf("expected approval, got rejection: %s", decision.Reason)
		}
		if sub.CooldownUntil != nil {
			t.Error("stale cooldown survived a disabled-rule evaluation")
		}
	})

	t.Run("future cooldown passes when rule disabled", func(t *testing.T) {
		g := newTestGate(true, now)
		sub := testSubscription()
		until := now.Add(30 * time.Minute)
		sub.CooldownUntil = &until

		disabled := database.RiskConfig{}
		decision := g.Evaluate(sub, disabled, buySignal(3.0, 1), knownBalance(1000))
		if !decision.Approved {
			t.Fatalf("expected approval with rule disabled, got: %s", decision.Reason)
		}
		if sub.CooldownUntil == nil {
			t.Error("unexpired cooldown should stay recorded")
		}
	})
}

func TestDailyLossLimit(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	cfg := database.RiskConfig{DailyLossLimitPercent: 5}

	t.Run("accumulated loss at limit rejects", func(t *testing.T) {
		g := newTestGate(true, now)
		sub := testSubscription()
		sub.DailyLossAmount = 50 // 5% of 1000

		decision := g.Evaluate(sub, cfg, buySignal(3.0, 1), knownBalance(1000))
		if decision.Approved {
			t.Fatal("expected rejection at loss limit")
		}
		if decision.Rule != RuleDailyLossLimit {
			t.Errorf("rule = %q, want %q", decision.Rule, RuleDailyLossLimit)
		}
	})

	t.Run("counter resets on new calendar day", func(t *testing.T) {
		g := newTestGate(true, now)
		sub := testSubscription()
		sub.DailyLossAmount = 400
		sub.LastLossResetDate = time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)

		decision := g.Evaluate(sub, cfg, buySignal(3.0, 1), knownBalance(1000))
		if !decision.Approved {
			t.Fatalf("expected approval after daily reset, got %s", decision.Reason)
		}
		if sub.DailyLossAmount != 0 {
			t.Errorf("daily loss = %.2f, want 0 after reset", sub.DailyLossAmount)
		}
		if !sub.LastLossResetDate.Equal(time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("reset date = %s", sub.LastLossResetDate)
		}
	})

	t.Run("unknown balance skips the rule", func(t *testing.T) {
		g := newTestGate(true, now)
		sub := testSubscription()
		sub.DailyLossAmount = 10000

		decision := g.Evaluate(sub, cfg, buySignal(3.0, 1), &strategy.AccountStatus{BalanceKnown: false})
		if !decision.Approved {
			t.Fatalf("expected approval with unknown balance, got %s", decision.Reason)
		}
	})
}

func TestMinRiskReward(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	cfg := database.RiskConfig{MinRiskReward: 2.0}

	t.Run("low ratio rejects with exact reason", func(t *testing.T) {
		g := newTestGate(true, now)
		decision := g.Evaluate(testSubscription(), cfg, buySignal(1.5, 1), knownBalance(1000))
		if decision.Approved {
			t.Fatal("expected rejection")
		}
		want := "Risk/Reward ratio too low: 1.5 < 2.0"
		if decision.Reason != want {
			t.Errorf("reason = %q, want %q", decision.Reason, want)
		}
	})

	t.Run("absent ratio skips the rule", func(t *testing.T) {
		g := newTestGate(true, now)
		signal := &strategy.TradeSignal{Action: strategy.ActionBuy}
		decision := g.Evaluate(testSubscription(), cfg, signal, knownBalance(1000))
		if !decision.Approved {
			t.Fatalf("expected approval without a ratio, got %s", decision.Reason)
		}
	})
}

func TestLeverageClamp(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	cfg := database.RiskConfig{MaxLeverage: 10}

	g := newTestGate(true, now)
	signal := buySignal(3.0, 25)
	decision := g.Evaluate(testSubscription(), cfg, signal, knownBalance(1000))

	if !decision.Approved {
		t.Fatalf("clamping must not reject, got %s", decision.Reason)
	}
	if got := *signal.Recommendation.Leverage; got != 10 {
		t.Errorf("leverage = %d, want clamped to 10", got)
	}
}

func TestApprovalSummaryCoversEveryRule(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	g := newTestGate(true, now)

	decision := g.Evaluate(testSubscription(), database.RiskConfig{}, buySignal(3.0, 1), knownBalance(1000))
	if !decision.Approved {
		t.Fatalf("unexpected rejection: %s", decision.Reason)
	}
	for _, rule := range []string{RuleTradingWindow, RuleCooldown, RuleDailyLossLimit, RuleMinRiskReward, RuleMaxLeverage} {
		if !strings.Contains(decision.Summary, rule) {
			t.Errorf("summary missing %s:\n%s", rule, decision.Summary)
		}
	}
}

func TestResolveFailPolicy(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	evalErr := errors.New("boom")

	t.Run("fail open approves", func(t *testing.T) {
		g := newTestGate(true, now)
		decision := g.Resolve(testSubscription(), evalErr)
		if !decision.Approved {
			t.Fatal("fail-open gate must approve on internal error")
		}
	})

	t.Run("fail closed rejects", func(t *testing.T) {
		g := newTestGate(false, now)
		decision := g.Resolve(testSubscription(), evalErr)
		if decision.Approved {
			t.Fatal("fail-closed gate must reject on internal error")
		}
		if decision.Rule != RuleInternalError {
			t.Errorf("rule = %q, want %q", decision.Rule, RuleInternalError)
		}
	})
}

func TestLossTracking(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	cfg := database.RiskConfig{
		Cooldown: database.CooldownRule{Enabled: true, TriggerLossCount: 3, CooldownMinutes: 60},
	}

	t.Run("third loss starts cooldown", func(t *testing.T) {
		sub := testSubscription()
		RecordLoss(sub, cfg, 10, now)
		RecordLoss(sub, cfg, 10, now)
		if sub.CooldownUntil != nil {
			t.Fatal("cooldown started before trigger threshold")
		}
		RecordLoss(sub, cfg, 10, now)
		if sub.CooldownUntil == nil {
			t.Fatal("cooldown not started at threshold")
		}
		if want := now.Add(time.Hour); !sub.CooldownUntil.Equal(want) {
			t.Errorf("cooldown until %s, want %s", sub.CooldownUntil, want)
		}
		if sub.DailyLossAmount != 30 {
			t.Errorf("daily loss = %.2f, want 30", sub.DailyLossAmount)
		}
	})

	t.Run("win resets streak even mid-cooldown", func(t *testing.T) {
		sub := testSubscription()
		for i := 0; i < 3; i++ {
			RecordLoss(sub, cfg, 10, now)
		}
		RecordWin(sub)
		if sub.ConsecutiveLosses != 0 {
			t.Errorf("losses = %d, want 0 after win", sub.ConsecutiveLosses)
		}
		if sub.CooldownUntil == nil {
			t.Error("win must not clear cooldown_until, it expires on its own")
		}
	})
}
