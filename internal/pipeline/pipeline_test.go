package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bot-rental-engine/config"
	"bot-rental-engine/internal/database"
	"bot-rental-engine/internal/exchange"
	"bot-rental-engine/internal/locks"
	"bot-rental-engine/internal/notify"
	"bot-rental-engine/internal/risk"
	"bot-rental-engine/internal/strategy"
	"bot-rental-engine/internal/symbols"
)

// --- fakes ---

type fakeStore struct {
	mu           sync.Mutex
	sub          *database.Subscription
	bot          *database.Bot
	subErr       error
	nextRuns     []time.Time
	statuses     []string
	transactions []*database.Transaction
	logs         []*database.ActionLog
	riskStates   []*database.Subscription
}

func (f *fakeStore) GetSubscription(ctx context.Context, id string) (*database.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	copied := *f.sub
	return &copied, nil
}

func (f *fakeStore) GetBot(ctx context.Context, id string) (*database.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bot == nil {
		return nil, errors.New("bot not found")
	}
	copied := *f.bot
	return &copied, nil
}

func (f *fakeStore) UpdateNextRunAt(ctx context.Context, id string, nextRunAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRuns = append(f.nextRuns, nextRunAt)
	return nil
}

func (f *fakeStore) UpdateSubscriptionStatus(ctx context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeStore) UpdateRiskState(ctx context.Context, sub *database.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *sub
	f.riskStates = append(f.riskStates, &copied)
	return nil
}

func (f *fakeStore) CreateTransaction(ctx context.Context, tx *database.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactions = append(f.transactions, tx)
	return nil
}

func (f *fakeStore) AppendActionLog(ctx context.Context, entry *database.ActionLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, entry)
	return nil
}

func (f *fakeStore) lastLog() *database.ActionLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.logs) == 0 {
		return nil
	}
	return f.logs[len(f.logs)-1]
}

type fakeSelector struct {
	selection symbols.Selection
	err       error
}

func (f fakeSelector) Select(ctx context.Context, subscriptionID string, pairs []string) (symbols.Selection, error) {
	return f.selection, f.err
}

type fakeCredentials struct{ err error }

func (f fakeCredentials) GetCredentials(ctx context.Context, userID, exchangeName string) (*exchange.Credentials, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &exchange.Credentials{APIKey: "k", SecretKey: "s"}, nil
}

type fakeProvider struct {
	account   *strategy.AccountStatus
	signal    *strategy.TradeSignal
	signalErr error
	trade     *strategy.TradeResult
	tradeErr  error
	delay     time.Duration
}

func (f *fakeProvider) CheckAccountStatus(ctx context.Context) (*strategy.AccountStatus, error) {
	if f.account != nil {
		return f.account, nil
	}
	return &strategy.AccountStatus{AvailableBalance: 1000, BalanceKnown: true}, nil
}

func (f *fakeProvider) GatherMarketData(ctx context.Context, symbol string) (*strategy.MarketData, error) {
	return &strategy.MarketData{Symbol: symbol, Price: 100}, nil
}

func (f *fakeProvider) Analyze(ctx context.Context, data *strategy.MarketData) (*strategy.Analysis, error) {
	return &strategy.Analysis{Symbol: data.Symbol, Price: data.Price, Trend: "UP"}, nil
}

func (f *fakeProvider) GenerateSignal(ctx context.Context, analysis *strategy.Analysis) (*strategy.TradeSignal, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.signalErr != nil {
		return nil, f.signalErr
	}
	return f.signal, nil
}

func (f *fakeProvider) SetupPosition(ctx context.Context, signal *strategy.TradeSignal, analysis *strategy.Analysis, sub *database.Subscription) (*strategy.TradeResult, error) {
	if f.tradeErr != nil {
		return nil, f.tradeErr
	}
	if f.trade != nil {
		return f.trade, nil
	}
	return &strategy.TradeResult{
		Symbol:     analysis.Symbol,
		Side:       signal.Action,
		EntryPrice: analysis.Price,
		Quantity:   1,
		Leverage:   1,
		ExecutedAt: time.Now().UTC(),
	}, nil
}

func (f *fakeProvider) PersistTrade(ctx context.Context, result *strategy.TradeResult) error {
	return nil
}

type fakeProviders struct {
	provider strategy.Provider
	err      error
}

func (f fakeProviders) New(strategyType string, deps strategy.Deps) (strategy.Provider, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.provider, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (f *fakeNotifier) Dispatch(ctx context.Context, msg notify.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

// --- fixtures ---

func testConfig() config.PipelineConfig {
	return config.PipelineConfig{
		LockTTL:         time.Minute,
		ErrorRetryDelay: 5 * time.Minute,
	}
}

func activeSubscription() *database.Subscription {
	return &database.Subscription{
		ID:          "sub-1",
		UserID:      "user-1",
		BotID:       "bot-1",
		Status:      database.SubscriptionActive,
		PrimaryPair: "BTCUSDT",
		Timeframe:   "1h",
		StartedAt:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func activeBot() *database.Bot {
	return &database.Bot{
		ID:           "bot-1",
		Name:         "Test Bot",
		Category:     database.BotCategoryActive,
		StrategyType: "momentum",
	}
}

func holdSignal() *strategy.TradeSignal {
	return &strategy.TradeSignal{Action: strategy.ActionHold, Reason: "no setup"}
}

func buySignal(riskReward float64) *strategy.TradeSignal {
	rr := riskReward
	return &strategy.TradeSignal{
		Action: strategy.ActionBuy,
		Reason: "breakout",
		Recommendation: &strategy.Recommendation{
			RiskReward: &rr,
		},
	}
}

func newTestPipeline(store *fakeStore, provider strategy.Provider, sel symbols.Selection) (*Pipeline, *fakeNotifier, time.Time) {
	notifier := &fakeNotifier{}
	p := New(
		testConfig(),
		config.ExchangeConfig{},
		store,
		locks.NewMemoryLocker(),
		fakeSelector{selection: sel},
		fakeProviders{provider: provider},
		fakeCredentials{},
		risk.NewGate(true, zerolog.Nop()),
		notifier,
		zerolog.Nop(),
	)
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return start }
	return p, notifier, start
}

// --- tests ---

func TestRunMutualExclusion(t *testing.T) {
	store := &fakeStore{sub: activeSubscription(), bot: activeBot()}
	provider := &fakeProvider{signal: holdSignal(), delay: 50 * time.Millisecond}
	p, _, _ := newTestPipeline(store, provider, symbols.Selection{Symbol: "BTCUSDT"})
	p.now = func() time.Time { return time.Now().UTC() }

	const n = 8
	var wg sync.WaitGroup
	results := make([]Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.Run(context.Background(), "sub-1")
		}(i)
	}
	wg.Wait()

	var done, skipped int
	for _, r := range results {
		switch r.Outcome {
		case OutcomeDone:
			done++
		case OutcomeSkipped:
			skipped++
		default:
			t.Errorf("unexpected outcome %s (%s)", r.Outcome, r.Reason)
		}
	}
	if done != 1 {
		t.Errorf("done = %d, want exactly 1", done)
	}
	if skipped != n-1 {
		t.Errorf("skipped = %d, want %d", skipped, n-1)
	}
}

func TestRunReschedulesBeforeExecuting(t *testing.T) {
	store := &fakeStore{sub: activeSubscription(), bot: activeBot()}
	provider := &fakeProvider{signal: holdSignal()}
	p, _, start := newTestPipeline(store, provider, symbols.Selection{Symbol: "BTCUSDT"})

	result := p.Run(context.Background(), "sub-1")
	if result.Outcome != OutcomeDone {
		t.Fatalf("outcome = %s (%s)", result.Outcome, result.Reason)
	}

	if len(store.nextRuns) != 1 {
		t.Fatalf("next_run_at written %d times, want 1", len(store.nextRuns))
	}
	if want := start.Add(time.Hour); !store.nextRuns[0].Equal(want) {
		t.Errorf("next_run_at = %s, want %s (timeframe 1h)", store.nextRuns[0], want)
	}
	if !store.nextRuns[0].After(start) {
		t.Error("next_run_at must be strictly after the run start")
	}
}

func TestRunErrorPathReschedulesFiveMinutesOut(t *testing.T) {
	store := &fakeStore{sub: activeSubscription(), bot: activeBot()}
	provider := &fakeProvider{signalErr: errors.New("feed down")}
	p, notifier, start := newTestPipeline(store, provider, symbols.Selection{Symbol: "BTCUSDT"})

	result := p.Run(context.Background(), "sub-1")
	if result.Outcome != OutcomeError {
		t.Fatalf("outcome = %s", result.Outcome)
	}

	// The timeframe reschedule happens first, then the error path
	// overrides it with the short retry.
	if len(store.nextRuns) != 2 {
		t.Fatalf("next_run_at written %d times, want 2", len(store.nextRuns))
	}
	if want := start.Add(5 * time.Minute); !store.nextRuns[1].Equal(want) {
		t.Errorf("retry at %s, want %s", store.nextRuns[1], want)
	}
	if len(store.statuses) != 0 {
		t.Errorf("status changed to %v, want no change on a run error", store.statuses)
	}

	last := store.lastLog()
	if last == nil || last.Outcome != OutcomeError {
		t.Fatalf("missing ERROR action log entry")
	}
	if notifier.count() == 0 {
		t.Error("user was not notified of the failure")
	}
}

func TestRunSkipsInactiveAndUnstarted(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(sub *database.Subscription)
	}{
		{"paused", func(s *database.Subscription) { s.Status = database.SubscriptionPaused }},
		{"cancelled", func(s *database.Subscription) { s.Status = database.SubscriptionCancelled }},
		{"not started", func(s *database.Subscription) {
			s.StartedAt = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := activeSubscription()
			tt.mutate(sub)
			store := &fakeStore{sub: sub, bot: activeBot()}
			p, _, _ := newTestPipeline(store, &fakeProvider{signal: holdSignal()}, symbols.Selection{Symbol: "BTCUSDT"})

			result := p.Run(context.Background(), "sub-1")
			if result.Outcome != OutcomeSkipped {
				t.Fatalf("outcome = %s, want SKIPPED", result.Outcome)
			}
			if len(store.nextRuns) != 0 {
				t.Error("skipped run must not touch next_run_at")
			}
		})
	}
}

func TestRunExpiresElapsedTrial(t *testing.T) {
	sub := activeSubscription()
	sub.IsTrial = true
	trialEnd := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	sub.TrialExpiresAt = &trialEnd

	store := &fakeStore{sub: sub, bot: activeBot()}
	p, _, _ := newTestPipeline(store, &fakeProvider{signal: holdSignal()}, symbols.Selection{Symbol: "BTCUSDT"})

	result := p.Run(context.Background(), "sub-1")
	if result.Outcome != OutcomeSkipped {
		t.Fatalf("outcome = %s, want SKIPPED", result.Outcome)
	}
	if len(store.statuses) != 1 || store.statuses[0] != database.SubscriptionExpired {
		t.Errorf("statuses = %v, want [EXPIRED]", store.statuses)
	}
}

func TestRunRiskRejectionEndToEnd(t *testing.T) {
	// BTCUSDT holds an open position so the selector lands on ETHUSDT;
	// the signal's 1.5 risk/reward is under the configured 2.0 minimum.
	sub := activeSubscription()
	sub.SecondaryPairs = []string{"ETHUSDT"}
	sub.RiskOverrides = &database.RiskConfig{MinRiskReward: 2.0}

	store := &fakeStore{sub: sub, bot: activeBot()}
	provider := &fakeProvider{signal: buySignal(1.5)}
	p, notifier, start := newTestPipeline(store, provider, symbols.Selection{
		Symbol:  "ETHUSDT",
		Skipped: []string{"BTCUSDT"},
	})

	result := p.Run(context.Background(), "sub-1")
	if result.Outcome != OutcomeDone {
		t.Fatalf("outcome = %s (%s)", result.Outcome, result.Reason)
	}
	if result.Action != "HOLD" {
		t.Errorf("action = %s, want HOLD", result.Action)
	}

	last := store.lastLog()
	if last == nil {
		t.Fatal("no action log written")
	}
	if last.Action != "HOLD" || last.Symbol != "ETHUSDT" {
		t.Errorf("log action=%s symbol=%s", last.Action, last.Symbol)
	}
	if want := "Risk/Reward ratio too low: 1.5 < 2.0"; last.Reason != want {
		t.Errorf("reason = %q, want %q", last.Reason, want)
	}

	if len(store.transactions) != 0 {
		t.Error("rejected signal must not create a transaction")
	}
	if want := start.Add(time.Hour); !store.nextRuns[0].Equal(want) {
		t.Errorf("next_run_at = %s, want advanced by one timeframe to %s", store.nextRuns[0], want)
	}
	if notifier.count() == 0 {
		t.Error("rejection was not notified")
	}
}

func TestRunAllPairsBusyHolds(t *testing.T) {
	store := &fakeStore{sub: activeSubscription(), bot: activeBot()}
	p, _, _ := newTestPipeline(store, &fakeProvider{signal: buySignal(3)}, symbols.Selection{
		Skipped: []string{"BTCUSDT"},
	})

	result := p.Run(context.Background(), "sub-1")
	if result.Outcome != OutcomeDone || result.Action != "HOLD" {
		t.Fatalf("outcome = %s action = %s, want DONE/HOLD", result.Outcome, result.Action)
	}
	if len(store.transactions) != 0 {
		t.Error("no trade must happen with every pair busy")
	}
}

func TestRunMissingCredentials(t *testing.T) {
	store := &fakeStore{sub: activeSubscription(), bot: activeBot()}
	p, _, start := newTestPipeline(store, &fakeProvider{signal: holdSignal()}, symbols.Selection{Symbol: "BTCUSDT"})
	p.credentials = fakeCredentials{err: errors.New("no key for user")}

	result := p.Run(context.Background(), "sub-1")
	if result.Outcome != OutcomeError {
		t.Fatalf("outcome = %s, want ERROR", result.Outcome)
	}
	// Status stays ACTIVE so a later run retries once credentials exist.
	if len(store.statuses) != 0 {
		t.Errorf("statuses = %v, want none", store.statuses)
	}
	if want := start.Add(5 * time.Minute); !store.nextRuns[len(store.nextRuns)-1].Equal(want) {
		t.Errorf("retry at %s, want %s", store.nextRuns[len(store.nextRuns)-1], want)
	}
}

func TestRunProviderInitFailureParksSubscription(t *testing.T) {
	store := &fakeStore{sub: activeSubscription(), bot: activeBot()}
	p, _, _ := newTestPipeline(store, nil, symbols.Selection{Symbol: "BTCUSDT"})
	p.providers = fakeProviders{err: fmt.Errorf("unknown strategy type %q", "momentum")}

	result := p.Run(context.Background(), "sub-1")
	if result.Outcome != OutcomeError {
		t.Fatalf("outcome = %s, want ERROR", result.Outcome)
	}
	if len(store.statuses) != 1 || store.statuses[0] != database.SubscriptionError {
		t.Errorf("statuses = %v, want [ERROR]", store.statuses)
	}
}

func TestRunSignalCategoryNeverTrades(t *testing.T) {
	bot := activeBot()
	bot.Category = database.BotCategorySignal
	store := &fakeStore{sub: activeSubscription(), bot: bot}
	p, notifier, _ := newTestPipeline(store, &fakeProvider{signal: buySignal(3)}, symbols.Selection{Symbol: "BTCUSDT"})

	result := p.Run(context.Background(), "sub-1")
	if result.Outcome != OutcomeDone {
		t.Fatalf("outcome = %s (%s)", result.Outcome, result.Reason)
	}
	if result.Action != strategy.ActionBuy {
		t.Errorf("action = %s, want BUY passed through", result.Action)
	}
	if len(store.transactions) != 0 {
		t.Error("signals-only bot created a transaction")
	}
	if notifier.count() == 0 {
		t.Error("signal was not notified")
	}
}

func TestRunTradeSuccess(t *testing.T) {
	sub := activeSubscription()
	sub.ConsecutiveLosses = 2
	store := &fakeStore{sub: sub, bot: activeBot()}
	p, notifier, _ := newTestPipeline(store, &fakeProvider{signal: buySignal(3)}, symbols.Selection{Symbol: "BTCUSDT"})

	result := p.Run(context.Background(), "sub-1")
	if result.Outcome != OutcomeDone {
		t.Fatalf("outcome = %s (%s)", result.Outcome, result.Reason)
	}

	if len(store.transactions) != 1 {
		t.Fatalf("transactions = %d, want 1", len(store.transactions))
	}
	tx := store.transactions[0]
	if tx.Status != database.TransactionOpen || tx.Symbol != "BTCUSDT" || tx.Side != strategy.ActionBuy {
		t.Errorf("transaction = %+v", tx)
	}

	final := store.riskStates[len(store.riskStates)-1]
	if final.ConsecutiveLosses != 0 {
		t.Errorf("losses = %d, want reset to 0 on success", final.ConsecutiveLosses)
	}
	if notifier.count() == 0 {
		t.Error("trade was not notified")
	}
}

func TestRunTradeFailureCountsLoss(t *testing.T) {
	sub := activeSubscription()
	sub.RiskOverrides = &database.RiskConfig{
		Cooldown: database.CooldownRule{Enabled: true, TriggerLossCount: 3, CooldownMinutes: 60},
	}
	sub.ConsecutiveLosses = 2

	store := &fakeStore{sub: sub, bot: activeBot()}
	provider := &fakeProvider{signal: buySignal(3), tradeErr: errors.New("insufficient margin")}
	p, _, start := newTestPipeline(store, provider, symbols.Selection{Symbol: "BTCUSDT"})

	result := p.Run(context.Background(), "sub-1")
	if result.Outcome != OutcomeError {
		t.Fatalf("outcome = %s, want ERROR", result.Outcome)
	}
	if len(store.transactions) != 0 {
		t.Error("failed trade must not create a transaction")
	}

	final := store.riskStates[len(store.riskStates)-1]
	if final.ConsecutiveLosses != 3 {
		t.Errorf("losses = %d, want 3", final.ConsecutiveLosses)
	}
	if final.CooldownUntil == nil {
		t.Fatal("third loss must start the cooldown")
	}
	if want := start.Add(time.Hour); !final.CooldownUntil.Equal(want) {
		t.Errorf("cooldown until %s, want %s", final.CooldownUntil, want)
	}

	// A failed execution is not an infrastructure error: the normal
	// schedule from step 3 stands.
	if len(store.nextRuns) != 1 {
		t.Errorf("next_run_at written %d times, want 1 (no retry override)", len(store.nextRuns))
	}
}

func TestParseTimeframe(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"1m", time.Minute, false},
		{"15m", 15 * time.Minute, false},
		{"1h", time.Hour, false},
		{"4h", 4 * time.Hour, false},
		{"1d", 24 * time.Hour, false},
		{"1w", 7 * 24 * time.Hour, false},
		{"", 0, true},
		{"h", 0, true},
		{"0m", 0, true},
		{"-1h", 0, true},
		{"1x", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimeframe(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseTimeframe(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

type failingLocker struct{}

func (failingLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return false, errors.New("redis connection refused")
}

func (failingLocker) Release(ctx context.Context, key string) error { return nil }

func TestRunLockServiceFailureIsAudited(t *testing.T) {
	store := &fakeStore{sub: activeSubscription(), bot: activeBot()}
	p, _, _ := newTestPipeline(store, &fakeProvider{signal: holdSignal()}, symbols.Selection{Symbol: "BTCUSDT"})
	p.locker = failingLocker{}

	result := p.Run(context.Background(), "sub-1")

	if result.Outcome != OutcomeError {
		t.Fatalf("outcome = %s, want %s", result.Outcome, OutcomeError)
	}
	entry := store.lastLog()
	if entry == nil {
		t.Fatal("lock failure left no audit entry")
	}
	if entry.Action != actionError || entry.Outcome != OutcomeError {
		t.Errorf("audit entry = %s/%s, want %s/%s", entry.Action, entry.Outcome, actionError, OutcomeError)
	}
	if !strings.Contains(entry.Reason, "lock service unavailable") {
		t.Errorf("reason = %q", entry.Reason)
	}
	if len(store.nextRuns) != 0 {
		t.Errorf("lock failure touched the schedule: %v", store.nextRuns)
	}
}

func TestRunSubscriptionLoadFailureIsAudited(t *testing.T) {
	store := &fakeStore{
		sub:    activeSubscription(),
		bot:    activeBot(),
		subErr: errors.New("connection reset"),
	}
	p, _, _ := newTestPipeline(store, &fakeProvider{signal: holdSignal()}, symbols.Selection{Symbol: "BTCUSDT"})

	result := p.Run(context.Background(), "sub-1")

	if result.Outcome != OutcomeError {
		t.Fatalf("outcome = %s, want %s", result.Outcome, OutcomeError)
	}
	entry := store.lastLog()
	if entry == nil {
		t.Fatal("load failure left no audit entry")
	}
	if !strings.Contains(entry.Reason, "subscription load failed") {
		t.Errorf("reason = %q", entry.Reason)
	}
	if len(store.nextRuns) != 0 {
		t.Errorf("load failure touched the schedule: %v", store.nextRuns)
	}
}
