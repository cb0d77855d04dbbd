// Package pipeline runs one subscription end to end: lock, validate,
// reschedule, select a symbol, generate a signal, gate it, execute, record
// and notify. Nothing escapes a run; every failure becomes an outcome.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bot-rental-engine/config"
	"bot-rental-engine/internal/database"
	"bot-rental-engine/internal/exchange"
	"bot-rental-engine/internal/locks"
	"bot-rental-engine/internal/metrics"
	"bot-rental-engine/internal/notify"
	"bot-rental-engine/internal/queue"
	"bot-rental-engine/internal/risk"
	"bot-rental-engine/internal/strategy"
	"bot-rental-engine/internal/symbols"
)

// Terminal outcomes of a run.
const (
	OutcomeDone    = "DONE"
	OutcomeSkipped = "SKIPPED"
	OutcomeError   = "ERROR"
)

// Action log action values beyond the trade sides.
const (
	actionHold  = "HOLD"
	actionError = "ERROR"
)

// RunRequest is the queued job payload for one pipeline invocation.
type RunRequest struct {
	SubscriptionID string `json:"subscription_id"`
}

// Result is what a finished run reports back.
type Result struct {
	RunID   string
	Outcome string
	Action  string
	Reason  string
}

// Store is the persistence surface a run needs.
type Store interface {
	GetSubscription(ctx context.Context, id string) (*database.Subscription, error)
	GetBot(ctx context.Context, id string) (*database.Bot, error)
	UpdateNextRunAt(ctx context.Context, id string, nextRunAt time.Time) error
	UpdateSubscriptionStatus(ctx context.Context, id, status string) error
	UpdateRiskState(ctx context.Context, sub *database.Subscription) error
	CreateTransaction(ctx context.Context, tx *database.Transaction) error
	AppendActionLog(ctx context.Context, entry *database.ActionLog) error
}

// SymbolPicker selects the tradable pair for a run.
type SymbolPicker interface {
	Select(ctx context.Context, subscriptionID string, pairs []string) (symbols.Selection, error)
}

// CredentialSource resolves exchange credentials for a subscription owner.
type CredentialSource interface {
	GetCredentials(ctx context.Context, userID, exchangeName string) (*exchange.Credentials, error)
}

// ProviderSource constructs strategy providers by type.
type ProviderSource interface {
	New(strategyType string, deps strategy.Deps) (strategy.Provider, error)
}

// Notifier dispatches user notifications, best-effort.
type Notifier interface {
	Dispatch(ctx context.Context, msg notify.Message)
}

// Pipeline executes subscription runs.
type Pipeline struct {
	cfg         config.PipelineConfig
	exchangeCfg config.ExchangeConfig
	store       Store
	locker      locks.Locker
	selector    SymbolPicker
	providers   ProviderSource
	credentials CredentialSource
	gate        *risk.Gate
	notifier    Notifier
	logger      zerolog.Logger
	now         func() time.Time
}

// New wires a pipeline.
func New(cfg config.PipelineConfig, exchangeCfg config.ExchangeConfig, store Store, locker locks.Locker, selector SymbolPicker, providers ProviderSource, credentials CredentialSource, gate *risk.Gate, notifier Notifier, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:         cfg,
		exchangeCfg: exchangeCfg,
		store:       store,
		locker:      locker,
		selector:    selector,
		providers:   providers,
		credentials: credentials,
		gate:        gate,
		notifier:    notifier,
		logger:      logger.With().Str("component", "pipeline").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Handler adapts the pipeline to a queue consumer.
func (p *Pipeline) Handler() queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		var req RunRequest
		if err := json.Unmarshal(job.Payload, &req); err != nil {
			return fmt.Errorf("decode run request: %w", err)
		}
		p.Run(ctx, req.SubscriptionID)
		return nil
	}
}

// Run executes one subscription. All failures are absorbed into the
// returned result; callers never see an error.
func (p *Pipeline) Run(ctx context.Context, subscriptionID string) Result {
	start := p.now()
	runID := uuid.NewString()
	logger := p.logger.With().
		Str("run_id", runID).
		Str("subscription_id", subscriptionID).
		Logger()

	defer func() {
		metrics.RunDuration.Observe(p.now().Sub(start).Seconds())
	}()

	// Step 1: the subscription lock. Not getting it means another worker
	// is already on this subscription.
	lockKey := "lock:subscription:" + subscriptionID
	acquired, err := p.locker.Acquire(ctx, lockKey, p.cfg.LockTTL)
	if err != nil {
		logger.Error().Err(err).Msg("lock acquire failed")
		// No reschedule: next_run_at is untouched so the next scan picks
		// the subscription up again. The failure is still audited.
		p.appendLog(ctx, &database.ActionLog{
			RunID:          runID,
			SubscriptionID: subscriptionID,
			Action:         actionError,
			Outcome:        OutcomeError,
			Reason:         fmt.Sprintf("lock service unavailable: %v", err),
		}, logger)
		return p.finish(Result{RunID: runID, Outcome: OutcomeError, Reason: "lock service unavailable"})
	}
	if !acquired {
		metrics.LockContention.Inc()
		logger.Debug().Msg("lock held, skipping run")
		return p.finish(Result{RunID: runID, Outcome: OutcomeSkipped, Reason: "lock held by another run"})
	}
	defer func() {
		// Release must run even when ctx is already done.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := p.locker.Release(releaseCtx, lockKey); err != nil {
			logger.Warn().Err(err).Msg("lock release failed, will expire by TTL")
		}
	}()

	// Step 2: re-validate against fresh state. Queue latency means the
	// subscription may have changed since dispatch.
	sub, err := p.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		logger.Error().Err(err).Msg("load subscription")
		p.appendLog(ctx, &database.ActionLog{
			RunID:          runID,
			SubscriptionID: subscriptionID,
			Action:         actionError,
			Outcome:        OutcomeError,
			Reason:         fmt.Sprintf("subscription load failed: %v", err),
		}, logger)
		return p.finish(Result{RunID: runID, Outcome: OutcomeError, Reason: "subscription load failed"})
	}
	if skip := p.validate(ctx, sub, start, logger); skip != "" {
		return p.finish(Result{RunID: runID, Outcome: OutcomeSkipped, Reason: skip})
	}

	bot, err := p.store.GetBot(ctx, sub.BotID)
	if err != nil {
		return p.finish(p.errorExit(ctx, runID, sub, nil, start, fmt.Errorf("load bot %s: %w", sub.BotID, err), logger))
	}

	// Step 3: persist the next run before any real work, so a crash from
	// here on cannot orphan the schedule.
	timeframe := sub.Timeframe
	if timeframe == "" {
		timeframe = bot.DefaultTimeframe
	}
	interval, err := ParseTimeframe(timeframe)
	if err != nil {
		return p.finish(p.errorExit(ctx, runID, sub, bot, start, err, logger))
	}
	if err := p.store.UpdateNextRunAt(ctx, sub.ID, start.Add(interval)); err != nil {
		return p.finish(p.errorExit(ctx, runID, sub, bot, start, fmt.Errorf("persist next run: %w", err), logger))
	}

	// The remaining steps run under the soft time limit; the queue worker
	// enforces the hard one.
	runCtx := ctx
	if p.cfg.SoftTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.cfg.SoftTimeout)
		defer cancel()
	}

	result := p.execute(runCtx, runID, sub, bot, start, logger)
	return p.finish(result)
}

// validate returns a non-empty skip reason when the subscription must not
// run. Expired subscriptions and elapsed trials are flipped to EXPIRED.
func (p *Pipeline) validate(ctx context.Context, sub *database.Subscription, now time.Time, logger zerolog.Logger) string {
	if sub.Status != database.SubscriptionActive {
		return fmt.Sprintf("status is %s", sub.Status)
	}
	if now.Before(sub.StartedAt) {
		return "not started yet"
	}
	if sub.ExpiresAt != nil && !now.Before(*sub.ExpiresAt) {
		p.expire(ctx, sub, logger)
		return "subscription expired"
	}
	if sub.IsTrial && sub.TrialExpiresAt != nil && !now.Before(*sub.TrialExpiresAt) {
		p.expire(ctx, sub, logger)
		return "trial expired"
	}
	return ""
}

func (p *Pipeline) expire(ctx context.Context, sub *database.Subscription, logger zerolog.Logger) {
	if err := p.store.UpdateSubscriptionStatus(ctx, sub.ID, database.SubscriptionExpired); err != nil {
		logger.Error().Err(err).Msg("mark subscription expired")
		return
	}
	logger.Info().Msg("subscription expired")
}

// execute covers steps 4 through 11. Any error funnels through errorExit.
func (p *Pipeline) execute(ctx context.Context, runID string, sub *database.Subscription, bot *database.Bot, start time.Time, logger zerolog.Logger) Result {
	// Credentials before provider construction: the provider's exchange
	// client needs them. Missing credentials fail this run only, the
	// subscription stays ACTIVE for when the user fixes them.
	creds, err := p.credentials.GetCredentials(ctx, sub.UserID, "binance")
	if err != nil {
		return p.errorExit(ctx, runID, sub, bot, start, fmt.Errorf("resolve credentials: %w", err), logger)
	}

	provider, err := p.providers.New(bot.StrategyType, strategy.Deps{
		Exchange:     exchange.NewClient(p.exchangeCfg, *creds),
		Subscription: sub,
		Timeframe:    sub.Timeframe,
		DryRun:       p.cfg.DryRun,
		Logger:       logger,
	})
	if err != nil {
		// A bot whose strategy cannot even be constructed will fail every
		// run; park the subscription until an operator looks at it.
		if statusErr := p.store.UpdateSubscriptionStatus(ctx, sub.ID, database.SubscriptionError); statusErr != nil {
			logger.Error().Err(statusErr).Msg("mark subscription errored")
		}
		return p.errorExit(ctx, runID, sub, bot, start, fmt.Errorf("init provider %s: %w", bot.StrategyType, err), logger)
	}

	// Step 6: pick the first configured pair without an open position.
	selection, err := p.selector.Select(ctx, sub.ID, sub.Pairs())
	if err != nil {
		return p.errorExit(ctx, runID, sub, bot, start, err, logger)
	}
	if !selection.Free() {
		p.appendLog(ctx, &database.ActionLog{
			RunID:          runID,
			SubscriptionID: sub.ID,
			Action:         actionHold,
			Outcome:        OutcomeDone,
			Reason:         "All configured pairs have open positions",
			Metadata:       map[string]interface{}{"skipped_pairs": selection.Skipped},
		}, logger)
		return Result{RunID: runID, Outcome: OutcomeDone, Action: actionHold, Reason: "all pairs busy"}
	}
	symbol := selection.Symbol

	// Step 7: the provider's four read calls.
	account, err := provider.CheckAccountStatus(ctx)
	if err != nil {
		return p.errorExit(ctx, runID, sub, bot, start, fmt.Errorf("account status: %w", err), logger)
	}
	data, err := provider.GatherMarketData(ctx, symbol)
	if err != nil {
		return p.errorExit(ctx, runID, sub, bot, start, err, logger)
	}
	analysis, err := provider.Analyze(ctx, data)
	if err != nil {
		return p.errorExit(ctx, runID, sub, bot, start, err, logger)
	}
	signal, err := provider.GenerateSignal(ctx, analysis)
	if err != nil {
		return p.errorExit(ctx, runID, sub, bot, start, fmt.Errorf("generate signal: %w", err), logger)
	}
	metrics.SignalsTotal.WithLabelValues(signal.Action).Inc()

	if signal.Action == strategy.ActionHold {
		p.appendLog(ctx, &database.ActionLog{
			RunID:          runID,
			SubscriptionID: sub.ID,
			Action:         actionHold,
			Outcome:        OutcomeDone,
			Symbol:         symbol,
			Price:          &analysis.Price,
			Balance:        balanceOf(account),
			Reason:         signal.Reason,
			Metadata:       runMetadata(signal, account, nil, ""),
		}, logger)
		return Result{RunID: runID, Outcome: OutcomeDone, Action: actionHold, Reason: signal.Reason}
	}

	// Step 8: the risk gate. A panic inside evaluation resolves through
	// the fail-open policy rather than killing the run.
	riskCfg := database.Merged(bot, sub)
	decision := p.evaluate(sub, riskCfg, signal, account)

	// Evaluation may have cleared an expired cooldown or reset the daily
	// counter; persist before anything else can fail.
	if err := p.store.UpdateRiskState(ctx, sub); err != nil {
		logger.Error().Err(err).Msg("persist risk state")
	}

	if !decision.Approved {
		metrics.RiskRejections.WithLabelValues(decision.Rule).Inc()
		p.appendLog(ctx, &database.ActionLog{
			RunID:          runID,
			SubscriptionID: sub.ID,
			Action:         actionHold,
			Outcome:        OutcomeDone,
			Symbol:         symbol,
			Price:          &analysis.Price,
			Balance:        balanceOf(account),
			Reason:         decision.Reason,
			Metadata:       runMetadata(signal, account, nil, decision.Summary),
		}, logger)
		p.notifier.Dispatch(ctx, notify.RejectionMessage(sub, bot.Name, symbol, decision.Reason))
		return Result{RunID: runID, Outcome: OutcomeDone, Action: actionHold, Reason: decision.Reason}
	}

	// Step 9: execution. Signals-only and RPA bots stop at the signal;
	// their consumers act on the notification instead of this process.
	if bot.Category != database.BotCategoryActive {
		p.appendLog(ctx, &database.ActionLog{
			RunID:          runID,
			SubscriptionID: sub.ID,
			Action:         signal.Action,
			Outcome:        OutcomeDone,
			Symbol:         symbol,
			Price:          &analysis.Price,
			Balance:        balanceOf(account),
			Reason:         signal.Reason,
			Metadata:       runMetadata(signal, account, nil, decision.Summary),
		}, logger)
		p.notifier.Dispatch(ctx, notify.SignalMessage(sub, bot.Name, symbol, signal, balanceOf(account)))
		return Result{RunID: runID, Outcome: OutcomeDone, Action: signal.Action, Reason: signal.Reason}
	}

	trade, err := provider.SetupPosition(ctx, signal, analysis, sub)
	if err != nil {
		// A failed execution counts as a loss but is not an infrastructure
		// error: the normal schedule stands.
		risk.RecordLoss(sub, riskCfg, 0, p.now())
		if stateErr := p.store.UpdateRiskState(ctx, sub); stateErr != nil {
			logger.Error().Err(stateErr).Msg("persist loss state")
		}
		p.appendLog(ctx, &database.ActionLog{
			RunID:          runID,
			SubscriptionID: sub.ID,
			Action:         signal.Action,
			Outcome:        OutcomeError,
			Symbol:         symbol,
			Price:          &analysis.Price,
			Balance:        balanceOf(account),
			Reason:         fmt.Sprintf("trade setup failed: %v", err),
			Metadata:       runMetadata(signal, account, nil, decision.Summary),
		}, logger)
		p.notifier.Dispatch(ctx, notify.ErrorMessage(sub, bot.Name, err))
		logger.Error().Err(err).Str("symbol", symbol).Msg("trade setup failed")
		return Result{RunID: runID, Outcome: OutcomeError, Action: signal.Action, Reason: err.Error()}
	}

	if err := p.recordTrade(ctx, sub, trade, logger); err != nil {
		return p.errorExit(ctx, runID, sub, bot, start, err, logger)
	}
	risk.RecordWin(sub)
	if err := p.store.UpdateRiskState(ctx, sub); err != nil {
		logger.Error().Err(err).Msg("persist win state")
	}
	if err := provider.PersistTrade(ctx, trade); err != nil {
		logger.Warn().Err(err).Msg("provider trade persistence failed")
	}
	metrics.TradesTotal.WithLabelValues(trade.Side).Inc()

	// Steps 10 and 11: audit, then notify.
	p.appendLog(ctx, &database.ActionLog{
		RunID:          runID,
		SubscriptionID: sub.ID,
		Action:         trade.Side,
		Outcome:        OutcomeDone,
		Symbol:         trade.Symbol,
		Price:          &trade.EntryPrice,
		Quantity:       &trade.Quantity,
		Balance:        balanceOf(account),
		Reason:         signal.Reason,
		Metadata:       runMetadata(signal, account, trade, decision.Summary),
	}, logger)
	p.notifier.Dispatch(ctx, notify.TradeMessage(sub, bot.Name, trade, signal.Reason, balanceOf(account)))

	logger.Info().
		Str("symbol", trade.Symbol).
		Str("side", trade.Side).
		Float64("entry_price", trade.EntryPrice).
		Msg("run complete")
	return Result{RunID: runID, Outcome: OutcomeDone, Action: trade.Side, Reason: signal.Reason}
}

func (p *Pipeline) evaluate(sub *database.Subscription, cfg database.RiskConfig, signal *strategy.TradeSignal, account *strategy.AccountStatus) (decision risk.Decision) {
	defer func() {
		if r := recover(); r != nil {
			decision = p.gate.Resolve(sub, fmt.Errorf("risk evaluation panic: %v", r))
		}
	}()
	return p.gate.Evaluate(sub, cfg, signal, account)
}

func (p *Pipeline) recordTrade(ctx context.Context, sub *database.Subscription, trade *strategy.TradeResult, logger zerolog.Logger) error {
	tx := &database.Transaction{
		SubscriptionID: sub.ID,
		Symbol:         trade.Symbol,
		Side:           trade.Side,
		Status:         database.TransactionOpen,
		EntryPrice:     trade.EntryPrice,
		Quantity:       trade.Quantity,
		Leverage:       trade.Leverage,
		StopLoss:       trade.StopLoss,
		TakeProfit:     trade.TakeProfit,
		OpenedAt:       trade.ExecutedAt,
	}
	if err := p.store.CreateTransaction(ctx, tx); err != nil {
		return fmt.Errorf("record transaction: %w", err)
	}
	return nil
}

// errorExit is the shared failure path for steps 4 through 9: pull the
// retry forward, write the audit entry, tell the user.
func (p *Pipeline) errorExit(ctx context.Context, runID string, sub *database.Subscription, bot *database.Bot, start time.Time, runErr error, logger zerolog.Logger) Result {
	logger.Error().Err(runErr).Msg("run failed")

	retryAt := p.now().Add(p.cfg.ErrorRetryDelay)
	if err := p.store.UpdateNextRunAt(ctx, sub.ID, retryAt); err != nil {
		logger.Error().Err(err).Msg("persist retry schedule")
	}

	p.appendLog(ctx, &database.ActionLog{
		RunID:          runID,
		SubscriptionID: sub.ID,
		Action:         actionError,
		Outcome:        OutcomeError,
		Reason:         runErr.Error(),
	}, logger)

	botName := "unknown bot"
	if bot != nil {
		botName = bot.Name
	}
	p.notifier.Dispatch(ctx, notify.ErrorMessage(sub, botName, runErr))

	return Result{RunID: runID, Outcome: OutcomeError, Action: actionError, Reason: runErr.Error()}
}

func (p *Pipeline) appendLog(ctx context.Context, entry *database.ActionLog, logger zerolog.Logger) {
	// The audit write must survive a cancelled run context.
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.store.AppendActionLog(logCtx, entry); err != nil {
		logger.Error().Err(err).Str("action", entry.Action).Msg("append action log")
	}
}

func (p *Pipeline) finish(result Result) Result {
	metrics.RunsTotal.WithLabelValues(result.Outcome).Inc()
	return result
}

func balanceOf(account *strategy.AccountStatus) *float64 {
	if account == nil || !account.BalanceKnown {
		return nil
	}
	v := account.AvailableBalance
	return &v
}

func runMetadata(signal *strategy.TradeSignal, account *strategy.AccountStatus, trade *strategy.TradeResult, riskSummary string) map[string]interface{} {
	md := map[string]interface{}{
		"signal":  signal,
		"account": account,
	}
	if trade != nil {
		md["trade"] = trade
	}
	if riskSummary != "" {
		md["risk_summary"] = riskSummary
	}
	return md
}
