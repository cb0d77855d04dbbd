package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"bot-rental-engine/internal/database"
	"bot-rental-engine/internal/exchange"
)

const (
	momentumLookback   = 20
	momentumRiskFrac   = 0.10 // fraction of free balance per position
	momentumStopFrac   = 0.02
	momentumTargetFrac = 0.05
)

// MomentumProvider trades breakouts: it buys when price clears the recent
// high and sells when it breaks the recent low.
type MomentumProvider struct {
	exchange  *exchange.Client
	timeframe string
	dryRun    bool
	logger    zerolog.Logger

	account *AccountStatus

	// Analyzed range, carried between Analyze and GenerateSignal within a
	// single run.
	rangeHigh float64
	rangeLow  float64
}

// NewMomentumProvider builds a momentum provider for one run.
func NewMomentumProvider(deps Deps) (Provider, error) {
	if deps.Exchange == nil {
		return nil, fmt.Errorf("momentum provider: exchange client required")
	}
	timeframe := deps.Timeframe
	if timeframe == "" {
		timeframe = "1h"
	}
	return &MomentumProvider{
		exchange:  deps.Exchange,
		timeframe: timeframe,
		dryRun:    deps.DryRun,
		logger:    deps.Logger.With().Str("strategy", "momentum").Logger(),
	}, nil
}

func (p *MomentumProvider) CheckAccountStatus(ctx context.Context) (*AccountStatus, error) {
	status := &AccountStatus{Asset: "USDT", FetchedAt: time.Now().UTC()}
	balance, err := p.exchange.GetBalance(ctx, "USDT")
	if err != nil {
		// A missing balance is not fatal; downstream rules that need one
		// skip themselves.
		p.logger.Warn().Err(err).Msg("balance unavailable, continuing without")
		return status, nil
	}
	status.AvailableBalance = balance.Free
	status.LockedBalance = balance.Locked
	status.BalanceKnown = true
	p.account = status
	return status, nil
}

func (p *MomentumProvider) GatherMarketData(ctx context.Context, symbol string) (*MarketData, error) {
	price, err := p.exchange.GetTicker(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("fetch price for %s: %w", symbol, err)
	}
	candles, err := p.exchange.GetKlines(ctx, symbol, p.timeframe, momentumLookback)
	if err != nil {
		return nil, fmt.Errorf("fetch klines for %s: %w", symbol, err)
	}
	return &MarketData{Symbol: symbol, Price: price, Candles: candles}, nil
}

func (p *MomentumProvider) Analyze(ctx context.Context, data *MarketData) (*Analysis, error) {
	if len(data.Candles) < 2 {
		return nil, fmt.Errorf("analyze %s: need at least 2 candles, got %d", data.Symbol, len(data.Candles))
	}

	high, low := recentRange(data.Candles[:len(data.Candles)-1])
	first := data.Candles[0].Close
	last := data.Candles[len(data.Candles)-1].Close

	analysis := &Analysis{
		Symbol:     data.Symbol,
		Price:      data.Price,
		Momentum:   (last - first) / first,
		Volatility: (high - low) / low,
	}
	switch {
	case analysis.Momentum > 0.01:
		analysis.Trend = "UP"
	case analysis.Momentum < -0.01:
		analysis.Trend = "DOWN"
	default:
		analysis.Trend = "FLAT"
	}
	analysis.Notes = fmt.Sprintf("range %.2f-%.2f over last %d candles", low, high, len(data.Candles)-1)

	// Stash the range for signal generation.
	p.rangeHigh, p.rangeLow = high, low
	return analysis, nil
}

func (p *MomentumProvider) GenerateSignal(ctx context.Context, analysis *Analysis) (*TradeSignal, error) {
	price := analysis.Price

	switch {
	case price > p.rangeHigh && analysis.Trend == "UP":
		stop := price * (1 - momentumStopFrac)
		target := price * (1 + momentumTargetFrac)
		return &TradeSignal{
			Action:     ActionBuy,
			Confidence: clamp01(0.5 + analysis.Momentum*10),
			Reason:     fmt.Sprintf("Price %.2f broke above recent high %.2f", price, p.rangeHigh),
			Recommendation: &Recommendation{
				EntryPrice:  f64(price),
				StopLoss:    f64(stop),
				TakeProfits: []float64{target},
				RiskReward:  f64((target - price) / (price - stop)),
			},
		}, nil
	case price < p.rangeLow && analysis.Trend == "DOWN":
		stop := price * (1 + momentumStopFrac)
		target := price * (1 - momentumTargetFrac)
		return &TradeSignal{
			Action:     ActionSell,
			Confidence: clamp01(0.5 - analysis.Momentum*10),
			Reason:     fmt.Sprintf("Price %.2f broke below recent low %.2f", price, p.rangeLow),
			Recommendation: &Recommendation{
				EntryPrice:  f64(price),
				StopLoss:    f64(stop),
				TakeProfits: []float64{target},
				RiskReward:  f64((price - target) / (stop - price)),
			},
		}, nil
	}

	return &TradeSignal{
		Action: ActionHold,
		Reason: fmt.Sprintf("Price %.2f inside range %.2f-%.2f", price, p.rangeLow, p.rangeHigh),
	}, nil
}

func (p *MomentumProvider) SetupPosition(ctx context.Context, signal *TradeSignal, analysis *Analysis, sub *database.Subscription) (*TradeResult, error) {
	return setupPosition(ctx, p.exchange, p.account, p.dryRun, p.logger, signal, analysis, momentumRiskFrac)
}

func (p *MomentumProvider) PersistTrade(ctx context.Context, result *TradeResult) error {
	// Built-in providers keep no state of their own; the engine records the
	// transaction. This hook exists for providers that do.
	p.logger.Info().
		Str("symbol", result.Symbol).
		Str("side", result.Side).
		Float64("entry_price", result.EntryPrice).
		Float64("quantity", result.Quantity).
		Msg("trade executed")
	return nil
}

func recentRange(candles []exchange.Candle) (high, low float64) {
	high = math.Inf(-1)
	low = math.Inf(1)
	for _, c := range candles {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}
	return high, low
}

// setupPosition is the shared execution path for the built-in providers:
// size from the account balance, then place (or simulate) a market order.
func setupPosition(ctx context.Context, client *exchange.Client, account *AccountStatus, dryRun bool, logger zerolog.Logger, signal *TradeSignal, analysis *Analysis, riskFrac float64) (*TradeResult, error) {
	if signal.Action != ActionBuy && signal.Action != ActionSell {
		return nil, fmt.Errorf("setup position: no position for action %s", signal.Action)
	}

	entry := analysis.Price
	if signal.Recommendation != nil && signal.Recommendation.EntryPrice != nil {
		entry = *signal.Recommendation.EntryPrice
	}
	if entry <= 0 {
		return nil, fmt.Errorf("setup position: no usable entry price for %s", analysis.Symbol)
	}

	// Fixed-fraction sizing. A dry run without a known balance falls back
	// to a minimal notional so it still produces a plausible fill; a live
	// run never places an order it cannot size.
	var notional float64
	switch {
	case account != nil && account.BalanceKnown:
		notional = account.AvailableBalance * riskFrac
	case dryRun:
		notional = 50.0
	default:
		return nil, fmt.Errorf("setup position: balance unknown for %s, refusing live order", analysis.Symbol)
	}
	if notional <= 0 {
		return nil, fmt.Errorf("setup position: insufficient balance for %s", analysis.Symbol)
	}
	quantity := notional / entry

	leverage := 1
	if signal.Recommendation != nil && signal.Recommendation.Leverage != nil {
		leverage = *signal.Recommendation.Leverage
	}

	result := &TradeResult{
		Symbol:     analysis.Symbol,
		Side:       signal.Action,
		EntryPrice: entry,
		Quantity:   quantity,
		Leverage:   leverage,
		ExecutedAt: time.Now().UTC(),
	}
	if signal.Recommendation != nil {
		result.StopLoss = signal.Recommendation.StopLoss
		if len(signal.Recommendation.TakeProfits) > 0 {
			result.TakeProfit = f64(signal.Recommendation.TakeProfits[0])
		}
	}

	if dryRun {
		logger.Info().
			Str("symbol", result.Symbol).
			Str("side", result.Side).
			Float64("quantity", quantity).
			Msg("dry run, skipping order placement")
		return result, nil
	}

	fill, err := client.PlaceMarketOrder(ctx, exchange.OrderRequest{
		Symbol:   analysis.Symbol,
		Side:     signal.Action,
		Quantity: quantity,
	})
	if err != nil {
		return nil, fmt.Errorf("setup position: %w", err)
	}
	result.EntryPrice = fill.Price
	result.Quantity = fill.ExecutedQty
	result.ExecutedAt = fill.FilledAt
	return result, nil
}

func f64(v float64) *float64 { return &v }

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
