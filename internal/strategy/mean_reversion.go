package strategy

import (
	"context"
	"fmt"
	"math"

	"bot-rental-engine/internal/database"
)

const (
	reversionLookback = 30
	reversionRiskFrac = 0.05
	reversionZEntry   = 2.0 // standard deviations from the mean
)

// MeanReversionProvider fades moves away from the rolling mean: it buys
// deep dips and sells stretched rallies, expecting price to revert.
type MeanReversionProvider struct {
	momentum *MomentumProvider // shares account/market plumbing

	mean   float64
	stddev float64
}

// NewMeanReversionProvider builds a mean-reversion provider for one run.
func NewMeanReversionProvider(deps Deps) (Provider, error) {
	base, err := NewMomentumProvider(deps)
	if err != nil {
		return nil, err
	}
	mp := base.(*MomentumProvider)
	mp.logger = deps.Logger.With().Str("strategy", "mean_reversion").Logger()
	return &MeanReversionProvider{momentum: mp}, nil
}

func (p *MeanReversionProvider) CheckAccountStatus(ctx context.Context) (*AccountStatus, error) {
	return p.momentum.CheckAccountStatus(ctx)
}

func (p *MeanReversionProvider) GatherMarketData(ctx context.Context, symbol string) (*MarketData, error) {
	data, err := p.momentum.GatherMarketData(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if len(data.Candles) < 5 {
		return nil, fmt.Errorf("gather market data for %s: need at least 5 candles, got %d", symbol, len(data.Candles))
	}
	return data, nil
}

func (p *MeanReversionProvider) Analyze(ctx context.Context, data *MarketData) (*Analysis, error) {
	var sum float64
	for _, c := range data.Candles {
		sum += c.Close
	}
	mean := sum / float64(len(data.Candles))

	var variance float64
	for _, c := range data.Candles {
		d := c.Close - mean
		variance += d * d
	}
	stddev := math.Sqrt(variance / float64(len(data.Candles)))

	p.mean, p.stddev = mean, stddev

	analysis := &Analysis{
		Symbol:     data.Symbol,
		Price:      data.Price,
		Volatility: stddev / mean,
		Notes:      fmt.Sprintf("mean %.2f stddev %.2f over %d candles", mean, stddev, len(data.Candles)),
	}
	switch {
	case data.Price > mean*1.005:
		analysis.Trend = "UP"
	case data.Price < mean*0.995:
		analysis.Trend = "DOWN"
	default:
		analysis.Trend = "FLAT"
	}
	if mean != 0 {
		analysis.Momentum = (data.Price - mean) / mean
	}
	return analysis, nil
}

func (p *MeanReversionProvider) GenerateSignal(ctx context.Context, analysis *Analysis) (*TradeSignal, error) {
	if p.stddev == 0 {
		return &TradeSignal{
			Action: ActionHold,
			Reason: "Flat market, no deviation to trade",
		}, nil
	}

	z := (analysis.Price - p.mean) / p.stddev
	price := analysis.Price

	switch {
	case z <= -reversionZEntry:
		stop := price - p.stddev
		return &TradeSignal{
			Action:     ActionBuy,
			Confidence: clamp01(math.Abs(z) / 4),
			Reason:     fmt.Sprintf("Price %.2f is %.1f stddev below mean %.2f", price, -z, p.mean),
			Recommendation: &Recommendation{
				EntryPrice:  f64(price),
				StopLoss:    f64(stop),
				TakeProfits: []float64{p.mean},
				RiskReward:  f64((p.mean - price) / (price - stop)),
			},
		}, nil
	case z >= reversionZEntry:
		stop := price + p.stddev
		return &TradeSignal{
			Action:     ActionSell,
			Confidence: clamp01(math.Abs(z) / 4),
			Reason:     fmt.Sprintf("Price %.2f is %.1f stddev above mean %.2f", price, z, p.mean),
			Recommendation: &Recommendation{
				EntryPrice:  f64(price),
				StopLoss:    f64(stop),
				TakeProfits: []float64{p.mean},
				RiskReward:  f64((price - p.mean) / (stop - price)),
			},
		}, nil
	}

	return &TradeSignal{
		Action: ActionHold,
		Reason: fmt.Sprintf("Price %.2f within %.1f stddev of mean %.2f", price, math.Abs(z), p.mean),
	}, nil
}

func (p *MeanReversionProvider) SetupPosition(ctx context.Context, signal *TradeSignal, analysis *Analysis, sub *database.Subscription) (*TradeResult, error) {
	return setupPosition(ctx, p.momentum.exchange, p.momentum.account, p.momentum.dryRun, p.momentum.logger, signal, analysis, reversionRiskFrac)
}

func (p *MeanReversionProvider) PersistTrade(ctx context.Context, result *TradeResult) error {
	return p.momentum.PersistTrade(ctx, result)
}
