// Package strategy defines the Strategy Provider contract: the opaque
// component that turns market data into a trade decision. The engine never
// inspects provider internals, only the six calls below.
package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"bot-rental-engine/internal/database"
	"bot-rental-engine/internal/exchange"
)

// Signal actions
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
	ActionHold = "HOLD"
)

// AccountStatus is a point-in-time balance/exposure snapshot. BalanceKnown
// is false when the exchange could not report a balance; rules that need a
// balance skip themselves in that case.
type AccountStatus struct {
	Asset            string    `json:"asset"`
	AvailableBalance float64   `json:"available_balance"`
	LockedBalance    float64   `json:"locked_balance"`
	BalanceKnown     bool      `json:"balance_known"`
	FetchedAt        time.Time `json:"fetched_at"`
}

// MarketData is the raw input for one evaluation cycle.
type MarketData struct {
	Symbol  string            `json:"symbol"`
	Price   float64           `json:"price"`
	Candles []exchange.Candle `json:"-"`
}

// Analysis is a provider's interpretation of market data.
type Analysis struct {
	Symbol     string  `json:"symbol"`
	Trend      string  `json:"trend"` // UP, DOWN, FLAT
	Momentum   float64 `json:"momentum"`
	Volatility float64 `json:"volatility"`
	Price      float64 `json:"price"`
	Notes      string  `json:"notes,omitempty"`
}

// Recommendation carries the optional trade parameters attached to a
// signal. Any field may be absent; absent values render as "N/A" in
// notifications and skip the risk rules that need them.
type Recommendation struct {
	EntryPrice  *float64  `json:"entry_price,omitempty"`
	StopLoss    *float64  `json:"stop_loss,omitempty"`
	TakeProfits []float64 `json:"take_profits,omitempty"`
	Leverage    *int      `json:"leverage,omitempty"`
	RiskReward  *float64  `json:"risk_reward,omitempty"`
}

// TradeSignal is the provider's decision for one cycle. Produced fresh each
// run and never persisted as-is, only its consequences are.
type TradeSignal struct {
	Action         string          `json:"action"`
	Confidence     float64         `json:"confidence"` // 0-1
	Reason         string          `json:"reason"`
	Recommendation *Recommendation `json:"recommendation,omitempty"`
}

// TradeResult is the outcome of a placed trade.
type TradeResult struct {
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	EntryPrice float64   `json:"entry_price"`
	Quantity   float64   `json:"quantity"`
	Leverage   int       `json:"leverage"`
	StopLoss   *float64  `json:"stop_loss,omitempty"`
	TakeProfit *float64  `json:"take_profit,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Provider is the six-call strategy contract. One instance is constructed
// per pipeline run from the subscription's configuration; providers hold no
// process-wide mutable state.
type Provider interface {
	CheckAccountStatus(ctx context.Context) (*AccountStatus, error)
	GatherMarketData(ctx context.Context, symbol string) (*MarketData, error)
	Analyze(ctx context.Context, data *MarketData) (*Analysis, error)
	GenerateSignal(ctx context.Context, analysis *Analysis) (*TradeSignal, error)
	SetupPosition(ctx context.Context, signal *TradeSignal, analysis *Analysis, sub *database.Subscription) (*TradeResult, error)
	PersistTrade(ctx context.Context, result *TradeResult) error
}

// Deps is everything a provider factory needs to build an instance for one
// run.
type Deps struct {
	Exchange     *exchange.Client
	Subscription *database.Subscription
	Timeframe    string
	DryRun       bool
	Logger       zerolog.Logger
}

// Factory builds a provider instance for one pipeline run.
type Factory func(deps Deps) (Provider, error)

// Registry maps bot strategy types to compiled provider factories. This
// replaces runtime loading of uploaded bot code: concrete strategies are
// linked into the binary and selected by type id.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates a registry with the built-in providers registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("momentum", NewMomentumProvider)
	r.Register("mean_reversion", NewMeanReversionProvider)
	return r
}

// Register adds a factory for a strategy type, replacing any existing one.
func (r *Registry) Register(strategyType string, factory Factory) {
	r.factories[strategyType] = factory
}

// New constructs a provider instance for the given strategy type.
func (r *Registry) New(strategyType string, deps Deps) (Provider, error) {
	factory, ok := r.factories[strategyType]
	if !ok {
		return nil, fmt.Errorf("unknown strategy type %q", strategyType)
	}
	return factory(deps)
}
