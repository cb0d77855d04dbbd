// Package symbols picks the trading pair for a pipeline run: the first
// configured pair with no open position, primary before secondaries.
package symbols

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// OpenPositionCounter reports how many open positions a subscription holds
// on a symbol. Implementations must lock the counted rows so that two
// concurrent selections cannot both see a pair as free.
type OpenPositionCounter interface {
	CountOpenLocked(ctx context.Context, subscriptionID, symbol string) (int, error)
}

// Selection is the outcome of one pick. Symbol is empty when every
// configured pair is busy.
type Selection struct {
	Symbol  string
	Skipped []string // pairs passed over because of open positions
}

// Free reports whether a tradable pair was found.
func (s Selection) Free() bool { return s.Symbol != "" }

// Selector picks symbols for pipeline runs.
type Selector struct {
	counter OpenPositionCounter
	logger  zerolog.Logger
}

// NewSelector creates a selector backed by the given position counter.
func NewSelector(counter OpenPositionCounter, logger zerolog.Logger) *Selector {
	return &Selector{
		counter: counter,
		logger:  logger.With().Str("component", "symbols").Logger(),
	}
}

// Select walks the pairs in priority order and returns the first one with
// no open position. Counting errors abort the selection rather than risk
// doubling up on a busy pair.
func (s *Selector) Select(ctx context.Context, subscriptionID string, pairs []string) (Selection, error) {
	if len(pairs) == 0 {
		return Selection{}, fmt.Errorf("select symbol: subscription %s has no configured pairs", subscriptionID)
	}

	var selection Selection
	for _, pair := range pairs {
		open, err := s.counter.CountOpenLocked(ctx, subscriptionID, pair)
		if err != nil {
			return Selection{}, fmt.Errorf("select symbol: count open positions for %s: %w", pair, err)
		}
		if open > 0 {
			selection.Skipped = append(selection.Skipped, pair)
			continue
		}
		selection.Symbol = pair
		return selection, nil
	}

	s.logger.Debug().
		Str("subscription_id", subscriptionID).
		Strs("skipped", selection.Skipped).
		Msg("all pairs have open positions")
	return selection, nil
}
