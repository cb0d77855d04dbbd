package notify

import (
	"fmt"
	"strings"

	"bot-rental-engine/internal/database"
	"bot-rental-engine/internal/strategy"
)

// notAvailable is rendered for any trade parameter the provider did not
// supply. Users see the signal as sent, never a fabricated zero.
const notAvailable = "N/A"

// SignalMessage renders a generated signal, trade parameters included when
// present. balance is the free balance at signal time, nil when the
// exchange could not report one.
func SignalMessage(sub *database.Subscription, botName, symbol string, signal *strategy.TradeSignal, balance *float64) Message {
	emoji := "🟢"
	if signal.Action == strategy.ActionSell {
		emoji = "🔴"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s on %s\n", emoji, signal.Action, symbol)
	fmt.Fprintf(&b, "Bot: %s\n", botName)
	fmt.Fprintf(&b, "Balance: %s\n", renderBalance(balance))
	fmt.Fprintf(&b, "Reason: %s\n", signal.Reason)
	fmt.Fprintf(&b, "Entry: %s\n", renderPrice(recEntry(signal)))
	fmt.Fprintf(&b, "Stop Loss: %s\n", renderPrice(recStop(signal)))
	fmt.Fprintf(&b, "Take Profit: %s\n", renderTakeProfits(signal))
	fmt.Fprintf(&b, "Leverage: %s\n", renderLeverage(signal))
	fmt.Fprintf(&b, "Risk/Reward: %s", renderRatio(recRiskReward(signal)))

	return Message{
		SubscriptionID: sub.ID,
		Title:          fmt.Sprintf("%s signal: %s %s", botName, signal.Action, symbol),
		Body:           b.String(),
		Fields: map[string]interface{}{
			"action":     signal.Action,
			"symbol":     symbol,
			"confidence": signal.Confidence,
		},
	}
}

// TradeMessage renders an executed trade. reason carries the signal's
// rationale; balance is the free balance at execution time, nil when
// unknown.
func TradeMessage(sub *database.Subscription, botName string, result *strategy.TradeResult, reason string, balance *float64) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ %s %s executed\n", result.Side, result.Symbol)
	fmt.Fprintf(&b, "Bot: %s\n", botName)
	fmt.Fprintf(&b, "Balance: %s\n", renderBalance(balance))
	fmt.Fprintf(&b, "Reason: %s\n", renderReason(reason))
	fmt.Fprintf(&b, "Entry: %.4f\n", result.EntryPrice)
	fmt.Fprintf(&b, "Quantity: %.6f\n", result.Quantity)
	fmt.Fprintf(&b, "Leverage: %dx\n", result.Leverage)
	fmt.Fprintf(&b, "Stop Loss: %s\n", renderPrice(result.StopLoss))
	fmt.Fprintf(&b, "Take Profit: %s", renderPrice(result.TakeProfit))

	return Message{
		SubscriptionID: sub.ID,
		Title:          fmt.Sprintf("%s trade: %s %s", botName, result.Side, result.Symbol),
		Body:           b.String(),
		Fields: map[string]interface{}{
			"side":     result.Side,
			"symbol":   result.Symbol,
			"quantity": result.Quantity,
		},
	}
}

// RejectionMessage renders a risk gate rejection.
func RejectionMessage(sub *database.Subscription, botName, symbol, reason string) Message {
	return Message{
		SubscriptionID: sub.ID,
		Title:          fmt.Sprintf("%s: signal blocked on %s", botName, symbol),
		Body:           fmt.Sprintf("⛔ Signal on %s was blocked by risk controls.\nReason: %s", symbol, reason),
		Fields: map[string]interface{}{
			"symbol": symbol,
			"reason": reason,
		},
	}
}

// ErrorMessage renders a failed run.
func ErrorMessage(sub *database.Subscription, botName string, runErr error) Message {
	return Message{
		SubscriptionID: sub.ID,
		Title:          fmt.Sprintf("%s: run failed", botName),
		Body:           fmt.Sprintf("⚠️ The last run failed and will be retried.\nError: %v", runErr),
	}
}

func renderPrice(v *float64) string {
	if v == nil {
		return notAvailable
	}
	return fmt.Sprintf("%.4f", *v)
}

func renderBalance(v *float64) string {
	if v == nil {
		return notAvailable
	}
	return fmt.Sprintf("%.2f", *v)
}

func renderReason(reason string) string {
	if reason == "" {
		return notAvailable
	}
	return reason
}

func renderRatio(v *float64) string {
	if v == nil {
		return notAvailable
	}
	return fmt.Sprintf("%.2f", *v)
}

func renderLeverage(signal *strategy.TradeSignal) string {
	if signal.Recommendation == nil || signal.Recommendation.Leverage == nil {
		return notAvailable
	}
	return fmt.Sprintf("%dx", *signal.Recommendation.Leverage)
}

func renderTakeProfits(signal *strategy.TradeSignal) string {
	if signal.Recommendation == nil || len(signal.Recommendation.TakeProfits) == 0 {
		return notAvailable
	}
	parts := make([]string, len(signal.Recommendation.TakeProfits))
	for i, tp := range signal.Recommendation.TakeProfits {
		parts[i] = fmt.Sprintf("%.4f", tp)
	}
	return strings.Join(parts, ", ")
}

func recEntry(signal *strategy.TradeSignal) *float64 {
	if signal.Recommendation == nil {
		return nil
	}
	return signal.Recommendation.EntryPrice
}

func recStop(signal *strategy.TradeSignal) *float64 {
	if signal.Recommendation == nil {
		return nil
	}
	return signal.Recommendation.StopLoss
}

func recRiskReward(signal *strategy.TradeSignal) *float64 {
	if signal.Recommendation == nil {
		return nil
	}
	return signal.Recommendation.RiskReward
}
