// Package notify delivers run outcomes to users. Dispatch is asynchronous:
// the pipeline enqueues messages and a consumer drains them, so a slow or
// failing sink never blocks or fails a run.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"bot-rental-engine/internal/metrics"
	"bot-rental-engine/internal/queue"
)

// Notification channels
const (
	ChannelTelegram = "telegram"
	ChannelWebhook  = "webhook"
)

// Message is one queued notification for one channel.
type Message struct {
	Channel        string                 `json:"channel"`
	SubscriptionID string                 `json:"subscription_id"`
	Title          string                 `json:"title"`
	Body           string                 `json:"body"`
	Fields         map[string]interface{} `json:"fields,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Sink delivers messages over one channel.
type Sink interface {
	Name() string
	Enabled() bool
	Send(ctx context.Context, msg Message) error
}

// Dispatcher fans a notification out to every enabled sink by enqueueing
// one message per channel.
type Dispatcher struct {
	enqueuer queue.Enqueuer
	sinks    []Sink
	logger   zerolog.Logger
}

// NewDispatcher creates a dispatcher over the given sinks.
func NewDispatcher(enqueuer queue.Enqueuer, logger zerolog.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		enqueuer: enqueuer,
		sinks:    sinks,
		logger:   logger.With().Str("component", "notify").Logger(),
	}
}

// Dispatch enqueues the message once per enabled sink. Enqueue failures
// are logged and swallowed: notification delivery is best-effort.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) {
	msg.CreatedAt = time.Now().UTC()
	for _, sink := range d.sinks {
		if !sink.Enabled() {
			continue
		}
		msg.Channel = sink.Name()
		if err := d.enqueuer.Enqueue(ctx, queue.QueueNotify, msg, 0); err != nil {
			d.logger.Error().Err(err).
				Str("channel", msg.Channel).
				Str("subscription_id", msg.SubscriptionID).
				Msg("enqueue notification")
			metrics.NotificationsTotal.WithLabelValues(msg.Channel, "enqueue_error").Inc()
		}
	}
}

// Handler returns a queue handler that delivers queued messages through
// the matching sink. Delivery errors are terminal for the message.
func (d *Dispatcher) Handler() queue.Handler {
	byName := make(map[string]Sink, len(d.sinks))
	for _, s := range d.sinks {
		byName[s.Name()] = s
	}

	return func(ctx context.Context, job queue.Job) error {
		var msg Message
		if err := json.Unmarshal(job.Payload, &msg); err != nil {
			return fmt.Errorf("decode notification: %w", err)
		}
		sink, ok := byName[msg.Channel]
		if !ok {
			return fmt.Errorf("no sink for channel %q", msg.Channel)
		}
		if err := sink.Send(ctx, msg); err != nil {
			metrics.NotificationsTotal.WithLabelValues(msg.Channel, "error").Inc()
			return fmt.Errorf("deliver via %s: %w", msg.Channel, err)
		}
		metrics.NotificationsTotal.WithLabelValues(msg.Channel, "ok").Inc()
		return nil
	}
}
