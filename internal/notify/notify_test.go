package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bot-rental-engine/internal/queue"
)

type fakeEnqueuer struct {
	payloads []Message
	err      error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, queueName string, payload interface{}, delay time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, payload.(Message))
	return nil
}

type fakeSink struct {
	name    string
	enabled bool
	sent    []Message
	err     error
}

func (f *fakeSink) Name() string  { return f.name }
func (f *fakeSink) Enabled() bool { return f.enabled }
func (f *fakeSink) Send(ctx context.Context, msg Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func TestDispatchFansOutToEnabledSinksOnly(t *testing.T) {
	enqueuer := &fakeEnqueuer{}
	d := NewDispatcher(enqueuer, zerolog.Nop(),
		&fakeSink{name: "telegram", enabled: true},
		&fakeSink{name: "webhook", enabled: false},
	)

	d.Dispatch(context.Background(), Message{SubscriptionID: "sub-1", Title: "t"})

	if len(enqueuer.payloads) != 1 {
		t.Fatalf("enqueued %d messages, want 1", len(enqueuer.payloads))
	}
	if enqueuer.payloads[0].Channel != "telegram" {
		t.Errorf("channel = %q", enqueuer.payloads[0].Channel)
	}
}

func TestDispatchSwallowsEnqueueFailure(t *testing.T) {
	d := NewDispatcher(&fakeEnqueuer{err: errors.New("redis down")}, zerolog.Nop(),
		&fakeSink{name: "telegram", enabled: true},
	)

	// Must not panic or propagate; delivery is best-effort.
	d.Dispatch(context.Background(), Message{SubscriptionID: "sub-1"})
}

func TestHandlerRoutesToMatchingSink(t *testing.T) {
	telegram := &fakeSink{name: "telegram", enabled: true}
	webhook := &fakeSink{name: "webhook", enabled: true}
	d := NewDispatcher(&fakeEnqueuer{}, zerolog.Nop(), telegram, webhook)
	handler := d.Handler()

	payload, _ := json.Marshal(Message{Channel: "webhook", Title: "t"})
	if err := handler(context.Background(), queue.Job{ID: "1", Payload: payload}); err != nil {
		t.Fatalf("handler: %v", err)
	}

	if len(webhook.sent) != 1 || len(telegram.sent) != 0 {
		t.Errorf("webhook=%d telegram=%d, want 1/0", len(webhook.sent), len(telegram.sent))
	}
}

func TestHandlerErrors(t *testing.T) {
	d := NewDispatcher(&fakeEnqueuer{}, zerolog.Nop(),
		&fakeSink{name: "telegram", enabled: true, err: errors.New("api limit")},
	)
	handler := d.Handler()

	t.Run("unknown channel", func(t *testing.T) {
		payload, _ := json.Marshal(Message{Channel: "pigeon"})
		if err := handler(context.Background(), queue.Job{Payload: payload}); err == nil {
			t.Fatal("expected error for unknown channel")
		}
	})

	t.Run("sink failure surfaces to consumer", func(t *testing.T) {
		payload, _ := json.Marshal(Message{Channel: "telegram"})
		if err := handler(context.Background(), queue.Job{Payload: payload}); err == nil {
			t.Fatal("expected sink error")
		}
	})

	t.Run("malformed payload", func(t *testing.T) {
		if err := handler(context.Background(), queue.Job{Payload: []byte("{")}); err == nil {
			t.Fatal("expected decode error")
		}
	})
}
