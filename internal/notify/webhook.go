package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// WebhookSink POSTs each message as JSON to a configured URL.
type WebhookSink struct {
	url  string
	http *resty.Client
}

// NewWebhookSink creates a webhook sink. An empty URL disables it.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url: url,
		http: resty.New().
			SetTimeout(10 * time.Second).
			SetRetryCount(2),
	}
}

func (w *WebhookSink) Name() string  { return ChannelWebhook }
func (w *WebhookSink) Enabled() bool { return w.url != "" }

func (w *WebhookSink) Send(ctx context.Context, msg Message) error {
	resp, err := w.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(msg).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("post webhook: endpoint returned %d", resp.StatusCode())
	}
	return nil
}
