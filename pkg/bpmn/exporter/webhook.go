package exporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/multierr"
)

// WebhookNotifier posts every event as JSON to a list of urls. Server errors
// and transport failures are retried with exponential backoff, client errors
// are not.
type WebhookNotifier struct {
	urls        []string
	client      *http.Client
	maxAttempts uint
	backoff     func() backoff.BackOff
}

type WebhookOption func(*WebhookNotifier)

func WebhookWithClient(client *http.Client) WebhookOption {
	return func(w *WebhookNotifier) {
		w.client = client
	}
}

func WebhookWithBackOff(b func() backoff.BackOff) WebhookOption {
	return func(w *WebhookNotifier) {
		w.backoff = b
	}
}

func NewWebhookNotifier(urls []string, maxAttempts uint, options ...WebhookOption) *WebhookNotifier {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	w := &WebhookNotifier{
		urls:        urls,
		maxAttempts: maxAttempts,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
	for _, o := range options {
		o(w)
	}
	return w
}

var _ Notifier = &WebhookNotifier{}

func (w *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", event.Id, err)
	}
	var errs error
	for _, url := range w.urls {
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, w.post(ctx, url, body)
		}, backoff.WithBackOff(w.backoff()), backoff.WithMaxTries(w.maxAttempts))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("webhook %s: %w", url, err))
		}
	}
	return errs
}

func (w *WebhookNotifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("rejected with status %d", resp.StatusCode))
	}
}
