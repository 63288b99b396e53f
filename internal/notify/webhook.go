package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/openpolicy/civicsync/internal/resilience"
)

// Webhook posts events as JSON to an HTTP endpoint (Slack-compatible relays,
// PagerDuty event bridges and the like). 5xx and 429 responses are retried.
type Webhook struct {
	url    string
	client *http.Client
	retry  resilience.RequestRetry
}

// NewWebhook creates a webhook notifier. A zero timeout defaults to 10s.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retry := resilience.DefaultRequestRetry()
	retry.OnRetry = resilience.RetryLogger("notify.webhook", url)
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
		retry:  retry,
	}
}

// Notify implements Notifier.
func (w *Webhook) Notify(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return eris.Wrap(err, "notify: marshal event")
	}

	_, err = resilience.DoVal(ctx, w.retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, w.post(ctx, payload)
	})
	return err
}

func (w *Webhook) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notify: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		err := eris.Errorf("notify: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}
