package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vervet/pkg/model"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	retryDelay            = 500 * time.Millisecond
)

// Dispatcher delivers detected intents to domain automation endpoints.
// Delivery is best-effort: one attempt plus one retry on transient network
// failure, then the match is dropped. There is no durable outbox.
type Dispatcher struct {
	base       string
	httpClient *http.Client
}

// DispatcherOption is a functional option for Dispatcher
type DispatcherOption func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for webhook delivery
func WithHTTPClient(client *http.Client) DispatcherOption {
	return func(d *Dispatcher) {
		d.httpClient = client
	}
}

// NewDispatcher creates a webhook dispatcher rooted at base URL
func NewDispatcher(base string, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		base:       base,
		httpClient: &http.Client{Timeout: defaultWebhookTimeout},
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

type webhookPayload struct {
	Identity   model.Identity `json:"identity"`
	Intent     string         `json:"intent"`
	Confidence float64        `json:"confidence"`
	Domain     string         `json:"domain"`
	Message    string         `json:"message"`
	Channel    model.Channel  `json:"channel"`
}

// Dispatch posts one intent match to its configured webhook. The caller runs
// this off the turn's critical path; an error here means the automation
// trigger was lost, never that the turn failed.
func (d *Dispatcher) Dispatch(ctx context.Context, match model.IntentMatch, message string, channel model.Channel) error {
	payload, err := json.Marshal(&webhookPayload{
		Identity:   match.Identity,
		Intent:     match.Intent,
		Confidence: match.Confidence,
		Domain:     match.Domain,
		Message:    message,
		Channel:    channel,
	})
	if err != nil {
		return goerr.Wrap(err, "failed to marshal webhook payload")
	}

	url := d.base + match.WebhookPath

	err = d.post(ctx, url, payload)
	if err == nil {
		return nil
	}

	// One retry for transient network failure; a 4xx/5xx answer means the
	// endpoint saw the request and retrying would risk a duplicate trigger.
	var statusErr *webhookStatusError
	if !errors.As(err, &statusErr) {
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if retryErr := d.post(ctx, url, payload); retryErr == nil {
			return nil
		}
	}

	return goerr.Wrap(err, "webhook delivery failed",
		goerr.V("intent", match.Intent), goerr.V("url", url))
}

type webhookStatusError struct {
	status int
}

func (e *webhookStatusError) Error() string {
	return http.StatusText(e.status)
}

func (d *Dispatcher) post(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return goerr.Wrap(err, "failed to build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		return &webhookStatusError{status: resp.StatusCode}
	}
	return nil
}
