package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/shipway-io/shipway/internal/pipeline"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	maxErrorBodySize      = 4096
)

// ErrWebhookRejected indicates the receiver returned a non-retryable 4xx.
var ErrWebhookRejected = errors.New("report webhook rejected payload")

// WebhookNotifier POSTs the serialized outcome to a notification endpoint.
// 5xx responses and transport errors are retried with fibonacci backoff;
// 4xx responses fail immediately.
type WebhookNotifier struct {
	url        string
	token      string
	client     *http.Client
	maxRetries uint64
	baseDelay  time.Duration
}

// NewWebhookNotifier validates the endpoint and returns a notifier.
func NewWebhookNotifier(url, token string, client *http.Client, maxRetries int) (*WebhookNotifier, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("report webhook url required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	} else if client.Timeout == 0 {
		// Copy rather than mutate: the caller may share this client.
		copied := *client
		copied.Timeout = defaultWebhookTimeout
		client = &copied
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &WebhookNotifier{
		url:        url,
		token:      strings.TrimSpace(token),
		client:     client,
		maxRetries: uint64(maxRetries),
		baseDelay:  time.Second,
	}, nil
}

// Write delivers the outcome, retrying transient failures.
func (n *WebhookNotifier) Write(ctx context.Context, outcome pipeline.Outcome) error {
	body, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	backoff := retry.WithMaxRetries(n.maxRetries, retry.NewFibonacci(n.baseDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := n.post(ctx, body); err != nil {
			if errors.Is(err, ErrWebhookRejected) {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (n *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}
	limited := io.LimitReader(resp.Body, maxErrorBodySize)
	buf, _ := io.ReadAll(limited)
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	if resp.StatusCode < http.StatusInternalServerError {
		return fmt.Errorf("%w: %s", ErrWebhookRejected, summary)
	}
	return fmt.Errorf("webhook request failed: %s", summary)
}
