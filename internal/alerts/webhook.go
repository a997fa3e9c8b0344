package alerts

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

	pkgerrors "github.com/angelmondragon/creditmeter/pkg/errors"
)

const (
	defaultWebhookTimeout       = 3 * time.Second
	responseBodyReadLimit int64 = 1024
)

var errWebhookURLRequired = errors.New("alert webhook url is required")

// WebhookNotifier POSTs the alert as JSON.
type WebhookNotifier struct {
	httpClient *http.Client
	url        string
}

// WebhookOption configures optional webhook behavior.
type WebhookOption func(*WebhookNotifier)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(n *WebhookNotifier) {
		if client != nil {
			n.httpClient = client
		}
	}
}

// NewWebhookNotifier builds a notifier posting to url.
func NewWebhookNotifier(url string, timeout time.Duration, opts ...WebhookOption) (*WebhookNotifier, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return nil, errWebhookURLRequired
	}
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	n := &WebhookNotifier{
		url:        trimmed,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n, nil
}

func (n *WebhookNotifier) NotifyLowBalance(ctx context.Context, alert LowBalance) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal alert")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build alert request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "post alert webhook")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
		return pkgerrors.Wrap(pkgerrors.CodeDependency, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), "alert webhook rejected")
	}
	return nil
}
