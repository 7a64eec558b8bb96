package btcpaysim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/GianGuaz256/pow-vending-machine/internal/webhook"
)

// Notifier delivers signed webhook events to the configured URL.
type Notifier struct {
	url        string
	webhookID  string
	secret     string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
}

func NewNotifier(url, webhookID, secret string, timeout time.Duration, maxRetries int, logger *slog.Logger) *Notifier {
	return &Notifier{
		url:        url,
		webhookID:  webhookID,
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		backoff:    time.Second,
		logger:     logger.With("component", "webhook"),
	}
}

// Notify sends eventType for inv. Nothing is sent when no URL is configured.
func (n *Notifier) Notify(ctx context.Context, inv Invoice, eventType string) error {
	if n == nil || n.url == "" {
		return nil
	}
	payload := webhook.Payload{
		DeliveryID: uuid.NewString(),
		WebhookID:  n.webhookID,
		Type:       eventType,
		Timestamp:  time.Now().Unix(),
		StoreID:    inv.StoreID,
		InvoiceID:  inv.ID,
	}
	return n.send(ctx, payload)
}

// send posts the payload with retry logic
func (n *Notifier) send(ctx context.Context, payload webhook.Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	signature := webhook.Sign(n.secret, body)

	var lastErr error
	for attempt := 0; attempt <= n.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * n.backoff):
			}
			n.logger.Debug("retrying delivery", "attempt", attempt, "invoice", payload.InvoiceID, "type", payload.Type)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(webhook.SignatureHeader, signature)

		resp, err := n.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("webhook request failed: %w", err)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			n.logger.Info("webhook delivered", "invoice", payload.InvoiceID, "type", payload.Type)
			return nil
		}
		lastErr = fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	n.logger.Warn("webhook delivery failed", "attempts", n.maxRetries+1, "invoice", payload.InvoiceID, "error", lastErr)
	return lastErr
}
