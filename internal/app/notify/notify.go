// Package notify delivers user-facing status messages produced by the
// transfer engine.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ekmloo/phoenix/pkg/logger"
)

// Notifier receives human-readable status updates for an account. Delivery
// is best effort; failures must never affect the originating operation.
type Notifier interface {
	Notify(ctx context.Context, accountID, message string)
}

// LogNotifier writes notifications to the service log. It is the default
// sink when no outbound channel is configured.
type LogNotifier struct {
	log *logger.Logger
}

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	if log == nil {
		log = logger.NewDefault("notify")
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, accountID, message string) {
	n.log.WithField("account_id", accountID).Info(message)
}

// WebhookNotifier POSTs notifications to an external endpoint, typically a
// chat gateway relay.
type WebhookNotifier struct {
	url    string
	client *http.Client
	log    *logger.Logger
}

func NewWebhookNotifier(url string, timeout time.Duration, log *logger.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("notify")
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

type webhookPayload struct {
	AccountID string    `json:"account_id"`
	Message   string    `json:"message"`
	SentAt    time.Time `json:"sent_at"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, accountID, message string) {
	body, err := json.Marshal(webhookPayload{
		AccountID: accountID,
		Message:   message,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		n.log.WithError(err).Error("marshal notification")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.log.WithError(err).Error("build notification request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.WithError(err).WithField("account_id", accountID).Warn("notification delivery failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.log.WithField("account_id", accountID).
			WithField("status", resp.StatusCode).
			Warn(fmt.Sprintf("notification endpoint returned %d", resp.StatusCode))
	}
}
