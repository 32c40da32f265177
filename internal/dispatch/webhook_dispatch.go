package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookChannel posts every notification as JSON to a backend endpoint,
// e.g. an operator console or an SMS relay.
type WebhookChannel struct {
	Endpoint string
	Client   *http.Client
}

func NewWebhookChannel(endpoint string) *WebhookChannel {
	return &WebhookChannel{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (w *WebhookChannel) Name() string { return "webhook" }

func (w *WebhookChannel) Deliver(ctx context.Context, d Delivery) error {
	payload := map[string]any{"notification": d.Notification}
	if d.Recipient != nil {
		payload["recipient_id"] = d.Recipient.ID
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
