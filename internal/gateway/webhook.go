package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookNotifier delivers messages by POSTing them to an HTTP endpoint,
// typically a chat-bot bridge. One request per recipient.
type WebhookNotifier struct {
	URL    string
	Secret string
	Client *http.Client
}

func NewWebhookNotifier(url, secret string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookNotifier{
		URL:    url,
		Secret: secret,
		Client: &http.Client{Timeout: timeout},
	}
}

type webhookMessage struct {
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
}

func (n *WebhookNotifier) Send(ctx context.Context, recipientHandle, text string) (bool, error) {
	if strings.TrimSpace(n.URL) == "" {
		return false, fmt.Errorf("webhook url not configured")
	}
	data, err := json.Marshal(webhookMessage{Recipient: recipientHandle, Text: text})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(data))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(n.Secret) != "" {
		req.Header.Set("X-AIManager-Secret", n.Secret)
	}
	res, err := n.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return false, fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return true, nil
}
