package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	association "device-association/internal/association/domain"
)

// WebhookNotifier posts events as JSON to a URL.
type WebhookNotifier struct {
	url      string
	client   *http.Client
	template *Template
}

// WebhookOption configures the webhook notifier.
type WebhookOption func(*WebhookNotifier)

// WithHTTPClient overrides the default client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(n *WebhookNotifier) {
		if client != nil {
			n.client = client
		}
	}
}

// WithTemplate sets the template used for the text field.
func WithTemplate(tpl *Template) WebhookOption {
	return func(n *WebhookNotifier) {
		if tpl != nil {
			n.template = tpl
		}
	}
}

// NewWebhookNotifier constructs a notifier.
func NewWebhookNotifier(url string, opts ...WebhookOption) (*WebhookNotifier, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("webhook notifier: empty url")
	}
	tpl, err := NewTemplate("")
	if err != nil {
		return nil, err
	}
	n := &WebhookNotifier{
		url:      url,
		client:   &http.Client{Timeout: 10 * time.Second},
		template: tpl,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Notify posts the event.
func (n *WebhookNotifier) Notify(ctx context.Context, event association.Event) error {
	if n == nil || n.url == "" {
		return errors.New("webhook notifier: empty url")
	}
	msg := NewMessage(event)
	text, err := n.template.Render(msg)
	if err != nil {
		return err
	}
	msg.Text = strings.TrimSpace(text)
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Id", msg.ID)
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook notifier: status %d", resp.StatusCode)
	}
	return nil
}
