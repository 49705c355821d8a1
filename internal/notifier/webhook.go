package notifier

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"siemalert/internal/core"
)

// WebhookConfig configures the JSON webhook channel.
type WebhookConfig struct {
	HMACSecret    string
	CustomHeaders map[string]string
	Timeout       time.Duration
}

// WebhookChannel POSTs a JSON document to recipients that are http(s) URLs.
type WebhookChannel struct {
	cfg    WebhookConfig
	client *http.Client
	now    func() time.Time
}

type webhookAttachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	DataBase64  string `json:"data_base64"`
}

type webhookPayload struct {
	Subject     string              `json:"subject"`
	Body        string              `json:"body"`
	HTML        bool                `json:"html,omitempty"`
	Tag         string              `json:"tag,omitempty"`
	SentAt      time.Time           `json:"sent_at"`
	Attachments []webhookAttachment `json:"attachments,omitempty"`
}

func NewWebhookChannel(cfg WebhookConfig) *WebhookChannel {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &WebhookChannel{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}, now: time.Now}
}

func (w *WebhookChannel) Name() string { return "webhook" }

func (w *WebhookChannel) Accepts(recipient string) bool {
	r := strings.ToLower(recipient)
	return strings.HasPrefix(r, "https://") || strings.HasPrefix(r, "http://")
}

func (w *WebhookChannel) Send(ctx context.Context, recipient string, msg core.Message) error {
	p := webhookPayload{Subject: msg.Subject, Body: msg.Body, HTML: msg.HTML, Tag: msg.Tag, SentAt: w.now().UTC()}
	for _, a := range msg.Attachments {
		p.Attachments = append(p.Attachments, webhookAttachment{
			Name:        a.Name,
			ContentType: a.ContentType,
			DataBase64:  base64.StdEncoding.EncodeToString(a.Data),
		})
	}
	body, err := json.Marshal(p)
	if err != nil {
		return Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, recipient, bytes.NewReader(body))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "siemalert-webhook/1.0")
	for k, v := range w.cfg.CustomHeaders {
		req.Header.Set(k, v)
	}
	if w.cfg.HMACSecret != "" {
		req.Header.Set("X-Signature", Sign(w.cfg.HMACSecret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Permanent(fmt.Errorf("webhook: non-2xx response code %d", resp.StatusCode))
	default:
		return fmt.Errorf("webhook: non-2xx response code %d", resp.StatusCode)
	}
}

// Sign returns the hex HMAC-SHA256 of body, as sent in X-Signature.
func Sign(secret string, body []byte) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write(body)
	return fmt.Sprintf("%x", m.Sum(nil))
}
