package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jkaninda/omni/internal/netguard"
)

// WebhookSender posts messages as JSON to the instance's url. Used for
// platforms bridged by an external adapter.
type WebhookSender struct {
	httpClient   *http.Client
	allowPrivate bool
	logger       *slog.Logger
}

// NewWebhookSender creates a webhook sender. allowPrivate disables the
// private-network check for deployments where adapters run on the same host.
func NewWebhookSender(allowPrivate bool, logger *slog.Logger) *WebhookSender {
	return &WebhookSender{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			// Do not follow redirects.
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		allowPrivate: allowPrivate,
		logger:       logger,
	}
}

func (s *WebhookSender) Type() string { return "webhook" }

func (s *WebhookSender) Send(ctx context.Context, inst *Instance, to, text string) error {
	webhookURL := inst.Config["url"]
	if webhookURL == "" {
		return fmt.Errorf("webhook instance %q missing url", inst.ID)
	}
	check := netguard.ValidatePublicURL
	if s.allowPrivate {
		check = func(_ context.Context, raw string) error { return netguard.ValidateURL(raw) }
	}
	if err := check(ctx, webhookURL); err != nil {
		return fmt.Errorf("webhook URL rejected: %w", err)
	}

	payload := map[string]any{
		"instanceId": inst.ID,
		"to":         to,
		"text":       text,
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Omni-Webhook/1.0")
	if secret := inst.Config["secret"]; secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
