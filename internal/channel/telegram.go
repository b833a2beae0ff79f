package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	telegramAPIBase    = "https://api.telegram.org"
	telegramSafeMaxLen = 4000 // Safe margin under 4096 char limit.
)

// TelegramSender sends messages via the Telegram Bot API.
// Each instance carries its own bot_token; api_base overrides the endpoint.
type TelegramSender struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewTelegramSender creates a Telegram sender.
func NewTelegramSender(logger *slog.Logger) *TelegramSender {
	return &TelegramSender{
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger,
	}
}

func (s *TelegramSender) Type() string { return "telegram" }

func (s *TelegramSender) Send(ctx context.Context, inst *Instance, to, text string) error {
	token := inst.Config["bot_token"]
	if token == "" {
		return fmt.Errorf("telegram instance %q missing bot_token", inst.ID)
	}
	base := inst.Config["api_base"]
	if base == "" {
		base = telegramAPIBase
	}
	endpoint := strings.TrimRight(base, "/") + "/bot" + token + "/sendMessage"

	// Split long messages to respect Telegram 4096 char limit.
	chunks := splitMessage(text, telegramSafeMaxLen)
	for i, chunk := range chunks {
		if err := s.sendMessage(ctx, endpoint, to, chunk); err != nil {
			return fmt.Errorf("sending telegram message (part %d/%d): %w", i+1, len(chunks), err)
		}
	}
	return nil
}

func (s *TelegramSender) sendMessage(ctx context.Context, endpoint, chatID, text string) error {
	payload := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram API returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// splitMessage splits text at newline boundaries to stay within maxLen.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > maxLen {
		cutAt := maxLen
		for i := maxLen - 1; i > maxLen/2; i-- {
			if text[i] == '\n' {
				cutAt = i + 1
				break
			}
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	if len(text) > 0 {
		chunks = append(chunks, text)
	}
	return chunks
}
