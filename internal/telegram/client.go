// Package telegram is the external channel adapter: best-effort delivery of
// selected notifications to the platform's Telegram bot, independent of the
// in-app SSE push.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SendResult is the structured outcome of one sendMessage call.
type SendResult struct {
	OK          bool
	ErrorCode   string
	Description string
	RetryAfter  int // seconds, from 429 responses
	Retryable   bool
}

// ClientConfig holds Telegram Bot API settings.
type ClientConfig struct {
	BotToken string
	APIBase  string
	Timeout  time.Duration
}

// BotClient talks to the Telegram Bot API.
type BotClient struct {
	httpClient *http.Client
	token      string
	apiBase    string
	logger     *zap.Logger
}

// NewBotClient creates a Bot API client. An empty token is allowed; sends
// then fail with NO_TOKEN so callers can treat the channel as disabled.
func NewBotClient(cfg ClientConfig, logger *zap.Logger) *BotClient {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.telegram.org"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &BotClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		token:      cfg.BotToken,
		apiBase:    strings.TrimSuffix(cfg.APIBase, "/"),
		logger:     logger,
	}
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// SendMessage posts one text message to a chat. Failures are reported in
// the result, never as an error: the caller decides whether to retry.
func (c *BotClient) SendMessage(ctx context.Context, chatID int64, text string) SendResult {
	if chatID == 0 {
		return SendResult{ErrorCode: "NO_CHAT", Description: "empty chat id"}
	}
	if c.token == "" {
		c.logger.Warn("telegram bot token is not configured")
		return SendResult{ErrorCode: "NO_TOKEN", Description: "bot token not configured"}
	}

	body, err := json.Marshal(map[string]interface{}{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	})
	if err != nil {
		return SendResult{ErrorCode: "MARSHAL", Description: err.Error()}
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.apiBase, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return SendResult{ErrorCode: "REQUEST", Description: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("failed to send telegram message", zap.Error(err))
		return SendResult{ErrorCode: "TRANSPORT", Description: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	var api apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&api); err != nil {
		return SendResult{
			ErrorCode:   fmt.Sprintf("%d", resp.StatusCode),
			Description: fmt.Sprintf("unparseable response: %v", err),
		}
	}

	if api.OK {
		return SendResult{OK: true}
	}

	code := api.ErrorCode
	if code == 0 {
		code = resp.StatusCode
	}

	return SendResult{
		ErrorCode:   fmt.Sprintf("%d", code),
		Description: api.Description,
		RetryAfter:  api.Parameters.RetryAfter,
		Retryable:   code == 429,
	}
}
