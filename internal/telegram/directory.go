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

// Recipient is the reachability record the auth service keeps per user:
// the linked Telegram chat and the user's opt-in flag.
type Recipient struct {
	ChatID               int64 `json:"chatId"`
	NotificationsEnabled bool  `json:"notificationsEnabled"`
}

// Directory resolves users to Telegram recipients via the auth service.
// Lookups are gate checks only, so every failure resolves to "no recipient"
// rather than an error.
type Directory struct {
	httpClient *http.Client
	baseURL    string
	logger     *zap.Logger
}

// NewDirectory creates a recipient directory backed by the auth service.
func NewDirectory(baseURL string, logger *zap.Logger) *Directory {
	return &Directory{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		logger:     logger,
	}
}

// GetRecipient looks up the Telegram link for a user. Returns nil when the
// user has no linked chat or the lookup fails.
func (d *Directory) GetRecipient(ctx context.Context, userID int64) *Recipient {
	url := fmt.Sprintf("%s/internal/telegram/user/%d", d.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Warn("failed to fetch telegram recipient",
			zap.Error(err),
			zap.Int64("user_id", userID),
		)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		d.logger.Warn("unexpected status from auth service",
			zap.Int("status", resp.StatusCode),
			zap.Int64("user_id", userID),
		)
		return nil
	}

	var recipient Recipient
	if err := json.NewDecoder(resp.Body).Decode(&recipient); err != nil {
		d.logger.Warn("failed to decode telegram recipient",
			zap.Error(err),
			zap.Int64("user_id", userID),
		)
		return nil
	}

	return &recipient
}

// UnlinkChat tells the auth service to drop a chat link, e.g. after the bot
// was blocked (403). Best effort.
func (d *Directory) UnlinkChat(ctx context.Context, chatID int64, reason string) {
	payload, err := json.Marshal(map[string]interface{}{
		"chatId": chatID,
		"reason": reason,
	})
	if err != nil {
		return
	}

	url := d.baseURL + "/internal/telegram/unlink"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Warn("failed to unlink telegram chat",
			zap.Error(err),
			zap.Int64("chat_id", chatID),
		)
		return
	}
	resp.Body.Close()
}
