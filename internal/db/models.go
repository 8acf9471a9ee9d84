package db

import (
	"encoding/json"
	"time"
)

// Notification is one row of the notification ledger. IDs are assigned by
// the database sequence, so per-user ordering follows insertion order.
type Notification struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	Payload   json.RawMessage `json:"payload"`
	DedupeKey *string         `json:"dedupe_key,omitempty"`
	Priority  int16           `json:"priority"`
	Silent    bool            `json:"silent"`
	Version   int16           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	ReadAt    *time.Time      `json:"read_at,omitempty"`
}

// Status constants
const (
	StatusUnread = "UNREAD"
	StatusRead   = "READ"
)

// Notification type constants
const (
	TypeFriendRequestReceived = "FRIEND_REQUEST_RECEIVED"
	TypeFriendRequestAccepted = "FRIEND_REQUEST_ACCEPTED"
	TypeBookmarkNewChapter    = "BOOKMARK_NEW_CHAPTER"
	TypeProfileComment        = "PROFILE_COMMENT"
	TypeReplyInForumThread    = "REPLY_IN_FORUM_THREAD"
)

// ProcessedEvent records an inbound event id that has already been handled.
// Rows are immutable; their presence is what guards against bus redelivery.
type ProcessedEvent struct {
	EventID     string    `json:"event_id"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Telegram delivery status constants
const (
	TelegramStatusSuccess = "SUCCESS"
	TelegramStatusFailed  = "FAILED"
	TelegramStatusSkipped = "SKIPPED"
)

// TelegramDeliveryLog is an append-only record of one delivery attempt
// (or deliberate skip) to the Telegram channel.
type TelegramDeliveryLog struct {
	ID             int64     `json:"id"`
	NotificationID *int64    `json:"notification_id,omitempty"`
	UserID         int64     `json:"user_id"`
	ChatID         *int64    `json:"chat_id,omitempty"`
	MangaID        *int64    `json:"manga_id,omitempty"`
	ChapterID      *int64    `json:"chapter_id,omitempty"`
	Status         string    `json:"status"`
	ErrorCode      *string   `json:"error_code,omitempty"`
	ErrorMessage   *string   `json:"error_message,omitempty"`
	RetryCount     int       `json:"retry_count"`
	Message        *string   `json:"message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
