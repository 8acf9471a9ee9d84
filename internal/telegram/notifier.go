package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DarlingInSteam/aniway-notifications/internal/circuitbreaker"
	"github.com/DarlingInSteam/aniway-notifications/internal/db"
	"github.com/DarlingInSteam/aniway-notifications/internal/metrics"
)

// Store is the slice of the repository the notifier needs: the append-only
// delivery log and the per-(user, chapter) success check.
type Store interface {
	RecordTelegramDelivery(ctx context.Context, entry *db.TelegramDeliveryLog) error
	TelegramDelivered(ctx context.Context, userID, chapterID int64) (bool, error)
}

// RecipientDirectory resolves users to Telegram recipients.
type RecipientDirectory interface {
	GetRecipient(ctx context.Context, userID int64) *Recipient
	UnlinkChat(ctx context.Context, chatID int64, reason string)
}

// MessageSender sends one message to a chat.
type MessageSender interface {
	SendMessage(ctx context.Context, chatID int64, text string) SendResult
}

// NotifierConfig tunes delivery behavior.
type NotifierConfig struct {
	MaxRetries      int
	RetryBackoff    time.Duration
	AggregateWindow time.Duration // 0 delivers each chapter immediately
	SiteBaseURL     string
}

// Notifier mirrors new-chapter notifications to the user's Telegram chat.
// Dispatch never propagates failures: every outcome (including deliberate
// skips) lands in the delivery log instead.
type Notifier struct {
	store     Store
	directory RecipientDirectory
	sender    MessageSender
	breaker   *circuitbreaker.CircuitBreaker
	config    NotifierConfig
	logger    *zap.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewNotifier creates the Telegram delivery adapter.
func NewNotifier(store Store, directory RecipientDirectory, sender MessageSender, cfg NotifierConfig, logger *zap.Logger) *Notifier {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.SiteBaseURL == "" {
		cfg.SiteBaseURL = "https://aniway.space"
	}

	return &Notifier{
		store:     store,
		directory: directory,
		sender:    sender,
		breaker:   circuitbreaker.New(circuitbreaker.DefaultConfig("telegram"), logger),
		config:    cfg,
		logger:    logger,
		buckets:   make(map[string]*bucket),
	}
}

// chapterPayload is the subset of a BOOKMARK_NEW_CHAPTER payload the
// channel needs.
type chapterPayload struct {
	MangaID       *int64 `json:"mangaId"`
	ChapterID     *int64 `json:"chapterId"`
	ChapterNumber string `json:"chapterNumber"`
	MangaTitle    string `json:"mangaTitle"`
	MangaSlug     string `json:"mangaSlug"`
}

// Dispatch mirrors a notification to Telegram. Only new-chapter
// notifications go out on this channel; everything else returns
// immediately. Never returns an error.
func (n *Notifier) Dispatch(ctx context.Context, notif *db.Notification) {
	if notif.Type != db.TypeBookmarkNewChapter {
		return
	}

	var payload chapterPayload
	if err := json.Unmarshal(notif.Payload, &payload); err != nil {
		n.logger.Warn("failed to parse chapter payload",
			zap.Error(err),
			zap.Int64("notification_id", notif.ID),
		)
		return
	}

	if n.config.AggregateWindow <= 0 || payload.MangaID == nil {
		notifID := notif.ID
		n.deliver(ctx, notif.UserID, &notifID, []chapterPayload{payload})
		return
	}

	n.enqueue(notif.UserID, payload)
}

// bucket batches chapters of one manga for one user while the aggregation
// window is open.
type bucket struct {
	userID   int64
	mangaID  int64
	chapters []chapterPayload
}

func bucketKey(userID, mangaID int64) string {
	return fmt.Sprintf("%d:%d", userID, mangaID)
}

func (n *Notifier) enqueue(userID int64, payload chapterPayload) {
	key := bucketKey(userID, *payload.MangaID)

	n.mu.Lock()
	b, ok := n.buckets[key]
	if !ok {
		b = &bucket{userID: userID, mangaID: *payload.MangaID}
		n.buckets[key] = b
		time.AfterFunc(n.config.AggregateWindow, func() { n.flush(key) })
	}
	b.chapters = append(b.chapters, payload)
	n.mu.Unlock()
}

func (n *Notifier) flush(key string) {
	n.mu.Lock()
	b, ok := n.buckets[key]
	delete(n.buckets, key)
	n.mu.Unlock()

	if !ok || len(b.chapters) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n.deliver(ctx, b.userID, nil, b.chapters)
}

func (n *Notifier) deliver(ctx context.Context, userID int64, notifID *int64, chapters []chapterPayload) {
	unique := n.filterDelivered(ctx, userID, chapters)
	if len(unique) == 0 {
		return
	}

	recipient := n.directory.GetRecipient(ctx, userID)
	if recipient == nil {
		n.logger.Debug("telegram skip: no linked account", zap.Int64("user_id", userID))
		n.logSkipped(ctx, userID, notifID, unique, "NO_RECIPIENT")
		return
	}
	if !recipient.NotificationsEnabled || recipient.ChatID == 0 {
		n.logger.Debug("telegram skip: notifications disabled", zap.Int64("user_id", userID))
		n.logSkipped(ctx, userID, notifID, unique, "DISABLED")
		return
	}

	for _, chapter := range unique {
		message := n.composeMessage(chapter)
		result, attempts := n.sendWithRetry(ctx, recipient.ChatID, message)

		entry := &db.TelegramDeliveryLog{
			NotificationID: notifID,
			UserID:         userID,
			ChatID:         &recipient.ChatID,
			MangaID:        chapter.MangaID,
			ChapterID:      chapter.ChapterID,
			RetryCount:     attempts,
			Message:        &message,
		}

		if result.OK {
			entry.Status = db.TelegramStatusSuccess
		} else {
			entry.Status = db.TelegramStatusFailed
			entry.ErrorCode = &result.ErrorCode
			if result.Description != "" {
				desc := result.Description
				entry.ErrorMessage = &desc
			}
			if result.ErrorCode == "403" {
				// Bot blocked by the user; drop the link so we stop trying.
				n.directory.UnlinkChat(ctx, recipient.ChatID, "FORBIDDEN")
			}
		}

		metrics.RecordTelegramDelivery(entry.Status)
		if err := n.store.RecordTelegramDelivery(ctx, entry); err != nil {
			n.logger.Error("failed to record telegram delivery",
				zap.Error(err),
				zap.Int64("user_id", userID),
			)
		}
	}
}

func (n *Notifier) sendWithRetry(ctx context.Context, chatID int64, message string) (SendResult, int) {
	attempts := n.config.MaxRetries
	var result SendResult

	for i := 0; i < attempts; i++ {
		if !n.breaker.Allow() {
			return SendResult{ErrorCode: "CIRCUIT_OPEN", Description: "telegram circuit open"}, i
		}

		result = n.sender.SendMessage(ctx, chatID, message)
		if result.OK {
			n.breaker.RecordSuccess()
			return result, i + 1
		}
		n.breaker.RecordFailure()

		if !result.Retryable || i == attempts-1 {
			return result, i + 1
		}

		backoff := n.config.RetryBackoff * time.Duration(i+1)
		if result.RetryAfter > 0 {
			backoff = time.Duration(result.RetryAfter) * time.Second
		}

		select {
		case <-ctx.Done():
			return result, i + 1
		case <-time.After(backoff):
		}
	}

	return result, attempts
}

func (n *Notifier) filterDelivered(ctx context.Context, userID int64, chapters []chapterPayload) []chapterPayload {
	filtered := make([]chapterPayload, 0, len(chapters))
	for _, chapter := range chapters {
		if chapter.ChapterID != nil {
			delivered, err := n.store.TelegramDelivered(ctx, userID, *chapter.ChapterID)
			if err != nil {
				n.logger.Warn("failed to check telegram delivery log",
					zap.Error(err),
					zap.Int64("user_id", userID),
				)
			} else if delivered {
				continue
			}
		}
		filtered = append(filtered, chapter)
	}
	return filtered
}

func (n *Notifier) logSkipped(ctx context.Context, userID int64, notifID *int64, chapters []chapterPayload, reason string) {
	for _, chapter := range chapters {
		code := reason
		entry := &db.TelegramDeliveryLog{
			NotificationID: notifID,
			UserID:         userID,
			MangaID:        chapter.MangaID,
			ChapterID:      chapter.ChapterID,
			Status:         db.TelegramStatusSkipped,
			ErrorCode:      &code,
		}
		metrics.RecordTelegramDelivery(db.TelegramStatusSkipped)
		if err := n.store.RecordTelegramDelivery(ctx, entry); err != nil {
			n.logger.Error("failed to record skipped telegram delivery",
				zap.Error(err),
				zap.Int64("user_id", userID),
			)
		}
	}
}

func (n *Notifier) composeMessage(chapter chapterPayload) string {
	var sb strings.Builder
	sb.WriteString("\U0001F4E2 Добавлена новая")

	if label := chapterLabel(chapter); label != "" {
		sb.WriteString(" ")
		sb.WriteString(label)
	}
	sb.WriteString(" глава")

	if chapter.MangaTitle != "" {
		sb.WriteString(" манги ")
		sb.WriteString(chapter.MangaTitle)
	}

	if link := n.chapterLink(chapter); link != "" {
		sb.WriteString("\n\n")
		sb.WriteString(link)
	}

	return sb.String()
}

func chapterLabel(chapter chapterPayload) string {
	if num := strings.TrimSpace(chapter.ChapterNumber); num != "" {
		return num
	}
	if chapter.ChapterID != nil {
		return fmt.Sprintf("%d", *chapter.ChapterID)
	}
	return ""
}

func (n *Notifier) chapterLink(chapter chapterPayload) string {
	base := strings.TrimSuffix(n.config.SiteBaseURL, "/")
	switch {
	case chapter.ChapterID != nil && chapter.MangaSlug != "":
		return fmt.Sprintf("%s/reader/%s/%d", base, chapter.MangaSlug, *chapter.ChapterID)
	case chapter.ChapterID != nil:
		return fmt.Sprintf("%s/reader/%d", base, *chapter.ChapterID)
	case chapter.MangaSlug != "":
		return fmt.Sprintf("%s/manga/%s", base, chapter.MangaSlug)
	case chapter.MangaID != nil:
		return fmt.Sprintf("%s/manga/%d", base, *chapter.MangaID)
	default:
		return ""
	}
}
