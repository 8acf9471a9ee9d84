package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const notificationColumns = `
	id, user_id, type, status, payload, dedupe_key,
	priority, silent, version, created_at, updated_at, read_at`

// Querier is the slice of pgxpool.Pool the repository uses. Tests swap in
// a mock pool to pin down the exact statements.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository handles database operations for the notification ledger.
type Repository struct {
	pool   Querier
	logger *zap.Logger
}

// NewRepository creates a new notification repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		pool:   db.Pool(),
		logger: logger,
	}
}

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID,
		&n.UserID,
		&n.Type,
		&n.Status,
		&n.Payload,
		&n.DedupeKey,
		&n.Priority,
		&n.Silent,
		&n.Version,
		&n.CreatedAt,
		&n.UpdatedAt,
		&n.ReadAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// CreateOrMerge inserts a new UNREAD notification, or, when a row with the
// same (user_id, dedupe_key) already exists, overwrites its payload in
// place. Status and read_at are deliberately left untouched on merge so a
// duplicate event never "unreads" an already-read notification.
// The returned bool reports whether an existing row was merged.
func (r *Repository) CreateOrMerge(ctx context.Context, userID int64, notifType string, payload json.RawMessage, dedupeKey *string) (*Notification, bool, error) {
	if dedupeKey != nil {
		query := `
			UPDATE notifications
			SET payload = $1, updated_at = NOW()
			WHERE user_id = $2 AND dedupe_key = $3
			RETURNING` + notificationColumns

		n, err := scanNotification(r.pool.QueryRow(ctx, query, payload, userID, *dedupeKey))
		if err == nil {
			r.logger.Info("notification merged",
				zap.Int64("notification_id", n.ID),
				zap.Int64("user_id", userID),
				zap.String("dedupe_key", *dedupeKey),
			)
			return n, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("merge notification: %w", err)
		}
	}

	query := `
		INSERT INTO notifications (user_id, type, status, payload, dedupe_key, priority, silent, version)
		VALUES ($1, $2, $3, $4, $5, 0, FALSE, 1)
		RETURNING` + notificationColumns

	n, err := scanNotification(r.pool.QueryRow(ctx, query, userID, notifType, StatusUnread, payload, dedupeKey))
	if err != nil {
		// Concurrent insert with the same dedupe key lost the race; retry
		// as a merge against the winner's row.
		var pgErr *pgconn.PgError
		if dedupeKey != nil && errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return r.CreateOrMerge(ctx, userID, notifType, payload, dedupeKey)
		}
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.Int64("user_id", userID),
			zap.String("type", notifType),
		)
		return nil, false, fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Info("notification created",
		zap.Int64("notification_id", n.ID),
		zap.Int64("user_id", userID),
		zap.String("type", notifType),
	)

	return n, false, nil
}

// ListByUser retrieves a user's notifications newest-first with id-cursor
// pagination. status filters to a single status; empty means all.
// cursor = 0 starts from the newest row.
func (r *Repository) ListByUser(ctx context.Context, userID int64, status string, cursor int64, limit int) ([]*Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	if cursor <= 0 {
		cursor = int64(1)<<62 - 1
	}

	query := `
		SELECT` + notificationColumns + `
		FROM notifications
		WHERE user_id = $1 AND id < $2 AND ($3 = '' OR status = $3)
		ORDER BY id DESC
		LIMIT $4
	`

	rows, err := r.pool.Query(ctx, query, userID, cursor, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// MarkRead transitions the given ids to READ for rows owned by userID that
// are still UNREAD. Foreign or already-read ids are skipped silently, which
// makes the call idempotent. Returns the number of rows changed.
func (r *Repository) MarkRead(ctx context.Context, userID int64, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query := `
		UPDATE notifications
		SET status = $1, read_at = NOW(), updated_at = NOW()
		WHERE id = ANY($2) AND user_id = $3 AND status = $4
	`

	result, err := r.pool.Exec(ctx, query, StatusRead, ids, userID, StatusUnread)
	if err != nil {
		r.logger.Error("failed to mark notifications read",
			zap.Error(err),
			zap.Int64("user_id", userID),
		)
		return 0, fmt.Errorf("mark read: %w", err)
	}

	return int(result.RowsAffected()), nil
}

// MarkAllRead transitions at most batch of the newest UNREAD rows for the
// user. Callers converge on a fully-read state by calling repeatedly; the
// bound keeps one call from locking an unbounded row set.
func (r *Repository) MarkAllRead(ctx context.Context, userID int64, batch int) (int, error) {
	if batch <= 0 {
		batch = 50
	}

	query := `
		UPDATE notifications
		SET status = $1, read_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM notifications
			WHERE user_id = $2 AND status = $3
			ORDER BY id DESC
			LIMIT $4
		)
	`

	result, err := r.pool.Exec(ctx, query, StatusRead, userID, StatusUnread, batch)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}

	return int(result.RowsAffected()), nil
}

// CountUnread returns the point-in-time unread count for a user.
func (r *Repository) CountUnread(ctx context.Context, userID int64) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND status = $2`,
		userID, StatusUnread,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// DeleteAllForUser removes every notification owned by the user and returns
// the number of rows deleted. Used for account purges.
func (r *Repository) DeleteAllForUser(ctx context.Context, userID int64) (int64, error) {
	result, err := r.pool.Exec(ctx,
		`DELETE FROM notifications WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete notifications: %w", err)
	}

	deleted := result.RowsAffected()
	r.logger.Info("notifications deleted",
		zap.Int64("user_id", userID),
		zap.Int64("count", deleted),
	)

	return deleted, nil
}

// SeenEvent reports whether the event id is already in the processed-event
// ledger.
func (r *Repository) SeenEvent(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`,
		eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query processed event: %w", err)
	}
	return exists, nil
}

// RecordProcessedEvent appends the event id to the processed-event ledger.
// Returns false when the id was already recorded, meaning the event is a
// bus redelivery and must be skipped.
func (r *Repository) RecordProcessedEvent(ctx context.Context, eventID string) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		INSERT INTO processed_events (event_id)
		VALUES ($1)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID)
	if err != nil {
		return false, fmt.Errorf("record processed event: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// RecordTelegramDelivery appends one delivery attempt outcome.
func (r *Repository) RecordTelegramDelivery(ctx context.Context, entry *TelegramDeliveryLog) error {
	query := `
		INSERT INTO telegram_delivery_log (
			notification_id, user_id, chat_id, manga_id, chapter_id,
			status, error_code, error_message, retry_count, message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`

	err := r.pool.QueryRow(ctx, query,
		entry.NotificationID,
		entry.UserID,
		entry.ChatID,
		entry.MangaID,
		entry.ChapterID,
		entry.Status,
		entry.ErrorCode,
		entry.ErrorMessage,
		entry.RetryCount,
		entry.Message,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		r.logger.Error("failed to record telegram delivery",
			zap.Error(err),
			zap.Int64("user_id", entry.UserID),
			zap.String("status", entry.Status),
		)
		return fmt.Errorf("insert telegram delivery log: %w", err)
	}

	return nil
}

// TelegramDelivered reports whether a chapter was already successfully
// delivered to the user's Telegram chat, to suppress redundant re-sends.
func (r *Repository) TelegramDelivered(ctx context.Context, userID, chapterID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM telegram_delivery_log
			WHERE user_id = $1 AND chapter_id = $2 AND status = $3
		)
	`, userID, chapterID, TelegramStatusSuccess).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query telegram delivery log: %w", err)
	}
	return exists, nil
}
