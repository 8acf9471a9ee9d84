// Package notify is the dedupe/persistence facade of the pipeline: every
// notification write goes through here, and each successful write triggers
// exactly one push attempt and one external-channel attempt.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/DarlingInSteam/aniway-notifications/internal/db"
	"github.com/DarlingInSteam/aniway-notifications/internal/metrics"
)

// dispatchTimeout bounds the fire-and-forget delivery side effects so a
// slow push consumer or external channel never stalls event processing.
const dispatchTimeout = 2 * time.Second

// Store is the persistence surface the facade needs. *db.Repository
// implements it; tests swap in a fake.
type Store interface {
	CreateOrMerge(ctx context.Context, userID int64, notifType string, payload json.RawMessage, dedupeKey *string) (*db.Notification, bool, error)
	MarkRead(ctx context.Context, userID int64, ids []int64) (int, error)
	MarkAllRead(ctx context.Context, userID int64, batch int) (int, error)
	CountUnread(ctx context.Context, userID int64) (int64, error)
	DeleteAllForUser(ctx context.Context, userID int64) (int64, error)
	ListByUser(ctx context.Context, userID int64, status string, cursor int64, limit int) ([]*db.Notification, error)
}

// PushRegistry is the live-stream directory (internal/sse.Registry).
type PushRegistry interface {
	SendTo(userID int64, payload []byte) bool
}

// ExternalChannel is the out-of-band delivery adapter (internal/telegram).
type ExternalChannel interface {
	Dispatch(ctx context.Context, notif *db.Notification)
}

// PushEvent is the JSON shape written to a user's SSE stream.
type PushEvent struct {
	ID             int64           `json:"id"`
	Type           string          `json:"type"`
	Status         string          `json:"status"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAtEpoch int64           `json:"createdAtEpoch"`
	ReadAtEpoch    *int64          `json:"readAtEpoch,omitempty"`
}

// Config tunes the facade.
type Config struct {
	MarkAllReadBatch int
}

// Service coordinates the notification ledger with the delivery fan-out.
// The store is the single source of truth; delivery is best effort.
type Service struct {
	store    Store
	registry PushRegistry
	channel  ExternalChannel
	config   Config
	logger   *zap.Logger
}

// New creates the notification facade. channel may be nil when the
// external channel is not configured.
func New(store Store, registry PushRegistry, channel ExternalChannel, cfg Config, logger *zap.Logger) *Service {
	if cfg.MarkAllReadBatch <= 0 {
		cfg.MarkAllReadBatch = 50
	}

	return &Service{
		store:    store,
		registry: registry,
		channel:  channel,
		config:   cfg,
		logger:   logger,
	}
}

// CreateOrMerge writes the notification to the ledger and dispatches the
// delivery side effects. Only a store failure is returned to the caller;
// push and external-channel failures are swallowed downstream.
func (s *Service) CreateOrMerge(ctx context.Context, userID int64, notifType string, payload json.RawMessage, dedupeKey *string) (*db.Notification, error) {
	notif, merged, err := s.store.CreateOrMerge(ctx, userID, notifType, payload, dedupeKey)
	if err != nil {
		return nil, err
	}

	if merged {
		metrics.RecordNotificationWritten("merged", notifType)
	} else {
		metrics.RecordNotificationWritten("created", notifType)
	}

	go s.dispatch(notif)

	return notif, nil
}

// dispatch runs detached from the triggering call with its own bounded
// deadline; whatever has not completed by then is abandoned.
func (s *Service) dispatch(notif *db.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	if payload, err := json.Marshal(toPushEvent(notif)); err != nil {
		s.logger.Error("failed to encode push event",
			zap.Error(err),
			zap.Int64("notification_id", notif.ID),
		)
	} else {
		delivered := s.registry.SendTo(notif.UserID, payload)
		metrics.RecordPush(delivered)
	}

	if s.channel != nil {
		s.channel.Dispatch(ctx, notif)
	}
}

func toPushEvent(notif *db.Notification) PushEvent {
	event := PushEvent{
		ID:             notif.ID,
		Type:           notif.Type,
		Status:         notif.Status,
		Payload:        notif.Payload,
		CreatedAtEpoch: notif.CreatedAt.UnixMilli(),
	}
	if notif.ReadAt != nil {
		readAt := notif.ReadAt.UnixMilli()
		event.ReadAtEpoch = &readAt
	}
	return event
}

// MarkRead transitions the caller's UNREAD notifications among ids to READ.
// Foreign and already-read ids are skipped, not errors.
func (s *Service) MarkRead(ctx context.Context, userID int64, ids []int64) (int, error) {
	changed, err := s.store.MarkRead(ctx, userID, ids)
	if err != nil {
		return 0, err
	}

	if changed > 0 {
		s.logger.Info("notifications marked read",
			zap.Int64("user_id", userID),
			zap.Int("changed", changed),
		)
	}

	return changed, nil
}

// MarkAllRead transitions a bounded batch of the newest UNREAD rows.
// Callers converge by calling repeatedly until changed == 0.
func (s *Service) MarkAllRead(ctx context.Context, userID int64) (int, error) {
	return s.store.MarkAllRead(ctx, userID, s.config.MarkAllReadBatch)
}

// CountUnread returns the point-in-time unread count.
func (s *Service) CountUnread(ctx context.Context, userID int64) (int64, error) {
	return s.store.CountUnread(ctx, userID)
}

// DeleteAllForUser removes every notification for the user.
func (s *Service) DeleteAllForUser(ctx context.Context, userID int64) (int64, error) {
	return s.store.DeleteAllForUser(ctx, userID)
}

// List returns a page of the user's notifications newest-first.
func (s *Service) List(ctx context.Context, userID int64, status string, cursor int64, limit int) ([]*db.Notification, error) {
	return s.store.ListByUser(ctx, userID, status, cursor, limit)
}
