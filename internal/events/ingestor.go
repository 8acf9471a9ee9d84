package events

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/DarlingInSteam/aniway-notifications/internal/db"
	"github.com/DarlingInSteam/aniway-notifications/internal/metrics"
)

// Creator is the notify facade surface the ingestor writes through.
type Creator interface {
	CreateOrMerge(ctx context.Context, userID int64, notifType string, payload json.RawMessage, dedupeKey *string) (*db.Notification, error)
}

// Ledger records handled event ids durably (db.Repository).
type Ledger interface {
	SeenEvent(ctx context.Context, eventID string) (bool, error)
	RecordProcessedEvent(ctx context.Context, eventID string) (bool, error)
}

// Guard is the fast in-memory duplicate filter (redis.EventGuard).
type Guard interface {
	Claim(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string)
}

// Ingestor turns domain events into notifications. Malformed or unknown
// events are dropped with a warning; only a persistence failure is
// returned, so the bus can redeliver the message later.
type Ingestor struct {
	notifications Creator
	ledger        Ledger
	guard         Guard // nil when Redis is unavailable
	logger        *zap.Logger
}

// NewIngestor creates the event ingestor.
func NewIngestor(notifications Creator, ledger Ledger, guard Guard, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		notifications: notifications,
		ledger:        ledger,
		guard:         guard,
		logger:        logger,
	}
}

// HandleRaw decodes one bus message body and handles the event.
func (i *Ingestor) HandleRaw(ctx context.Context, body []byte) error {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		i.logger.Warn("dropping malformed event", zap.Error(err))
		metrics.RecordEventDropped("malformed")
		return nil
	}
	return i.Handle(ctx, &event)
}

// Handle processes one domain event end to end: dedupe guards, kind
// normalization, ledger write. Drops are terminal (nil); only store
// failures propagate.
func (i *Ingestor) Handle(ctx context.Context, event *Event) error {
	if event.TargetUserID == 0 {
		i.logger.Warn("dropping event without target user",
			zap.String("type", event.Type),
			zap.String("event_id", event.EventID),
		)
		metrics.RecordEventDropped("no_target_user")
		return nil
	}

	handler, ok := handlers[event.Type]
	if !ok {
		i.logger.Warn("dropping event of unknown type",
			zap.String("type", event.Type),
			zap.String("event_id", event.EventID),
		)
		metrics.RecordEventDropped("unknown_type")
		return nil
	}

	// At-least-once bus: claim the event id before writing. The Redis
	// guard closes the window between concurrent deliveries; the
	// processed_events table is the durable authority and is only written
	// after the notification itself, so a failed write stays retryable.
	claimed := false
	if event.EventID != "" {
		if i.guard != nil {
			ok, err := i.guard.Claim(ctx, event.EventID)
			if err != nil {
				i.logger.Warn("event guard unavailable, falling back to ledger",
					zap.Error(err),
				)
			} else if !ok {
				metrics.RecordEventDropped("duplicate")
				return nil
			} else {
				claimed = true
			}
		}

		seen, err := i.ledger.SeenEvent(ctx, event.EventID)
		if err != nil {
			if claimed {
				i.guard.Release(ctx, event.EventID)
			}
			return fmt.Errorf("check processed event: %w", err)
		}
		if seen {
			metrics.RecordEventDropped("duplicate")
			return nil
		}
	}

	norm := handler(event)

	payload, err := json.Marshal(norm.payload)
	if err != nil {
		// Payload maps are built from plain values; treat this as a drop,
		// not a retryable failure.
		i.logger.Error("failed to encode notification payload",
			zap.Error(err),
			zap.String("type", event.Type),
		)
		metrics.RecordEventDropped("payload_encode")
		return nil
	}

	if _, err := i.notifications.CreateOrMerge(ctx, event.TargetUserID, norm.notifType, payload, norm.dedupeKey); err != nil {
		if claimed {
			i.guard.Release(ctx, event.EventID)
		}
		return fmt.Errorf("create notification: %w", err)
	}

	if event.EventID != "" {
		if _, err := i.ledger.RecordProcessedEvent(ctx, event.EventID); err != nil {
			// The notification exists; a redelivery is either collapsed by
			// its dedupe key or, for keyless kinds, duplicated. Preferable
			// to silently losing the event.
			i.logger.Warn("failed to record processed event",
				zap.Error(err),
				zap.String("event_id", event.EventID),
			)
		}
	}

	metrics.RecordEventConsumed(event.Type)
	return nil
}
