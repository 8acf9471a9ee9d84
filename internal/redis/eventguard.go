package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// guardTTL is how long a claimed event id is held in Redis. The durable
// processed_events table is authoritative; this guard only short-circuits
// the common case of a bus redelivery arriving within minutes of the
// original, before the consumer ever touches Postgres.
const guardTTL = 30 * time.Minute

// EventGuard claims inbound event ids so redelivered bus messages are
// filtered cheaply before hitting the database ledger.
type EventGuard struct {
	client *Client
	logger *zap.Logger
}

// NewEventGuard creates a new event guard service.
func NewEventGuard(client *Client, logger *zap.Logger) *EventGuard {
	return &EventGuard{
		client: client,
		logger: logger,
	}
}

func (g *EventGuard) buildKey(eventID string) string {
	return fmt.Sprintf("eventguard:%s", eventID)
}

// Claim atomically marks an event id as seen using SET NX.
// Returns false when the id was already claimed, i.e. the event is a
// duplicate delivery.
func (g *EventGuard) Claim(ctx context.Context, eventID string) (bool, error) {
	set, err := g.client.rdb.SetNX(ctx, g.buildKey(eventID), 1, guardTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	if !set {
		g.logger.Debug("duplicate event filtered by guard",
			zap.String("event_id", eventID),
		)
	}

	return set, nil
}

// Release drops a claim so a failed event can be retried by a later
// delivery. Best effort: an error here only delays the retry by guardTTL.
func (g *EventGuard) Release(ctx context.Context, eventID string) {
	if err := g.client.rdb.Del(ctx, g.buildKey(eventID)).Err(); err != nil {
		g.logger.Warn("failed to release event guard claim",
			zap.Error(err),
			zap.String("event_id", eventID),
		)
	}
}
