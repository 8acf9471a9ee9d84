// Package sse holds the in-memory directory of live push streams, one per
// connected user. The registry is a volatile cache of "where to additionally
// notify right now"; the notification ledger stays authoritative, so losing
// a stream (or the whole registry on restart) loses no data.
package sse

import (
	"sync"

	"go.uber.org/zap"
)

// streamBuffer bounds how many undelivered events a slow client may queue
// before the stream is presumed dead.
const streamBuffer = 16

// Stream is one live outbound push channel. The HTTP layer drains Events
// and terminates when Done is closed.
type Stream struct {
	events chan []byte
	done   chan struct{}
	once   sync.Once
}

func newStream() *Stream {
	return &Stream{
		events: make(chan []byte, streamBuffer),
		done:   make(chan struct{}),
	}
}

// Events returns the channel of pending push payloads.
func (s *Stream) Events() <-chan []byte {
	return s.events
}

// Done is closed when the registry gives up on this stream.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) close() {
	s.once.Do(func() { close(s.done) })
}

// Registry maps user ids to their single live stream. All operations are
// safe for concurrent use from independent request goroutines; ownership is
// per user key, so no coordination beyond the map lock is needed.
type Registry struct {
	mu      sync.Mutex
	streams map[int64]*Stream
	logger  *zap.Logger
}

// NewRegistry creates an empty push registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		streams: make(map[int64]*Stream),
		logger:  logger,
	}
}

// Register creates a new stream for the user, replacing any prior
// registration. The replaced stream is not closed: it keeps draining until
// its connection naturally ends, it just stops receiving new pushes.
func (r *Registry) Register(userID int64) *Stream {
	s := newStream()

	r.mu.Lock()
	_, replaced := r.streams[userID]
	r.streams[userID] = s
	r.mu.Unlock()

	r.logger.Debug("push stream registered",
		zap.Int64("user_id", userID),
		zap.Bool("replaced", replaced),
	)

	return s
}

// Unregister removes the mapping for userID only if it still points at s.
// A stream that was already replaced by a newer registration must not evict
// its successor when its connection finally closes.
func (r *Registry) Unregister(userID int64, s *Stream) {
	r.mu.Lock()
	if current, ok := r.streams[userID]; ok && current == s {
		delete(r.streams, userID)
	}
	r.mu.Unlock()

	s.close()
}

// SendTo attempts to push a payload to the user's live stream. No stream
// registered is a no-op. A blocked stream is presumed dead: it is removed
// from the registry and signalled to terminate, and the push is dropped.
// The event stays visible through the persisted ledger.
// Returns true when the payload was handed to a stream.
func (r *Registry) SendTo(userID int64, payload []byte) bool {
	r.mu.Lock()
	s, ok := r.streams[userID]
	r.mu.Unlock()

	if !ok {
		return false
	}

	select {
	case s.events <- payload:
		return true
	default:
		r.logger.Warn("push stream stalled, dropping it",
			zap.Int64("user_id", userID),
		)
		r.Unregister(userID, s)
		return false
	}
}

// CloseAll signals every registered stream to terminate and empties the
// registry. Called on shutdown so open push connections unblock and the
// HTTP server can drain instead of waiting for clients to hang up.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	streams := r.streams
	r.streams = make(map[int64]*Stream)
	r.mu.Unlock()

	for _, s := range streams {
		s.close()
	}

	if len(streams) > 0 {
		r.logger.Info("closed all push streams", zap.Int("count", len(streams)))
	}
}

// Len reports the number of currently registered streams.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}
