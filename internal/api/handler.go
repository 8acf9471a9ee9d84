// Package api exposes the notification pipeline over HTTP: the user-facing
// REST surface, the SSE stream, and the internal event ingestion endpoints
// used by sibling services that publish over HTTP instead of the bus.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DarlingInSteam/aniway-notifications/internal/db"
	"github.com/DarlingInSteam/aniway-notifications/internal/events"
	"github.com/DarlingInSteam/aniway-notifications/internal/metrics"
	"github.com/DarlingInSteam/aniway-notifications/internal/sse"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 25 * time.Second

// NotificationService is the notify facade surface the handlers call.
type NotificationService interface {
	List(ctx context.Context, userID int64, status string, cursor int64, limit int) ([]*db.Notification, error)
	CountUnread(ctx context.Context, userID int64) (int64, error)
	MarkRead(ctx context.Context, userID int64, ids []int64) (int, error)
	MarkAllRead(ctx context.Context, userID int64) (int, error)
	DeleteAllForUser(ctx context.Context, userID int64) (int64, error)
}

// EventSink accepts domain events published over HTTP by sibling services.
type EventSink interface {
	Handle(ctx context.Context, event *events.Event) error
}

// NotificationView is the JSON shape of one notification.
type NotificationView struct {
	ID             int64           `json:"id"`
	Type           string          `json:"type"`
	Status         string          `json:"status"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAtEpoch int64           `json:"createdAtEpoch"`
	ReadAtEpoch    *int64          `json:"readAtEpoch,omitempty"`
}

// ListResponse is the page returned by GET /api/notifications.
type ListResponse struct {
	Data        []NotificationView `json:"data"`
	UnreadCount int64              `json:"unreadCount"`
	NextCursor  int64              `json:"nextCursor,omitempty"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger   *zap.Logger
	service  NotificationService
	sink     EventSink
	registry *sse.Registry
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, service NotificationService, sink EventSink, registry *sse.Registry) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		sink:     sink,
		registry: registry,
	}
}

// userID extracts the gateway-propagated identity. The edge gateway
// authenticates the session and forwards the numeric user id in X-User-Id;
// requests without it never reach this service in production.
func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.Header.Get("X-User-Id")
	if raw == "" {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing identity", "X-User-Id header is required")
		return 0, false
	}

	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid identity", "X-User-Id must be a positive integer")
		return 0, false
	}

	return userID, true
}

// ListNotifications handles GET /api/notifications?status=UNREAD&cursor=0&limit=30
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	status := r.URL.Query().Get("status")
	switch status {
	case "", "ALL":
		status = ""
	case db.StatusUnread, db.StatusRead:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be UNREAD, READ, or ALL")
		return
	}

	var cursor int64
	if cursorStr := r.URL.Query().Get("cursor"); cursorStr != "" {
		c, err := strconv.ParseInt(cursorStr, 10, 64)
		if err != nil || c < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid cursor",
				"cursor must be a non-negative integer")
			return
		}
		cursor = c
	}

	limit := 30
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	notifications, err := h.service.List(ctx, userID, status, cursor, limit)
	if err != nil {
		h.logger.Error("failed to list notifications",
			zap.Error(err),
			zap.Int64("user_id", userID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	unread, err := h.service.CountUnread(ctx, userID)
	if err != nil {
		h.logger.Error("failed to count unread notifications",
			zap.Error(err),
			zap.Int64("user_id", userID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to count notifications", "")
		return
	}

	resp := ListResponse{
		Data:        make([]NotificationView, 0, len(notifications)),
		UnreadCount: unread,
	}
	for _, n := range notifications {
		resp.Data = append(resp.Data, toView(n))
	}
	if len(notifications) == limit {
		resp.NextCursor = notifications[len(notifications)-1].ID
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// UnreadCount handles GET /api/notifications/unread-count
func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	count, err := h.service.CountUnread(ctx, userID)
	if err != nil {
		h.logger.Error("failed to count unread notifications",
			zap.Error(err),
			zap.Int64("user_id", userID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to count notifications", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]int64{"unreadCount": count})
}

// MarkRead handles POST /api/notifications/mark-read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req struct {
		IDs []int64 `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if len(req.IDs) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing ids", "ids must be a non-empty array")
		return
	}

	changed, err := h.service.MarkRead(ctx, userID, req.IDs)
	if err != nil {
		h.logger.Error("failed to mark notifications read",
			zap.Error(err),
			zap.Int64("user_id", userID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to mark notifications read", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]int{"changed": changed})
}

// MarkAllRead handles POST /api/notifications/mark-all-read. One call
// transitions at most one batch; clients repeat until changed is zero.
func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	changed, err := h.service.MarkAllRead(ctx, userID)
	if err != nil {
		h.logger.Error("failed to mark all notifications read",
			zap.Error(err),
			zap.Int64("user_id", userID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to mark notifications read", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]int{"changed": changed})
}

// DeleteAll handles DELETE /api/notifications/all
func (h *Handler) DeleteAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	deleted, err := h.service.DeleteAllForUser(ctx, userID)
	if err != nil {
		h.logger.Error("failed to delete notifications",
			zap.Error(err),
			zap.Int64("user_id", userID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to delete notifications", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]int64{"deleted": deleted})
}

// Stream handles GET /api/notifications/stream. The connection stays open
// until the client disconnects or the registry closes the stream, either
// because it stalled or because the server is shutting down. A stream
// replaced by a newer connection for the same user is left open; it just
// stops receiving pushes until its client goes away.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming unsupported", "")
		return
	}

	stream := h.registry.Register(userID)
	metrics.SetPushStreamsActive(h.registry.Len())
	defer func() {
		h.registry.Unregister(userID, stream)
		metrics.SetPushStreamsActive(h.registry.Len())
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Open the stream immediately so clients stop waiting for headers.
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-stream.Done():
			// Dropped as stalled, or the registry is shutting down.
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case payload := <-stream.Events():
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(payload); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// IngestEvent builds the handler for one POST /internal/events/* route.
// Sibling services that publish over HTTP rather than the bus post the
// event JSON here; the route fixes the event kind. Accepted events answer
// 202; drops are accepted too since they are terminal.
func (h *Handler) IngestEvent(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var event events.Event
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
		event.Type = kind

		if event.TargetUserID == 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing target user", "targetUserId is required")
			return
		}

		// Publishers that retry should send their own eventId; mint one
		// for those that don't so the processed-event ledger stays keyed.
		if event.EventID == "" {
			event.EventID = uuid.NewString()
		}

		if err := h.sink.Handle(ctx, &event); err != nil {
			h.logger.Error("failed to ingest event",
				zap.Error(err),
				zap.String("type", event.Type),
			)
			h.writeError(w, http.StatusInternalServerError, "ingest_error", "Failed to ingest event", "")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"eventId": event.EventID})
	}
}

func toView(n *db.Notification) NotificationView {
	view := NotificationView{
		ID:             n.ID,
		Type:           n.Type,
		Status:         n.Status,
		Payload:        n.Payload,
		CreatedAtEpoch: n.CreatedAt.UnixMilli(),
	}
	if n.ReadAt != nil {
		readAt := n.ReadAt.UnixMilli()
		view.ReadAtEpoch = &readAt
	}
	return view
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
