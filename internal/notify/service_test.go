package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/DarlingInSteam/aniway-notifications/internal/db"
)

var errStore = errors.New("store failure")

type fakeStore struct {
	notif  *db.Notification
	merged bool

	markReadChanged    int
	markAllReadChanged int
	unread             int64
	deleted            int64

	shouldFail bool

	markReadIDs   []int64
	markAllBatch  int
	listStatus    string
	listCursor    int64
	listLimit     int
	listNotifs    []*db.Notification
}

func (f *fakeStore) CreateOrMerge(ctx context.Context, userID int64, notifType string, payload json.RawMessage, dedupeKey *string) (*db.Notification, bool, error) {
	if f.shouldFail {
		return nil, false, errStore
	}
	return f.notif, f.merged, nil
}

func (f *fakeStore) MarkRead(ctx context.Context, userID int64, ids []int64) (int, error) {
	if f.shouldFail {
		return 0, errStore
	}
	f.markReadIDs = ids
	return f.markReadChanged, nil
}

func (f *fakeStore) MarkAllRead(ctx context.Context, userID int64, batch int) (int, error) {
	if f.shouldFail {
		return 0, errStore
	}
	f.markAllBatch = batch
	return f.markAllReadChanged, nil
}

func (f *fakeStore) CountUnread(ctx context.Context, userID int64) (int64, error) {
	if f.shouldFail {
		return 0, errStore
	}
	return f.unread, nil
}

func (f *fakeStore) DeleteAllForUser(ctx context.Context, userID int64) (int64, error) {
	if f.shouldFail {
		return 0, errStore
	}
	return f.deleted, nil
}

func (f *fakeStore) ListByUser(ctx context.Context, userID int64, status string, cursor int64, limit int) ([]*db.Notification, error) {
	if f.shouldFail {
		return nil, errStore
	}
	f.listStatus = status
	f.listCursor = cursor
	f.listLimit = limit
	return f.listNotifs, nil
}

type fakeRegistry struct {
	delivered bool
	payloads  chan []byte
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{delivered: true, payloads: make(chan []byte, 1)}
}

func (f *fakeRegistry) SendTo(userID int64, payload []byte) bool {
	f.payloads <- payload
	return f.delivered
}

type fakeChannel struct {
	dispatched chan *db.Notification
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{dispatched: make(chan *db.Notification, 1)}
}

func (f *fakeChannel) Dispatch(ctx context.Context, notif *db.Notification) {
	f.dispatched <- notif
}

func testNotification() *db.Notification {
	return &db.Notification{
		ID:        101,
		UserID:    42,
		Type:      db.TypeFriendRequestReceived,
		Status:    db.StatusUnread,
		Payload:   json.RawMessage(`{"requestId":"R1"}`),
		CreatedAt: time.Now(),
	}
}

func TestCreateOrMerge_PushesAndDispatches(t *testing.T) {
	store := &fakeStore{notif: testNotification()}
	registry := newFakeRegistry()
	channel := newFakeChannel()

	service := New(store, registry, channel, Config{}, zap.NewNop())

	notif, err := service.CreateOrMerge(context.Background(), 42, db.TypeFriendRequestReceived, json.RawMessage(`{}`), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notif.ID != 101 {
		t.Errorf("expected notification 101, got %d", notif.ID)
	}

	select {
	case payload := <-registry.payloads:
		var event PushEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			t.Fatalf("push payload is not valid JSON: %v", err)
		}
		if event.ID != 101 || event.Type != db.TypeFriendRequestReceived {
			t.Errorf("unexpected push event: %+v", event)
		}
		if event.CreatedAtEpoch == 0 {
			t.Error("expected createdAtEpoch to be set")
		}
	case <-time.After(time.Second):
		t.Fatal("expected a push attempt")
	}

	select {
	case dispatched := <-channel.dispatched:
		if dispatched.ID != 101 {
			t.Errorf("expected notification 101 dispatched, got %d", dispatched.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an external channel dispatch")
	}
}

func TestCreateOrMerge_StoreFailurePropagates(t *testing.T) {
	store := &fakeStore{shouldFail: true}
	registry := newFakeRegistry()

	service := New(store, registry, nil, Config{}, zap.NewNop())

	_, err := service.CreateOrMerge(context.Background(), 42, db.TypeProfileComment, json.RawMessage(`{}`), nil)
	if !errors.Is(err, errStore) {
		t.Fatalf("expected store error, got %v", err)
	}

	select {
	case <-registry.payloads:
		t.Fatal("no push should happen when the write fails")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCreateOrMerge_PushFailureIsSwallowed(t *testing.T) {
	store := &fakeStore{notif: testNotification()}
	registry := newFakeRegistry()
	registry.delivered = false

	service := New(store, registry, nil, Config{}, zap.NewNop())

	if _, err := service.CreateOrMerge(context.Background(), 42, db.TypeFriendRequestReceived, json.RawMessage(`{}`), nil); err != nil {
		t.Fatalf("push failure must not surface: %v", err)
	}

	select {
	case <-registry.payloads:
	case <-time.After(time.Second):
		t.Fatal("expected a push attempt despite no listener")
	}
}

func TestCreateOrMerge_NilChannel(t *testing.T) {
	store := &fakeStore{notif: testNotification()}
	registry := newFakeRegistry()

	service := New(store, registry, nil, Config{}, zap.NewNop())

	if _, err := service.CreateOrMerge(context.Background(), 42, db.TypeFriendRequestReceived, json.RawMessage(`{}`), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-registry.payloads:
	case <-time.After(time.Second):
		t.Fatal("expected a push attempt")
	}
}

func TestMarkAllRead_UsesConfiguredBatch(t *testing.T) {
	store := &fakeStore{markAllReadChanged: 12}

	service := New(store, newFakeRegistry(), nil, Config{MarkAllReadBatch: 25}, zap.NewNop())

	changed, err := service.MarkAllRead(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed != 12 {
		t.Errorf("expected 12 changed, got %d", changed)
	}
	if store.markAllBatch != 25 {
		t.Errorf("expected batch 25, got %d", store.markAllBatch)
	}
}

func TestMarkAllRead_DefaultBatch(t *testing.T) {
	store := &fakeStore{}

	service := New(store, newFakeRegistry(), nil, Config{}, zap.NewNop())

	if _, err := service.MarkAllRead(context.Background(), 42); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.markAllBatch != 50 {
		t.Errorf("expected default batch 50, got %d", store.markAllBatch)
	}
}

func TestMarkRead_PassesIDs(t *testing.T) {
	store := &fakeStore{markReadChanged: 2}

	service := New(store, newFakeRegistry(), nil, Config{}, zap.NewNop())

	changed, err := service.MarkRead(context.Background(), 42, []int64{1, 2, 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed != 2 {
		t.Errorf("expected 2 changed, got %d", changed)
	}
	if len(store.markReadIDs) != 3 {
		t.Errorf("expected 3 ids forwarded, got %d", len(store.markReadIDs))
	}
}

func TestList_Delegates(t *testing.T) {
	store := &fakeStore{listNotifs: []*db.Notification{testNotification()}}

	service := New(store, newFakeRegistry(), nil, Config{}, zap.NewNop())

	notifs, err := service.List(context.Background(), 42, db.StatusUnread, 200, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(notifs) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notifs))
	}
	if store.listStatus != db.StatusUnread || store.listCursor != 200 || store.listLimit != 10 {
		t.Errorf("list arguments not forwarded: %q %d %d", store.listStatus, store.listCursor, store.listLimit)
	}
}
