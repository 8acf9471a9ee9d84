package telegram

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/DarlingInSteam/aniway-notifications/internal/db"
)

type fakeDeliveryStore struct {
	mu        sync.Mutex
	entries   []*db.TelegramDeliveryLog
	delivered map[int64]bool
}

func newFakeDeliveryStore() *fakeDeliveryStore {
	return &fakeDeliveryStore{delivered: make(map[int64]bool)}
}

func (f *fakeDeliveryStore) RecordTelegramDelivery(ctx context.Context, entry *db.TelegramDeliveryLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeDeliveryStore) TelegramDelivered(ctx context.Context, userID, chapterID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delivered[chapterID], nil
}

func (f *fakeDeliveryStore) logged() []*db.TelegramDeliveryLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*db.TelegramDeliveryLog(nil), f.entries...)
}

type fakeDirectory struct {
	recipient *Recipient
	unlinked  []int64
}

func (f *fakeDirectory) GetRecipient(ctx context.Context, userID int64) *Recipient {
	return f.recipient
}

func (f *fakeDirectory) UnlinkChat(ctx context.Context, chatID int64, reason string) {
	f.unlinked = append(f.unlinked, chatID)
}

type fakeSender struct {
	mu       sync.Mutex
	results  []SendResult
	messages []string
	chatIDs  []int64
}

func (f *fakeSender) SendMessage(ctx context.Context, chatID int64, text string) SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatIDs = append(f.chatIDs, chatID)
	f.messages = append(f.messages, text)
	if len(f.results) == 0 {
		return SendResult{OK: true}
	}
	result := f.results[0]
	f.results = f.results[1:]
	return result
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

func chapterNotification(t *testing.T, userID int64) *db.Notification {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"mangaId":       int64(7),
		"chapterId":     int64(900),
		"chapterNumber": "15",
		"mangaTitle":    "Берсерк",
		"mangaSlug":     "berserk",
	})
	if err != nil {
		t.Fatalf("failed to build payload: %v", err)
	}
	return &db.Notification{
		ID:      101,
		UserID:  userID,
		Type:    db.TypeBookmarkNewChapter,
		Status:  db.StatusUnread,
		Payload: payload,
	}
}

func newTestNotifier(store Store, directory RecipientDirectory, sender MessageSender, cfg NotifierConfig) *Notifier {
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	return NewNotifier(store, directory, sender, cfg, zap.NewNop())
}

func TestDispatch_DeliversChapter(t *testing.T) {
	store := newFakeDeliveryStore()
	directory := &fakeDirectory{recipient: &Recipient{ChatID: 555, NotificationsEnabled: true}}
	sender := &fakeSender{}

	notifier := newTestNotifier(store, directory, sender, NotifierConfig{SiteBaseURL: "https://aniway.space"})

	notifier.Dispatch(context.Background(), chapterNotification(t, 42))

	messages := sender.sent()
	if len(messages) != 1 {
		t.Fatalf("expected 1 send, got %d", len(messages))
	}
	if messages[0] != "\U0001F4E2 Добавлена новая 15 глава манги Берсерк\n\nhttps://aniway.space/reader/berserk/900" {
		t.Errorf("unexpected message: %q", messages[0])
	}

	entries := store.logged()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Status != db.TelegramStatusSuccess {
		t.Errorf("expected SUCCESS, got %s", entry.Status)
	}
	if entry.ChatID == nil || *entry.ChatID != 555 {
		t.Errorf("unexpected chat id: %v", entry.ChatID)
	}
	if entry.ChapterID == nil || *entry.ChapterID != 900 {
		t.Errorf("unexpected chapter id: %v", entry.ChapterID)
	}
	if entry.RetryCount != 1 {
		t.Errorf("expected 1 attempt, got %d", entry.RetryCount)
	}
}

func TestDispatch_IgnoresOtherTypes(t *testing.T) {
	store := newFakeDeliveryStore()
	sender := &fakeSender{}
	notifier := newTestNotifier(store, &fakeDirectory{}, sender, NotifierConfig{})

	notifier.Dispatch(context.Background(), &db.Notification{
		ID:      5,
		UserID:  42,
		Type:    db.TypeFriendRequestReceived,
		Payload: json.RawMessage(`{}`),
	})

	if len(sender.sent()) != 0 {
		t.Fatal("only chapter notifications go to telegram")
	}
	if len(store.logged()) != 0 {
		t.Fatal("nothing to log for ignored types")
	}
}

func TestDispatch_SkipsUnlinkedUser(t *testing.T) {
	store := newFakeDeliveryStore()
	sender := &fakeSender{}
	notifier := newTestNotifier(store, &fakeDirectory{recipient: nil}, sender, NotifierConfig{})

	notifier.Dispatch(context.Background(), chapterNotification(t, 42))

	if len(sender.sent()) != 0 {
		t.Fatal("no send expected without a recipient")
	}

	entries := store.logged()
	if len(entries) != 1 {
		t.Fatalf("expected 1 skip entry, got %d", len(entries))
	}
	if entries[0].Status != db.TelegramStatusSkipped {
		t.Errorf("expected SKIPPED, got %s", entries[0].Status)
	}
	if entries[0].ErrorCode == nil || *entries[0].ErrorCode != "NO_RECIPIENT" {
		t.Errorf("unexpected skip code: %v", entries[0].ErrorCode)
	}
}

func TestDispatch_SkipsDisabledRecipient(t *testing.T) {
	store := newFakeDeliveryStore()
	sender := &fakeSender{}
	directory := &fakeDirectory{recipient: &Recipient{ChatID: 555, NotificationsEnabled: false}}
	notifier := newTestNotifier(store, directory, sender, NotifierConfig{})

	notifier.Dispatch(context.Background(), chapterNotification(t, 42))

	if len(sender.sent()) != 0 {
		t.Fatal("no send expected when notifications are disabled")
	}

	entries := store.logged()
	if len(entries) != 1 || entries[0].Status != db.TelegramStatusSkipped {
		t.Fatalf("expected 1 SKIPPED entry, got %+v", entries)
	}
	if *entries[0].ErrorCode != "DISABLED" {
		t.Errorf("unexpected skip code: %s", *entries[0].ErrorCode)
	}
}

func TestDispatch_SuppressesAlreadyDeliveredChapter(t *testing.T) {
	store := newFakeDeliveryStore()
	store.delivered[900] = true
	sender := &fakeSender{}
	directory := &fakeDirectory{recipient: &Recipient{ChatID: 555, NotificationsEnabled: true}}
	notifier := newTestNotifier(store, directory, sender, NotifierConfig{})

	notifier.Dispatch(context.Background(), chapterNotification(t, 42))

	if len(sender.sent()) != 0 {
		t.Fatal("chapter already delivered, no send expected")
	}
	if len(store.logged()) != 0 {
		t.Fatal("nothing to log for a fully suppressed dispatch")
	}
}

func TestDispatch_RetriesThenSucceeds(t *testing.T) {
	store := newFakeDeliveryStore()
	sender := &fakeSender{results: []SendResult{
		{ErrorCode: "TRANSPORT", Retryable: true},
		{OK: true},
	}}
	directory := &fakeDirectory{recipient: &Recipient{ChatID: 555, NotificationsEnabled: true}}
	notifier := newTestNotifier(store, directory, sender, NotifierConfig{MaxRetries: 3})

	notifier.Dispatch(context.Background(), chapterNotification(t, 42))

	if len(sender.sent()) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(sender.sent()))
	}

	entries := store.logged()
	if len(entries) != 1 || entries[0].Status != db.TelegramStatusSuccess {
		t.Fatalf("expected SUCCESS after retry, got %+v", entries)
	}
	if entries[0].RetryCount != 2 {
		t.Errorf("expected 2 attempts recorded, got %d", entries[0].RetryCount)
	}
}

func TestDispatch_NonRetryableFailureStops(t *testing.T) {
	store := newFakeDeliveryStore()
	sender := &fakeSender{results: []SendResult{
		{ErrorCode: "400", Description: "Bad Request: chat not found"},
	}}
	directory := &fakeDirectory{recipient: &Recipient{ChatID: 555, NotificationsEnabled: true}}
	notifier := newTestNotifier(store, directory, sender, NotifierConfig{MaxRetries: 3})

	notifier.Dispatch(context.Background(), chapterNotification(t, 42))

	if len(sender.sent()) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(sender.sent()))
	}

	entries := store.logged()
	if len(entries) != 1 || entries[0].Status != db.TelegramStatusFailed {
		t.Fatalf("expected FAILED entry, got %+v", entries)
	}
	if *entries[0].ErrorCode != "400" {
		t.Errorf("unexpected error code: %s", *entries[0].ErrorCode)
	}
}

func TestDispatch_ForbiddenUnlinksChat(t *testing.T) {
	store := newFakeDeliveryStore()
	sender := &fakeSender{results: []SendResult{
		{ErrorCode: "403", Description: "Forbidden: bot was blocked by the user"},
	}}
	directory := &fakeDirectory{recipient: &Recipient{ChatID: 555, NotificationsEnabled: true}}
	notifier := newTestNotifier(store, directory, sender, NotifierConfig{})

	notifier.Dispatch(context.Background(), chapterNotification(t, 42))

	if len(directory.unlinked) != 1 || directory.unlinked[0] != 555 {
		t.Fatalf("expected chat 555 unlinked, got %v", directory.unlinked)
	}

	entries := store.logged()
	if len(entries) != 1 || entries[0].Status != db.TelegramStatusFailed {
		t.Fatalf("expected FAILED entry, got %+v", entries)
	}
}

func TestDispatch_AggregationBatchesChapters(t *testing.T) {
	store := newFakeDeliveryStore()
	sender := &fakeSender{}
	directory := &fakeDirectory{recipient: &Recipient{ChatID: 555, NotificationsEnabled: true}}
	notifier := newTestNotifier(store, directory, sender, NotifierConfig{
		AggregateWindow: 30 * time.Millisecond,
	})

	first := chapterNotification(t, 42)
	second := chapterNotification(t, 42)
	second.Payload = json.RawMessage(`{"mangaId":7,"chapterId":901,"chapterNumber":"16","mangaTitle":"Берсерк","mangaSlug":"berserk"}`)

	notifier.Dispatch(context.Background(), first)
	notifier.Dispatch(context.Background(), second)

	if len(sender.sent()) != 0 {
		t.Fatal("no send expected while the window is open")
	}

	deadline := time.After(2 * time.Second)
	for len(sender.sent()) < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected 2 sends after the window, got %d", len(sender.sent()))
		case <-time.After(10 * time.Millisecond):
		}
	}

	entries := store.logged()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
}

func TestComposeMessage_WithoutSlugFallsBackToMangaLink(t *testing.T) {
	notifier := newTestNotifier(newFakeDeliveryStore(), &fakeDirectory{}, &fakeSender{}, NotifierConfig{
		SiteBaseURL: "https://aniway.space/",
	})

	mangaID := int64(7)
	message := notifier.composeMessage(chapterPayload{
		MangaID:       &mangaID,
		ChapterNumber: "3",
		MangaTitle:    "Example",
	})

	want := "\U0001F4E2 Добавлена новая 3 глава манги Example\n\nhttps://aniway.space/manga/7"
	if message != want {
		t.Errorf("unexpected message:\n got %q\nwant %q", message, want)
	}
}

func TestCircuitBreaker_OpensAfterRepeatedFailures(t *testing.T) {
	store := newFakeDeliveryStore()
	failing := make([]SendResult, 0, 12)
	for i := 0; i < 12; i++ {
		failing = append(failing, SendResult{ErrorCode: "TRANSPORT", Retryable: true})
	}
	sender := &fakeSender{results: failing}
	directory := &fakeDirectory{recipient: &Recipient{ChatID: 555, NotificationsEnabled: true}}
	notifier := newTestNotifier(store, directory, sender, NotifierConfig{MaxRetries: 3})

	// Each dispatch burns up to MaxRetries failures; the breaker trips at 5.
	for i := 0; i < 3; i++ {
		notif := chapterNotification(t, 42)
		chapterID := int64(1000 + i)
		payload, _ := json.Marshal(map[string]interface{}{
			"mangaId":   int64(7),
			"chapterId": chapterID,
		})
		notif.Payload = payload
		notifier.Dispatch(context.Background(), notif)
	}

	attempts := len(sender.sent())
	if attempts >= 9 {
		t.Fatalf("expected the breaker to cut attempts short, got %d", attempts)
	}

	entries := store.logged()
	var circuitOpen bool
	for _, entry := range entries {
		if entry.ErrorCode != nil && *entry.ErrorCode == "CIRCUIT_OPEN" {
			circuitOpen = true
		}
	}
	if !circuitOpen {
		t.Fatal("expected a CIRCUIT_OPEN delivery entry")
	}
}
