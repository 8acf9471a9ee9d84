package events

import (
	"fmt"

	"github.com/DarlingInSteam/aniway-notifications/internal/db"
)

// normalized is what a kind handler produces: the notification type, the
// payload fields, and an optional dedupe key derived from stable event
// identifiers.
type normalized struct {
	notifType string
	payload   map[string]interface{}
	dedupeKey *string
}

type kindHandler func(*Event) normalized

// handlers maps event kinds to their normalizers. Kinds missing here are
// dropped with a warning by the ingestor.
var handlers = map[string]kindHandler{
	KindFriendRequestReceived: handleFriendRequestReceived,
	KindFriendRequestAccepted: handleFriendRequestAccepted,
	KindChapterPublished:      handleChapterPublished,
	KindCommentCreated:        handleCommentCreated,
	KindForumPostCreated:      handleForumPostCreated,
}

func handleFriendRequestReceived(e *Event) normalized {
	var key *string
	if e.RequestID != "" {
		k := fmt.Sprintf("friend_request_received:%d:%s", e.TargetUserID, e.RequestID)
		key = &k
	}
	return normalized{
		notifType: db.TypeFriendRequestReceived,
		payload: map[string]interface{}{
			"requestId":   e.RequestID,
			"requesterId": e.RequesterID,
			"message":     e.Message,
			"occurredAt":  e.OccurredAt,
		},
		dedupeKey: key,
	}
}

func handleFriendRequestAccepted(e *Event) normalized {
	var key *string
	if e.RequestID != "" {
		k := fmt.Sprintf("friend_request_accepted:%d:%s", e.TargetUserID, e.RequestID)
		key = &k
	}
	return normalized{
		notifType: db.TypeFriendRequestAccepted,
		payload: map[string]interface{}{
			"requestId":  e.RequestID,
			"accepterId": e.AccepterID,
			"occurredAt": e.OccurredAt,
		},
		dedupeKey: key,
	}
}

func handleChapterPublished(e *Event) normalized {
	// Keyed by user + manga so consecutive chapters of one manga collapse
	// into a single notification.
	var key *string
	if e.MangaID != nil {
		k := fmt.Sprintf("chapter_published:%d:%d", e.TargetUserID, *e.MangaID)
		key = &k
	}
	return normalized{
		notifType: db.TypeBookmarkNewChapter,
		payload: map[string]interface{}{
			"mangaId":       e.MangaID,
			"chapterId":     e.ChapterID,
			"chapterNumber": e.ChapterNumber,
			"mangaTitle":    e.MangaTitle,
			"mangaSlug":     e.MangaSlug,
		},
		dedupeKey: key,
	}
}

func handleCommentCreated(e *Event) normalized {
	return normalized{
		notifType: db.TypeProfileComment,
		payload: map[string]interface{}{
			"commentId":        e.CommentID,
			"mangaId":          e.MangaID,
			"chapterId":        e.ChapterID,
			"replyToCommentId": e.ReplyToCommentID,
			"excerpt":          truncate(e.Content, 120),
		},
	}
}

func handleForumPostCreated(e *Event) normalized {
	return normalized{
		notifType: db.TypeReplyInForumThread,
		payload: map[string]interface{}{
			"postId":   e.PostID,
			"threadId": e.ThreadID,
			"title":    e.Title,
			"excerpt":  truncate(e.Content, 140),
		},
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
