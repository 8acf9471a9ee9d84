// Package events is the ingestion edge of the pipeline: domain events from
// the platform's services are normalized into notification payloads and
// deterministic dedupe keys, then handed to the notify facade.
package events

// Event kinds carried on the bus.
const (
	KindFriendRequestReceived = "FRIEND_REQUEST_RECEIVED"
	KindFriendRequestAccepted = "FRIEND_REQUEST_ACCEPTED"
	KindChapterPublished      = "CHAPTER_PUBLISHED"
	KindCommentCreated        = "COMMENT_CREATED"
	KindForumPostCreated      = "FORUM_POST_CREATED"
)

// Event is one JSON-encoded domain event. Fields beyond Type and
// TargetUserID are kind-specific; producers only fill what applies.
type Event struct {
	EventID      string `json:"eventId,omitempty"`
	Type         string `json:"type"`
	TargetUserID int64  `json:"targetUserId"`
	OccurredAt   string `json:"occurredAt,omitempty"`

	// Friend events
	RequestID   string `json:"requestId,omitempty"`
	RequesterID *int64 `json:"requesterId,omitempty"`
	AccepterID  *int64 `json:"accepterId,omitempty"`
	Message     string `json:"message,omitempty"`

	// Chapter events
	MangaID       *int64 `json:"mangaId,omitempty"`
	ChapterID     *int64 `json:"chapterId,omitempty"`
	ChapterNumber string `json:"chapterNumber,omitempty"`
	MangaTitle    string `json:"mangaTitle,omitempty"`
	MangaSlug     string `json:"mangaSlug,omitempty"`

	// Comment events
	CommentID        *int64 `json:"commentId,omitempty"`
	ReplyToCommentID *int64 `json:"replyToCommentId,omitempty"`

	// Forum events
	PostID   *int64 `json:"postId,omitempty"`
	ThreadID *int64 `json:"threadId,omitempty"`
	Title    string `json:"title,omitempty"`

	// Comment/forum body, truncated into the payload excerpt
	Content string `json:"content,omitempty"`
}
