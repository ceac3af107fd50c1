package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/wisdar/engine/pkg/db/option"
)

var (
	ErrConversationNotFound = errors.New("conversation: not found")
	ErrMessageNotFound      = errors.New("conversation: message not found")
	ErrAttachmentNotFound   = errors.New("conversation: attachment not found")
)

// Repository persists conversations, messages and attachments.
//
// Status writes return an ownership flag: false means the message was
// already in a terminal status and nothing was changed. Workers treat a
// false ownership result as "someone else finished this job" and stop.
type Repository interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	FindConversation(ctx context.Context, accountID, id snowflake.ID) (*Conversation, error)
	ListConversations(ctx context.Context, accountID snowflake.ID, opts ...option.QueryOption) ([]*Conversation, error)
	TouchConversation(ctx context.Context, id snowflake.ID, title string) error

	CreateMessage(ctx context.Context, msg *Message) error
	FindMessage(ctx context.Context, id snowflake.ID) (*Message, error)
	// ListMessages returns the conversation's messages oldest first, with
	// attachments preloaded.
	ListMessages(ctx context.Context, conversationID snowflake.ID) ([]*Message, error)

	// UpdateStatus moves the message to status unless it is already
	// terminal. The optional jobStatus replaces the progress line when
	// non-empty.
	UpdateStatus(ctx context.Context, id snowflake.ID, status Status, jobStatus string) (owned bool, err error)
	// CompleteMessage sets content, media URL and COMPLETE in one guarded
	// write.
	CompleteMessage(ctx context.Context, id snowflake.ID, content, mediaURL string) (owned bool, err error)
	// FailMessage sets the user-safe error text and FAILED in one guarded
	// write.
	FailMessage(ctx context.Context, id snowflake.ID, userText string) (owned bool, err error)
	// AppendContent adds streamed text to the stored content.
	AppendContent(ctx context.Context, id snowflake.ID, delta string) error

	// SetMetadata replaces the progress record wholesale (fan-out setup).
	SetMetadata(ctx context.Context, id snowflake.ID, meta JobMetadata) error
	// RecordClipResult stores a finished scene attempt (clipPath nil when
	// the scene failed permanently), bumps the completion counter and
	// returns the post-image. Safe under concurrent writers. A scene that
	// already holds a result is left untouched and reported applied=false,
	// so a redelivered task cannot overcount the barrier.
	RecordClipResult(ctx context.Context, id snowflake.ID, scene int, clipPath *string, quotaHit bool) (meta *JobMetadata, applied bool, err error)
	// RecordChunkTranscript stores one chunk's text, bumps the completion
	// counter and returns the post-image. Same redelivery contract as
	// RecordClipResult.
	RecordChunkTranscript(ctx context.Context, id snowflake.ID, chunk int, text string) (meta *JobMetadata, applied bool, err error)

	CreateAttachment(ctx context.Context, att *Attachment) error
	FindAttachment(ctx context.Context, id snowflake.ID) (*Attachment, error)
	SetAttachmentTranscription(ctx context.Context, id snowflake.ID, text string) error
}
