// Package domain holds the conversation state store: conversations, their
// messages, and uploaded attachments. Messages double as job records, so a
// row carries both the visible content and the processing state the worker
// reports against.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Service types a conversation can be bound to.
const (
	ServiceChat          = "chat"
	ServiceImage         = "image_generation"
	ServiceTTS           = "text_to_speech"
	ServiceVideo         = "video_generation"
	ServiceTranscription = "transcription"
)

type Conversation struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	AccountID   snowflake.ID `gorm:"not null;index" json:"account_id"`
	Title       string       `gorm:"type:text;not null" json:"title"`
	Provider    string       `gorm:"type:text;not null" json:"provider"`
	ServiceType string       `gorm:"type:text;not null" json:"service_type"`
	Model       string       `gorm:"type:text" json:"model,omitempty"`
	Pinned      bool         `gorm:"not null;default:false" json:"pinned"`

	// MediaContextURL grounds the whole conversation in an external video
	// or document; every chat turn carries it to the model. AgentID links
	// the conversation to a configured agent persona.
	MediaContextURL string         `gorm:"type:text" json:"media_context_url,omitempty"`
	AgentID         *snowflake.ID  `gorm:"index" json:"agent_id,omitempty"`
	AgentState      datatypes.JSON `json:"agent_state,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Conversation) TableName() string { return "conversations" }

// Message is one turn in a conversation. Assistant messages are created as
// placeholders in a non-terminal status and filled in by the worker; Status
// and JobMetadata track that work.
type Message struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	ConversationID snowflake.ID `gorm:"not null;index" json:"conversation_id"`
	Role           string       `gorm:"type:text;not null" json:"role"`
	Content        string       `gorm:"type:text" json:"content"`
	Status         Status       `gorm:"type:text;not null" json:"status"`
	MediaURL       string       `gorm:"type:text" json:"media_url,omitempty"`

	// ParentID threads a message under the turn it replies to. EditedID is
	// the edit lineage: an edited message gets a fresh row pointing back at
	// the original, with Version bumped.
	ParentID         *snowflake.ID `gorm:"index" json:"parent_id,omitempty"`
	EditedID         *snowflake.ID `gorm:"index" json:"edited_id,omitempty"`
	EditInstructions string        `gorm:"type:text" json:"edit_instructions,omitempty"`
	Version          int           `gorm:"not null;default:1" json:"version"`

	// JobStatus is a short human-readable progress line ("Generating scene
	// 2 of 5"). JobMetadata is the structured progress state; writers bump
	// MetadataVersion so concurrent merges never lose updates.
	JobStatus       string         `gorm:"type:text" json:"job_status,omitempty"`
	JobMetadata     datatypes.JSON `json:"job_metadata,omitempty"`
	MetadataVersion int            `gorm:"not null;default:0" json:"-"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	Attachment *Attachment `gorm:"foreignKey:MessageID" json:"attachment,omitempty"`
}

func (Message) TableName() string { return "messages" }

// Attachment is the single file tied to a message: an upload on user
// messages, a generated artifact on assistant messages.
type Attachment struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id"`
	MessageID     snowflake.ID `gorm:"not null;uniqueIndex" json:"message_id"`
	FileName      string       `gorm:"type:text;not null" json:"file_name"`
	MimeType      string       `gorm:"type:text;not null" json:"mime_type"`
	StoragePath   string       `gorm:"type:text;not null" json:"-"`
	SizeBytes     int64        `gorm:"not null;default:0" json:"size_bytes"`
	Transcription string       `gorm:"type:text" json:"transcription,omitempty"`
	ProviderJobID string       `gorm:"type:text" json:"-"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (Attachment) TableName() string { return "attachments" }
