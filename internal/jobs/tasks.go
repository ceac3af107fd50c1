// Package jobs contains the background pipelines: chat streaming, audio
// transcription fan-outs, image and speech generation, and the multi-stage
// long-video flow. Each pipeline step is an asynq task; the payload carries
// every id the handler needs, so workers share nothing but the stores.
package jobs

import (
	"encoding/json"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
)

// Task type names.
const (
	TypeChat               = "pipeline:chat"
	TypeTranscription      = "pipeline:transcription"
	TypeTranscriptionChunk = "pipeline:transcription_chunk"
	TypeImage              = "pipeline:image"
	TypeTTS                = "pipeline:tts"
	TypeVideoPlan          = "pipeline:video_plan"
	TypeVideoClip          = "pipeline:video_clip"
	TypeVideoStitch        = "pipeline:video_stitch"
	TypeVideoEdit          = "pipeline:video_edit"
)

// Queue names: interactive chat outranks media renders, and video clips get
// their own lane so a large fan-out cannot starve everything else.
const (
	QueueDefault = "default"
	QueueMedia   = "media"
	QueueVideo   = "video"
)

// ChatPayload drives a streamed completion into an assistant placeholder.
type ChatPayload struct {
	AccountID      snowflake.ID `json:"account_id"`
	ConversationID snowflake.ID `json:"conversation_id"`
	MessageID      snowflake.ID `json:"message_id"`
}

// TranscriptionPayload transcribes the attachment on a user message and
// then hands the conversation to the chat pipeline.
type TranscriptionPayload struct {
	AccountID          snowflake.ID `json:"account_id"`
	ConversationID     snowflake.ID `json:"conversation_id"`
	UserMessageID      snowflake.ID `json:"user_message_id"`
	AssistantMessageID snowflake.ID `json:"assistant_message_id"`
	AttachmentID       snowflake.ID `json:"attachment_id"`
	Language           string       `json:"language,omitempty"`
}

// TranscriptionChunkPayload is one slice of a chunked transcription.
type TranscriptionChunkPayload struct {
	AccountID          snowflake.ID `json:"account_id"`
	ConversationID     snowflake.ID `json:"conversation_id"`
	UserMessageID      snowflake.ID `json:"user_message_id"`
	AssistantMessageID snowflake.ID `json:"assistant_message_id"`
	AttachmentID       snowflake.ID `json:"attachment_id"`
	Chunk              int          `json:"chunk"`
	ChunkPath          string       `json:"chunk_path"`
	ChunkDir           string       `json:"chunk_dir"`
	ChunkSeconds       float64      `json:"chunk_seconds"`
	Language           string       `json:"language,omitempty"`
}

// ImagePayload renders one image into an assistant placeholder.
type ImagePayload struct {
	AccountID      snowflake.ID `json:"account_id"`
	ConversationID snowflake.ID `json:"conversation_id"`
	MessageID      snowflake.ID `json:"message_id"`
	Prompt         string       `json:"prompt"`
}

// TTSPayload renders speech audio into an assistant placeholder.
type TTSPayload struct {
	AccountID      snowflake.ID `json:"account_id"`
	ConversationID snowflake.ID `json:"conversation_id"`
	MessageID      snowflake.ID `json:"message_id"`
	Text           string       `json:"text"`
	Voice          string       `json:"voice,omitempty"`
}

// VideoPlanPayload starts the long-video flow: scene planning and fan-out.
type VideoPlanPayload struct {
	AccountID      snowflake.ID `json:"account_id"`
	ConversationID snowflake.ID `json:"conversation_id"`
	MessageID      snowflake.ID `json:"message_id"`
	Prompt         string       `json:"prompt"`
}

// VideoClipPayload generates one scene's clip.
type VideoClipPayload struct {
	AccountID      snowflake.ID `json:"account_id"`
	ConversationID snowflake.ID `json:"conversation_id"`
	MessageID      snowflake.ID `json:"message_id"`
	Scene          int          `json:"scene"`
	Prompt         string       `json:"prompt"`
}

// VideoStitchPayload joins the finished clips of a fan-out.
type VideoStitchPayload struct {
	AccountID      snowflake.ID `json:"account_id"`
	ConversationID snowflake.ID `json:"conversation_id"`
	MessageID      snowflake.ID `json:"message_id"`
}

// VideoEditPayload regenerates one scene of an existing video and splices
// it into a new message version.
type VideoEditPayload struct {
	AccountID       snowflake.ID `json:"account_id"`
	ConversationID  snowflake.ID `json:"conversation_id"`
	MessageID       snowflake.ID `json:"message_id"`
	SourceMessageID snowflake.ID `json:"source_message_id"`
	Instructions    string       `json:"instructions"`
}

func newTask(taskType string, payload any) (*asynq.Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, raw), nil
}

func NewChatTask(p ChatPayload) (*asynq.Task, error) { return newTask(TypeChat, p) }
func NewTranscriptionTask(p TranscriptionPayload) (*asynq.Task, error) {
	return newTask(TypeTranscription, p)
}
func NewTranscriptionChunkTask(p TranscriptionChunkPayload) (*asynq.Task, error) {
	return newTask(TypeTranscriptionChunk, p)
}
func NewImageTask(p ImagePayload) (*asynq.Task, error)         { return newTask(TypeImage, p) }
func NewTTSTask(p TTSPayload) (*asynq.Task, error)             { return newTask(TypeTTS, p) }
func NewVideoPlanTask(p VideoPlanPayload) (*asynq.Task, error) { return newTask(TypeVideoPlan, p) }
func NewVideoClipTask(p VideoClipPayload) (*asynq.Task, error) { return newTask(TypeVideoClip, p) }
func NewVideoStitchTask(p VideoStitchPayload) (*asynq.Task, error) {
	return newTask(TypeVideoStitch, p)
}
func NewVideoEditTask(p VideoEditPayload) (*asynq.Task, error) { return newTask(TypeVideoEdit, p) }
