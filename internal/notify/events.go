package notify

import "github.com/bwmarrin/snowflake"

// Event vocabulary published by the pipelines. Clients treat the
// conversation store as the source of truth; these only accelerate it.
const (
	EventStreamStart           = "stream_start"
	EventStreamChunk           = "stream_chunk"
	EventStreamEnd             = "stream_end"
	EventTranscriptionComplete = "transcription_complete"
	EventVideoProgressUpdate   = "video_progress_update"
	EventImageComplete         = "image_complete"
	EventVideoComplete         = "video_complete"
	EventTTSComplete           = "tts_complete"
	EventTaskFailed            = "task_failed"
	EventCreditsUpdate         = "credits_update"
)

// StreamStartPayload carries the freshly created assistant message.
type StreamStartPayload struct {
	Message any `json:"message"`
}

// StreamChunkPayload carries one incremental text fragment.
type StreamChunkPayload struct {
	MessageID snowflake.ID `json:"message_id"`
	Content   string       `json:"content"`
}

// StreamEndPayload marks the end of a token stream.
type StreamEndPayload struct {
	MessageID snowflake.ID `json:"message_id"`
}

// TranscriptionCompletePayload carries the resolved transcript.
type TranscriptionCompletePayload struct {
	MessageID snowflake.ID `json:"message_id"`
	Content   string       `json:"content"`
}

// VideoProgressPayload reports multi-step pipeline progress.
type VideoProgressPayload struct {
	MessageID snowflake.ID `json:"message_id"`
	Status    string       `json:"status,omitempty"`
	Metadata  any          `json:"metadata,omitempty"`
}

// MediaCompletePayload carries the resulting media URL.
type MediaCompletePayload struct {
	MessageID snowflake.ID `json:"message_id"`
	MediaURL  string       `json:"media_url"`
}

// TaskFailedPayload carries a user-facing failure explanation.
type TaskFailedPayload struct {
	MessageID snowflake.ID `json:"message_id"`
	Error     string       `json:"error"`
}

// CreditsUpdatePayload announces a new balance.
type CreditsUpdatePayload struct {
	AccountID snowflake.ID `json:"account_id"`
	Balance   string       `json:"balance"`
}
