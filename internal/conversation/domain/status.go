package domain

// Status is the lifecycle of an assistant message's background work.
type Status string

const (
	StatusProcessing   Status = "PROCESSING"
	StatusTranscribing Status = "TRANSCRIBING"
	StatusThinking     Status = "THINKING"
	StatusStreaming    Status = "STREAMING"
	StatusComplete     Status = "COMPLETE"
	StatusFailed       Status = "FAILED"
)

// Terminal reports whether the status can never change again. The store
// refuses any write that would overwrite a terminal status.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusProcessing, StatusTranscribing, StatusThinking,
		StatusStreaming, StatusComplete, StatusFailed:
		return true
	}
	return false
}
