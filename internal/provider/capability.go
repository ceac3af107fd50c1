// Package provider dispatches AI work to external services through a
// registry of typed capabilities. Pipelines never branch on provider names;
// they ask the registry for a capability and get a typed error when the
// deployment lacks it.
package provider

import (
	"context"
	"io"
)

// ChatMessage is one turn of model input.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest describes a completion call.
type ChatRequest struct {
	Model    string
	Messages []ChatMessage
	// EnableSearch lets the model call the web search tool mid-completion.
	EnableSearch bool
}

// ChatStreamer produces model text. StreamText invokes onDelta for every
// content fragment as it arrives and returns the accumulated full text;
// Complete waits for the whole answer.
type ChatStreamer interface {
	StreamText(ctx context.Context, req ChatRequest, onDelta func(delta string) error) (string, error)
	Complete(ctx context.Context, req ChatRequest) (string, error)
}

// Transcriber turns an audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, path, mimeType, language string) (string, error)
}

// ImageGenerator renders a prompt and returns the remote URL of the result.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (string, error)
}

// SpeechSynthesizer renders text to audio bytes.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

// ClipOperation is a handle on an async video generation.
type ClipOperation struct {
	ID string
	// Done with a non-empty URL means the clip is ready for download.
	Done bool
	URL  string
}

// VideoGenerator drives long-running clip generation: start, poll, fetch.
type VideoGenerator interface {
	StartClip(ctx context.Context, prompt string, seconds int) (ClipOperation, error)
	PollClip(ctx context.Context, op ClipOperation) (ClipOperation, error)
	DownloadClip(ctx context.Context, op ClipOperation) (io.ReadCloser, error)
}
