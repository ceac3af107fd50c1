package provider

import (
	"fmt"
	"sync"
)

// Well-known provider ids.
const (
	NameOpenAI       = "openai"
	NameSpeechmatics = "speechmatics"
	NameVeo          = "veo"
)

// Registry maps provider ids to the capabilities they implement. Lookups
// for an unregistered pair return ErrNotConfigured wrapped with the id, so
// pipelines fail loudly instead of silently skipping work.
type Registry struct {
	mu           sync.RWMutex
	chat         map[string]ChatStreamer
	transcribers map[string]Transcriber
	images       map[string]ImageGenerator
	speech       map[string]SpeechSynthesizer
	video        map[string]VideoGenerator

	// transcriberOrder records registration order for fallback selection.
	transcriberOrder []string
}

func NewRegistry() *Registry {
	return &Registry{
		chat:         make(map[string]ChatStreamer),
		transcribers: make(map[string]Transcriber),
		images:       make(map[string]ImageGenerator),
		speech:       make(map[string]SpeechSynthesizer),
		video:        make(map[string]VideoGenerator),
	}
}

func (r *Registry) RegisterChat(name string, c ChatStreamer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chat[name] = c
}

func (r *Registry) RegisterTranscriber(name string, t Transcriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transcribers[name]; !ok {
		r.transcriberOrder = append(r.transcriberOrder, name)
	}
	r.transcribers[name] = t
}

func (r *Registry) RegisterImage(name string, g ImageGenerator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images[name] = g
}

func (r *Registry) RegisterSpeech(name string, s SpeechSynthesizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speech[name] = s
}

func (r *Registry) RegisterVideo(name string, v VideoGenerator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.video[name] = v
}

func (r *Registry) Chat(name string) (ChatStreamer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chat[name]
	if !ok {
		return nil, notConfigured("chat", name)
	}
	return c, nil
}

func (r *Registry) Transcriber(name string) (Transcriber, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transcribers[name]
	if !ok {
		return nil, notConfigured("transcription", name)
	}
	return t, nil
}

// FallbackTranscriber returns the first registered transcriber other than
// exclude, or nil when the deployment has no second option.
func (r *Registry) FallbackTranscriber(exclude string) (Transcriber, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.transcriberOrder {
		if name == exclude {
			continue
		}
		return r.transcribers[name], name
	}
	return nil, ""
}

func (r *Registry) Image(name string) (ImageGenerator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.images[name]
	if !ok {
		return nil, notConfigured("image", name)
	}
	return g, nil
}

func (r *Registry) Speech(name string) (SpeechSynthesizer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.speech[name]
	if !ok {
		return nil, notConfigured("speech", name)
	}
	return s, nil
}

func (r *Registry) Video(name string) (VideoGenerator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.video[name]
	if !ok {
		return nil, notConfigured("video", name)
	}
	return v, nil
}

func notConfigured(capability, name string) error {
	return fmt.Errorf("%w: no %s provider registered as %q", ErrNotConfigured, capability, name)
}
