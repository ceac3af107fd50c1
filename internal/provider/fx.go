package provider

import (
	"github.com/wisdar/engine/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// BuildRegistry wires every provider that has credentials. Registration is
// unconditional so that missing credentials surface as typed errors at call
// time instead of silent "no provider" gaps.
func BuildRegistry(cfg config.Config, log *zap.Logger) *Registry {
	reg := NewRegistry()

	openai := NewOpenAI(cfg.Provider, log)
	reg.RegisterChat(NameOpenAI, openai)
	reg.RegisterImage(NameOpenAI, openai)
	reg.RegisterSpeech(NameOpenAI, openai)

	speechmatics := NewSpeechmatics(cfg, log)
	reg.RegisterTranscriber(NameSpeechmatics, speechmatics)
	// whisper is the fallback transcriber; registration order matters.
	reg.RegisterTranscriber(NameOpenAI, openai)

	reg.RegisterVideo(NameVeo, NewVeo(cfg.Provider, log))

	return reg
}

var Module = fx.Module("provider.registry",
	fx.Provide(BuildRegistry),
)
