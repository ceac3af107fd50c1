package provider

import (
	"context"
	"errors"
	"testing"
)

type fakeTranscriber struct{ name string }

func (f *fakeTranscriber) Transcribe(ctx context.Context, path, mimeType, language string) (string, error) {
	return f.name, nil
}

func TestRegistryUnknownProvider(t *testing.T) {
	reg := NewRegistry()

	if _, err := reg.Chat("nope"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := reg.Video("nope"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestRegistryFallbackTranscriber(t *testing.T) {
	reg := NewRegistry()
	primary := &fakeTranscriber{name: "primary"}
	secondary := &fakeTranscriber{name: "secondary"}
	reg.RegisterTranscriber("primary", primary)
	reg.RegisterTranscriber("secondary", secondary)

	got, name := reg.FallbackTranscriber("primary")
	if got != secondary || name != "secondary" {
		t.Fatalf("expected secondary fallback, got %q", name)
	}

	got, name = reg.FallbackTranscriber("secondary")
	if got != primary || name != "primary" {
		t.Fatalf("expected primary fallback, got %q", name)
	}
}

func TestRegistryFallbackTranscriberNone(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterTranscriber("only", &fakeTranscriber{name: "only"})

	if got, name := reg.FallbackTranscriber("only"); got != nil || name != "" {
		t.Fatalf("expected no fallback, got %q", name)
	}
}

func TestErrorClassification(t *testing.T) {
	transient := Transient(errors.New("boom"))
	if !IsTransient(transient) {
		t.Fatalf("expected transient")
	}
	if IsTransient(ErrQuotaExhausted) {
		t.Fatalf("quota is not transient")
	}
	if !IsQuota(ErrQuotaExhausted) {
		t.Fatalf("expected quota")
	}
	if !IsRetryable(transient) || !IsRetryable(ErrQuotaExhausted) {
		t.Fatalf("both transient and quota are retryable")
	}
	if IsRetryable(ErrContentPolicy) || IsRetryable(ErrNotConfigured) {
		t.Fatalf("policy and configuration errors are never retryable")
	}
	if Transient(nil) != nil {
		t.Fatalf("wrapping nil must stay nil")
	}
}
