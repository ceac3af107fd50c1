package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	convdomain "github.com/wisdar/engine/internal/conversation/domain"
	"github.com/wisdar/engine/internal/notify"
	"github.com/wisdar/engine/internal/provider"
)

func seedAudioMessage(t *testing.T, env *testEnv, conv *convdomain.Conversation, audioBytes int) (*convdomain.Message, *convdomain.Message, *convdomain.Attachment) {
	t.Helper()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "voice.ogg")
	if err := os.WriteFile(path, make([]byte, audioBytes), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	userMsg := env.newMessage(t, conv, convdomain.RoleUser, "", convdomain.StatusTranscribing)
	att := &convdomain.Attachment{
		ID:          env.node.Generate(),
		MessageID:   userMsg.ID,
		FileName:    "voice.ogg",
		MimeType:    "audio/ogg",
		StoragePath: path,
		SizeBytes:   int64(audioBytes),
	}
	if err := env.repo.CreateAttachment(ctx, att); err != nil {
		t.Fatalf("create attachment: %v", err)
	}
	assistant := env.newMessage(t, conv, convdomain.RoleAssistant, "", convdomain.StatusProcessing)
	return userMsg, assistant, att
}

func TestHandleTranscriptionSmallFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.toolkit.duration = 30 * time.Second
	env.registry.RegisterTranscriber(provider.NameSpeechmatics, &fakeTranscriber{text: "hello from audio"})

	conv := env.newConversation(t, convdomain.ServiceChat)
	userMsg, assistant, att := seedAudioMessage(t, env, conv, 1024)

	task := mustTask(NewTranscriptionTask(TranscriptionPayload{
		AccountID:          env.accountID,
		ConversationID:     conv.ID,
		UserMessageID:      userMsg.ID,
		AssistantMessageID: assistant.ID,
		AttachmentID:       att.ID,
	}))
	if err := env.pipelines.HandleTranscription(ctx, task); err != nil {
		t.Fatalf("handle transcription: %v", err)
	}

	gotAtt, err := env.repo.FindAttachment(ctx, att.ID)
	if err != nil {
		t.Fatalf("find attachment: %v", err)
	}
	if gotAtt.Transcription != "hello from audio" {
		t.Fatalf("expected transcription stored, got %q", gotAtt.Transcription)
	}
	gotUser := env.message(t, userMsg.ID)
	if gotUser.Content != "hello from audio" {
		t.Fatalf("expected transcript mirrored onto user message, got %q", gotUser.Content)
	}

	events := env.bus.typed(notify.EventTranscriptionComplete)
	if len(events) != 1 {
		t.Fatalf("expected 1 transcription_complete, got %d", len(events))
	}
	if len(env.enq.byType(TypeChat)) != 1 {
		t.Fatalf("expected chat task enqueued")
	}

	// 30 seconds at 1 credit each
	want := decimal.NewFromInt(10000 - 30)
	if got := env.balance(t); !got.Equal(want) {
		t.Fatalf("expected balance %s, got %s", want, got)
	}
}

func TestHandleTranscriptionFallback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.toolkit.duration = 10 * time.Second
	primary := &fakeTranscriber{err: provider.Transient(errors.New("asr down"))}
	fallback := &fakeTranscriber{text: "rescued text"}
	env.registry.RegisterTranscriber(provider.NameSpeechmatics, primary)
	env.registry.RegisterTranscriber(provider.NameOpenAI, fallback)

	conv := env.newConversation(t, convdomain.ServiceChat)
	userMsg, assistant, att := seedAudioMessage(t, env, conv, 512)

	task := mustTask(NewTranscriptionTask(TranscriptionPayload{
		AccountID:          env.accountID,
		ConversationID:     conv.ID,
		UserMessageID:      userMsg.ID,
		AssistantMessageID: assistant.ID,
		AttachmentID:       att.ID,
	}))
	if err := env.pipelines.HandleTranscription(ctx, task); err != nil {
		t.Fatalf("handle transcription: %v", err)
	}

	if primary.calls != 1 || fallback.calls != 1 {
		t.Fatalf("expected primary then fallback, got %d/%d", primary.calls, fallback.calls)
	}
	gotAtt, err := env.repo.FindAttachment(ctx, att.ID)
	if err != nil {
		t.Fatalf("find attachment: %v", err)
	}
	if gotAtt.Transcription != "rescued text" {
		t.Fatalf("expected fallback transcript, got %q", gotAtt.Transcription)
	}
}

func TestHandleTranscriptionFanOutAndJoin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// 3 chunks: 25 bytes over a 10 byte limit
	env.cfg.Worker.AudioChunkMaxBytes = 10
	env.pipelines.cfg.Worker.AudioChunkMaxBytes = 10
	env.toolkit.duration = 30 * time.Second
	env.registry.RegisterTranscriber(provider.NameSpeechmatics, &fakeTranscriber{})

	conv := env.newConversation(t, convdomain.ServiceChat)
	userMsg, assistant, att := seedAudioMessage(t, env, conv, 25)

	task := mustTask(NewTranscriptionTask(TranscriptionPayload{
		AccountID:          env.accountID,
		ConversationID:     conv.ID,
		UserMessageID:      userMsg.ID,
		AssistantMessageID: assistant.ID,
		AttachmentID:       att.ID,
	}))
	if err := env.pipelines.HandleTranscription(ctx, task); err != nil {
		t.Fatalf("handle transcription: %v", err)
	}

	chunkTasks := env.enq.byType(TypeTranscriptionChunk)
	if len(chunkTasks) != 3 {
		t.Fatalf("expected 3 chunk tasks, got %d", len(chunkTasks))
	}

	// run the chunks out of order, with chunk 0 redelivered once
	for _, i := range []int{2, 0, 0, 1} {
		if err := env.pipelines.HandleTranscriptionChunk(ctx, chunkTasks[i]); err != nil {
			t.Fatalf("handle chunk %d: %v", i, err)
		}
	}

	gotAtt, err := env.repo.FindAttachment(ctx, att.ID)
	if err != nil {
		t.Fatalf("find attachment: %v", err)
	}
	want := "transcript of chunk_000.wav transcript of chunk_001.wav transcript of chunk_002.wav"
	if gotAtt.Transcription != want {
		t.Fatalf("expected ordered join, got %q", gotAtt.Transcription)
	}

	gotUser := env.message(t, userMsg.ID)
	if gotUser.Content != want {
		t.Fatalf("expected transcript mirrored onto user message, got %q", gotUser.Content)
	}

	if len(env.enq.byType(TypeChat)) != 1 {
		t.Fatalf("expected exactly one chat task after the join")
	}
	if len(env.bus.typed(notify.EventTranscriptionComplete)) != 1 {
		t.Fatalf("expected exactly one transcription_complete")
	}

	// 30 seconds at 1 credit each; the redelivered chunk bills nothing
	wantBalance := decimal.NewFromInt(10000 - 30)
	if got := env.balance(t); !got.Equal(wantBalance) {
		t.Fatalf("expected balance %s, got %s", wantBalance, got)
	}
}

func TestHandleTranscriptionChunkFailureFailsWhole(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.cfg.Worker.AudioChunkMaxBytes = 10
	env.pipelines.cfg.Worker.AudioChunkMaxBytes = 10
	env.toolkit.duration = 20 * time.Second
	env.registry.RegisterTranscriber(provider.NameSpeechmatics, &fakeTranscriber{err: errors.New("hard failure")})

	conv := env.newConversation(t, convdomain.ServiceChat)
	userMsg, assistant, att := seedAudioMessage(t, env, conv, 25)

	task := mustTask(NewTranscriptionTask(TranscriptionPayload{
		AccountID:          env.accountID,
		ConversationID:     conv.ID,
		UserMessageID:      userMsg.ID,
		AssistantMessageID: assistant.ID,
		AttachmentID:       att.ID,
	}))
	if err := env.pipelines.HandleTranscription(ctx, task); err != nil {
		t.Fatalf("handle transcription: %v", err)
	}

	chunkTasks := env.enq.byType(TypeTranscriptionChunk)
	if len(chunkTasks) == 0 {
		t.Fatalf("expected chunk fan-out")
	}
	if err := env.pipelines.HandleTranscriptionChunk(ctx, chunkTasks[0]); err != nil {
		t.Fatalf("handle chunk: %v", err)
	}

	got := env.message(t, assistant.ID)
	if got.Status != convdomain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}

	// the remaining chunks see the terminal message and stop quietly
	if err := env.pipelines.HandleTranscriptionChunk(ctx, chunkTasks[1]); err != nil {
		t.Fatalf("handle stale chunk: %v", err)
	}
	if len(env.bus.typed(notify.EventTaskFailed)) != 1 {
		t.Fatalf("expected a single task_failed event")
	}

	var payload TranscriptionChunkPayload
	if err := json.Unmarshal(chunkTasks[0].Payload(), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if _, err := os.Stat(payload.ChunkDir); !os.IsNotExist(err) {
		t.Fatalf("expected chunk dir cleanup, stat err %v", err)
	}
}
