package jobs

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	convdomain "github.com/wisdar/engine/internal/conversation/domain"
	"github.com/wisdar/engine/internal/notify"
	"github.com/wisdar/engine/internal/provider"
)

func TestHandleChatStreamsAndBills(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	chat := &fakeChat{deltas: []string{"Hello", " there", " friend"}}
	env.registry.RegisterChat(provider.NameOpenAI, chat)

	conv := env.newConversation(t, convdomain.ServiceChat)
	env.newMessage(t, conv, convdomain.RoleUser, "tell me something nice", convdomain.StatusComplete)
	placeholder := env.newMessage(t, conv, convdomain.RoleAssistant, "", convdomain.StatusProcessing)

	task := mustTask(NewChatTask(ChatPayload{
		AccountID:      env.accountID,
		ConversationID: conv.ID,
		MessageID:      placeholder.ID,
	}))
	if err := env.pipelines.HandleChat(ctx, task); err != nil {
		t.Fatalf("handle chat: %v", err)
	}

	got := env.message(t, placeholder.ID)
	if got.Status != convdomain.StatusComplete {
		t.Fatalf("expected COMPLETE, got %s", got.Status)
	}
	if got.Content != "Hello there friend" {
		t.Fatalf("expected full streamed text, got %q", got.Content)
	}

	if n := len(env.bus.typed(notify.EventStreamStart)); n != 1 {
		t.Fatalf("expected 1 stream_start, got %d", n)
	}
	if n := len(env.bus.typed(notify.EventStreamChunk)); n != 3 {
		t.Fatalf("expected 3 stream_chunk events, got %d", n)
	}
	if n := len(env.bus.typed(notify.EventStreamEnd)); n != 1 {
		t.Fatalf("expected 1 stream_end, got %d", n)
	}

	// 4 input words at 1 + 3 output words at 2 = 10
	want := decimal.NewFromInt(10000 - 10)
	if got := env.balance(t); !got.Equal(want) {
		t.Fatalf("expected balance %s, got %s", want, got)
	}
}

func TestHandleChatGroundsInMediaContext(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	chat := &fakeChat{deltas: []string{"a dog ", "catches a ball"}}
	env.registry.RegisterChat(provider.NameOpenAI, chat)

	conv := env.newConversation(t, convdomain.ServiceChat)
	if err := env.db.Model(&convdomain.Conversation{}).
		Where("id = ?", conv.ID).
		Update("media_context_url", "https://example.test/talk.mp4").Error; err != nil {
		t.Fatalf("set media context: %v", err)
	}
	env.newMessage(t, conv, convdomain.RoleUser, "what happens in it?", convdomain.StatusComplete)
	placeholder := env.newMessage(t, conv, convdomain.RoleAssistant, "", convdomain.StatusProcessing)

	task := mustTask(NewChatTask(ChatPayload{
		AccountID:      env.accountID,
		ConversationID: conv.ID,
		MessageID:      placeholder.ID,
	}))
	if err := env.pipelines.HandleChat(ctx, task); err != nil {
		t.Fatalf("handle chat: %v", err)
	}

	reqs := chat.requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 provider request, got %d", len(reqs))
	}
	msgs := reqs[0].Messages
	if len(msgs) != 2 {
		t.Fatalf("expected system message plus user turn, got %d messages", len(msgs))
	}
	if msgs[0].Role != convdomain.RoleSystem {
		t.Fatalf("expected leading system message, got role %q", msgs[0].Role)
	}
	if !strings.Contains(msgs[0].Content, "https://example.test/talk.mp4") {
		t.Fatalf("expected media url in system message, got %q", msgs[0].Content)
	}
	if msgs[1].Role != convdomain.RoleUser || msgs[1].Content != "what happens in it?" {
		t.Fatalf("unexpected user turn %+v", msgs[1])
	}
}

func TestHandleChatInsufficientCredits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.registry.RegisterChat(provider.NameOpenAI, &fakeChat{deltas: []string{"x"}})
	if err := env.db.Exec(
		`UPDATE accounts SET balance = ? WHERE id = ?`, decimal.Zero, env.accountID,
	).Error; err != nil {
		t.Fatalf("drain balance: %v", err)
	}

	conv := env.newConversation(t, convdomain.ServiceChat)
	env.newMessage(t, conv, convdomain.RoleUser, "hello", convdomain.StatusComplete)
	placeholder := env.newMessage(t, conv, convdomain.RoleAssistant, "", convdomain.StatusProcessing)

	task := mustTask(NewChatTask(ChatPayload{
		AccountID:      env.accountID,
		ConversationID: conv.ID,
		MessageID:      placeholder.ID,
	}))
	if err := env.pipelines.HandleChat(ctx, task); err != nil {
		t.Fatalf("handle chat: %v", err)
	}

	got := env.message(t, placeholder.ID)
	if got.Status != convdomain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if got.Content == "" {
		t.Fatalf("expected user-safe failure text")
	}
	if n := len(env.bus.typed(notify.EventTaskFailed)); n != 1 {
		t.Fatalf("expected 1 task_failed, got %d", n)
	}
	if n := len(env.bus.typed(notify.EventStreamStart)); n != 0 {
		t.Fatalf("expected no stream to start, got %d", n)
	}
}

func TestHandleChatSkipsTerminalMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	chat := &fakeChat{deltas: []string{"late"}}
	env.registry.RegisterChat(provider.NameOpenAI, chat)

	conv := env.newConversation(t, convdomain.ServiceChat)
	env.newMessage(t, conv, convdomain.RoleUser, "hello", convdomain.StatusComplete)
	placeholder := env.newMessage(t, conv, convdomain.RoleAssistant, "done already", convdomain.StatusComplete)

	task := mustTask(NewChatTask(ChatPayload{
		AccountID:      env.accountID,
		ConversationID: conv.ID,
		MessageID:      placeholder.ID,
	}))
	if err := env.pipelines.HandleChat(ctx, task); err != nil {
		t.Fatalf("handle chat: %v", err)
	}

	if chat.streamCalls != 0 {
		t.Fatalf("expected no provider call on terminal message")
	}
	if got := env.balance(t); !got.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("expected untouched balance, got %s", got)
	}
	got := env.message(t, placeholder.ID)
	if got.Content != "done already" {
		t.Fatalf("expected content untouched, got %q", got.Content)
	}
}

func TestHandleChatTransientFailureFailsOnLastAttempt(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.registry.RegisterChat(provider.NameOpenAI, &fakeChat{
		streamErr: provider.Transient(context.DeadlineExceeded),
	})

	conv := env.newConversation(t, convdomain.ServiceChat)
	env.newMessage(t, conv, convdomain.RoleUser, "hello", convdomain.StatusComplete)
	placeholder := env.newMessage(t, conv, convdomain.RoleAssistant, "", convdomain.StatusProcessing)

	// Without asynq task metadata in the context, the handler treats the
	// run as the final attempt and terminates the message.
	task := mustTask(NewChatTask(ChatPayload{
		AccountID:      env.accountID,
		ConversationID: conv.ID,
		MessageID:      placeholder.ID,
	}))
	if err := env.pipelines.HandleChat(ctx, task); err != nil {
		t.Fatalf("handle chat: %v", err)
	}

	got := env.message(t, placeholder.ID)
	if got.Status != convdomain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
}

func TestBuildChatContextSubstitutesTranscription(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv := env.newConversation(t, convdomain.ServiceChat)
	voice := env.newMessage(t, conv, convdomain.RoleUser, "", convdomain.StatusComplete)
	att := &convdomain.Attachment{
		ID:            env.node.Generate(),
		MessageID:     voice.ID,
		FileName:      "voice.ogg",
		MimeType:      "audio/ogg",
		StoragePath:   "/tmp/voice.ogg",
		Transcription: "spoken words",
	}
	if err := env.repo.CreateAttachment(ctx, att); err != nil {
		t.Fatalf("create attachment: %v", err)
	}
	env.newMessage(t, conv, convdomain.RoleAssistant, "earlier reply", convdomain.StatusComplete)
	placeholder := env.newMessage(t, conv, convdomain.RoleAssistant, "", convdomain.StatusProcessing)

	history, err := env.repo.ListMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	messages, lastUser := buildChatContext(conv, history, placeholder.ID)

	if len(messages) != 2 {
		t.Fatalf("expected 2 context messages, got %d", len(messages))
	}
	if messages[0].Content != "spoken words" {
		t.Fatalf("expected transcription substitution, got %q", messages[0].Content)
	}
	if lastUser != "spoken words" {
		t.Fatalf("expected last user text from transcription, got %q", lastUser)
	}
}
