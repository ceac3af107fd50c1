package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	convdomain "github.com/wisdar/engine/internal/conversation/domain"
	creditdomain "github.com/wisdar/engine/internal/credit/domain"
	"github.com/wisdar/engine/internal/notify"
	"github.com/wisdar/engine/internal/provider"
	"go.uber.org/zap"
)

// HandleChat streams a completion into the assistant placeholder. Input
// words are billed before the provider call; output words after the stream
// lands, so a retried task never double-charges the input side against a
// message someone else already finished.
func (p *Pipelines) HandleChat(ctx context.Context, t *asynq.Task) error {
	var payload ChatPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}

	msg, owned, err := p.claim(ctx, payload.MessageID)
	if err != nil {
		return err
	}
	if !owned {
		return nil
	}

	conv, err := p.repo.FindConversation(ctx, payload.AccountID, payload.ConversationID)
	if err != nil {
		p.fail(ctx, payload.AccountID, payload.MessageID, err)
		return nil
	}

	if !p.setStatus(ctx, payload.AccountID, payload.MessageID, convdomain.StatusThinking, "Thinking...") {
		return nil
	}

	history, err := p.repo.ListMessages(ctx, payload.ConversationID)
	if err != nil {
		return p.finishOrRetry(ctx, payload.AccountID, payload.MessageID, err)
	}
	promptMessages, lastUserText := buildChatContext(conv, history, payload.MessageID)

	if err := p.credits.Deduct(ctx, payload.AccountID, creditdomain.KeyChatInput,
		decimal.NewFromInt(int64(countWords(lastUserText))),
		fmt.Sprintf("chat_input:%s", payload.MessageID)); err != nil {
		return p.finishOrRetry(ctx, payload.AccountID, payload.MessageID, err)
	}
	if p.metrics != nil {
		p.metrics.RecordCreditDebit()
	}

	chat, err := p.registry.Chat(conv.Provider)
	if err != nil {
		p.fail(ctx, payload.AccountID, payload.MessageID, err)
		return nil
	}

	if !p.setStatus(ctx, payload.AccountID, payload.MessageID, convdomain.StatusStreaming, "") {
		return nil
	}
	p.bus.Publish(ctx, payload.AccountID, notify.EventStreamStart, notify.StreamStartPayload{Message: msg})

	full, err := chat.StreamText(ctx, provider.ChatRequest{
		Model:        conv.Model,
		Messages:     promptMessages,
		EnableSearch: conv.ServiceType == convdomain.ServiceChat,
	}, func(delta string) error {
		p.bus.Publish(ctx, payload.AccountID, notify.EventStreamChunk, notify.StreamChunkPayload{
			MessageID: payload.MessageID,
			Content:   delta,
		})
		return nil
	})
	if err != nil {
		return p.finishOrRetry(ctx, payload.AccountID, payload.MessageID, err)
	}

	owned, err = p.repo.CompleteMessage(ctx, payload.MessageID, full, "")
	if err != nil {
		return p.finishOrRetry(ctx, payload.AccountID, payload.MessageID, err)
	}
	if !owned {
		return nil
	}

	// Output is billed after the fact: the text already streamed, so a
	// debit failure here is logged and absorbed rather than clawed back.
	if err := p.credits.Deduct(ctx, payload.AccountID, creditdomain.KeyChatOutput,
		decimal.NewFromInt(int64(countWords(full))),
		fmt.Sprintf("chat_output:%s", payload.MessageID)); err != nil {
		p.log.Warn("output-side debit failed",
			zap.String("message_id", payload.MessageID.String()), zap.Error(err))
	} else if p.metrics != nil {
		p.metrics.RecordCreditDebit()
	}

	p.bus.Publish(ctx, payload.AccountID, notify.EventStreamEnd, notify.StreamEndPayload{
		MessageID: payload.MessageID,
	})
	return p.repo.TouchConversation(ctx, payload.ConversationID, "")
}

// buildChatContext converts stored history into provider messages, stopping
// before the placeholder being filled. A conversation grounded in external
// media leads with a system message naming it. Audio messages contribute
// their attachment transcription when the typed content is empty.
func buildChatContext(conv *convdomain.Conversation, history []*convdomain.Message, placeholderID snowflake.ID) ([]provider.ChatMessage, string) {
	out := make([]provider.ChatMessage, 0, len(history)+1)
	if conv.MediaContextURL != "" {
		out = append(out, provider.ChatMessage{
			Role:    convdomain.RoleSystem,
			Content: fmt.Sprintf("The user is discussing the media at %s. Answer questions in the context of that media.", conv.MediaContextURL),
		})
	}
	lastUserText := ""
	for _, m := range history {
		if m.ID == placeholderID {
			break
		}
		content := m.Content
		if content == "" && m.Attachment != nil && m.Attachment.Transcription != "" {
			content = m.Attachment.Transcription
		}
		if content == "" || m.Status == convdomain.StatusFailed {
			continue
		}
		out = append(out, provider.ChatMessage{Role: m.Role, Content: content})
		if m.Role == convdomain.RoleUser {
			lastUserText = content
		}
	}
	return out, lastUserText
}
