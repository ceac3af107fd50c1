package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	convdomain "github.com/wisdar/engine/internal/conversation/domain"
	creditdomain "github.com/wisdar/engine/internal/credit/domain"
	"github.com/wisdar/engine/internal/notify"
)

// HandleImage renders one image, stores it locally and completes the
// placeholder with the served URL.
func (p *Pipelines) HandleImage(ctx context.Context, t *asynq.Task) error {
	var payload ImagePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}

	_, owned, err := p.claim(ctx, payload.MessageID)
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
	if !p.setStatus(ctx, payload.AccountID, payload.MessageID, convdomain.StatusThinking, "Generating image...") {
		return nil
	}

	if err := p.credits.Deduct(ctx, payload.AccountID, creditdomain.KeyImageGeneration, decimal.NewFromInt(1),
		fmt.Sprintf("image:%s", payload.MessageID)); err != nil {
		return p.finishOrRetry(ctx, payload.AccountID, payload.MessageID, err)
	}
	if p.metrics != nil {
		p.metrics.RecordCreditDebit()
	}

	generator, err := p.registry.Image(conv.Provider)
	if err != nil {
		p.fail(ctx, payload.AccountID, payload.MessageID, err)
		return nil
	}
	remoteURL, err := generator.GenerateImage(ctx, payload.Prompt)
	if err != nil {
		return p.finishOrRetry(ctx, payload.AccountID, payload.MessageID, err)
	}

	fileName := fmt.Sprintf("image_%s.png", payload.MessageID)
	stored, err := p.fetchToStorage(ctx, remoteURL, fileName)
	if err != nil {
		return p.finishOrRetry(ctx, payload.AccountID, payload.MessageID, err)
	}

	if err := p.attachAndComplete(ctx, payload.AccountID, payload.MessageID, stored, "image/png",
		notify.EventImageComplete); err != nil {
		return p.finishOrRetry(ctx, payload.AccountID, payload.MessageID, err)
	}
	return nil
}

// HandleTTS renders speech for the given text and completes the
// placeholder with the audio URL.
func (p *Pipelines) HandleTTS(ctx context.Context, t *asynq.Task) error {
	var payload TTSPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}

	_, owned, err := p.claim(ctx, payload.MessageID)
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
	if !p.setStatus(ctx, payload.AccountID, payload.MessageID, convdomain.StatusThinking, "Generating speech...") {
		return nil
	}

	if err := p.credits.Deduct(ctx, payload.AccountID, creditdomain.KeyTTSCharacter,
		decimal.NewFromInt(int64(len([]rune(payload.Text)))),
		fmt.Sprintf("tts:%s", payload.MessageID)); err != nil {
		return p.finishOrRetry(ctx, payload.AccountID, payload.MessageID, err)
	}
	if p.metrics != nil {
		p.metrics.RecordCreditDebit()
	}

	synth, err := p.registry.Speech(conv.Provider)
	if err != nil {
		p.fail(ctx, payload.AccountID, payload.MessageID, err)
		return nil
	}
	audio, err := synth.Synthesize(ctx, payload.Text, payload.Voice)
	if err != nil {
		return p.finishOrRetry(ctx, payload.AccountID, payload.MessageID, err)
	}

	fileName := fmt.Sprintf("speech_%s.mp3", payload.MessageID)
	stored, err := p.writeToStorage(fileName, bytes.NewReader(audio))
	if err != nil {
		return p.finishOrRetry(ctx, payload.AccountID, payload.MessageID, err)
	}

	if err := p.attachAndComplete(ctx, payload.AccountID, payload.MessageID, stored, "audio/mpeg",
		notify.EventTTSComplete); err != nil {
		return p.finishOrRetry(ctx, payload.AccountID, payload.MessageID, err)
	}
	return nil
}

// attachAndComplete records the stored artifact, completes the message and
// publishes the completion event. A lost ownership race is not an error.
func (p *Pipelines) attachAndComplete(ctx context.Context, accountID, messageID snowflake.ID, storedPath, mimeType, event string) error {
	var size int64
	if info, err := os.Stat(storedPath); err == nil {
		size = info.Size()
	}
	att := &convdomain.Attachment{
		ID:          p.genID.Generate(),
		MessageID:   messageID,
		FileName:    filepath.Base(storedPath),
		MimeType:    mimeType,
		StoragePath: storedPath,
		SizeBytes:   size,
	}
	if err := p.repo.CreateAttachment(ctx, att); err != nil {
		return err
	}

	url := serveURL(storedPath)
	owned, err := p.repo.CompleteMessage(ctx, messageID, "", url)
	if err != nil {
		return err
	}
	if !owned {
		return nil
	}
	p.bus.Publish(ctx, accountID, event, notify.MediaCompletePayload{
		MessageID: messageID,
		MediaURL:  url,
	})
	return nil
}
