package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	convdomain "github.com/wisdar/engine/internal/conversation/domain"
	creditdomain "github.com/wisdar/engine/internal/credit/domain"
	"github.com/wisdar/engine/internal/media"
	"github.com/wisdar/engine/internal/notify"
	"github.com/wisdar/engine/internal/provider"
	"go.uber.org/zap"
)

// HandleTranscription turns the audio attachment on a user message into
// text. Small files go straight to the provider; anything over the chunk
// threshold fans out into per-chunk tasks joined by the progress record.
func (p *Pipelines) HandleTranscription(ctx context.Context, t *asynq.Task) error {
	var payload TranscriptionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}

	_, owned, err := p.claim(ctx, payload.AssistantMessageID)
	if err != nil {
		return err
	}
	if !owned {
		return nil
	}
	if !p.setStatus(ctx, payload.AccountID, payload.AssistantMessageID, convdomain.StatusTranscribing, "Transcribing audio...") {
		return nil
	}

	att, err := p.repo.FindAttachment(ctx, payload.AttachmentID)
	if err != nil {
		p.fail(ctx, payload.AccountID, payload.AssistantMessageID, err)
		return nil
	}

	info, err := os.Stat(att.StoragePath)
	if err != nil {
		p.fail(ctx, payload.AccountID, payload.AssistantMessageID, err)
		return nil
	}
	duration, err := p.media.ProbeDuration(ctx, att.StoragePath)
	if err != nil {
		return p.finishOrRetry(ctx, payload.AccountID, payload.AssistantMessageID, err)
	}

	plan := media.PlanChunks(duration, info.Size(), p.cfg.Worker.AudioChunkMaxBytes)
	if len(plan) == 1 {
		return p.transcribeWhole(ctx, payload, att, duration)
	}
	return p.fanOutChunks(ctx, payload, att, plan)
}

func (p *Pipelines) transcribeWhole(ctx context.Context, payload TranscriptionPayload, att *convdomain.Attachment, duration time.Duration) error {
	if err := p.credits.Deduct(ctx, payload.AccountID, creditdomain.KeyTranscriptionSecond,
		decimal.NewFromFloat(duration.Seconds()),
		fmt.Sprintf("transcription:%s", payload.AssistantMessageID)); err != nil {
		return p.finishOrRetry(ctx, payload.AccountID, payload.AssistantMessageID, err)
	}
	if p.metrics != nil {
		p.metrics.RecordCreditDebit()
	}

	text, err := p.transcribeWithFallback(ctx, att.StoragePath, att.MimeType, payload.Language)
	if err != nil {
		return p.finishOrRetry(ctx, payload.AccountID, payload.AssistantMessageID, err)
	}
	return p.completeTranscription(ctx, payload, text)
}

func (p *Pipelines) fanOutChunks(ctx context.Context, payload TranscriptionPayload, att *convdomain.Attachment, plan []media.Chunk) error {
	chunkDir := filepath.Join(p.cfg.StorageDir, fmt.Sprintf("chunks_%s", payload.AssistantMessageID))
	paths, err := p.media.ExtractChunks(ctx, att.StoragePath, chunkDir, plan)
	if err != nil {
		os.RemoveAll(chunkDir)
		return p.finishOrRetry(ctx, payload.AccountID, payload.AssistantMessageID, err)
	}

	if err := p.repo.SetMetadata(ctx, payload.AssistantMessageID,
		convdomain.NewTranscriptionMetadata(len(plan))); err != nil {
		os.RemoveAll(chunkDir)
		return p.finishOrRetry(ctx, payload.AccountID, payload.AssistantMessageID, err)
	}

	for _, chunk := range plan {
		task, err := NewTranscriptionChunkTask(TranscriptionChunkPayload{
			AccountID:          payload.AccountID,
			ConversationID:     payload.ConversationID,
			UserMessageID:      payload.UserMessageID,
			AssistantMessageID: payload.AssistantMessageID,
			AttachmentID:       payload.AttachmentID,
			Chunk:              chunk.Index,
			ChunkPath:          paths[chunk.Index],
			ChunkDir:           chunkDir,
			ChunkSeconds:       chunk.Duration.Seconds(),
			Language:           payload.Language,
		})
		if err != nil {
			return err
		}
		if err := p.enqueue.Enqueue(ctx, task,
			asynq.Queue(QueueMedia),
			asynq.MaxRetry(p.cfg.Worker.MaxRetry),
		); err != nil {
			p.fail(ctx, payload.AccountID, payload.AssistantMessageID, err)
			return nil
		}
	}

	p.setStatus(ctx, payload.AccountID, payload.AssistantMessageID, convdomain.StatusTranscribing,
		fmt.Sprintf("Transcribing audio in %d parts...", len(plan)))
	return nil
}

// HandleTranscriptionChunk transcribes one slice and joins when it is the
// last to land. A chunk that fails for good takes the whole transcription
// down: a transcript with holes is worse than none.
func (p *Pipelines) HandleTranscriptionChunk(ctx context.Context, t *asynq.Task) error {
	var payload TranscriptionChunkPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}

	msg, owned, err := p.claim(ctx, payload.AssistantMessageID)
	if err != nil {
		return err
	}
	if !owned {
		os.Remove(payload.ChunkPath)
		return nil
	}

	// A redelivered task whose chunk already landed has nothing left to do.
	if meta, err := convdomain.DecodeMetadata(msg.JobMetadata); err == nil &&
		meta.Transcription != nil && payload.Chunk < len(meta.Transcription.Done) &&
		meta.Transcription.Done[payload.Chunk] {
		os.Remove(payload.ChunkPath)
		return nil
	}

	if err := p.credits.Deduct(ctx, payload.AccountID, creditdomain.KeyTranscriptionSecond,
		decimal.NewFromFloat(payload.ChunkSeconds),
		fmt.Sprintf("transcription:%s:chunk:%d", payload.AssistantMessageID, payload.Chunk)); err != nil {
		os.Remove(payload.ChunkPath)
		return p.finishOrRetry(ctx, payload.AccountID, payload.AssistantMessageID, err)
	}
	if p.metrics != nil {
		p.metrics.RecordCreditDebit()
	}

	text, err := p.transcribeWithFallback(ctx, payload.ChunkPath, "audio/wav", payload.Language)
	if err != nil {
		if provider.IsRetryable(err) && !lastAttempt(ctx) {
			return err
		}
		os.Remove(payload.ChunkPath)
		os.RemoveAll(payload.ChunkDir)
		p.fail(ctx, payload.AccountID, payload.AssistantMessageID, err)
		return nil
	}
	os.Remove(payload.ChunkPath)

	post, applied, err := p.repo.RecordChunkTranscript(ctx, payload.AssistantMessageID, payload.Chunk, text)
	if err != nil {
		return p.finishOrRetry(ctx, payload.AccountID, payload.AssistantMessageID, err)
	}
	if !applied {
		return nil
	}

	tr := post.Transcription
	p.setStatus(ctx, payload.AccountID, payload.AssistantMessageID, convdomain.StatusTranscribing,
		fmt.Sprintf("Transcribed part %d of %d", tr.Completed, tr.Total))

	if tr.Completed < tr.Total {
		return nil
	}

	// last chunk joins: concatenate in index order
	os.RemoveAll(payload.ChunkDir)
	full := strings.TrimSpace(strings.Join(tr.Transcripts, " "))
	return p.completeTranscription(ctx, TranscriptionPayload{
		AccountID:          payload.AccountID,
		ConversationID:     payload.ConversationID,
		UserMessageID:      payload.UserMessageID,
		AssistantMessageID: payload.AssistantMessageID,
		AttachmentID:       payload.AttachmentID,
	}, full)
}

// transcribeWithFallback tries the primary transcriber and falls back to
// the next registered one on failure. Quota errors skip the fallback so the
// task-level retry gets its cool-down.
func (p *Pipelines) transcribeWithFallback(ctx context.Context, path, mimeType, language string) (string, error) {
	primary, err := p.registry.Transcriber(provider.NameSpeechmatics)
	if err != nil {
		return "", err
	}
	text, primaryErr := primary.Transcribe(ctx, path, mimeType, language)
	if primaryErr == nil {
		return text, nil
	}
	if provider.IsQuota(primaryErr) {
		return "", primaryErr
	}

	fallback, name := p.registry.FallbackTranscriber(provider.NameSpeechmatics)
	if fallback == nil {
		return "", primaryErr
	}
	p.log.Warn("primary transcriber failed, trying fallback",
		zap.String("fallback", name), zap.Error(primaryErr))
	text, fallbackErr := fallback.Transcribe(ctx, path, mimeType, language)
	if fallbackErr != nil {
		return "", fmt.Errorf("fallback %s also failed: %w (primary: %v)", name, fallbackErr, primaryErr)
	}
	return text, nil
}

// completeTranscription stores the transcript, notifies the client and
// hands the conversation to the chat pipeline.
func (p *Pipelines) completeTranscription(ctx context.Context, payload TranscriptionPayload, text string) error {
	if err := p.repo.SetAttachmentTranscription(ctx, payload.AttachmentID, text); err != nil {
		return p.finishOrRetry(ctx, payload.AccountID, payload.AssistantMessageID, err)
	}
	// The transcript replaces the "Voice message" placeholder on the user
	// turn, so history readers see the words without the attachment.
	if _, err := p.repo.CompleteMessage(ctx, payload.UserMessageID, text, ""); err != nil {
		return p.finishOrRetry(ctx, payload.AccountID, payload.AssistantMessageID, err)
	}
	p.bus.Publish(ctx, payload.AccountID, notify.EventTranscriptionComplete, notify.TranscriptionCompletePayload{
		MessageID: payload.UserMessageID,
		Content:   text,
	})

	task, err := NewChatTask(ChatPayload{
		AccountID:      payload.AccountID,
		ConversationID: payload.ConversationID,
		MessageID:      payload.AssistantMessageID,
	})
	if err != nil {
		return err
	}
	if err := p.enqueue.Enqueue(ctx, task,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(p.cfg.Worker.MaxRetry),
	); err != nil {
		p.fail(ctx, payload.AccountID, payload.AssistantMessageID, err)
		return nil
	}
	return nil
}
