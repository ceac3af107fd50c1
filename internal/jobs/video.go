package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	convdomain "github.com/wisdar/engine/internal/conversation/domain"
	creditdomain "github.com/wisdar/engine/internal/credit/domain"
	"github.com/wisdar/engine/internal/notify"
	"github.com/wisdar/engine/internal/provider"
	"go.uber.org/zap"
)

// HandleVideoPlan breaks the prompt into scenes and fans out one clip task
// per scene. The progress record on the message is the join barrier.
func (p *Pipelines) HandleVideoPlan(ctx context.Context, t *asynq.Task) error {
	var payload VideoPlanPayload
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
	if !p.setStatus(ctx, payload.AccountID, payload.MessageID, convdomain.StatusThinking, "Planning scenes...") {
		return nil
	}

	scenes, err := p.planScenes(ctx, payload.Prompt)
	if err != nil {
		return p.finishOrRetry(ctx, payload.AccountID, payload.MessageID, err)
	}

	if err := p.repo.SetMetadata(ctx, payload.MessageID, convdomain.NewVideoMetadata(scenes)); err != nil {
		return p.finishOrRetry(ctx, payload.AccountID, payload.MessageID, err)
	}
	p.setStatus(ctx, payload.AccountID, payload.MessageID, convdomain.StatusProcessing,
		fmt.Sprintf("Generating %d scenes...", len(scenes)))
	p.publishVideoProgress(ctx, payload.AccountID, payload.MessageID,
		fmt.Sprintf("Generating %d scenes...", len(scenes)), 0, len(scenes))

	for i, scene := range scenes {
		task, err := NewVideoClipTask(VideoClipPayload{
			AccountID:      payload.AccountID,
			ConversationID: payload.ConversationID,
			MessageID:      payload.MessageID,
			Scene:          i,
			Prompt:         scene,
		})
		if err != nil {
			return err
		}
		if err := p.enqueue.Enqueue(ctx, task,
			asynq.Queue(QueueVideo),
			asynq.MaxRetry(p.cfg.Worker.MaxRetry),
		); err != nil {
			p.fail(ctx, payload.AccountID, payload.MessageID, err)
			return nil
		}
	}
	return nil
}

// planScenes asks the chat model for a JSON scene list and falls back to a
// naive sentence split when the model answer does not parse.
func (p *Pipelines) planScenes(ctx context.Context, prompt string) ([]string, error) {
	chat, err := p.registry.Chat(provider.NameOpenAI)
	if err != nil {
		return nil, err
	}

	planPrompt := fmt.Sprintf(
		`Break the following video description into a list of short visual scene descriptions, each filmable as a single %d-second clip. Respond with a JSON array of strings only, no prose.

Description: %s`,
		p.cfg.Worker.SceneSeconds, prompt)

	answer, err := chat.Complete(ctx, provider.ChatRequest{
		Model:    "gpt-4o",
		Messages: []provider.ChatMessage{{Role: "user", Content: planPrompt}},
	})
	if err != nil {
		return nil, err
	}

	if scenes := parseSceneList(answer); len(scenes) > 0 {
		return scenes, nil
	}
	p.log.Warn("scene plan did not parse, falling back to sentence split",
		zap.String("answer_head", head(answer, 120)))
	return splitSentences(prompt), nil
}

// parseSceneList accepts a bare JSON array or one wrapped in code fences.
func parseSceneList(answer string) []string {
	trimmed := strings.TrimSpace(answer)
	if start := strings.Index(trimmed, "["); start >= 0 {
		if end := strings.LastIndex(trimmed, "]"); end > start {
			trimmed = trimmed[start : end+1]
		}
	}
	var scenes []string
	if err := json.Unmarshal([]byte(trimmed), &scenes); err != nil {
		return nil
	}
	out := scenes[:0]
	for _, s := range scenes {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func splitSentences(prompt string) []string {
	parts := strings.FieldsFunc(prompt, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
	scenes := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			scenes = append(scenes, part)
		}
	}
	if len(scenes) == 0 {
		scenes = []string{strings.TrimSpace(prompt)}
	}
	return scenes
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// HandleVideoClip generates one scene. Quota and transient errors ride the
// task retry; an error that outlives its retries records a nil clip so the
// stitch can proceed with what survived.
func (p *Pipelines) HandleVideoClip(ctx context.Context, t *asynq.Task) error {
	var payload VideoClipPayload
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

	// A redelivered task whose scene already landed has nothing left to do.
	if meta, err := convdomain.DecodeMetadata(msg.JobMetadata); err == nil &&
		meta.Video != nil && payload.Scene < len(meta.Video.Done) && meta.Video.Done[payload.Scene] {
		return nil
	}

	if err := p.credits.Deduct(ctx, payload.AccountID, creditdomain.KeyVideoScene, decimal.NewFromInt(1),
		fmt.Sprintf("video:%s:scene:%d", payload.MessageID, payload.Scene)); err != nil {
		p.fail(ctx, payload.AccountID, payload.MessageID, err)
		return nil
	}
	if p.metrics != nil {
		p.metrics.RecordCreditDebit()
	}

	fileName := fmt.Sprintf("video_%s_clip_%03d.mp4", payload.MessageID, payload.Scene)
	stored, err := p.generateClip(ctx, payload.Prompt, fileName)
	if err != nil {
		if provider.IsRetryable(err) && !lastAttempt(ctx) {
			return err
		}
		// The scene is lost: record the failure and let the join decide.
		p.log.Warn("scene generation failed for good",
			zap.Int("scene", payload.Scene),
			zap.String("message_id", payload.MessageID.String()),
			zap.Error(err))
		return p.recordClip(ctx, payload, nil, provider.IsQuota(err))
	}
	return p.recordClip(ctx, payload, &stored, false)
}

// recordClip lands one scene result on the barrier and enqueues the stitch
// when it is the last one in.
func (p *Pipelines) recordClip(ctx context.Context, payload VideoClipPayload, clipPath *string, quotaHit bool) error {
	post, applied, err := p.repo.RecordClipResult(ctx, payload.MessageID, payload.Scene, clipPath, quotaHit)
	if err != nil {
		return p.finishOrRetry(ctx, payload.AccountID, payload.MessageID, err)
	}
	if !applied {
		return nil
	}
	v := post.Video

	line := fmt.Sprintf("Generated scene %d of %d", v.Completed, v.Total)
	p.setStatus(ctx, payload.AccountID, payload.MessageID, convdomain.StatusProcessing, line)
	p.publishVideoProgress(ctx, payload.AccountID, payload.MessageID, line, v.Completed, v.Total)

	if v.Completed < v.Total {
		return nil
	}

	task, err := NewVideoStitchTask(VideoStitchPayload{
		AccountID:      payload.AccountID,
		ConversationID: payload.ConversationID,
		MessageID:      payload.MessageID,
	})
	if err != nil {
		return err
	}
	if err := p.enqueue.Enqueue(ctx, task,
		asynq.Queue(QueueVideo),
		asynq.MaxRetry(p.cfg.Worker.MaxRetry),
	); err != nil {
		p.fail(ctx, payload.AccountID, payload.MessageID, err)
	}
	return nil
}

// generateClip runs one full provider operation: start, poll to done within
// the configured budget, download into storage.
func (p *Pipelines) generateClip(ctx context.Context, prompt, fileName string) (string, error) {
	gen, err := p.registry.Video(provider.NameVeo)
	if err != nil {
		return "", err
	}

	op, err := gen.StartClip(ctx, prompt, p.cfg.Worker.SceneSeconds)
	if err != nil {
		return "", err
	}

	deadline := p.clock.Now().Add(p.cfg.Worker.PollTimeout)
	for !op.Done {
		if p.clock.Now().After(deadline) {
			return "", provider.Transient(fmt.Errorf("clip operation %s timed out after %s", op.ID, p.cfg.Worker.PollTimeout))
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.cfg.Worker.PollInterval):
		}
		op, err = gen.PollClip(ctx, op)
		if err != nil {
			return "", err
		}
	}

	body, err := gen.DownloadClip(ctx, op)
	if err != nil {
		return "", err
	}
	defer body.Close()
	return p.writeToStorage(fileName, body)
}

// HandleVideoStitch joins the surviving clips in scene order. Losing some
// scenes degrades the video; losing all of them fails the message with a
// quota-aware explanation. The clips stay in storage after a successful
// stitch: an edit re-stitches them with one scene swapped out. Only a
// terminal failure removes them, since a failed message can never be the
// source of an edit.
func (p *Pipelines) HandleVideoStitch(ctx context.Context, t *asynq.Task) error {
	var payload VideoStitchPayload
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

	meta, err := convdomain.DecodeMetadata(msg.JobMetadata)
	if err != nil || meta.Video == nil {
		p.fail(ctx, payload.AccountID, payload.MessageID, fmt.Errorf("video progress record missing: %w", err))
		return nil
	}

	usable := meta.Video.Usable()
	if len(usable) == 0 {
		cause := fmt.Errorf("all %d scenes failed", meta.Video.Total)
		if meta.Video.QuotaHits > 0 {
			cause = fmt.Errorf("%w: %d scenes rejected", provider.ErrQuotaExhausted, meta.Video.QuotaHits)
		}
		p.fail(ctx, payload.AccountID, payload.MessageID, cause)
		return nil
	}

	p.setStatus(ctx, payload.AccountID, payload.MessageID, convdomain.StatusProcessing, "Stitching video...")

	outName := fmt.Sprintf("video_%s.mp4", payload.MessageID)
	outPath := filepath.Join(p.cfg.StorageDir, outName)
	if err := p.media.Concat(ctx, usable, outPath); err != nil {
		if provider.IsRetryable(err) && !lastAttempt(ctx) {
			return err
		}
		p.removeClips(usable)
		p.fail(ctx, payload.AccountID, payload.MessageID, err)
		return nil
	}

	content := ""
	if dropped := meta.Video.Total - len(usable); dropped > 0 {
		content = fmt.Sprintf("Note: %d of %d scenes could not be generated and were left out.", dropped, meta.Video.Total)
	}
	if err := p.finishVideo(ctx, payload.AccountID, payload.MessageID, outPath, content); err != nil {
		return p.finishOrRetry(ctx, payload.AccountID, payload.MessageID, err)
	}
	return nil
}

func (p *Pipelines) finishVideo(ctx context.Context, accountID, messageID snowflake.ID, storedPath, content string) error {
	var size int64
	if info, err := os.Stat(storedPath); err == nil {
		size = info.Size()
	}
	att := &convdomain.Attachment{
		ID:          p.genID.Generate(),
		MessageID:   messageID,
		FileName:    filepath.Base(storedPath),
		MimeType:    "video/mp4",
		StoragePath: storedPath,
		SizeBytes:   size,
	}
	if err := p.repo.CreateAttachment(ctx, att); err != nil {
		return err
	}

	url := serveURL(storedPath)
	owned, err := p.repo.CompleteMessage(ctx, messageID, content, url)
	if err != nil {
		return err
	}
	if !owned {
		return nil
	}
	p.bus.Publish(ctx, accountID, notify.EventVideoComplete, notify.MediaCompletePayload{
		MessageID: messageID,
		MediaURL:  url,
	})
	return nil
}

func (p *Pipelines) removeClips(paths []string) {
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			p.log.Warn("failed to remove clip", zap.String("path", path), zap.Error(err))
		}
	}
}

// HandleVideoEdit regenerates the scene the instructions target and splices
// it into a new version of the video on a fresh message.
func (p *Pipelines) HandleVideoEdit(ctx context.Context, t *asynq.Task) error {
	var payload VideoEditPayload
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
	if !p.setStatus(ctx, payload.AccountID, payload.MessageID, convdomain.StatusThinking, "Locating the scene to edit...") {
		return nil
	}

	source, err := p.repo.FindMessage(ctx, payload.SourceMessageID)
	if err != nil {
		p.fail(ctx, payload.AccountID, payload.MessageID, err)
		return nil
	}
	sourceMeta, err := convdomain.DecodeMetadata(source.JobMetadata)
	if err != nil || sourceMeta.Video == nil {
		p.fail(ctx, payload.AccountID, payload.MessageID, fmt.Errorf("source message has no video to edit"))
		return nil
	}

	scene, newPrompt, err := p.locateScene(ctx, sourceMeta.Video.Scenes, payload.Instructions)
	if err != nil {
		return p.finishOrRetry(ctx, payload.AccountID, payload.MessageID, err)
	}
	if scene < 0 || scene >= len(sourceMeta.Video.Scenes) {
		p.fail(ctx, payload.AccountID, payload.MessageID, fmt.Errorf("scene %d out of range", scene))
		return nil
	}

	if err := p.credits.Deduct(ctx, payload.AccountID, creditdomain.KeyVideoScene, decimal.NewFromInt(1),
		fmt.Sprintf("video_edit:%s:scene:%d", payload.MessageID, scene)); err != nil {
		p.fail(ctx, payload.AccountID, payload.MessageID, err)
		return nil
	}
	if p.metrics != nil {
		p.metrics.RecordCreditDebit()
	}

	line := fmt.Sprintf("Regenerating scene %d of %d", scene+1, sourceMeta.Video.Total)
	p.setStatus(ctx, payload.AccountID, payload.MessageID, convdomain.StatusProcessing, line)
	p.publishVideoProgress(ctx, payload.AccountID, payload.MessageID, line, scene, sourceMeta.Video.Total)

	fileName := fmt.Sprintf("video_%s_clip_%03d.mp4", payload.MessageID, scene)
	stored, err := p.generateClip(ctx, newPrompt, fileName)
	if err != nil {
		return p.finishOrRetry(ctx, payload.AccountID, payload.MessageID, err)
	}

	// Splice: keep every surviving clip, swap in the regenerated scene.
	done := make([]bool, sourceMeta.Video.Total)
	for i := range done {
		done[i] = true
	}
	newMeta := convdomain.JobMetadata{
		Kind: convdomain.MetadataKindVideo,
		Video: &convdomain.VideoProgress{
			Scenes:    append([]string(nil), sourceMeta.Video.Scenes...),
			ClipFiles: append([]*string(nil), sourceMeta.Video.ClipFiles...),
			Done:      done,
			Completed: sourceMeta.Video.Total,
			Total:     sourceMeta.Video.Total,
		},
	}
	newMeta.Video.Scenes[scene] = newPrompt
	newMeta.Video.ClipFiles[scene] = &stored
	if err := p.repo.SetMetadata(ctx, payload.MessageID, newMeta); err != nil {
		return p.finishOrRetry(ctx, payload.AccountID, payload.MessageID, err)
	}

	usable := newMeta.Video.Usable()
	p.setStatus(ctx, payload.AccountID, payload.MessageID, convdomain.StatusProcessing, "Stitching video...")
	outPath := filepath.Join(p.cfg.StorageDir, fmt.Sprintf("video_%s.mp4", payload.MessageID))
	if err := p.media.Concat(ctx, usable, outPath); err != nil {
		if provider.IsRetryable(err) && !lastAttempt(ctx) {
			return err
		}
		// The source message keeps its clips; only the regenerated one
		// belongs to this failed edit.
		p.removeClips([]string{stored})
		p.fail(ctx, payload.AccountID, payload.MessageID, err)
		return nil
	}

	if err := p.finishVideo(ctx, payload.AccountID, payload.MessageID, outPath, ""); err != nil {
		return p.finishOrRetry(ctx, payload.AccountID, payload.MessageID, err)
	}
	return nil
}

// locateScene asks the model which scene the instructions refer to and how
// its prompt should read afterwards.
func (p *Pipelines) locateScene(ctx context.Context, scenes []string, instructions string) (int, string, error) {
	chat, err := p.registry.Chat(provider.NameOpenAI)
	if err != nil {
		return 0, "", err
	}

	var list strings.Builder
	for i, scene := range scenes {
		fmt.Fprintf(&list, "%d: %s\n", i, scene)
	}
	prompt := fmt.Sprintf(
		`A video is made of the numbered scenes below. The user wants this change: %q.
Identify the single scene the change applies to and rewrite its description to include the change.
Respond with JSON only: {"scene": <number>, "prompt": "<rewritten description>"}

%s`, instructions, list.String())

	answer, err := chat.Complete(ctx, provider.ChatRequest{
		Model:    "gpt-4o",
		Messages: []provider.ChatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return 0, "", err
	}

	trimmed := strings.TrimSpace(answer)
	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			trimmed = trimmed[start : end+1]
		}
	}
	var out struct {
		Scene  int    `json:"scene"`
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return 0, "", fmt.Errorf("scene selection did not parse: %w", err)
	}
	if strings.TrimSpace(out.Prompt) == "" {
		return 0, "", fmt.Errorf("scene selection returned an empty prompt")
	}
	return out.Scene, out.Prompt, nil
}

func (p *Pipelines) publishVideoProgress(ctx context.Context, accountID, messageID snowflake.ID, line string, completed, total int) {
	p.bus.Publish(ctx, accountID, notify.EventVideoProgressUpdate, notify.VideoProgressPayload{
		MessageID: messageID,
		Status:    line,
		Metadata: map[string]int{
			"completed": completed,
			"total":     total,
		},
	})
}
