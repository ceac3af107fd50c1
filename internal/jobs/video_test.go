package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wisdar/engine/internal/clock"
	convdomain "github.com/wisdar/engine/internal/conversation/domain"
	"github.com/wisdar/engine/internal/notify"
	"github.com/wisdar/engine/internal/provider"
)

func planVideo(t *testing.T, env *testEnv, prompt string) (*convdomain.Conversation, *convdomain.Message) {
	t.Helper()
	conv := env.newConversation(t, convdomain.ServiceVideo)
	msg := env.newMessage(t, conv, convdomain.RoleAssistant, "", convdomain.StatusProcessing)
	task := mustTask(NewVideoPlanTask(VideoPlanPayload{
		AccountID:      env.accountID,
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		Prompt:         prompt,
	}))
	if err := env.pipelines.HandleVideoPlan(context.Background(), task); err != nil {
		t.Fatalf("handle plan: %v", err)
	}
	return conv, msg
}

func TestHandleVideoPlanFansOutScenes(t *testing.T) {
	env := newTestEnv(t)

	env.registry.RegisterChat(provider.NameOpenAI, &fakeChat{
		answer: `["a dog runs on the beach", "the dog catches a ball", "sunset over the water"]`,
	})

	_, msg := planVideo(t, env, "a dog playing at the beach")

	clips := env.enq.byType(TypeVideoClip)
	if len(clips) != 3 {
		t.Fatalf("expected 3 clip tasks, got %d", len(clips))
	}

	got := env.message(t, msg.ID)
	meta, err := convdomain.DecodeMetadata(got.JobMetadata)
	if err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if meta.Video == nil || meta.Video.Total != 3 {
		t.Fatalf("expected 3 planned scenes, got %+v", meta.Video)
	}
	if meta.Video.Scenes[1] != "the dog catches a ball" {
		t.Fatalf("unexpected scene order: %v", meta.Video.Scenes)
	}
	if len(env.bus.typed(notify.EventVideoProgressUpdate)) == 0 {
		t.Fatalf("expected an initial progress event")
	}
}

func TestHandleVideoPlanFallsBackToSentenceSplit(t *testing.T) {
	env := newTestEnv(t)

	env.registry.RegisterChat(provider.NameOpenAI, &fakeChat{answer: "I cannot do that."})

	_, msg := planVideo(t, env, "A knight rides out. A dragon appears! The castle burns.")

	got := env.message(t, msg.ID)
	meta, err := convdomain.DecodeMetadata(got.JobMetadata)
	if err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	// the model answer "I cannot do that." parses as no scenes, so we
	// split the user prompt instead
	if meta.Video == nil || meta.Video.Total != 3 {
		t.Fatalf("expected sentence-split plan of 3, got %+v", meta.Video)
	}
	if meta.Video.Scenes[0] != "A knight rides out" {
		t.Fatalf("unexpected first scene %q", meta.Video.Scenes[0])
	}
}

func TestHandleVideoClipJoinEnqueuesStitchOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.registry.RegisterChat(provider.NameOpenAI, &fakeChat{answer: `["one", "two", "three"]`})
	gen := &fakeVideoGen{content: []byte("clipdata")}
	env.registry.RegisterVideo(provider.NameVeo, gen)

	_, msg := planVideo(t, env, "three scenes")

	for _, task := range env.enq.byType(TypeVideoClip) {
		if err := env.pipelines.HandleVideoClip(ctx, task); err != nil {
			t.Fatalf("handle clip: %v", err)
		}
	}

	if stitches := env.enq.byType(TypeVideoStitch); len(stitches) != 1 {
		t.Fatalf("expected exactly one stitch task, got %d", len(stitches))
	}

	got := env.message(t, msg.ID)
	meta, err := convdomain.DecodeMetadata(got.JobMetadata)
	if err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if len(meta.Video.Usable()) != 3 {
		t.Fatalf("expected 3 usable clips, got %d", len(meta.Video.Usable()))
	}
	for i, clip := range meta.Video.ClipFiles {
		if clip == nil {
			t.Fatalf("clip %d missing", i)
		}
		if _, err := os.Stat(*clip); err != nil {
			t.Fatalf("clip %d not on disk: %v", i, err)
		}
	}

	// three scenes at 100 credits each
	want := decimal.NewFromInt(10000 - 300)
	if got := env.balance(t); !got.Equal(want) {
		t.Fatalf("expected balance %s, got %s", want, got)
	}
}

func TestHandleVideoStitchKeepsSurvivors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.registry.RegisterChat(provider.NameOpenAI, &fakeChat{answer: `["one", "two", "three"]`})
	gen := &fakeVideoGen{content: []byte("clipdata")}
	env.registry.RegisterVideo(provider.NameVeo, gen)

	_, msg := planVideo(t, env, "three scenes")
	clips := env.enq.byType(TypeVideoClip)

	if err := env.pipelines.HandleVideoClip(ctx, clips[0]); err != nil {
		t.Fatalf("handle clip 0: %v", err)
	}
	gen.err = errors.New("render rejected")
	if err := env.pipelines.HandleVideoClip(ctx, clips[1]); err != nil {
		t.Fatalf("handle clip 1: %v", err)
	}
	gen.err = nil
	if err := env.pipelines.HandleVideoClip(ctx, clips[2]); err != nil {
		t.Fatalf("handle clip 2: %v", err)
	}

	stitches := env.enq.byType(TypeVideoStitch)
	if len(stitches) != 1 {
		t.Fatalf("expected one stitch task, got %d", len(stitches))
	}
	if err := env.pipelines.HandleVideoStitch(ctx, stitches[0]); err != nil {
		t.Fatalf("handle stitch: %v", err)
	}

	if len(env.toolkit.concatCalls) != 1 {
		t.Fatalf("expected one concat, got %d", len(env.toolkit.concatCalls))
	}
	paths := env.toolkit.concatCalls[0]
	if len(paths) != 2 {
		t.Fatalf("expected 2 surviving clips, got %v", paths)
	}
	if filepath.Base(paths[0]) != fmt.Sprintf("video_%s_clip_000.mp4", msg.ID) ||
		filepath.Base(paths[1]) != fmt.Sprintf("video_%s_clip_002.mp4", msg.ID) {
		t.Fatalf("unexpected concat order: %v", paths)
	}

	got := env.message(t, msg.ID)
	if got.Status != convdomain.StatusComplete {
		t.Fatalf("expected COMPLETE, got %s", got.Status)
	}
	if got.MediaURL != fmt.Sprintf("/files/video_%s.mp4", msg.ID) {
		t.Fatalf("unexpected media url %q", got.MediaURL)
	}
	if got.Content != "Note: 1 of 3 scenes could not be generated and were left out." {
		t.Fatalf("unexpected content %q", got.Content)
	}
	if len(env.bus.typed(notify.EventVideoComplete)) != 1 {
		t.Fatalf("expected one video_complete event")
	}
}

func TestHandleVideoStitchAllScenesQuotaFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv := env.newConversation(t, convdomain.ServiceVideo)
	msg := env.newMessage(t, conv, convdomain.RoleAssistant, "", convdomain.StatusProcessing)

	meta := convdomain.NewVideoMetadata([]string{"one", "two"})
	meta.Video.ClipFiles = []*string{nil, nil}
	meta.Video.Completed = 2
	meta.Video.QuotaHits = 2
	if err := env.repo.SetMetadata(ctx, msg.ID, meta); err != nil {
		t.Fatalf("set metadata: %v", err)
	}

	task := mustTask(NewVideoStitchTask(VideoStitchPayload{
		AccountID:      env.accountID,
		ConversationID: conv.ID,
		MessageID:      msg.ID,
	}))
	if err := env.pipelines.HandleVideoStitch(ctx, task); err != nil {
		t.Fatalf("handle stitch: %v", err)
	}

	got := env.message(t, msg.ID)
	if got.Status != convdomain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if got.Content != "The service is busy right now. Please try again in a few minutes." {
		t.Fatalf("unexpected failure text %q", got.Content)
	}
	if len(env.toolkit.concatCalls) != 0 {
		t.Fatalf("expected no concat for an empty video")
	}
}

func TestHandleVideoEditSplicesScene(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.registry.RegisterChat(provider.NameOpenAI, &fakeChat{
		answer: `{"scene": 2, "prompt": "sunset over the water, now with fireworks"}`,
	})
	gen := &fakeVideoGen{content: []byte("newclip")}
	env.registry.RegisterVideo(provider.NameVeo, gen)

	conv := env.newConversation(t, convdomain.ServiceVideo)
	source := env.newMessage(t, conv, convdomain.RoleAssistant, "", convdomain.StatusComplete)

	oldClips := make([]*string, 4)
	scenes := make([]string, 4)
	for i := range oldClips {
		p := filepath.Join(env.cfg.StorageDir, fmt.Sprintf("old_clip_%d.mp4", i))
		if err := os.WriteFile(p, []byte("old"), 0o644); err != nil {
			t.Fatalf("write old clip: %v", err)
		}
		oldClips[i] = &p
		scenes[i] = fmt.Sprintf("scene %d", i)
	}
	sourceMeta := convdomain.NewVideoMetadata(scenes)
	sourceMeta.Video.ClipFiles = oldClips
	sourceMeta.Video.Completed = 4
	if err := env.db.Model(&convdomain.Message{}).
		Where("id = ?", source.ID).
		Update("job_metadata", mustEncode(t, sourceMeta)).Error; err != nil {
		t.Fatalf("seed source metadata: %v", err)
	}

	edited := env.newMessage(t, conv, convdomain.RoleAssistant, "", convdomain.StatusProcessing)
	task := mustTask(NewVideoEditTask(VideoEditPayload{
		AccountID:       env.accountID,
		ConversationID:  conv.ID,
		MessageID:       edited.ID,
		SourceMessageID: source.ID,
		Instructions:    "add fireworks to the sunset",
	}))
	if err := env.pipelines.HandleVideoEdit(ctx, task); err != nil {
		t.Fatalf("handle edit: %v", err)
	}

	if len(env.toolkit.concatCalls) != 1 {
		t.Fatalf("expected one concat, got %d", len(env.toolkit.concatCalls))
	}
	paths := env.toolkit.concatCalls[0]
	if len(paths) != 4 {
		t.Fatalf("expected 4 clips, got %v", paths)
	}
	wantNew := fmt.Sprintf("video_%s_clip_002.mp4", edited.ID)
	if paths[0] != *oldClips[0] || paths[1] != *oldClips[1] ||
		filepath.Base(paths[2]) != wantNew || paths[3] != *oldClips[3] {
		t.Fatalf("unexpected splice order: %v", paths)
	}

	got := env.message(t, edited.ID)
	if got.Status != convdomain.StatusComplete {
		t.Fatalf("expected COMPLETE, got %s", got.Status)
	}
	meta, err := convdomain.DecodeMetadata(got.JobMetadata)
	if err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if meta.Video.Scenes[2] != "sunset over the water, now with fireworks" {
		t.Fatalf("expected rewritten scene, got %q", meta.Video.Scenes[2])
	}

	// one regenerated scene at 100 credits
	want := decimal.NewFromInt(10000 - 100)
	if got := env.balance(t); !got.Equal(want) {
		t.Fatalf("expected balance %s, got %s", want, got)
	}
}

func TestHandleVideoClipRedeliveryBillsAndCountsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.registry.RegisterChat(provider.NameOpenAI, &fakeChat{answer: `["one", "two", "three"]`})
	gen := &fakeVideoGen{content: []byte("clipdata")}
	env.registry.RegisterVideo(provider.NameVeo, gen)

	_, msg := planVideo(t, env, "three scenes")
	clips := env.enq.byType(TypeVideoClip)

	// the broker redelivers the first clip task after it already ran
	if err := env.pipelines.HandleVideoClip(ctx, clips[0]); err != nil {
		t.Fatalf("handle clip 0: %v", err)
	}
	if err := env.pipelines.HandleVideoClip(ctx, clips[0]); err != nil {
		t.Fatalf("redelivered clip 0: %v", err)
	}
	if err := env.pipelines.HandleVideoClip(ctx, clips[1]); err != nil {
		t.Fatalf("handle clip 1: %v", err)
	}
	if err := env.pipelines.HandleVideoClip(ctx, clips[2]); err != nil {
		t.Fatalf("handle clip 2: %v", err)
	}

	want := decimal.NewFromInt(10000 - 300)
	if got := env.balance(t); !got.Equal(want) {
		t.Fatalf("expected balance %s after redelivery, got %s", want, got)
	}

	got := env.message(t, msg.ID)
	meta, err := convdomain.DecodeMetadata(got.JobMetadata)
	if err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if meta.Video.Completed != 3 {
		t.Fatalf("expected 3 completed scenes, got %d", meta.Video.Completed)
	}
	if stitches := env.enq.byType(TypeVideoStitch); len(stitches) != 1 {
		t.Fatalf("expected exactly one stitch task, got %d", len(stitches))
	}
}

func TestHandleVideoStitchKeepsClipsForEdit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.registry.RegisterChat(provider.NameOpenAI, &fakeChat{answer: `["one", "two", "three"]`})
	gen := &fakeVideoGen{content: []byte("clipdata")}
	env.registry.RegisterVideo(provider.NameVeo, gen)

	_, msg := planVideo(t, env, "three scenes")
	for _, task := range env.enq.byType(TypeVideoClip) {
		if err := env.pipelines.HandleVideoClip(ctx, task); err != nil {
			t.Fatalf("handle clip: %v", err)
		}
	}
	stitches := env.enq.byType(TypeVideoStitch)
	if err := env.pipelines.HandleVideoStitch(ctx, stitches[0]); err != nil {
		t.Fatalf("handle stitch: %v", err)
	}

	got := env.message(t, msg.ID)
	if got.Status != convdomain.StatusComplete {
		t.Fatalf("expected COMPLETE, got %s", got.Status)
	}
	meta, err := convdomain.DecodeMetadata(got.JobMetadata)
	if err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	// the clips back any later edit of this message, so the stitch must
	// leave them in storage
	for i, clip := range meta.Video.ClipFiles {
		if clip == nil {
			t.Fatalf("clip %d missing from metadata", i)
		}
		if _, err := os.Stat(*clip); err != nil {
			t.Fatalf("clip %d gone after stitch: %v", i, err)
		}
	}
}

func TestHandleVideoStitchConcatFailureRemovesClips(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.registry.RegisterChat(provider.NameOpenAI, &fakeChat{answer: `["one", "two"]`})
	gen := &fakeVideoGen{content: []byte("clipdata")}
	env.registry.RegisterVideo(provider.NameVeo, gen)

	_, msg := planVideo(t, env, "two scenes")
	for _, task := range env.enq.byType(TypeVideoClip) {
		if err := env.pipelines.HandleVideoClip(ctx, task); err != nil {
			t.Fatalf("handle clip: %v", err)
		}
	}

	env.toolkit.concatErr = errors.New("concat crashed")
	stitches := env.enq.byType(TypeVideoStitch)
	// plain context counts as the final attempt, so the failure is terminal
	if err := env.pipelines.HandleVideoStitch(ctx, stitches[0]); err != nil {
		t.Fatalf("handle stitch: %v", err)
	}

	got := env.message(t, msg.ID)
	if got.Status != convdomain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	meta, err := convdomain.DecodeMetadata(got.JobMetadata)
	if err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	// a failed message can never be edited, so its clips are cleaned up
	for i, clip := range meta.Video.ClipFiles {
		if clip == nil {
			continue
		}
		if _, err := os.Stat(*clip); !os.IsNotExist(err) {
			t.Fatalf("clip %d still on disk after terminal failure", i)
		}
	}
}

func mustEncode(t *testing.T, meta convdomain.JobMetadata) []byte {
	t.Helper()
	raw, err := meta.Encode()
	if err != nil {
		t.Fatalf("encode metadata: %v", err)
	}
	return raw
}

// stallingGen never finishes its operation; each poll nudges the fake
// clock forward so the deadline is crossed without real waiting.
type stallingGen struct {
	clock *clock.FakeClock
	step  time.Duration
}

func (g *stallingGen) StartClip(ctx context.Context, prompt string, seconds int) (provider.ClipOperation, error) {
	return provider.ClipOperation{ID: "op-stalled"}, nil
}

func (g *stallingGen) PollClip(ctx context.Context, op provider.ClipOperation) (provider.ClipOperation, error) {
	g.clock.Advance(g.step)
	return op, nil
}

func (g *stallingGen) DownloadClip(ctx context.Context, op provider.ClipOperation) (io.ReadCloser, error) {
	return nil, errors.New("never done")
}

func TestGenerateClipTimesOutAsTransient(t *testing.T) {
	env := newTestEnv(t)

	fake := clock.NewFakeClock(time.Unix(1700000000, 0))
	env.pipelines.clock = fake
	env.pipelines.cfg.Worker.PollInterval = time.Millisecond
	env.pipelines.cfg.Worker.PollTimeout = time.Second
	env.registry.RegisterVideo(provider.NameVeo, &stallingGen{clock: fake, step: 400 * time.Millisecond})

	_, err := env.pipelines.generateClip(context.Background(), "a slow scene", "clip.mp4")
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !provider.IsTransient(err) {
		t.Fatalf("expected transient classification, got %v", err)
	}
}
