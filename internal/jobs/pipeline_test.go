package jobs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/wisdar/engine/internal/clock"
	"github.com/wisdar/engine/internal/config"
	convdomain "github.com/wisdar/engine/internal/conversation/domain"
	convrepo "github.com/wisdar/engine/internal/conversation/repository"
	creditdomain "github.com/wisdar/engine/internal/credit/domain"
	creditservice "github.com/wisdar/engine/internal/credit/service"
	"github.com/wisdar/engine/internal/media"
	"github.com/wisdar/engine/internal/notify"
	"github.com/wisdar/engine/internal/provider"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// --- fakes ---

type recordedEvent struct {
	accountID snowflake.ID
	eventType string
	payload   any
}

type busRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (b *busRecorder) Publish(ctx context.Context, accountID snowflake.ID, eventType string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recordedEvent{accountID: accountID, eventType: eventType, payload: payload})
}

func (b *busRecorder) Subscribe(ctx context.Context, accountID snowflake.ID) (notify.Subscription, error) {
	return nil, fmt.Errorf("not supported")
}

func (b *busRecorder) typed(eventType string) []recordedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []recordedEvent
	for _, ev := range b.events {
		if ev.eventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type captureEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (c *captureEnqueuer) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, task)
	return nil
}

func (c *captureEnqueuer) byType(taskType string) []*asynq.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*asynq.Task
	for _, t := range c.tasks {
		if t.Type() == taskType {
			out = append(out, t)
		}
	}
	return out
}

type fakeChat struct {
	mu          sync.Mutex
	deltas      []string
	streamErr   error
	answer      string
	completeErr error
	streamCalls int
	reqs        []provider.ChatRequest
}

func (f *fakeChat) StreamText(ctx context.Context, req provider.ChatRequest, onDelta func(string) error) (string, error) {
	f.mu.Lock()
	f.streamCalls++
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	var full strings.Builder
	for _, d := range f.deltas {
		full.WriteString(d)
		if err := onDelta(d); err != nil {
			return full.String(), err
		}
	}
	return full.String(), f.streamErr
}

func (f *fakeChat) Complete(ctx context.Context, req provider.ChatRequest) (string, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.answer, f.completeErr
}

func (f *fakeChat) requests() []provider.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.ChatRequest(nil), f.reqs...)
}

type fakeTranscriber struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, path, mimeType, language string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if f.text != "" {
		return f.text, nil
	}
	return "transcript of " + filepath.Base(path), nil
}

type fakeImage struct {
	url string
	err error
}

func (f *fakeImage) GenerateImage(ctx context.Context, prompt string) (string, error) {
	return f.url, f.err
}

type fakeSpeech struct {
	audio []byte
	err   error
}

func (f *fakeSpeech) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	return f.audio, f.err
}

type fakeVideoGen struct {
	mu      sync.Mutex
	err     error
	content []byte
	prompts []string
}

func (f *fakeVideoGen) StartClip(ctx context.Context, prompt string, seconds int) (provider.ClipOperation, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.err != nil {
		return provider.ClipOperation{}, f.err
	}
	return provider.ClipOperation{ID: fmt.Sprintf("op-%d", len(f.prompts)), Done: true, URL: "mem://clip"}, nil
}

func (f *fakeVideoGen) PollClip(ctx context.Context, op provider.ClipOperation) (provider.ClipOperation, error) {
	op.Done = true
	op.URL = "mem://clip"
	return op, nil
}

func (f *fakeVideoGen) DownloadClip(ctx context.Context, op provider.ClipOperation) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(string(f.content))), nil
}

type fakeToolkit struct {
	mu          sync.Mutex
	duration    time.Duration
	concatErr   error
	concatCalls [][]string
}

func (f *fakeToolkit) ProbeDuration(ctx context.Context, path string) (time.Duration, error) {
	return f.duration, nil
}

func (f *fakeToolkit) ExtractChunks(ctx context.Context, path, destDir string, plan []media.Chunk) ([]string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, err
	}
	paths := make([]string, len(plan))
	for i := range plan {
		p := filepath.Join(destDir, fmt.Sprintf("chunk_%03d.wav", i))
		if err := os.WriteFile(p, []byte("chunk"), 0o644); err != nil {
			return nil, err
		}
		paths[i] = p
	}
	return paths, nil
}

func (f *fakeToolkit) Concat(ctx context.Context, clipPaths []string, outPath string) error {
	f.mu.Lock()
	f.concatCalls = append(f.concatCalls, append([]string(nil), clipPaths...))
	err := f.concatErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return os.WriteFile(outPath, []byte("stitched"), 0o644)
}

// --- environment ---

type testEnv struct {
	pipelines *Pipelines
	db        *gorm.DB
	repo      convdomain.Repository
	node      *snowflake.Node
	bus       *busRecorder
	enq       *captureEnqueuer
	registry  *provider.Registry
	toolkit   *fakeToolkit
	cfg       config.Config
	accountID snowflake.ID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	if err := db.AutoMigrate(
		&creditdomain.Account{}, &creditdomain.ServiceCost{}, &creditdomain.TransactionLog{},
		&convdomain.Conversation{}, &convdomain.Message{}, &convdomain.Attachment{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(3)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	bus := &busRecorder{}
	enq := &captureEnqueuer{}
	registry := provider.NewRegistry()
	toolkit := &fakeToolkit{duration: 60 * time.Second}

	cfg := config.Config{
		StorageDir: t.TempDir(),
		Worker: config.WorkerConfig{
			Concurrency:        4,
			MaxRetry:           3,
			QuotaRetryDelay:    time.Minute,
			PollInterval:       time.Millisecond,
			PollTimeout:        time.Second,
			AudioChunkMaxBytes: 25 << 20,
			SceneSeconds:       8,
		},
	}

	repo := convrepo.Provide(convrepo.Params{DB: db})
	credits := creditservice.NewService(creditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Bus:   bus,
	})

	accountID := node.Generate()
	seed := &creditdomain.Account{
		ID:          accountID,
		Email:       "user@example.test",
		DisplayName: "user",
		Balance:     decimal.NewFromInt(10000),
	}
	if err := db.Create(seed).Error; err != nil {
		t.Fatalf("seed account: %v", err)
	}
	costs := map[string]string{
		creditdomain.KeyChatInput:           "1",
		creditdomain.KeyChatOutput:          "2",
		creditdomain.KeyTranscriptionSecond: "1",
		creditdomain.KeyImageGeneration:     "50",
		creditdomain.KeyTTSCharacter:        "1",
		creditdomain.KeyVideoScene:          "100",
	}
	for key, price := range costs {
		p, _ := decimal.NewFromString(price)
		if err := db.Create(&creditdomain.ServiceCost{
			ID:          node.Generate(),
			ServiceKey:  key,
			DisplayName: key,
			Price:       p,
			Unit:        creditdomain.UnitPerAction,
		}).Error; err != nil {
			t.Fatalf("seed cost %s: %v", key, err)
		}
	}

	pipelines := NewPipelines(Params{
		Cfg:      cfg,
		Log:      zap.NewNop(),
		Repo:     repo,
		Credits:  credits,
		Bus:      bus,
		Registry: registry,
		Media:    toolkit,
		Enqueue:  enq,
		Clock:    clock.NewSystemClock(),
		GenID:    node,
	})

	return &testEnv{
		pipelines: pipelines,
		db:        db,
		repo:      repo,
		node:      node,
		bus:       bus,
		enq:       enq,
		registry:  registry,
		toolkit:   toolkit,
		cfg:       cfg,
		accountID: accountID,
	}
}

func (e *testEnv) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	var account creditdomain.Account
	if err := e.db.Where("id = ?", e.accountID).First(&account).Error; err != nil {
		t.Fatalf("load account: %v", err)
	}
	return account.Balance
}

func (e *testEnv) newConversation(t *testing.T, serviceType string) *convdomain.Conversation {
	t.Helper()
	conv := &convdomain.Conversation{
		ID:          e.node.Generate(),
		AccountID:   e.accountID,
		Title:       "test",
		Provider:    provider.NameOpenAI,
		ServiceType: serviceType,
		Model:       "gpt-4o",
	}
	if err := e.repo.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conv
}

func (e *testEnv) newMessage(t *testing.T, conv *convdomain.Conversation, role, content string, status convdomain.Status) *convdomain.Message {
	t.Helper()
	msg := &convdomain.Message{
		ID:             e.node.Generate(),
		ConversationID: conv.ID,
		Role:           role,
		Content:        content,
		Status:         status,
	}
	if err := e.repo.CreateMessage(context.Background(), msg); err != nil {
		t.Fatalf("create message: %v", err)
	}
	return msg
}

func (e *testEnv) message(t *testing.T, id snowflake.ID) *convdomain.Message {
	t.Helper()
	msg, err := e.repo.FindMessage(context.Background(), id)
	if err != nil {
		t.Fatalf("find message: %v", err)
	}
	return msg
}

func mustTask(task *asynq.Task, err error) *asynq.Task {
	if err != nil {
		panic(fmt.Sprintf("build task: %v", err))
	}
	return task
}
