package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/wisdar/engine/internal/clock"
	"github.com/wisdar/engine/internal/config"
	convdomain "github.com/wisdar/engine/internal/conversation/domain"
	creditdomain "github.com/wisdar/engine/internal/credit/domain"
	"github.com/wisdar/engine/internal/media"
	"github.com/wisdar/engine/internal/notify"
	"github.com/wisdar/engine/internal/observability/metrics"
	"github.com/wisdar/engine/internal/provider"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const errMsgGeneric = "Something went wrong while processing your request."

type Params struct {
	fx.In

	Cfg      config.Config
	Log      *zap.Logger
	Repo     convdomain.Repository
	Credits  creditdomain.Service
	Bus      notify.Bus
	Registry *provider.Registry
	Media    media.Toolkit
	Enqueue  Enqueuer
	Clock    clock.Clock
	GenID    *snowflake.Node
	Metrics  *metrics.WorkerMetrics `optional:"true"`
}

// Pipelines hosts every task handler. One instance serves the whole worker.
type Pipelines struct {
	cfg      config.Config
	log      *zap.Logger
	repo     convdomain.Repository
	credits  creditdomain.Service
	bus      notify.Bus
	registry *provider.Registry
	media    media.Toolkit
	enqueue  Enqueuer
	clock    clock.Clock
	genID    *snowflake.Node
	metrics  *metrics.WorkerMetrics
}

func NewPipelines(p Params) *Pipelines {
	return &Pipelines{
		cfg:      p.Cfg,
		log:      p.Log.Named("jobs"),
		repo:     p.Repo,
		credits:  p.Credits,
		bus:      p.Bus,
		registry: p.Registry,
		media:    p.Media,
		enqueue:  p.Enqueue,
		clock:    p.Clock,
		genID:    p.GenID,
		metrics:  p.Metrics,
	}
}

// userErrorText maps any pipeline failure to the text stored on the FAILED
// message. Internal detail never leaks to clients.
func userErrorText(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, creditdomain.ErrInsufficientCredits),
		errors.Is(err, creditdomain.ErrServiceNotConfigured):
		return creditdomain.UserMessage(err)
	case errors.Is(err, provider.ErrContentPolicy):
		return "Your request was declined by the content policy. Please rephrase and try again."
	case errors.Is(err, provider.ErrNotConfigured):
		return "This feature is not available right now. Please contact support."
	case provider.IsQuota(err):
		return "The service is busy right now. Please try again in a few minutes."
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "The request took too long. Please try again."
	case provider.IsTransient(err):
		return "A temporary error occurred. Please try again."
	default:
		return errMsgGeneric
	}
}

// fail moves the message to FAILED with user-safe text and publishes one
// task_failed event. A message that already reached a terminal status is
// left untouched and generates no event.
func (p *Pipelines) fail(ctx context.Context, accountID, messageID snowflake.ID, cause error) {
	text := userErrorText(cause)
	owned, err := p.repo.FailMessage(ctx, messageID, text)
	if err != nil {
		p.log.Error("failed to mark message failed",
			zap.String("message_id", messageID.String()), zap.Error(err))
		return
	}
	if !owned {
		return
	}
	p.log.Warn("pipeline failed",
		zap.String("message_id", messageID.String()), zap.Error(cause))
	if p.metrics != nil {
		p.metrics.RecordTaskFailure()
	}
	p.bus.Publish(ctx, accountID, notify.EventTaskFailed, notify.TaskFailedPayload{
		MessageID: messageID,
		Error:     text,
	})
}

// lastAttempt reports whether asynq has exhausted retries for this task.
func lastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}

// finishOrRetry is the common error epilogue: retryable errors propagate to
// asynq until attempts run out, everything else terminates the message now.
func (p *Pipelines) finishOrRetry(ctx context.Context, accountID, messageID snowflake.ID, err error) error {
	if err == nil {
		return nil
	}
	if provider.IsRetryable(err) && !lastAttempt(ctx) {
		return err
	}
	p.fail(ctx, accountID, messageID, err)
	return nil
}

// claim loads the message and reports whether this worker still owns it.
// Terminal messages mean a duplicate or stale delivery: skip without error.
func (p *Pipelines) claim(ctx context.Context, messageID snowflake.ID) (*convdomain.Message, bool, error) {
	msg, err := p.repo.FindMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, convdomain.ErrMessageNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if msg.Status.Terminal() {
		return msg, false, nil
	}
	return msg, true, nil
}

func (p *Pipelines) setStatus(ctx context.Context, accountID, messageID snowflake.ID, status convdomain.Status, line string) bool {
	owned, err := p.repo.UpdateStatus(ctx, messageID, status, line)
	if err != nil {
		p.log.Error("status update failed",
			zap.String("message_id", messageID.String()), zap.Error(err))
		return false
	}
	return owned
}

// fetchToStorage downloads a remote result into the local storage dir and
// returns the stored path.
func (p *Pipelines) fetchToStorage(ctx context.Context, url, fileName string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", provider.Transient(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", provider.Transient(fmt.Errorf("download returned %d", resp.StatusCode))
	}
	return p.writeToStorage(fileName, resp.Body)
}

func (p *Pipelines) writeToStorage(fileName string, r io.Reader) (string, error) {
	if err := os.MkdirAll(p.cfg.StorageDir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(p.cfg.StorageDir, fileName)
	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		os.Remove(dest)
		return "", err
	}
	return dest, nil
}

// serveURL maps a stored file onto the public files route.
func serveURL(storedPath string) string {
	return "/files/" + filepath.Base(storedPath)
}

func countWords(s string) int {
	return len(strings.Fields(s))
}
