package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wisdar/engine/internal/config"
	"go.uber.org/zap"
)

// Speechmatics drives the async batch transcription API: submit the file,
// poll the job, fetch the plain-text transcript.
type Speechmatics struct {
	baseURL      string
	apiKey       string
	client       *http.Client
	pollInterval time.Duration
	pollTimeout  time.Duration
	log          *zap.Logger
}

func NewSpeechmatics(cfg config.Config, log *zap.Logger) *Speechmatics {
	return &Speechmatics{
		baseURL:      strings.TrimRight(cfg.Provider.SpeechmaticsURL, "/"),
		apiKey:       cfg.Provider.SpeechmaticsAPIKey,
		client:       &http.Client{Timeout: 2 * time.Minute},
		pollInterval: 5 * time.Second,
		pollTimeout:  cfg.Worker.PollTimeout,
		log:          log.Named("provider.speechmatics"),
	}
}

func (s *Speechmatics) Transcribe(ctx context.Context, path, mimeType, language string) (string, error) {
	if s.apiKey == "" {
		return "", fmt.Errorf("%w: SPEECHMATICS_API_KEY is empty", ErrNotConfigured)
	}
	if language == "" {
		language = "en"
	}

	jobID, err := s.submit(ctx, path, language)
	if err != nil {
		return "", err
	}
	s.log.Debug("transcription job submitted", zap.String("job_id", jobID))

	if err := s.waitDone(ctx, jobID); err != nil {
		return "", err
	}
	return s.fetchTranscript(ctx, jobID)
}

func (s *Speechmatics) submit(ctx context.Context, path, language string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open audio file: %w", err)
	}
	defer file.Close()

	jobConfig, err := json.Marshal(map[string]any{
		"type": "transcription",
		"transcription_config": map[string]any{
			"language":        language,
			"operating_point": "enhanced",
		},
	})
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("data_file", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", err
	}
	if err := writer.WriteField("config", string(jobConfig)); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/jobs", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		return "", Transient(err)
	}
	defer resp.Body.Close()
	if err := s.checkStatus(resp); err != nil {
		return "", err
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", Transient(fmt.Errorf("decode job response: %w", err))
	}
	if out.ID == "" {
		return "", Transient(fmt.Errorf("job response missing id"))
	}
	return out.ID, nil
}

func (s *Speechmatics) waitDone(ctx context.Context, jobID string) error {
	deadline := time.Now().Add(s.pollTimeout)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		status, err := s.jobStatus(ctx, jobID)
		if err != nil {
			return err
		}
		switch status {
		case "done":
			return nil
		case "rejected", "deleted", "errored":
			return fmt.Errorf("provider: transcription job %s ended as %s", jobID, status)
		}
		if time.Now().After(deadline) {
			return Transient(fmt.Errorf("transcription job %s timed out after %s", jobID, s.pollTimeout))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Speechmatics) jobStatus(ctx context.Context, jobID string) (string, error) {
	resp, err := s.get(ctx, "/jobs/"+jobID)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		Job struct {
			Status string `json:"status"`
		} `json:"job"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", Transient(fmt.Errorf("decode job status: %w", err))
	}
	return out.Job.Status, nil
}

func (s *Speechmatics) fetchTranscript(ctx context.Context, jobID string) (string, error) {
	resp, err := s.get(ctx, "/jobs/"+jobID+"/transcript?format=txt")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Transient(fmt.Errorf("read transcript: %w", err))
	}
	return strings.TrimSpace(string(raw)), nil
}

func (s *Speechmatics) get(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, Transient(err)
	}
	if err := s.checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func (s *Speechmatics) checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	detail := strings.TrimSpace(string(raw))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrQuotaExhausted, detail)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: upstream rejected credentials: %s", ErrNotConfigured, detail)
	case resp.StatusCode >= 500:
		return Transient(fmt.Errorf("upstream returned %d: %s", resp.StatusCode, detail))
	default:
		return fmt.Errorf("provider: upstream returned %d: %s", resp.StatusCode, detail)
	}
}
