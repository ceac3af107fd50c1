package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wisdar/engine/internal/config"
	"go.uber.org/zap"
)

// Veo drives a long-running video generation API: each clip is an
// operation that is started, polled and finally downloaded.
type Veo struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	log     *zap.Logger
}

func NewVeo(cfg config.ProviderConfig, log *zap.Logger) *Veo {
	return &Veo{
		baseURL: strings.TrimRight(cfg.VideoBaseURL, "/"),
		apiKey:  cfg.VideoAPIKey,
		model:   "veo-2.0-generate-001",
		client:  &http.Client{Timeout: 2 * time.Minute},
		log:     log.Named("provider.veo"),
	}
}

func (v *Veo) configured() error {
	if v.apiKey == "" || v.baseURL == "" {
		return fmt.Errorf("%w: video API credentials are empty", ErrNotConfigured)
	}
	return nil
}

func (v *Veo) StartClip(ctx context.Context, prompt string, seconds int) (ClipOperation, error) {
	if err := v.configured(); err != nil {
		return ClipOperation{}, err
	}

	body, err := json.Marshal(map[string]any{
		"instances": []map[string]any{{"prompt": prompt}},
		"parameters": map[string]any{
			"durationSeconds": seconds,
			"sampleCount":     1,
		},
	})
	if err != nil {
		return ClipOperation{}, err
	}

	url := fmt.Sprintf("%s/models/%s:predictLongRunning", v.baseURL, v.model)
	resp, err := v.do(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return ClipOperation{}, err
	}
	defer resp.Body.Close()

	var out struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ClipOperation{}, Transient(fmt.Errorf("decode operation: %w", err))
	}
	if out.Name == "" {
		return ClipOperation{}, Transient(fmt.Errorf("operation response missing name"))
	}
	return ClipOperation{ID: out.Name}, nil
}

func (v *Veo) PollClip(ctx context.Context, op ClipOperation) (ClipOperation, error) {
	if err := v.configured(); err != nil {
		return op, err
	}

	resp, err := v.do(ctx, http.MethodGet, v.baseURL+"/"+op.ID, nil)
	if err != nil {
		return op, err
	}
	defer resp.Body.Close()

	var out struct {
		Done  bool `json:"done"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Response struct {
			GenerateVideoResponse struct {
				GeneratedSamples []struct {
					Video struct {
						URI string `json:"uri"`
					} `json:"video"`
				} `json:"generatedSamples"`
			} `json:"generateVideoResponse"`
		} `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return op, Transient(fmt.Errorf("decode poll response: %w", err))
	}
	if !out.Done {
		return op, nil
	}
	if out.Error != nil {
		if out.Error.Code == http.StatusTooManyRequests {
			return op, fmt.Errorf("%w: %s", ErrQuotaExhausted, out.Error.Message)
		}
		return op, fmt.Errorf("provider: video operation failed: %s", out.Error.Message)
	}
	samples := out.Response.GenerateVideoResponse.GeneratedSamples
	if len(samples) == 0 || samples[0].Video.URI == "" {
		return op, Transient(fmt.Errorf("finished operation produced no video"))
	}
	op.Done = true
	op.URL = samples[0].Video.URI
	return op, nil
}

func (v *Veo) DownloadClip(ctx context.Context, op ClipOperation) (io.ReadCloser, error) {
	if !op.Done || op.URL == "" {
		return nil, fmt.Errorf("provider: clip operation %s is not ready", op.ID)
	}
	resp, err := v.do(ctx, http.MethodGet, op.URL, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (v *Veo) do(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("key", v.apiKey)
	req.URL.RawQuery = q.Encode()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, Transient(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		detail := strings.TrimSpace(string(raw))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, fmt.Errorf("%w: %s", ErrQuotaExhausted, detail)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, fmt.Errorf("%w: upstream rejected credentials: %s", ErrNotConfigured, detail)
		case resp.StatusCode >= 500:
			return nil, Transient(fmt.Errorf("upstream returned %d: %s", resp.StatusCode, detail))
		default:
			return nil, fmt.Errorf("provider: upstream returned %d: %s", resp.StatusCode, detail)
		}
	}
	return resp, nil
}
