package provider

import (
	"bufio"
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

// OpenAI talks to an OpenAI-compatible API and implements chat streaming,
// whisper transcription, image generation and speech synthesis.
type OpenAI struct {
	baseURL        string
	apiKey         string
	searchEndpoint string
	client         *http.Client
	log            *zap.Logger
}

func NewOpenAI(cfg config.ProviderConfig, log *zap.Logger) *OpenAI {
	return &OpenAI{
		baseURL:        strings.TrimRight(cfg.OpenAIBaseURL, "/"),
		apiKey:         cfg.OpenAIAPIKey,
		searchEndpoint: cfg.SearchEndpoint,
		client:         &http.Client{Timeout: 5 * time.Minute},
		log:            log.Named("provider.openai"),
	}
}

func (o *OpenAI) configured() error {
	if o.apiKey == "" {
		return fmt.Errorf("%w: OPENAI_API_KEY is empty", ErrNotConfigured)
	}
	return nil
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
	Tools    []chatTool    `json:"tools,omitempty"`
}

type chatTool struct {
	Type     string           `json:"type"`
	Function chatToolFunction `json:"function"`
}

type chatToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

var searchToolSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query": {"type": "string", "description": "The search query"}
	},
	"required": ["query"]
}`)

func (o *OpenAI) StreamText(ctx context.Context, req ChatRequest, onDelta func(string) error) (string, error) {
	if err := o.configured(); err != nil {
		return "", err
	}

	messages := req.Messages
	if req.EnableSearch && o.searchEndpoint != "" {
		// Resolve tool calls with a non-streaming round first, then stream
		// the final answer over the augmented context.
		augmented, err := o.resolveSearchCalls(ctx, req.Model, messages)
		if err != nil {
			return "", err
		}
		messages = augmented
	}

	body := chatCompletionRequest{Model: req.Model, Messages: messages, Stream: true}
	resp, err := o.post(ctx, "/chat/completions", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return full.String(), Transient(fmt.Errorf("decode stream chunk: %w", err))
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if err := onDelta(delta); err != nil {
			return full.String(), err
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), Transient(fmt.Errorf("read stream: %w", err))
	}
	return full.String(), nil
}

func (o *OpenAI) Complete(ctx context.Context, req ChatRequest) (string, error) {
	if err := o.configured(); err != nil {
		return "", err
	}
	body := chatCompletionRequest{Model: req.Model, Messages: req.Messages}
	resp, err := o.post(ctx, "/chat/completions", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", Transient(fmt.Errorf("decode completion: %w", err))
	}
	if len(out.Choices) == 0 {
		return "", Transient(fmt.Errorf("completion returned no choices"))
	}
	return out.Choices[0].Message.Content, nil
}

// resolveSearchCalls offers the web_search tool, executes any call the model
// makes against the configured search endpoint, and returns the context with
// the tool result appended so the follow-up stream can use it.
func (o *OpenAI) resolveSearchCalls(ctx context.Context, model string, messages []ChatMessage) ([]ChatMessage, error) {
	body := chatCompletionRequest{
		Model:    model,
		Messages: messages,
		Tools: []chatTool{{
			Type: "function",
			Function: chatToolFunction{
				Name:        "web_search",
				Description: "Search the web for current information",
				Parameters:  searchToolSchema,
			},
		}},
	}
	resp, err := o.post(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, Transient(fmt.Errorf("decode tool round: %w", err))
	}
	if len(out.Choices) == 0 || len(out.Choices[0].Message.ToolCalls) == 0 {
		return messages, nil
	}

	augmented := messages
	for _, call := range out.Choices[0].Message.ToolCalls {
		if call.Function.Name != "web_search" {
			continue
		}
		var args struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil || args.Query == "" {
			continue
		}
		result, err := o.search(ctx, args.Query)
		if err != nil {
			o.log.Warn("web search failed", zap.String("query", args.Query), zap.Error(err))
			continue
		}
		augmented = append(augmented, ChatMessage{
			Role:    "system",
			Content: fmt.Sprintf("Web search results for %q:\n%s", args.Query, result),
		})
	}
	return augmented, nil
}

func (o *OpenAI) search(ctx context.Context, query string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.searchEndpoint, nil)
	if err != nil {
		return "", err
	}
	q := req.URL.Query()
	q.Set("q", query)
	req.URL.RawQuery = q.Encode()

	resp, err := o.client.Do(req)
	if err != nil {
		return "", Transient(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", Transient(fmt.Errorf("search endpoint returned %d", resp.StatusCode))
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", Transient(err)
	}
	return string(raw), nil
}

func (o *OpenAI) Transcribe(ctx context.Context, path, mimeType, language string) (string, error) {
	if err := o.configured(); err != nil {
		return "", err
	}

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open audio file: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", err
	}
	if err := writer.WriteField("model", "whisper-1"); err != nil {
		return "", err
	}
	if language != "" {
		if err := writer.WriteField("language", language); err != nil {
			return "", err
		}
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := o.client.Do(req)
	if err != nil {
		return "", Transient(err)
	}
	defer resp.Body.Close()
	if err := o.checkStatus(resp); err != nil {
		return "", err
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", Transient(fmt.Errorf("decode transcription: %w", err))
	}
	return out.Text, nil
}

func (o *OpenAI) GenerateImage(ctx context.Context, prompt string) (string, error) {
	if err := o.configured(); err != nil {
		return "", err
	}
	resp, err := o.post(ctx, "/images/generations", map[string]any{
		"model":  "dall-e-3",
		"prompt": prompt,
		"n":      1,
		"size":   "1024x1024",
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		Data []struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", Transient(fmt.Errorf("decode image response: %w", err))
	}
	if len(out.Data) == 0 || out.Data[0].URL == "" {
		return "", Transient(fmt.Errorf("image response contained no result"))
	}
	return out.Data[0].URL, nil
}

func (o *OpenAI) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if err := o.configured(); err != nil {
		return nil, err
	}
	if voice == "" {
		voice = "alloy"
	}
	resp, err := o.post(ctx, "/audio/speech", map[string]any{
		"model": "tts-1",
		"input": text,
		"voice": voice,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient(fmt.Errorf("read speech audio: %w", err))
	}
	return audio, nil
}

func (o *OpenAI) post(ctx context.Context, endpoint string, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, Transient(err)
	}
	if err := o.checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// checkStatus maps upstream HTTP failures onto the error taxonomy. The body
// is consumed on failure.
func (o *OpenAI) checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	detail := strings.TrimSpace(string(raw))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrQuotaExhausted, detail)
	case resp.StatusCode == http.StatusBadRequest && strings.Contains(detail, "content_policy"):
		return fmt.Errorf("%w: %s", ErrContentPolicy, detail)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: upstream rejected credentials: %s", ErrNotConfigured, detail)
	case resp.StatusCode >= 500:
		return Transient(fmt.Errorf("upstream returned %d: %s", resp.StatusCode, detail))
	default:
		return fmt.Errorf("provider: upstream returned %d: %s", resp.StatusCode, detail)
	}
}
