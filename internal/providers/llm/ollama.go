// Package llm is the client for the local model runtime used by the
// enhancement pipeline.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"doctranslate/internal/domain/jsoncfg"
	"doctranslate/internal/infra"
)

// ErrEmptyReply is returned when the model produced no text.
var ErrEmptyReply = errors.New("ollama: empty reply")

// Options configures the Ollama client.
type Options struct {
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client calls Ollama's /api/chat endpoint without streaming.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

// CompletionRequest is one chat exchange.
type CompletionRequest struct {
	Model  string
	System string
	Prompt string
	Tuning jsoncfg.Tuning
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
	Error   string      `json:"error"`
}

// NewClient constructs a client with defaults for unset options.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, logger: logger}
}

// Complete sends the prompt and returns the assistant reply. Tuning values
// are passed through as Ollama options.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	if strings.TrimSpace(req.Model) == "" {
		return "", errors.New("ollama: model is required")
	}
	payload := chatRequest{
		Model:   req.Model,
		Stream:  false,
		Options: tuningOptions(req.Tuning),
	}
	if s := strings.TrimSpace(req.System); s != "" {
		payload.Messages = append(payload.Messages, chatMessage{Role: "system", Content: s})
	}
	payload.Messages = append(payload.Messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("ollama: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ollama: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("ollama: http request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("ollama: read response: %w", err)
	}
	var decoded chatResponse
	decodeErr := json.Unmarshal(raw, &decoded)
	if resp.StatusCode >= 300 {
		if decodeErr == nil && decoded.Error != "" {
			return "", fmt.Errorf("ollama: status %d: %s", resp.StatusCode, decoded.Error)
		}
		return "", fmt.Errorf("ollama: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if decodeErr != nil {
		return "", fmt.Errorf("ollama: decode response: %w", decodeErr)
	}
	reply := strings.TrimSpace(decoded.Message.Content)
	if reply == "" {
		return "", ErrEmptyReply
	}
	c.logger.Debug().
		Str("model", req.Model).
		Dur("elapsed", time.Since(started)).
		Msg("ollama: completion finished")
	return reply, nil
}

func tuningOptions(t jsoncfg.Tuning) map[string]any {
	opts := make(map[string]any, 5)
	if t.ContextWindow > 0 {
		opts["num_ctx"] = t.ContextWindow
	}
	if t.BatchSize > 0 {
		opts["num_batch"] = t.BatchSize
	}
	if t.Threads > 0 {
		opts["num_thread"] = t.Threads
	}
	if t.GPULayers != 0 {
		opts["num_gpu"] = t.GPULayers
	}
	if t.Temperature > 0 {
		opts["temperature"] = t.Temperature
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}
