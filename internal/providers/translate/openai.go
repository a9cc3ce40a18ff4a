package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"doctranslate/internal/domain/jsoncfg"
	"doctranslate/internal/infra"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIOptions configures the OpenAI-compatible chat adapter.
type OpenAIOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *infra.Logger
}

// OpenAI translates through any /chat/completions compatible endpoint.
type OpenAI struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
	logger  *infra.Logger
}

type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// NewOpenAI constructs the adapter with defaults for unset options.
func NewOpenAI(opts OpenAIOptions) *OpenAI {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAI{
		apiKey:  strings.TrimSpace(opts.APIKey),
		baseURL: baseURL,
		model:   coalesce(opts.Model, defaultOpenAIModel),
		client:  defaultHTTPClient(opts.HTTPClient, opts.Timeout),
		logger:  defaultLogger(opts.Logger),
	}
}

func (o *OpenAI) Name() string { return jsoncfg.ProviderOpenAI }

func (o *OpenAI) Capabilities() Capabilities {
	return Capabilities{HTML: true, Glossary: true, ModelSelection: true, RequiresAuth: true}
}

func (o *OpenAI) Translate(ctx context.Context, req Request) (string, error) {
	name := o.Name()
	apiKey := coalesce(req.Config.APIKey, o.apiKey)
	if apiKey == "" {
		return "", newError(name, KindAuth, errors.New("api key is required"))
	}
	src, auto, err := normalizeLanguage(name, req.SourceLang, true)
	if err != nil {
		return "", err
	}
	dst, _, err := normalizeLanguage(name, req.TargetLang, false)
	if err != nil {
		return "", err
	}
	sourceName := ""
	if !auto {
		sourceName = languageName(src)
	}
	payload := openAIChatRequest{
		Model: coalesce(req.Config.Model, o.model),
		Messages: []openAIMessage{
			{Role: "system", Content: buildSystemPrompt(sourceName, languageName(dst), req.HTML, req.Config.Glossary)},
			{Role: "user", Content: buildUserPrompt(req.Text, req.PreviousContext)},
		},
	}
	if req.Config.Temperature > 0 {
		temp := req.Config.Temperature
		payload.Temperature = &temp
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("openai: encode request: %w", err)
	}
	endpoint := coalesce(req.Config.BaseURL, o.baseURL) + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("openai: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", transportError(name, err)
	}
	defer resp.Body.Close()
	raw, err := readBody(name, resp)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 300 {
		var detail openAIChatResponse
		if json.Unmarshal(raw, &detail) == nil && detail.Error != nil && detail.Error.Message != "" {
			pe := statusError(name, resp, raw)
			pe.Err = errors.New(detail.Error.Message)
			return "", pe
		}
		return "", statusError(name, resp, raw)
	}
	var decoded openAIChatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", newError(name, KindMalformedResponse, fmt.Errorf("decode response: %w", err))
	}
	if len(decoded.Choices) == 0 {
		return "", newError(name, KindMalformedResponse, errors.New("no choices"))
	}
	text := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if text == "" {
		return "", newError(name, KindMalformedResponse, errors.New("empty response"))
	}
	o.logger.Debug().
		Str("provider", name).
		Str("model", payload.Model).
		Int("chars", len(req.Text)).
		Msg("openai: translated text")
	return text, nil
}

func languageName(tag language.Tag) string {
	if n := display.English.Tags().Name(tag); n != "" {
		return n
	}
	return tag.String()
}

func buildSystemPrompt(source, target string, html bool, glossary map[string]string) string {
	var b strings.Builder
	b.WriteString("You are a professional translator. Translate the user's text")
	if source != "" {
		b.WriteString(" from ")
		b.WriteString(source)
	}
	b.WriteString(" into ")
	b.WriteString(target)
	b.WriteString(". Reply with the translation only, without notes or quotes.")
	if html {
		b.WriteString(" The text is HTML: keep every tag and attribute unchanged and translate only the text content.")
	}
	if len(glossary) > 0 {
		terms := make([]string, 0, len(glossary))
		for src := range glossary {
			terms = append(terms, src)
		}
		sort.Strings(terms)
		b.WriteString("\nAlways use these term translations:\n")
		for _, src := range terms {
			fmt.Fprintf(&b, "- %s => %s\n", src, glossary[src])
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func buildUserPrompt(text, previous string) string {
	previous = strings.TrimSpace(previous)
	if previous == "" {
		return text
	}
	return "Preceding text, for context only (do not translate it):\n<<<\n" + previous + "\n>>>\n\nText to translate:\n" + text
}
