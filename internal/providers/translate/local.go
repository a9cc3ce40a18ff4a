package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"doctranslate/internal/domain/jsoncfg"
	"doctranslate/internal/infra"
)

// LocalOptions configures the self-hosted LibreTranslate-compatible adapter.
type LocalOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *infra.Logger
}

// Local talks to a LibreTranslate-compatible server. It needs no credentials;
// an API key is forwarded when the job supplies one.
type Local struct {
	baseURL string
	client  *http.Client
	logger  *infra.Logger
}

type localRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
	APIKey string `json:"api_key,omitempty"`
}

type localResponse struct {
	TranslatedText *string `json:"translatedText"`
	Error          string  `json:"error"`
}

// NewLocal constructs the adapter with defaults for unset options.
func NewLocal(opts LocalOptions) *Local {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:5000"
	}
	return &Local{
		baseURL: baseURL,
		client:  defaultHTTPClient(opts.HTTPClient, opts.Timeout),
		logger:  defaultLogger(opts.Logger),
	}
}

func (l *Local) Name() string { return jsoncfg.ProviderLocal }

func (l *Local) Capabilities() Capabilities {
	return Capabilities{HTML: true}
}

func (l *Local) Translate(ctx context.Context, req Request) (string, error) {
	name := l.Name()
	src, auto, err := normalizeLanguage(name, req.SourceLang, true)
	if err != nil {
		return "", err
	}
	dst, _, err := normalizeLanguage(name, req.TargetLang, false)
	if err != nil {
		return "", err
	}
	source := "auto"
	if !auto {
		base, _ := src.Base()
		source = base.String()
	}
	target, _ := dst.Base()
	payload := localRequest{
		Q:      req.Text,
		Source: source,
		Target: target.String(),
		Format: "text",
		APIKey: strings.TrimSpace(req.Config.APIKey),
	}
	if req.HTML {
		payload.Format = "html"
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("local: encode request: %w", err)
	}
	endpoint := coalesce(req.Config.BaseURL, l.baseURL) + "/translate"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("local: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return "", transportError(name, err)
	}
	defer resp.Body.Close()
	raw, err := readBody(name, resp)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 300 {
		var detail localResponse
		if json.Unmarshal(raw, &detail) == nil && detail.Error != "" {
			raw = []byte(detail.Error)
		}
		return "", statusError(name, resp, raw)
	}
	var decoded localResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", newError(name, KindMalformedResponse, fmt.Errorf("decode response: %w", err))
	}
	if decoded.TranslatedText == nil {
		return "", newError(name, KindMalformedResponse, errors.New("missing translatedText"))
	}
	l.logger.Debug().
		Str("provider", name).
		Str("target", payload.Target).
		Int("chars", len(req.Text)).
		Msg("local: translated text")
	return *decoded.TranslatedText, nil
}
