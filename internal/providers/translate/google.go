package translate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/text/language"

	"doctranslate/internal/domain/jsoncfg"
	"doctranslate/internal/infra"
)

// GoogleOptions configures the public Google Translate adapter.
type GoogleOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *infra.Logger
}

// Google calls the keyless translate_a/single endpoint. It handles plain
// text only.
type Google struct {
	baseURL string
	client  *http.Client
	logger  *infra.Logger
}

// NewGoogle constructs the adapter with defaults for unset options.
func NewGoogle(opts GoogleOptions) *Google {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://translate.googleapis.com"
	}
	return &Google{
		baseURL: baseURL,
		client:  defaultHTTPClient(opts.HTTPClient, opts.Timeout),
		logger:  defaultLogger(opts.Logger),
	}
}

func (g *Google) Name() string { return jsoncfg.ProviderGoogle }

func (g *Google) Capabilities() Capabilities {
	return Capabilities{}
}

func (g *Google) Translate(ctx context.Context, req Request) (string, error) {
	name := g.Name()
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
		source = googleCode(src)
	}
	target := googleCode(dst)

	query := url.Values{}
	query.Set("client", "gtx")
	query.Set("sl", source)
	query.Set("tl", target)
	query.Set("dt", "t")
	endpoint := g.baseURL + "/translate_a/single?" + query.Encode()
	form := url.Values{}
	form.Set("q", req.Text)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("google: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=UTF-8")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", transportError(name, err)
	}
	defer resp.Body.Close()
	raw, err := readBody(name, resp)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 300 {
		return "", statusError(name, resp, raw)
	}
	text, err := parseGoogleResponse(raw)
	if err != nil {
		return "", newError(name, KindMalformedResponse, err)
	}
	g.logger.Debug().
		Str("provider", name).
		Str("target", target).
		Int("chars", len(req.Text)).
		Msg("google: translated text")
	return text, nil
}

// parseGoogleResponse concatenates the translated segments of a
// [[["translated","original",...],...],...] payload.
func parseGoogleResponse(raw []byte) (string, error) {
	var outer []json.RawMessage
	if err := json.Unmarshal(raw, &outer); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(outer) == 0 {
		return "", errors.New("empty response")
	}
	var segments [][]any
	if err := json.Unmarshal(outer[0], &segments); err != nil {
		return "", fmt.Errorf("decode segments: %w", err)
	}
	var b strings.Builder
	for _, seg := range segments {
		if len(seg) == 0 {
			continue
		}
		if s, ok := seg[0].(string); ok {
			b.WriteString(s)
		}
	}
	if b.Len() == 0 {
		return "", errors.New("no translated segments")
	}
	return b.String(), nil
}

func googleCode(tag language.Tag) string {
	base, _ := tag.Base()
	if base.String() == "zh" {
		script, _ := tag.Script()
		region, _ := tag.Region()
		if script.String() == "Hant" || region.String() == "TW" || region.String() == "HK" {
			return "zh-TW"
		}
		return "zh-CN"
	}
	return base.String()
}
