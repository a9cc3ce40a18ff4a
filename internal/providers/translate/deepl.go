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

	"golang.org/x/text/language"

	"doctranslate/internal/domain/jsoncfg"
	"doctranslate/internal/infra"
)

const (
	deeplProURL  = "https://api.deepl.com"
	deeplFreeURL = "https://api-free.deepl.com"

	// DeepL answers 456 when the character quota is used up.
	statusQuotaExceeded = 456
)

var deeplTargets = map[string]struct{}{
	"AR": {}, "BG": {}, "CS": {}, "DA": {}, "DE": {}, "EL": {}, "EN-GB": {}, "EN-US": {},
	"ES": {}, "ET": {}, "FI": {}, "FR": {}, "HU": {}, "ID": {}, "IT": {}, "JA": {},
	"KO": {}, "LT": {}, "LV": {}, "NB": {}, "NL": {}, "PL": {}, "PT-BR": {}, "PT-PT": {},
	"RO": {}, "RU": {}, "SK": {}, "SL": {}, "SV": {}, "TR": {}, "UK": {}, "ZH-HANS": {},
	"ZH-HANT": {},
}

// DeepLOptions configures the DeepL adapter. APIKey and BaseURL are
// defaults; a job's provider config overrides both.
type DeepLOptions struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *infra.Logger
}

// DeepL calls the v2 translate API.
type DeepL struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *infra.Logger
}

type deeplRequest struct {
	Text        []string `json:"text"`
	SourceLang  string   `json:"source_lang,omitempty"`
	TargetLang  string   `json:"target_lang"`
	Formality   string   `json:"formality,omitempty"`
	TagHandling string   `json:"tag_handling,omitempty"`
	Context     string   `json:"context,omitempty"`
}

type deeplResponse struct {
	Translations []struct {
		DetectedSourceLanguage string `json:"detected_source_language"`
		Text                   string `json:"text"`
	} `json:"translations"`
	Message string `json:"message"`
}

// NewDeepL constructs the adapter with defaults for unset options.
func NewDeepL(opts DeepLOptions) *DeepL {
	return &DeepL{
		apiKey:  strings.TrimSpace(opts.APIKey),
		baseURL: strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		client:  defaultHTTPClient(opts.HTTPClient, opts.Timeout),
		logger:  defaultLogger(opts.Logger),
	}
}

func (d *DeepL) Name() string { return jsoncfg.ProviderDeepL }

func (d *DeepL) Capabilities() Capabilities {
	return Capabilities{HTML: true, Formality: true, RequiresAuth: true}
}

// endpointFor picks the free-tier host for keys ending in ":fx".
func (d *DeepL) endpointFor(apiKey, override string) string {
	if base := coalesce(override, d.baseURL); base != "" {
		return strings.TrimRight(base, "/") + "/v2/translate"
	}
	if strings.HasSuffix(apiKey, ":fx") {
		return deeplFreeURL + "/v2/translate"
	}
	return deeplProURL + "/v2/translate"
}

func (d *DeepL) Translate(ctx context.Context, req Request) (string, error) {
	name := d.Name()
	apiKey := coalesce(req.Config.APIKey, d.apiKey)
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
	target, err := deeplTarget(dst)
	if err != nil {
		return "", err
	}
	payload := deeplRequest{
		Text:       []string{req.Text},
		TargetLang: target,
		Context:    req.PreviousContext,
	}
	if !auto {
		base, _ := src.Base()
		payload.SourceLang = strings.ToUpper(base.String())
	}
	if f := req.Config.Formality; f != "" && f != "default" {
		payload.Formality = f
	}
	if req.HTML {
		payload.TagHandling = coalesce(req.Config.TagHandling, "html")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("deepl: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpointFor(apiKey, req.Config.BaseURL), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("deepl: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "DeepL-Auth-Key "+apiKey)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return "", transportError(name, err)
	}
	defer resp.Body.Close()
	raw, err := readBody(name, resp)
	if err != nil {
		return "", err
	}
	if resp.StatusCode == statusQuotaExceeded {
		return "", &ProviderError{Kind: KindRateLimit, Provider: name, StatusCode: resp.StatusCode, Err: errors.New("quota exceeded")}
	}
	if resp.StatusCode >= 300 {
		var detail deeplResponse
		if json.Unmarshal(raw, &detail) == nil && detail.Message != "" {
			raw = []byte(detail.Message)
		}
		return "", statusError(name, resp, raw)
	}
	var decoded deeplResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", newError(name, KindMalformedResponse, fmt.Errorf("decode response: %w", err))
	}
	if len(decoded.Translations) == 0 {
		return "", newError(name, KindMalformedResponse, errors.New("no translations"))
	}
	d.logger.Debug().
		Str("provider", name).
		Str("target", target).
		Str("detected_source", decoded.Translations[0].DetectedSourceLanguage).
		Msg("deepl: translated text")
	return decoded.Translations[0].Text, nil
}

// deeplTarget maps a tag onto DeepL's target codes. Bare English and
// Portuguese resolve to their most common variants.
func deeplTarget(tag language.Tag) (string, error) {
	base, _ := tag.Base()
	code := strings.ToUpper(base.String())
	region, conf := tag.Region()
	switch code {
	case "EN":
		if conf == language.Exact && region.String() == "GB" {
			return "EN-GB", nil
		}
		return "EN-US", nil
	case "PT":
		if conf == language.Exact && region.String() == "PT" {
			return "PT-PT", nil
		}
		return "PT-BR", nil
	case "ZH":
		if script, _ := tag.Script(); script.String() == "Hant" {
			return "ZH-HANT", nil
		}
		return "ZH-HANS", nil
	case "NO", "NN":
		code = "NB"
	}
	if _, ok := deeplTargets[code]; !ok {
		return "", newError(jsoncfg.ProviderDeepL, KindUnsupportedLanguage, fmt.Errorf("target language %q is not supported", tag.String()))
	}
	return code, nil
}
