package jsoncfg

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Provider identifiers accepted in a ProviderConfig.
const (
	ProviderLocal  = "local"
	ProviderGoogle = "google"
	ProviderDeepL  = "deepl"
	ProviderOpenAI = "openai"
)

var providerAliases = map[string]string{
	"local":             ProviderLocal,
	"libretranslate":    ProviderLocal,
	"google":            ProviderGoogle,
	"google-translate":  ProviderGoogle,
	"deepl":             ProviderDeepL,
	"deepl-free":        ProviderDeepL,
	"deepl-pro":         ProviderDeepL,
	"openai":            ProviderOpenAI,
	"openai-compatible": ProviderOpenAI,
	"chatgpt":           ProviderOpenAI,
}

var allowedFormality = map[string]struct{}{
	"":            {},
	"default":     {},
	"more":        {},
	"less":        {},
	"prefer_more": {},
	"prefer_less": {},
}

var allowedTagHandling = map[string]struct{}{
	"":     {},
	"html": {},
	"xml":  {},
}

// ProviderConfig is the immutable per-job snapshot of provider identity,
// credentials and provider-specific options.
type ProviderConfig struct {
	Provider       string            `json:"provider"`
	APIKey         string            `json:"api_key,omitempty"`
	Model          string            `json:"model,omitempty"`
	BaseURL        string            `json:"base_url,omitempty"`
	Formality      string            `json:"formality,omitempty"`
	TagHandling    string            `json:"tag_handling,omitempty"`
	HTML           bool              `json:"html,omitempty"`
	Glossary       map[string]string `json:"glossary,omitempty"`
	Temperature    float64           `json:"temperature,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// CanonicalProvider resolves aliases such as "libretranslate" or
// "openai-compatible" to a provider identifier.
func CanonicalProvider(name string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.ReplaceAll(key, "_", "-")
	canonical, ok := providerAliases[key]
	return canonical, ok
}

// Normalize trims values and resolves provider aliases.
func (p *ProviderConfig) Normalize() {
	if p == nil {
		return
	}
	if canonical, ok := CanonicalProvider(p.Provider); ok {
		p.Provider = canonical
	} else {
		p.Provider = strings.ToLower(strings.TrimSpace(p.Provider))
	}
	p.APIKey = strings.TrimSpace(p.APIKey)
	p.Model = strings.TrimSpace(p.Model)
	p.BaseURL = strings.TrimRight(strings.TrimSpace(p.BaseURL), "/")
	p.Formality = strings.ToLower(strings.TrimSpace(p.Formality))
	p.TagHandling = strings.ToLower(strings.TrimSpace(p.TagHandling))
	if p.HTML && p.TagHandling == "" {
		p.TagHandling = "html"
	}
	if p.TimeoutSeconds < 0 {
		p.TimeoutSeconds = 0
	}
}

// Validate checks the snapshot before it is attached to a job.
func (p ProviderConfig) Validate() error {
	if _, ok := CanonicalProvider(p.Provider); !ok {
		return fmt.Errorf("provider %q is not supported", p.Provider)
	}
	if _, ok := allowedFormality[p.Formality]; !ok {
		return fmt.Errorf("formality must be one of default, more, less, prefer_more, prefer_less")
	}
	if _, ok := allowedTagHandling[p.TagHandling]; !ok {
		return fmt.Errorf("tag_handling must be html or xml")
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	for src, dst := range p.Glossary {
		if strings.TrimSpace(src) == "" || strings.TrimSpace(dst) == "" {
			return fmt.Errorf("glossary entries must not be empty")
		}
	}
	return nil
}

// Clone copies the snapshot including the glossary map.
func (p ProviderConfig) Clone() ProviderConfig {
	out := p
	if p.Glossary != nil {
		out.Glossary = make(map[string]string, len(p.Glossary))
		for k, v := range p.Glossary {
			out.Glossary[k] = v
		}
	}
	return out
}

// Redacted returns a copy safe to expose over the API.
func (p ProviderConfig) Redacted() ProviderConfig {
	out := p.Clone()
	if out.APIKey != "" {
		out.APIKey = maskSecret(out.APIKey)
	}
	return out
}

func maskSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}

// MustMarshal encodes v or panics; used for snapshots whose types always
// marshal.
func MustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("json marshal: %w", err))
	}
	return b
}
