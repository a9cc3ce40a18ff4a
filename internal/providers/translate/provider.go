// Package translate adapts machine translation services to a single
// Translator interface.
package translate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/language"

	"doctranslate/internal/domain/jsoncfg"
	"doctranslate/internal/infra"
)

// Capabilities declares what a provider supports.
type Capabilities struct {
	HTML           bool
	Glossary       bool
	Formality      bool
	ModelSelection bool
	RequiresAuth   bool
}

// Request is one translation call. Config carries the per-job options; its
// APIKey, BaseURL and Model override the adapter defaults when set.
type Request struct {
	Text            string
	SourceLang      string
	TargetLang      string
	HTML            bool
	PreviousContext string
	Config          jsoncfg.ProviderConfig
}

// Translator is implemented by every provider adapter. Implementations are
// stateless and safe for concurrent use.
type Translator interface {
	Name() string
	Capabilities() Capabilities
	Translate(ctx context.Context, req Request) (string, error)
}

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindAuth                ErrorKind = "auth"
	KindRateLimit           ErrorKind = "rate_limit"
	KindNetwork             ErrorKind = "network"
	KindUnsupportedLanguage ErrorKind = "unsupported_language"
	KindMalformedResponse   ErrorKind = "malformed_response"
	KindRejected            ErrorKind = "rejected"
)

// ProviderError is returned by adapters for every failed call.
type ProviderError struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether a later attempt may succeed.
func (e *ProviderError) Retryable() bool {
	return e.Kind == KindRateLimit || e.Kind == KindNetwork
}

// AsProviderError extracts a ProviderError from err.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

func newError(provider string, kind ErrorKind, err error) *ProviderError {
	return &ProviderError{Kind: kind, Provider: provider, Err: err}
}

// transportError wraps a failed round trip. Timeouts and connection errors
// are both network failures.
func transportError(provider string, err error) *ProviderError {
	return newError(provider, KindNetwork, err)
}

// statusError maps a non-2xx response onto an error kind.
func statusError(provider string, resp *http.Response, body []byte) *ProviderError {
	pe := &ProviderError{Provider: provider, StatusCode: resp.StatusCode}
	detail := strings.TrimSpace(truncate(string(body), 300))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		pe.Kind = KindAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		pe.Kind = KindRateLimit
		pe.RetryAfter = retryAfter(resp.Header.Get("Retry-After"), body, time.Now())
	case resp.StatusCode >= 500:
		pe.Kind = KindNetwork
		pe.RetryAfter = retryAfter(resp.Header.Get("Retry-After"), nil, time.Now())
	case mentionsLanguage(detail):
		pe.Kind = KindUnsupportedLanguage
	default:
		pe.Kind = KindRejected
	}
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}
	pe.Err = errors.New(detail)
	return pe
}

func mentionsLanguage(detail string) bool {
	lower := strings.ToLower(detail)
	return strings.Contains(lower, "language") && (strings.Contains(lower, "not supported") || strings.Contains(lower, "unsupported") || strings.Contains(lower, "invalid"))
}

// retryAfter reads a Retry-After header (seconds or HTTP date) and falls back
// to the RetryInfo detail some Google-style APIs put in the body.
func retryAfter(header string, body []byte, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header != "" {
		if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(header); err == nil && at.After(now) {
			return at.Sub(now)
		}
	}
	if len(body) == 0 {
		return 0
	}
	var errResp struct {
		Error struct {
			Details []struct {
				Type       string `json:"@type"`
				RetryDelay string `json:"retryDelay"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return 0
	}
	for _, detail := range errResp.Error.Details {
		if strings.Contains(detail.Type, "RetryInfo") && detail.RetryDelay != "" {
			d := strings.TrimSuffix(detail.RetryDelay, "s")
			if secs, err := strconv.ParseFloat(d, 64); err == nil && secs > 0 {
				return time.Duration(secs * float64(time.Second))
			}
		}
	}
	return 0
}

// normalizeLanguage validates a BCP 47 tag. "auto" is accepted for source
// languages and returned as "auto".
func normalizeLanguage(provider, tag string, allowAuto bool) (language.Tag, bool, error) {
	tag = strings.TrimSpace(tag)
	if allowAuto && (tag == "" || strings.EqualFold(tag, "auto")) {
		return language.Und, true, nil
	}
	parsed, err := language.Parse(tag)
	if err != nil || parsed.IsRoot() {
		return language.Und, false, newError(provider, KindUnsupportedLanguage, fmt.Errorf("invalid language %q", tag))
	}
	return parsed, false, nil
}

// ValidateLanguages checks a source/target pair without calling a provider.
func ValidateLanguages(source, target string) error {
	if _, _, err := normalizeLanguage("input", source, true); err != nil {
		return err
	}
	if _, _, err := normalizeLanguage("input", target, false); err != nil {
		return err
	}
	return nil
}

func readBody(provider string, resp *http.Response) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, transportError(provider, fmt.Errorf("read response: %w", err))
	}
	return raw, nil
}

func defaultHTTPClient(client *http.Client, timeout time.Duration) *http.Client {
	if client != nil {
		return client
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func defaultLogger(logger *infra.Logger) *infra.Logger {
	if logger != nil {
		return logger
	}
	discard := zerolog.New(io.Discard)
	l := infra.Logger(discard)
	return &l
}

func coalesce(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
