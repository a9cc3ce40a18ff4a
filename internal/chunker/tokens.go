package chunker

import (
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// CharsPerToken is the approximation used when no tokenizer is available.
const CharsPerToken = 4

// DefaultEncoding is the BPE encoding used by NewTiktokenCounter when none is
// configured.
const DefaultEncoding = "cl100k_base"

// ErrCounterClosed is returned by a counter after Close.
var ErrCounterClosed = errors.New("chunker: token counter closed")

// Counter converts between text and token counts.
type Counter interface {
	// Count returns the number of tokens in text.
	Count(text string) (int, error)
	// Tail returns the text decoded from the last n tokens of text.
	Tail(text string, n int) (string, error)
}

// CharCounter approximates tokens as CharsPerToken runes each. It never fails.
type CharCounter struct{}

func (CharCounter) Count(text string) (int, error) {
	return approxTokens(text), nil
}

func (CharCounter) Tail(text string, n int) (string, error) {
	return approxTail(text, n), nil
}

func approxTokens(text string) int {
	runes := utf8.RuneCountInString(text)
	return (runes + CharsPerToken - 1) / CharsPerToken
}

func approxTail(text string, n int) string {
	if n <= 0 {
		return ""
	}
	keep := n * CharsPerToken
	runes := []rune(text)
	if keep >= len(runes) {
		return text
	}
	return string(runes[len(runes)-keep:])
}

// TiktokenCounter counts tokens with a BPE encoding. It is an explicitly
// owned resource: construct it once per process and Close it on shutdown.
type TiktokenCounter struct {
	mu  sync.RWMutex
	enc bpe
}

// bpe is the part of *tiktoken.Tiktoken the counter needs.
type bpe interface {
	Encode(text string, allowedSpecial []string, disallowedSpecial []string) []int
	Decode(tokens []int) string
}

// NewTiktokenCounter loads the named encoding. Loading may need network
// access the first time; callers should fall back to CharCounter on error.
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("chunker: load encoding %s: %w", encoding, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) Count(text string) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.enc == nil {
		return 0, ErrCounterClosed
	}
	return len(c.enc.Encode(text, nil, nil)), nil
}

func (c *TiktokenCounter) Tail(text string, n int) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.enc == nil {
		return "", ErrCounterClosed
	}
	if n <= 0 {
		return "", nil
	}
	tokens := c.enc.Encode(text, nil, nil)
	if n >= len(tokens) {
		return text, nil
	}
	return trimPartialRune(c.enc.Decode(tokens[len(tokens)-n:])), nil
}

// trimPartialRune drops the leading bytes of a character whose start fell
// outside the decoded token window.
func trimPartialRune(s string) string {
	for s != "" {
		r, size := utf8.DecodeRuneInString(s)
		if r != utf8.RuneError || size > 1 {
			break
		}
		s = s[1:]
	}
	return s
}

// Close releases the encoding. Further calls fail with ErrCounterClosed.
func (c *TiktokenCounter) Close() error {
	c.mu.Lock()
	c.enc = nil
	c.mu.Unlock()
	return nil
}

var (
	_ Counter = CharCounter{}
	_ Counter = (*TiktokenCounter)(nil)
)
