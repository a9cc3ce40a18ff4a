// Package chunker splits document text into ordered, token-bounded pieces
// with a configurable overlap between consecutive pieces.
package chunker

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	paragraphSeparator = "\n\n"
	sentenceSeparator  = " "
)

var blankLine = regexp.MustCompile(`\n[ \t]*\n`)

// Options bounds the produced pieces.
type Options struct {
	MaxTokens     int
	OverlapTokens int
}

// Piece is one chunk of text. The first OverlapLen bytes of Text repeat the
// end of the previous piece.
type Piece struct {
	Text       string
	Tokens     int
	OverlapLen int
}

// Body returns the text after the overlap prefix.
func (p Piece) Body() string {
	return strings.TrimSpace(p.Text[p.OverlapLen:])
}

// Context returns the overlap prefix.
func (p Piece) Context() string {
	return strings.TrimSpace(p.Text[:p.OverlapLen])
}

// Chunker splits text using a token counter. It holds no state between
// calls.
type Chunker struct {
	counter    Counter
	onFallback func(err error)
}

// Option customises a Chunker.
type Option func(*Chunker)

// WithFallbackHook registers a callback invoked when the counter fails and
// the chunker switches to the character approximation.
func WithFallbackHook(fn func(err error)) Option {
	return func(c *Chunker) {
		c.onFallback = fn
	}
}

// New builds a Chunker. A nil counter means the character approximation.
func New(counter Counter, opts ...Option) *Chunker {
	if counter == nil {
		counter = CharCounter{}
	}
	c := &Chunker{counter: counter}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Split turns text into pieces of at most opts.MaxTokens tokens. A single
// sentence longer than MaxTokens is emitted whole as an oversized piece. If
// the counter fails, the whole text is re-split with the character
// approximation so the result stays internally consistent.
func (c *Chunker) Split(text string, opts Options) []Piece {
	pieces, err := split(text, opts, c.counter)
	if err == nil {
		return pieces
	}
	if c.onFallback != nil {
		c.onFallback(err)
	}
	pieces, _ = split(text, opts, CharCounter{})
	return pieces
}

type unit struct {
	text   string
	tokens int
	sep    string
}

type packer struct {
	counter  Counter
	opts     Options
	sepCount map[string]int

	buf        strings.Builder
	tokens     int
	overlapLen int
	fresh      bool
	out        []Piece
}

func split(text string, opts Options, counter Counter) ([]Piece, error) {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1
	}
	if opts.OverlapTokens < 0 {
		opts.OverlapTokens = 0
	}
	paragraphs := Paragraphs(text)
	if len(paragraphs) == 0 {
		return nil, nil
	}
	p := &packer{counter: counter, opts: opts, sepCount: make(map[string]int, 2)}
	for _, sep := range []string{paragraphSeparator, sentenceSeparator} {
		n, err := counter.Count(sep)
		if err != nil {
			return nil, err
		}
		p.sepCount[sep] = n
	}
	for _, para := range paragraphs {
		n, err := counter.Count(para)
		if err != nil {
			return nil, err
		}
		if n <= opts.MaxTokens {
			if err := p.add(unit{text: para, tokens: n, sep: paragraphSeparator}); err != nil {
				return nil, err
			}
			continue
		}
		for i, sentence := range Sentences(para) {
			sn, err := counter.Count(sentence)
			if err != nil {
				return nil, err
			}
			sep := sentenceSeparator
			if i == 0 {
				sep = paragraphSeparator
			}
			if err := p.add(unit{text: sentence, tokens: sn, sep: sep}); err != nil {
				return nil, err
			}
		}
	}
	p.emit()
	return p.out, nil
}

func (p *packer) add(u unit) error {
	sepTokens := p.sepCount[u.sep]
	if p.fresh && p.tokens+sepTokens+u.tokens > p.opts.MaxTokens {
		if err := p.close(u, sepTokens); err != nil {
			return err
		}
	}
	if p.buf.Len() > 0 {
		p.buf.WriteString(u.sep)
		p.tokens += sepTokens
	}
	p.buf.WriteString(u.text)
	p.tokens += u.tokens
	p.fresh = true
	return nil
}

// close emits the current piece and seeds the next one with the tail of the
// emitted text. The seed is shortened when it would push a unit that fits on
// its own past MaxTokens.
func (p *packer) close(next unit, sepTokens int) error {
	closed := p.buf.String()
	p.emit()
	overlap := p.opts.OverlapTokens
	if next.tokens <= p.opts.MaxTokens {
		if room := p.opts.MaxTokens - next.tokens - sepTokens; room < overlap {
			overlap = room
		}
	}
	if overlap <= 0 {
		return nil
	}
	seed, err := p.counter.Tail(closed, overlap)
	if err != nil {
		return err
	}
	seed = strings.TrimLeftFunc(seed, unicode.IsSpace)
	if seed == "" {
		return nil
	}
	n, err := p.counter.Count(seed)
	if err != nil {
		return err
	}
	p.buf.WriteString(seed)
	p.tokens = n
	p.overlapLen = len(seed) + len(next.sep)
	return nil
}

func (p *packer) emit() {
	if p.fresh {
		p.out = append(p.out, Piece{Text: p.buf.String(), Tokens: p.tokens, OverlapLen: p.overlapLen})
	}
	p.buf.Reset()
	p.tokens = 0
	p.overlapLen = 0
	p.fresh = false
}

// Paragraphs normalizes text and splits it on blank lines, dropping
// whitespace-only paragraphs.
func Paragraphs(text string) []string {
	text = norm.NFC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	var out []string
	for _, part := range blankLine.Split(text, -1) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Sentences splits a paragraph after '.', '!' or '?' when followed by
// whitespace. Terminal punctuation stays with its sentence.
func Sentences(paragraph string) []string {
	var out []string
	runes := []rune(paragraph)
	start := 0
	for i := 0; i < len(runes)-1; i++ {
		switch runes[i] {
		case '.', '!', '?':
		default:
			continue
		}
		if !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}
