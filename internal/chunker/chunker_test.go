package chunker

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
)

// wordCounter treats each whitespace-separated word as one token so sizes in
// tests are exact.
type wordCounter struct{}

func (wordCounter) Count(text string) (int, error) {
	return len(strings.Fields(text)), nil
}

func (wordCounter) Tail(text string, n int) (string, error) {
	words := strings.Fields(text)
	if n >= len(words) {
		return strings.Join(words, " "), nil
	}
	return strings.Join(words[len(words)-n:], " "), nil
}

type failingCounter struct{}

func (failingCounter) Count(string) (int, error)       { return 0, errors.New("tokenizer offline") }
func (failingCounter) Tail(string, int) (string, error) { return "", errors.New("tokenizer offline") }

func words(prefix string, n int) string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return strings.Join(out, " ")
}

func sentence(prefix string, n int) string {
	return words(prefix, n) + "."
}

func TestSplitPacksParagraphsWithOverlap(t *testing.T) {
	text := strings.Join([]string{words("a", 1000), words("b", 1000), words("c", 1000)}, "\n\n")

	pieces := New(wordCounter{}).Split(text, Options{MaxTokens: 2400, OverlapTokens: 100})
	if len(pieces) != 2 {
		t.Fatalf("expected 2 pieces, got %d", len(pieces))
	}
	if pieces[0].Tokens != 2000 || pieces[0].OverlapLen != 0 {
		t.Fatalf("first piece mismatch: tokens=%d overlap=%d", pieces[0].Tokens, pieces[0].OverlapLen)
	}
	want, _ := wordCounter{}.Tail(pieces[0].Text, 100)
	if got := pieces[1].Context(); got != want {
		t.Fatalf("overlap mismatch: got %q want %q", got[:40], want[:40])
	}
	if !strings.HasPrefix(pieces[1].Text, want) {
		t.Fatalf("second piece does not begin with the tail of the first")
	}
	if pieces[1].Tokens != 1100 {
		t.Fatalf("second piece tokens = %d, want 1100", pieces[1].Tokens)
	}
	if pieces[1].Body() != words("c", 1000) {
		t.Fatalf("body should be exactly the third paragraph")
	}
}

func TestSplitOversizedSentenceBecomesOwnPiece(t *testing.T) {
	var sentences []string
	for i := 0; i < 4; i++ {
		sentences = append(sentences, sentence(fmt.Sprintf("s%d_", i), 500))
	}
	long := sentence("long", 3000)
	sentences = append(sentences, long)
	text := strings.Join(sentences, " ")

	pieces := New(wordCounter{}).Split(text, Options{MaxTokens: 2400, OverlapTokens: 100})
	if len(pieces) != 2 {
		t.Fatalf("expected 2 pieces, got %d", len(pieces))
	}
	if pieces[0].Tokens != 2000 {
		t.Fatalf("first piece tokens = %d, want 2000", pieces[0].Tokens)
	}
	if pieces[1].Tokens <= 2400 {
		t.Fatalf("expected oversized piece, got %d tokens", pieces[1].Tokens)
	}
	if pieces[1].Body() != long {
		t.Fatalf("oversized sentence must be kept whole")
	}
}

func TestSplitRespectsBound(t *testing.T) {
	sizes := []int{120, 40, 300, 80, 500, 10, 260, 260, 90, 400, 15, 333}
	var paragraphs []string
	for i, n := range sizes {
		paragraphs = append(paragraphs, words(fmt.Sprintf("p%d_", i), n))
	}
	text := strings.Join(paragraphs, "\n\n")

	for _, opts := range []Options{
		{MaxTokens: 500, OverlapTokens: 0},
		{MaxTokens: 500, OverlapTokens: 50},
		{MaxTokens: 600, OverlapTokens: 200},
		{MaxTokens: 520, OverlapTokens: 499},
	} {
		t.Run(fmt.Sprintf("max%d_overlap%d", opts.MaxTokens, opts.OverlapTokens), func(t *testing.T) {
			pieces := New(wordCounter{}).Split(text, opts)
			if len(pieces) == 0 {
				t.Fatalf("no pieces")
			}
			var rebuilt []string
			for i, p := range pieces {
				if p.Tokens > opts.MaxTokens {
					t.Fatalf("piece %d has %d tokens, bound %d", i, p.Tokens, opts.MaxTokens)
				}
				if n, _ := (wordCounter{}).Count(p.Text); n != p.Tokens {
					t.Fatalf("piece %d token count %d does not match text (%d)", i, p.Tokens, n)
				}
				rebuilt = append(rebuilt, strings.Fields(p.Body())...)
			}
			if got, want := strings.Join(rebuilt, " "), strings.Join(strings.Fields(text), " "); got != want {
				t.Fatalf("bodies do not reassemble into the source text")
			}
		})
	}
}

func TestSplitOverlapContinuity(t *testing.T) {
	var paragraphs []string
	for i := 0; i < 30; i++ {
		paragraphs = append(paragraphs, words(fmt.Sprintf("q%d_", i), 40+i*7))
	}
	text := strings.Join(paragraphs, "\n\n")
	const overlap = 25

	pieces := New(wordCounter{}).Split(text, Options{MaxTokens: 400, OverlapTokens: overlap})
	if len(pieces) < 3 {
		t.Fatalf("expected several pieces, got %d", len(pieces))
	}
	for i := 1; i < len(pieces); i++ {
		ctx := strings.Fields(pieces[i].Context())
		if len(ctx) == 0 || len(ctx) > overlap {
			t.Fatalf("piece %d overlap has %d tokens", i, len(ctx))
		}
		prev := strings.Fields(pieces[i-1].Text)
		tail := prev[len(prev)-len(ctx):]
		if !reflect.DeepEqual(ctx, tail) {
			t.Fatalf("piece %d overlap %v does not match previous tail %v", i, ctx, tail)
		}
	}
}

func TestSplitShrinksOverlapToKeepBound(t *testing.T) {
	text := words("x", 90) + "\n\n" + words("y", 95)

	pieces := New(wordCounter{}).Split(text, Options{MaxTokens: 100, OverlapTokens: 20})
	if len(pieces) != 2 {
		t.Fatalf("expected 2 pieces, got %d", len(pieces))
	}
	if pieces[1].Tokens != 100 {
		t.Fatalf("second piece tokens = %d, want 100", pieces[1].Tokens)
	}
	if got := len(strings.Fields(pieces[1].Context())); got != 5 {
		t.Fatalf("overlap = %d tokens, want 5", got)
	}
}

func TestSplitIsIdempotent(t *testing.T) {
	text := strings.Join([]string{
		"Café au lait. " + words("m", 60),
		words("n", 80) + ". Second sentence! Third?",
		words("o", 200),
	}, "\n\n")
	c := New(wordCounter{})
	opts := Options{MaxTokens: 120, OverlapTokens: 10}

	first := c.Split(text, opts)
	second := c.Split(text, opts)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("split is not deterministic")
	}
	composed := c.Split(strings.ReplaceAll(text, "\u00e9", "e\u0301"), opts)
	if !reflect.DeepEqual(first, composed) {
		t.Fatalf("NFC-equivalent input produced different pieces")
	}
}

func TestSplitEmptyInput(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\n\t\n  \n"} {
		if pieces := New(nil).Split(text, Options{MaxTokens: 10, OverlapTokens: 2}); len(pieces) != 0 {
			t.Fatalf("expected no pieces for %q, got %d", text, len(pieces))
		}
	}
}

func TestSplitFallsBackToCharCounter(t *testing.T) {
	text := strings.Repeat("abcd ", 300) + "\n\n" + strings.Repeat("efgh ", 300)
	opts := Options{MaxTokens: 200, OverlapTokens: 20}

	var fallbacks int
	got := New(failingCounter{}, WithFallbackHook(func(error) { fallbacks++ })).Split(text, opts)
	want := New(CharCounter{}).Split(text, opts)
	if fallbacks != 1 {
		t.Fatalf("fallback hook called %d times, want 1", fallbacks)
	}
	if len(got) == 0 || !reflect.DeepEqual(got, want) {
		t.Fatalf("fallback pieces differ from char-counter pieces")
	}
}

func TestCharCounter(t *testing.T) {
	c := CharCounter{}
	if n, _ := c.Count("abcdefghi"); n != 3 {
		t.Fatalf("Count = %d, want 3", n)
	}
	if n, _ := c.Count("héllo"); n != 2 {
		t.Fatalf("Count should use runes, got %d", n)
	}
	if tail, _ := c.Tail("0123456789", 2); tail != "23456789" {
		t.Fatalf("Tail = %q", tail)
	}
	if tail, _ := c.Tail("abc", 5); tail != "abc" {
		t.Fatalf("Tail of short text = %q", tail)
	}
}

func TestSentences(t *testing.T) {
	got := Sentences("One. Two!  Three?\nFour v1.2 stays. Last")
	want := []string{"One.", "Two!", "Three?", "Four v1.2 stays.", "Last"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Sentences = %#v", got)
	}
}

func TestStripTags(t *testing.T) {
	got := StripTags("<p>Hello &amp; <b>welcome</b></p><p>Second   line<br>third</p>")
	want := "Hello & welcome\nSecond line\nthird"
	if got != want {
		t.Fatalf("StripTags = %q, want %q", got, want)
	}
	if StripTags("a &lt; b") != "a < b" {
		t.Fatalf("plain text should only be unescaped")
	}
}
