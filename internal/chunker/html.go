package chunker

import (
	"html"
	"regexp"
	"strings"
)

var (
	tagPattern   = regexp.MustCompile(`(?s)<[^>]*>`)
	blockClosers = regexp.MustCompile(`(?i)</(p|div|h[1-6]|li|tr|blockquote|pre)>|<br\s*/?>`)
	spaceRun     = regexp.MustCompile(`[ \t]+`)
)

// StripTags reduces markup to readable text. Block-level closers become line
// breaks so paragraph boundaries survive.
func StripTags(markup string) string {
	if !strings.ContainsRune(markup, '<') {
		return html.UnescapeString(markup)
	}
	text := blockClosers.ReplaceAllString(markup, "\n")
	text = tagPattern.ReplaceAllString(text, "")
	text = html.UnescapeString(text)
	text = spaceRun.ReplaceAllString(text, " ")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
