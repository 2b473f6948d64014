package template

import (
	"regexp"
	"strings"
)

var (
	atxHeader  = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	boldMarker = regexp.MustCompile(`\*\*([^*]*)\*\*|__([^_]*)__`)
	emphMarker = regexp.MustCompile(`\*([^*]*)\*|_([^_]*)_`)
	codeSpan   = regexp.MustCompile("`([^`]*)`")
	htmlTag    = regexp.MustCompile(`<[^>]*>`)
)

// stripMarkdown removes ATX headers, bold/italic markers and backtick code
// spans, keeping the wrapped text.
func stripMarkdown(s string) string {
	s = atxHeader.ReplaceAllString(s, "")
	s = boldMarker.ReplaceAllString(s, "$1$2")
	s = emphMarker.ReplaceAllString(s, "$1$2")
	s = codeSpan.ReplaceAllString(s, "$1")
	return strings.TrimSpace(s)
}

// stripHTML removes any tag-like token.
func stripHTML(s string) string {
	return strings.TrimSpace(htmlTag.ReplaceAllString(s, ""))
}
