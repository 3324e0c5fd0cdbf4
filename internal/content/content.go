package content

import (
	"bytes"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

var (
	policy    = bluemonday.UGCPolicy()
	tagRegex  = regexp.MustCompile(`<[^>]*>`)
	markdown  = goldmark.New()
	spaceRuns = regexp.MustCompile(`\s+`)
)

// Sanitize removes unsafe HTML from message text coming off the wire.
// Server payloads are not trusted to be clean: historical clients could
// submit raw HTML.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Preview renders message markdown to a single plain-text line for dialog
// list previews, truncated to max runes.
func Preview(input string, max int) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		buf.Reset()
		buf.WriteString(input)
	}
	text := tagRegex.ReplaceAllString(buf.String(), " ")
	text = strings.TrimSpace(spaceRuns.ReplaceAllString(html.UnescapeString(text), " "))
	if max > 0 {
		runes := []rune(text)
		if len(runes) > max {
			text = string(runes[:max-1]) + "…"
		}
	}
	return text
}
