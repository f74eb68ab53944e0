package providers

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	stripPolicy  = bluemonday.StrictPolicy()
	blockTagExpr = regexp.MustCompile(`(?i)<\s*(br|/p|/div|/li|/tr|/h[1-6])\b[^>]*>`)
	blankRunExpr = regexp.MustCompile(`\n{3,}`)
)

// HTMLToText strips markup from an event body, keeping line breaks at block
// boundaries.
func HTMLToText(body string) string {
	if strings.TrimSpace(body) == "" {
		return ""
	}
	withBreaks := blockTagExpr.ReplaceAllStringFunc(body, func(tag string) string {
		return tag + "\n"
	})
	text := html.UnescapeString(stripPolicy.Sanitize(withBreaks))
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	text = blankRunExpr.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(text)
}

// TitleOrDefault returns the trimmed title or "No Title".
func TitleOrDefault(title string) string {
	if trimmed := strings.TrimSpace(title); trimmed != "" {
		return trimmed
	}
	return "No Title"
}
