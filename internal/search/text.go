package search

import (
	"net/url"
	"path/filepath"
	"strings"

	readability "github.com/go-shiori/go-readability"
)

// ReportText extracts the readable text of an HTML report. path is only used
// to resolve relative links and may be empty.
func ReportText(html, path string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	article, err := readability.FromReader(strings.NewReader(html), reportURL(path))
	if err != nil {
		return ""
	}
	text := strings.Join(strings.Fields(article.TextContent), " ")
	if len(text) > maxReportChars {
		text = text[:maxReportChars]
	}
	return text
}

func reportURL(path string) *url.URL {
	if path == "" {
		return &url.URL{Scheme: "file", Path: "/"}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return &url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
}
