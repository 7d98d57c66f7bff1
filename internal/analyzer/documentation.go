package analyzer

import (
	"fmt"
	"io"
	nurl "net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/go-shiori/go-readability"
)

const (
	documentationEntry = "documentation/index.html"
	maxTextLength      = 15000
	// maxDocumentationSize bounds how much of index.html is read (5MB).
	maxDocumentationSize = 5 * 1024 * 1024
)

// extractDocumentation reduces the FMU's HTML documentation to readable text.
func extractDocumentation(r io.Reader) (*Documentation, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxDocumentationSize))
	if err != nil {
		return nil, fmt.Errorf("read documentation: %w", err)
	}

	pageURL := &nurl.URL{Scheme: "file", Path: "/" + documentationEntry}
	article, err := readability.FromReader(strings.NewReader(string(body)), pageURL)
	if err != nil {
		return nil, fmt.Errorf("readability: %w", err)
	}

	text := normalizeText(article.TextContent)
	if utf8.RuneCountInString(text) > maxTextLength {
		runes := []rune(text)
		text = string(runes[:maxTextLength]) + "\n... [truncated]"
	}

	return &Documentation{
		Title:     article.Title,
		Byline:    article.Byline,
		Excerpt:   article.Excerpt,
		Text:      text,
		WordCount: len(strings.Fields(text)),
	}, nil
}

var multiSpace = regexp.MustCompile(`[ \t]+`)
var multiNewline = regexp.MustCompile(`\n{3,}`)

func normalizeText(s string) string {
	s = strings.TrimSpace(s)
	s = multiSpace.ReplaceAllString(s, " ")
	s = multiNewline.ReplaceAllString(s, "\n\n")
	return s
}
