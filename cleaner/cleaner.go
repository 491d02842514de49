// Package cleaner defines the narrow clean-HTML-to-text contract the note
// pipeline consumes, plus a readability-based default implementation.
package cleaner

import (
	"context"
	"fmt"
	"strings"

	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

// Cleaner reduces raw note HTML to plain text suitable for parsing.
type Cleaner interface {
	Clean(ctx context.Context, rawHTML string) (string, error)
}

// Readability extracts the main content of a document and returns its
// text. Documents readability cannot score fall back to tag stripping.
type Readability struct{}

// NewReadability returns the default cleaner.
func NewReadability() *Readability { return &Readability{} }

func (c *Readability) Clean(ctx context.Context, rawHTML string) (string, error) {
	if strings.TrimSpace(rawHTML) == "" {
		return "", fmt.Errorf("clean html: empty input")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	article, err := readability.FromReader(strings.NewReader(rawHTML), nil)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return normalize(article.TextContent), nil
	}

	text, err := StripTags(rawHTML)
	if err != nil {
		return "", fmt.Errorf("clean html: %w", err)
	}
	return text, nil
}

// StripTags tokenizes the document and keeps text content only. Script
// and style bodies are dropped.
func StripTags(rawHTML string) (string, error) {
	tokenizer := html.NewTokenizer(strings.NewReader(rawHTML))
	var sb strings.Builder
	skipDepth := 0
	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return normalize(sb.String()), nil
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			if tag := string(name); tag == "script" || tag == "style" {
				skipDepth++
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if tag := string(name); (tag == "script" || tag == "style") && skipDepth > 0 {
				skipDepth--
			}
		case html.TextToken:
			if skipDepth == 0 {
				sb.Write(tokenizer.Text())
				sb.WriteByte('\n')
			}
		}
	}
}

// normalize collapses blank lines and trims per-line whitespace so the
// parser sees one logical line per row.
func normalize(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
