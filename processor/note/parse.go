package note

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/awehrman/peas-sub008/model"
)

// section headers that switch line collection from ingredients to
// instructions (matched case-insensitively on the whole line).
var instructionHeaders = []string{
	"instructions", "directions", "method", "preparation", "steps",
}

var ingredientHeaders = []string{
	"ingredients",
}

// ParseDocument extracts a structured note from the raw HTML and the
// cleaned plain text. The title and Evernote metadata come from the
// document head; the line split comes from the cleaned text, keyed on
// section headers.
func ParseDocument(rawHTML, cleanedText string) model.ParsedHTMLFile {
	parsed := model.ParsedHTMLFile{}
	parsed.Title, parsed.EvernoteMetadata = parseHead(rawHTML)

	lines := strings.Split(cleanedText, "\n")
	if parsed.Title == "" && len(lines) > 0 {
		parsed.Title = strings.TrimSpace(lines[0])
		lines = lines[1:]
	}

	inInstructions := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.EqualFold(line, parsed.Title) {
			continue
		}
		if matchesHeader(line, ingredientHeaders) {
			inInstructions = false
			continue
		}
		if matchesHeader(line, instructionHeaders) {
			inInstructions = true
			continue
		}
		if inInstructions {
			parsed.InstructionLines = append(parsed.InstructionLines, line)
		} else {
			parsed.IngredientLines = append(parsed.IngredientLines, line)
		}
	}
	return parsed
}

func matchesHeader(line string, headers []string) bool {
	normalized := strings.ToLower(strings.TrimRight(strings.TrimSpace(line), ":"))
	for _, h := range headers {
		if normalized == h {
			return true
		}
	}
	return false
}

// parseHead walks the document for <title> and the Evernote meta tags
// exports carry (keywords become tags).
func parseHead(rawHTML string) (string, *model.EvernoteMetadata) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return "", nil
	}

	var title string
	meta := &model.EvernoteMetadata{}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if n.FirstChild != nil && title == "" {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "meta":
				name, content := attr(n, "name"), attr(n, "content")
				switch name {
				case "keywords":
					for _, tag := range strings.Split(content, ",") {
						if tag = strings.TrimSpace(tag); tag != "" {
							meta.Tags = append(meta.Tags, tag)
						}
					}
				case "source-url":
					meta.SourceURL = content
				case "notebook":
					meta.Notebook = content
				case "evernote-id":
					meta.OriginalID = content
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if meta.Tags == nil && meta.SourceURL == "" && meta.Notebook == "" && meta.OriginalID == "" {
		meta = nil
	}
	return title, meta
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
