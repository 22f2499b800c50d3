package webfetch

import (
	"strings"

	"golang.org/x/net/html"
)

const DefaultSummaryChars = 800

var skippedElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"header":   true,
	"footer":   true,
	"nav":      true,
	"aside":    true,
	"template": true,
}

// ExtractText returns the visible text of an HTML document with page chrome
// removed and whitespace collapsed to single spaces.
func ExtractText(document string) string {
	root, err := html.Parse(strings.NewReader(document))
	if err != nil {
		return ""
	}
	parts := []string{}
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode && skippedElements[node.Data] {
			return
		}
		if node.Type == html.TextNode {
			if text := strings.TrimSpace(node.Data); text != "" {
				parts = append(parts, text)
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

// BasicSummary keeps the first maxChars characters of text.
func BasicSummary(text string, maxChars int) string {
	if maxChars <= 0 {
		maxChars = DefaultSummaryChars
	}
	runes := []rune(text)
	if len(runes) > maxChars {
		runes = runes[:maxChars]
	}
	return strings.TrimSpace(string(runes))
}
