// Package websearch queries the DuckDuckGo HTML endpoint for candidate sources.
package websearch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const defaultBaseURL = "https://duckduckgo.com/html/"

type Result struct {
	Title string
	URL   string
}

type Config struct {
	BaseURL string
	Timeout time.Duration
}

type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

// Search returns at most limit results in page order.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("websearch: empty query")
	}
	if limit <= 0 {
		limit = 5
	}
	endpoint, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("websearch: parse base url: %w", err)
	}
	params := endpoint.Query()
	params.Set("q", query)
	endpoint.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websearch: create request: %w", err)
	}
	req.Header.Set("User-Agent", "InquiryOS/0.1 (Research Searcher)")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("websearch: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("websearch: search failed: %s", resp.Status)
	}
	return ParseResults(resp.Body, limit)
}

// ParseResults extracts result anchors (a.result__a) from a DuckDuckGo HTML page.
func ParseResults(body io.Reader, limit int) ([]Result, error) {
	doc, err := html.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("websearch: parse html: %w", err)
	}
	results := []Result{}
	var walk func(node *html.Node) bool
	walk = func(node *html.Node) bool {
		if node.Type == html.ElementNode && node.Data == "a" && hasClass(node, "result__a") {
			href := resolveHref(attr(node, "href"))
			if href != "" {
				results = append(results, Result{Title: strings.TrimSpace(textOf(node)), URL: href})
				if limit > 0 && len(results) >= limit {
					return false
				}
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			if !walk(child) {
				return false
			}
		}
		return true
	}
	walk(doc)
	return results, nil
}

// resolveHref unwraps DuckDuckGo redirect links (//duckduckgo.com/l/?uddg=...).
func resolveHref(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if strings.HasSuffix(parsed.Host, "duckduckgo.com") && strings.HasPrefix(parsed.Path, "/l/") {
		if target := parsed.Query().Get("uddg"); target != "" {
			return target
		}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ""
	}
	return parsed.String()
}

func hasClass(node *html.Node, class string) bool {
	for _, field := range strings.Fields(attr(node, "class")) {
		if field == class {
			return true
		}
	}
	return false
}

func attr(node *html.Node, key string) string {
	for _, a := range node.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textOf(node *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			collect(child)
		}
	}
	collect(node)
	return strings.Join(strings.Fields(b.String()), " ")
}
