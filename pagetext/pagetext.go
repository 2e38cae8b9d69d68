// Package pagetext converts captured page HTML into the representations
// the read_page operation serves: markdown for reading, plain text for
// search, sanitized HTML when structure matters, and a link digest.
package pagetext

import (
	"fmt"
	"net/url"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// Mode selects the output representation.
type Mode string

const (
	ModeMarkdown Mode = "markdown"
	ModeText     Mode = "text"
	ModeHTML     Mode = "html"
	ModeLinks    Mode = "links"
)

// Link is one anchor found on the page.
type Link struct {
	Text string `json:"text"`
	Href string `json:"href"`
}

var sanitizer = bluemonday.UGCPolicy()

// Convert renders raw page HTML in the requested mode. baseURL resolves
// relative hrefs for ModeLinks; the other modes ignore it.
func Convert(rawHTML string, mode Mode, baseURL string) (string, error) {
	switch mode {
	case ModeMarkdown, "":
		md, err := htmltomarkdown.ConvertString(sanitizer.Sanitize(rawHTML))
		if err != nil {
			return "", fmt.Errorf("pagetext: markdown: %w", err)
		}
		return strings.TrimSpace(md), nil
	case ModeText:
		return PlainText(rawHTML)
	case ModeHTML:
		return sanitizer.Sanitize(rawHTML), nil
	case ModeLinks:
		links, err := Links(rawHTML, baseURL)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		for _, l := range links {
			fmt.Fprintf(&b, "[%s](%s)\n", l.Text, l.Href)
		}
		return strings.TrimSpace(b.String()), nil
	default:
		return "", fmt.Errorf("pagetext: unknown mode %q", mode)
	}
}

// PlainText strips all markup, skipping script/style/noscript subtrees and
// collapsing whitespace runs.
func PlainText(rawHTML string) (string, error) {
	root, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return "", fmt.Errorf("pagetext: parse: %w", err)
	}
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "template":
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				parts = append(parts, collapseSpaces(t))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockLevel(n.Data) && len(parts) > 0 &&
			parts[len(parts)-1] != "\n" {
			parts = append(parts, "\n")
		}
	}
	walk(root)

	out := strings.Join(parts, " ")
	out = strings.ReplaceAll(out, " \n ", "\n")
	out = strings.ReplaceAll(out, " \n", "\n")
	return strings.TrimSpace(out), nil
}

// Links collects anchors with non-empty hrefs, resolving them against
// baseURL when it parses. javascript: and fragment-only targets are noise
// for an agent and are dropped.
func Links(rawHTML, baseURL string) ([]Link, error) {
	root, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("pagetext: parse: %w", err)
	}
	var base *url.URL
	if baseURL != "" {
		base, _ = url.Parse(baseURL)
	}

	var links []Link
	seen := make(map[string]bool)
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			href := attr(n, "href")
			if keepHref(href) {
				if base != nil {
					if u, err := url.Parse(href); err == nil {
						href = base.ResolveReference(u).String()
					}
				}
				text := collapseSpaces(strings.TrimSpace(nodeText(n)))
				key := text + "\x00" + href
				if !seen[key] {
					seen[key] = true
					links = append(links, Link{Text: text, Href: href})
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return links, nil
}

func keepHref(href string) bool {
	if href == "" || strings.HasPrefix(href, "#") {
		return false
	}
	return !strings.HasPrefix(strings.ToLower(href), "javascript:")
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func blockLevel(tag string) bool {
	switch tag {
	case "p", "div", "section", "article", "h1", "h2", "h3", "h4", "h5", "h6",
		"li", "tr", "br", "ul", "ol", "table", "blockquote", "pre":
		return true
	}
	return false
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
