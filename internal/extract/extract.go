// Package extract turns parsed HTML into annotated plain text. The transform
// is pure: it takes markup and returns text, with no knowledge of where the
// markup came from or where the text goes.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Markers used to annotate document structure in the flattened text.
const (
	h1Banner    = "★════════════════════════════════════════════════★"
	h2Top       = "┌──────────────────────────────────────┐"
	h2Bottom    = "└──────────────────────────────────────┘"
	minorHeader = "• • • • • •"
	listTop     = "┌─────────────────────────────┐"
	listBottom  = "└─────────────────────────────┘"
	tableTop    = "┏━━━━━━━━━━━━━━ TABLE ━━━━━━━━━━━━━━┓"
	tableBottom = "┗━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛"
	quoteMark   = "▌ "
)

// Elements whose subtrees carry no readable content.
var skipped = map[string]struct{}{
	"script":   {},
	"style":    {},
	"nav":      {},
	"footer":   {},
	"aside":    {},
	"noscript": {},
	"head":     {},
	"iframe":   {},
}

// Parse builds a goquery document from raw HTML.
func Parse(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// Title returns the page title, or "Untitled" when the document has none.
func Title(doc *goquery.Document) string {
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		return "Untitled"
	}
	return collapseSpaces(title)
}

// Links returns all anchor hrefs resolved against base. Unparseable hrefs are
// skipped.
func Links(doc *goquery.Document, base *url.URL) []string {
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		links = append(links, base.ResolveReference(ref).String())
	})
	return links
}

// Text flattens the document into structure-annotated plain text: heading
// banners, list and table delimiters, link targets, image placeholders,
// fenced code, and prefixed block quotes.
func Text(doc *goquery.Document) string {
	var r renderer
	for _, node := range doc.Selection.Nodes {
		r.walk(node)
	}
	return tidy(r.b.String())
}

type renderer struct {
	b strings.Builder
}

func (r *renderer) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		if txt := collapseSpaces(n.Data); txt != "" {
			r.b.WriteString(txt)
			r.b.WriteByte(' ')
		}
		return
	case html.ElementNode:
		if _, skip := skipped[n.Data]; skip {
			return
		}
		switch n.Data {
		case "h1", "h2", "h3", "h4", "h5", "h6":
			r.heading(n)
		case "p":
			r.children(n)
			r.b.WriteString("\n\n")
		case "ul", "ol":
			r.b.WriteString("\n" + listTop)
			r.children(n)
			r.b.WriteString("\n" + listBottom + "\n")
		case "li":
			marker := "\n  ◆ "
			if n.Parent != nil && n.Parent.Data == "ol" {
				marker = "\n  ➜ "
			}
			r.b.WriteString(marker)
			r.children(n)
		case "table":
			r.b.WriteString("\n\n" + tableTop + "\n")
			r.table(n)
			r.b.WriteString(tableBottom + "\n\n")
		case "a":
			r.children(n)
			if href := attr(n, "href"); href != "" {
				r.b.WriteString("[" + href + "] ")
			}
		case "img":
			alt := attr(n, "alt")
			if alt == "" {
				alt = "image"
			}
			r.b.WriteString("\n[image: " + alt + "]\n")
		case "pre":
			r.b.WriteString("\n```\n" + rawText(n) + "\n```\n")
		case "code":
			if n.Parent != nil && n.Parent.Data == "pre" {
				return // already fenced by the enclosing pre
			}
			r.b.WriteString("`" + rawText(n) + "`")
		case "blockquote":
			r.quote(n)
		case "br":
			r.b.WriteByte('\n')
		default:
			r.children(n)
		}
		return
	}
	r.children(n)
}

func (r *renderer) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		r.walk(c)
	}
}

func (r *renderer) heading(n *html.Node) {
	txt := inlineText(n)
	switch n.Data {
	case "h1":
		r.b.WriteString("\n\n" + h1Banner + "\n" + txt + "\n" + h1Banner + "\n")
	case "h2":
		r.b.WriteString("\n\n" + h2Top + "\n" + txt + "\n" + h2Bottom + "\n")
	default:
		r.b.WriteString("\n\n" + minorHeader + "\n" + txt + "\n" + minorHeader + "\n")
	}
}

func (r *renderer) table(n *html.Node) {
	var walkRows func(*html.Node)
	walkRows = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.Data == "tr" {
				var cells []string
				for cell := c.FirstChild; cell != nil; cell = cell.NextSibling {
					if cell.Type == html.ElementNode && (cell.Data == "td" || cell.Data == "th") {
						cells = append(cells, inlineText(cell))
					}
				}
				r.b.WriteString(strings.Join(cells, " │ ") + "\n")
				continue
			}
			walkRows(c)
		}
	}
	walkRows(n)
}

func (r *renderer) quote(n *html.Node) {
	r.b.WriteString("\n\n")
	for _, line := range strings.Split(inlineText(n), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.b.WriteString(quoteMark + line + "\n")
	}
	r.b.WriteString("\n")
}

// inlineText collapses a subtree into a single line, keeping link targets.
func inlineText(n *html.Node) string {
	var sub renderer
	sub.children(n)
	return collapseSpaces(strings.ReplaceAll(sub.b.String(), "\n", " "))
}

// rawText concatenates text nodes without whitespace collapsing, for code.
func rawText(n *html.Node) string {
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
	return strings.Trim(b.String(), "\n")
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// tidy trims every line and collapses runs of blank lines while keeping the
// structural separator lines intact.
func tidy(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	prevBlank := true
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if prevBlank {
				continue
			}
			out = append(out, "")
			prevBlank = true
			continue
		}
		out = append(out, line)
		prevBlank = false
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}
