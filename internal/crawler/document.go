package crawler

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const bannerWidth = 78

func banner(title string) string {
	width := utf8.RuneCountInString(title)
	pad := (bannerWidth - width) / 2
	if pad < 0 {
		pad = 0
	}
	tail := bannerWidth - pad - width
	if tail < 0 {
		tail = 0
	}
	var b strings.Builder
	b.WriteString("╔" + strings.Repeat("═", bannerWidth) + "╗\n")
	b.WriteString("║" + strings.Repeat(" ", pad) + title + strings.Repeat(" ", tail) + "║\n")
	b.WriteString("╚" + strings.Repeat("═", bannerWidth) + "╝\n")
	return b.String()
}

// Document flattens the crawl result into one structured text document: site
// info, a table of contents in discovery order, every page section, and an
// error appendix when pages failed.
func (r *Result) Document() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Site: %s\n", r.Site)
	fmt.Fprintf(&b, "Pages processed: %d\n\n", r.PagesProcessed)

	b.WriteString(banner("TABLE OF CONTENTS"))
	b.WriteString("\n")
	for i, p := range r.Pages {
		fmt.Fprintf(&b, "  %02d. %s\n", i+1, p.Title)
	}
	b.WriteString("\n")

	b.WriteString(banner("SITE CONTENT"))
	b.WriteString("\n")
	for _, p := range r.Pages {
		b.WriteString("╔" + strings.Repeat("═", bannerWidth) + "╗\n")
		fmt.Fprintf(&b, "║  PAGE: %s\n", strings.TrimSpace(p.Title))
		fmt.Fprintf(&b, "║  URL: %s\n", p.URL)
		b.WriteString("╚" + strings.Repeat("═", bannerWidth) + "╝\n\n")
		b.WriteString(p.Text)
		b.WriteString("\n\n")
	}

	if len(r.Errors) > 0 {
		b.WriteString(banner("CRAWL ERRORS"))
		b.WriteString("\n")
		for _, e := range r.Errors {
			fmt.Fprintf(&b, "⚠️ %s: %s\n", e.URL, e.Err)
		}
	}

	return b.String()
}
