package crawler

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestDocumentLayout(t *testing.T) {
	t.Parallel()

	res := &Result{
		Site:           "example.com",
		PagesProcessed: 3,
		Pages: []Page{
			{URL: "https://example.com/", Title: "Home", Text: "Welcome."},
			{URL: "https://example.com/about", Title: "About", Text: "We exist."},
		},
		Errors: []PageError{
			{URL: "https://example.com/broken", Err: "http status 500"},
		},
	}

	doc := res.Document()

	assert.Contains(t, doc, "Site: example.com")
	assert.Contains(t, doc, "Pages processed: 3")
	assert.Contains(t, doc, "TABLE OF CONTENTS")
	assert.Contains(t, doc, "01. Home")
	assert.Contains(t, doc, "02. About")
	assert.Contains(t, doc, "SITE CONTENT")
	assert.Contains(t, doc, "PAGE: Home")
	assert.Contains(t, doc, "URL: https://example.com/about")
	assert.Contains(t, doc, "CRAWL ERRORS")
	assert.Contains(t, doc, "https://example.com/broken: http status 500")

	// TOC precedes content, content precedes errors.
	toc := strings.Index(doc, "TABLE OF CONTENTS")
	content := strings.Index(doc, "SITE CONTENT")
	errs := strings.Index(doc, "CRAWL ERRORS")
	assert.Less(t, toc, content)
	assert.Less(t, content, errs)
}

func TestBannerAlignsMultibyteTitles(t *testing.T) {
	t.Parallel()

	for _, title := range []string{"SITE CONTENT", "СОДЕРЖАНИЕ САЙТА", "概要"} {
		lines := strings.Split(strings.TrimSuffix(banner(title), "\n"), "\n")
		for _, line := range lines {
			assert.Equal(t, bannerWidth+2, utf8.RuneCountInString(line), "title %q", title)
		}
	}
}

func TestDocumentWithoutErrorsOmitsAppendix(t *testing.T) {
	t.Parallel()

	res := &Result{Site: "example.com", PagesProcessed: 1,
		Pages: []Page{{URL: "https://example.com/", Title: "Home", Text: "Hi."}}}

	assert.NotContains(t, res.Document(), "CRAWL ERRORS")
}
