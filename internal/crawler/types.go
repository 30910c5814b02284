// Package crawler walks a single site breadth-first and assembles the pages
// into one structured text document.
package crawler

import "time"

// StopReason explains why a crawl finished.
type StopReason string

// Stop reasons reported in Result.
const (
	StopFrontierExhausted StopReason = "frontier_exhausted"
	StopMaxPages          StopReason = "max_pages_reached"
	StopLowDiscovery      StopReason = "low_discovery_rate"
	StopCanceled          StopReason = "canceled"
)

// Page holds the extracted content of one fetched page, in discovery order.
type Page struct {
	URL   string
	Title string
	Text  string
}

// PageError records a fetch or parse failure for one URL. Errors never abort
// the crawl; they are appended to the final document instead.
type PageError struct {
	URL string
	Err string
}

// Result is everything a finished crawl produced.
type Result struct {
	StartURL       string
	Site           string
	Pages          []Page
	Errors         []PageError
	PagesProcessed int
	StopReason     StopReason
	Duration       time.Duration
}
