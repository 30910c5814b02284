package crawler

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/osokin/sitebrief/internal/extract"
	"github.com/osokin/sitebrief/internal/progress"
)

// ErrInvalidStartURL is returned when the start URL has no usable host.
var ErrInvalidStartURL = errors.New("invalid start url")

// Options tunes a crawl engine. Zero values fall back to the defaults the
// adaptive heuristic was tuned against.
type Options struct {
	UserAgent    string
	FetchTimeout time.Duration
	// Delay spaces consecutive fetches against the same site.
	Delay time.Duration

	// A page is low-discovery when it enqueues fewer new links than
	// LowLinkRatio times the running average, or fewer than
	// DiscoveryThreshold in absolute terms. LowStreakLimit consecutive
	// low-discovery pages end the crawl once more than
	// MinPagesForEarlyStop pages have been processed.
	LowLinkRatio         float64
	DiscoveryThreshold   int
	LowStreakLimit       int
	MinPagesForEarlyStop int

	// ProgressInterval throttles heartbeat updates.
	ProgressInterval time.Duration
}

func (o *Options) withDefaults() {
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 10 * time.Second
	}
	if o.Delay <= 0 {
		o.Delay = 100 * time.Millisecond
	}
	if o.LowLinkRatio <= 0 {
		o.LowLinkRatio = 0.3
	}
	if o.DiscoveryThreshold <= 0 {
		o.DiscoveryThreshold = 3
	}
	if o.LowStreakLimit <= 0 {
		o.LowStreakLimit = 5
	}
	if o.MinPagesForEarlyStop <= 0 {
		o.MinPagesForEarlyStop = 50
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = 2 * time.Second
	}
}

// Engine crawls one site at a time breadth-first. It is safe for concurrent
// Crawl calls; each call owns its own frontier and politeness limiter.
type Engine struct {
	opts    Options
	fetcher *Fetcher
	logger  *zap.Logger
	now     func() time.Time
}

// NewEngine builds an engine from the given options.
func NewEngine(opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.withDefaults()
	return &Engine{
		opts:    opts,
		fetcher: NewFetcher(opts.FetchTimeout, opts.UserAgent),
		logger:  logger,
		now:     time.Now,
	}
}

// Crawl walks the site rooted at startURL until the frontier drains, maxPages
// is reached, the adaptive heuristic decides the site is explored, or ctx is
// canceled. Per-page failures are recorded in the result, never returned.
func (e *Engine) Crawl(ctx context.Context, startURL string, maxPages int, sink progress.Sink) (*Result, error) {
	start, err := NormalizeURL(CoerceScheme(startURL))
	if err != nil {
		return nil, ErrInvalidStartURL
	}
	parsed, err := url.Parse(start)
	if err != nil || parsed.Host == "" {
		return nil, ErrInvalidStartURL
	}
	site := parsed.Host

	jobID := uuid.New()
	started := e.now()
	res := &Result{StartURL: start, Site: site}

	e.logger.Info("starting crawl",
		zap.String("job_id", jobID.String()),
		zap.String("site", site),
		zap.Int("max_pages", maxPages))
	e.publish(ctx, sink, progress.Update{
		JobID: jobID, TS: e.now(), Stage: progress.StageStart, Site: site, URL: start,
	})

	frontier := []string{start}
	queued := map[string]struct{}{start: {}}
	visited := make(map[string]struct{})

	limiter := rate.NewLimiter(rate.Every(e.opts.Delay), 1)

	var (
		totalLinksFound int
		lowStreak       int
		estimatedTotal  = len(frontier)
		lastUpdate      time.Time
	)

	for len(frontier) > 0 && res.PagesProcessed < maxPages {
		if ctx.Err() != nil {
			res.StopReason = StopCanceled
			break
		}

		current := frontier[0]
		frontier = frontier[1:]
		delete(queued, current)

		if _, seen := visited[current]; seen {
			continue
		}

		now := e.now()
		if res.PagesProcessed == 0 || now.Sub(lastUpdate) > e.opts.ProgressInterval {
			lastUpdate = now
			if len(frontier) > estimatedTotal-res.PagesProcessed {
				estimatedTotal = res.PagesProcessed + len(frontier)
			}
			e.publish(ctx, sink, progress.Update{
				JobID:          jobID,
				TS:             now,
				Stage:          progress.StageHeartbeat,
				Site:           site,
				URL:            current,
				PagesProcessed: res.PagesProcessed,
				EstimatedTotal: estimatedTotal,
				Percent:        percentOf(res.PagesProcessed, estimatedTotal),
				Dur:            now.Sub(started),
			})
		}

		visited[current] = struct{}{}
		res.PagesProcessed++
		linksBefore := len(frontier)

		if err := limiter.Wait(ctx); err != nil {
			res.StopReason = StopCanceled
			break
		}

		body, err := e.fetcher.Fetch(ctx, current)
		if err != nil {
			e.logger.Warn("page fetch failed", zap.String("url", current), zap.Error(err))
			res.Errors = append(res.Errors, PageError{URL: current, Err: err.Error()})
			continue
		}

		doc, err := extract.Parse(body)
		if err != nil {
			res.Errors = append(res.Errors, PageError{URL: current, Err: "parse: " + err.Error()})
			continue
		}

		res.Pages = append(res.Pages, Page{
			URL:   current,
			Title: extract.Title(doc),
			Text:  extract.Text(doc),
		})

		base, _ := url.Parse(current)
		for _, link := range extract.Links(doc, base) {
			normalized, err := NormalizeURL(link)
			if err != nil {
				continue
			}
			candidate, err := url.Parse(normalized)
			if err != nil || !inScope(candidate, site) {
				continue
			}
			if _, seen := visited[normalized]; seen {
				continue
			}
			if _, pending := queued[normalized]; pending {
				continue
			}
			frontier = append(frontier, normalized)
			queued[normalized] = struct{}{}
		}

		newLinks := len(frontier) - linksBefore
		totalLinksFound += newLinks
		avgLinksPerPage := float64(totalLinksFound) / float64(res.PagesProcessed)
		if float64(newLinks) < avgLinksPerPage*e.opts.LowLinkRatio || newLinks < e.opts.DiscoveryThreshold {
			lowStreak++
		} else {
			lowStreak = 0
		}
		if lowStreak >= e.opts.LowStreakLimit && res.PagesProcessed > e.opts.MinPagesForEarlyStop {
			e.logger.Info("stopping crawl on low discovery rate",
				zap.String("job_id", jobID.String()),
				zap.Int("pages_processed", res.PagesProcessed))
			res.StopReason = StopLowDiscovery
			break
		}
	}

	if res.StopReason == "" {
		if res.PagesProcessed >= maxPages {
			res.StopReason = StopMaxPages
		} else {
			res.StopReason = StopFrontierExhausted
		}
	}
	res.Duration = e.now().Sub(started)

	e.publish(ctx, sink, progress.Update{
		JobID:          jobID,
		TS:             e.now(),
		Stage:          progress.StageDone,
		Site:           site,
		PagesProcessed: res.PagesProcessed,
		EstimatedTotal: res.PagesProcessed,
		Percent:        100,
		Dur:            res.Duration,
		Note:           string(res.StopReason),
	})
	e.logger.Info("crawl completed",
		zap.String("job_id", jobID.String()),
		zap.Int("pages_processed", res.PagesProcessed),
		zap.Int("errors", len(res.Errors)),
		zap.String("stop_reason", string(res.StopReason)))
	return res, nil
}

// publish is best effort: sink failures are logged, never propagated.
func (e *Engine) publish(ctx context.Context, sink progress.Sink, u progress.Update) {
	if sink == nil {
		return
	}
	if err := sink.Publish(ctx, u); err != nil {
		e.logger.Warn("progress publish failed", zap.Error(err))
	}
}

func percentOf(processed, estimatedTotal int) int {
	if estimatedTotal <= 0 {
		return 0
	}
	p := processed * 100 / estimatedTotal
	if p > 99 {
		p = 99
	}
	return p
}
