package search

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/gocolly/colly/v2"

	"github.com/ensembleworks/ensemble/internal/log"
	"github.com/ensembleworks/ensemble/internal/security"
)

const (
	// DefaultFetchParallelism is the concurrent request limit per fetch.
	DefaultFetchParallelism = 2

	// DefaultFetchDelay spaces requests against the same host.
	DefaultFetchDelay = 1 * time.Second

	// DefaultFetchTimeout bounds a single page download.
	DefaultFetchTimeout = 30 * time.Second

	// MaxURLsPerFetch caps how many URLs one FetchAll call may take.
	MaxURLsPerFetch = 10

	defaultUserAgent = "ensemble/1.0 (+https://github.com/ensembleworks/ensemble)"
)

// urlGuard is the outbound URL policy the fetcher depends on. The
// consumer defines the interface; *security.URLGuard satisfies it.
type urlGuard interface {
	Validate(rawURL string) error
	Transport() *http.Transport
	CheckRedirect(req *http.Request, via []*http.Request) error
}

// FetcherConfig tunes page fetching.
type FetcherConfig struct {
	// Parallelism is the number of concurrent downloads. Defaults to
	// DefaultFetchParallelism.
	Parallelism int

	// Delay is the wait between requests to the same host. Defaults to
	// DefaultFetchDelay.
	Delay time.Duration

	// Timeout bounds each download. Defaults to DefaultFetchTimeout.
	Timeout time.Duration

	// UserAgent overrides the default identification header.
	UserAgent string
}

// Fetcher downloads pages and reduces them to readable text. Every
// request passes the URL policy: the initial URL, each redirect hop,
// and the resolved address at dial time. Bodies are capped at
// security.MaxFetchBytes; anything past the cap is dropped.
type Fetcher struct {
	base    *colly.Collector
	guard   urlGuard
	prompts *security.PromptGuard
	logger  log.Logger
}

// NewFetcher builds a fetcher with the given policy guard.
func NewFetcher(cfg FetcherConfig, guard urlGuard, logger log.Logger) (*Fetcher, error) {
	if guard == nil {
		return nil, fmt.Errorf("url guard is required")
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultFetchParallelism
	}
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultFetchDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFetchTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if logger == nil {
		logger = log.NewNop()
	}

	// Callers control the URL set, so the collector's own visited-URL
	// bookkeeping is disabled; repeat fetches are the caller's call.
	base := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.MaxBodySize(security.MaxFetchBytes),
		colly.AllowURLRevisit(),
	)
	base.WithTransport(guard.Transport())
	base.SetRequestTimeout(cfg.Timeout)
	base.SetRedirectHandler(guard.CheckRedirect)
	if err := base.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
		Delay:       cfg.Delay,
	}); err != nil {
		return nil, fmt.Errorf("applying fetch limits: %w", err)
	}

	return &Fetcher{
		base:    base,
		guard:   guard,
		prompts: security.NewPromptGuard(),
		logger:  logger,
	}, nil
}

// Fetch downloads one page and extracts its readable text.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.guard.Validate(rawURL); err != nil {
		return nil, fmt.Errorf("blocked url %s: %w", rawURL, err)
	}

	var (
		page     *Page
		fetchErr error
	)
	col := f.collector(false)
	col.OnResponse(func(r *colly.Response) {
		page, fetchErr = f.pageFrom(r)
	})
	col.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	if err := col.Visit(rawURL); err != nil {
		return nil, fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	if fetchErr != nil {
		return nil, fmt.Errorf("fetching %s: %w", rawURL, fetchErr)
	}
	if page == nil {
		return nil, fmt.Errorf("fetching %s: no response", rawURL)
	}
	return page, nil
}

// FetchAll downloads a batch of URLs concurrently, honoring the
// parallelism and per-host delay limits. URLs that fail the policy or
// the download are reported in the failure list rather than aborting
// the batch.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string) ([]*Page, []Failure, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if len(urls) == 0 {
		return nil, nil, fmt.Errorf("at least one url is required")
	}
	if len(urls) > MaxURLsPerFetch {
		return nil, nil, fmt.Errorf("at most %d urls per fetch", MaxURLsPerFetch)
	}

	var (
		mu       sync.Mutex
		pages    []*Page
		failures []Failure
	)
	col := f.collector(true)
	col.OnResponse(func(r *colly.Response) {
		page, err := f.pageFrom(r)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			failures = append(failures, Failure{URL: r.Request.URL.String(), Reason: err.Error()})
			return
		}
		pages = append(pages, page)
	})
	col.OnError(func(r *colly.Response, err error) {
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, Failure{URL: r.Request.URL.String(), Reason: err.Error()})
	})

	for _, raw := range urls {
		if err := f.guard.Validate(raw); err != nil {
			mu.Lock()
			failures = append(failures, Failure{URL: raw, Reason: fmt.Sprintf("blocked: %v", err)})
			mu.Unlock()
			continue
		}
		if err := col.Visit(raw); err != nil {
			mu.Lock()
			failures = append(failures, Failure{URL: raw, Reason: err.Error()})
			mu.Unlock()
		}
	}
	col.Wait()

	f.logger.Debug("fetch batch completed", "requested", len(urls), "fetched", len(pages), "failed", len(failures))
	return pages, failures, nil
}

// collector clones the base collector for one call. Clones share the
// base's transport, limits, and redirect policy but not its callbacks,
// so each call attaches its own.
func (f *Fetcher) collector(async bool) *colly.Collector {
	col := f.base.Clone()
	col.Async = async
	return col
}

func (f *Fetcher) pageFrom(r *colly.Response) (*Page, error) {
	finalURL := r.Request.URL
	title, text := extract(finalURL, r.Body)
	if text == "" {
		return nil, fmt.Errorf("%w at %s", ErrNoContent, finalURL)
	}

	page := &Page{URL: finalURL.String(), Title: title, Text: text}
	if hits := f.prompts.Scan(text); len(hits) > 0 {
		f.logger.Warn("prompt injection patterns in fetched page",
			"url", page.URL, "patterns", len(hits))
		page.Flagged = hits
	}
	return page, nil
}

// extract reduces an HTML body to a title and plain text. Readability
// handles article-shaped pages; pages it cannot score fall back to a
// structural walk that keeps main/article/body content and drops
// boilerplate elements.
func extract(pageURL *url.URL, body []byte) (title, text string) {
	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err == nil {
		title = strings.TrimSpace(article.Title)
		text = normalize(article.TextContent)
	}
	if text != "" {
		return title, text
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return title, ""
	}
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	doc.Find("script, style, noscript, iframe, nav, header, footer, aside").Remove()
	for _, sel := range []string{"main", "article", "body"} {
		if s := doc.Find(sel).First(); s.Length() > 0 {
			if text = normalize(s.Text()); text != "" {
				break
			}
		}
	}
	return title, text
}

// normalize collapses runs of whitespace while keeping line structure.
func normalize(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if fields := strings.Fields(line); len(fields) > 0 {
			out = append(out, strings.Join(fields, " "))
		}
	}
	return strings.Join(out, "\n")
}
