package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	htmlmd "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"
)

// ErrDisallowed is returned when robots.txt forbids fetching a URL.
var ErrDisallowed = errors.New("disallowed by robots.txt")

// maxBodyBytes caps how much of a post is read.
const maxBodyBytes = 10 << 20

// Request represents a single page fetch.
type Request struct {
	URL       string
	Headers   map[string]string
	UserAgent string
}

// Result is a fetched post converted to markdown.
type Result struct {
	URL         string
	Markdown    string
	HTML        string
	Title       string
	Description string
	Status      int
	Engine      string
}

// Scraper defines the interface for URL scrapers.
type Scraper interface {
	Scrape(ctx context.Context, req Request) (*Result, error)
}

// Options configures HTTPScraper.
type Options struct {
	Timeout        time.Duration
	UserAgent      string
	RespectRobots  bool
	RequestsPerSec float64
	Burst          int
}

// HTTPScraper fetches pages with net/http and converts them with
// html-to-markdown. Requests are rate limited per host.
type HTTPScraper struct {
	client *http.Client
	opts   Options
	robots *robotsCache

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewHTTPScraper(opts Options) *HTTPScraper {
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	client := &http.Client{Timeout: opts.Timeout}
	return &HTTPScraper{
		client:   client,
		opts:     opts,
		robots:   newRobotsCache(client, opts.UserAgent),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Client returns the underlying HTTP client so feed fetching shares its
// timeout settings.
func (s *HTTPScraper) Client() *http.Client { return s.client }

func (s *HTTPScraper) limiter(host string) *rate.Limiter {
	if s.opts.RequestsPerSec <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.opts.RequestsPerSec), s.opts.Burst)
		s.limiters[host] = l
	}
	return l
}

// Wait blocks until a request to u may be sent. It enforces both the
// per-host rate limit and robots.txt when enabled.
func (s *HTTPScraper) Wait(ctx context.Context, u *url.URL) error {
	if s.opts.RespectRobots && !s.robots.allowed(ctx, u) {
		return fmt.Errorf("%w: %s", ErrDisallowed, u)
	}
	if l := s.limiter(strings.ToLower(u.Hostname())); l != nil {
		return l.Wait(ctx)
	}
	return nil
}

func (s *HTTPScraper) Scrape(ctx context.Context, req Request) (*Result, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}
	if err := s.Wait(ctx, u); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	ua := req.UserAgent
	if ua == "" {
		ua = s.opts.UserAgent
	}
	if ua != "" {
		httpReq.Header.Set("User-Agent", ua)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}

	return convert(u, string(bodyBytes), resp.StatusCode, "http"), nil
}

// convert turns a fetched page into a Result. Markdown falls back to the
// document text when conversion fails.
func convert(u *url.URL, htmlStr string, status int, engine string) *Result {
	res := &Result{
		URL:    u.String(),
		HTML:   htmlStr,
		Status: status,
		Engine: engine,
	}

	// First, attempt HTML -> Markdown conversion (CommonMark-enabled)
	converter := htmlmd.NewConverter(u.Hostname(), true, nil)
	markdown, mdErr := converter.ConvertString(htmlStr)
	if mdErr == nil {
		res.Markdown = markdown
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlStr))
	if err != nil {
		return res
	}
	if mdErr != nil {
		res.Markdown = strings.TrimSpace(doc.Text())
	}

	res.Title = strings.TrimSpace(doc.Find("meta[property='og:title']").AttrOr("content", ""))
	if res.Title == "" {
		res.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	res.Description = strings.TrimSpace(doc.Find("meta[name=description]").AttrOr("content", ""))
	if res.Description == "" {
		res.Description = strings.TrimSpace(doc.Find("meta[property='og:description']").AttrOr("content", ""))
	}
	return res
}
