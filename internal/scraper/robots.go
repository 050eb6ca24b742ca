package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	robotstxt "github.com/temoto/robotstxt"
)

// robotsRetryAfter is how long a host whose robots.txt could not be
// fetched is treated as allowing everything before it is asked again.
const robotsRetryAfter = time.Minute

type robotsEntry struct {
	data *robotstxt.RobotsData
	// expires is zero for definitive answers.
	expires time.Time
}

// robotsCache keeps one parsed robots.txt per scheme and host. Answers the
// host gave (2xx or 4xx) are kept for the life of the process. Transport
// errors and 5xx responses allow everything until robotsRetryAfter passes.
type robotsCache struct {
	client    *http.Client
	userAgent string
	now       func() time.Time

	mu    sync.Mutex
	hosts map[string]robotsEntry
}

func newRobotsCache(client *http.Client, userAgent string) *robotsCache {
	return &robotsCache{
		client:    client,
		userAgent: userAgent,
		now:       time.Now,
		hosts:     make(map[string]robotsEntry),
	}
}

func (c *robotsCache) allowed(ctx context.Context, u *url.URL) bool {
	key := strings.ToLower(u.Scheme + "://" + u.Host)

	c.mu.Lock()
	entry, ok := c.hosts[key]
	c.mu.Unlock()

	if !ok || (!entry.expires.IsZero() && c.now().After(entry.expires)) {
		data, err := fetchRobots(ctx, c.client, u, c.userAgent)
		entry = robotsEntry{data: data}
		if err != nil {
			entry = robotsEntry{expires: c.now().Add(robotsRetryAfter)}
		}
		c.mu.Lock()
		c.hosts[key] = entry
		c.mu.Unlock()
	}
	if entry.data == nil {
		return true
	}
	return entry.data.FindGroup(c.userAgent).Test(u.RequestURI())
}

// fetchRobots fetches and parses robots.txt for a given base URL. A 4xx
// response parses as allow-all; 5xx responses are returned as errors.
func fetchRobots(ctx context.Context, client *http.Client, base *url.URL, userAgent string) (*robotstxt.RobotsData, error) {
	robotsURL := &url.URL{
		Scheme: base.Scheme,
		Host:   base.Host,
		Path:   "/robots.txt",
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, err
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("robots.txt: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return robotstxt.FromStatusAndBytes(resp.StatusCode, body)
}
