// Package feeds fetches and parses RSS 2.0 and Atom feeds. A URL pointing
// at an HTML page is followed to the feed it advertises.
package feeds

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

var (
	ErrNotFeed   = errors.New("document is not an RSS or Atom feed")
	ErrNoFeedURL = errors.New("page does not advertise a feed")
)

const maxFeedBytes = 20 << 20

// Feed is the parsed channel.
type Feed struct {
	Title       string
	Description string
	Link        string
	Items       []Item
}

// Item is one entry of a feed.
type Item struct {
	Title       string
	Link        string
	GUID        string
	Description string
	Published   *time.Time
}

// Gate is consulted before every request, for rate limiting and robots.txt.
type Gate interface {
	Wait(ctx context.Context, u *url.URL) error
}

type Fetcher struct {
	Client    *http.Client
	UserAgent string
	Gate      Gate
}

func NewFetcher(client *http.Client, userAgent string, gate Gate) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{Client: client, UserAgent: userAgent, Gate: gate}
}

// Fetch downloads and parses the feed at rawURL. Relative item links are
// resolved against the feed URL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Feed, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	body, ctype, err := f.get(ctx, u)
	if err != nil {
		return nil, err
	}

	feed, err := Parse(body)
	if errors.Is(err, ErrNotFeed) && looksLikeHTML(ctype, body) {
		alt, derr := Discover(u, body)
		if derr != nil {
			return nil, derr
		}
		if body, _, err = f.get(ctx, alt); err != nil {
			return nil, err
		}
		u = alt
		feed, err = Parse(body)
	}
	if err != nil {
		return nil, err
	}

	for i := range feed.Items {
		feed.Items[i].Link = resolve(u, feed.Items[i].Link)
	}
	return feed, nil
}

func (f *Fetcher) get(ctx context.Context, u *url.URL) ([]byte, string, error) {
	if f.Gate != nil {
		if err := f.Gate.Wait(ctx, u); err != nil {
			return nil, "", err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", err
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, text/html;q=0.8")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, "", fmt.Errorf("fetch %s: status %d", u, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, "", err
	}
	return body, resp.Header.Get("Content-Type"), nil
}

type rssDoc struct {
	XMLName xml.Name `xml:"rss"`
	Channel struct {
		Title       string `xml:"title"`
		Description string `xml:"description"`
		Link        string `xml:"link"`
		Items       []struct {
			Title       string `xml:"title"`
			Link        string `xml:"link"`
			GUID        string `xml:"guid"`
			Description string `xml:"description"`
			PubDate     string `xml:"pubDate"`
		} `xml:"item"`
	} `xml:"channel"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
}

type atomDoc struct {
	XMLName  xml.Name   `xml:"feed"`
	Title    string     `xml:"title"`
	Subtitle string     `xml:"subtitle"`
	Links    []atomLink `xml:"link"`
	Entries  []struct {
		Title     string     `xml:"title"`
		ID        string     `xml:"id"`
		Links     []atomLink `xml:"link"`
		Summary   string     `xml:"summary"`
		Content   string     `xml:"content"`
		Published string     `xml:"published"`
		Updated   string     `xml:"updated"`
	} `xml:"entry"`
}

// Parse decodes an RSS 2.0 or Atom document.
func Parse(body []byte) (*Feed, error) {
	var root struct{ XMLName xml.Name }
	if err := xml.NewDecoder(bytes.NewReader(body)).Decode(&root); err != nil {
		return nil, ErrNotFeed
	}

	switch strings.ToLower(root.XMLName.Local) {
	case "rss":
		var doc rssDoc
		if err := xml.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("parse rss: %w", err)
		}
		feed := &Feed{
			Title:       strings.TrimSpace(doc.Channel.Title),
			Description: strings.TrimSpace(doc.Channel.Description),
			Link:        strings.TrimSpace(doc.Channel.Link),
		}
		for _, it := range doc.Channel.Items {
			feed.Items = append(feed.Items, Item{
				Title:       strings.TrimSpace(it.Title),
				Link:        strings.TrimSpace(it.Link),
				GUID:        strings.TrimSpace(it.GUID),
				Description: strings.TrimSpace(it.Description),
				Published:   parseTime(it.PubDate),
			})
		}
		return feed, nil
	case "feed":
		var doc atomDoc
		if err := xml.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("parse atom: %w", err)
		}
		feed := &Feed{
			Title:       strings.TrimSpace(doc.Title),
			Description: strings.TrimSpace(doc.Subtitle),
			Link:        atomHref(doc.Links),
		}
		for _, e := range doc.Entries {
			desc := e.Summary
			if desc == "" {
				desc = e.Content
			}
			published := parseTime(e.Published)
			if published == nil {
				published = parseTime(e.Updated)
			}
			feed.Items = append(feed.Items, Item{
				Title:       strings.TrimSpace(e.Title),
				Link:        atomHref(e.Links),
				GUID:        strings.TrimSpace(e.ID),
				Description: strings.TrimSpace(desc),
				Published:   published,
			})
		}
		return feed, nil
	}
	return nil, ErrNotFeed
}

// atomHref picks the alternate link, falling back to the first one.
func atomHref(links []atomLink) string {
	for _, l := range links {
		if l.Rel == "" || l.Rel == "alternate" {
			return strings.TrimSpace(l.Href)
		}
	}
	if len(links) > 0 {
		return strings.TrimSpace(links[0].Href)
	}
	return ""
}

var timeLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
	time.RFC3339Nano,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// Discover returns the first feed advertised by an HTML page through
// <link rel="alternate">.
func Discover(base *url.URL, page []byte) (*url.URL, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, err
	}
	var found *url.URL
	doc.Find("link[rel='alternate']").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		typ := strings.ToLower(sel.AttrOr("type", ""))
		if typ != "application/rss+xml" && typ != "application/atom+xml" {
			return true
		}
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		if href == "" {
			return true
		}
		u, err := base.Parse(href)
		if err != nil {
			return true
		}
		found = u
		return false
	})
	if found == nil {
		return nil, ErrNoFeedURL
	}
	return found, nil
}

func looksLikeHTML(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "html") {
		return true
	}
	head := strings.ToLower(string(body[:min(len(body), 512)]))
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}

func resolve(base *url.URL, href string) string {
	if href == "" {
		return ""
	}
	u, err := base.Parse(href)
	if err != nil {
		return href
	}
	u.Fragment = ""
	return u.String()
}
