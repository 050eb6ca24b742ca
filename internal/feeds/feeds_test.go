package feeds

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

const rssBody = `<?xml version="1.0"?>
<rss version="2.0"><channel>
<title>Threat Blog</title><link>https://blog.example.com/</link><description>research</description>
<item><title>Post one</title><link>/posts/1</link><guid>p1</guid><pubDate>Mon, 02 Jan 2006 15:04:05 -0700</pubDate></item>
<item><title>Post two</title><link>https://blog.example.com/posts/2</link></item>
</channel></rss>`

const atomBody = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
<title>Atom Blog</title><subtitle>notes</subtitle>
<link href="https://atom.example.com/" rel="alternate"/>
<entry><title>Entry</title><id>urn:1</id>
<link href="https://atom.example.com/e/1" rel="alternate"/>
<updated>2024-03-01T10:00:00Z</updated><summary>sum</summary></entry>
</feed>`

func TestParseRSS(t *testing.T) {
	feed, err := Parse([]byte(rssBody))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if feed.Title != "Threat Blog" || len(feed.Items) != 2 {
		t.Fatalf("unexpected feed: %+v", feed)
	}
	if feed.Items[0].Published == nil || feed.Items[0].Published.Year() != 2006 {
		t.Fatalf("expected pubDate to be parsed, got %v", feed.Items[0].Published)
	}
	if feed.Items[1].Published != nil {
		t.Fatalf("expected missing pubDate to stay nil")
	}
}

func TestParseAtom(t *testing.T) {
	feed, err := Parse([]byte(atomBody))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if feed.Title != "Atom Blog" || feed.Link != "https://atom.example.com/" {
		t.Fatalf("unexpected feed: %+v", feed)
	}
	if len(feed.Items) != 1 || feed.Items[0].Link != "https://atom.example.com/e/1" {
		t.Fatalf("unexpected entries: %+v", feed.Items)
	}
	if feed.Items[0].Published == nil {
		t.Fatalf("expected updated to be used as published time")
	}
}

func TestParseRejectsOtherDocuments(t *testing.T) {
	if _, err := Parse([]byte("<html><body>hi</body></html>")); !errors.Is(err, ErrNotFeed) {
		t.Fatalf("expected ErrNotFeed, got %v", err)
	}
}

func TestFetchFollowsAutodiscoveryAndResolvesLinks(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<!doctype html><html><head>
<link rel="alternate" type="application/rss+xml" href="/feed.xml">
</head><body>blog</body></html>`))
	})
	mux.HandleFunc("/feed.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(rssBody))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	feed, err := NewFetcher(srv.Client(), "obstracts-test", nil).Fetch(context.Background(), srv.URL+"/")
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if got, want := feed.Items[0].Link, srv.URL+"/posts/1"; got != want {
		t.Fatalf("expected resolved link %q, got %q", want, got)
	}
}

func TestFetchReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	if _, err := NewFetcher(srv.Client(), "", nil).Fetch(context.Background(), srv.URL); err == nil {
		t.Fatalf("expected error for 410 response")
	}
}
