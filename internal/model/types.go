package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by stores when a feed, post or object does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when creating a feed whose URL is already registered.
	ErrDuplicate = errors.New("already exists")
)

// Feed is a blog whose posts are converted into threat-intel objects.
type Feed struct {
	ID          uuid.UUID  `json:"id"`
	URL         string     `json:"url"`
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	LastFetched *time.Time `json:"last_fetched,omitempty"`
	Created     time.Time  `json:"created"`
}

// Post is a single article belonging to a feed.
type Post struct {
	ID          uuid.UUID  `json:"id"`
	FeedID      uuid.UUID  `json:"feed_id"`
	URL         string     `json:"url"`
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	PubDate     *time.Time `json:"pub_date,omitempty"`
	HTML        string     `json:"-"`
	Markdown    string     `json:"-"`
	IndexedAt   *time.Time `json:"indexed_at,omitempty"`
	HasPDF      bool       `json:"has_pdf"`
	Created     time.Time  `json:"created"`
}

// Object is a STIX 2.1 shaped record stored in a collection. Body holds
// the full object including its id and type.
type Object struct {
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Body       map[string]any `json:"body"`
}

// ObjectKey addresses an object across collections. Keys order by
// collection, then id.
type ObjectKey struct {
	Collection string
	ID         string
}

func (k ObjectKey) Less(o ObjectKey) bool {
	if k.Collection != o.Collection {
		return k.Collection < o.Collection
	}
	return k.ID < o.ID
}

// Extraction is the stored result of running the content processor over
// a post. It is kept so a post can be re-uploaded without re-extracting.
type Extraction struct {
	PostID  uuid.UUID `json:"post_id"`
	Profile string    `json:"profile"`
	Summary string    `json:"summary"`
	Objects []Object  `json:"objects"`
	Created time.Time `json:"created"`
}
