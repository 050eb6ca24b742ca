// Package units holds the retrievers and unit processors for each job
// type and registers them with the engine.
package units

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/muchdogesec/obstracts-sub000/internal/content"
	"github.com/muchdogesec/obstracts-sub000/internal/feeds"
	"github.com/muchdogesec/obstracts-sub000/internal/jobs"
	"github.com/muchdogesec/obstracts-sub000/internal/model"
	"github.com/muchdogesec/obstracts-sub000/internal/pdf"
	"github.com/muchdogesec/obstracts-sub000/internal/scraper"
	"github.com/muchdogesec/obstracts-sub000/internal/vulns"
)

// PostStore is the feed and post persistence the processors need.
type PostStore interface {
	GetFeed(ctx context.Context, id uuid.UUID) (*model.Feed, error)
	UpdateFeed(ctx context.Context, feed *model.Feed) error
	UpsertPost(ctx context.Context, post *model.Post) (*model.Post, bool, error)
	GetPost(ctx context.Context, id uuid.UUID) (*model.Post, error)
	SavePost(ctx context.Context, post *model.Post) error
	ListPosts(ctx context.Context, feedID uuid.UUID) ([]*model.Post, error)
	SaveExtraction(ctx context.Context, postID uuid.UUID, ext *model.Extraction) error
	GetExtraction(ctx context.Context, postID uuid.UUID) (*model.Extraction, error)
	SavePDF(ctx context.Context, postID uuid.UUID, pdf []byte) error
}

// ObjectStore is the collection-keyed object store. UpsertObjects returns
// the ids it could not write.
type ObjectStore interface {
	UpsertObjects(ctx context.Context, collection string, objs []model.Object) ([]string, error)
	ListObjectKeys(ctx context.Context, objType string) ([]model.ObjectKey, error)
	ListObjectRange(ctx context.Context, objType string, from, to model.ObjectKey) ([]model.Object, error)
}

type FeedFetcher interface {
	Fetch(ctx context.Context, url string) (*feeds.Feed, error)
}

// Deps are the collaborators shared by all processors.
type Deps struct {
	Posts   PostStore
	Objects ObjectStore
	Feeds   FeedFetcher
	Scraper scraper.Scraper
	// Browser renders posts that need JavaScript; used when a job sets
	// use_browser. Nil when rod is disabled.
	Browser scraper.Scraper
	Content content.Processor
	PDF     pdf.Renderer
	Vulns   vulns.Source

	DefaultProfile    string
	DefaultCookieMode string
	VulnBatchSize     int

	Logger *slog.Logger
}

// SiblingPDF is the name the PDF sibling is registered under; its
// failures appear on jobs as PDF_FAILED errors.
const SiblingPDF = "pdf"

// Register installs one Variant per job type and the PDF sibling.
func Register(eng *jobs.Engine, d Deps) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.DefaultProfile == "" {
		d.DefaultProfile = content.DefaultProfile
	}
	if d.DefaultCookieMode == "" {
		d.DefaultCookieMode = string(pdf.CookieRemove)
	}
	if d.VulnBatchSize <= 0 {
		d.VulnBatchSize = 100
	}

	posts := &PostProcessor{d: d}
	pdfs := &PDFProcessor{d: d}

	eng.Register(jobs.TypeFeedIndex, jobs.Variant{Retriever: &FeedRetriever{d: d}, Processor: posts})
	eng.Register(jobs.TypePostBackfill, jobs.Variant{Retriever: &BackfillRetriever{d: d}, Processor: posts})
	eng.Register(jobs.TypeReprocessPosts, jobs.Variant{Retriever: &StoredPostsRetriever{d: d}, Processor: &ReprocessProcessor{d: d}})
	eng.Register(jobs.TypePDFIndex, jobs.Variant{Retriever: &StoredPostsRetriever{d: d}, Processor: pdfs})
	eng.Register(jobs.TypeSyncVulnerabilities, jobs.Variant{Retriever: &VulnRetriever{d: d}, Processor: &VulnSyncProcessor{d: d}})
	eng.RegisterSibling(SiblingPDF, pdfs)
}

// storeErr marks persistence failures as transient so the queue retries
// the step. Missing records are item failures.
func storeErr(err error) error {
	if err == nil || errors.Is(err, model.ErrNotFound) {
		return err
	}
	return jobs.Transient(err)
}

func parsePostID(item string) (uuid.UUID, error) {
	id, err := uuid.Parse(item)
	if err != nil {
		return uuid.Nil, errors.New("invalid post id " + item)
	}
	return id, nil
}

func profileOf(d Deps, p jobs.Params) string {
	if p.Profile != "" {
		return p.Profile
	}
	return d.DefaultProfile
}

// wantsPDF reports whether the job asked for PDFs, either directly or
// through its extraction profile.
func wantsPDF(d Deps, p jobs.Params) bool {
	return p.GeneratePDF || content.RequestsPDF(profileOf(d, p))
}

func validateCommon(p jobs.Params) error {
	if p.Profile != "" {
		if err := content.ValidateProfile(p.Profile); err != nil {
			return err
		}
	}
	if p.CookieMode != "" {
		if _, err := pdf.ParseCookieMode(p.CookieMode); err != nil {
			return err
		}
	}
	return nil
}
