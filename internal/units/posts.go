package units

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/muchdogesec/obstracts-sub000/internal/content"
	"github.com/muchdogesec/obstracts-sub000/internal/jobs"
	"github.com/muchdogesec/obstracts-sub000/internal/model"
	"github.com/muchdogesec/obstracts-sub000/internal/scraper"
)

// PostProcessor indexes one post for FEED_INDEX and POST_BACKFILL: fetch,
// convert, extract, upload, then optionally render a PDF on the side.
type PostProcessor struct{ d Deps }

func (p *PostProcessor) ValidateParams(params jobs.Params) error {
	if params.UseBrowser && p.d.Browser == nil {
		return errors.New("use_browser requires rod to be enabled")
	}
	return validateCommon(params)
}

func (p *PostProcessor) Process(ctx context.Context, u *jobs.Unit) error {
	id, err := parsePostID(u.ItemID)
	if err != nil {
		return err
	}
	post, err := p.d.Posts.GetPost(ctx, id)
	if err != nil {
		return storeErr(err)
	}

	engine := p.d.Scraper
	if u.Params.UseBrowser && p.d.Browser != nil {
		engine = p.d.Browser
	}
	res, err := engine.Scrape(ctx, scraper.Request{URL: post.URL})
	if err != nil {
		return fmt.Errorf("fetch %s: %w", post.URL, err)
	}
	if res.Status >= 400 {
		return fmt.Errorf("fetch %s: status %d", post.URL, res.Status)
	}

	post.HTML = res.HTML
	post.Markdown = res.Markdown
	if post.Title == "" {
		post.Title = res.Title
	}
	if err := p.d.Posts.SavePost(ctx, post); err != nil {
		return storeErr(err)
	}

	if !u.Params.SkipExtraction {
		if err := extractAndUpload(ctx, p.d, post, profileOf(p.d, u.Params)); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	post.IndexedAt = &now
	if err := p.d.Posts.SavePost(ctx, post); err != nil {
		return storeErr(err)
	}

	if wantsPDF(p.d, u.Params) {
		if err := u.Spawn(ctx, post.ID.String()); err != nil {
			return jobs.Transient(err)
		}
	}
	return nil
}

// ReprocessProcessor re-runs extraction over stored markdown, or with
// reuse_extraction re-uploads the stored result without extracting.
type ReprocessProcessor struct{ d Deps }

func (p *ReprocessProcessor) ValidateParams(params jobs.Params) error {
	if params.SkipExtraction {
		return errors.New("skip_extraction is not supported when reprocessing posts")
	}
	return validateCommon(params)
}

func (p *ReprocessProcessor) Process(ctx context.Context, u *jobs.Unit) error {
	id, err := parsePostID(u.ItemID)
	if err != nil {
		return err
	}
	post, err := p.d.Posts.GetPost(ctx, id)
	if err != nil {
		return storeErr(err)
	}

	if u.Params.ReuseExtraction {
		ext, err := p.d.Posts.GetExtraction(ctx, post.ID)
		if err != nil {
			return storeErr(err)
		}
		if ext == nil {
			return fmt.Errorf("no stored extraction for post %s", post.ID)
		}
		if err := upload(ctx, p.d, post, ext.Objects); err != nil {
			return err
		}
	} else {
		if post.Markdown == "" {
			return fmt.Errorf("post %s has no stored content", post.ID)
		}
		if err := extractAndUpload(ctx, p.d, post, profileOf(p.d, u.Params)); err != nil {
			return err
		}
	}

	if wantsPDF(p.d, u.Params) {
		if err := u.Spawn(ctx, post.ID.String()); err != nil {
			return jobs.Transient(err)
		}
	}
	return nil
}

func extractAndUpload(ctx context.Context, d Deps, post *model.Post, profile string) error {
	res, err := d.Content.Process(ctx, content.Source{
		PostID:    post.ID,
		URL:       post.URL,
		Title:     post.Title,
		Markdown:  post.Markdown,
		Published: post.PubDate,
	}, profile)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	if res.Error != nil {
		return res.Error
	}

	if err := upload(ctx, d, post, res.Objects); err != nil {
		return err
	}
	ext := &model.Extraction{
		PostID:  post.ID,
		Profile: profile,
		Summary: res.Summary,
		Objects: res.Objects,
		Created: time.Now().UTC(),
	}
	return storeErr(d.Posts.SaveExtraction(ctx, post.ID, ext))
}

// upload writes objects into the feed's collection. Rejected objects fail
// the item; an unreachable store is retried.
func upload(ctx context.Context, d Deps, post *model.Post, objs []model.Object) error {
	failed, err := d.Objects.UpsertObjects(ctx, post.FeedID.String(), objs)
	if err != nil {
		return jobs.Transient(err)
	}
	if len(failed) > 0 {
		return fmt.Errorf("upload: %d of %d objects rejected (first %s)", len(failed), len(objs), failed[0])
	}
	return nil
}
