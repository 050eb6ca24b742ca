package units

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/muchdogesec/obstracts-sub000/internal/jobs"
	"github.com/muchdogesec/obstracts-sub000/internal/model"
)

// FeedRetriever fetches the feed and returns the posts that are new or
// were never indexed.
type FeedRetriever struct{ d Deps }

func (r *FeedRetriever) Retrieve(ctx context.Context, job *jobs.Job, _ jobs.Params) (jobs.Retrieval, error) {
	feed, err := r.d.Posts.GetFeed(ctx, *job.FeedID)
	if err != nil {
		return jobs.Retrieval{}, storeErr(err)
	}
	fetched, err := r.d.Feeds.Fetch(ctx, feed.URL)
	if err != nil {
		return jobs.Retrieval{}, fmt.Errorf("fetch feed %s: %w", feed.URL, err)
	}

	var items []string
	for _, it := range fetched.Items {
		if it.Link == "" {
			continue
		}
		post, created, err := r.d.Posts.UpsertPost(ctx, &model.Post{
			FeedID:      feed.ID,
			URL:         it.Link,
			Title:       it.Title,
			Description: it.Description,
			PubDate:     it.Published,
		})
		if err != nil {
			return jobs.Retrieval{}, storeErr(err)
		}
		if created || post.IndexedAt == nil {
			items = append(items, post.ID.String())
		}
	}

	now := time.Now().UTC()
	if fetched.Title != "" {
		feed.Title = fetched.Title
	}
	if fetched.Description != "" {
		feed.Description = fetched.Description
	}
	feed.LastFetched = &now
	if err := r.d.Posts.UpdateFeed(ctx, feed); err != nil {
		return jobs.Retrieval{}, storeErr(err)
	}

	r.d.Logger.Info("feed fetched", "job_id", job.ID, "feed_id", feed.ID, "entries", len(fetched.Items), "new_posts", len(items))
	return jobs.Retrieval{Items: items}, nil
}

// BackfillRetriever registers the requested URLs as posts of the feed.
// Every URL is indexed again, even when it is already known.
type BackfillRetriever struct{ d Deps }

func (r *BackfillRetriever) Retrieve(ctx context.Context, job *jobs.Job, p jobs.Params) (jobs.Retrieval, error) {
	seen := make(map[uuid.UUID]bool)
	var items []string
	for _, u := range p.URLs {
		post, _, err := r.d.Posts.UpsertPost(ctx, &model.Post{FeedID: *job.FeedID, URL: u})
		if err != nil {
			return jobs.Retrieval{}, storeErr(err)
		}
		if seen[post.ID] {
			continue
		}
		seen[post.ID] = true
		items = append(items, post.ID.String())
	}
	return jobs.Retrieval{Items: items}, nil
}

// StoredPostsRetriever selects already stored posts, either the ones named
// in post_ids or every post of the job's feed.
type StoredPostsRetriever struct{ d Deps }

func (r *StoredPostsRetriever) Retrieve(ctx context.Context, job *jobs.Job, p jobs.Params) (jobs.Retrieval, error) {
	ids, err := p.PostUUIDs()
	if err != nil {
		return jobs.Retrieval{}, err
	}

	if len(ids) == 0 {
		if job.FeedID == nil {
			return jobs.Retrieval{}, errors.New("either a feed or post_ids is required")
		}
		posts, err := r.d.Posts.ListPosts(ctx, *job.FeedID)
		if err != nil {
			return jobs.Retrieval{}, storeErr(err)
		}
		items := make([]string, 0, len(posts))
		for _, post := range posts {
			items = append(items, post.ID.String())
		}
		return jobs.Retrieval{Items: items}, nil
	}

	items := make([]string, 0, len(ids))
	for _, id := range ids {
		post, err := r.d.Posts.GetPost(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			return jobs.Retrieval{}, fmt.Errorf("post %s does not exist", id)
		}
		if err != nil {
			return jobs.Retrieval{}, storeErr(err)
		}
		if job.FeedID != nil && post.FeedID != *job.FeedID {
			return jobs.Retrieval{}, fmt.Errorf("post %s does not belong to feed %s", id, *job.FeedID)
		}
		items = append(items, id.String())
	}
	return jobs.Retrieval{Items: items}, nil
}

// VulnRetriever snapshots the keys of the stored vulnerability objects and
// splits them into batches. Each item names the first and last key of its
// batch, so objects stored after retrieval never shift a batch.
// item_count is the number of objects in the snapshot.
type VulnRetriever struct{ d Deps }

func (r *VulnRetriever) Retrieve(ctx context.Context, job *jobs.Job, p jobs.Params) (jobs.Retrieval, error) {
	keys, err := r.d.Objects.ListObjectKeys(ctx, "vulnerability")
	if err != nil {
		return jobs.Retrieval{}, storeErr(err)
	}
	size := batchSize(r.d, p)
	var items []string
	for start := 0; start < len(keys); start += size {
		end := min(start+size, len(keys))
		b := vulnBatch{From: keys[start], To: keys[end-1], Size: end - start}
		items = append(items, b.String())
	}
	return jobs.Retrieval{Items: items, Total: len(keys)}, nil
}

func batchSize(d Deps, p jobs.Params) int {
	if p.BatchSize > 0 {
		return p.BatchSize
	}
	return d.VulnBatchSize
}
