package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/muchdogesec/obstracts-sub000/internal/jobs"
	"github.com/muchdogesec/obstracts-sub000/internal/model"
)

// Memory implements the same contracts as Store without a database. It is
// used for local runs without a DSN and by tests. Values are copied on the
// way in and out so callers never share state with the store. Post and
// object writes fail once ctx is done, like the database driver.
type Memory struct {
	mu sync.Mutex

	jobs     map[uuid.UUID]*jobs.Job
	jobItems map[uuid.UUID]map[string]struct{}

	feeds       map[uuid.UUID]*model.Feed
	posts       map[uuid.UUID]*model.Post
	extractions map[uuid.UUID]*model.Extraction
	pdfs        map[uuid.UUID][]byte
	objects     map[string]map[string]model.Object

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		jobs:        make(map[uuid.UUID]*jobs.Job),
		jobItems:    make(map[uuid.UUID]map[string]struct{}),
		feeds:       make(map[uuid.UUID]*model.Feed),
		posts:       make(map[uuid.UUID]*model.Post),
		extractions: make(map[uuid.UUID]*model.Extraction),
		pdfs:        make(map[uuid.UUID][]byte),
		objects:     make(map[string]map[string]model.Object),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func copyJob(j *jobs.Job) *jobs.Job {
	c := *j
	c.Errors = append([]string{}, j.Errors...)
	c.Extra = make(map[string]any, len(j.Extra))
	for k, v := range j.Extra {
		c.Extra[k] = v
	}
	if j.FeedID != nil {
		id := *j.FeedID
		c.FeedID = &id
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func (m *Memory) CreateJob(ctx context.Context, job *jobs.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return jobs.ErrDuplicateJob
	}
	if job.FeedID != nil {
		if _, ok := m.feeds[*job.FeedID]; !ok {
			return jobs.ErrFeedNotFound
		}
	}
	c := copyJob(job)
	if c.Created.IsZero() {
		c.Created = m.now()
	}
	c.Updated = c.Created
	m.jobs[job.ID] = c
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id uuid.UUID) (*jobs.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, jobs.ErrJobNotFound
	}
	return copyJob(j), nil
}

func (m *Memory) ListJobs(ctx context.Context, filter jobs.ListFilter) ([]*jobs.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*jobs.Job
	for _, j := range m.jobs {
		if filter.Type != "" && j.Type != filter.Type {
			continue
		}
		if len(filter.States) > 0 && !hasState(filter.States, j.State) {
			continue
		}
		if filter.FeedID != nil && (j.FeedID == nil || *j.FeedID != *filter.FeedID) {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].Created.Equal(out[b].Created) {
			return out[a].Created.After(out[b].Created)
		}
		return out[a].ID.String() < out[b].ID.String()
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func hasState(states []jobs.State, s jobs.State) bool {
	for _, v := range states {
		if v == s {
			return true
		}
	}
	return false
}

func (m *Memory) FeedExists(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.feeds[id]
	return ok, nil
}

func (m *Memory) TransitionJob(ctx context.Context, id uuid.UUID, from []jobs.State, to jobs.State) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, jobs.ErrJobNotFound
	}
	if !hasState(from, j.State) {
		return false, nil
	}
	now := m.now()
	j.State = to
	j.Updated = now
	if to.Terminal() {
		j.CompletedAt = &now
	}
	return true, nil
}

func (m *Memory) SetItemCount(ctx context.Context, id uuid.UUID, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return jobs.ErrJobNotFound
	}
	j.ItemCount = n
	j.Updated = m.now()
	return nil
}

func (m *Memory) RecordOutcome(ctx context.Context, id uuid.UUID, o jobs.Outcome) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, jobs.ErrJobNotFound
	}
	seen := m.jobItems[id]
	if seen == nil {
		seen = make(map[string]struct{})
		m.jobItems[id] = seen
	}
	if _, dup := seen[o.Key]; dup {
		return false, nil
	}
	seen[o.Key] = struct{}{}

	switch o.Kind {
	case jobs.OutcomeProcessed:
		j.ProcessedItems += o.Count
	case jobs.OutcomeFailed:
		j.FailedProcesses += o.Count
	}
	if o.Error != "" {
		j.Errors = append(j.Errors, o.Error)
	}
	j.Updated = m.now()
	return true, nil
}

func (m *Memory) AppendError(ctx context.Context, id uuid.UUID, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return jobs.ErrJobNotFound
	}
	j.Errors = append(j.Errors, msg)
	j.Updated = m.now()
	return nil
}

func (m *Memory) RequestCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, jobs.ErrJobNotFound
	}
	if j.State.Terminal() || j.CancelRequested {
		return false, nil
	}
	j.CancelRequested = true
	j.Updated = m.now()
	return true, nil
}

func (m *Memory) DeleteFinishedJobs(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, j := range m.jobs {
		if !j.State.Terminal() {
			continue
		}
		at := j.Updated
		if j.CompletedAt != nil {
			at = *j.CompletedAt
		}
		if at.Before(before) {
			delete(m.jobs, id)
			delete(m.jobItems, id)
			n++
		}
	}
	return n, nil
}

func copyFeed(f *model.Feed) *model.Feed {
	c := *f
	if f.LastFetched != nil {
		t := *f.LastFetched
		c.LastFetched = &t
	}
	return &c
}

func (m *Memory) CreateFeed(ctx context.Context, feed *model.Feed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if feed.ID == uuid.Nil {
		feed.ID = uuid.New()
	}
	for _, f := range m.feeds {
		if f.URL == feed.URL || f.ID == feed.ID {
			return model.ErrDuplicate
		}
	}
	feed.Created = m.now()
	m.feeds[feed.ID] = copyFeed(feed)
	return nil
}

func (m *Memory) GetFeed(ctx context.Context, id uuid.UUID) (*model.Feed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.feeds[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return copyFeed(f), nil
}

func (m *Memory) ListFeeds(ctx context.Context) ([]*model.Feed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Feed, 0, len(m.feeds))
	for _, f := range m.feeds {
		out = append(out, copyFeed(f))
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].Created.Equal(out[b].Created) {
			return out[a].Created.Before(out[b].Created)
		}
		return out[a].ID.String() < out[b].ID.String()
	})
	return out, nil
}

func (m *Memory) UpdateFeed(ctx context.Context, feed *model.Feed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.feeds[feed.ID]
	if !ok {
		return model.ErrNotFound
	}
	f.Title = feed.Title
	f.Description = feed.Description
	f.LastFetched = nil
	if feed.LastFetched != nil {
		t := *feed.LastFetched
		f.LastFetched = &t
	}
	return nil
}

func (m *Memory) copyPost(p *model.Post) *model.Post {
	c := *p
	if p.PubDate != nil {
		t := *p.PubDate
		c.PubDate = &t
	}
	if p.IndexedAt != nil {
		t := *p.IndexedAt
		c.IndexedAt = &t
	}
	_, c.HasPDF = m.pdfs[p.ID]
	return &c
}

func (m *Memory) UpsertPost(ctx context.Context, post *model.Post) (*model.Post, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.feeds[post.FeedID]; !ok {
		return nil, false, model.ErrNotFound
	}
	for _, p := range m.posts {
		if p.FeedID != post.FeedID || p.URL != post.URL {
			continue
		}
		if post.Title != "" {
			p.Title = post.Title
		}
		if post.Description != "" {
			p.Description = post.Description
		}
		if post.PubDate != nil {
			t := *post.PubDate
			p.PubDate = &t
		}
		return m.copyPost(p), false, nil
	}

	c := *post
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.HTML, c.Markdown, c.IndexedAt = "", "", nil
	c.Created = m.now()
	m.posts[c.ID] = m.copyPost(&c)
	return m.copyPost(&c), true, nil
}

func (m *Memory) GetPost(ctx context.Context, id uuid.UUID) (*model.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return m.copyPost(p), nil
}

func (m *Memory) SavePost(ctx context.Context, post *model.Post) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[post.ID]
	if !ok {
		return model.ErrNotFound
	}
	p.Title = post.Title
	p.HTML = post.HTML
	p.Markdown = post.Markdown
	p.IndexedAt = nil
	if post.IndexedAt != nil {
		t := *post.IndexedAt
		p.IndexedAt = &t
	}
	return nil
}

func (m *Memory) ListPosts(ctx context.Context, feedID uuid.UUID) ([]*model.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Post
	for _, p := range m.posts {
		if p.FeedID == feedID {
			out = append(out, m.copyPost(p))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		pa, pb := out[a].PubDate, out[b].PubDate
		switch {
		case pa != nil && pb != nil && !pa.Equal(*pb):
			return pa.Before(*pb)
		case pa != nil && pb == nil:
			return true
		case pa == nil && pb != nil:
			return false
		}
		if !out[a].Created.Equal(out[b].Created) {
			return out[a].Created.Before(out[b].Created)
		}
		return out[a].ID.String() < out[b].ID.String()
	})
	return out, nil
}

func (m *Memory) SaveExtraction(ctx context.Context, postID uuid.UUID, ext *model.Extraction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.posts[postID]; !ok {
		return model.ErrNotFound
	}
	c := *ext
	c.Objects = append([]model.Object(nil), ext.Objects...)
	m.extractions[postID] = &c
	return nil
}

func (m *Memory) GetExtraction(ctx context.Context, postID uuid.UUID) (*model.Extraction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.posts[postID]; !ok {
		return nil, model.ErrNotFound
	}
	ext, ok := m.extractions[postID]
	if !ok {
		return nil, nil
	}
	c := *ext
	c.Objects = append([]model.Object(nil), ext.Objects...)
	return &c, nil
}

func (m *Memory) SavePDF(ctx context.Context, postID uuid.UUID, pdf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.posts[postID]; !ok {
		return model.ErrNotFound
	}
	m.pdfs[postID] = append([]byte(nil), pdf...)
	return nil
}

func (m *Memory) GetPDF(ctx context.Context, postID uuid.UUID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pdf, ok := m.pdfs[postID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return append([]byte(nil), pdf...), nil
}

func (m *Memory) UpsertObjects(ctx context.Context, collection string, objs []model.Object) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.objects[collection]
	if coll == nil {
		coll = make(map[string]model.Object)
		m.objects[collection] = coll
	}
	var failed []string
	for _, obj := range objs {
		if obj.ID == "" || obj.Type == "" {
			failed = append(failed, obj.ID)
			continue
		}
		obj.Collection = collection
		coll[obj.ID] = obj
	}
	return failed, nil
}

func (m *Memory) CountObjects(ctx context.Context, objType string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, coll := range m.objects {
		for _, obj := range coll {
			if obj.Type == objType {
				n++
			}
		}
	}
	return n, nil
}

func (m *Memory) ListObjects(ctx context.Context, objType string, offset, limit int) ([]model.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []model.Object
	for _, coll := range m.objects {
		for _, obj := range coll {
			if obj.Type == objType {
				all = append(all, obj)
			}
		}
	}
	sortObjects(all)
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ListObjectKeys returns the keys of every object of one type, ordered.
func (m *Memory) ListObjectKeys(ctx context.Context, objType string) ([]model.ObjectKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []model.ObjectKey
	for c, coll := range m.objects {
		for id, obj := range coll {
			if obj.Type == objType {
				keys = append(keys, model.ObjectKey{Collection: c, ID: id})
			}
		}
	}
	sort.Slice(keys, func(a, b int) bool { return keys[a].Less(keys[b]) })
	return keys, nil
}

// ListObjectRange returns objects of one type whose keys fall within
// [from, to], ordered.
func (m *Memory) ListObjectRange(ctx context.Context, objType string, from, to model.ObjectKey) ([]model.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Object
	for c, coll := range m.objects {
		for id, obj := range coll {
			k := model.ObjectKey{Collection: c, ID: id}
			if obj.Type != objType || k.Less(from) || to.Less(k) {
				continue
			}
			out = append(out, obj)
		}
	}
	sortObjects(out)
	return out, nil
}

func (m *Memory) ListCollection(ctx context.Context, collection string) ([]model.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Object
	for _, obj := range m.objects[collection] {
		out = append(out, obj)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Type != out[b].Type {
			return out[a].Type < out[b].Type
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

func sortObjects(objs []model.Object) {
	sort.Slice(objs, func(a, b int) bool {
		if objs[a].Collection != objs[b].Collection {
			return objs[a].Collection < objs[b].Collection
		}
		return objs[a].ID < objs[b].ID
	})
}
