package units

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/muchdogesec/obstracts-sub000/internal/jobs"
	"github.com/muchdogesec/obstracts-sub000/internal/model"
	"github.com/muchdogesec/obstracts-sub000/internal/vulns"
)

// VulnSyncProcessor enriches one batch of stored vulnerability objects.
// Any error fails the batch, and SYNC_VULNERABILITIES jobs fail as a
// whole on the first failed batch.
type VulnSyncProcessor struct{ d Deps }

func (p *VulnSyncProcessor) ValidateParams(params jobs.Params) error {
	if params.Profile != "" || params.GeneratePDF || len(params.URLs) > 0 || len(params.PostIDs) > 0 {
		return errors.New("only batch_size applies to vulnerability sync")
	}
	return nil
}

func (p *VulnSyncProcessor) Process(ctx context.Context, u *jobs.Unit) error {
	if p.d.Vulns == nil {
		return errors.New("vulnerability source is not configured")
	}
	b, err := parseVulnBatch(u.ItemID)
	if err != nil {
		return err
	}

	objs, err := p.d.Objects.ListObjectRange(ctx, "vulnerability", b.From, b.To)
	if err != nil {
		return jobs.Transient(err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	byCollection := make(map[string][]model.Object)
	for _, obj := range objs {
		name, _ := obj.Body["name"].(string)
		if name == "" {
			continue
		}
		rec, err := p.d.Vulns.Lookup(ctx, name)
		if errors.Is(err, vulns.ErrUnknownCVE) {
			continue
		}
		if err != nil {
			return fmt.Errorf("lookup %s: %w", name, err)
		}
		byCollection[obj.Collection] = append(byCollection[obj.Collection], enrich(obj, rec, now))
	}

	collections := make([]string, 0, len(byCollection))
	for c := range byCollection {
		collections = append(collections, c)
	}
	sort.Strings(collections)
	for _, c := range collections {
		failed, err := p.d.Objects.UpsertObjects(ctx, c, byCollection[c])
		if err != nil {
			return jobs.Transient(err)
		}
		if len(failed) > 0 {
			return fmt.Errorf("upload: %d objects rejected in collection %s", len(failed), c)
		}
	}

	// Objects stored inside the range after retrieval are enriched too but
	// never counted past the snapshot.
	u.Weight = min(len(objs), b.Size)
	return nil
}

// vulnBatch is an inclusive key range over the vulnerability objects and
// the number of objects it held when the job was retrieved.
type vulnBatch struct {
	From, To model.ObjectKey
	Size     int
}

func (b vulnBatch) String() string {
	return fmt.Sprintf("%d|%s|%s|%s|%s", b.Size, b.From.Collection, b.From.ID, b.To.Collection, b.To.ID)
}

func parseVulnBatch(s string) (vulnBatch, error) {
	parts := strings.SplitN(s, "|", 5)
	if len(parts) != 5 {
		return vulnBatch{}, fmt.Errorf("invalid batch %q", s)
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil || n <= 0 {
		return vulnBatch{}, fmt.Errorf("invalid batch size in %q", s)
	}
	return vulnBatch{
		From: model.ObjectKey{Collection: parts[1], ID: parts[2]},
		To:   model.ObjectKey{Collection: parts[3], ID: parts[4]},
		Size: n,
	}, nil
}

func enrich(obj model.Object, rec *vulns.Record, modified string) model.Object {
	body := make(map[string]any, len(obj.Body)+4)
	for k, v := range obj.Body {
		body[k] = v
	}
	if rec.Description != "" {
		body["description"] = rec.Description
	}
	if rec.Severity != "" {
		body["x_cvss"] = map[string]any{
			"base_score":    rec.BaseScore,
			"base_severity": rec.Severity,
		}
	}
	if len(rec.Weaknesses) > 0 {
		ws := make([]any, len(rec.Weaknesses))
		for i, w := range rec.Weaknesses {
			ws[i] = w
		}
		body["x_weaknesses"] = ws
	}
	body["modified"] = modified
	obj.Body = body
	return obj
}
