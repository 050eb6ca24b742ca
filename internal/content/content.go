// Package content turns post markdown into STIX 2.1 shaped objects using
// pattern extractors.
package content

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/muchdogesec/obstracts-sub000/internal/model"
)

// DefaultProfile runs every extractor.
const DefaultProfile = "standard"

// namespace seeds deterministic object ids so reprocessing a post yields
// the same ids.
var namespace = uuid.MustParse("00abedb4-aa42-466c-9c01-fed23315a9b7")

// Source is the post content handed to a Processor.
type Source struct {
	PostID    uuid.UUID
	URL       string
	Title     string
	Markdown  string
	Published *time.Time
}

// StructuredError is a content-level failure such as an empty post. It
// is reported in the Result rather than as a Go error.
type StructuredError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *StructuredError) Error() string { return e.Code + ": " + e.Message }

type Result struct {
	Summary string
	Objects []model.Object
	Error   *StructuredError
}

// Processor extracts objects from one post.
type Processor interface {
	Process(ctx context.Context, src Source, profile string) (*Result, error)
}

type extractor struct {
	name    string
	re      *regexp.Regexp
	objType string
	// pattern renders the indicator pattern; empty means no indicator.
	pattern func(v string) string
	valid   func(v string) bool
}

var extractors = []extractor{
	{
		name:    "cve",
		re:      regexp.MustCompile(`(?i)\bCVE-\d{4}-\d{4,7}\b`),
		objType: "vulnerability",
	},
	{
		name:    "ipv4",
		re:      regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`),
		objType: "ipv4-addr",
		pattern: func(v string) string { return fmt.Sprintf("[ipv4-addr:value = '%s']", v) },
	},
	{
		name:    "url",
		re:      regexp.MustCompile(`\bhttps?://[^\s<>"'()\[\]]+`),
		objType: "url",
		pattern: func(v string) string { return fmt.Sprintf("[url:value = '%s']", escape(v)) },
	},
	{
		name:    "email",
		re:      regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,24}\b`),
		objType: "email-addr",
		pattern: func(v string) string { return fmt.Sprintf("[email-addr:value = '%s']", v) },
	},
	{
		name:    "domain",
		re:      regexp.MustCompile(`\b(?:[A-Za-z0-9](?:[A-Za-z0-9-]{0,61}[A-Za-z0-9])?\.)+[A-Za-z]{2,24}\b`),
		objType: "domain-name",
		pattern: func(v string) string { return fmt.Sprintf("[domain-name:value = '%s']", v) },
		valid:   plausibleDomain,
	},
	{
		name:    "sha256",
		re:      regexp.MustCompile(`\b[A-Fa-f0-9]{64}\b`),
		objType: "file",
		pattern: func(v string) string { return fmt.Sprintf("[file:hashes.'SHA-256' = '%s']", v) },
	},
	{
		name:    "sha1",
		re:      regexp.MustCompile(`\b[A-Fa-f0-9]{40}\b`),
		objType: "file",
		pattern: func(v string) string { return fmt.Sprintf("[file:hashes.'SHA-1' = '%s']", v) },
	},
	{
		name:    "md5",
		re:      regexp.MustCompile(`\b[A-Fa-f0-9]{32}\b`),
		objType: "file",
		pattern: func(v string) string { return fmt.Sprintf("[file:hashes.MD5 = '%s']", v) },
	},
}

var fileSuffixes = map[string]bool{
	"pdf": true, "png": true, "jpg": true, "jpeg": true, "gif": true, "svg": true,
	"html": true, "htm": true, "php": true, "js": true, "css": true, "exe": true,
	"dll": true, "zip": true, "txt": true, "md": true, "json": true, "xml": true,
}

func plausibleDomain(v string) bool {
	i := strings.LastIndex(v, ".")
	return i > 0 && !fileSuffixes[strings.ToLower(v[i+1:])]
}

func escape(v string) string {
	return strings.ReplaceAll(v, "'", `\'`)
}

// Extractors lists the names accepted in a profile.
func Extractors() []string {
	names := make([]string, len(extractors))
	for i, e := range extractors {
		names[i] = e.name
	}
	return names
}

// PDFOption is the profile entry that asks for a PDF of every post the
// profile extracts from. It enables no extractor.
const PDFOption = "pdf"

// parseProfile resolves a profile to the extractors it enables. A profile
// is a comma separated list of extractor names, "standard" for all of
// them, and optionally PDFOption. A profile naming no extractor enables
// all of them.
func parseProfile(profile string) ([]extractor, error) {
	var out []extractor
	all := false
	for _, name := range profileEntries(profile) {
		switch name {
		case DefaultProfile:
			all = true
			continue
		case PDFOption:
			continue
		}
		found := false
		for _, e := range extractors {
			if e.name == name {
				out = append(out, e)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown extractor %q in profile", name)
		}
	}
	if all || len(out) == 0 {
		return extractors, nil
	}
	return out, nil
}

func profileEntries(profile string) []string {
	var out []string
	for _, name := range strings.Split(strings.ToLower(profile), ",") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// ValidateProfile reports whether profile names known extractors.
func ValidateProfile(profile string) error {
	_, err := parseProfile(profile)
	return err
}

// RequestsPDF reports whether profile lists PDFOption.
func RequestsPDF(profile string) bool {
	for _, name := range profileEntries(profile) {
		if name == PDFOption {
			return true
		}
	}
	return false
}

// PatternProcessor is the regular-expression Processor.
type PatternProcessor struct {
	now func() time.Time
}

func NewPatternProcessor() *PatternProcessor {
	return &PatternProcessor{now: func() time.Time { return time.Now().UTC() }}
}

func (p *PatternProcessor) Process(ctx context.Context, src Source, profile string) (*Result, error) {
	active, err := parseProfile(profile)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(src.Markdown)
	if text == "" {
		return &Result{Error: &StructuredError{Code: "EMPTY_CONTENT", Message: "post has no text to extract from"}}, nil
	}

	created := p.now()
	if src.Published != nil {
		created = src.Published.UTC()
	}
	ts := created.Format(time.RFC3339Nano)

	b := newBuilder(ts)
	seen := make(map[string]bool)
	counts := make(map[string]int)
	for _, ex := range active {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, v := range ex.re.FindAllString(text, -1) {
			if ex.name == "url" {
				v = strings.TrimRight(v, ".,;:")
			}
			if ex.name == "cve" {
				v = strings.ToUpper(v)
			}
			key := ex.name + "|" + strings.ToLower(v)
			if seen[key] || (ex.valid != nil && !ex.valid(v)) {
				continue
			}
			seen[key] = true
			counts[ex.name]++
			b.add(ex, v)
		}
	}

	report := b.report(src)
	objs := append(b.objects, report)
	return &Result{Summary: summarize(src, text, counts), Objects: objs}, nil
}

type builder struct {
	ts      string
	objects []model.Object
	refs    []string
}

func newBuilder(ts string) *builder {
	return &builder{ts: ts}
}

func stixID(objType, value string) string {
	return objType + "--" + uuid.NewSHA1(namespace, []byte(objType+"+"+value)).String()
}

func (b *builder) put(objType, id string, body map[string]any) {
	body["type"] = objType
	body["id"] = id
	body["spec_version"] = "2.1"
	b.objects = append(b.objects, model.Object{ID: id, Type: objType, Body: body})
	b.refs = append(b.refs, id)
}

func (b *builder) add(ex extractor, v string) {
	if ex.objType == "vulnerability" {
		b.put("vulnerability", stixID("vulnerability", v), map[string]any{
			"name":     v,
			"created":  b.ts,
			"modified": b.ts,
			"external_references": []any{map[string]any{
				"source_name": "cve",
				"external_id": v,
			}},
		})
		return
	}

	obsID := stixID(ex.objType, ex.name+":"+v)
	obs := map[string]any{}
	if ex.objType == "file" {
		obs["hashes"] = map[string]any{hashKey(ex.name): v}
	} else {
		obs["value"] = v
	}
	b.put(ex.objType, obsID, obs)

	if ex.pattern == nil {
		return
	}
	pattern := ex.pattern(v)
	b.put("indicator", stixID("indicator", pattern), map[string]any{
		"name":         fmt.Sprintf("%s: %s", ex.name, v),
		"pattern":      pattern,
		"pattern_type": "stix",
		"valid_from":   b.ts,
		"created":      b.ts,
		"modified":     b.ts,
		"indicator_types": []any{
			"unknown",
		},
	})
}

func hashKey(name string) string {
	switch name {
	case "sha256":
		return "SHA-256"
	case "sha1":
		return "SHA-1"
	}
	return "MD5"
}

func (b *builder) report(src Source) model.Object {
	id := "report--" + src.PostID.String()
	refs := append([]string(nil), b.refs...)
	sort.Strings(refs)
	body := map[string]any{
		"type":         "report",
		"id":           id,
		"spec_version": "2.1",
		"name":         src.Title,
		"published":    b.ts,
		"created":      b.ts,
		"modified":     b.ts,
		"object_refs":  stringsToAny(refs),
		"external_references": []any{map[string]any{
			"source_name": "post",
			"url":         src.URL,
		}},
	}
	return model.Object{ID: id, Type: "report", Body: body}
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func summarize(src Source, text string, counts map[string]int) string {
	first := text
	if i := strings.Index(first, "\n\n"); i > 0 {
		first = first[:i]
	}
	first = strings.Join(strings.Fields(first), " ")
	if r := []rune(first); len(r) > 280 {
		first = string(r[:280]) + "…"
	}

	names := make([]string, 0, len(counts))
	for n := range counts {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, fmt.Sprintf("%d %s", counts[n], n))
	}
	found := "no observables"
	if len(parts) > 0 {
		found = strings.Join(parts, ", ")
	}
	title := src.Title
	if title == "" {
		title = src.URL
	}
	return fmt.Sprintf("%s: %s (found %s)", title, first, found)
}
