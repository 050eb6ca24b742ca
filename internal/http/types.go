package http

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/muchdogesec/obstracts-sub000/internal/jobs"
	"github.com/muchdogesec/obstracts-sub000/internal/model"
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ErrorResponse is the error envelope returned by every endpoint.
type ErrorResponse struct {
	Success bool     `json:"success"`
	Code    string   `json:"code,omitempty"`
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

type CreateFeedRequest struct {
	URL   string `json:"url" validate:"required,url,startswith=http"`
	Title string `json:"title,omitempty" validate:"max=256"`
	// Index starts a FEED_INDEX job for the new feed.
	Index bool `json:"index,omitempty"`
}

type FeedResponse struct {
	Success bool        `json:"success"`
	Feed    *model.Feed `json:"feed"`
	Job     *jobs.Job   `json:"job,omitempty"`
}

type ListFeedsResponse struct {
	Success bool          `json:"success"`
	Feeds   []*model.Feed `json:"feeds"`
}

type ListPostsResponse struct {
	Success bool          `json:"success"`
	Posts   []*model.Post `json:"posts"`
}

type CreateJobRequest struct {
	ID     string         `json:"id,omitempty" validate:"omitempty,uuid"`
	Type   string         `json:"type" validate:"required,oneof=FEED_INDEX POST_BACKFILL PDF_INDEX REPROCESS_POSTS SYNC_VULNERABILITIES"`
	FeedID string         `json:"feed_id,omitempty" validate:"omitempty,uuid"`
	Extra  map[string]any `json:"extra,omitempty"`
}

type JobResponse struct {
	Success bool      `json:"success"`
	Job     *jobs.Job `json:"job"`
}

type ListJobsResponse struct {
	Success bool        `json:"success"`
	Jobs    []*jobs.Job `json:"jobs"`
}

// formatValidationErrors turns validator errors into one line per field.
func formatValidationErrors(err error) []string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("field '%s' failed on the '%s' tag", fe.Field(), fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("%s (%s)", msg, fe.Param())
		}
		out = append(out, msg)
	}
	return out
}
