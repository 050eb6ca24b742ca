package http

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/muchdogesec/obstracts-sub000/internal/jobs"
)

func engineFrom(c *fiber.Ctx) *jobs.Engine {
	return c.Locals("engine").(*jobs.Engine)
}

// jobError maps engine errors onto the API error envelope.
func jobError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, jobs.ErrInvalidJob):
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   err.Error(),
		})
	case errors.Is(err, jobs.ErrJobNotFound):
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Success: false,
			Code:    "NOT_FOUND",
			Error:   "job not found",
		})
	case errors.Is(err, jobs.ErrFeedNotFound):
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Success: false,
			Code:    "NOT_FOUND",
			Error:   "feed not found",
		})
	case errors.Is(err, jobs.ErrDuplicateJob):
		return c.Status(fiber.StatusConflict).JSON(ErrorResponse{
			Success: false,
			Code:    "CONFLICT",
			Error:   "a job with this id already exists",
		})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
		Success: false,
		Code:    "INTERNAL_ERROR",
		Error:   err.Error(),
	})
}

func badRequest(c *fiber.Ctx, msg string, details ...string) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
		Success: false,
		Code:    "BAD_REQUEST",
		Error:   msg,
		Details: details,
	})
}

func parseID(c *fiber.Ctx) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// createJobHandler creates a job and schedules its retrieval. The job is
// returned in its initial state.
func createJobHandler(c *fiber.Ctx) error {
	var req CreateJobRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	if err := validate.Struct(req); err != nil {
		return badRequest(c, "invalid job request", formatValidationErrors(err)...)
	}

	create := jobs.CreateRequest{Type: jobs.Type(req.Type), Extra: req.Extra}
	if req.ID != "" {
		id := uuid.MustParse(req.ID)
		create.ID = &id
	}
	if req.FeedID != "" {
		id := uuid.MustParse(req.FeedID)
		create.FeedID = &id
	}

	job, err := engineFrom(c).CreateJob(c.Context(), create)
	if err != nil {
		return jobError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(JobResponse{Success: true, Job: job})
}

// jobsListHandler lists jobs newest first. Filters: type, state (comma
// separated), feed_id, limit, offset.
func jobsListHandler(c *fiber.Ctx) error {
	var filter jobs.ListFilter

	if v := c.Query("type"); v != "" {
		t := jobs.Type(strings.ToUpper(v))
		if !t.Valid() {
			return badRequest(c, "invalid type value")
		}
		filter.Type = t
	}

	if v := c.Query("state"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			s := jobs.State(strings.ToUpper(strings.TrimSpace(raw)))
			if !s.Valid() {
				return badRequest(c, "invalid state value "+raw)
			}
			filter.States = append(filter.States, s)
		}
	}

	if v := c.Query("feed_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return badRequest(c, "invalid feed_id value")
		}
		filter.FeedID = &id
	}

	filter.Limit = 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return badRequest(c, "invalid limit value")
		}
		if n > 500 {
			n = 500
		}
		filter.Limit = n
	}

	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return badRequest(c, "invalid offset value")
		}
		filter.Offset = n
	}

	list, err := engineFrom(c).ListJobs(c.Context(), filter)
	if err != nil {
		return jobError(c, err)
	}
	if list == nil {
		list = []*jobs.Job{}
	}
	return c.JSON(ListJobsResponse{Success: true, Jobs: list})
}

func jobDetailHandler(c *fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return badRequest(c, "invalid job id")
	}
	job, err := engineFrom(c).GetJob(c.Context(), id)
	if err != nil {
		return jobError(c, err)
	}
	return c.JSON(JobResponse{Success: true, Job: job})
}

// cancelJobHandler requests cancellation. Units already running finish;
// the rest are skipped and the job ends CANCELLED. Cancelling a finished
// job changes nothing.
func cancelJobHandler(c *fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return badRequest(c, "invalid job id")
	}
	eng := engineFrom(c)
	if err := eng.CancelJob(c.Context(), id); err != nil {
		return jobError(c, err)
	}
	job, err := eng.GetJob(c.Context(), id)
	if err != nil {
		return jobError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(JobResponse{Success: true, Job: job})
}
