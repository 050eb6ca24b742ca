package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/muchdogesec/obstracts-sub000/internal/jobs"
	"github.com/muchdogesec/obstracts-sub000/internal/model"
)

func feedsFrom(c *fiber.Ctx) FeedStore {
	return c.Locals("feeds").(FeedStore)
}

func feedError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Success: false,
			Code:    "NOT_FOUND",
			Error:   "feed not found",
		})
	case errors.Is(err, model.ErrDuplicate):
		return c.Status(fiber.StatusConflict).JSON(ErrorResponse{
			Success: false,
			Code:    "CONFLICT",
			Error:   "a feed with this url already exists",
		})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
		Success: false,
		Code:    "INTERNAL_ERROR",
		Error:   err.Error(),
	})
}

// createFeedHandler registers a feed and, with index=true, starts its
// first FEED_INDEX job.
func createFeedHandler(c *fiber.Ctx) error {
	var req CreateFeedRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	if err := validate.Struct(req); err != nil {
		return badRequest(c, "invalid feed request", formatValidationErrors(err)...)
	}

	feed := &model.Feed{URL: req.URL, Title: req.Title}
	if err := feedsFrom(c).CreateFeed(c.Context(), feed); err != nil {
		return feedError(c, err)
	}

	resp := FeedResponse{Success: true, Feed: feed}
	if req.Index {
		id := feed.ID
		job, err := engineFrom(c).CreateJob(c.Context(), jobs.CreateRequest{Type: jobs.TypeFeedIndex, FeedID: &id})
		if err != nil {
			return jobError(c, err)
		}
		resp.Job = job
	}
	return c.Status(fiber.StatusCreated).JSON(resp)
}

func listFeedsHandler(c *fiber.Ctx) error {
	feeds, err := feedsFrom(c).ListFeeds(c.Context())
	if err != nil {
		return feedError(c, err)
	}
	if feeds == nil {
		feeds = []*model.Feed{}
	}
	return c.JSON(ListFeedsResponse{Success: true, Feeds: feeds})
}

func feedDetailHandler(c *fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return badRequest(c, "invalid feed id")
	}
	feed, err := feedsFrom(c).GetFeed(c.Context(), id)
	if err != nil {
		return feedError(c, err)
	}
	return c.JSON(FeedResponse{Success: true, Feed: feed})
}

func feedPostsHandler(c *fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return badRequest(c, "invalid feed id")
	}
	st := feedsFrom(c)
	if _, err := st.GetFeed(c.Context(), id); err != nil {
		return feedError(c, err)
	}
	posts, err := st.ListPosts(c.Context(), id)
	if err != nil {
		return feedError(c, err)
	}
	if posts == nil {
		posts = []*model.Post{}
	}
	return c.JSON(ListPostsResponse{Success: true, Posts: posts})
}
