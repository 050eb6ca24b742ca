package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/muchdogesec/obstracts-sub000/internal/jobs"
)

type jobResponse struct {
	Job *jobs.Job `json:"job"`
}

type jobsResponse struct {
	Jobs []*jobs.Job `json:"jobs"`
}

func jobsCmd(opts *clientOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Create, inspect and cancel jobs",
	}
	cmd.AddCommand(jobsCreateCmd(opts), jobsGetCmd(opts), jobsListCmd(opts), jobsCancelCmd(opts))
	return cmd
}

func jobsCreateCmd(opts *clientOptions) *cobra.Command {
	var (
		feedID string
		extra  string
		wait   bool
	)
	cmd := &cobra.Command{
		Use:   "create <type>",
		Short: "Create a job (FEED_INDEX, POST_BACKFILL, PDF_INDEX, REPROCESS_POSTS, SYNC_VULNERABILITIES)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"type": strings.ToUpper(args[0])}
			if feedID != "" {
				body["feed_id"] = feedID
			}
			if extra != "" {
				var m map[string]any
				if err := json.Unmarshal([]byte(extra), &m); err != nil {
					return fmt.Errorf("invalid --extra JSON: %w", err)
				}
				body["extra"] = m
			}

			c := newClient(opts)
			var resp jobResponse
			if err := c.do(cmd.Context(), "POST", "/v1/jobs", body, &resp); err != nil {
				return err
			}
			if !wait {
				return printJob(resp.Job)
			}
			job, err := waitForJob(cmd, c, resp.Job.ID.String())
			if err != nil {
				return err
			}
			return printJob(job)
		},
	}
	cmd.Flags().StringVar(&feedID, "feed", "", "feed id the job works on")
	cmd.Flags().StringVar(&extra, "extra", "", `job parameters as JSON, e.g. '{"generate_pdf":true}'`)
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the job finishes")
	return cmd
}

// waitForJob polls the job until it reaches a terminal state.
func waitForJob(cmd *cobra.Command, c *apiClient, id string) (*jobs.Job, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		var resp jobResponse
		if err := c.do(cmd.Context(), "GET", "/v1/jobs/"+id, nil, &resp); err != nil {
			return nil, err
		}
		if resp.Job.State.Terminal() {
			return resp.Job, nil
		}
		select {
		case <-cmd.Context().Done():
			return nil, cmd.Context().Err()
		case <-ticker.C:
		}
	}
}

func jobsGetCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp jobResponse
			if err := newClient(opts).do(cmd.Context(), "GET", "/v1/jobs/"+url.PathEscape(args[0]), nil, &resp); err != nil {
				return err
			}
			return printJob(resp.Job)
		},
	}
}

func jobsListCmd(opts *clientOptions) *cobra.Command {
	var (
		jobType string
		state   string
		feedID  string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if jobType != "" {
				q.Set("type", jobType)
			}
			if state != "" {
				q.Set("state", state)
			}
			if feedID != "" {
				q.Set("feed_id", feedID)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}

			var resp jobsResponse
			if err := newClient(opts).do(cmd.Context(), "GET", "/v1/jobs?"+q.Encode(), nil, &resp); err != nil {
				return err
			}
			if len(resp.Jobs) == 0 {
				fmt.Println("No jobs found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSTATE\tITEMS\tPROCESSED\tFAILED\tCREATED")
			for _, j := range resp.Jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n", j.ID, j.Type, j.State,
					j.ItemCount, j.ProcessedItems, j.FailedProcesses, j.Created.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&jobType, "type", "", "filter by job type")
	cmd.Flags().StringVar(&state, "state", "", "filter by state, comma separated")
	cmd.Flags().StringVar(&feedID, "feed", "", "filter by feed id")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of jobs")
	return cmd
}

func jobsCancelCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Request cancellation of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp jobResponse
			if err := newClient(opts).do(cmd.Context(), "POST", "/v1/jobs/"+url.PathEscape(args[0])+"/cancel", nil, &resp); err != nil {
				return err
			}
			return printJob(resp.Job)
		},
	}
}

func printJob(job *jobs.Job) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(job)
}
