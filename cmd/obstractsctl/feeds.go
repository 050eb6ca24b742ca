package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/muchdogesec/obstracts-sub000/internal/jobs"
	"github.com/muchdogesec/obstracts-sub000/internal/model"
)

type feedResponse struct {
	Feed *model.Feed `json:"feed"`
	Job  *jobs.Job   `json:"job,omitempty"`
}

type feedsResponse struct {
	Feeds []*model.Feed `json:"feeds"`
}

func feedsCmd(opts *clientOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feeds",
		Short: "Register and list feeds",
	}
	cmd.AddCommand(feedsAddCmd(opts), feedsListCmd(opts), feedsGetCmd(opts))
	return cmd
}

func feedsAddCmd(opts *clientOptions) *cobra.Command {
	var (
		title string
		index bool
	)
	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Register a feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"url": args[0], "index": index}
			if title != "" {
				body["title"] = title
			}
			var resp feedResponse
			if err := newClient(opts).do(cmd.Context(), "POST", "/v1/feeds", body, &resp); err != nil {
				return err
			}
			fmt.Printf("feed %s registered\n", resp.Feed.ID)
			if resp.Job != nil {
				fmt.Printf("job %s started (%s)\n", resp.Job.ID, resp.Job.State)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "feed title")
	cmd.Flags().BoolVar(&index, "index", false, "start a FEED_INDEX job right away")
	return cmd
}

func feedsListCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List feeds",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp feedsResponse
			if err := newClient(opts).do(cmd.Context(), "GET", "/v1/feeds", nil, &resp); err != nil {
				return err
			}
			if len(resp.Feeds) == 0 {
				fmt.Println("No feeds registered.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tURL\tTITLE\tLAST FETCHED")
			for _, f := range resp.Feeds {
				last := "-"
				if f.LastFetched != nil {
					last = f.LastFetched.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.ID, f.URL, f.Title, last)
			}
			return w.Flush()
		},
	}
}

func feedsGetCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp feedResponse
			if err := newClient(opts).do(cmd.Context(), "GET", "/v1/feeds/"+url.PathEscape(args[0]), nil, &resp); err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(resp.Feed)
		},
	}
}
