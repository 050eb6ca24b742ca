// Command obstractsctl drives an obstracts API from the terminal.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	var opts clientOptions

	root := &cobra.Command{
		Use:           "obstractsctl",
		Short:         "Manage obstracts feeds and jobs over the REST API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.baseURL, "api", envOr("OBSTRACTS_API", "http://localhost:8080"), "base URL of the obstracts API")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("OBSTRACTS_TOKEN"), "API key sent as a Bearer token")

	root.AddCommand(jobsCmd(&opts))
	root.AddCommand(feedsCmd(&opts))
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
