// Package main is the ready-to-merge service and CLI: it reports open pull
// requests that GitHub considers cleanly mergeable across a set of orgs.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/codeGROOVE-dev/ready-to-merge/pkg/aggregate"
	"github.com/codeGROOVE-dev/ready-to-merge/pkg/config"
	"github.com/codeGROOVE-dev/ready-to-merge/pkg/github"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ready-to-merge",
		Short: "Report open pull requests that are ready to merge",
		Long: `ready-to-merge lists the repositories of one or more GitHub organizations,
checks every open pull request, and reports the ones GitHub marks as cleanly
mergeable. Use "serve" for the cached HTML report or "report" for a one-off table.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("env-file", config.DefaultEnvFile, "dotenv file to load before reading the environment")
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(newServeCmd(), newReportCmd())
	return root
}

// deps are the pieces every command builds from configuration.
type deps struct {
	cfg    *config.Config
	client *github.Client
	agg    *aggregate.Aggregator
}

// setup loads configuration, installs the default logger and creates the GitHub client.
func setup(ctx context.Context, cmd *cobra.Command, logOut io.Writer, jsonLogs bool) (*deps, error) {
	envFile, err := cmd.Flags().GetString("env-file")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(envFile, cmd.Flags())
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var handler slog.Handler = slog.NewTextHandler(logOut, opts)
	if jsonLogs {
		handler = slog.NewJSONHandler(logOut, opts)
	}
	slog.SetDefault(slog.New(handler))

	client, err := github.New(ctx, github.Config{
		Token:         cfg.GitHubToken,
		AppID:         cfg.AppID,
		AppKeyPath:    cfg.AppKeyPath,
		HTTPTimeout:   cfg.HTTPTimeout,
		RetryAttempts: int(cfg.RetryAttempts), //nolint:gosec // bounded by flag parsing
	})
	if err != nil {
		return nil, fmt.Errorf("creating GitHub client: %w", err)
	}

	agg := aggregate.New(client,
		aggregate.WithVisibility(cfg.RepoTypes),
		aggregate.WithConcurrency(cfg.Concurrency),
		aggregate.WithSkipArchived(cfg.SkipArchived),
	)
	return &deps{cfg: cfg, client: client, agg: agg}, nil
}
