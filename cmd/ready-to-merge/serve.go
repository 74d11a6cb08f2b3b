package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codeGROOVE-dev/ready-to-merge/pkg/cache"
	"github.com/codeGROOVE-dev/ready-to-merge/pkg/events"
	"github.com/codeGROOVE-dev/ready-to-merge/pkg/render"
	"github.com/codeGROOVE-dev/ready-to-merge/pkg/server"
	"github.com/codeGROOVE-dev/ready-to-merge/pkg/types"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the cached report over HTTP",
		Long: `Serve the report at / (HTML) and /report.md (markdown). A report stays fresh
for --cache-ttl; the first request after that regenerates it, and concurrent
requests share one regeneration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := setup(ctx, cmd, os.Stdout, true)
			if err != nil {
				return err
			}

			store, err := cache.NewDiskStore(d.cfg.CacheDir)
			if err != nil {
				return err
			}

			regen := cache.NewRegenerator[types.Report](d.cfg.CacheTTL)
			srvCfg := server.Config{Addr: d.cfg.Addr(), Orgs: d.cfg.Orgs}

			// An event that lands before Restore leaves the seeded report stale.
			if d.cfg.Events {
				group := events.StartGroup(ctx, d.cfg.Orgs, d.client.Token, func(ref events.PRRef) {
					slog.Info("Expiring report after pull request event", "component", "server",
						"owner", ref.Owner, "repo", ref.Repo, "pr", ref.Number)
					regen.Expire()
				})
				defer group.Stop()
				srvCfg.Monitors = group
			}

			srv := server.New(srvCfg, regen, d.agg, render.New(), store)
			srv.Restore()

			slog.Info("Configured report service", "component", "server",
				"orgs", d.cfg.Orgs, "repo_types", d.cfg.RepoTypes, "cache_ttl", d.cfg.CacheTTL,
				"persist", store.Enabled(), "events", d.cfg.Events)
			return srv.Run(ctx)
		},
	}
}
