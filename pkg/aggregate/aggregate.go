// Package aggregate walks organizations, repositories and open pull requests and
// keeps the pull requests GitHub reports as cleanly mergeable.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codeGROOVE-dev/ready-to-merge/pkg/types"
)

// DefaultConcurrency bounds detail fetches within one repository.
const DefaultConcurrency = 4

// Source is the subset of the GitHub client the aggregator needs.
type Source interface {
	Repositories(ctx context.Context, org, visibility string) ([]types.Repository, error)
	OpenPullRequests(ctx context.Context, owner, repo string) ([]types.PullRequestSummary, error)
	PullRequest(ctx context.Context, owner, repo string, number int) (*types.PullRequestDetail, error)
}

// FetchError reports which upstream call aborted an aggregation.
type FetchError struct {
	Err    error
	Org    string
	Repo   string
	Op     string
	Number int
}

func (e *FetchError) Error() string {
	switch {
	case e.Number > 0:
		return fmt.Sprintf("%s %s/%s#%d: %v", e.Op, e.Org, e.Repo, e.Number, e.Err)
	case e.Repo != "":
		return fmt.Sprintf("%s %s/%s: %v", e.Op, e.Org, e.Repo, e.Err)
	default:
		return fmt.Sprintf("%s %s: %v", e.Op, e.Org, e.Err)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Aggregator produces report rows from an upstream Source.
type Aggregator struct {
	src         Source
	now         func() time.Time
	visibility   string
	concurrency  int
	skipArchived bool
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithVisibility sets the repository type filter passed to the org listing.
func WithVisibility(v string) Option {
	return func(a *Aggregator) { a.visibility = v }
}

// WithSkipArchived drops archived repositories before listing their pull requests.
// By default every repository the visibility filter returns is reported on.
func WithSkipArchived(skip bool) Option {
	return func(a *Aggregator) { a.skipArchived = skip }
}

// WithConcurrency bounds concurrent detail fetches per repository.
func WithConcurrency(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// WithClock overrides time.Now for age calculation.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// New creates an Aggregator reading from src.
func New(src Source, opts ...Option) *Aggregator {
	a := &Aggregator{
		src:         src,
		now:         time.Now,
		visibility:  "public",
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Rows returns every open, cleanly mergeable pull request across orgs, in
// org, repository, then pull request listing order. Any upstream failure aborts
// the whole run.
func (a *Aggregator) Rows(ctx context.Context, orgs []string) ([]types.ReportRow, error) {
	start := time.Now()
	rows := []types.ReportRow{}
	for _, org := range orgs {
		repos, err := a.src.Repositories(ctx, org, a.visibility)
		if err != nil {
			return nil, &FetchError{Op: "list repositories", Org: org, Err: err}
		}
		slog.Debug("Listed repositories", "component", "aggregate", "org", org, "count", len(repos))

		for _, repo := range repos {
			// Archived repos rarely have open PRs; skipping them is opt-in and saves a request each.
			if a.skipArchived && repo.Archived {
				slog.Debug("Skipping archived repository", "component", "aggregate", "org", org, "repo", repo.Name)
				continue
			}
			found, err := a.repoRows(ctx, org, repo.Name)
			if err != nil {
				return nil, err
			}
			rows = append(rows, found...)
		}
	}

	slog.Info("Aggregated clean pull requests", "component", "aggregate",
		"orgs", len(orgs), "rows", len(rows), "duration", time.Since(start))
	return rows, nil
}

// repoRows fetches details for every open pull request in one repository.
func (a *Aggregator) repoRows(ctx context.Context, org, repo string) ([]types.ReportRow, error) {
	prs, err := a.src.OpenPullRequests(ctx, org, repo)
	if err != nil {
		return nil, &FetchError{Op: "list pull requests", Org: org, Repo: repo, Err: err}
	}
	if len(prs) == 0 {
		return nil, nil
	}

	// Slots keep listing order regardless of completion order.
	details := make([]*types.PullRequestDetail, len(prs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, pr := range prs {
		g.Go(func() error {
			d, err := a.src.PullRequest(gctx, org, repo, pr.Number)
			if err != nil {
				return &FetchError{Op: "get pull request", Org: org, Repo: repo, Number: pr.Number, Err: err}
			}
			details[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	now := a.now()
	var rows []types.ReportRow
	for _, d := range details {
		if d.MergeableState != types.MergeableClean {
			continue
		}
		rows = append(rows, types.ReportRow{
			Org:            org,
			Repo:           repo,
			Number:         d.Number,
			Title:          d.Title,
			URL:            d.URL,
			MergeableState: d.MergeableState,
			HoursOpen:      types.HoursOpen(d.CreatedAt, now),
		})
	}
	return rows, nil
}
