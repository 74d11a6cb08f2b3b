package github

import (
	"context"
	"net/http"

	"github.com/codeGROOVE-dev/ready-to-merge/pkg/types"
)

// HTTPDoer provides an interface for making HTTP requests.
// This allows us to mock HTTP calls in tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// API defines the read operations the report pipeline needs from GitHub.
type API interface {
	Repositories(ctx context.Context, org, visibility string) ([]types.Repository, error)
	OpenPullRequests(ctx context.Context, owner, repo string) ([]types.PullRequestSummary, error)
	PullRequest(ctx context.Context, owner, repo string, number int) (*types.PullRequestDetail, error)
}

var _ API = (*Client)(nil)
