package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/codeGROOVE-dev/ready-to-merge/pkg/types"
)

// PR-related constants.
const (
	perPageLimit    = 100 // GitHub API per_page limit
	defaultMaxPages = 100 // Safety bound on pagination loops
)

// Repository visibility filters accepted by the org repositories endpoint.
var validVisibilities = map[string]bool{
	"all": true, "public": true, "private": true, "forks": true, "sources": true, "member": true,
}

// ValidVisibility reports whether v is a repository type filter GitHub accepts.
func ValidVisibility(v string) bool {
	return validVisibilities[v]
}

// paginate fetches pages from pageURL until a short page is returned.
// fetch is handed each page URL and returns the number of items it decoded.
// Running past maxPages full pages is an error; a report never uses a truncated listing.
func paginate(ctx context.Context, what string, maxPages int, pageURL func(page int) string, fetch func(ctx context.Context, apiURL string) (int, error)) error {
	for page := 1; page <= maxPages; page++ {
		slog.Debug("Requesting page", "component", "api", "what", what, "page", page)
		n, err := fetch(ctx, pageURL(page))
		if err != nil {
			return err
		}
		if n < perPageLimit {
			return nil
		}
	}
	slog.Error("Pagination limit reached", "component", "api", "what", what, "max_pages", maxPages)
	return fmt.Errorf("%s: more than %d pages of %d, refusing a truncated listing", what, maxPages, perPageLimit)
}

// Repositories lists an organization's repositories filtered by visibility ("public" unless told otherwise).
func (c *Client) Repositories(ctx context.Context, org, visibility string) ([]types.Repository, error) {
	if visibility == "" {
		visibility = "public"
	}
	if !ValidVisibility(visibility) {
		return nil, fmt.Errorf("invalid repository visibility %q", visibility)
	}

	slog.Info("Fetching repositories for organization", "component", "api", "org", org, "type", visibility)
	var repos []types.Repository
	err := paginate(ctx, "repos:"+org, c.maxPages,
		func(page int) string {
			return fmt.Sprintf("%s/orgs/%s/repos?type=%s&per_page=%d&page=%d",
				c.baseURL, url.PathEscape(org), url.QueryEscape(visibility), perPageLimit, page)
		},
		func(ctx context.Context, apiURL string) (int, error) {
			var data []struct {
				Name     string `json:"name"`
				FullName string `json:"full_name"`
				Private  bool   `json:"private"`
				Archived bool   `json:"archived"`
			}
			if err := c.getJSON(ctx, apiURL, org, &data); err != nil {
				return 0, fmt.Errorf("failed to list repositories for %s: %w", org, err)
			}
			for _, r := range data {
				repos = append(repos, types.Repository{
					Name:     r.Name,
					FullName: r.FullName,
					Private:  r.Private,
					Archived: r.Archived,
				})
			}
			return len(data), nil
		})
	if err != nil {
		return nil, err
	}
	return repos, nil
}

// OpenPullRequests lists the open pull requests of a repository in API order.
func (c *Client) OpenPullRequests(ctx context.Context, owner, repo string) ([]types.PullRequestSummary, error) {
	slog.Debug("Fetching open PRs for repository", "component", "api", "owner", owner, "repo", repo)
	var prs []types.PullRequestSummary
	err := paginate(ctx, "pulls:"+owner+"/"+repo, c.maxPages,
		func(page int) string {
			return fmt.Sprintf("%s/repos/%s/%s/pulls?state=open&per_page=%d&page=%d",
				c.baseURL, url.PathEscape(owner), url.PathEscape(repo), perPageLimit, page)
		},
		func(ctx context.Context, apiURL string) (int, error) {
			var data []struct {
				Title     string `json:"title"`
				UpdatedAt string `json:"updated_at"`
				Number    int    `json:"number"`
			}
			if err := c.getJSON(ctx, apiURL, owner, &data); err != nil {
				return 0, fmt.Errorf("failed to list PRs for %s/%s: %w", owner, repo, err)
			}
			for _, p := range data {
				updatedAt, err := time.Parse(time.RFC3339, p.UpdatedAt)
				if err != nil {
					slog.Debug("Failed to parse updated_at time", "component", "api", "pr", p.Number, "error", err)
				}
				prs = append(prs, types.PullRequestSummary{Number: p.Number, Title: p.Title, UpdatedAt: updatedAt})
			}
			return len(data), nil
		})
	if err != nil {
		return nil, err
	}
	return prs, nil
}

// PullRequest fetches a single pull request, including its computed mergeable_state.
func (c *Client) PullRequest(ctx context.Context, owner, repo string, number int) (*types.PullRequestDetail, error) {
	apiURL := fmt.Sprintf("%s/repos/%s/%s/pulls/%d", c.baseURL, url.PathEscape(owner), url.PathEscape(repo), number)

	var prData struct {
		Title          string `json:"title"`
		HTMLURL        string `json:"html_url"`
		CreatedAt      string `json:"created_at"`
		MergeableState string `json:"mergeable_state"`
		Number         int    `json:"number"`
	}
	if err := c.getJSON(ctx, apiURL, owner, &prData); err != nil {
		return nil, fmt.Errorf("failed to get PR %s/%s#%d: %w", owner, repo, number, err)
	}

	createdAt, err := time.Parse(time.RFC3339, prData.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("PR %s/%s#%d has invalid created_at %q: %w", owner, repo, number, prData.CreatedAt, err)
	}

	return &types.PullRequestDetail{
		Number:         prData.Number,
		Title:          prData.Title,
		URL:            prData.HTMLURL,
		MergeableState: types.MergeableState(prData.MergeableState),
		CreatedAt:      createdAt,
	}, nil
}
