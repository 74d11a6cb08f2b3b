package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/codeGROOVE-dev/ready-to-merge/pkg/internal/testutil"
	"github.com/codeGROOVE-dev/ready-to-merge/pkg/types"
)

func TestClient_Repositories_Paginates(t *testing.T) {
	doer := testutil.NewMockHTTPDoer()
	page1 := make([]map[string]any, perPageLimit)
	for i := range page1 {
		page1[i] = map[string]any{"name": fmt.Sprintf("repo-%03d", i), "full_name": fmt.Sprintf("acme/repo-%03d", i)}
	}
	doer.SetResponse(http.MethodGet, "/orgs/acme/repos?type=public&per_page=100&page=1", http.StatusOK, page1)
	doer.SetResponse(http.MethodGet, "/orgs/acme/repos?type=public&per_page=100&page=2", http.StatusOK,
		[]map[string]any{{"name": "last", "full_name": "acme/last", "archived": true}})
	c := newTestClient(t, doer)

	repos, err := c.Repositories(context.Background(), "acme", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repos) != perPageLimit+1 {
		t.Fatalf("expected %d repos, got %d", perPageLimit+1, len(repos))
	}
	if repos[0].Name != "repo-000" || repos[perPageLimit].Name != "last" {
		t.Errorf("unexpected ordering: first=%q last=%q", repos[0].Name, repos[perPageLimit].Name)
	}
	if !repos[perPageLimit].Archived {
		t.Error("expected archived flag to be decoded")
	}
	if n := doer.CallCount(http.MethodGet, "/orgs/acme/repos?type=public&per_page=100&page=3"); n != 0 {
		t.Errorf("requested a third page %d times", n)
	}
}

func TestClient_OpenPullRequests_PageLimit(t *testing.T) {
	doer := testutil.NewMockHTTPDoer()
	full := make([]map[string]any, perPageLimit)
	for i := range full {
		full[i] = map[string]any{"number": i + 1, "title": fmt.Sprintf("PR %d", i+1)}
	}
	doer.SetResponse(http.MethodGet, "/repos/acme/widget/pulls?state=open&per_page=100&page=1", http.StatusOK, full)
	doer.SetResponse(http.MethodGet, "/repos/acme/widget/pulls?state=open&per_page=100&page=2", http.StatusOK, full)
	c := newTestClient(t, doer)
	c.maxPages = 2

	prs, err := c.OpenPullRequests(context.Background(), "acme", "widget")
	if err == nil {
		t.Fatalf("expected an error once the page limit is reached, got %d PRs", len(prs))
	}
	if prs != nil {
		t.Errorf("truncated listing returned alongside the error: %d PRs", len(prs))
	}
	if n := doer.CallCount(http.MethodGet, "/repos/acme/widget/pulls?state=open&per_page=100&page=3"); n != 0 {
		t.Errorf("requested past the page limit %d times", n)
	}
}

func TestClient_Repositories_VisibilityFilter(t *testing.T) {
	doer := testutil.NewMockHTTPDoer()
	doer.SetResponse(http.MethodGet, "/orgs/acme/repos?type=all&per_page=100&page=1", http.StatusOK,
		[]map[string]any{{"name": "secret", "private": true}})
	c := newTestClient(t, doer)

	repos, err := c.Repositories(context.Background(), "acme", "all")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repos) != 1 || !repos[0].Private {
		t.Errorf("unexpected repos: %+v", repos)
	}

	if _, err := c.Repositories(context.Background(), "acme", "everything"); err == nil {
		t.Error("expected error for invalid visibility")
	}
}

func TestClient_Repositories_UnknownOrg(t *testing.T) {
	c := newTestClient(t, testutil.NewMockHTTPDoer())

	_, err := c.Repositories(context.Background(), "nope", "public")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClient_OpenPullRequests(t *testing.T) {
	doer := testutil.NewMockHTTPDoer()
	doer.SetResponse(http.MethodGet, "/repos/acme/widget/pulls?state=open&per_page=100&page=1", http.StatusOK,
		[]map[string]any{
			{"number": 7, "title": "Fix thing", "updated_at": "2024-01-02T03:04:05Z"},
			{"number": 3, "title": "Add thing", "updated_at": "2024-01-01T00:00:00Z"},
		})
	c := newTestClient(t, doer)

	prs, err := c.OpenPullRequests(context.Background(), "acme", "widget")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(prs) != 2 || prs[0].Number != 7 || prs[1].Number != 3 {
		t.Fatalf("unexpected PRs: %+v", prs)
	}
	want := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	if !prs[0].UpdatedAt.Equal(want) {
		t.Errorf("UpdatedAt = %v, want %v", prs[0].UpdatedAt, want)
	}
}

func TestClient_PullRequest(t *testing.T) {
	doer := testutil.NewMockHTTPDoer()
	doer.SetResponse(http.MethodGet, "/repos/acme/widget/pulls/7", http.StatusOK, map[string]any{
		"number":          7,
		"title":           "Fix thing",
		"html_url":        "https://github.com/acme/widget/pull/7",
		"created_at":      "2024-01-02T03:04:05Z",
		"mergeable_state": "clean",
	})
	c := newTestClient(t, doer)

	pr, err := c.PullRequest(context.Background(), "acme", "widget", 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pr.MergeableState != types.MergeableClean {
		t.Errorf("MergeableState = %q", pr.MergeableState)
	}
	if pr.URL != "https://github.com/acme/widget/pull/7" || pr.Title != "Fix thing" || pr.Number != 7 {
		t.Errorf("unexpected detail: %+v", pr)
	}
	if !pr.CreatedAt.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("CreatedAt = %v", pr.CreatedAt)
	}
}

func TestClient_PullRequest_BadCreatedAt(t *testing.T) {
	doer := testutil.NewMockHTTPDoer()
	doer.SetResponse(http.MethodGet, "/repos/acme/widget/pulls/8", http.StatusOK, map[string]any{
		"number": 8, "created_at": "yesterday",
	})
	c := newTestClient(t, doer)

	if _, err := c.PullRequest(context.Background(), "acme", "widget", 8); err == nil {
		t.Fatal("expected error for unparseable created_at")
	}
}
