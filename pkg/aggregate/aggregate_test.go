package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/codeGROOVE-dev/ready-to-merge/pkg/types"
)

type fakeSource struct {
	repos   map[string][]types.Repository
	prs     map[string][]types.PullRequestSummary
	details map[string]*types.PullRequestDetail
	fail    map[string]error
	visible []string
	mu      sync.Mutex
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		repos:   map[string][]types.Repository{},
		prs:     map[string][]types.PullRequestSummary{},
		details: map[string]*types.PullRequestDetail{},
		fail:    map[string]error{},
	}
}

func (f *fakeSource) addPR(org, repo string, number int, state types.MergeableState, created time.Time) {
	key := org + "/" + repo
	f.prs[key] = append(f.prs[key], types.PullRequestSummary{Number: number, Title: fmt.Sprintf("PR %d", number)})
	f.details[fmt.Sprintf("%s#%d", key, number)] = &types.PullRequestDetail{
		Number:         number,
		Title:          fmt.Sprintf("PR %d", number),
		URL:            fmt.Sprintf("https://github.com/%s/pull/%d", key, number),
		MergeableState: state,
		CreatedAt:      created,
	}
}

func (f *fakeSource) Repositories(_ context.Context, org, visibility string) ([]types.Repository, error) {
	f.mu.Lock()
	f.visible = append(f.visible, visibility)
	f.mu.Unlock()
	if err := f.fail[org]; err != nil {
		return nil, err
	}
	return f.repos[org], nil
}

func (f *fakeSource) OpenPullRequests(_ context.Context, owner, repo string) ([]types.PullRequestSummary, error) {
	key := owner + "/" + repo
	if err := f.fail[key]; err != nil {
		return nil, err
	}
	return f.prs[key], nil
}

func (f *fakeSource) PullRequest(_ context.Context, owner, repo string, number int) (*types.PullRequestDetail, error) {
	key := fmt.Sprintf("%s/%s#%d", owner, repo, number)
	if err := f.fail[key]; err != nil {
		return nil, err
	}
	d, ok := f.details[key]
	if !ok {
		return nil, fmt.Errorf("no detail for %s", key)
	}
	return d, nil
}

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRows_KeepsOnlyCleanInOrder(t *testing.T) {
	src := newFakeSource()
	src.repos["expressjs"] = []types.Repository{{Name: "express"}, {Name: "old", Archived: true}, {Name: "session"}}
	src.repos["pillarjs"] = []types.Repository{{Name: "router"}}
	created := now.Add(-2 * time.Hour)
	src.addPR("expressjs", "express", 10, types.MergeableClean, created)
	src.addPR("expressjs", "express", 9, types.MergeableDirty, created)
	src.addPR("expressjs", "express", 8, types.MergeableClean, created)
	src.addPR("expressjs", "old", 1, types.MergeableClean, created)
	src.addPR("expressjs", "session", 4, types.MergeableUnknown, created)
	src.addPR("expressjs", "session", 5, types.MergeableBlocked, created)
	src.addPR("pillarjs", "router", 3, types.MergeableClean, created)

	a := New(src, WithClock(func() time.Time { return now }), WithConcurrency(2), WithSkipArchived(true))
	rows, err := a.Rows(context.Background(), []string{"expressjs", "pillarjs"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"expressjs/express#10", "expressjs/express#8", "pillarjs/router#3"}
	if len(rows) != len(want) {
		t.Fatalf("got %d rows, want %d: %+v", len(rows), len(want), rows)
	}
	for i, row := range rows {
		if got := fmt.Sprintf("%s/%s#%d", row.Org, row.Repo, row.Number); got != want[i] {
			t.Errorf("row %d = %s, want %s", i, got, want[i])
		}
		if row.MergeableState != types.MergeableClean {
			t.Errorf("row %d has state %s", i, row.MergeableState)
		}
		if row.HoursOpen != 2 {
			t.Errorf("row %d HoursOpen = %v, want 2", i, row.HoursOpen)
		}
	}
	for _, v := range src.visible {
		if v != "public" {
			t.Errorf("default visibility = %q, want public", v)
		}
	}
}

func TestRows_IncludesArchivedByDefault(t *testing.T) {
	src := newFakeSource()
	src.repos["expressjs"] = []types.Repository{{Name: "old", Archived: true}, {Name: "express"}}
	created := now.Add(-time.Hour)
	src.addPR("expressjs", "old", 1, types.MergeableClean, created)
	src.addPR("expressjs", "express", 2, types.MergeableClean, created)

	rows, err := New(src, WithClock(func() time.Time { return now })).Rows(context.Background(), []string{"expressjs"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"old#1", "express#2"}
	if len(rows) != len(want) {
		t.Fatalf("got %d rows, want %d: %+v", len(rows), len(want), rows)
	}
	for i, row := range rows {
		if got := fmt.Sprintf("%s#%d", row.Repo, row.Number); got != want[i] {
			t.Errorf("row %d = %s, want %s", i, got, want[i])
		}
	}
}

func TestRows_PreservesOrderUnderConcurrency(t *testing.T) {
	src := newFakeSource()
	src.repos["acme"] = []types.Repository{{Name: "big"}}
	for n := 50; n > 0; n-- {
		src.addPR("acme", "big", n, types.MergeableClean, now)
	}

	rows, err := New(src, WithConcurrency(8)).Rows(context.Background(), []string{"acme"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 50 {
		t.Fatalf("got %d rows", len(rows))
	}
	for i, row := range rows {
		if row.Number != 50-i {
			t.Fatalf("row %d is #%d, want #%d", i, row.Number, 50-i)
		}
	}
}

func TestRows_AgeFromMilliseconds(t *testing.T) {
	src := newFakeSource()
	src.repos["acme"] = []types.Repository{{Name: "widget"}}
	src.addPR("acme", "widget", 1, types.MergeableClean, now.Add(-3600000*time.Millisecond))

	rows, err := New(src, WithClock(func() time.Time { return now })).Rows(context.Background(), []string{"acme"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].HoursOpen != 1.00 {
		t.Fatalf("HoursOpen = %+v, want 1.00", rows)
	}
}

func TestRows_FailureAborts(t *testing.T) {
	boom := errors.New("502 bad gateway")
	tests := []struct {
		name    string
		failKey string
		wantOp  string
		wantNum int
	}{
		{"repo listing", "acme", "list repositories", 0},
		{"pr listing", "acme/widget", "list pull requests", 0},
		{"pr detail", "acme/widget#2", "get pull request", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFakeSource()
			src.repos["acme"] = []types.Repository{{Name: "widget"}}
			src.addPR("acme", "widget", 1, types.MergeableClean, now)
			src.addPR("acme", "widget", 2, types.MergeableClean, now)
			src.fail[tt.failKey] = boom

			rows, err := New(src).Rows(context.Background(), []string{"acme"})
			if rows != nil {
				t.Errorf("expected no partial rows, got %+v", rows)
			}
			var fe *FetchError
			if !errors.As(err, &fe) {
				t.Fatalf("expected *FetchError, got %T: %v", err, err)
			}
			if fe.Op != tt.wantOp || fe.Org != "acme" || fe.Number != tt.wantNum {
				t.Errorf("unexpected FetchError: %+v", fe)
			}
			if !errors.Is(err, boom) {
				t.Error("FetchError does not unwrap to the upstream error")
			}
		})
	}
}

func TestRows_NoOrgs(t *testing.T) {
	rows, err := New(newFakeSource()).Rows(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if rows == nil || len(rows) != 0 {
		t.Errorf("expected empty non-nil rows, got %#v", rows)
	}
}

func TestFetchError_Message(t *testing.T) {
	err := &FetchError{Op: "get pull request", Org: "acme", Repo: "widget", Number: 7, Err: errors.New("timeout")}
	if got, want := err.Error(), "get pull request acme/widget#7: timeout"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
