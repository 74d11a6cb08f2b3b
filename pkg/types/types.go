// Package types contains shared data structures used across the report pipeline.
//
//nolint:revive // "types" is a standard Go package name for shared data structures
package types

import (
	"math"
	"time"
)

// MergeableState is GitHub's computed mergeability for a pull request.
type MergeableState string

// Mergeable states reported by the GitHub pulls API.
const (
	MergeableClean    MergeableState = "clean"
	MergeableDirty    MergeableState = "dirty"
	MergeableUnknown  MergeableState = "unknown"
	MergeableBlocked  MergeableState = "blocked"
	MergeableBehind   MergeableState = "behind"
	MergeableUnstable MergeableState = "unstable"
	MergeableHasHooks MergeableState = "has_hooks"
	MergeableDraft    MergeableState = "draft"
)

// Repository represents a GitHub repository as listed for an organization.
type Repository struct {
	Name     string
	FullName string
	Private  bool
	Archived bool
}

// PullRequestSummary is the list-view shape of an open pull request.
type PullRequestSummary struct {
	UpdatedAt time.Time
	Title     string
	Number    int
}

// PullRequestDetail is the single-PR view, which carries mergeable_state.
type PullRequestDetail struct {
	CreatedAt      time.Time
	Title          string
	URL            string
	MergeableState MergeableState
	Number         int
}

// ReportRow is one cleanly-mergeable pull request in a report.
type ReportRow struct {
	Org            string         `json:"org"`
	Repo           string         `json:"repo"`
	Title          string         `json:"title"`
	URL            string         `json:"url"`
	MergeableState MergeableState `json:"mergeable_state"`
	HoursOpen      float64        `json:"hours_open"`
	Number         int            `json:"number"`
}

// Report is a fully rendered generation. It is never mutated after publication.
type Report struct {
	GeneratedAt time.Time   `json:"generated_at"`
	ID          string      `json:"id"`
	Markdown    string      `json:"markdown"`
	HTML        []byte      `json:"html"`
	Rows        []ReportRow `json:"rows"`
}

// HoursOpen returns the hours elapsed between created and now, rounded to two decimals.
// Negative spans (clock skew) are clamped to zero.
func HoursOpen(created, now time.Time) float64 {
	hours := now.Sub(created).Hours()
	if hours < 0 {
		return 0
	}
	return math.Round(hours*100) / 100
}
