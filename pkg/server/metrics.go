package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeGROOVE-dev/ready-to-merge/pkg/types"
)

// Metrics tracks generation outcomes for the health endpoint.
type Metrics struct {
	lastSuccess  time.Time
	lastFailure  time.Time
	uniqueOrgs   map[string]bool
	uniquePRs    map[string]bool
	lastError    string
	lastDuration time.Duration
	lastRows     int
	generations  int64
	failures     int64
	mu           sync.RWMutex
}

// NewMetrics creates an empty Metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		uniqueOrgs: make(map[string]bool),
		uniquePRs:  make(map[string]bool),
	}
}

// RecordOrg records an organization being reported on.
func (m *Metrics) RecordOrg(org string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uniqueOrgs[org] = true
}

// RecordPRSeen records a clean pull request that appeared in a report.
func (m *Metrics) RecordPRSeen(owner, repo string, prNumber int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uniquePRs[fmt.Sprintf("%s/%s#%d", owner, repo, prNumber)] = true
}

// RecordGeneration records a successful generation.
func (m *Metrics) RecordGeneration(report types.Report, orgs []string, took time.Duration) {
	for _, org := range orgs {
		m.RecordOrg(org)
	}
	for _, row := range report.Rows {
		m.RecordPRSeen(row.Org, row.Repo, row.Number)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSuccess = time.Now()
	m.lastDuration = took
	m.lastRows = len(report.Rows)
	atomic.AddInt64(&m.generations, 1)
}

// RecordFailure records a failed generation.
func (m *Metrics) RecordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFailure = time.Now()
	m.lastError = err.Error()
	atomic.AddInt64(&m.failures, 1)
}

// Stats represents collected metrics.
type Stats struct {
	LastSuccess  time.Time
	LastFailure  time.Time
	LastError    string
	LastDuration time.Duration
	Generations  int64
	Failures     int64
	Orgs         int
	PRsSeen      int
	LastRows     int
}

// Failing reports whether the most recent generation attempt failed.
func (s Stats) Failing() bool {
	return !s.LastFailure.IsZero() && s.LastFailure.After(s.LastSuccess)
}

// Stats returns the current statistics.
func (m *Metrics) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		LastSuccess:  m.lastSuccess,
		LastFailure:  m.lastFailure,
		LastError:    m.lastError,
		LastDuration: m.lastDuration,
		Generations:  atomic.LoadInt64(&m.generations),
		Failures:     atomic.LoadInt64(&m.failures),
		Orgs:         len(m.uniqueOrgs),
		PRsSeen:      len(m.uniquePRs),
		LastRows:     m.lastRows,
	}
}
