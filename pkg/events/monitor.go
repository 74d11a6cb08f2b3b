// Package events subscribes to pull request events for monitored orgs and
// invalidates the cached report when one arrives.
//
//nolint:revive // Line length for logging
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/sprinkler/pkg/client"
)

const (
	eventChannelSize      = 100              // Buffer size for event channel
	eventDedupWindow      = 5 * time.Second  // Time window for deduplicating events
	eventMapMaxSize       = 1000             // Maximum entries in event dedup map
	eventMapCleanupAge    = 1 * time.Hour    // Age threshold for cleaning up old entries
	connectionHealthCheck = 2 * time.Minute  // Log connection health this often
	maxReconnectAttempts  = 100              // Max outer reconnection attempts
	reconnectBackoff      = 30 * time.Second // Initial backoff between reconnection attempts
	maxReconnectBackoff   = 5 * time.Minute
)

// TokenFunc returns a GitHub token with access to org.
type TokenFunc func(ctx context.Context, org string) (string, error)

// InvalidateFunc is called once per accepted pull request event.
type InvalidateFunc func(ref PRRef)

// PRRef identifies a pull request.
type PRRef struct {
	Owner  string
	Repo   string
	URL    string
	Number int
}

// Monitor manages the event subscription for a single org.
type Monitor struct {
	lastConnectedAt   time.Time
	lastEventAt       time.Time
	token             TokenFunc
	invalidate        InvalidateFunc
	client            *client.Client
	eventChan         chan string
	lastEventMap      map[string]time.Time
	stopChan          chan struct{}
	org               string
	serverURL         string
	reconnectAttempts int
	mu                sync.RWMutex
	isRunning         bool
	isConnected       bool
}

// NewMonitor creates a monitor for org.
func NewMonitor(org string, token TokenFunc, invalidate InvalidateFunc) *Monitor {
	return &Monitor{
		org:          org,
		token:        token,
		invalidate:   invalidate,
		serverURL:    "wss://" + client.DefaultServerAddress + "/ws",
		eventChan:    make(chan string, eventChannelSize),
		lastEventMap: make(map[string]time.Time),
	}
}

// Start begins monitoring for pull request events in the background.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		slog.Info("Monitor already running", "component", "sprinkler", "org", m.org)
		return
	}
	m.isRunning = true
	// A stopped monitor may be started again, so each run gets its own channel.
	m.stopChan = make(chan struct{})
	stop := m.stopChan
	m.mu.Unlock()

	slog.Info("Starting event monitor for org", "component", "sprinkler", "org", m.org)

	go m.processEvents(ctx, stop)
	go m.manageConnection(ctx, stop)
	go m.monitorHealth(ctx, stop)
}

// manageConnection restarts the sprinkler client when it gives up. The client
// reconnects internally, so this loop only sees fatal errors.
func (m *Monitor) manageConnection(ctx context.Context, stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Connection manager panic", "component", "sprinkler", "org", m.org, "panic", r)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		err := m.connect(ctx)
		if errors.Is(err, context.Canceled) {
			slog.Info("Event client stopped due to context cancellation", "component", "sprinkler", "org", m.org)
			return
		}

		m.mu.Lock()
		if err == nil {
			m.reconnectAttempts = 0
		} else {
			m.reconnectAttempts++
		}
		attempts := m.reconnectAttempts
		m.mu.Unlock()

		if attempts >= maxReconnectAttempts {
			slog.Error("Max reconnection attempts reached, giving up", "component", "sprinkler", "org", m.org, "attempts", attempts)
			return
		}

		backoff := 5 * time.Second
		if err != nil {
			backoff = min(reconnectBackoff*time.Duration(attempts), maxReconnectBackoff)
			slog.Warn("Event client gave up, will restart after backoff",
				"component", "sprinkler", "org", m.org, "attempt", attempts, "backoff", backoff, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-time.After(backoff):
		}
	}
}

// connect runs one sprinkler client until it stops.
func (m *Monitor) connect(ctx context.Context) error {
	config := client.Config{
		ServerURL:    m.serverURL,
		Organization: m.org,
		TokenProvider: func() (string, error) {
			token, err := m.token(ctx, m.org)
			if err != nil {
				return "", fmt.Errorf("failed to get token: %w", err)
			}
			return token, nil
		},
		EventTypes:     []string{"pull_request"},
		UserEventsOnly: false,
		Verbose:        false,
		NoReconnect:    false,
		OnConnect: func() {
			m.mu.Lock()
			m.isConnected = true
			m.lastConnectedAt = time.Now()
			m.mu.Unlock()
			slog.Info("Event stream connected", "component", "sprinkler", "org", m.org)
		},
		OnDisconnect: func(err error) {
			m.mu.Lock()
			wasConnected := m.isConnected
			m.isConnected = false
			m.mu.Unlock()
			if err != nil && !errors.Is(err, context.Canceled) && wasConnected {
				slog.Warn("Event stream disconnected", "component", "sprinkler", "org", m.org, "error", err)
			}
		},
		OnEvent: m.handleEvent,
	}

	wsClient, err := client.New(config)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	m.mu.Lock()
	m.client = wsClient
	m.mu.Unlock()

	startTime := time.Now()
	if err := wsClient.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("Event client stopped with error", "component", "sprinkler", "org", m.org,
			"uptime", time.Since(startTime).Round(time.Second), "error", err)
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	slog.Info("Event client stopped", "component", "sprinkler", "org", m.org, "uptime", time.Since(startTime).Round(time.Second))
	return nil
}

// monitorHealth logs connection status periodically.
func (m *Monitor) monitorHealth(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(connectionHealthCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.mu.RLock()
			connected := m.isConnected
			lastConnected := m.lastConnectedAt
			m.mu.RUnlock()

			switch {
			case connected:
				slog.Debug("Event stream healthy", "component", "sprinkler", "org", m.org,
					"connected_for", time.Since(lastConnected).Round(time.Second))
			case !lastConnected.IsZero():
				slog.Warn("Event stream disconnected", "component", "sprinkler", "org", m.org,
					"disconnected_for", time.Since(lastConnected).Round(time.Second))
			default:
				slog.Info("Event stream not yet connected", "component", "sprinkler", "org", m.org)
			}
		}
	}
}

// handleEvent filters, dedupes and queues incoming events.
func (m *Monitor) handleEvent(event client.Event) {
	if event.Type != "pull_request" {
		return
	}
	if event.URL == "" {
		slog.Warn("Received PR event with empty URL", "component", "sprinkler")
		return
	}

	ref, err := ParsePRURL(event.URL)
	if err != nil {
		slog.Warn("Ignoring event with unexpected URL", "component", "sprinkler", "url", event.URL, "org", m.org)
		return
	}
	if !strings.EqualFold(ref.Owner, m.org) {
		slog.Debug("Ignoring event for different org", "component", "sprinkler", "event_org", ref.Owner, "monitor_org", m.org)
		return
	}

	m.mu.Lock()
	now := time.Now()
	if lastSeen, ok := m.lastEventMap[event.URL]; ok && now.Sub(lastSeen) < eventDedupWindow {
		m.mu.Unlock()
		return
	}
	m.lastEventMap[event.URL] = now
	m.lastEventAt = now
	if len(m.lastEventMap) > eventMapMaxSize {
		cutoff := now.Add(-eventMapCleanupAge)
		for url, ts := range m.lastEventMap {
			if ts.Before(cutoff) {
				delete(m.lastEventMap, url)
			}
		}
	}
	m.mu.Unlock()

	select {
	case m.eventChan <- event.URL:
	default:
		slog.Warn("Event channel full, dropping event", "component", "sprinkler", "url", event.URL)
	}
}

func (m *Monitor) processEvents(ctx context.Context, stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event processor panic", "component", "sprinkler", "panic", r)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case prURL := <-m.eventChan:
			ref, err := ParsePRURL(prURL)
			if err != nil {
				continue
			}
			slog.Info("PR event received", "component", "sprinkler", "owner", ref.Owner, "repo", ref.Repo, "pr", ref.Number)
			m.invalidate(ref)
		}
	}
}

// Stop stops the monitor and closes its connection.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	wsClient := m.client
	m.client = nil
	close(m.stopChan)
	m.mu.Unlock()

	if wsClient != nil {
		wsClient.Stop()
	}
	slog.Info("Event monitor stopped", "component", "sprinkler", "org", m.org)
}

// HealthStatus returns the monitor's connection state.
func (m *Monitor) HealthStatus() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := map[string]any{
		"org":                m.org,
		"is_running":         m.isRunning,
		"is_connected":       m.isConnected,
		"reconnect_attempts": m.reconnectAttempts,
	}
	if !m.lastConnectedAt.IsZero() {
		status["last_connected_at"] = m.lastConnectedAt
	}
	if !m.lastEventAt.IsZero() {
		status["last_event_at"] = m.lastEventAt
	}
	return status
}

// ParsePRURL extracts owner, repo and number from
// https://github.com/owner/repo/pull/123.
func ParsePRURL(url string) (PRRef, error) {
	const minParts = 7
	parts := strings.Split(url, "/")
	if len(parts) < minParts || parts[2] != "github.com" || parts[5] != "pull" {
		return PRRef{}, fmt.Errorf("invalid GitHub PR URL format: %s", url)
	}

	var number int
	if _, err := fmt.Sscanf(parts[6], "%d", &number); err != nil || number <= 0 {
		return PRRef{}, fmt.Errorf("invalid PR number in URL: %s", url)
	}
	return PRRef{Owner: parts[3], Repo: parts[4], Number: number, URL: url}, nil
}

// Group runs one Monitor per org.
type Group struct {
	monitors []*Monitor
}

// StartGroup starts monitors for every org.
func StartGroup(ctx context.Context, orgs []string, token TokenFunc, invalidate InvalidateFunc) *Group {
	g := &Group{}
	for _, org := range orgs {
		m := NewMonitor(org, token, invalidate)
		m.Start(ctx)
		g.monitors = append(g.monitors, m)
	}
	return g
}

// Stop stops every monitor in the group.
func (g *Group) Stop() {
	for _, m := range g.monitors {
		m.Stop()
	}
}

// HealthStatus returns the status of each monitor, in org order.
func (g *Group) HealthStatus() []map[string]any {
	out := make([]map[string]any, 0, len(g.monitors))
	for _, m := range g.monitors {
		out = append(out, m.HealthStatus())
	}
	return out
}
