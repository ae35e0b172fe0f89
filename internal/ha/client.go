// Package ha is a minimal client for the Home Assistant REST API, covering
// the endpoints the event pipeline consumes: entity states and state history.
package ha

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// Context carries Home Assistant causation metadata for a state change.
type Context struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// StateRecord is one state entry from /api/states or /api/history/period.
// LastChanged is kept as the raw wire string; history rows with malformed
// timestamps are skipped by the caller rather than failing the batch.
type StateRecord struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	LastChanged string         `json:"last_changed"`
	Context     Context        `json:"context"`
}

// FriendlyName returns the display name from the record's attributes, if set.
func (r *StateRecord) FriendlyName() string {
	name, _ := r.Attributes["friendly_name"].(string)
	return name
}

// Client talks to the Home Assistant REST API.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewClient creates a Home Assistant API client.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(60 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{
		http:   httpClient,
		logger: logger.With("component", "ha"),
	}
}

// States fetches the current state of every entity.
func (c *Client) States(ctx context.Context) ([]StateRecord, error) {
	var states []StateRecord
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&states).
		ForceContentType("application/json").
		Get("/api/states")
	if err != nil {
		return nil, fmt.Errorf("fetch states: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch states: HTTP %d: %s", resp.StatusCode(), truncate(resp.String(), 200))
	}
	return states, nil
}

// History fetches state history for the given entities over [start, end].
// The response is one chronological list of state records per entity.
func (c *Client) History(ctx context.Context, entityIDs []string, start, end time.Time) ([][]StateRecord, error) {
	var history [][]StateRecord
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"end_time":                 end.UTC().Format(time.RFC3339),
			"minimal_response":         "true",
			"significant_changes_only": "true",
			"filter_entity_id":         strings.Join(entityIDs, ","),
		}).
		SetResult(&history).
		ForceContentType("application/json").
		Get("/api/history/period/" + start.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch history: HTTP %d: %s", resp.StatusCode(), truncate(resp.String(), 200))
	}
	return history, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// NameResolver resolves entity display names from the states endpoint,
// with a short-lived cache so repeated suggestion runs don't refetch.
// Resolution failure is an expected outcome, reported via the ok result.
type NameResolver struct {
	client *Client
	ttl    time.Duration

	mu      sync.Mutex
	names   map[string]string
	fetched time.Time
}

// NewNameResolver creates a resolver backed by the given client.
func NewNameResolver(client *Client) *NameResolver {
	return &NameResolver{
		client: client,
		ttl:    5 * time.Minute,
		names:  make(map[string]string),
	}
}

// Resolve returns the friendly name for an entity, or ok=false when the
// entity is unknown or the states endpoint is unreachable.
func (r *NameResolver) Resolve(entityID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if time.Since(r.fetched) > r.ttl {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		states, err := r.client.States(ctx)
		cancel()
		if err != nil {
			r.client.logger.Debug("name resolution fetch failed", "err", err)
			// Keep serving the stale cache if we have one.
		} else {
			r.names = make(map[string]string, len(states))
			for _, st := range states {
				if name := st.FriendlyName(); name != "" {
					r.names[st.EntityID] = name
				}
			}
			r.fetched = time.Now()
		}
	}

	name, ok := r.names[entityID]
	return name, ok
}
