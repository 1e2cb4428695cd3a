package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	requestTimeout = 15 * time.Second
	maxBodyBytes   = 1 << 20
)

var ErrUnauthorized = errors.New("metrics server rejected the token")

// APIError is a non-2xx answer from the metrics server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("metrics server returned status %d", e.Status)
	}
	return fmt.Sprintf("metrics server returned status %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.Status == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

type Client struct {
	baseURL   string
	user      string
	perPage   int
	userAgent string
	http      *http.Client
	now       func() time.Time
}

func NewClient(baseURL, user string, perPage int, version string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		user:      user,
		perPage:   perPage,
		userAgent: "capycoder/" + version,
		http:      &http.Client{Timeout: requestTimeout},
		now:       time.Now,
	}
}

func (c *Client) get(ctx context.Context, path string, q url.Values, token string) ([]byte, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "token "+token)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		json.Unmarshal(body, &e)
		return nil, fmt.Errorf("GET %s: %w", path, &APIError{Status: resp.StatusCode, Message: e.Error})
	}
	return body, nil
}

func (c *Client) userQuery() url.Values {
	q := url.Values{}
	if c.user != "" {
		q.Set("user", c.user)
	}
	return q
}

func (c *Client) commitsSince(ctx context.Context, token string, since time.Time) (int, error) {
	q := c.userQuery()
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	body, err := c.get(ctx, "/metrics/commits", q, token)
	if err != nil {
		return 0, err
	}
	return ParseCommits(body)
}

// Commits returns the all-time, 7-day and 30-day commit totals.
func (c *Client) Commits(ctx context.Context, token string) (CommitCounts, error) {
	now := c.now()
	var counts CommitCounts
	var err error

	if counts.AllTime, err = c.commitsSince(ctx, token, time.Time{}); err != nil {
		return CommitCounts{}, err
	}
	if counts.Week, err = c.commitsSince(ctx, token, now.AddDate(0, 0, -7)); err != nil {
		return CommitCounts{}, err
	}
	if counts.Month, err = c.commitsSince(ctx, token, now.AddDate(0, 0, -30)); err != nil {
		return CommitCounts{}, err
	}
	return counts, nil
}

func (c *Client) pagedQuery() url.Values {
	q := c.userQuery()
	q.Set("per_page", strconv.Itoa(c.perPage))
	return q
}

func (c *Client) PullRequests(ctx context.Context, token string) ([]PullRequest, error) {
	body, err := c.get(ctx, "/metrics/prs", c.pagedQuery(), token)
	if err != nil {
		return nil, err
	}
	return ParsePullRequests(body)
}

func (c *Client) Workflows(ctx context.Context, token string) ([]WorkflowRun, error) {
	body, err := c.get(ctx, "/metrics/workflows", c.pagedQuery(), token)
	if err != nil {
		return nil, err
	}
	return ParseWorkflowRuns(body)
}

// Fetch runs one full cycle. Any failing request fails the whole cycle.
func (c *Client) Fetch(ctx context.Context, token string) (Dashboard, error) {
	commits, err := c.Commits(ctx, token)
	if err != nil {
		return Dashboard{}, err
	}
	prs, err := c.PullRequests(ctx, token)
	if err != nil {
		return Dashboard{}, err
	}
	runs, err := c.Workflows(ctx, token)
	if err != nil {
		return Dashboard{}, err
	}
	return Dashboard{Commits: commits, PullRequests: prs, Workflows: runs, FetchedAt: c.now()}, nil
}
