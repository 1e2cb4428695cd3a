// Package metrics fetches the GitHub activity shown on the display from the
// capycoding metrics server.
package metrics

import (
	"encoding/json"
	"fmt"
	"time"
)

type CommitCounts struct {
	AllTime int
	Week    int
	Month   int
}

type PullRequest struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	State     string    `json:"state"`
	URL       string    `json:"url"`
	UpdatedAt time.Time `json:"updatedAt"`
	Author    string    `json:"author"`
	Merged    bool      `json:"merged,omitempty"`
}

type WorkflowRun struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	HTMLURL    string    `json:"htmlUrl"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Dashboard is everything one fetch cycle produced.
type Dashboard struct {
	Commits      CommitCounts
	PullRequests []PullRequest
	Workflows    []WorkflowRun
	FetchedAt    time.Time
	LastError    string
}

func ParseCommits(b []byte) (int, error) {
	var body struct {
		Total *int `json:"total"`
	}
	if err := json.Unmarshal(b, &body); err != nil {
		return 0, fmt.Errorf("failed to parse commit metrics: %w", err)
	}
	if body.Total == nil {
		return 0, fmt.Errorf("commit metrics without total")
	}
	return *body.Total, nil
}

func ParsePullRequests(b []byte) ([]PullRequest, error) {
	var prs []PullRequest
	if err := json.Unmarshal(b, &prs); err != nil {
		return nil, fmt.Errorf("failed to parse pull requests: %w", err)
	}
	return prs, nil
}

func ParseWorkflowRuns(b []byte) ([]WorkflowRun, error) {
	var runs []WorkflowRun
	if err := json.Unmarshal(b, &runs); err != nil {
		return nil, fmt.Errorf("failed to parse workflow runs: %w", err)
	}
	return runs, nil
}
