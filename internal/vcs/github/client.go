package github

import (
	"bytes"
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

const defaultBaseURL = "https://api.github.com"

// APIError captures non-2xx responses from GitHub.
type APIError struct {
	StatusCode int
	Message    string
	// RetryAfter is the server-suggested wait parsed from rate-limit headers,
	// zero when absent.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github api error: status=%d message=%s", e.StatusCode, e.Message)
}

// IsRateLimit reports whether err is a GitHub rate-limit rejection, either by
// status code or by message.
func IsRateLimit(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if apiErr.StatusCode == http.StatusForbidden {
		msg := strings.ToLower(apiErr.Message)
		return strings.Contains(msg, "rate limit") || strings.Contains(msg, "secondary rate")
	}
	return false
}

// RetryAfter extracts the suggested backoff from a rate-limit error, or 0.
func RetryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// Client is a minimal GitHub Actions API client covering exactly the calls
// the synchronization engine makes: list runs for a branch, fetch a run,
// dispatch a workflow, and read PR/review facts.
type Client struct {
	BaseURL    string
	Tokens     TokenProvider
	HTTPClient *http.Client
	UserAgent  string
}

// NewClient constructs a client with a static token.
func NewClient(token string) *Client {
	return NewClientWithTokens(StaticTokenProvider(token))
}

// NewClientWithTokens constructs a client using the given token source, for
// example a GitHub App installation token provider.
func NewClientWithTokens(tokens TokenProvider) *Client {
	return &Client{
		BaseURL:    defaultBaseURL,
		Tokens:     tokens,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		UserAgent:  "tfpilot",
	}
}

// WorkflowRun carries the run fields the engine consumes.
type WorkflowRun struct {
	ID          int64      `json:"id"`
	Status      string     `json:"status"`
	Conclusion  string     `json:"conclusion"`
	HeadSHA     string     `json:"head_sha"`
	HeadBranch  string     `json:"head_branch"`
	HTMLURL     string     `json:"html_url"`
	Path        string     `json:"path"`
	Name        string     `json:"name"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	CompletedAt *time.Time `json:"run_completed_at,omitempty"`
}

type workflowRunList struct {
	TotalCount   int           `json:"total_count"`
	WorkflowRuns []WorkflowRun `json:"workflow_runs"`
}

// ListWorkflowRuns lists runs of a workflow file restricted to a branch,
// newest first as GitHub returns them.
func (c *Client) ListWorkflowRuns(ctx context.Context, owner, repo, workflowFile, branch string) ([]WorkflowRun, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/workflows/%s/runs?branch=%s&per_page=50",
		owner, repo, url.PathEscape(workflowFile), url.QueryEscape(branch))
	var list workflowRunList
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list.WorkflowRuns, nil
}

// GetWorkflowRun fetches a single run by id.
func (c *Client) GetWorkflowRun(ctx context.Context, owner, repo string, runID int64) (WorkflowRun, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d", owner, repo, runID)
	var run WorkflowRun
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &run); err != nil {
		return WorkflowRun{}, err
	}
	return run, nil
}

type dispatchRequest struct {
	Ref    string            `json:"ref"`
	Inputs map[string]string `json:"inputs,omitempty"`
}

// DispatchWorkflow triggers a workflow_dispatch event. GitHub returns 204
// with no run id; correlation happens later through discovery.
func (c *Client) DispatchWorkflow(ctx context.Context, owner, repo, workflowFile, ref string, inputs map[string]string) error {
	path := fmt.Sprintf("/repos/%s/%s/actions/workflows/%s/dispatches", owner, repo, url.PathEscape(workflowFile))
	return c.doJSON(ctx, http.MethodPost, path, dispatchRequest{Ref: ref, Inputs: inputs}, nil)
}

// PullRequest carries the PR facts consumed by status derivation.
type PullRequest struct {
	Number         int    `json:"number"`
	State          string `json:"state"`
	HTMLURL        string `json:"html_url"`
	Merged         bool   `json:"merged"`
	MergeCommitSHA string `json:"merge_commit_sha"`
	Head           struct {
		SHA string `json:"sha"`
		Ref string `json:"ref"`
	} `json:"head"`
}

// GetPullRequest fetches PR state for fact hydration.
func (c *Client) GetPullRequest(ctx context.Context, owner, repo string, number int) (PullRequest, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number)
	var pr PullRequest
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &pr); err != nil {
		return PullRequest{}, err
	}
	return pr, nil
}

// Review carries the review fields consumed for approval facts.
type Review struct {
	State string `json:"state"`
	User  struct {
		Login string `json:"login"`
	} `json:"user"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
}

// ListReviews fetches reviews for a PR.
func (c *Client) ListReviews(ctx context.Context, owner, repo string, number int) ([]Review, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/reviews?per_page=100", owner, repo, number)
	var reviews []Review
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &reviews); err != nil {
		return nil, err
	}
	return reviews, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	if c == nil {
		return errors.New("github client is nil")
	}
	if c.Tokens == nil {
		return errors.New("github token source missing")
	}
	token, err := c.Tokens.Token(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	base := strings.TrimRight(c.BaseURL, "/")
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.UserAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
			RetryAfter: retryAfterFromHeaders(resp.Header, time.Now()),
		}
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return err
		}
	}
	return nil
}

func retryAfterFromHeaders(h http.Header, now time.Time) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			if wait := time.Unix(unix, 0).Sub(now); wait > 0 {
				return wait
			}
		}
	}
	return 0
}
