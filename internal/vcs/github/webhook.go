package github

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Webhook headers consumed by the engine.
const (
	HeaderSignature256 = "X-Hub-Signature-256"
	HeaderEvent        = "X-GitHub-Event"
	HeaderDelivery     = "X-GitHub-Delivery"
)

const (
	EventPing              = "ping"
	EventWorkflowRun       = "workflow_run"
	EventPullRequest       = "pull_request"
	EventPullRequestReview = "pull_request_review"
)

// VerifySignature checks a GitHub webhook signature header against the payload.
func VerifySignature(secret string, body []byte, signatureHeader string) (bool, error) {
	if secret == "" {
		return false, errors.New("webhook secret is empty")
	}
	if signatureHeader == "" {
		return false, errors.New("signature header missing")
	}

	parts := strings.SplitN(signatureHeader, "=", 2)
	if len(parts) != 2 {
		return false, errors.New("signature header malformed")
	}
	algo := parts[0]
	sigHex := parts[1]
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("signature hex decode failed: %w", err)
	}

	var mac []byte
	switch algo {
	case "sha1":
		h := hmac.New(sha1.New, []byte(secret))
		_, _ = h.Write(body)
		mac = h.Sum(nil)
	case "sha256":
		h := hmac.New(sha256.New, []byte(secret))
		_, _ = h.Write(body)
		mac = h.Sum(nil)
	default:
		return false, fmt.Errorf("unsupported signature algorithm %q", algo)
	}

	return hmac.Equal(mac, sigBytes), nil
}

// Event is the tagged union of webhook payload variants the engine handles.
// Exactly one variant field is non-nil for a handled event type; all are nil
// for ignored event types.
type Event struct {
	Type        string
	WorkflowRun *WorkflowRunEvent
	PullRequest *PullRequestEvent
	Review      *PullRequestReviewEvent
}

// WorkflowRunEvent carries the workflow_run fields the engine consumes.
type WorkflowRunEvent struct {
	Action string
	Run    WorkflowRun
	Owner  string
	Repo   string
}

// PullRequestEvent carries the pull_request fields the engine consumes.
type PullRequestEvent struct {
	Action         string
	Number         int
	State          string
	Merged         bool
	MergeCommitSHA string
	HeadRef        string
	HeadSHA        string
	HTMLURL        string
	Owner          string
	Repo           string
}

// PullRequestReviewEvent carries the review fields the engine consumes.
type PullRequestReviewEvent struct {
	Action      string
	ReviewState string
	Reviewer    string
	SubmittedAt *time.Time
	Number      int
	HeadRef     string
	Owner       string
	Repo        string
}

// ParseEvent decodes a webhook body into the variant for its event type.
// The boolean result indicates whether the engine handles this event type;
// unknown types return false with no error so the webhook can ack them.
func ParseEvent(eventType string, body []byte) (Event, bool, error) {
	switch eventType {
	case EventWorkflowRun:
		evt, err := parseWorkflowRun(body)
		if err != nil {
			return Event{}, false, err
		}
		return Event{Type: eventType, WorkflowRun: &evt}, true, nil
	case EventPullRequest:
		evt, err := parsePullRequest(body)
		if err != nil {
			return Event{}, false, err
		}
		return Event{Type: eventType, PullRequest: &evt}, true, nil
	case EventPullRequestReview:
		evt, err := parsePullRequestReview(body)
		if err != nil {
			return Event{}, false, err
		}
		return Event{Type: eventType, Review: &evt}, true, nil
	default:
		return Event{Type: eventType}, false, nil
	}
}

type repoRef struct {
	Name  string `json:"name"`
	Owner struct {
		Login string `json:"login"`
	} `json:"owner"`
}

type workflowRunPayload struct {
	Action      string      `json:"action"`
	WorkflowRun WorkflowRun `json:"workflow_run"`
	Repository  repoRef     `json:"repository"`
}

func parseWorkflowRun(body []byte) (WorkflowRunEvent, error) {
	var payload workflowRunPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return WorkflowRunEvent{}, fmt.Errorf("decode workflow_run event: %w", err)
	}
	if payload.WorkflowRun.ID == 0 {
		return WorkflowRunEvent{}, errors.New("workflow_run event missing run id")
	}
	return WorkflowRunEvent{
		Action: payload.Action,
		Run:    payload.WorkflowRun,
		Owner:  payload.Repository.Owner.Login,
		Repo:   payload.Repository.Name,
	}, nil
}

type pullRequestPayload struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		State          string `json:"state"`
		Merged         bool   `json:"merged"`
		MergeCommitSHA string `json:"merge_commit_sha"`
		HTMLURL        string `json:"html_url"`
		Head           struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
	Repository repoRef `json:"repository"`
}

func parsePullRequest(body []byte) (PullRequestEvent, error) {
	var payload pullRequestPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return PullRequestEvent{}, fmt.Errorf("decode pull_request event: %w", err)
	}
	if payload.Number <= 0 {
		return PullRequestEvent{}, errors.New("pull_request event missing number")
	}
	return PullRequestEvent{
		Action:         payload.Action,
		Number:         payload.Number,
		State:          payload.PullRequest.State,
		Merged:         payload.PullRequest.Merged,
		MergeCommitSHA: payload.PullRequest.MergeCommitSHA,
		HeadRef:        payload.PullRequest.Head.Ref,
		HeadSHA:        payload.PullRequest.Head.SHA,
		HTMLURL:        payload.PullRequest.HTMLURL,
		Owner:          payload.Repository.Owner.Login,
		Repo:           payload.Repository.Name,
	}, nil
}

type pullRequestReviewPayload struct {
	Action string `json:"action"`
	Review struct {
		State string `json:"state"`
		User  struct {
			Login string `json:"login"`
		} `json:"user"`
		SubmittedAt *time.Time `json:"submitted_at"`
	} `json:"review"`
	PullRequest struct {
		Number int `json:"number"`
		Head   struct {
			Ref string `json:"ref"`
		} `json:"head"`
	} `json:"pull_request"`
	Repository repoRef `json:"repository"`
}

func parsePullRequestReview(body []byte) (PullRequestReviewEvent, error) {
	var payload pullRequestReviewPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return PullRequestReviewEvent{}, fmt.Errorf("decode pull_request_review event: %w", err)
	}
	return PullRequestReviewEvent{
		Action:      payload.Action,
		ReviewState: strings.ToLower(payload.Review.State),
		Reviewer:    payload.Review.User.Login,
		SubmittedAt: payload.Review.SubmittedAt,
		Number:      payload.PullRequest.Number,
		HeadRef:     payload.PullRequest.Head.Ref,
		Owner:       payload.Repository.Owner.Login,
		Repo:        payload.Repository.Name,
	}, nil
}
