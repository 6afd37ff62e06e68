package bitbucket

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const mergeMessage = "CI/CD automatic merge for the temporary branch."

type PullRequestState string

const (
	StateOpen       PullRequestState = "OPEN"
	StateMerged     PullRequestState = "MERGED"
	StateDeclined   PullRequestState = "DECLINED"
	StateSuperseded PullRequestState = "SUPERSEDED"
)

type branchRef struct {
	Branch struct {
		Name string `json:"name"`
	} `json:"branch"`
}

func ref(name string) branchRef {
	var r branchRef
	r.Branch.Name = name
	return r
}

type PullRequest struct {
	ID          int              `json:"id"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	State       PullRequestState `json:"state"`
	Source      branchRef        `json:"source"`
	Destination branchRef        `json:"destination"`
}

func (pr PullRequest) SourceBranch() string      { return pr.Source.Branch.Name }
func (pr PullRequest) DestinationBranch() string { return pr.Destination.Branch.Name }

type PullRequestSpec struct {
	Title             string
	Description       string
	Source            string
	Destination       string
	CloseSourceBranch bool
}

// OpenPullRequest opens a pull request and returns its ID.
func (c *Client) OpenPullRequest(ctx context.Context, spec PullRequestSpec) (int, error) {
	body := map[string]interface{}{
		"title":               spec.Title,
		"description":         spec.Description,
		"source":              ref(spec.Source),
		"destination":         ref(spec.Destination),
		"close_source_branch": spec.CloseSourceBranch,
	}
	var pr PullRequest
	if err := c.do(ctx, "POST", c.repoURL("pullrequests"), body, &pr); err != nil {
		return 0, errors.Wrapf(err, "opening pull request %s -> %s", spec.Source, spec.Destination)
	}
	return pr.ID, nil
}

func (c *Client) GetPullRequest(ctx context.Context, id int) (PullRequest, error) {
	var pr PullRequest
	if err := c.do(ctx, "GET", c.repoURL("pullrequests", strconv.Itoa(id)), nil, &pr); err != nil {
		return pr, errors.Wrapf(err, "fetching pull request %d", id)
	}
	return pr, nil
}

// MergePullRequest merges with a merge commit, leaving the source
// branch in place.
func (c *Client) MergePullRequest(ctx context.Context, id int) error {
	body := map[string]interface{}{
		"type":                "",
		"message":             mergeMessage,
		"close_source_branch": false,
		"merge_strategy":      "merge_commit",
	}
	if err := c.do(ctx, "POST", c.repoURL("pullrequests", strconv.Itoa(id), "merge"), body, nil); err != nil {
		return errors.Wrapf(err, "merging pull request %d", id)
	}
	return nil
}

func (c *Client) CommentPullRequest(ctx context.Context, id int, text string) error {
	body := map[string]interface{}{
		"content": map[string]string{
			"raw": text,
		},
	}
	if err := c.do(ctx, "POST", c.repoURL("pullrequests", strconv.Itoa(id), "comments"), body, nil); err != nil {
		return errors.Wrapf(err, "commenting on pull request %d", id)
	}
	return nil
}

// DeclinePullRequest declines a pull request, commenting reason first
// when given. Declining a pull request that is no longer open succeeds.
func (c *Client) DeclinePullRequest(ctx context.Context, id int, reason string) error {
	if reason != "" {
		if err := c.CommentPullRequest(ctx, id, reason); err != nil {
			_ = c.logger.Log("err", err, "pullrequest", id)
		}
	}
	err := c.do(ctx, "POST", c.repoURL("pullrequests", strconv.Itoa(id), "decline"), nil, nil)
	if err == nil {
		return nil
	}
	if alreadyClosed(err) {
		return nil
	}
	if statusOf(err) == http.StatusBadRequest || statusOf(err) == http.StatusConflict {
		// Bitbucket does not always say why; ask for the state.
		pr, getErr := c.GetPullRequest(ctx, id)
		if getErr == nil && pr.State != StateOpen {
			return nil
		}
	}
	return errors.Wrapf(err, "declining pull request %d", id)
}

func alreadyClosed(err error) bool {
	apiErr, ok := asAPIError(err)
	if !ok {
		return false
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "already closed") ||
		strings.Contains(msg, "already declined") ||
		strings.Contains(msg, "already merged")
}
