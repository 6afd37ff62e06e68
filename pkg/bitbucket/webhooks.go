package bitbucket

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

const (
	EventPullRequestApproved  = "pullrequest:approved"
	EventPullRequestFulfilled = "pullrequest:fulfilled"
	EventPullRequestRejected  = "pullrequest:rejected"
)

type Webhook struct {
	UUID        string   `json:"uuid,omitempty"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Active      bool     `json:"active"`
	Events      []string `json:"events"`
}

// PipelineWebhooks are the hooks the orchestrator listens on.
func PipelineWebhooks(endpoint string) []Webhook {
	return []Webhook{
		{
			Description: "CICD PullRequest Approved",
			URL:         endpoint,
			Active:      true,
			Events:      []string{EventPullRequestApproved},
		},
		{
			Description: "CICD PullRequest Merged/Declined",
			URL:         endpoint,
			Active:      true,
			Events:      []string{EventPullRequestFulfilled, EventPullRequestRejected},
		},
	}
}

func (c *Client) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	var hooks []Webhook
	err := c.paginate(ctx, c.repoURL("hooks"), func(raw json.RawMessage) error {
		var h Webhook
		if err := json.Unmarshal(raw, &h); err != nil {
			return errors.Wrap(err, "decoding webhook")
		}
		hooks = append(hooks, h)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "listing webhooks")
	}
	return hooks, nil
}

func (c *Client) CreateWebhook(ctx context.Context, hook Webhook) error {
	hook.UUID = ""
	if err := c.do(ctx, "POST", c.repoURL("hooks"), hook, nil); err != nil {
		return errors.Wrapf(err, "creating webhook %q", hook.Description)
	}
	return nil
}

// EnsureWebhooks creates each pipeline hook whose description is not
// already registered, and returns the descriptions it created.
func (c *Client) EnsureWebhooks(ctx context.Context, endpoint string) ([]string, error) {
	existing, err := c.ListWebhooks(ctx)
	if err != nil {
		return nil, err
	}
	have := map[string]bool{}
	for _, h := range existing {
		have[h.Description] = true
	}

	var created []string
	for _, hook := range PipelineWebhooks(endpoint) {
		if have[hook.Description] {
			continue
		}
		if err := c.CreateWebhook(ctx, hook); err != nil {
			return created, err
		}
		created = append(created, hook.Description)
	}
	return created, nil
}
