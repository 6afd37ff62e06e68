package notify

import (
	"context"
)

type SlackMsg struct {
	Attachments []SlackAttachment `json:"attachments"`
}

type SlackAttachment struct {
	Color  string       `json:"color,omitempty"`
	Blocks []SlackBlock `json:"blocks"`
}

type SlackBlock struct {
	Type string     `json:"type"`
	Text *SlackText `json:"text,omitempty"`
}

type SlackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func slackColor(s Status) string {
	switch s {
	case StatusSuccess:
		return "#01AB53"
	case StatusError:
		return "#E30425"
	default:
		return "#E0E0E0"
	}
}

type Slack struct {
	HookURL string
}

func (s Slack) Name() string { return "slack" }

func (s Slack) Send(ctx context.Context, msg Message) error {
	return post(ctx, s.Name(), s.HookURL, SlackMsg{
		Attachments: []SlackAttachment{{
			Color: slackColor(msg.Status),
			Blocks: []SlackBlock{
				{Type: "section", Text: &SlackText{Type: "mrkdwn", Text: msg.Title}},
				{Type: "divider"},
				{Type: "section", Text: &SlackText{Type: "mrkdwn", Text: msg.Text}},
			},
		}},
	})
}
