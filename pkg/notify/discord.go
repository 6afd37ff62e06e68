package notify

import (
	"context"
	"net/url"
)

// Discord embed colours.
const (
	discordDefault = 0
	discordGreen   = 3066993
	discordRed     = 15158332
)

type DiscordMsg struct {
	Embeds []DiscordEmbed `json:"embeds"`
}

type DiscordEmbed struct {
	Title       string        `json:"title"`
	Type        string        `json:"type"`
	Description string        `json:"description"`
	Color       int           `json:"color"`
	Author      DiscordAuthor `json:"author"`
}

type DiscordAuthor struct {
	Name string `json:"name"`
}

func discordColor(s Status) int {
	switch s {
	case StatusSuccess:
		return discordGreen
	case StatusError:
		return discordRed
	default:
		return discordDefault
	}
}

type Discord struct {
	HookURL string
}

func (d Discord) Name() string { return "discord" }

// Send posts with wait=true, so delivery failures come back as errors
// rather than being dropped by Discord.
func (d Discord) Send(ctx context.Context, msg Message) error {
	u, err := url.Parse(d.HookURL)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("wait", "true")
	u.RawQuery = q.Encode()

	return post(ctx, d.Name(), u.String(), DiscordMsg{
		Embeds: []DiscordEmbed{{
			Title:       msg.Title,
			Type:        "rich",
			Description: msg.Text,
			Color:       discordColor(msg.Status),
			Author:      DiscordAuthor{Name: msg.Author},
		}},
	})
}
