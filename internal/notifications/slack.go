// Package notifications posts run summaries to chat channels.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/Harvey-AU/doc-resolver/internal/engine"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
)

// RunReport is what gets delivered when a run ends.
type RunReport struct {
	Summary engine.Summary
	Input   string            // Where the input came from, for the title
	Blocked map[string]string // Domain -> reason
	Err     error             // Set when the run aborted
}

// DeliveryChannel defines the interface for notification delivery
type DeliveryChannel interface {
	Name() string
	Deliver(ctx context.Context, r RunReport) error
}

// Service fans a report out to every configured channel
type Service struct {
	channels []DeliveryChannel
}

// NewService creates a notification service
func NewService(channels ...DeliveryChannel) *Service {
	return &Service{channels: channels}
}

// AddChannel adds a delivery channel to the service
func (s *Service) AddChannel(ch DeliveryChannel) {
	s.channels = append(s.channels, ch)
}

// Enabled reports whether any channel is configured.
func (s *Service) Enabled() bool {
	return len(s.channels) > 0
}

// NotifyRunComplete delivers r to every channel. Failures are logged; the
// last one is returned.
func (s *Service) NotifyRunComplete(ctx context.Context, r RunReport) error {
	var lastErr error
	for _, ch := range s.channels {
		if err := ch.Deliver(ctx, r); err != nil {
			log.Warn().
				Err(err).
				Str("channel", ch.Name()).
				Str("run_id", r.Summary.RunID).
				Msg("Failed to deliver run summary")
			lastErr = err
			continue
		}
		log.Info().
			Str("channel", ch.Name()).
			Str("run_id", r.Summary.RunID).
			Msg("Run summary delivered")
	}
	return lastErr
}

// SlackChannel posts run summaries to one Slack channel
type SlackChannel struct {
	client  *slack.Client
	channel string
}

// NewSlackChannel creates a Slack delivery channel using a bot token.
func NewSlackChannel(token, channel string, opts ...slack.Option) (*SlackChannel, error) {
	if token == "" {
		return nil, errors.New("slack token is required")
	}
	if channel == "" {
		return nil, errors.New("slack channel is required")
	}
	return &SlackChannel{client: slack.New(token, opts...), channel: channel}, nil
}

// SlackChannelFromEnv reads SLACK_BOT_TOKEN and SLACK_CHANNEL. It returns
// nil when either is unset.
func SlackChannelFromEnv() *SlackChannel {
	ch, err := NewSlackChannel(os.Getenv("SLACK_BOT_TOKEN"), os.Getenv("SLACK_CHANNEL"))
	if err != nil {
		return nil
	}
	return ch
}

// Name returns the channel name
func (c *SlackChannel) Name() string {
	return "slack"
}

// Deliver posts the report
func (c *SlackChannel) Deliver(ctx context.Context, r RunReport) error {
	blocks := buildMessageBlocks(r)
	_, _, err := c.client.PostMessageContext(ctx, c.channel,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(fallbackText(r), false),
	)
	if err != nil {
		return fmt.Errorf("failed to post Slack message: %w", err)
	}
	return nil
}

func title(r RunReport) string {
	if r.Input != "" {
		return fmt.Sprintf("Resolver run finished: %s", r.Input)
	}
	return "Resolver run finished"
}

func fallbackText(r RunReport) string {
	s := r.Summary
	if r.Err != nil {
		return fmt.Sprintf("%s (failed: %v)", title(r), r.Err)
	}
	return fmt.Sprintf("%s: %d found of %d checked", title(r), s.Found, s.Checked)
}

func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "N/A"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

// maxBlockedListed caps the blocked-domain list in a message.
const maxBlockedListed = 10

func buildMessageBlocks(r RunReport) []slack.Block {
	s := r.Summary

	emoji := ":white_check_mark:"
	if r.Err != nil {
		emoji = ":x:"
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("%s *%s*", emoji, title(r)), false, false),
			nil,
			nil,
		),
	}

	if r.Err != nil {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Run aborted: `%v`", r.Err), false, false),
			nil,
			nil,
		))
	}

	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Records*\n%d", s.Records), false, false),
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Found*\n%d (%.1f%%)", s.Found, s.HitRate()*100), false, false),
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Direct links*\n%d", s.Direct), false, false),
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Problematic*\n%d", s.Problematic), false, false),
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Duplicate / re-cross*\n%d / %d", s.Duplicate, s.Recross), false, false),
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Duration*\n%s", formatDuration(s.Duration)), false, false),
	}
	blocks = append(blocks, slack.NewSectionBlock(nil, fields, nil))

	if len(r.Blocked) > 0 {
		domains := make([]string, 0, len(r.Blocked))
		for d := range r.Blocked {
			domains = append(domains, d)
		}
		sort.Strings(domains)

		text := fmt.Sprintf("*%d blocked domains*", len(domains))
		for i, d := range domains {
			if i == maxBlockedListed {
				text += fmt.Sprintf("\n…and %d more", len(domains)-maxBlockedListed)
				break
			}
			text += fmt.Sprintf("\n• %s (%s)", d, r.Blocked[d])
		}
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", text, false, false),
			nil,
			nil,
		))
	}

	blocks = append(blocks, slack.NewContextBlock("",
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Run `%s`", s.RunID), false, false),
	))

	return blocks
}
