package alert

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the wait before the first retry when the API gives none.
	baseBackoff = time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 30 * time.Second

	handoffColor = "#e01e5a"
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// SlackOpts holds parameters for creating a Slack poster.
type SlackOpts struct {
	BotToken  string // xoxb-... Slack bot token
	ChannelID string
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// Slack posts handoff alerts to a Slack channel.
type Slack struct {
	client      slackClient
	channelID   string
	baseBackoff time.Duration
}

// NewSlack creates a Slack poster.
func NewSlack(opts SlackOpts) (*Slack, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("slack: channel id is required")
	}
	client := opts.Client
	if client == nil {
		client = slackapi.New(opts.BotToken)
	}
	return &Slack{client: client, channelID: opts.ChannelID, baseBackoff: baseBackoff}, nil
}

// Name implements Poster.
func (s *Slack) Name() string { return "slack" }

// Post implements Poster.
func (s *Slack) Post(ctx context.Context, h Handoff) error {
	options := slackOptions(h)
	err := retryOnRateLimit(ctx, s.baseBackoff, func() error {
		_, _, postErr := s.client.PostMessageContext(ctx, s.channelID, options...)
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

func slackOptions(h Handoff) []slackapi.MsgOption {
	att := slackapi.Attachment{
		Title:    h.Title(),
		Text:     h.LastMessage,
		Color:    handoffColor,
		Fallback: h.Title(),
	}
	for _, f := range handoffFields(h) {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: f.name,
			Value: f.value,
			Short: true,
		})
	}
	return []slackapi.MsgOption{
		slackapi.MsgOptionText(h.Title(), false),
		slackapi.MsgOptionAttachments(att),
	}
}

type field struct {
	name, value string
}

func handoffFields(h Handoff) []field {
	var fields []field
	if h.Phone != "" {
		fields = append(fields, field{"Phone", h.Phone})
	}
	fields = append(fields,
		field{"Conversation", h.ConversationID},
		field{"Unread", fmt.Sprintf("%d", h.Unread)},
	)
	return fields
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, base time.Duration, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * base
		}
		if wait > maxBackoff {
			wait = maxBackoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
