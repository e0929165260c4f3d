// Package chat fetches signal messages from a single channel of the chat
// platform's REST API.
//
// The reader pages forward by last-seen message id (after=<id>) until it
// receives a short page, honors 429 rate limits via the response's
// retry_after field, and can re-read a specific message by id so the engine
// can detect edits (amendments and revocations) on previously matched
// signals. Pure I/O — no signal interpretation happens here.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultBaseURL = "https://discord.com/api/v10"
	requestTimeout = 20 * time.Second
	maxPageSize    = 100
)

// Embed is the structured rich-content block attached to a message.
// Signal providers typically put the actual signal text in embeds.
type Embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Fields      []EmbedField `json:"fields"`
	Footer      struct {
		Text string `json:"text"`
	} `json:"footer"`
}

// EmbedField is a single name/value pair inside an embed.
type EmbedField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Message is one channel message.
type Message struct {
	ID        string  `json:"id"`
	Content   string  `json:"content"`
	Timestamp string  `json:"timestamp"` // ISO-8601
	Embeds    []Embed `json:"embeds"`
}

// Text flattens content plus all embed parts into one searchable blob, in
// document order.
func (m Message) Text() string {
	parts := make([]string, 0, 1+len(m.Embeds)*4)
	if m.Content != "" {
		parts = append(parts, m.Content)
	}
	for _, e := range m.Embeds {
		if e.Title != "" {
			parts = append(parts, e.Title)
		}
		if e.Description != "" {
			parts = append(parts, e.Description)
		}
		for _, f := range e.Fields {
			if f.Name != "" {
				parts = append(parts, f.Name)
			}
			if f.Value != "" {
				parts = append(parts, f.Value)
			}
		}
		if e.Footer.Text != "" {
			parts = append(parts, e.Footer.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// Time parses the message timestamp; the zero time is returned when absent
// or malformed.
func (m Message) Time() time.Time {
	if m.Timestamp == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, m.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// Client reads messages from one channel.
type Client struct {
	http      *resty.Client
	channelID string
	logger    *slog.Logger
}

// Options configures the chat client. BaseURL is overridable for tests.
type Options struct {
	Token     string
	ChannelID string
	BaseURL   string
}

// NewClient creates a channel reader.
func NewClient(opts Options, logger *slog.Logger) *Client {
	base := opts.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	httpClient := resty.New().
		SetBaseURL(base).
		SetTimeout(requestTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || (r != nil && r.StatusCode() >= 500)
		}).
		SetHeader("Authorization", opts.Token)

	return &Client{
		http:      httpClient,
		channelID: opts.ChannelID,
		logger:    logger.With("component", "chat"),
	}
}

// rateLimitBody is the 429 response payload carrying the cooldown.
type rateLimitBody struct {
	RetryAfter float64 `json:"retry_after"`
}

// get performs one GET with 429 handling: on rate limit it sleeps the
// indicated duration and retries, bounded by ctx.
func (c *Client) get(ctx context.Context, path string, params map[string]string, out any) error {
	for {
		var limited rateLimitBody
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(params).
			SetResult(out).
			SetError(&limited).
			ForceContentType("application/json").
			Get(path)
		if err != nil {
			return fmt.Errorf("chat get %s: %w", path, err)
		}

		if resp.StatusCode() == http.StatusTooManyRequests {
			wait := 5 * time.Second
			if limited.RetryAfter > 0 {
				wait = time.Duration((limited.RetryAfter + 0.25) * float64(time.Second))
			}
			c.logger.Warn("chat rate limited", "retry_after", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
				continue
			}
		}

		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("chat get %s: status %d: %s", path, resp.StatusCode(), resp.String())
		}
		return nil
	}
}

// FetchAfter returns all messages newer than afterID in ascending id order.
// It pages forward until a short page signals the end of the channel.
func (c *Client) FetchAfter(ctx context.Context, afterID string, limit int) ([]Message, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	var collected []Message
	params := map[string]string{"limit": strconv.Itoa(limit)}
	if afterID != "" {
		params["after"] = afterID
	}

	for {
		var page []Message
		if err := c.get(ctx, "/channels/"+c.channelID+"/messages", params, &page); err != nil {
			return nil, err
		}
		collected = append(collected, page...)
		if len(page) < limit {
			break
		}

		maxID := int64(0)
		for _, m := range page {
			if id, err := strconv.ParseInt(m.ID, 10, 64); err == nil && id > maxID {
				maxID = id
			}
		}
		if maxID == 0 {
			break
		}
		params["after"] = strconv.FormatInt(maxID, 10)
	}

	sort.Slice(collected, func(i, j int) bool {
		a, _ := strconv.ParseInt(collected[i].ID, 10, 64)
		b, _ := strconv.ParseInt(collected[j].ID, 10, 64)
		return a < b
	})
	return collected, nil
}

// FetchMessage re-reads a single message by id, for amendment checks.
func (c *Client) FetchMessage(ctx context.Context, messageID string) (*Message, error) {
	var msg Message
	err := c.get(ctx, "/channels/"+c.channelID+"/messages/"+messageID, nil, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
