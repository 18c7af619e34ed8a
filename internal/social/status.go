package social

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"plotbot/internal/eventbus"
	logx "plotbot/pkg/logx"
)

// Tweet is the subset of a status the bot reads.
type Tweet struct {
	ID                string `json:"id_str"`
	Text              string `json:"text"`
	FullText          string `json:"full_text"`
	InReplyToStatusID string `json:"in_reply_to_status_id_str"`
	User              User   `json:"user"`
}

type User struct {
	ScreenName string `json:"screen_name"`
}

// Body prefers the untruncated text.
func (t Tweet) Body() string {
	if t.FullText != "" {
		return t.FullText
	}
	return t.Text
}

// StatusUpdate is one post. InReplyTo turns it into a reply.
type StatusUpdate struct {
	Text      string
	MediaIDs  []string
	InReplyTo string
	// AutoPopulateReplyMetadata lets the platform add the @mention prefix.
	AutoPopulateReplyMetadata bool
}

// PostStatus publishes u and returns the created status.
func (c *Client) PostStatus(ctx context.Context, u StatusUpdate) (Tweet, error) {
	if strings.TrimSpace(u.Text) == "" && len(u.MediaIDs) == 0 {
		return Tweet{}, fmt.Errorf("post status: empty update")
	}
	form := url.Values{"status": {u.Text}}
	if len(u.MediaIDs) > 0 {
		form.Set("media_ids", strings.Join(u.MediaIDs, ","))
	}
	if u.InReplyTo != "" {
		form.Set("in_reply_to_status_id", u.InReplyTo)
		if u.AutoPopulateReplyMetadata {
			form.Set("auto_populate_reply_metadata", "true")
		}
	}
	res, err := c.postForm(ctx, "statuses/update", c.api("statuses/update.json"), form)
	if err != nil {
		return Tweet{}, err
	}
	var out Tweet
	if err := decode("statuses/update", res, &out); err != nil {
		return Tweet{}, err
	}
	typ := eventbus.PostPublished
	if u.InReplyTo != "" {
		typ = eventbus.ReplyPublished
	}
	c.log.Info("status.posted", logx.String("id", out.ID), logx.String("in_reply_to", u.InReplyTo), logx.Int("media", len(u.MediaIDs)))
	eventbus.Publish(c.bus, typ, out)
	return out, nil
}

// Mentions returns mentions newer than sinceID, newest first as the platform
// orders them. An empty sinceID returns the most recent page.
func (c *Client) Mentions(ctx context.Context, sinceID string, count int) ([]Tweet, error) {
	q := url.Values{"tweet_mode": {"extended"}}
	if sinceID != "" {
		q.Set("since_id", sinceID)
	}
	if count > 0 {
		q.Set("count", strconv.Itoa(count))
	}
	res, err := c.get(ctx, "statuses/mentions_timeline", c.api("statuses/mentions_timeline.json"), q)
	if err != nil {
		return nil, err
	}
	var out []Tweet
	if err := decode("statuses/mentions_timeline", res, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RepliesTo searches for statuses addressed to screenName posted after
// sinceID.
func (c *Client) RepliesTo(ctx context.Context, screenName, sinceID string) ([]Tweet, error) {
	q := url.Values{
		"q":          {"to:" + strings.TrimPrefix(screenName, "@")},
		"tweet_mode": {"extended"},
		"count":      {"100"},
	}
	if sinceID != "" {
		q.Set("since_id", sinceID)
	}
	res, err := c.get(ctx, "search/tweets", c.api("search/tweets.json"), q)
	if err != nil {
		return nil, err
	}
	var out struct {
		Statuses []Tweet `json:"statuses"`
	}
	if err := decode("search/tweets", res, &out); err != nil {
		return nil, err
	}
	return out.Statuses, nil
}
