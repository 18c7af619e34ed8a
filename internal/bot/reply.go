package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"plotbot/internal/plot"
	"plotbot/internal/social"
	"plotbot/internal/storage"
	"plotbot/internal/task/runner"
	logx "plotbot/pkg/logx"
)

// Reply outcomes.
const (
	ReplyMedia            = "media"
	ReplyTimedOut         = "timed_out"
	ReplyRenderFailed     = "render_failed"
	ReplyProcessingFailed = "processing_failed"
	ReplyError            = "error"
)

// ReplyReport summarizes one pass over new mentions.
type ReplyReport struct {
	Seen    int
	Matched int
	Cursor  string
	// Outcomes maps mention id to one of the Reply* outcomes.
	Outcomes map[string]string
}

// ReplyMentions answers every new mention carrying the hashtag with a plot
// rendered from the mention text. The cursor advances past each mention
// before it is handled, so a mention is never answered twice. A mention
// that fails is logged and the pass continues with the next one.
func (b *Bot) ReplyMentions(ctx context.Context) (ReplyReport, error) {
	b.cycleMu.Lock()
	defer b.cycleMu.Unlock()
	rep, err := b.replyMentions(ctx, b.current())
	return rep, b.fail("reply", err)
}

func (b *Bot) replyMentions(ctx context.Context, s Settings) (ReplyReport, error) {
	rep := ReplyReport{Outcomes: map[string]string{}}
	since, err := b.cursor(ctx)
	if err != nil {
		return rep, fmt.Errorf("read cursor: %w", err)
	}
	rep.Cursor = since

	mentions, err := b.platform.Mentions(ctx, since, s.MaxMentions)
	if err != nil {
		return rep, fmt.Errorf("mentions: %w", err)
	}
	oldestFirst(mentions)

	for _, m := range mentions {
		if since != "" && !idLess(since, m.ID) {
			continue
		}
		rep.Seen++
		if err := b.setCursor(ctx, m.ID); err != nil {
			return rep, fmt.Errorf("store cursor: %w", err)
		}
		rep.Cursor = m.ID

		if !hasHashtag(m.Body(), s.Hashtag) || b.isSelf(s, m) {
			continue
		}
		rep.Matched++

		outcome, err := b.answer(ctx, s, m)
		rep.Outcomes[m.ID] = outcome
		if err != nil {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			b.log.Error("mention not answered",
				logx.String("mention", m.ID),
				logx.String("author", m.User.ScreenName),
				logx.String("outcome", outcome),
				logx.Err(err),
			)
		}
	}
	if rep.Seen > 0 {
		b.log.Info("mentions handled", logx.Int("seen", rep.Seen), logx.Int("matched", rep.Matched), logx.String("cursor", rep.Cursor))
	}
	return rep, nil
}

func (b *Bot) isSelf(s Settings, m social.Tweet) bool {
	return s.ScreenName != "" && strings.EqualFold(m.User.ScreenName, s.ScreenName)
}

// answer renders the requested plot and replies to m. Deadline exceedance,
// renderer failures and rejected media each get their own message; other
// failures are only logged.
func (b *Bot) answer(ctx context.Context, s Settings, m social.Tweet) (string, error) {
	log := b.log.With(logx.String("cycle", "reply"), logx.String("mention", m.ID))
	log.Info("mention requests a plot", logx.String("author", m.User.ScreenName), logx.String("text", m.Body()))

	out, err := b.render(ctx, s, plot.Request{
		Choice: s.ReplyChoice,
		Text:   strings.ToLower(m.Body()),
		Author: m.User.ScreenName,
	}, s.ReplyTimeout)
	if err != nil {
		return ReplyError, err
	}

	switch out.State {
	case runner.StateTimedOut:
		log.Warn("reply render cancelled at deadline", logx.Duration("timeout", s.ReplyTimeout))
		msg := expand(s.TimeoutMessage, "minutes", minutes(s.ReplyTimeout))
		return ReplyTimedOut, b.replyText(ctx, m, msg)
	case runner.StateFailed:
		var we *runner.WorkerError
		if errors.As(out.Err, &we) && we.Kind == plot.KindRender {
			msg := expand(s.FailedMessage, "error", we.Message)
			return ReplyRenderFailed, b.replyText(ctx, m, msg)
		}
		return ReplyError, fmt.Errorf("render: %w", out.Err)
	}

	art := out.Artifact
	defer func() {
		if err := art.Remove(); err != nil {
			log.Warn("artifact cleanup failed", logx.String("dir", art.Dir), logx.Err(err))
		}
	}()

	mediaID, err := b.platform.Upload(ctx, art.Path)
	if err != nil {
		var pe *social.ProcessingError
		if errors.As(err, &pe) {
			log.Warn("media rejected by platform", logx.Err(err))
			return ReplyProcessingFailed, b.replyText(ctx, m, s.ProcessingFailedMessage)
		}
		return ReplyError, fmt.Errorf("upload: %w", err)
	}

	tweet, err := b.platform.PostStatus(ctx, social.StatusUpdate{
		MediaIDs:                  []string{mediaID},
		InReplyTo:                 m.ID,
		AutoPopulateReplyMetadata: true,
	})
	if err != nil {
		return ReplyError, fmt.Errorf("post reply: %w", err)
	}
	b.record(ctx, storage.PostRecord{
		At:        time.Now(),
		Kind:      storage.KindReply,
		Choice:    s.ReplyChoice,
		StatusID:  tweet.ID,
		InReplyTo: m.ID,
		MediaID:   mediaID,
		Meta:      art.Meta,
	})
	log.Info("plot sent as reply", logx.String("status_id", tweet.ID), logx.String("media_id", mediaID))
	return ReplyMedia, nil
}

func (b *Bot) replyText(ctx context.Context, m social.Tweet, msg string) error {
	text := strings.TrimSpace(msg)
	if m.User.ScreenName != "" {
		text = "@" + m.User.ScreenName + " " + text
	}
	_, err := b.platform.PostStatus(ctx, social.StatusUpdate{Text: text, InReplyTo: m.ID})
	return err
}

// expand replaces {key} in msg with value.
func expand(msg, key, value string) string {
	return strings.ReplaceAll(msg, "{"+key+"}", value)
}

func minutes(d time.Duration) string {
	m := d.Minutes()
	if m == float64(int64(m)) {
		return strconv.FormatInt(int64(m), 10)
	}
	return strconv.FormatFloat(m, 'f', 1, 64)
}
