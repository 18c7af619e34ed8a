package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"plotbot/internal/plot"
	"plotbot/internal/social"
	"plotbot/internal/storage"
	"plotbot/internal/task/runner"
	logx "plotbot/pkg/logx"
)

// ErrRenderAttempts is returned when every allowed post-cycle render timed
// out.
var ErrRenderAttempts = errors.New("render attempts exhausted")

// PostResult describes one published (or dry-run) plot.
type PostResult struct {
	Choice     string
	MediaID    string
	StatusID   string
	FollowUpID string
	Caption    plot.Caption
	Attempts   int
	DryRun     bool
}

// PostPlot renders a random plot, uploads it and posts it with a caption.
// A render that hits its deadline is killed and replaced by a fresh one.
func (b *Bot) PostPlot(ctx context.Context) (PostResult, error) {
	res, err := b.postPlot(ctx, b.current())
	return res, b.fail("post", err)
}

func (b *Bot) postPlot(ctx context.Context, s Settings) (PostResult, error) {
	res := PostResult{Choice: b.choose(s.Choices), DryRun: s.DryRun}
	log := b.log.With(logx.String("cycle", "post"), logx.String("choice", res.Choice))

	art, attempts, err := b.renderUntilDone(ctx, s, res.Choice, log)
	res.Attempts = attempts
	if err != nil {
		return res, err
	}
	defer func() {
		if err := art.Remove(); err != nil {
			log.Warn("artifact cleanup failed", logx.String("dir", art.Dir), logx.Err(err))
		}
	}()

	caption, err := s.Captioner.Caption(art.Meta)
	if err != nil {
		return res, err
	}
	res.Caption = caption

	mediaID, err := b.platform.Upload(ctx, art.Path)
	if err != nil {
		return res, fmt.Errorf("upload: %w", err)
	}
	res.MediaID = mediaID

	if d := b.delay(s.Jitter); d > 0 {
		log.Info("post delayed", logx.Duration("delay", d))
		if err := b.sleep(ctx, d); err != nil {
			return res, err
		}
	}

	rec := storage.PostRecord{
		At:      time.Now(),
		Kind:    storage.KindPost,
		Choice:  res.Choice,
		MediaID: mediaID,
		Caption: caption.Text,
		Meta:    art.Meta,
		DryRun:  s.DryRun,
	}
	if s.DryRun {
		log.Info("dry run; not posting", logx.String("media_id", mediaID), logx.String("caption", caption.Text))
		b.record(ctx, rec)
		return res, nil
	}

	tweet, err := b.platform.PostStatus(ctx, social.StatusUpdate{Text: caption.Text, MediaIDs: []string{mediaID}})
	if err != nil {
		return res, fmt.Errorf("post status: %w", err)
	}
	res.StatusID = tweet.ID
	rec.StatusID = tweet.ID
	b.record(ctx, rec)

	if caption.FollowUp != "" {
		reply, err := b.platform.PostStatus(ctx, social.StatusUpdate{
			Text:                      caption.FollowUp,
			InReplyTo:                 tweet.ID,
			AutoPopulateReplyMetadata: true,
		})
		if err != nil {
			// The plot is already public; the thread stays one post short.
			log.Error("follow-up not posted", logx.String("status_id", tweet.ID), logx.Err(err))
		} else {
			res.FollowUpID = reply.ID
		}
	}

	log.Info("plot posted",
		logx.String("status_id", tweet.ID),
		logx.String("media_id", mediaID),
		logx.Int("attempts", attempts),
	)
	return res, nil
}

// renderUntilDone runs render tasks until one completes. Timeouts start a
// fresh task; any other failure ends the cycle.
func (b *Bot) renderUntilDone(ctx context.Context, s Settings, choice string, log logx.Logger) (runner.Artifact, int, error) {
	for attempt := 1; ; attempt++ {
		out, err := b.render(ctx, s, plot.Request{Choice: choice}, s.RenderTimeout)
		if err != nil {
			return runner.Artifact{}, attempt, err
		}
		switch out.State {
		case runner.StateCompleted:
			return out.Artifact, attempt, nil
		case runner.StateTimedOut:
			log.Warn("simulation is taking too long, killing it and starting a new one",
				logx.String("task", out.TaskID),
				logx.Int("attempt", attempt),
				logx.Duration("timeout", s.RenderTimeout),
			)
			if s.MaxAttempts > 0 && attempt >= s.MaxAttempts {
				return runner.Artifact{}, attempt, fmt.Errorf("%w after %d timeouts", ErrRenderAttempts, attempt)
			}
			if err := ctx.Err(); err != nil {
				return runner.Artifact{}, attempt, err
			}
		default:
			return runner.Artifact{}, attempt, fmt.Errorf("render: %w", out.Err)
		}
	}
}

func (b *Bot) choose(choices []string) string {
	if len(choices) == 0 {
		return DefaultChoice
	}
	return choices[b.pick(len(choices))]
}
