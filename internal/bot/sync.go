package bot

import (
	"context"
	"fmt"
	"strings"

	logx "plotbot/pkg/logx"
)

// SyncCursor moves the mention cursor forward to the newest hashtag mention
// the bot has already replied to. It repairs the cursor after it was lost
// or rolled back, so old mentions are not answered again.
func (b *Bot) SyncCursor(ctx context.Context) (string, error) {
	b.cycleMu.Lock()
	defer b.cycleMu.Unlock()
	cur, err := b.syncCursor(ctx)
	return cur, b.fail("sync", err)
}

func (b *Bot) syncCursor(ctx context.Context) (string, error) {
	s := b.current()
	since, err := b.cursor(ctx)
	if err != nil {
		return "", fmt.Errorf("read cursor: %w", err)
	}
	mentions, err := b.platform.Mentions(ctx, since, s.MaxMentions)
	if err != nil {
		return since, fmt.Errorf("mentions: %w", err)
	}
	oldestFirst(mentions)

	newest := since
	for _, m := range mentions {
		if !hasHashtag(m.Body(), s.Hashtag) || !idLess(newest, m.ID) {
			continue
		}
		replies, err := b.platform.RepliesTo(ctx, m.User.ScreenName, m.ID)
		if err != nil {
			return newest, fmt.Errorf("replies to %s: %w", m.ID, err)
		}
		for _, r := range replies {
			if r.InReplyToStatusID != m.ID {
				continue
			}
			if s.ScreenName != "" && !strings.EqualFold(r.User.ScreenName, s.ScreenName) {
				continue
			}
			newest = m.ID
			b.log.Info("mention already answered", logx.String("mention", m.ID), logx.String("reply", r.ID))
			break
		}
	}

	if newest == since {
		b.log.Info("cursor already in sync", logx.String("cursor", since))
		return since, nil
	}
	if err := b.setCursor(ctx, newest); err != nil {
		return since, fmt.Errorf("store cursor: %w", err)
	}
	b.log.Info("cursor synced", logx.String("from", since), logx.String("to", newest))
	return newest, nil
}
