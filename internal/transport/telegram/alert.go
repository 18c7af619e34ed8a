// Package telegram delivers operator alerts and pipeline notices to a
// Telegram chat. It only sends; the bot never reads updates.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "plotbot/pkg/logx"
)

const textLimit = 4096

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API base URL (tests).
	APIURL  string
	Timeout time.Duration
}

// Alerter sends plain-text messages to one chat (and optional forum thread).
// It implements logx.Sender.
type Alerter struct {
	bot    *tele.Bot
	chat   *tele.Chat
	thread int
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) (*Alerter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Alerter{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, thread: cfg.ThreadID, log: log}, nil
}

// SendAlert sends text, split into chunks that fit one Telegram message.
func (a *Alerter) SendAlert(ctx context.Context, text string) error {
	chunks := splitText(text, textLimit)
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: a.thread}
		if _, err := a.bot.Send(a.chat, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

// splitText splits s into chunks of at most limit runes, preferring to cut
// at a newline.
func splitText(s string, limit int) []string {
	rs := []rune(strings.TrimSpace(s))
	if len(rs) == 0 {
		return nil
	}
	var out []string
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		if chunk := strings.TrimRight(string(rs[start:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
