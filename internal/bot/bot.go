// Package bot drives the plot pipeline: render in an isolated worker,
// upload the plot, caption it and publish it, either on schedule or in
// reply to mentions.
package bot

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"plotbot/internal/eventbus"
	"plotbot/internal/plot"
	"plotbot/internal/social"
	"plotbot/internal/storage"
	"plotbot/internal/task/runner"
	logx "plotbot/pkg/logx"
)

// DefaultChoice is rendered when no post choices are configured.
const DefaultChoice = "non-degradation comparisons"

// Runner runs one isolated render task.
type Runner interface {
	Run(ctx context.Context, t *runner.Task) runner.Outcome
}

// Platform is the part of the social client the bot uses.
type Platform interface {
	Upload(ctx context.Context, path string) (string, error)
	PostStatus(ctx context.Context, u social.StatusUpdate) (social.Tweet, error)
	Mentions(ctx context.Context, sinceID string, count int) ([]social.Tweet, error)
	RepliesTo(ctx context.Context, screenName, sinceID string) ([]social.Tweet, error)
}

// Settings is the hot-reloadable part of the bot configuration.
type Settings struct {
	Command []string
	Env     []string
	Testing bool

	RenderTimeout time.Duration
	ReplyTimeout  time.Duration
	// MaxAttempts bounds post-cycle renders after timeouts; 0 is unbounded.
	MaxAttempts int

	Choices   []string
	Captioner *plot.Captioner
	Jitter    time.Duration
	DryRun    bool

	ScreenName              string
	Hashtag                 string
	ReplyChoice             string
	MaxMentions             int
	TimeoutMessage          string
	FailedMessage           string
	ProcessingFailedMessage string
}

type Bot struct {
	runner   Runner
	platform Platform
	store    storage.Store // nil when storage is disabled
	log      logx.Logger
	bus      eventbus.Bus

	mu       sync.RWMutex
	settings Settings

	// cycleMu serializes the cycles that move the mention cursor.
	cycleMu sync.Mutex
	// memCursor stands in for the store when storage is disabled.
	memCursor string

	pick  func(n int) int
	delay func(max time.Duration) time.Duration
	sleep func(ctx context.Context, d time.Duration) error
}

func New(s Settings, r Runner, p Platform, store storage.Store, log logx.Logger, bus eventbus.Bus) (*Bot, error) {
	if r == nil || p == nil {
		return nil, errors.New("bot needs a runner and a platform")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bot{
		runner:   r,
		platform: p,
		store:    store,
		log:      log,
		bus:      bus,
		pick:     rand.IntN,
		delay: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return rand.N(max + 1)
		},
		sleep: sleepCtx,
	}
	if err := b.Apply(s); err != nil {
		return nil, err
	}
	return b, nil
}

// Apply swaps the settings. In-flight cycles keep the settings they started
// with.
func (b *Bot) Apply(s Settings) error {
	if len(s.Command) == 0 {
		return errors.New("render command is required")
	}
	if s.Captioner == nil {
		c, err := plot.NewCaptioner("", "", 0)
		if err != nil {
			return err
		}
		s.Captioner = c
	}
	if s.Hashtag == "" {
		s.Hashtag = "#battbot"
	}
	if s.MaxMentions <= 0 {
		s.MaxMentions = 50
	}
	b.mu.Lock()
	b.settings = s
	b.mu.Unlock()
	return nil
}

func (b *Bot) current() Settings {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.settings
}

func (b *Bot) render(ctx context.Context, s Settings, req plot.Request, timeout time.Duration) (runner.Outcome, error) {
	req.Command = s.Command
	req.Env = s.Env
	req.Testing = s.Testing
	t, err := runner.NewTask(plot.WorkName, req, timeout)
	if err != nil {
		return runner.Outcome{}, err
	}
	return b.runner.Run(ctx, t), nil
}

func (b *Bot) cursor(ctx context.Context) (string, error) {
	if b.store == nil {
		return b.memCursor, nil
	}
	v, _, err := b.store.GetCursor(ctx, storage.CursorMentions)
	return v, err
}

func (b *Bot) setCursor(ctx context.Context, id string) error {
	if b.store == nil {
		b.memCursor = id
		return nil
	}
	return b.store.PutCursor(ctx, storage.CursorMentions, id)
}

func (b *Bot) record(ctx context.Context, rec storage.PostRecord) {
	if b.store == nil {
		return
	}
	if err := b.store.AppendPost(ctx, rec); err != nil {
		b.log.Warn("post record not saved", logx.String("status_id", rec.StatusID), logx.Err(err))
	}
}

func (b *Bot) fail(cycle string, err error) error {
	if err != nil && !errors.Is(err, context.Canceled) {
		eventbus.Publish(b.bus, eventbus.CycleFailed, eventbus.Failure{Cycle: cycle, Err: err.Error()})
	}
	return err
}

// idLess orders numeric status ids.
func idLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// oldestFirst sorts tweets by ascending id.
func oldestFirst(ts []social.Tweet) {
	sort.SliceStable(ts, func(i, j int) bool { return idLess(ts[i].ID, ts[j].ID) })
}

func hasHashtag(text, tag string) bool {
	return strings.Contains(strings.ToLower(text), strings.ToLower(tag))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
