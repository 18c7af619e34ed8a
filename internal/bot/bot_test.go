package bot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"plotbot/internal/eventbus"
	"plotbot/internal/plot"
	"plotbot/internal/social"
	"plotbot/internal/storage"
	"plotbot/internal/task/runner"
	logx "plotbot/pkg/logx"
)

var spmMeta = map[string]any{"model": "SPM", "chemistry": "Chen2020"}

func testSettings() Settings {
	return Settings{
		Command:        []string{"render"},
		RenderTimeout:  20 * time.Minute,
		ReplyTimeout:   10 * time.Minute,
		Choices:        []string{"model comparison", "non-degradation comparisons"},
		ScreenName:     "plotbot",
		Hashtag:        "#battbot",
		ReplyChoice:    "model comparison",
		MaxMentions:    50,
		TimeoutMessage: "Hi there! The simulation took more than {minutes} minutes and hence, it was cancelled.",
		FailedMessage:  "{error}",

		ProcessingFailedMessage: "Sorry, the plot could not be processed.",
	}
}

type harness struct {
	bot    *Bot
	run    *fakeRunner
	plat   *fakePlatform
	store  storage.Store
	events <-chan eventbus.Event
	sleeps []time.Duration
}

func newHarness(t *testing.T, s Settings, steps ...step) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "plotbot.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	t.Cleanup(unsub)

	h := &harness{run: &fakeRunner{t: t, steps: steps}, plat: &fakePlatform{}, store: st, events: events}
	b, err := New(s, h.run, h.plat, st, logx.Nop(), bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.pick = func(n int) int { return n - 1 }
	b.delay = func(max time.Duration) time.Duration { return max }
	b.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	h.bot = b
	return h
}

func (h *harness) eventTypes() []string {
	var out []string
	for {
		select {
		case e := <-h.events:
			out = append(out, e.Type)
		default:
			return out
		}
	}
}

func TestNewRequiresCommand(t *testing.T) {
	t.Parallel()
	s := testSettings()
	s.Command = nil
	if _, err := New(s, &fakeRunner{t: t}, &fakePlatform{}, nil, logx.Nop(), nil); err == nil {
		t.Fatal("empty command accepted")
	}
	if _, err := New(testSettings(), nil, &fakePlatform{}, nil, logx.Nop(), nil); err == nil {
		t.Fatal("nil runner accepted")
	}
}

func TestPostPlotStartsFreshRenderAfterTimeout(t *testing.T) {
	t.Parallel()
	s := testSettings()
	s.Jitter = 90 * time.Second
	h := newHarness(t, s,
		step{state: runner.StateTimedOut},
		step{state: runner.StateCompleted, meta: spmMeta},
	)

	res, err := h.bot.PostPlot(context.Background())
	if err != nil {
		t.Fatalf("PostPlot: %v", err)
	}
	if res.Attempts != 2 || res.Choice != "non-degradation comparisons" {
		t.Fatalf("result = %+v", res)
	}

	tasks := h.run.tasks()
	if len(tasks) != 2 {
		t.Fatalf("renders = %d, want 2", len(tasks))
	}
	for i, task := range tasks {
		if task.timeout != 20*time.Minute || task.req.Choice != res.Choice || task.req.Command[0] != "render" {
			t.Fatalf("task %d = %+v", i, task)
		}
	}

	ups := h.plat.updates()
	if len(ups) != 1 {
		t.Fatalf("updates = %+v", ups)
	}
	if ups[0].Text != "SPM with Chen2020 parameters" || len(ups[0].MediaIDs) != 1 || ups[0].MediaIDs[0] != res.MediaID {
		t.Fatalf("post = %+v", ups[0])
	}
	if len(h.sleeps) != 1 || h.sleeps[0] != 90*time.Second {
		t.Fatalf("jitter sleeps = %v", h.sleeps)
	}

	// The plot directory is gone once posted.
	if _, err := os.Stat(h.run.dirs[0]); !os.IsNotExist(err) {
		t.Fatalf("artifact dir still present: %v", err)
	}

	recs, err := h.store.RecentPosts(context.Background(), 5)
	if err != nil || len(recs) != 1 {
		t.Fatalf("records = %+v %v", recs, err)
	}
	r := recs[0]
	if r.Kind != storage.KindPost || r.StatusID != res.StatusID || r.MediaID != res.MediaID || r.Meta["model"] != "SPM" {
		t.Fatalf("record = %+v", r)
	}
}

func TestPostPlotGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	s := testSettings()
	s.MaxAttempts = 2
	h := newHarness(t, s, step{state: runner.StateTimedOut}, step{state: runner.StateTimedOut})

	_, err := h.bot.PostPlot(context.Background())
	if !errors.Is(err, ErrRenderAttempts) {
		t.Fatalf("PostPlot = %v, want ErrRenderAttempts", err)
	}
	if len(h.plat.uploads) != 0 {
		t.Fatal("uploaded without a plot")
	}
	if got := h.eventTypes(); len(got) != 1 || got[0] != eventbus.CycleFailed {
		t.Fatalf("events = %v", got)
	}
}

func TestPostPlotStopsOnRenderFailure(t *testing.T) {
	t.Parallel()
	we := &runner.WorkerError{Kind: plot.KindRender, Message: "solver diverged"}
	h := newHarness(t, testSettings(), step{state: runner.StateFailed, err: we})

	_, err := h.bot.PostPlot(context.Background())
	var got *runner.WorkerError
	if !errors.As(err, &got) || got.Message != "solver diverged" {
		t.Fatalf("PostPlot = %v", err)
	}
	if len(h.run.tasks()) != 1 {
		t.Fatal("a failed render must not be retried")
	}
}

func TestPostPlotDryRun(t *testing.T) {
	t.Parallel()
	s := testSettings()
	s.DryRun = true
	h := newHarness(t, s, step{state: runner.StateCompleted, meta: spmMeta})

	res, err := h.bot.PostPlot(context.Background())
	if err != nil {
		t.Fatalf("PostPlot: %v", err)
	}
	if !res.DryRun || res.StatusID != "" || res.MediaID == "" {
		t.Fatalf("result = %+v", res)
	}
	if len(h.plat.updates()) != 0 {
		t.Fatal("dry run posted")
	}
	recs, _ := h.store.RecentPosts(context.Background(), 1)
	if len(recs) != 1 || !recs[0].DryRun {
		t.Fatalf("records = %+v", recs)
	}
}

func TestPostPlotThreadsLongCaption(t *testing.T) {
	t.Parallel()
	s := testSettings()
	c, err := plot.NewCaptioner("", "", 40)
	if err != nil {
		t.Fatal(err)
	}
	s.Captioner = c
	meta := map[string]any{
		"model":      "DFN",
		"chemistry":  "Chen2020",
		"experiment": "Discharge at 1C until 3.3V, rest for 1 hour",
	}
	h := newHarness(t, s, step{state: runner.StateCompleted, meta: meta})

	res, err := h.bot.PostPlot(context.Background())
	if err != nil {
		t.Fatalf("PostPlot: %v", err)
	}
	ups := h.plat.updates()
	if len(ups) != 2 {
		t.Fatalf("updates = %+v", ups)
	}
	if !strings.HasPrefix(ups[0].Text, "DFN with Chen2020 parameters") {
		t.Fatalf("head = %q", ups[0].Text)
	}
	follow := ups[1]
	if follow.Text != meta["experiment"] || follow.InReplyTo != res.StatusID || !follow.AutoPopulateReplyMetadata {
		t.Fatalf("follow-up = %+v", follow)
	}
	if res.FollowUpID == "" {
		t.Fatal("follow-up id missing")
	}
}

func TestReplyMentionsAnswersEachOutcome(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings(),
		step{state: runner.StateCompleted, meta: spmMeta},
		step{state: runner.StateTimedOut},
		step{state: runner.StateFailed, err: &runner.WorkerError{Kind: plot.KindRender, Message: "Please provide atleast 1 model."}},
	)
	// Newest first, the way the timeline returns them.
	h.plat.mentions = []social.Tweet{
		mention("1005", "carol", "#BattBot compare nothing"),
		mention("1004", "bob", "@plotbot #battbot compare DFN with ai2020 parameters"),
		mention("1003", "alice", "@plotbot #battbot compare SPM and DFN with Chen2020 parameters"),
		mention("1002", "dave", "@plotbot nice plot!"),
	}

	rep, err := h.bot.ReplyMentions(context.Background())
	if err != nil {
		t.Fatalf("ReplyMentions: %v", err)
	}
	if rep.Seen != 4 || rep.Matched != 3 || rep.Cursor != "1005" {
		t.Fatalf("report = %+v", rep)
	}
	want := map[string]string{"1003": ReplyMedia, "1004": ReplyTimedOut, "1005": ReplyRenderFailed}
	for id, o := range want {
		if rep.Outcomes[id] != o {
			t.Errorf("mention %s outcome = %q, want %q", id, rep.Outcomes[id], o)
		}
	}

	tasks := h.run.tasks()
	if len(tasks) != 3 {
		t.Fatalf("renders = %d", len(tasks))
	}
	if tasks[0].timeout != 10*time.Minute || tasks[0].req.Author != "alice" || tasks[0].req.Choice != "model comparison" {
		t.Fatalf("first render = %+v", tasks[0])
	}
	if tasks[0].req.Text != "@plotbot #battbot compare spm and dfn with chen2020 parameters" {
		t.Fatalf("render text = %q", tasks[0].req.Text)
	}

	ups := h.plat.updates()
	if len(ups) != 3 {
		t.Fatalf("updates = %+v", ups)
	}
	if ups[0].InReplyTo != "1003" || len(ups[0].MediaIDs) != 1 || !ups[0].AutoPopulateReplyMetadata {
		t.Fatalf("media reply = %+v", ups[0])
	}
	if ups[1].InReplyTo != "1004" || ups[1].Text != "@bob Hi there! The simulation took more than 10 minutes and hence, it was cancelled." {
		t.Fatalf("timeout reply = %+v", ups[1])
	}
	if ups[2].InReplyTo != "1005" || ups[2].Text != "@carol Please provide atleast 1 model." {
		t.Fatalf("failure reply = %+v", ups[2])
	}

	if cur, _, _ := h.store.GetCursor(context.Background(), storage.CursorMentions); cur != "1005" {
		t.Fatalf("stored cursor = %q", cur)
	}

	// A second pass starts from the cursor and answers nothing again.
	rep, err = h.bot.ReplyMentions(context.Background())
	if err != nil || rep.Seen != 0 {
		t.Fatalf("second pass = %+v %v", rep, err)
	}
	if since := h.plat.mentionSince; since[len(since)-1] != "1005" {
		t.Fatalf("mentions since = %v", since)
	}
}

func TestReplyMentionsContinuesAfterError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings(),
		step{state: runner.StateCompleted, meta: spmMeta},
		step{state: runner.StateCompleted, meta: spmMeta},
		step{state: runner.StateFailed, err: &runner.WorkerError{Kind: runner.KindPanic, Message: "boom"}},
	)
	h.plat.uploadErrs = []error{
		errors.New("connection reset"),
		&social.ProcessingError{MediaID: "m", Cause: &social.ProcessingCause{Name: "InvalidMedia"}},
	}
	h.plat.mentions = []social.Tweet{
		mention("3", "c", "#battbot three"),
		mention("2", "b", "#battbot two"),
		mention("1", "a", "#battbot one"),
	}

	rep, err := h.bot.ReplyMentions(context.Background())
	if err != nil {
		t.Fatalf("ReplyMentions: %v", err)
	}
	want := map[string]string{"1": ReplyError, "2": ReplyProcessingFailed, "3": ReplyError}
	for id, o := range want {
		if rep.Outcomes[id] != o {
			t.Errorf("mention %s outcome = %q, want %q", id, rep.Outcomes[id], o)
		}
	}
	// Only the processing failure is visible to users.
	ups := h.plat.updates()
	if len(ups) != 1 || ups[0].InReplyTo != "2" || ups[0].Text != "@b Sorry, the plot could not be processed." {
		t.Fatalf("updates = %+v", ups)
	}
	if rep.Cursor != "3" {
		t.Fatalf("cursor = %q", rep.Cursor)
	}
	for _, dir := range h.run.dirs {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Fatalf("artifact dir %s left behind", dir)
		}
	}
}

func TestReplyMentionsSkipsOwnAndSeen(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())
	if err := h.store.PutCursor(context.Background(), storage.CursorMentions, "50"); err != nil {
		t.Fatal(err)
	}
	h.plat.mentions = []social.Tweet{
		mention("60", "PlotBot", "#battbot from myself"),
		mention("40", "old", "#battbot already handled"),
	}

	rep, err := h.bot.ReplyMentions(context.Background())
	if err != nil {
		t.Fatalf("ReplyMentions: %v", err)
	}
	if rep.Seen != 1 || rep.Matched != 0 || rep.Cursor != "60" {
		t.Fatalf("report = %+v", rep)
	}
	if h.plat.mentionSince[0] != "50" {
		t.Fatalf("since = %v", h.plat.mentionSince)
	}
}

func TestReplyMentionsWithoutStorage(t *testing.T) {
	t.Parallel()
	plat := &fakePlatform{mentions: []social.Tweet{mention("7", "a", "hello")}}
	b, err := New(testSettings(), &fakeRunner{t: t}, plat, nil, logx.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.ReplyMentions(context.Background()); err != nil {
		t.Fatalf("ReplyMentions: %v", err)
	}
	if _, err := b.ReplyMentions(context.Background()); err != nil {
		t.Fatalf("ReplyMentions: %v", err)
	}
	if plat.mentionSince[1] != "7" {
		t.Fatalf("in-memory cursor not kept: %v", plat.mentionSince)
	}
}

func TestSyncCursorFindsNewestAnswered(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())
	h.plat.mentions = []social.Tweet{
		mention("303", "c", "no tag here"),
		mention("302", "b", "#battbot answered by someone else"),
		mention("301", "a", "#battbot answered"),
	}
	h.plat.replies = map[string][]social.Tweet{
		"301": {{ID: "401", InReplyToStatusID: "301", User: social.User{ScreenName: "plotbot"}}},
		"302": {{ID: "402", InReplyToStatusID: "302", User: social.User{ScreenName: "stranger"}}},
	}

	cur, err := h.bot.SyncCursor(context.Background())
	if err != nil {
		t.Fatalf("SyncCursor: %v", err)
	}
	if cur != "301" {
		t.Fatalf("cursor = %q, want 301", cur)
	}
	if v, _, _ := h.store.GetCursor(context.Background(), storage.CursorMentions); v != "301" {
		t.Fatalf("stored cursor = %q", v)
	}

	// Nothing newer answered: the cursor stays.
	h.plat.replies = nil
	if cur, err := h.bot.SyncCursor(context.Background()); err != nil || cur != "301" {
		t.Fatalf("second sync = %q %v", cur, err)
	}
}

func TestExpandAndMinutes(t *testing.T) {
	t.Parallel()
	if got := expand("took {minutes} min", "minutes", minutes(10*time.Minute)); got != "took 10 min" {
		t.Fatalf("expand = %q", got)
	}
	if got := minutes(90 * time.Second); got != "1.5" {
		t.Fatalf("minutes = %q", got)
	}
	if !idLess("999", "1000") || idLess("1000", "999") || idLess("5", "5") {
		t.Fatal("idLess ordering")
	}
}
