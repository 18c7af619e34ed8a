package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"plotbot/internal/plot"
	"plotbot/internal/social"
	"plotbot/internal/task/runner"
)

// step scripts one Run call of fakeRunner.
type step struct {
	state runner.State
	meta  map[string]any
	err   error
}

type ranTask struct {
	req     plot.Request
	timeout time.Duration
}

type fakeRunner struct {
	t     *testing.T
	mu    sync.Mutex
	steps []step
	ran   []ranTask
	dirs  []string
}

func (f *fakeRunner) Run(ctx context.Context, task *runner.Task) runner.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()

	var req plot.Request
	if err := json.Unmarshal(task.Input, &req); err != nil {
		f.t.Errorf("task input: %v", err)
	}
	f.ran = append(f.ran, ranTask{req: req, timeout: task.Timeout})
	if task.Work != plot.WorkName {
		f.t.Errorf("work = %q, want %q", task.Work, plot.WorkName)
	}
	if len(f.steps) == 0 {
		f.t.Fatalf("unexpected render #%d", len(f.ran))
	}
	st := f.steps[0]
	f.steps = f.steps[1:]

	out := runner.Outcome{TaskID: task.ID, Work: task.Work, State: st.state}
	switch st.state {
	case runner.StateCompleted:
		dir := f.t.TempDir()
		sub := filepath.Join(dir, "task")
		if err := os.MkdirAll(sub, 0o755); err != nil {
			f.t.Fatal(err)
		}
		path := filepath.Join(sub, "plot.gif")
		if err := os.WriteFile(path, []byte("GIF89a"), 0o600); err != nil {
			f.t.Fatal(err)
		}
		f.dirs = append(f.dirs, sub)
		out.Artifact = runner.Artifact{Path: path, Size: 6, Meta: st.meta, Dir: sub}
	case runner.StateTimedOut:
		out.Err = runner.ErrDeadlineExceeded
	default:
		out.Err = st.err
	}
	return out
}

func (f *fakeRunner) tasks() []ranTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ranTask(nil), f.ran...)
}

type fakePlatform struct {
	mu sync.Mutex

	uploadErrs []error // consumed per Upload call; nil entries succeed
	uploads    []string
	posted     []social.StatusUpdate
	postErr    error

	mentions     []social.Tweet
	mentionSince []string
	replies      map[string][]social.Tweet
}

func (f *fakePlatform) Upload(ctx context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, path)
	if len(f.uploadErrs) > 0 {
		err := f.uploadErrs[0]
		f.uploadErrs = f.uploadErrs[1:]
		if err != nil {
			return "", err
		}
	}
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return fmt.Sprintf("media-%d", len(f.uploads)), nil
}

func (f *fakePlatform) PostStatus(ctx context.Context, u social.StatusUpdate) (social.Tweet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return social.Tweet{}, f.postErr
	}
	f.posted = append(f.posted, u)
	return social.Tweet{ID: fmt.Sprintf("90%d", len(f.posted)), Text: u.Text, InReplyToStatusID: u.InReplyTo}, nil
}

func (f *fakePlatform) Mentions(ctx context.Context, sinceID string, count int) ([]social.Tweet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mentionSince = append(f.mentionSince, sinceID)
	return append([]social.Tweet(nil), f.mentions...), nil
}

func (f *fakePlatform) RepliesTo(ctx context.Context, screenName, sinceID string) ([]social.Tweet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replies[sinceID], nil
}

func (f *fakePlatform) updates() []social.StatusUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]social.StatusUpdate(nil), f.posted...)
}

func mention(id, author, text string) social.Tweet {
	return social.Tweet{ID: id, FullText: text, User: social.User{ScreenName: author}}
}
