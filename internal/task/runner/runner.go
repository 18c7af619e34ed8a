// Package runner executes work in an isolated worker process with a hard
// wall-clock deadline.
//
// The worker is the current binary re-executed in worker mode (see
// WorkerMain). It runs in its own process group, reports its outcome through a
// resultchan pipe, and is killed with SIGKILL if it outlives its deadline.
// Nothing inside the worker has to cooperate with cancellation.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"plotbot/internal/eventbus"
	"plotbot/internal/task/resultchan"
	logx "plotbot/pkg/logx"
)

// Config controls how workers are spawned.
type Config struct {
	// Executable is the worker binary. Empty means os.Executable().
	Executable string
	// Args are passed to the worker binary (tests use them to keep the test
	// framework from running tests in the child).
	Args []string
	// Env is appended to the inherited environment.
	Env []string

	// WorkDir is the parent of the per-task work directories.
	// Empty means <os temp>/plotbot.
	WorkDir string

	// DefaultTimeout applies when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// ResultGrace bounds how long to wait for the result channel to drain
	// after the worker has stopped.
	ResultGrace time.Duration

	// LogLevel is forwarded to workers.
	LogLevel string
}

// TaskEvent is published on the event bus when a task finishes.
type TaskEvent struct {
	ID       string        `json:"id"`
	Work     string        `json:"work"`
	State    State         `json:"state"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type Runner struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 20 * time.Minute
	}
	if cfg.ResultGrace <= 0 {
		cfg.ResultGrace = 500 * time.Millisecond
	}
	if strings.TrimSpace(cfg.WorkDir) == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "plotbot")
	}
	return &Runner{cfg: cfg, log: log, bus: bus}
}

// Run executes t in a worker process and blocks until it completes, fails,
// or is killed at its deadline. The caller owns a completed outcome's
// artifact and must call Artifact.Remove when done with it; for every other
// outcome the work directory has already been removed.
func (r *Runner) Run(ctx context.Context, t *Task) Outcome {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	start := time.Now()
	if !t.begin(start.Add(timeout)) {
		return Outcome{TaskID: t.ID, Work: t.Work, State: StateFailed, Err: ErrTaskStarted}
	}
	log := r.log.With(logx.String("task", t.ID), logx.String("work", t.Work))

	var out Outcome
	dir, err := r.newWorkDir(t.ID)
	if err != nil {
		out = failed(KindSpawn, err)
	} else {
		log.Debug("task.started", logx.Duration("timeout", timeout), logx.String("dir", dir))
		out = r.execute(ctx, t, dir, timeout, log)
	}
	out.TaskID = t.ID
	out.Work = t.Work
	out.Duration = time.Since(start)

	if out.State == StateCompleted {
		out.Artifact.Dir = dir
		if out.Artifact.Path != "" && !filepath.IsAbs(out.Artifact.Path) {
			out.Artifact.Path = filepath.Join(dir, out.Artifact.Path)
		}
	} else if dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("task work dir cleanup failed", logx.String("dir", dir), logx.Err(err))
		}
	}

	t.finish(out)
	r.report(out, log)
	return out
}

func (r *Runner) newWorkDir(taskID string) (string, error) {
	if err := os.MkdirAll(r.cfg.WorkDir, 0o755); err != nil {
		return "", fmt.Errorf("create work root: %w", err)
	}
	dir, err := os.MkdirTemp(r.cfg.WorkDir, "task-"+shortID(taskID)+"-")
	if err != nil {
		return "", fmt.Errorf("create task work dir: %w", err)
	}
	return dir, nil
}

func (r *Runner) execute(ctx context.Context, t *Task, dir string, timeout time.Duration, log logx.Logger) Outcome {
	exe := r.cfg.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return failed(KindSpawn, fmt.Errorf("resolve executable: %w", err))
		}
		exe = self
	}

	reader, writer, err := resultchan.Pipe[Artifact]()
	if err != nil {
		return failed(KindSpawn, err)
	}

	cmd := exec.Command(exe, r.cfg.Args...)
	cmd.Dir = dir
	cmd.Env = append(append(os.Environ(), r.cfg.Env...),
		EnvWork+"="+t.Work,
		EnvWorkDir+"="+dir,
		EnvTaskID+"="+t.ID,
		EnvDeadline+"="+t.Deadline().Format(time.RFC3339Nano),
		EnvLogLevel+"="+r.cfg.LogLevel,
	)
	cmd.Stdin = bytes.NewReader(t.Input)
	// Worker logs go straight to our stderr. Using *os.File avoids copy
	// goroutines that could keep Wait blocked after a kill.
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{writer.File()}
	cmd.WaitDelay = time.Second
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		_ = writer.Close()
		reader.Abort()
		return failed(KindSpawn, fmt.Errorf("start worker: %w", err))
	}
	// The child holds its own copy of the write end.
	_ = writer.Close()

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case werr := <-exited:
		return r.collect(reader, werr)

	case <-timer.C:
		// Read before kill: a result that is already in counts as success.
		if res, ok, rerr := reader.TryGet(); ok && rerr == nil {
			_ = killProcess(cmd)
			<-exited
			log.Debug("task finished at its deadline")
			return fromResult(res)
		}
		if err := killProcess(cmd); err != nil {
			log.Warn("worker kill failed", logx.Err(err))
		}
		<-exited
		// The worker may have written right before it was killed.
		graceCtx, cancel := context.WithTimeout(context.Background(), r.cfg.ResultGrace)
		res, rerr := reader.Get(graceCtx)
		cancel()
		if rerr == nil {
			log.Debug("task result arrived at its deadline")
			return fromResult(res)
		}
		reader.Abort()
		return Outcome{State: StateTimedOut, Err: ErrDeadlineExceeded}

	case <-ctx.Done():
		_ = killProcess(cmd)
		<-exited
		reader.Abort()
		return Outcome{State: StateFailed, Err: ctx.Err()}
	}
}

func (r *Runner) collect(reader *resultchan.Reader[Artifact], werr error) Outcome {
	graceCtx, cancel := context.WithTimeout(context.Background(), r.cfg.ResultGrace)
	defer cancel()
	res, rerr := reader.Get(graceCtx)
	if rerr == nil {
		return fromResult(res)
	}
	reader.Abort()

	switch {
	case werr != nil:
		return failed(KindExit, fmt.Errorf("worker exited without a result: %w", werr))
	case errors.Is(rerr, resultchan.ErrNoValue), errors.Is(rerr, context.DeadlineExceeded):
		return failed(KindNoResult, errors.New("worker exited without reporting a result"))
	default:
		return failed(KindChannel, rerr)
	}
}

func fromResult(res resultchan.Result[Artifact]) Outcome {
	if res.Error != nil {
		return Outcome{State: StateFailed, Err: &WorkerError{Kind: res.Error.Kind, Message: res.Error.Message}}
	}
	return Outcome{State: StateCompleted, Artifact: res.Value}
}

func failed(kind string, err error) Outcome {
	return Outcome{State: StateFailed, Err: &WorkerError{Kind: kind, Message: err.Error()}}
}

func (r *Runner) report(out Outcome, log logx.Logger) {
	ev := TaskEvent{ID: out.TaskID, Work: out.Work, State: out.State, Duration: out.Duration}
	if out.Err != nil {
		ev.Error = out.Err.Error()
	}
	switch out.State {
	case StateCompleted:
		log.Info("task.completed", logx.Duration("dur", out.Duration), logx.String("artifact", out.Artifact.Path))
		eventbus.Publish(r.bus, eventbus.TaskCompleted, ev)
	case StateTimedOut:
		log.Warn("task.timed_out", logx.Duration("dur", out.Duration))
		eventbus.Publish(r.bus, eventbus.TaskTimedOut, ev)
	default:
		log.Warn("task.failed", logx.Duration("dur", out.Duration), logx.Err(out.Err))
		eventbus.Publish(r.bus, eventbus.TaskFailed, ev)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
