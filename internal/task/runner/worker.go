package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"plotbot/internal/task/resultchan"
	logx "plotbot/pkg/logx"
)

// Request is what a work function receives inside the worker process.
type Request struct {
	TaskID   string
	Input    json.RawMessage
	Dir      string
	Deadline time.Time
	Log      logx.Logger
}

// Decode unmarshals the task input into v.
func (r Request) Decode(v any) error {
	if err := json.Unmarshal(r.Input, v); err != nil {
		return WithKind(KindBadInput, fmt.Errorf("decode task input: %w", err))
	}
	return nil
}

// WorkFunc runs inside the worker. It should leave its output under
// Request.Dir and return its location. It does not need to watch the
// deadline; the parent kills the process when it expires.
type WorkFunc func(ctx context.Context, req Request) (Artifact, error)

var (
	worksMu sync.RWMutex
	works   = map[string]WorkFunc{}
)

// Register makes fn available to workers under name. Registration has to
// happen in both the parent and the worker, so do it from init or before
// calling WorkerMain.
func Register(name string, fn WorkFunc) {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		panic("runner: Register with empty name or nil func")
	}
	worksMu.Lock()
	defer worksMu.Unlock()
	if _, dup := works[name]; dup {
		panic("runner: work registered twice: " + name)
	}
	works[name] = fn
}

// Registered lists registered work names.
func Registered() []string {
	worksMu.RLock()
	defer worksMu.RUnlock()
	out := make([]string, 0, len(works))
	for k := range works {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func lookup(name string) (WorkFunc, bool) {
	worksMu.RLock()
	defer worksMu.RUnlock()
	fn, ok := works[name]
	return fn, ok
}

// IsWorker reports whether this process was started as a worker.
func IsWorker() bool { return os.Getenv(EnvWork) != "" }

// WorkerMain runs the requested work and returns the process exit code.
// main must call it before doing anything else when IsWorker is true.
func WorkerMain() int {
	name := os.Getenv(EnvWork)
	log := logx.NewConsole(os.Getenv(EnvLogLevel), os.Stderr).With(
		logx.String("worker", name),
		logx.String("task", os.Getenv(EnvTaskID)),
	)

	inheritResultFD(resultFD)
	f := os.NewFile(resultFD, "result")
	if f == nil {
		log.Error("result channel missing")
		return 2
	}
	w := resultchan.NewWriter[Artifact](f)

	if err := serve(name, w, log); err != nil {
		log.Error("result write failed", logx.Err(err))
		return 3
	}
	return 0
}

func serve(name string, w *resultchan.Writer[Artifact], log logx.Logger) error {
	fn, ok := lookup(name)
	if !ok {
		return w.Fail(KindUnknownWork, fmt.Sprintf("no work registered as %q", name))
	}

	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		return w.Fail(KindBadInput, fmt.Sprintf("read input: %v", err))
	}
	if len(input) == 0 {
		input = []byte("null")
	}

	dir := os.Getenv(EnvWorkDir)
	if dir == "" {
		dir, _ = os.Getwd()
	}
	var deadline time.Time
	if s := os.Getenv(EnvDeadline); s != "" {
		deadline, _ = time.Parse(time.RFC3339Nano, s)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req := Request{
		TaskID:   os.Getenv(EnvTaskID),
		Input:    input,
		Dir:      dir,
		Deadline: deadline,
		Log:      log,
	}

	art, err := call(ctx, fn, req)
	if err != nil {
		log.Debug("work failed", logx.Err(err))
		return w.Fail(KindOf(err), err.Error())
	}
	if art.Path == "" {
		return w.Fail(KindNoArtifact, "work returned no artifact path")
	}
	path := art.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	st, err := os.Stat(path)
	if err != nil {
		return w.Fail(KindNoArtifact, fmt.Sprintf("artifact not found: %v", err))
	}
	if art.Size == 0 {
		art.Size = st.Size()
	}
	return w.Put(art)
}

func call(ctx context.Context, fn WorkFunc, req Request) (art Artifact, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			req.Log.Error("work panicked", logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
			err = WithKind(KindPanic, fmt.Errorf("%v", rec))
		}
	}()
	art, err = fn(ctx, req)
	if errors.Is(err, context.Canceled) {
		err = WithKind(KindError, errors.New("worker interrupted"))
	}
	return art, err
}
