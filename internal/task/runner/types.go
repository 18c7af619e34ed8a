package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Environment handed to worker processes.
const (
	EnvWork     = "PLOTBOT_WORKER"
	EnvWorkDir  = "PLOTBOT_WORKDIR"
	EnvTaskID   = "PLOTBOT_TASK_ID"
	EnvDeadline = "PLOTBOT_DEADLINE"
	EnvLogLevel = "PLOTBOT_LOG_LEVEL"
)

// resultFD is the descriptor number of the result channel in the worker:
// the first entry of exec.Cmd.ExtraFiles.
const resultFD = 3

// Worker error kinds produced by the harness itself.
const (
	KindError       = "error"
	KindPanic       = "panic"
	KindUnknownWork = "unknown_work"
	KindBadInput    = "bad_input"
	KindNoArtifact  = "no_artifact"
	KindNoResult    = "no_result"
	KindExit        = "exit"
	KindSpawn       = "spawn"
	KindChannel     = "channel"
)

var (
	// ErrDeadlineExceeded is the error of a timed_out outcome.
	ErrDeadlineExceeded = errors.New("task deadline exceeded; worker killed")
	// ErrTaskStarted is returned when a Task is run more than once.
	ErrTaskStarted = errors.New("task already started")
)

// State is the execution state of a Task.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateTimedOut  State = "timed_out"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateTimedOut || s == StateFailed
}

// Artifact is what a worker produced. Large data stays on disk; only its
// location and metadata cross the process boundary.
type Artifact struct {
	Path string         `json:"path"`
	Size int64          `json:"size"`
	Meta map[string]any `json:"meta,omitempty"`

	// Dir is the task work directory that holds the artifact. Set by the
	// runner; removing it discards the artifact.
	Dir string `json:"-"`
}

// Remove deletes the artifact's work directory.
func (a Artifact) Remove() error {
	if strings.TrimSpace(a.Dir) == "" {
		return nil
	}
	return os.RemoveAll(a.Dir)
}

// WorkerError is an error reported by a worker, re-raised in the caller.
type WorkerError struct {
	Kind    string
	Message string
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %s: %s", e.Kind, e.Message)
}

type kindError struct {
	kind string
	err  error
}

func (e kindError) Error() string { return e.err.Error() }
func (e kindError) Unwrap() error { return e.err }
func (e kindError) Kind() string  { return e.kind }

// WithKind tags err with a kind that survives the process boundary.
func WithKind(kind string, err error) error {
	if err == nil {
		return nil
	}
	return kindError{kind: kind, err: err}
}

// KindOf returns the kind carried by err, or KindError.
func KindOf(err error) string {
	var k interface{ Kind() string }
	if errors.As(err, &k) && k.Kind() != "" {
		return k.Kind()
	}
	var we *WorkerError
	if errors.As(err, &we) && we.Kind != "" {
		return we.Kind
	}
	return KindError
}

// Outcome is the result of running one Task.
type Outcome struct {
	TaskID   string
	Work     string
	State    State
	Artifact Artifact
	// Err is nil for completed, ErrDeadlineExceeded for timed_out, and a
	// *WorkerError or context error for failed.
	Err      error
	Duration time.Duration
}

// TimedOut reports whether the worker was killed at its deadline. Any
// partial artifact has already been discarded.
func (o Outcome) TimedOut() bool { return o.State == StateTimedOut }

// Task is one execution of a registered work function. It is owned by the
// caller and runs at most once; retrying means building a fresh Task.
type Task struct {
	ID      string
	Work    string
	Input   json.RawMessage
	Timeout time.Duration

	mu       sync.Mutex
	state    State
	deadline time.Time
	outcome  *Outcome
}

// NewTask encodes input as JSON and returns a pending task.
func NewTask(work string, input any, timeout time.Duration) (*Task, error) {
	if strings.TrimSpace(work) == "" {
		return nil, errors.New("task work name is required")
	}
	if timeout < 0 {
		return nil, fmt.Errorf("task timeout must be >= 0, got %s", timeout)
	}
	var raw json.RawMessage
	switch v := input.(type) {
	case nil:
		raw = json.RawMessage("null")
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode task input: %w", err)
		}
		raw = b
	}
	return &Task{
		ID:      uuid.NewString(),
		Work:    work,
		Input:   raw,
		Timeout: timeout,
		state:   StatePending,
	}, nil
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == "" {
		return StatePending
	}
	return t.state
}

// Deadline is the absolute completion bound, set when the task starts.
func (t *Task) Deadline() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline
}

// Outcome returns the final outcome once the task reached a terminal state.
func (t *Task) Outcome() (Outcome, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.outcome == nil {
		return Outcome{}, false
	}
	return *t.outcome, true
}

func (t *Task) begin(deadline time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != "" && t.state != StatePending {
		return false
	}
	t.state = StateRunning
	t.deadline = deadline
	return true
}

func (t *Task) finish(o Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = o.State
	t.outcome = &o
}
