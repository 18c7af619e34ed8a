// Package plot is the glue between the bot and the external simulation
// renderer: the "render" work that runs inside a worker process, and the
// caption built from the renderer's metadata.
package plot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"plotbot/internal/task/runner"
	logx "plotbot/pkg/logx"
)

// WorkName is the runner registration of Render.
const WorkName = "render"

// KindRender marks a renderer failure. Its message is shown to whoever asked
// for the plot.
const KindRender = "render"

// Artifact file names, in order of preference.
var artifactNames = []string{"plot.gif", "plot.png"}

// Request is the render task input.
type Request struct {
	// Command is the renderer argv. It runs inside the task work directory.
	Command []string `json:"command"`
	Env     []string `json:"env,omitempty"`

	// Choice selects the kind of random plot for scheduled posts.
	Choice string `json:"choice,omitempty"`
	// Text is a mention asking for a specific simulation.
	Text string `json:"text,omitempty"`
	// Author is the mention's screen name.
	Author string `json:"author,omitempty"`
	// Testing asks the renderer for a cheap run.
	Testing bool `json:"testing,omitempty"`
}

// rendererInput is what the renderer reads on stdin.
type rendererInput struct {
	Choice  string `json:"choice,omitempty"`
	Text    string `json:"text,omitempty"`
	Author  string `json:"author,omitempty"`
	Testing bool   `json:"testing"`
	Output  string `json:"output_dir"`
}

func init() {
	runner.Register(WorkName, Render)
}

// Render runs the renderer and reports the plot it left in the work
// directory. The renderer writes a JSON metadata object to stdout; anything
// it prints to stderr is passed through, and its last stderr line becomes the
// error message when it exits non-zero.
func Render(ctx context.Context, req runner.Request) (runner.Artifact, error) {
	var in Request
	if err := req.Decode(&in); err != nil {
		return runner.Artifact{}, err
	}
	if len(in.Command) == 0 || strings.TrimSpace(in.Command[0]) == "" {
		return runner.Artifact{}, runner.WithKind(runner.KindBadInput, errors.New("render command is empty"))
	}
	log := req.Log.With(logx.String("comp", "render"))

	stdin, err := json.Marshal(rendererInput{
		Choice:  in.Choice,
		Text:    in.Text,
		Author:  in.Author,
		Testing: in.Testing,
		Output:  req.Dir,
	})
	if err != nil {
		return runner.Artifact{}, err
	}

	var stdout bytes.Buffer
	tail := &lastLine{}
	cmd := exec.CommandContext(ctx, in.Command[0], in.Command[1:]...)
	cmd.Dir = req.Dir
	cmd.Env = append(os.Environ(), in.Env...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = &stdout
	cmd.Stderr = io.MultiWriter(os.Stderr, tail)

	log.Debug("renderer starting", logx.Any("argv", in.Command), logx.String("choice", in.Choice))
	if err := cmd.Run(); err != nil {
		msg := tail.String()
		if msg == "" {
			msg = err.Error()
		}
		return runner.Artifact{}, runner.WithKind(KindRender, errors.New(msg))
	}

	meta := map[string]any{}
	if out := bytes.TrimSpace(stdout.Bytes()); len(out) > 0 {
		if err := json.Unmarshal(out, &meta); err != nil {
			return runner.Artifact{}, runner.WithKind(KindRender, fmt.Errorf("renderer metadata is not a JSON object: %w", err))
		}
	}
	if in.Choice != "" {
		if _, ok := meta["choice"]; !ok {
			meta["choice"] = in.Choice
		}
	}

	name, err := findArtifact(req.Dir)
	if err != nil {
		return runner.Artifact{}, err
	}
	log.Debug("renderer finished", logx.String("artifact", name))
	return runner.Artifact{Path: name, Meta: meta}, nil
}

func findArtifact(dir string) (string, error) {
	for _, name := range artifactNames {
		st, err := os.Stat(filepath.Join(dir, name))
		if err == nil && !st.IsDir() && st.Size() > 0 {
			return name, nil
		}
	}
	return "", runner.WithKind(runner.KindNoArtifact, fmt.Errorf("renderer produced none of %s", strings.Join(artifactNames, ", ")))
}

// lastLine remembers the last non-empty line written to it.
type lastLine struct {
	mu   sync.Mutex
	buf  []byte
	last string
}

func (l *lastLine) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		if line := strings.TrimSpace(string(l.buf[:i])); line != "" {
			l.last = line
		}
		l.buf = l.buf[i+1:]
	}
	if len(l.buf) > 4096 {
		l.buf = l.buf[len(l.buf)-4096:]
	}
	return len(p), nil
}

func (l *lastLine) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if line := strings.TrimSpace(string(l.buf)); line != "" {
		return line
	}
	return l.last
}
