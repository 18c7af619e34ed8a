// Package resultchan is a single-writer, single-reader handoff of one value
// (or one error) from a worker process back to the process that spawned it.
//
// The channel is an OS pipe. The writer end is inherited by the worker as an
// extra file descriptor; the worker writes exactly one JSON frame and closes
// it. The reader collects the frame in the background as soon as it arrives,
// so a value written moments before the worker is killed is not lost.
package resultchan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// MaxFrameSize bounds a single frame. Large results belong in files; the
// frame only carries their location.
const MaxFrameSize = 1 << 20

var (
	// ErrAlreadyWritten is returned by a second Put/Fail on the same Writer.
	ErrAlreadyWritten = errors.New("resultchan: value already written")
	// ErrNoValue means the writer side closed without writing a frame.
	ErrNoValue = errors.New("resultchan: closed without a value")
)

// ErrorInfo is an error carried across the process boundary as data.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type frame[T any] struct {
	Value *T         `json:"value,omitempty"`
	Error *ErrorInfo `json:"error,omitempty"`
}

// Result is what the reader observed: exactly one of Value or Error is set.
type Result[T any] struct {
	Value T
	Error *ErrorInfo
}

// Pipe creates a connected reader/writer pair. The reader starts collecting
// immediately. Callers hand w.File() to the child and then Close their copy
// of the writer.
func Pipe[T any]() (*Reader[T], *Writer[T], error) {
	rf, wf, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("resultchan: pipe: %w", err)
	}
	return NewReader[T](rf), NewWriter[T](wf), nil
}

// ---- writer ----

// Writer is the worker side. It is safe for concurrent use, but only the
// first Put or Fail succeeds.
type Writer[T any] struct {
	mu      sync.Mutex
	f       *os.File
	written bool
}

func NewWriter[T any](f *os.File) *Writer[T] { return &Writer[T]{f: f} }

// File exposes the underlying descriptor so it can be passed to a child.
func (w *Writer[T]) File() *os.File { return w.f }

// Put writes the value and closes the channel.
func (w *Writer[T]) Put(v T) error {
	return w.write(frame[T]{Value: &v})
}

// Fail writes an error frame and closes the channel.
func (w *Writer[T]) Fail(kind, message string) error {
	if kind == "" {
		kind = "error"
	}
	return w.write(frame[T]{Error: &ErrorInfo{Kind: kind, Message: message}})
}

func (w *Writer[T]) write(fr frame[T]) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.written {
		return ErrAlreadyWritten
	}
	w.written = true
	if w.f == nil {
		return fmt.Errorf("resultchan: write on closed channel")
	}

	b, err := json.Marshal(fr)
	if err != nil {
		_ = w.closeLocked()
		return fmt.Errorf("resultchan: encode: %w", err)
	}
	if len(b) > MaxFrameSize {
		_ = w.closeLocked()
		return fmt.Errorf("resultchan: frame too large (%d bytes)", len(b))
	}
	if _, err := w.f.Write(b); err != nil {
		_ = w.closeLocked()
		return fmt.Errorf("resultchan: write: %w", err)
	}
	return w.closeLocked()
}

// Close releases the descriptor without writing. The parent calls this on its
// own copy right after starting the child.
func (w *Writer[T]) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *Writer[T]) closeLocked() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// ---- reader ----

// Reader is the caller side.
type Reader[T any] struct {
	f    *os.File
	done chan struct{}
	res  Result[T]
	err  error
}

// NewReader starts collecting from f in the background.
func NewReader[T any](f *os.File) *Reader[T] {
	r := &Reader[T]{f: f, done: make(chan struct{})}
	go r.collect()
	return r
}

func (r *Reader[T]) collect() {
	defer close(r.done)
	defer r.f.Close()

	b, err := io.ReadAll(io.LimitReader(r.f, MaxFrameSize+1))
	if err != nil {
		r.err = fmt.Errorf("resultchan: read: %w", err)
		return
	}
	if len(b) == 0 {
		r.err = ErrNoValue
		return
	}
	if len(b) > MaxFrameSize {
		r.err = fmt.Errorf("resultchan: frame exceeds %d bytes", MaxFrameSize)
		return
	}
	var fr frame[T]
	if err := json.Unmarshal(b, &fr); err != nil {
		r.err = fmt.Errorf("resultchan: decode: %w", err)
		return
	}
	switch {
	case fr.Error != nil:
		r.res.Error = fr.Error
	case fr.Value != nil:
		r.res.Value = *fr.Value
	default:
		r.err = ErrNoValue
	}
}

// Get blocks until the frame has been collected, the writer closed empty, or
// ctx ends.
func (r *Reader[T]) Get(ctx context.Context) (Result[T], error) {
	select {
	case <-r.done:
		return r.res, r.err
	case <-ctx.Done():
		return Result[T]{}, ctx.Err()
	}
}

// TryGet returns the collected frame if it is already complete.
func (r *Reader[T]) TryGet() (Result[T], bool, error) {
	select {
	case <-r.done:
		return r.res, true, r.err
	default:
		return Result[T]{}, false, nil
	}
}

// Abort unblocks a pending read. Used when the writer may be held open by a
// process that can no longer be waited on.
func (r *Reader[T]) Abort() {
	_ = r.f.Close()
}
