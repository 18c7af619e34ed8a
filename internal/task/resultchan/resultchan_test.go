package resultchan

import (
	"context"
	"errors"
	"testing"
	"time"
)

type artifact struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

func newPipe(t *testing.T) (*Reader[artifact], *Writer[artifact]) {
	t.Helper()
	r, w, err := Pipe[artifact]()
	if err != nil {
		t.Fatalf("Pipe error: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return r, w
}

func getWithin(t *testing.T, r *Reader[artifact], d time.Duration) (Result[artifact], error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return r.Get(ctx)
}

func TestPutThenGet(t *testing.T) {
	t.Parallel()
	r, w := newPipe(t)

	want := artifact{Path: "/tmp/plot.gif", Size: 42}
	if err := w.Put(want); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	res, err := getWithin(t, r, 2*time.Second)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if res.Error != nil {
		t.Fatalf("unexpected error frame: %+v", res.Error)
	}
	if res.Value != want {
		t.Fatalf("Value = %+v, want %+v", res.Value, want)
	}
}

func TestSecondWriteFails(t *testing.T) {
	t.Parallel()
	r, w := newPipe(t)

	if err := w.Put(artifact{Path: "a"}); err != nil {
		t.Fatalf("first Put error: %v", err)
	}
	if err := w.Put(artifact{Path: "b"}); !errors.Is(err, ErrAlreadyWritten) {
		t.Fatalf("second Put err = %v, want ErrAlreadyWritten", err)
	}
	if err := w.Fail("render", "boom"); !errors.Is(err, ErrAlreadyWritten) {
		t.Fatalf("Fail after Put err = %v, want ErrAlreadyWritten", err)
	}
	res, err := getWithin(t, r, 2*time.Second)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if res.Value.Path != "a" {
		t.Fatalf("first value was overwritten: %+v", res.Value)
	}
}

func TestFailCarriesKindAndMessage(t *testing.T) {
	t.Parallel()
	r, w := newPipe(t)

	if err := w.Fail("render", "please provide at least 1 model"); err != nil {
		t.Fatalf("Fail error: %v", err)
	}
	res, err := getWithin(t, r, 2*time.Second)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if res.Error == nil || res.Error.Kind != "render" || res.Error.Message != "please provide at least 1 model" {
		t.Fatalf("unexpected error frame: %+v", res.Error)
	}
}

func TestCloseWithoutValue(t *testing.T) {
	t.Parallel()
	r, w := newPipe(t)

	if err := w.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if _, err := getWithin(t, r, 2*time.Second); !errors.Is(err, ErrNoValue) {
		t.Fatalf("Get err = %v, want ErrNoValue", err)
	}
}

func TestTryGetBeforeWrite(t *testing.T) {
	t.Parallel()
	r, w := newPipe(t)

	if _, ok, _ := r.TryGet(); ok {
		t.Fatal("TryGet reported a value before any write")
	}
	if err := w.Put(artifact{Path: "x"}); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	if _, err := getWithin(t, r, 2*time.Second); err != nil {
		t.Fatalf("Get error: %v", err)
	}
	res, ok, err := r.TryGet()
	if !ok || err != nil || res.Value.Path != "x" {
		t.Fatalf("TryGet after write = (%+v, %v, %v)", res, ok, err)
	}
}

func TestGetHonoursContext(t *testing.T) {
	t.Parallel()
	r, _ := newPipe(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := r.Get(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Get err = %v, want DeadlineExceeded", err)
	}
}
