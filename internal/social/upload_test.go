package social

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"plotbot/internal/retry"
	logx "plotbot/pkg/logx"
)

func writeSizedFile(t *testing.T, name string, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return path
}

func TestMediaFor(t *testing.T) {
	t.Parallel()
	cases := []struct {
		path    string
		want    Media
		wantErr bool
	}{
		{path: "plot.gif", want: Media{Type: "image/gif", Category: "tweet_gif"}},
		{path: "plot.PNG", want: Media{Type: "image/png", Category: "tweet_image"}},
		{path: "a/b/plot.jpeg", want: Media{Type: "image/jpeg", Category: "tweet_image"}},
		{path: "clip.mp4", want: Media{Type: "video/mp4", Category: "tweet_video"}},
		{path: "plot.svg", wantErr: true},
		{path: "plot", wantErr: true},
	}
	for _, tc := range cases {
		got, err := MediaFor(tc.path)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tc.path)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%s: got %+v %v, want %+v", tc.path, got, err, tc.want)
		}
	}
}

func TestUploadTenMebibytes(t *testing.T) {
	t.Parallel()
	fp, srv := newFakePlatform(t)
	c, pollSleep, _ := newTestClient(t, srv, 0)
	path := writeSizedFile(t, "plot.gif", 10_485_760)

	s, err := c.NewUploadSession(path)
	if err != nil {
		t.Fatalf("NewUploadSession: %v", err)
	}
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if s.MediaID() != "710511363345354753" {
		t.Fatalf("media id = %q", s.MediaID())
	}

	var sent []int64
	for {
		done, err := s.AppendChunk(ctx)
		if err != nil {
			t.Fatalf("AppendChunk: %v", err)
		}
		sent = append(sent, s.BytesSent())
		if done {
			break
		}
	}
	if want := []int64{4194304, 8388608, 10485760}; !reflect.DeepEqual(sent, want) {
		t.Fatalf("bytesSent sequence = %v, want %v", sent, want)
	}

	info, err := s.Finalize(ctx)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if info.State != ProcessingSucceeded {
		t.Fatalf("state after FINALIZE without processing_info = %q", info.State)
	}
	if _, err := s.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()
	if want := []int{0, 1, 2}; !reflect.DeepEqual(fp.segments, want) {
		t.Fatalf("segments = %v, want %v", fp.segments, want)
	}
	if want := []int{4194304, 4194304, 2097152}; !reflect.DeepEqual(fp.chunkLens, want) {
		t.Fatalf("chunk sizes = %v, want %v", fp.chunkLens, want)
	}
	if want := []string{"INIT", "APPEND", "APPEND", "APPEND", "FINALIZE"}; !reflect.DeepEqual(fp.commands, want) {
		t.Fatalf("commands = %v, want %v", fp.commands, want)
	}
	if s.StatusCalls() != 0 || len(pollSleep.Waits()) != 0 {
		t.Fatalf("status calls = %d, waits = %v; want none", s.StatusCalls(), pollSleep.Waits())
	}
	if fp.authed != len(fp.commands) {
		t.Fatalf("%d of %d requests were OAuth signed", fp.authed, len(fp.commands))
	}
}

func TestAppendCallCountMatchesChunking(t *testing.T) {
	t.Parallel()
	const chunk = 7
	for size := int64(0); size <= 30; size++ {
		fp, srv := newFakePlatform(t)
		c, _, _ := newTestClient(t, srv, chunk)
		path := writeSizedFile(t, "plot.png", size)

		s, err := c.NewUploadSession(path)
		if err != nil {
			t.Fatalf("size %d: %v", size, err)
		}
		ctx := context.Background()
		if err := s.Init(ctx); err != nil {
			t.Fatalf("size %d: Init: %v", size, err)
		}
		if err := s.Append(ctx); err != nil {
			t.Fatalf("size %d: Append: %v", size, err)
		}
		want := int((size + chunk - 1) / chunk)
		fp.mu.Lock()
		segs := append([]int(nil), fp.segments...)
		received := fp.received
		fp.mu.Unlock()
		if len(segs) != want {
			t.Fatalf("size %d: %d APPEND calls, want %d", size, len(segs), want)
		}
		for i, seg := range segs {
			if seg != i {
				t.Fatalf("size %d: segment %d has index %d", size, i, seg)
			}
		}
		if s.BytesSent() != size || int64(received) != size {
			t.Fatalf("size %d: bytesSent=%d received=%d", size, s.BytesSent(), received)
		}
		if _, err := s.Finalize(ctx); err != nil {
			t.Fatalf("size %d: Finalize: %v", size, err)
		}
	}
}

func TestFinalizeRequiresAllBytes(t *testing.T) {
	t.Parallel()
	fp, srv := newFakePlatform(t)
	c, _, _ := newTestClient(t, srv, 4)
	path := writeSizedFile(t, "plot.gif", 10)

	s, err := c.NewUploadSession(path)
	if err != nil {
		t.Fatalf("NewUploadSession: %v", err)
	}
	ctx := context.Background()

	var inv *InvariantError
	if _, err := s.Finalize(ctx); !errors.As(err, &inv) {
		t.Fatalf("Finalize before Init: %v", err)
	}
	if _, err := s.AppendChunk(ctx); !errors.As(err, &inv) {
		t.Fatalf("Append before Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.Init(ctx); !errors.As(err, &inv) {
		t.Fatalf("second Init: %v", err)
	}

	// Interleave partial appends with premature FINALIZE attempts.
	for !s.Complete() {
		if _, err := s.Finalize(ctx); !errors.As(err, &inv) {
			t.Fatalf("Finalize at %d/%d bytes: %v", s.BytesSent(), s.TotalBytes(), err)
		}
		if _, err := s.AppendChunk(ctx); err != nil {
			t.Fatalf("AppendChunk: %v", err)
		}
	}
	if _, err := s.Status(ctx); !errors.As(err, &inv) {
		t.Fatalf("Status before Finalize: %v", err)
	}

	fp.mu.Lock()
	for _, cmd := range fp.commands {
		if cmd == "FINALIZE" {
			t.Fatalf("FINALIZE reached the platform early: %v", fp.commands)
		}
	}
	fp.mu.Unlock()

	if _, err := s.Finalize(ctx); err != nil {
		t.Fatalf("Finalize after all bytes: %v", err)
	}
	if _, err := s.AppendChunk(ctx); !errors.As(err, &inv) {
		t.Fatalf("Append after Finalize: %v", err)
	}
}

func TestPollWaitsForHint(t *testing.T) {
	t.Parallel()
	fp, srv := newFakePlatform(t)
	fp.finalizeInfo = &ProcessingInfo{State: ProcessingInProgress, CheckAfterSecs: 5}
	fp.statusInfos = []ProcessingInfo{{State: ProcessingSucceeded, ProgressPercent: 100}}
	c, pollSleep, _ := newTestClient(t, srv, 0)
	path := writeSizedFile(t, "plot.gif", 1024)

	s, err := c.NewUploadSession(path)
	if err != nil {
		t.Fatalf("NewUploadSession: %v", err)
	}
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.Append(ctx); err != nil {
		t.Fatalf("Append: %v", err)
	}
	info, err := s.Finalize(ctx)
	if err != nil || info.State != ProcessingInProgress {
		t.Fatalf("Finalize = %+v %v", info, err)
	}
	info, err = s.Poll(ctx)
	if err != nil || info.State != ProcessingSucceeded {
		t.Fatalf("Poll = %+v %v", info, err)
	}
	if got := pollSleep.Waits(); !reflect.DeepEqual(got, []time.Duration{5 * time.Second}) {
		t.Fatalf("waits = %v, want [5s]", got)
	}
	if s.StatusCalls() != 1 {
		t.Fatalf("status calls = %d, want 1", s.StatusCalls())
	}

	// Terminal state is sticky and costs no further calls.
	for range 3 {
		again, err := s.Status(ctx)
		if err != nil || again != info {
			t.Fatalf("Status after success = %+v %v, want %+v", again, err, info)
		}
	}
	fp.mu.Lock()
	n := 0
	for _, cmd := range fp.commands {
		if cmd == "STATUS" {
			n++
		}
	}
	fp.mu.Unlock()
	if n != 1 {
		t.Fatalf("platform saw %d STATUS calls, want 1", n)
	}
}

func TestPollRereadsHintEachTime(t *testing.T) {
	t.Parallel()
	fp, srv := newFakePlatform(t)
	fp.finalizeInfo = &ProcessingInfo{State: ProcessingPending, CheckAfterSecs: 1}
	fp.statusInfos = []ProcessingInfo{
		{State: ProcessingInProgress, CheckAfterSecs: 3},
		{State: ProcessingInProgress},
		{State: ProcessingSucceeded},
	}
	c, pollSleep, _ := newTestClient(t, srv, 0)

	id, err := c.Upload(context.Background(), writeSizedFile(t, "plot.png", 64))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if id != "710511363345354753" {
		t.Fatalf("media id = %q", id)
	}
	want := []time.Duration{time.Second, 3 * time.Second, defaultCheckAfter}
	if got := pollSleep.Waits(); !reflect.DeepEqual(got, want) {
		t.Fatalf("waits = %v, want %v", got, want)
	}
}

func TestProcessingFailureIsTerminal(t *testing.T) {
	t.Parallel()
	fp, srv := newFakePlatform(t)
	fp.finalizeInfo = &ProcessingInfo{State: ProcessingPending, CheckAfterSecs: 1}
	fp.statusInfos = []ProcessingInfo{{
		State: ProcessingFailed,
		Error: &ProcessingCause{Code: 1, Name: "InvalidMedia", Message: "Unsupported video format"},
	}}
	c, _, retrySleep := newTestClient(t, srv, 0)

	_, err := c.Upload(context.Background(), writeSizedFile(t, "plot.gif", 64))
	var pe *ProcessingError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ProcessingError", err)
	}
	if pe.Cause == nil || pe.Cause.Name != "InvalidMedia" {
		t.Fatalf("cause = %+v", pe.Cause)
	}
	if len(retrySleep.Waits()) != 0 {
		t.Fatalf("processing failure was retried: %v", retrySleep.Waits())
	}
}

func TestUnknownProcessingStateIsNotSuccess(t *testing.T) {
	t.Parallel()
	fp, srv := newFakePlatform(t)
	fp.finalizeInfo = &ProcessingInfo{State: ProcessingPending, CheckAfterSecs: 1}
	fp.statusInfos = []ProcessingInfo{{State: "error"}}
	c, _, _ := newTestClient(t, srv, 0)

	id, err := c.Upload(context.Background(), writeSizedFile(t, "plot.gif", 64))
	var pe *ProcessingError
	if !errors.As(err, &pe) {
		t.Fatalf("id = %q err = %v, want *ProcessingError", id, err)
	}
	if pe.Cause == nil || pe.Cause.Name != "UnknownState" {
		t.Fatalf("cause = %+v", pe.Cause)
	}
}

func TestTransientFailuresAreRetried(t *testing.T) {
	t.Parallel()
	fp, srv := newFakePlatform(t)
	fp.failures["INIT"] = []int{503}
	fp.failures["APPEND"] = []int{500, 429}
	fp.failures["FINALIZE"] = []int{502}
	c, _, retrySleep := newTestClient(t, srv, 8)

	if _, err := c.Upload(context.Background(), writeSizedFile(t, "plot.gif", 20)); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if got := len(retrySleep.Waits()); got != 4 {
		t.Fatalf("retry sleeps = %d, want 4", got)
	}
	for _, d := range retrySleep.Waits() {
		if d != retry.DefaultDelay {
			t.Fatalf("retry delay = %s", d)
		}
	}
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if want := []int{0, 1, 2}; !reflect.DeepEqual(fp.segments, want) {
		t.Fatalf("segments = %v, want %v", fp.segments, want)
	}
	if fp.received != 20 {
		t.Fatalf("received %d bytes, want 20", fp.received)
	}
}

func TestNewClientRejectsIncompleteCredentials(t *testing.T) {
	t.Parallel()
	if _, err := NewClient(Config{Credentials: Credentials{ConsumerKey: "only"}}, retry.Policy{}, logx.Nop(), nil); err == nil {
		t.Fatal("expected error")
	}
}
