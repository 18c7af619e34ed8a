package social

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"plotbot/internal/retry"
	logx "plotbot/pkg/logx"
)

// fakePlatform is an in-memory upload + REST endpoint.
type fakePlatform struct {
	t *testing.T

	mu        sync.Mutex
	commands  []string
	segments  []int
	chunkLens []int
	received  int
	authed    int

	// finalizeInfo is returned by FINALIZE (nil means no processing_info).
	finalizeInfo *ProcessingInfo
	// statusInfos is consumed by successive STATUS calls; the last one repeats.
	statusInfos []ProcessingInfo
	// failures maps a command to the statuses to answer before succeeding.
	failures map[string][]int

	posted   []map[string]string
	mentions []Tweet
	search   []Tweet
	queries  []string
}

func newFakePlatform(t *testing.T) (*fakePlatform, *httptest.Server) {
	t.Helper()
	fp := &fakePlatform{t: t, failures: map[string][]int{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/upload", fp.handleUpload)
	mux.HandleFunc("/1.1/statuses/update.json", fp.handleUpdate)
	mux.HandleFunc("/1.1/statuses/mentions_timeline.json", fp.handleMentions)
	mux.HandleFunc("/1.1/search/tweets.json", fp.handleSearch)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return fp, srv
}

func (fp *fakePlatform) failNext(command string) (int, bool) {
	q := fp.failures[command]
	if len(q) == 0 {
		return 0, false
	}
	fp.failures[command] = q[1:]
	return q[0], true
}

func (fp *fakePlatform) handleUpload(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.Header.Get("Authorization"), "OAuth ") {
		fp.mu.Lock()
		fp.authed++
		fp.mu.Unlock()
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	cmd := r.FormValue("command")

	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.commands = append(fp.commands, cmd)
	if status, ok := fp.failNext(cmd); ok {
		http.Error(w, `{"errors":[{"message":"try later"}]}`, status)
		return
	}

	switch cmd {
	case "INIT":
		if r.FormValue("media_category") == "" || r.FormValue("total_bytes") == "" {
			http.Error(w, "missing fields", http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{"media_id": int64(710511363345354753), "media_id_string": "710511363345354753"})
	case "APPEND":
		if r.Method != http.MethodPost || r.FormValue("media_id") != "710511363345354753" {
			http.Error(w, "bad append", http.StatusBadRequest)
			return
		}
		seg, _ := strconv.Atoi(r.FormValue("segment_index"))
		f, _, err := r.FormFile("media")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n, _ := io.Copy(io.Discard, f)
		f.Close()
		fp.segments = append(fp.segments, seg)
		fp.chunkLens = append(fp.chunkLens, int(n))
		fp.received += int(n)
		w.WriteHeader(http.StatusNoContent)
	case "FINALIZE":
		resp := map[string]any{"media_id_string": "710511363345354753", "size": fp.received}
		if fp.finalizeInfo != nil {
			resp["processing_info"] = fp.finalizeInfo
		}
		writeJSON(w, resp)
	case "STATUS":
		if r.Method != http.MethodGet {
			http.Error(w, "STATUS must be GET", http.StatusMethodNotAllowed)
			return
		}
		info := ProcessingInfo{State: ProcessingSucceeded}
		if len(fp.statusInfos) > 0 {
			info = fp.statusInfos[0]
			if len(fp.statusInfos) > 1 {
				fp.statusInfos = fp.statusInfos[1:]
			}
		}
		writeJSON(w, map[string]any{"media_id_string": "710511363345354753", "processing_info": info})
	default:
		http.Error(w, "unknown command "+cmd, http.StatusBadRequest)
	}
}

func (fp *fakePlatform) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if status, ok := fp.failNext("update"); ok {
		http.Error(w, "nope", status)
		return
	}
	got := map[string]string{}
	for k := range r.PostForm {
		got[k] = r.PostForm.Get(k)
	}
	fp.posted = append(fp.posted, got)
	writeJSON(w, Tweet{ID: strconv.Itoa(1000 + len(fp.posted)), Text: got["status"], InReplyToStatusID: got["in_reply_to_status_id"]})
}

func (fp *fakePlatform) handleMentions(w http.ResponseWriter, r *http.Request) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.queries = append(fp.queries, r.URL.RawQuery)
	since, _ := strconv.ParseInt(r.URL.Query().Get("since_id"), 10, 64)
	out := []Tweet{}
	for _, m := range fp.mentions {
		id, _ := strconv.ParseInt(m.ID, 10, 64)
		if id > since {
			out = append(out, m)
		}
	}
	writeJSON(w, out)
}

func (fp *fakePlatform) handleSearch(w http.ResponseWriter, r *http.Request) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.queries = append(fp.queries, r.URL.RawQuery)
	writeJSON(w, map[string]any{"statuses": fp.search})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// sleepRecorder replaces real waits in tests.
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return nil
}

func (s *sleepRecorder) Waits() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

func newTestClient(t *testing.T, srv *httptest.Server, chunk int64) (*Client, *sleepRecorder, *sleepRecorder) {
	t.Helper()
	pollSleep := &sleepRecorder{}
	retrySleep := &sleepRecorder{}
	c, err := NewClient(Config{
		UploadURL: srv.URL + "/upload",
		APIBase:   srv.URL + "/1.1",
		ChunkSize: chunk,
		Credentials: Credentials{
			ConsumerKey: "ck", ConsumerSecret: "cs", AccessToken: "at", AccessSecret: "as",
		},
		HTTPClient: srv.Client(),
		Sleep:      pollSleep.Sleep,
	}, retry.Policy{Delay: retry.DefaultDelay, Sleep: retrySleep.Sleep}, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c, pollSleep, retrySleep
}
