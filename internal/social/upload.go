package social

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"plotbot/internal/eventbus"
	logx "plotbot/pkg/logx"
)

// ProcessingState is the platform's readiness report for uploaded media.
type ProcessingState string

const (
	ProcessingAbsent     ProcessingState = ""
	ProcessingPending    ProcessingState = "pending"
	ProcessingInProgress ProcessingState = "in_progress"
	ProcessingSucceeded  ProcessingState = "succeeded"
	ProcessingFailed     ProcessingState = "failed"
)

// Waiting reports whether the media still needs STATUS polling.
func (s ProcessingState) Waiting() bool {
	return s == ProcessingPending || s == ProcessingInProgress
}

// defaultCheckAfter is used when a waiting state arrives without a hint.
const defaultCheckAfter = 5 * time.Second

type ProcessingInfo struct {
	State           ProcessingState  `json:"state"`
	CheckAfterSecs  int              `json:"check_after_secs,omitempty"`
	ProgressPercent int              `json:"progress_percent,omitempty"`
	Error           *ProcessingCause `json:"error,omitempty"`
}

type ProcessingCause struct {
	Code    int    `json:"code"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

type uploadResponse struct {
	MediaID        json.Number     `json:"media_id"`
	MediaIDString  string          `json:"media_id_string"`
	ProcessingInfo *ProcessingInfo `json:"processing_info"`
}

func (r uploadResponse) id() string {
	if r.MediaIDString != "" {
		return r.MediaIDString
	}
	return r.MediaID.String()
}

// Media is the declared type and category of an upload.
type Media struct {
	Type     string
	Category string
}

// MediaFor picks the media type and category from the file extension.
func MediaFor(path string) (Media, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gif":
		return Media{Type: "image/gif", Category: "tweet_gif"}, nil
	case ".png":
		return Media{Type: "image/png", Category: "tweet_image"}, nil
	case ".jpg", ".jpeg":
		return Media{Type: "image/jpeg", Category: "tweet_image"}, nil
	case ".mp4":
		return Media{Type: "video/mp4", Category: "tweet_video"}, nil
	default:
		return Media{}, fmt.Errorf("unsupported media file %q", filepath.Base(path))
	}
}

// InvariantError is a protocol call made out of order. It is a programming
// error and is never retried.
type InvariantError struct {
	Op     string
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("upload %s: invariant violated: %s", e.Op, e.Reason)
}

// ProcessingError is a terminal failed processing state reported by the
// platform.
type ProcessingError struct {
	MediaID string
	Cause   *ProcessingCause
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil && e.Cause.Message != "" {
		return fmt.Sprintf("media %s processing failed: %s (%s)", e.MediaID, e.Cause.Message, e.Cause.Name)
	}
	return fmt.Sprintf("media %s processing failed", e.MediaID)
}

type phase int

const (
	phaseUninitialized phase = iota
	phaseInitialized
	phaseAppending
	phaseFinalized
)

// UploadSession uploads one file through INIT, APPEND*, FINALIZE and STATUS*.
// A session is single-use and not safe for concurrent use.
type UploadSession struct {
	c     *Client
	path  string
	media Media
	total int64
	chunk int64
	log   logx.Logger

	phase      phase
	mediaID    string
	bytesSent  int64
	segment    int
	processing ProcessingInfo
	statusHits int
}

// NewUploadSession prepares an upload of the file at path. The size is fixed
// now; the file must not change until the session is done.
func (c *Client) NewUploadSession(path string) (*UploadSession, error) {
	media, err := MediaFor(path)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat upload file: %w", err)
	}
	if st.IsDir() {
		return nil, fmt.Errorf("upload file %q is a directory", path)
	}
	return &UploadSession{
		c:     c,
		path:  path,
		media: media,
		total: st.Size(),
		chunk: c.cfg.ChunkSize,
		log:   c.log.With(logx.String("comp", "upload"), logx.String("file", filepath.Base(path))),
	}, nil
}

func (s *UploadSession) MediaID() string            { return s.mediaID }
func (s *UploadSession) Media() Media               { return s.media }
func (s *UploadSession) TotalBytes() int64          { return s.total }
func (s *UploadSession) BytesSent() int64           { return s.bytesSent }
func (s *UploadSession) SegmentIndex() int          { return s.segment }
func (s *UploadSession) Processing() ProcessingInfo { return s.processing }
func (s *UploadSession) StatusCalls() int           { return s.statusHits }

// Complete reports whether every byte has been appended.
func (s *UploadSession) Complete() bool { return s.bytesSent == s.total }

func (s *UploadSession) invariant(op, reason string) error {
	return &InvariantError{Op: op, Reason: reason}
}

// Init declares the upload and obtains the media id.
func (s *UploadSession) Init(ctx context.Context) error {
	if s.phase != phaseUninitialized {
		return s.invariant("INIT", "session already initialized")
	}
	form := url.Values{
		"command":        {"INIT"},
		"media_type":     {s.media.Type},
		"total_bytes":    {strconv.FormatInt(s.total, 10)},
		"media_category": {s.media.Category},
	}
	res, err := s.c.postForm(ctx, "upload INIT", s.c.cfg.UploadURL, form)
	if err != nil {
		return err
	}
	var out uploadResponse
	if err := decode("upload INIT", res, &out); err != nil {
		return err
	}
	id := out.id()
	if id == "" {
		return fmt.Errorf("upload INIT: response carries no media id")
	}
	s.mediaID = id
	s.phase = phaseInitialized
	s.log.Debug("upload initialized", logx.String("media_id", id), logx.Int64("total_bytes", s.total))
	return nil
}

// AppendChunk sends the next segment. It reports whether every byte has now
// been sent.
func (s *UploadSession) AppendChunk(ctx context.Context) (bool, error) {
	if s.phase != phaseInitialized && s.phase != phaseAppending {
		return false, s.invariant("APPEND", "session not initialized or already finalized")
	}
	if s.bytesSent >= s.total {
		return true, nil
	}

	f, err := os.Open(s.path)
	if err != nil {
		return false, fmt.Errorf("open upload file: %w", err)
	}
	defer f.Close()
	if _, err := f.Seek(s.bytesSent, io.SeekStart); err != nil {
		return false, fmt.Errorf("seek upload file: %w", err)
	}
	buf := make([]byte, min(s.chunk, s.total-s.bytesSent))
	if _, err := io.ReadFull(f, buf); err != nil {
		return false, fmt.Errorf("read upload chunk %d: %w", s.segment, err)
	}
	offset, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return false, fmt.Errorf("upload file offset: %w", err)
	}

	segment := strconv.Itoa(s.segment)
	_, err = s.c.do(ctx, "upload APPEND", func(ctx context.Context) (*http.Request, error) {
		body, contentType, err := appendBody(s.mediaID, segment, buf)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.c.cfg.UploadURL, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		return req, nil
	})
	if err != nil {
		return false, err
	}

	s.phase = phaseAppending
	s.segment++
	s.bytesSent = offset
	s.log.Debug("upload chunk sent", logx.Int("segment", s.segment-1), logx.Int64("bytes_sent", s.bytesSent))
	return s.bytesSent == s.total, nil
}

func appendBody(mediaID, segment string, chunk []byte) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, kv := range [][2]string{{"command", "APPEND"}, {"media_id", mediaID}, {"segment_index", segment}} {
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return nil, "", err
		}
	}
	part, err := mw.CreateFormFile("media", "chunk")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(chunk); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &body, mw.FormDataContentType(), nil
}

// Append sends every remaining segment in order.
func (s *UploadSession) Append(ctx context.Context) error {
	if s.total == 0 && (s.phase == phaseInitialized || s.phase == phaseAppending) {
		s.phase = phaseAppending
		return nil
	}
	for {
		done, err := s.AppendChunk(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// Finalize closes the upload. It refuses to run unless every byte was sent.
func (s *UploadSession) Finalize(ctx context.Context) (ProcessingInfo, error) {
	switch {
	case s.phase == phaseUninitialized:
		return ProcessingInfo{}, s.invariant("FINALIZE", "session not initialized")
	case s.phase == phaseFinalized:
		return ProcessingInfo{}, s.invariant("FINALIZE", "session already finalized")
	case s.bytesSent != s.total:
		return ProcessingInfo{}, s.invariant("FINALIZE", fmt.Sprintf("bytes sent %d != total bytes %d", s.bytesSent, s.total))
	}
	form := url.Values{"command": {"FINALIZE"}, "media_id": {s.mediaID}}
	res, err := s.c.postForm(ctx, "upload FINALIZE", s.c.cfg.UploadURL, form)
	if err != nil {
		return ProcessingInfo{}, err
	}
	var out uploadResponse
	if err := decode("upload FINALIZE", res, &out); err != nil {
		return ProcessingInfo{}, err
	}
	s.phase = phaseFinalized
	return s.observe(out.ProcessingInfo)
}

// Status asks for the processing state. Once the session reached a terminal
// state the recorded outcome is returned without another call.
func (s *UploadSession) Status(ctx context.Context) (ProcessingInfo, error) {
	if s.phase != phaseFinalized {
		return ProcessingInfo{}, s.invariant("STATUS", "session not finalized")
	}
	if !s.processing.State.Waiting() {
		return s.terminal()
	}
	q := url.Values{"command": {"STATUS"}, "media_id": {s.mediaID}}
	res, err := s.c.get(ctx, "upload STATUS", s.c.cfg.UploadURL, q)
	if err != nil {
		return ProcessingInfo{}, err
	}
	s.statusHits++
	var out uploadResponse
	if err := decode("upload STATUS", res, &out); err != nil {
		return ProcessingInfo{}, err
	}
	if out.ProcessingInfo == nil {
		// Some responses omit processing_info once the media is ready.
		out.ProcessingInfo = &ProcessingInfo{State: ProcessingSucceeded}
	}
	return s.observe(out.ProcessingInfo)
}

func (s *UploadSession) observe(info *ProcessingInfo) (ProcessingInfo, error) {
	if info == nil || info.State == ProcessingAbsent {
		s.processing = ProcessingInfo{State: ProcessingSucceeded}
	} else {
		s.processing = *info
	}
	s.log.Debug("upload processing",
		logx.String("media_id", s.mediaID),
		logx.String("state", string(s.processing.State)),
		logx.Int("check_after_secs", s.processing.CheckAfterSecs),
	)
	return s.terminal()
}

func (s *UploadSession) terminal() (ProcessingInfo, error) {
	switch st := s.processing.State; {
	case st == ProcessingSucceeded, st.Waiting():
		return s.processing, nil
	case st == ProcessingFailed:
		return s.processing, &ProcessingError{MediaID: s.mediaID, Cause: s.processing.Error}
	default:
		// Never report media of unknown state as usable.
		cause := s.processing.Error
		if cause == nil {
			cause = &ProcessingCause{Name: "UnknownState", Message: fmt.Sprintf("unrecognised processing state %q", st)}
		}
		return s.processing, &ProcessingError{MediaID: s.mediaID, Cause: cause}
	}
}

// Poll waits out pending and in_progress states, sleeping for each response's
// check_after_secs hint before the next STATUS call.
func (s *UploadSession) Poll(ctx context.Context) (ProcessingInfo, error) {
	if s.phase != phaseFinalized {
		return ProcessingInfo{}, s.invariant("STATUS", "session not finalized")
	}
	for s.processing.State.Waiting() {
		wait := time.Duration(s.processing.CheckAfterSecs) * time.Second
		if wait <= 0 {
			wait = defaultCheckAfter
		}
		if err := s.c.cfg.Sleep(ctx, wait); err != nil {
			return s.processing, fmt.Errorf("upload STATUS: %w", err)
		}
		if _, err := s.Status(ctx); err != nil {
			return s.processing, err
		}
	}
	return s.terminal()
}

// Upload runs every phase for the file at path and returns the usable media
// id.
func (c *Client) Upload(ctx context.Context, path string) (string, error) {
	s, err := c.NewUploadSession(path)
	if err != nil {
		return "", err
	}
	start := time.Now()
	id, err := s.run(ctx)
	if err != nil {
		c.log.Warn("upload failed", logx.String("file", filepath.Base(path)), logx.String("media_id", s.mediaID), logx.Err(err))
		eventbus.Publish(c.bus, eventbus.UploadFailed, map[string]any{"file": path, "media_id": s.mediaID, "error": err.Error()})
		return "", err
	}
	c.log.Info("upload.done",
		logx.String("media_id", id),
		logx.Int64("bytes", s.total),
		logx.Int("segments", s.segment),
		logx.Int("status_calls", s.statusHits),
		logx.Duration("dur", time.Since(start)),
	)
	eventbus.Publish(c.bus, eventbus.UploadSucceeded, map[string]any{"file": path, "media_id": id})
	return id, nil
}

func (s *UploadSession) run(ctx context.Context) (string, error) {
	if err := s.Init(ctx); err != nil {
		return "", err
	}
	if err := s.Append(ctx); err != nil {
		return "", err
	}
	if _, err := s.Finalize(ctx); err != nil {
		return "", err
	}
	if _, err := s.Poll(ctx); err != nil {
		return "", err
	}
	return s.mediaID, nil
}
