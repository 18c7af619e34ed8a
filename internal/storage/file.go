package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "plotbot/pkg/logx"
)

// fileStore keeps everything in plain files next to each other.
//
// Files:
//   - <prefix>.posts.jsonl            (append-only JSON Lines, one per post)
//   - <prefix>.latest.json            (the most recent post, rewritten)
//   - <prefix>.cursor.snapshot.json   (periodic snapshot)
//   - <prefix>.cursor.journal.jsonl   (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	postsPath  string
	postsFile  *os.File
	latestPath string

	cursorSnapshotPath string
	cursorJournalFile  *os.File
	cursors            map[string]string

	cursorWrites int
	compactEvery int
}

type cursorRecord struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	postsPath := prefix + ".posts.jsonl"
	snapPath := prefix + ".cursor.snapshot.json"
	journalPath := prefix + ".cursor.journal.jsonl"

	pf, err := os.OpenFile(postsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	cursors := map[string]string{}
	if err := loadCursorSnapshot(snapPath, cursors); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("cursor snapshot unreadable", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayCursorJournal(journalPath, cursors); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("cursor journal unreadable", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = pf.Close()
		return nil, err
	}

	return &fileStore{
		log:                log,
		postsPath:          postsPath,
		postsFile:          pf,
		latestPath:         prefix + ".latest.json",
		cursorSnapshotPath: snapPath,
		cursorJournalFile:  jf,
		cursors:            cursors,
		compactEvery:       1000,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.postsFile != nil {
		err1 = s.postsFile.Close()
		s.postsFile = nil
	}
	if s.cursorJournalFile != nil {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("cursor compact failed", logx.Err(err))
		}
		err2 = s.cursorJournalFile.Close()
		s.cursorJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendPost(ctx context.Context, p PostRecord) error {
	_ = ctx
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.At.IsZero() {
		p.At = time.Now()
	}
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.postsFile == nil {
		return errors.New("post log closed")
	}
	if _, err := s.postsFile.Write(append(b, '\n')); err != nil {
		return err
	}
	// latest.json lets a reader reproduce the newest plot without scanning
	// the whole log.
	return writeFileAtomic(s.latestPath, b)
}

func (s *fileStore) RecentPosts(ctx context.Context, limit int) ([]PostRecord, error) {
	_ = ctx
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.postsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]PostRecord, 0, limit)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var p PostRecord
		if err := json.Unmarshal(sc.Bytes(), &p); err != nil {
			continue
		}
		if len(ring) == limit {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, p)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	out := make([]PostRecord, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[i])
	}
	return out, nil
}

func (s *fileStore) PutCursor(ctx context.Context, name, value string) error {
	_ = ctx
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("cursor name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursorJournalFile == nil {
		return errors.New("cursor journal closed")
	}
	s.cursors[name] = value

	if err := json.NewEncoder(s.cursorJournalFile).Encode(cursorRecord{Name: name, Value: value}); err != nil {
		return err
	}
	s.cursorWrites++
	if s.cursorWrites%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("cursor compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetCursor(ctx context.Context, name string) (string, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cursors[strings.TrimSpace(name)]
	return v, ok, nil
}

func (s *fileStore) compactLocked() error {
	b, err := json.Marshal(s.cursors)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.cursorSnapshotPath, b); err != nil {
		return err
	}
	if err := s.cursorJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.cursorJournalFile.Seek(0, io.SeekEnd)
	return err
}

func writeFileAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadCursorSnapshot(path string, out map[string]string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayCursorJournal(path string, out map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var r cursorRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			continue
		}
		if r.Name == "" {
			continue
		}
		out[r.Name] = r.Value
	}
	return s.Err()
}
