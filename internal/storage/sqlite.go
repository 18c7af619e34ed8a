package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "plotbot/pkg/logx"
)

// timeLayout sorts lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendPost(ctx context.Context, p PostRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.At.IsZero() {
		p.At = time.Now()
	}
	var meta any
	if len(p.Meta) > 0 {
		b, err := json.Marshal(p.Meta)
		if err != nil {
			return err
		}
		meta = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO posts(id, at, kind, choice, status_id, in_reply_to, media_id, caption, meta, dry_run)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.At.UTC().Format(timeLayout), p.Kind, nullStr(p.Choice), nullStr(p.StatusID),
		nullStr(p.InReplyTo), nullStr(p.MediaID), nullStr(p.Caption), meta, p.DryRun,
	)
	return err
}

func (s *sqliteStore) RecentPosts(ctx context.Context, limit int) ([]PostRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, kind, choice, status_id, in_reply_to, media_id, caption, meta, dry_run
		 FROM posts ORDER BY at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PostRecord
	for rows.Next() {
		var p PostRecord
		var at string
		var choice, statusID, inReplyTo, mediaID, caption, meta sql.NullString
		if err := rows.Scan(&p.ID, &at, &p.Kind, &choice, &statusID, &inReplyTo, &mediaID, &caption, &meta, &p.DryRun); err != nil {
			return nil, err
		}
		p.At, _ = time.Parse(timeLayout, at)
		p.Choice = choice.String
		p.StatusID = statusID.String
		p.InReplyTo = inReplyTo.String
		p.MediaID = mediaID.String
		p.Caption = caption.String
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &p.Meta); err != nil {
				s.log.Debug("post meta unreadable", logx.String("id", p.ID), logx.Err(err))
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutCursor(ctx context.Context, name, value string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("cursor name is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors(name, value, updated_at) VALUES(?,?,?)
		 ON CONFLICT(name) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		name, value, time.Now().UTC().Format(timeLayout),
	)
	return err
}

func (s *sqliteStore) GetCursor(ctx context.Context, name string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, ErrDisabled
	}
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM cursors WHERE name = ?`, strings.TrimSpace(name)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
