package storage

import (
	"context"
	"errors"
	"strings"

	logx "plotbot/pkg/logx"
)

// Store is the persistence API used by the bot.
type Store interface {
	AppendPost(ctx context.Context, p PostRecord) error
	// RecentPosts returns up to limit records, newest first.
	RecentPosts(ctx context.Context, limit int) ([]PostRecord, error)
	GetCursor(ctx context.Context, name string) (value string, ok bool, err error)
	PutCursor(ctx context.Context, name, value string) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
