// Package storage persists what the bot has posted and how far it has read
// its mentions.
package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines post log plus a snapshot/journal cursor store
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Cursor names.
const (
	// CursorMentions is the id of the newest mention already handled.
	CursorMentions = "mentions"
)

// Post kinds.
const (
	KindPost  = "post"
	KindReply = "reply"
)

// PostRecord is one published status together with what is needed to
// reproduce its plot.
type PostRecord struct {
	ID        string         `json:"id"`
	At        time.Time      `json:"at"`
	Kind      string         `json:"kind"`
	Choice    string         `json:"choice,omitempty"`
	StatusID  string         `json:"status_id,omitempty"`
	InReplyTo string         `json:"in_reply_to,omitempty"`
	MediaID   string         `json:"media_id,omitempty"`
	Caption   string         `json:"caption,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	DryRun    bool           `json:"dry_run,omitempty"`
}
