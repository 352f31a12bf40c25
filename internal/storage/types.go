package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": jsonl backend; Path is the file prefix
//   - "sqlite": SQLite database file at Path
//   - "postgres": DSN is a libpq style connection string or URL
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string        `json:"driver" yaml:"driver"`
	Path        string        `json:"path,omitempty" yaml:"path,omitempty"`
	DSN         string        `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	BusyTimeout time.Duration `json:"-" yaml:"-"` // sqlite only; 0 means default
	MaxConns    int           `json:"max_conns,omitempty" yaml:"max_conns,omitempty"`
}

// EventRecord is one persisted emergency event. Writing the same ID twice
// replaces the earlier record.
type EventRecord struct {
	ID       string          `json:"id"`
	At       time.Time       `json:"at"`
	Type     string          `json:"type"`
	Level    string          `json:"level"`
	Resolved bool            `json:"resolved"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// AuditEntry records an operator action such as an emergency mode toggle.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Actor    string    `json:"actor"`
	Action   string    `json:"action"`
	Target   string    `json:"target,omitempty"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	MetaJSON string    `json:"meta,omitempty"`
}

// Store is the persistence API used by the emergency orchestrator.
type Store interface {
	AppendEvent(ctx context.Context, e EventRecord) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	// RecentEvents returns up to limit events, newest first.
	RecentEvents(ctx context.Context, limit int) ([]EventRecord, error)
	Ping(ctx context.Context) error
	Close() error
}
