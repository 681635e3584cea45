package storage

import (
	"context"
	"errors"
	"time"

	"postpilot/internal/automation"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON files (automations, templates) + jsonl run log
//   - "sqlite": SQLite database file
//
// An empty Driver defaults to "file".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the scheduler and the control API.
//
// SaveAutomations always receives the full registry map: the registry is the
// in-memory source of truth and mirrors itself wholesale on every mutation.
type Store interface {
	SaveAutomations(ctx context.Context, autos map[string]automation.Automation) error
	LoadAutomations(ctx context.Context) (map[string]automation.Automation, error)

	PutTemplate(ctx context.Context, tpl automation.Template) error
	GetTemplate(ctx context.Context, id string) (*automation.Template, error)

	AppendRunLog(ctx context.Context, e automation.RunLogEntry) error
	ListRunLogs(ctx context.Context, limit int) ([]automation.RunLogEntry, error)

	Close() error
}

// runLogKeep bounds the persisted run history (matches the file driver's
// compaction and the sqlite driver's pruning).
const runLogKeep = 1000
