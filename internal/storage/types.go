package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled      = errors.New("storage disabled")
	ErrUnknownDriver = errors.New("unknown storage driver")
	ErrClosed        = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps (tests, dry runs)
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file (default)
//   - "postgres": shared PostgreSQL database, for multi-instance deployments
//   - "redis": Redis keys with TTLs
type Config struct {
	Driver string
	Path   string // file, sqlite

	DSN string // postgres

	Addr      string // redis
	Password  string
	DB        int
	KeyPrefix string

	BusyTimeout time.Duration // sqlite only; 0 means default

	// SentTTL bounds how long drivers without explicit pruning (redis) keep a
	// sent record. 0 means DefaultSentTTL.
	SentTTL time.Duration
	// MarkerTTL is the same for report markers. 0 means DefaultMarkerTTL.
	MarkerTTL time.Duration
}

const (
	DefaultSentTTL   = 72 * time.Hour
	DefaultMarkerTTL = 62 * 24 * time.Hour
)

// SentKey identifies a sent record.
type SentKey struct {
	ConfigID    string
	Fingerprint string
}

func (k SentKey) String() string { return k.ConfigID + "|" + k.Fingerprint }

// AuditEntry records one cycle run.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	RunID     string    `json:"run_id"`
	Cycle     string    `json:"cycle"`
	Trigger   string    `json:"trigger"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	TookMS    int64     `json:"took_ms"`
	Error     string    `json:"error,omitempty"`
	MetaJSON  string    `json:"meta,omitempty"`
}

// PruneResult reports how many rows a Prune call removed.
type PruneResult struct {
	Sent    int64
	Markers int64
}

// Store is the persistence API used by the ledger and the cycles.
type Store interface {
	// PutSent records key as notified at at. If a record already exists and
	// its time is not before refreshBefore, nothing changes and (false, nil)
	// is returned. An older (expired) record is overwritten.
	PutSent(ctx context.Context, key SentKey, at, refreshBefore time.Time) (bool, error)
	GetSent(ctx context.Context, key SentKey) (time.Time, bool, error)

	// PutMarker inserts a report marker if absent; false means it already existed.
	PutMarker(ctx context.Context, configID, periodKey string, at time.Time) (bool, error)
	HasMarker(ctx context.Context, configID, periodKey string) (bool, error)
	// DeleteMarker removes a marker; deleting a missing one is not an error.
	DeleteMarker(ctx context.Context, configID, periodKey string) error

	// Prune deletes sent records older than sentBefore and markers older than markersBefore.
	Prune(ctx context.Context, sentBefore, markersBefore time.Time) (PruneResult, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}
