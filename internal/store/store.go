package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for the requested key.
// Callers distinguish it from transient failures, which trigger retry.
var ErrNotFound = errors.New("record not found")

// Record is the persisted row mirroring one in-memory instance.
// IssueID is unique across all instances. Status uses the persisted
// vocabulary (see instance.ToRecordStatus). ProcessID is NULL when the
// instance has no live process.
type Record struct {
	ID              int64
	IssueID         string
	Status          string
	ProcessID       sql.NullInt64
	WorkspacePath   string
	BranchName      string
	TerminalSession string
	Metadata        map[string]string
	CreatedAt       time.Time
	LastActivity    time.Time
	UpdatedAt       time.Time
}

// Alert is a persisted health alert; kept for after-the-fact inspection.
type Alert struct {
	ID        string
	IssueID   string
	Level     string
	Message   string
	Details   map[string]any
	CreatedAt time.Time
}

// Store is the persistence adapter for instance records and the alert trail.
type Store interface {
	EnsureSchema(ctx context.Context) error
	// Ping runs a trivial validation query.
	Ping(ctx context.Context) error

	Create(ctx context.Context, rec Record) (int64, error)
	Update(ctx context.Context, rec Record) error
	Delete(ctx context.Context, issueID string) error
	GetByIssueID(ctx context.Context, issueID string) (Record, error)
	GetByID(ctx context.Context, id int64) (Record, error)
	// ListAll returns every record, filtered by persisted status when
	// statusFilter is non-empty.
	ListAll(ctx context.Context, statusFilter string) ([]Record, error)

	RecordAlert(ctx context.Context, a Alert) error
	ListAlerts(ctx context.Context, issueID string, limit int) ([]Alert, error)

	Close() error
}
