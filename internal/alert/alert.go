package alert

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/conductor/internal/store"
)

// Level is the alert severity.
type Level string

const (
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Alert is one raised notification about an instance.
type Alert struct {
	ID        string         `json:"id"`
	IssueID   string         `json:"issue_id"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New builds an alert with a fresh id and timestamp.
func New(issueID string, level Level, message string, details map[string]any) Alert {
	return Alert{
		ID:        uuid.NewString(),
		IssueID:   issueID,
		Level:     level,
		Message:   message,
		Details:   details,
		Timestamp: time.Now(),
	}
}

// Sink receives alerts. Sends are fire-and-forget: the monitor logs sink
// failures and keeps going.
type Sink interface {
	Send(ctx context.Context, a Alert) error
}

// LogSink writes alerts to the structured log.
type LogSink struct{}

func (LogSink) Send(_ context.Context, a Alert) error {
	lvl := slog.LevelWarn
	if a.Level == LevelCritical {
		lvl = slog.LevelError
	}
	slog.Log(context.Background(), lvl, "instance alert",
		"instance", a.IssueID, "level", string(a.Level), "message", a.Message)
	return nil
}

// StoreSink records alerts through the persistence adapter so they can be
// inspected after the fact.
type StoreSink struct {
	Store store.Store
}

func (s StoreSink) Send(ctx context.Context, a Alert) error {
	return s.Store.RecordAlert(ctx, store.Alert{
		ID:        a.ID,
		IssueID:   a.IssueID,
		Level:     string(a.Level),
		Message:   a.Message,
		Details:   a.Details,
		CreatedAt: a.Timestamp,
	})
}
