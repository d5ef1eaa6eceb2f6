package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/conductor/internal/store"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return db
}

func sampleRecord(issueID string) store.Record {
	now := time.Now().UTC().Truncate(time.Second)
	return store.Record{
		IssueID:         issueID,
		Status:          "RUNNING",
		ProcessID:       sql.NullInt64{Int64: 555, Valid: true},
		WorkspacePath:   "/work/" + issueID,
		BranchName:      "agent/" + issueID,
		TerminalSession: "agent-" + issueID,
		Metadata:        map[string]string{"origin": "test"},
		CreatedAt:       now,
		LastActivity:    now,
	}
}

func TestCreateGetUpdateDelete(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id, err := db.Create(ctx, sampleRecord("issue-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id <= 0 {
		t.Fatalf("id = %d, want > 0", id)
	}

	got, err := db.GetByIssueID(ctx, "issue-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "RUNNING" || got.ProcessID.Int64 != 555 || got.Metadata["origin"] != "test" {
		t.Fatalf("unexpected record: %+v", got)
	}

	byID, err := db.GetByID(ctx, id)
	if err != nil || byID.IssueID != "issue-1" {
		t.Fatalf("get by id: %v %+v", err, byID)
	}

	got.Status = "STOPPED"
	got.ProcessID = sql.NullInt64{}
	if err := db.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err = db.GetByIssueID(ctx, "issue-1")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.Status != "STOPPED" || got.ProcessID.Valid {
		t.Fatalf("update not applied: %+v", got)
	}

	if err := db.Delete(ctx, "issue-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.GetByIssueID(ctx, "issue-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestNotFoundIsDistinct(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	if _, err := db.GetByIssueID(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("get: expected ErrNotFound, got %v", err)
	}
	if err := db.Update(ctx, sampleRecord("missing")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("update: expected ErrNotFound, got %v", err)
	}
	if err := db.Delete(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("delete: expected ErrNotFound, got %v", err)
	}
}

func TestUniqueIssueID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	if _, err := db.Create(ctx, sampleRecord("issue-dup")); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := db.Create(ctx, sampleRecord("issue-dup")); err == nil {
		t.Fatal("expected unique constraint violation")
	}
}

func TestListAllWithFilter(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	for i, st := range []string{"RUNNING", "STOPPED", "RUNNING"} {
		rec := sampleRecord("issue-" + string(rune('a'+i)))
		rec.Status = st
		if _, err := db.Create(ctx, rec); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	all, err := db.ListAll(ctx, "")
	if err != nil || len(all) != 3 {
		t.Fatalf("list all: %v, n=%d", err, len(all))
	}
	running, err := db.ListAll(ctx, "RUNNING")
	if err != nil || len(running) != 2 {
		t.Fatalf("list running: %v, n=%d", err, len(running))
	}
}

func TestPing(t *testing.T) {
	db := newTestDB(t)
	if err := db.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestAlertTrail(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		a := store.Alert{
			ID:        uuid.NewString(),
			IssueID:   "issue-9",
			Level:     "critical",
			Message:   "instance issue-9 is critical",
			Details:   map[string]any{"cycle": float64(i)},
			CreatedAt: time.Now().UTC(),
		}
		if err := db.RecordAlert(ctx, a); err != nil {
			t.Fatalf("record alert: %v", err)
		}
	}
	alerts, err := db.ListAlerts(ctx, "issue-9", 2)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("alerts = %d, want 2 (limit)", len(alerts))
	}
	if alerts[0].Level != "critical" || alerts[0].IssueID != "issue-9" {
		t.Fatalf("unexpected alert: %+v", alerts[0])
	}
}
