package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/conductor/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the database file. Use ":memory:" for in-memory.

type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS instances(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			issue_id TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			process_id INTEGER NULL,
			workspace_path TEXT NOT NULL DEFAULT '',
			branch_name TEXT NOT NULL DEFAULT '',
			terminal_session TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			last_activity TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);`,
		`CREATE TABLE IF NOT EXISTS alerts(
			id TEXT PRIMARY KEY,
			issue_id TEXT NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			details TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_issue ON alerts(issue_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Create(ctx context.Context, rec store.Record) (int64, error) {
	meta, err := encodeMeta(rec.Metadata)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO instances(issue_id, status, process_id, workspace_path, branch_name, terminal_session, metadata, created_at, last_activity, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.IssueID, rec.Status, rec.ProcessID, rec.WorkspacePath, rec.BranchName,
		rec.TerminalSession, meta, rec.CreatedAt.UTC(), rec.LastActivity.UTC(), now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *DB) Update(ctx context.Context, rec store.Record) error {
	meta, err := encodeMeta(rec.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET status=?, process_id=?, workspace_path=?, branch_name=?, terminal_session=?, metadata=?, last_activity=?, updated_at=?
		WHERE issue_id=?;`,
		rec.Status, rec.ProcessID, rec.WorkspacePath, rec.BranchName, rec.TerminalSession,
		meta, rec.LastActivity.UTC(), time.Now().UTC(), rec.IssueID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *DB) Delete(ctx context.Context, issueID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE issue_id=?;`, issueID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

const selectCols = `id, issue_id, status, process_id, workspace_path, branch_name, terminal_session, metadata, created_at, last_activity, updated_at`

func (s *DB) GetByIssueID(ctx context.Context, issueID string) (store.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM instances WHERE issue_id=?;`, issueID)
	return scanRecord(row)
}

func (s *DB) GetByID(ctx context.Context, id int64) (store.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM instances WHERE id=?;`, id)
	return scanRecord(row)
}

func (s *DB) ListAll(ctx context.Context, statusFilter string) ([]store.Record, error) {
	q := `SELECT ` + selectCols + ` FROM instances`
	args := []any{}
	if statusFilter != "" {
		q += ` WHERE status=?`
		args = append(args, statusFilter)
	}
	q += ` ORDER BY issue_id;`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *DB) RecordAlert(ctx context.Context, a store.Alert) error {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts(id, issue_id, level, message, details, created_at)
		VALUES(?, ?, ?, ?, ?, ?);`,
		a.ID, a.IssueID, a.Level, a.Message, string(details), a.CreatedAt.UTC())
	return err
}

func (s *DB) ListAlerts(ctx context.Context, issueID string, limit int) ([]store.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_id, level, message, details, created_at
		FROM alerts WHERE issue_id=? ORDER BY created_at DESC LIMIT ?;`, issueID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Alert, 0)
	for rows.Next() {
		var a store.Alert
		var details string
		if err := rows.Scan(&a.ID, &a.IssueID, &a.Level, &a.Message, &details, &a.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(details), &a.Details)
		out = append(out, a)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (store.Record, error) {
	var rec store.Record
	var meta string
	err := row.Scan(&rec.ID, &rec.IssueID, &rec.Status, &rec.ProcessID, &rec.WorkspacePath,
		&rec.BranchName, &rec.TerminalSession, &meta, &rec.CreatedAt, &rec.LastActivity, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, err
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
			return store.Record{}, err
		}
	}
	return rec, nil
}

func encodeMeta(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
