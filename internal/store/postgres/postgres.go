package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/conductor/internal/store"
)

// DB implements store.Store for PostgreSQL via the pgx stdlib driver.

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS instances(
			id BIGSERIAL PRIMARY KEY,
			issue_id TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			process_id INTEGER NULL,
			workspace_path TEXT NOT NULL DEFAULT '',
			branch_name TEXT NOT NULL DEFAULT '',
			terminal_session TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			last_activity TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);`,
		`CREATE TABLE IF NOT EXISTS alerts(
			id TEXT PRIMARY KEY,
			issue_id TEXT NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			details JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_issue ON alerts(issue_id);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Ping(ctx context.Context) error {
	var one int
	return p.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Create(ctx context.Context, rec store.Record) (int64, error) {
	meta, err := json.Marshal(orEmpty(rec.Metadata))
	if err != nil {
		return 0, err
	}
	var id int64
	err = p.db.QueryRowContext(ctx, `
		INSERT INTO instances(issue_id, status, process_id, workspace_path, branch_name, terminal_session, metadata, created_at, last_activity, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id;`,
		rec.IssueID, rec.Status, rec.ProcessID, rec.WorkspacePath, rec.BranchName,
		rec.TerminalSession, meta, rec.CreatedAt.UTC(), rec.LastActivity.UTC(), time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (p *DB) Update(ctx context.Context, rec store.Record) error {
	meta, err := json.Marshal(orEmpty(rec.Metadata))
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE instances
		SET status=$1, process_id=$2, workspace_path=$3, branch_name=$4, terminal_session=$5, metadata=$6, last_activity=$7, updated_at=$8
		WHERE issue_id=$9;`,
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

func (p *DB) Delete(ctx context.Context, issueID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM instances WHERE issue_id=$1;`, issueID)
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

func (p *DB) GetByIssueID(ctx context.Context, issueID string) (store.Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM instances WHERE issue_id=$1;`, issueID)
	return scanRecord(row)
}

func (p *DB) GetByID(ctx context.Context, id int64) (store.Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM instances WHERE id=$1;`, id)
	return scanRecord(row)
}

func (p *DB) ListAll(ctx context.Context, statusFilter string) ([]store.Record, error) {
	q := `SELECT ` + selectCols + ` FROM instances`
	args := []any{}
	if statusFilter != "" {
		q += ` WHERE status=$1`
		args = append(args, statusFilter)
	}
	q += ` ORDER BY issue_id;`
	rows, err := p.db.QueryContext(ctx, q, args...)
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

func (p *DB) RecordAlert(ctx context.Context, a store.Alert) error {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO alerts(id, issue_id, level, message, details, created_at)
		VALUES($1,$2,$3,$4,$5,$6);`,
		a.ID, a.IssueID, a.Level, a.Message, details, a.CreatedAt.UTC())
	return err
}

func (p *DB) ListAlerts(ctx context.Context, issueID string, limit int) ([]store.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, issue_id, level, message, details, created_at
		FROM alerts WHERE issue_id=$1 ORDER BY created_at DESC LIMIT $2;`, issueID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Alert, 0)
	for rows.Next() {
		var a store.Alert
		var details []byte
		if err := rows.Scan(&a.ID, &a.IssueID, &a.Level, &a.Message, &details, &a.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(details, &a.Details)
		out = append(out, a)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (store.Record, error) {
	var rec store.Record
	var meta []byte
	err := row.Scan(&rec.ID, &rec.IssueID, &rec.Status, &rec.ProcessID, &rec.WorkspacePath,
		&rec.BranchName, &rec.TerminalSession, &meta, &rec.CreatedAt, &rec.LastActivity, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return store.Record{}, err
		}
	}
	return rec, nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
