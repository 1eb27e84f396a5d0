// Markmill is a document to Markdown conversion service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store provides the SQLite-backed persistence layer for conversion
// tasks, including schema migrations, lifecycle updates, webhook delivery
// telemetry, and the claim helper that hands queued tasks to exactly one
// worker.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite "modernc.org/sqlite"

	"markmill/pkg/tasks"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// settings keys
	schemaVersionKey = "schema_version"
)

// SQLite extended result codes for primary key and unique constraint
// violations, used to detect duplicate task IDs on insert.
const (
	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintUnique     = 2067
)

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates an insert collided with an existing task ID.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotQueued indicates a claim attempt found the task absent or no
	// longer in the queued state.
	ErrNotQueued = errors.New("task not queued")
)

// Store wraps a SQLite database connection and provides typed accessors.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	// DSN with pragmas for durability and concurrency.
	// - busy_timeout: backoff on locked database
	// - journal_mode=WAL: better concurrency
	// - foreign_keys=ON: enforce referential integrity
	// - synchronous=NORMAL: reasonable safety/perf tradeoff
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Reasonable pool settings for a single-node embedded DB
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	// Verify connection
	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a transaction. If fn returns an error,
// the transaction is rolled back; otherwise, it's committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// In case of panic, make best effort rollback
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	target := 1 // latest schema version in this file

	// v1: initial schema
	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	if cur != target {
		// Future migrations go here
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		// If corrupted, force to 0 to allow re-init
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
  task_id                 TEXT PRIMARY KEY,
  status                  TEXT NOT NULL CHECK (status IN ('queued','running','completed','failed','expired')),
  original_filename       TEXT NOT NULL,
  content_type            TEXT NULL,
  size_bytes              INTEGER NOT NULL,
  describe_images         INTEGER NOT NULL DEFAULT 0,
  webhook_url             TEXT NULL,
  created_at              TIMESTAMP NOT NULL,
  started_at              TIMESTAMP NULL,
  finished_at             TIMESTAMP NULL,
  expires_at              TIMESTAMP NOT NULL,
  error_code              TEXT NULL,
  error_message           TEXT NULL,
  output_files            TEXT NULL,
  webhook_last_status     INTEGER NULL,
  webhook_last_attempt_at TIMESTAMP NULL,
  webhook_attempt_count   INTEGER NOT NULL DEFAULT 0
);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_expires_at ON tasks(expires_at);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Settings helpers ---------------

// SetSetting upserts a key/value in settings.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, key, value)
	return err
}

// GetSetting returns a value for key or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var v string
	if err := s.db.QueryRowContext(ctx, q, key).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return v, nil
}

// --------------- Tasks ---------------

const taskColumns = `task_id, status, original_filename, content_type, size_bytes, describe_images, webhook_url, created_at, started_at, finished_at, expires_at, error_code, error_message, output_files, webhook_last_status, webhook_last_attempt_at, webhook_attempt_count`

// CreateTask inserts a new task row. The caller must set Task.ID; returns
// ErrAlreadyExists when the ID collides with an existing row.
func (s *Store) CreateTask(ctx context.Context, t *tasks.Task) error {
	const ins = `
INSERT INTO tasks (` + taskColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

	var outputs any
	if t.OutputFiles != nil {
		enc, err := marshalOutputFiles(t.OutputFiles)
		if err != nil {
			return err
		}
		outputs = enc
	}

	var contentType, webhookURL, errorCode, errorMessage any
	if t.ContentType != nil {
		contentType = *t.ContentType
	}
	if t.WebhookURL != nil {
		webhookURL = *t.WebhookURL
	}
	if t.ErrorCode != nil {
		errorCode = *t.ErrorCode
	}
	if t.ErrorMessage != nil {
		errorMessage = *t.ErrorMessage
	}
	var startedAt, finishedAt, lastAttemptAt any
	if t.StartedAt != nil {
		startedAt = t.StartedAt.UTC()
	}
	if t.FinishedAt != nil {
		finishedAt = t.FinishedAt.UTC()
	}
	if t.WebhookLastAttemptAt != nil {
		lastAttemptAt = t.WebhookLastAttemptAt.UTC()
	}
	var lastStatus any
	if t.WebhookLastStatus != nil {
		lastStatus = *t.WebhookLastStatus
	}

	_, err := s.db.ExecContext(ctx, ins,
		t.ID, t.Status.String(), t.OriginalFilename, contentType, t.SizeBytes,
		t.DescribeImages, webhookURL, t.CreatedAt.UTC(), startedAt, finishedAt,
		t.ExpiresAt.UTC(), errorCode, errorMessage, outputs, lastStatus,
		lastAttemptAt, t.WebhookAttemptCount)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID or returns ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*tasks.Task, error) {
	const q = `SELECT ` + taskColumns + ` FROM tasks WHERE task_id=?`
	t, err := scanTask(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// StatusPatch carries the optional lifecycle fields written alongside a
// status change. Nil fields are left untouched.
type StatusPatch struct {
	StartedAt    *time.Time
	FinishedAt   *time.Time
	ErrorCode    *string
	ErrorMessage *string
	OutputFiles  []string
}

// UpdateTaskStatus updates a task's status and any fields present in patch
// in a single statement. Callers own the legality of the transition; the
// store persists what it is given.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status tasks.Status, patch StatusPatch) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status: %s", status)
	}

	set := []string{"status=?"}
	args := []any{status.String()}

	if patch.StartedAt != nil {
		set = append(set, "started_at=?")
		args = append(args, patch.StartedAt.UTC())
	}
	if patch.FinishedAt != nil {
		set = append(set, "finished_at=?")
		args = append(args, patch.FinishedAt.UTC())
	}
	if patch.ErrorCode != nil {
		set = append(set, "error_code=?")
		args = append(args, *patch.ErrorCode)
	}
	if patch.ErrorMessage != nil {
		set = append(set, "error_message=?")
		args = append(args, *patch.ErrorMessage)
	}
	if patch.OutputFiles != nil {
		outputs, err := marshalOutputFiles(patch.OutputFiles)
		if err != nil {
			return err
		}
		set = append(set, "output_files=?")
		args = append(args, outputs)
	}

	args = append(args, id)
	q := "UPDATE tasks SET "
	for i, clause := range set {
		if i > 0 {
			q += ", "
		}
		q += clause
	}
	q += " WHERE task_id=?"

	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

// ClaimQueuedTask atomically transitions a queued task to running and stamps
// started_at, asserting that no other worker got there first. Returns
// ErrNotQueued when the row is absent or not in the queued state.
func (s *Store) ClaimQueuedTask(ctx context.Context, id string, startedAt time.Time) (*tasks.Task, error) {
	var claimed *tasks.Task
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		const upd = `UPDATE tasks SET status='running', started_at=? WHERE task_id=? AND status='queued'`
		res, err := tx.ExecContext(ctx, upd, startedAt.UTC(), id)
		if err != nil {
			return fmt.Errorf("claim queued task: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected != 1 {
			return ErrNotQueued
		}

		const q = `SELECT ` + taskColumns + ` FROM tasks WHERE task_id=?`
		t, err := scanTask(tx.QueryRowContext(ctx, q, id))
		if err != nil {
			return fmt.Errorf("read claimed task: %w", err)
		}
		claimed = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// UpdateWebhookStatus records delivery telemetry for one webhook attempt.
// It touches only the webhook fields; the task lifecycle is unaffected.
func (s *Store) UpdateWebhookStatus(ctx context.Context, id string, statusCode, attemptCount int) error {
	const upd = `UPDATE tasks
SET webhook_last_status=?, webhook_last_attempt_at=?, webhook_attempt_count=?
WHERE task_id=?`
	if _, err := s.db.ExecContext(ctx, upd, statusCode, time.Now().UTC(), attemptCount, id); err != nil {
		return fmt.Errorf("update webhook status: %w", err)
	}
	return nil
}

// ListQueuedTasks returns queued tasks ordered oldest-first. Used at startup
// to re-enqueue work that was admitted but never claimed before a restart.
// If limit <= 0, returns all.
func (s *Store) ListQueuedTasks(ctx context.Context, limit int) ([]*tasks.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE status='queued' ORDER BY created_at ASC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.listTasks(ctx, q)
}

// ListExpiredTasks returns terminal tasks whose retention window has passed
// as of now, ordered oldest-first.
func (s *Store) ListExpiredTasks(ctx context.Context, now time.Time) ([]*tasks.Task, error) {
	const q = `SELECT ` + taskColumns + ` FROM tasks
WHERE status IN ('completed','failed') AND expires_at < ? ORDER BY expires_at ASC`
	return s.listTasks(ctx, q, now.UTC())
}

// MarkTaskExpired transitions a task to expired after its files are gone.
func (s *Store) MarkTaskExpired(ctx context.Context, id string) error {
	const upd = `UPDATE tasks SET status='expired' WHERE task_id=?`
	if _, err := s.db.ExecContext(ctx, upd, id); err != nil {
		return fmt.Errorf("mark task expired: %w", err)
	}
	return nil
}

// CountTasksByStatus returns the number of tasks in the given status.
func (s *Store) CountTasksByStatus(ctx context.Context, status tasks.Status) (int, error) {
	if !status.Valid() {
		return 0, fmt.Errorf("invalid status: %s", status)
	}
	const q = `SELECT COUNT(*) FROM tasks WHERE status=?`
	var n int
	if err := s.db.QueryRowContext(ctx, q, status.String()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// --------------- Internal helpers ---------------

func (s *Store) listTasks(ctx context.Context, q string, args ...any) ([]*tasks.Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []*tasks.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*tasks.Task, error) {
	var row struct {
		id, status, filename string
		contentType          sql.NullString
		sizeBytes            int64
		describeImages       bool
		webhookURL           sql.NullString
		createdAt            time.Time
		startedAt            sql.NullTime
		finishedAt           sql.NullTime
		expiresAt            time.Time
		errorCode            sql.NullString
		errorMessage         sql.NullString
		outputFiles          sql.NullString
		webhookLastStatus    sql.NullInt64
		webhookLastAttemptAt sql.NullTime
		webhookAttemptCount  int
	}
	if err := r.Scan(
		&row.id, &row.status, &row.filename, &row.contentType, &row.sizeBytes,
		&row.describeImages, &row.webhookURL, &row.createdAt, &row.startedAt,
		&row.finishedAt, &row.expiresAt, &row.errorCode, &row.errorMessage,
		&row.outputFiles, &row.webhookLastStatus, &row.webhookLastAttemptAt,
		&row.webhookAttemptCount,
	); err != nil {
		return nil, err
	}

	var outputs []string
	if row.outputFiles.Valid && row.outputFiles.String != "" {
		if err := json.Unmarshal([]byte(row.outputFiles.String), &outputs); err != nil {
			return nil, fmt.Errorf("decode output files: %w", err)
		}
	}

	var lastStatus *int
	if row.webhookLastStatus.Valid {
		v := int(row.webhookLastStatus.Int64)
		lastStatus = &v
	}

	return &tasks.Task{
		ID:                   row.id,
		Status:               tasks.Status(row.status),
		OriginalFilename:     row.filename,
		ContentType:          fromNullStringPtr(row.contentType),
		SizeBytes:            row.sizeBytes,
		DescribeImages:       row.describeImages,
		WebhookURL:           fromNullStringPtr(row.webhookURL),
		CreatedAt:            row.createdAt.UTC(),
		StartedAt:            fromNullTimePtr(row.startedAt),
		FinishedAt:           fromNullTimePtr(row.finishedAt),
		ExpiresAt:            row.expiresAt.UTC(),
		ErrorCode:            fromNullStringPtr(row.errorCode),
		ErrorMessage:         fromNullStringPtr(row.errorMessage),
		OutputFiles:          outputs,
		WebhookLastStatus:    lastStatus,
		WebhookLastAttemptAt: fromNullTimePtr(row.webhookLastAttemptAt),
		WebhookAttemptCount:  row.webhookAttemptCount,
	}, nil
}

func marshalOutputFiles(files []string) (string, error) {
	if files == nil {
		files = []string{}
	}
	b, err := json.Marshal(files)
	if err != nil {
		return "", fmt.Errorf("encode output files: %w", err)
	}
	return string(b), nil
}

func isConstraintViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqliteConstraintPrimaryKey || code == sqliteConstraintUnique
	}
	return false
}

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func fromNullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		v := ns.String
		return &v
	}
	return nil
}

func fromNullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time.UTC()
		return &t
	}
	return nil
}
