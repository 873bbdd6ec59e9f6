// Package ledger is the single source of truth for what is currently
// running and what ran before. It guarantees at-most-one record per
// triggered deploy, even under retries or duplicate completion signals.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no matching record exists.
var ErrNotFound = errors.New("deployment record not found")

// Store manages deployment history in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates the ledger store and initializes its schema.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS deployments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			attempt_token TEXT NOT NULL UNIQUE,
			owner TEXT NOT NULL,
			repo TEXT NOT NULL,
			commit_sha TEXT NOT NULL,
			commit_message TEXT NOT NULL DEFAULT '',
			environment TEXT NOT NULL,
			status TEXT NOT NULL,
			image_ref TEXT NOT NULL,
			is_rollback INTEGER NOT NULL DEFAULT 0,
			rollback_source_id INTEGER REFERENCES deployments(id),
			error_message TEXT,
			deployed_at TEXT,
			created_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	// Required for candidate queries to stay O(log n).
	_, err = s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_deployments_candidates
		ON deployments(owner, repo, status, created_at DESC)
	`)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

// Record inserts a ledger entry for an attempt. The insert is
// idempotent per attempt token: recording the same attempt twice
// returns the original row without creating a duplicate.
func (s *Store) Record(ctx context.Context, rec *Record) (*Record, error) {
	if rec.AttemptToken == "" {
		return nil, fmt.Errorf("attempt token is required")
	}
	status := rec.Status
	if status == "" {
		status = StatusPending
	}

	now := time.Now().UTC().Format(time.RFC3339)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployments
		(attempt_token, owner, repo, commit_sha, commit_message, environment,
		 status, image_ref, is_rollback, rollback_source_id, error_message,
		 deployed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
		ON CONFLICT(attempt_token) DO NOTHING
	`,
		rec.AttemptToken,
		rec.Owner,
		rec.Repo,
		rec.CommitSHA,
		rec.CommitMessage,
		rec.Environment,
		string(status),
		rec.ImageRef,
		boolToInt(rec.IsRollback),
		rec.RollbackSourceID,
		rec.ErrorMessage,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert deployment record: %w", err)
	}

	return s.GetByToken(ctx, rec.AttemptToken)
}

// Transition moves a pending record to a terminal status. Records are
// immutable after the first transition: observing completion twice, or
// both polling and receiving an event, leaves exactly one terminal row.
// Returns true when this call performed the transition.
func (s *Store) Transition(ctx context.Context, id int64, status Status, errorMessage *string) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("cannot transition to non-terminal status %q", status)
	}

	var deployedAt *string
	if status == StatusSuccess {
		now := time.Now().UTC().Format(time.RFC3339)
		deployedAt = &now
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE deployments
		SET status = ?, error_message = ?, deployed_at = ?
		WHERE id = ? AND status = ?
	`, string(status), errorMessage, deployedAt, id, string(StatusPending))
	if err != nil {
		return false, fmt.Errorf("failed to transition deployment %d: %w", id, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// Current returns the most recent successful deployment for a
// repository, or ErrNotFound when none exists.
func (s *Store) Current(ctx context.Context, owner, repo string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+`
		WHERE owner = ? AND repo = ? AND status = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, owner, repo, string(StatusSuccess))

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query current deployment: %w", err)
	}
	return rec, nil
}

// Candidates returns successful, non-rollback deployments for a
// repository, newest first. Rollback records are excluded so a rollback
// can never target another rollback.
func (s *Store) Candidates(ctx context.Context, owner, repo string, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE owner = ? AND repo = ? AND status = ? AND is_rollback = 0
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, owner, repo, string(StatusSuccess), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query rollback candidates: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// History returns recent deployments for a repository regardless of
// status, newest first.
func (s *Store) History(ctx context.Context, owner, repo string, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE owner = ? AND repo = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, owner, repo, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployment history: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// Get returns a record by id.
func (s *Store) Get(ctx context.Context, id int64) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query deployment %d: %w", id, err)
	}
	return rec, nil
}

// GetByToken returns the record for an attempt token.
func (s *Store) GetByToken(ctx context.Context, token string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE attempt_token = ?`, token)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query attempt %q: %w", token, err)
	}
	return rec, nil
}

// FindSuccessByCommit returns the most recent successful deployment
// matching a full 40-character SHA or a short (>= 7 character) prefix.
func (s *Store) FindSuccessByCommit(ctx context.Context, owner, repo, sha string) (*Record, error) {
	if len(sha) < 7 {
		return nil, fmt.Errorf("commit SHA too short: %q", sha)
	}

	query := selectColumns + `
		WHERE owner = ? AND repo = ? AND status = ? AND commit_sha = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	arg := sha
	if len(sha) < 40 {
		query = selectColumns + `
			WHERE owner = ? AND repo = ? AND status = ? AND commit_sha LIKE ?
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		`
		arg = sha + "%"
	}

	row := s.db.QueryRowContext(ctx, query, owner, repo, string(StatusSuccess), arg)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query deployment for commit %s: %w", sha, err)
	}
	return rec, nil
}

const selectColumns = `
	SELECT id, attempt_token, owner, repo, commit_sha, commit_message,
	       environment, status, image_ref, is_rollback, rollback_source_id,
	       error_message, deployed_at, created_at
	FROM deployments
`

// scanner is an interface that both *sql.Row and *sql.Rows implement.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	var rec Record
	var isRollback int
	var status string
	var deployedAtStr sql.NullString
	var createdAtStr string

	err := s.Scan(
		&rec.ID,
		&rec.AttemptToken,
		&rec.Owner,
		&rec.Repo,
		&rec.CommitSHA,
		&rec.CommitMessage,
		&rec.Environment,
		&status,
		&rec.ImageRef,
		&isRollback,
		&rec.RollbackSourceID,
		&rec.ErrorMessage,
		&deployedAtStr,
		&createdAtStr,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = Status(status)
	rec.IsRollback = isRollback != 0

	createdAt, err := time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at timestamp: %w", err)
	}
	rec.CreatedAt = createdAt

	if deployedAtStr.Valid {
		deployedAt, err := time.Parse(time.RFC3339, deployedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse deployed_at timestamp: %w", err)
		}
		rec.DeployedAt = &deployedAt
	}

	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return records, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
