// Package integration stores the per-repository binding between a
// source repository and the external services that build and deploy it.
package integration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no integration exists for a repository.
var ErrNotFound = errors.New("integration not found")

// Integration binds one source repository to its build, deploy, and
// pipeline identifiers on the external services.
type Integration struct {
	ID             int64
	Owner          string
	Repo           string
	UserID         int64
	InstallationID int64

	// MirrorRepoID and MirrorRepoName identify the repository as the
	// mirror host knows it. The mirror name may carry an owner prefix
	// ("acme-widgets") and then drives the mirror remote path and the
	// ingress hostname instead of the source repo name.
	MirrorRepoID   *int64
	MirrorRepoName string

	// BuildProjectID and DeployProjectID identify the per-repo projects
	// on the build and deploy services. PipelineID chains the two; it is
	// created lazily on first deploy when absent.
	BuildProjectID  *int64
	DeployProjectID *int64
	PipelineID      *int64

	// Branch overrides the globally configured deployment branch for
	// this repository when non-empty.
	Branch string

	AutoDeployEnabled bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Provisioned reports whether both stage projects exist, which is the
// minimum needed to run a deploy.
func (i *Integration) Provisioned() bool {
	return i.BuildProjectID != nil && i.DeployProjectID != nil
}

// Store manages integrations in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates the integration store and initializes its schema.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize integration schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS integrations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL,
			repo TEXT NOT NULL,
			user_id INTEGER NOT NULL DEFAULT 0,
			installation_id INTEGER NOT NULL DEFAULT 0,
			mirror_repo_id INTEGER,
			mirror_repo_name TEXT NOT NULL DEFAULT '',
			build_project_id INTEGER,
			deploy_project_id INTEGER,
			pipeline_id INTEGER,
			branch TEXT NOT NULL DEFAULT '',
			auto_deploy_enabled INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(owner, repo)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

// Upsert creates or updates the integration for a repository. Service
// identifiers are replaced wholesale; timestamps track the change.
func (s *Store) Upsert(ctx context.Context, in *Integration) (*Integration, error) {
	if in.Owner == "" || in.Repo == "" {
		return nil, fmt.Errorf("owner and repo are required")
	}

	now := time.Now().UTC().Format(time.RFC3339)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integrations
		(owner, repo, user_id, installation_id, mirror_repo_id,
		 mirror_repo_name, build_project_id, deploy_project_id,
		 pipeline_id, branch, auto_deploy_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner, repo) DO UPDATE SET
			user_id = excluded.user_id,
			installation_id = excluded.installation_id,
			mirror_repo_id = excluded.mirror_repo_id,
			mirror_repo_name = excluded.mirror_repo_name,
			build_project_id = excluded.build_project_id,
			deploy_project_id = excluded.deploy_project_id,
			pipeline_id = excluded.pipeline_id,
			branch = excluded.branch,
			auto_deploy_enabled = excluded.auto_deploy_enabled,
			updated_at = excluded.updated_at
	`,
		in.Owner,
		in.Repo,
		in.UserID,
		in.InstallationID,
		in.MirrorRepoID,
		in.MirrorRepoName,
		in.BuildProjectID,
		in.DeployProjectID,
		in.PipelineID,
		in.Branch,
		boolToInt(in.AutoDeployEnabled),
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert integration: %w", err)
	}

	return s.ByOwnerRepo(ctx, in.Owner, in.Repo)
}

// ByOwnerRepo returns the integration for a repository.
func (s *Store) ByOwnerRepo(ctx context.Context, owner, repo string) (*Integration, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+`
		WHERE owner = ? AND repo = ?
	`, owner, repo)

	in, err := scanIntegration(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query integration %s/%s: %w", owner, repo, err)
	}
	return in, nil
}

// ByInstallation returns the integration registered under a source host
// installation id.
func (s *Store) ByInstallation(ctx context.Context, installationID int64) (*Integration, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+`
		WHERE installation_id = ?
		ORDER BY id DESC
		LIMIT 1
	`, installationID)

	in, err := scanIntegration(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query integration for installation %d: %w", installationID, err)
	}
	return in, nil
}

// SetPipelineID records a lazily created pipeline id.
func (s *Store) SetPipelineID(ctx context.Context, id, pipelineID int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		UPDATE integrations SET pipeline_id = ?, updated_at = ? WHERE id = ?
	`, pipelineID, now, id)
	if err != nil {
		return fmt.Errorf("failed to set pipeline id: %w", err)
	}
	return nil
}

// List returns all integrations ordered by repository name.
func (s *Store) List(ctx context.Context) ([]Integration, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY owner, repo`)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	defer rows.Close()

	var out []Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan integration: %w", err)
		}
		out = append(out, *in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

const selectColumns = `
	SELECT id, owner, repo, user_id, installation_id, mirror_repo_id,
	       mirror_repo_name, build_project_id, deploy_project_id,
	       pipeline_id, branch, auto_deploy_enabled,
	       created_at, updated_at
	FROM integrations
`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanIntegration(s scanner) (*Integration, error) {
	var in Integration
	var autoDeploy int
	var createdAtStr, updatedAtStr string

	err := s.Scan(
		&in.ID,
		&in.Owner,
		&in.Repo,
		&in.UserID,
		&in.InstallationID,
		&in.MirrorRepoID,
		&in.MirrorRepoName,
		&in.BuildProjectID,
		&in.DeployProjectID,
		&in.PipelineID,
		&in.Branch,
		&autoDeploy,
		&createdAtStr,
		&updatedAtStr,
	)
	if err != nil {
		return nil, err
	}

	in.AutoDeployEnabled = autoDeploy != 0

	createdAt, err := time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at timestamp: %w", err)
	}
	in.CreatedAt = createdAt

	updatedAt, err := time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at timestamp: %w", err)
	}
	in.UpdatedAt = updatedAt

	return &in, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
