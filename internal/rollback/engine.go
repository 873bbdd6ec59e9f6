// Package rollback selects a verified earlier deployment and
// redeploys its image as-is. No rebuild happens on this path: the
// image that ran before is the image that runs again.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"shipway/internal/integration"
	"shipway/internal/ledger"
	"shipway/internal/mirror"
)

const candidateLimit = 50

// Deployer runs the deploy stage for an already built image.
type Deployer interface {
	DeployOnly(ctx context.Context, integ *integration.Integration, source *ledger.Record, environment string) (*ledger.Record, error)
}

// RegistryChecker verifies an image still exists in the registry.
type RegistryChecker interface {
	ManifestExists(ctx context.Context, image, tag string) (bool, error)
}

// Engine picks rollback targets from the deployment ledger. All
// validation happens before any external call: a rejected rollback
// leaves the cluster untouched.
type Engine struct {
	Ledger       *ledger.Store
	Integrations *integration.Store
	Deployer     Deployer
	Registry     RegistryChecker

	// Freshness bounds how old a target may be.
	Freshness time.Duration

	Logger *slog.Logger
}

// ToCommit rolls back to the most recent successful deployment of a
// specific commit, given as a full SHA or a short prefix.
func (e *Engine) ToCommit(ctx context.Context, owner, repo, sha string) (*ledger.Record, error) {
	integ, err := e.configured(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	target, err := e.Ledger.FindSuccessByCommit(ctx, owner, repo, sha)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("%w for commit %s", ErrNoHistory, sha)
		}
		return nil, err
	}

	if err := e.checkFreshness(target); err != nil {
		return nil, err
	}

	return e.Deployer.DeployOnly(ctx, integ, target, target.Environment)
}

// ToPrevious rolls back the given number of steps behind the current
// deployment. Step counting walks the candidate list, which excludes
// failed deploys and earlier rollbacks.
func (e *Engine) ToPrevious(ctx context.Context, owner, repo string, steps int) (*ledger.Record, error) {
	if steps < 1 {
		return nil, fmt.Errorf("steps must be at least 1, got %d", steps)
	}

	integ, err := e.configured(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	_, candidates, idx, err := e.position(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	targetIdx := idx + steps
	if targetIdx >= len(candidates) {
		return nil, &InsufficientHistoryError{
			Requested: steps,
			Available: len(candidates) - idx - 1,
		}
	}
	target := &candidates[targetIdx]

	if err := e.checkFreshness(target); err != nil {
		return nil, err
	}

	return e.Deployer.DeployOnly(ctx, integ, target, target.Environment)
}

// Candidate is one entry in the rollback candidate listing.
type Candidate struct {
	StepsBack     int        `json:"steps_back"`
	CommitSHA     string     `json:"commit_sha"`
	ShortSHA      string     `json:"short_sha"`
	CommitMessage string     `json:"commit_message"`
	ImageRef      string     `json:"image_ref"`
	DeployedAt    *time.Time `json:"deployed_at,omitempty"`
	IsCurrent     bool       `json:"is_current"`
}

// CandidateList returns what a rollback could target right now,
// newest first, with step counts relative to the current deployment.
func (e *Engine) CandidateList(ctx context.Context, owner, repo string, limit int) ([]Candidate, error) {
	if limit <= 0 || limit > candidateLimit {
		limit = candidateLimit
	}

	current, candidates, idx, err := e.position(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(candidates))
	for i, c := range candidates {
		if i >= limit {
			break
		}
		out = append(out, Candidate{
			StepsBack:     i - idx,
			CommitSHA:     c.CommitSHA,
			ShortSHA:      c.ShortSHA(),
			CommitMessage: c.CommitMessage,
			ImageRef:      c.ImageRef,
			DeployedAt:    c.DeployedAt,
			IsCurrent:     current != nil && c.ID == current.ID,
		})
	}
	return out, nil
}

// Report is the output of Diagnose: blocking issues and advisory
// warnings about rollback readiness.
type Report struct {
	Ready    bool     `json:"ready"`
	Issues   []string `json:"issues"`
	Warnings []string `json:"warnings"`
}

// Diagnose reports whether a rollback would work for a repository and
// why not. The registry check here is advisory only; the rollback
// paths themselves never consult the registry.
func (e *Engine) Diagnose(ctx context.Context, owner, repo string) (*Report, error) {
	report := &Report{Issues: []string{}, Warnings: []string{}}

	integ, err := e.Integrations.ByOwnerRepo(ctx, owner, repo)
	if err != nil {
		if errors.Is(err, integration.ErrNotFound) {
			report.Issues = append(report.Issues, "no integration registered for this repository")
			return report, nil
		}
		return nil, err
	}

	if integ.BuildProjectID == nil {
		report.Issues = append(report.Issues, "integration has no build project id")
	}
	if integ.DeployProjectID == nil {
		report.Issues = append(report.Issues, "integration has no deploy project id")
	}

	candidates, err := e.Ledger.Candidates(ctx, owner, repo, 1)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		report.Issues = append(report.Issues, "no successful deployment history")
	} else if e.Registry != nil {
		image, tag, ok := mirror.SplitImageRef(candidates[0].ImageRef)
		if ok {
			exists, err := e.Registry.ManifestExists(ctx, image, tag)
			if err != nil {
				report.Warnings = append(report.Warnings, fmt.Sprintf("registry check failed: %v", err))
			} else if !exists {
				report.Warnings = append(report.Warnings,
					fmt.Sprintf("image %s no longer in registry, a rollback would redeploy a missing image", candidates[0].ImageRef))
			}
		}
	}

	report.Ready = len(report.Issues) == 0
	return report, nil
}

func (e *Engine) configured(ctx context.Context, owner, repo string) (*integration.Integration, error) {
	integ, err := e.Integrations.ByOwnerRepo(ctx, owner, repo)
	if err != nil {
		if errors.Is(err, integration.ErrNotFound) {
			return nil, ErrNotConfigured
		}
		return nil, err
	}
	if !integ.Provisioned() {
		return nil, ErrNotConfigured
	}
	return integ, nil
}

// position locates the current deployment within the candidate list.
// A current deployment that is itself a rollback does not appear among
// the candidates; counting then starts from the newest candidate.
func (e *Engine) position(ctx context.Context, owner, repo string) (*ledger.Record, []ledger.Record, int, error) {
	current, err := e.Ledger.Current(ctx, owner, repo)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, nil, 0, ErrNoHistory
		}
		return nil, nil, 0, err
	}

	candidates, err := e.Ledger.Candidates(ctx, owner, repo, candidateLimit)
	if err != nil {
		return nil, nil, 0, err
	}
	if len(candidates) == 0 {
		return nil, nil, 0, ErrNoHistory
	}

	idx := 0
	found := false
	for i, c := range candidates {
		if c.ID == current.ID {
			idx = i
			found = true
			break
		}
	}
	if !found {
		e.Logger.Warn("current deployment not among candidates, counting from newest",
			"owner", owner, "repo", repo, "current_rollback", current.IsRollback)
	}

	return current, candidates, idx, nil
}

func (e *Engine) checkFreshness(target *ledger.Record) error {
	if e.Freshness <= 0 {
		return nil
	}
	ref := target.CreatedAt
	if target.DeployedAt != nil {
		ref = *target.DeployedAt
	}
	if time.Since(ref) > e.Freshness {
		return fmt.Errorf("%w: %s deployed %s ago", ErrStale, target.ShortSHA(), time.Since(ref).Round(time.Hour))
	}
	return nil
}
