// Package pipeline orchestrates deploys against the external build,
// deploy, and pipeline services: it enforces single-flight per
// repository, records every attempt in the ledger before any external
// call, and tracks completion by polling with a bounded deadline.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"shipway/internal/integration"
	"shipway/internal/ledger"
	"shipway/internal/mirror"
)

// ErrInFlight is returned when an attempt for the same repository is
// already running.
var ErrInFlight = errors.New("deployment already in flight for this repository")

// ErrNotConfigured is returned when the integration lacks the service
// ids needed to deploy.
var ErrNotConfigured = errors.New("integration is missing build or deploy project ids")

// Mode says how an attempt reaches the external services.
type Mode string

const (
	// ModePipeline invokes the chained pipeline as one unit.
	ModePipeline Mode = "pipeline"
	// ModeDirect triggers build then deploy as two tracked stages.
	ModeDirect Mode = "direct"
	// ModeDeployOnly skips the build stage entirely (rollbacks).
	ModeDeployOnly Mode = "deploy-only"
)

// Mirrorer pushes a repository's manifests to the mirror remote.
type Mirrorer interface {
	Push(ctx context.Context, req mirror.PushRequest) (*mirror.Result, error)
}

// Trigger coordinates one deployment attempt end to end.
type Trigger struct {
	Ledger       *ledger.Store
	Integrations *integration.Store
	Mirror       Mirrorer
	Build        BuildService
	Deploy       DeployService
	Pipelines    PipelineService
	Locks        *LockManager
	Logger       *slog.Logger

	RegistryURL       string
	BaseDomain        string
	Replicas          int
	UniqueImageSuffix bool

	PollInterval time.Duration
	PollTimeout  time.Duration

	wg sync.WaitGroup
}

// PushInput describes a source event that should deploy.
type PushInput struct {
	Integration   *integration.Integration
	SourceURL     string
	Branch        string
	CommitSHA     string
	CommitMessage string
	Environment   string
}

// PushResult is what the caller needs to answer the webhook: the
// pending ledger record and the mode the attempt will run in.
type PushResult struct {
	Record *ledger.Record
	Mode   Mode
}

// Push starts a deployment attempt for a source event. It returns as
// soon as the attempt is locked and recorded; the mirror sync,
// external triggers, and completion tracking run in a background
// goroutine tracked for shutdown.
//
// Returns ErrInFlight without recording anything when an attempt for
// the repository is already running.
func (t *Trigger) Push(ctx context.Context, in PushInput) (*PushResult, error) {
	integ := in.Integration
	if !integ.Provisioned() {
		return nil, ErrNotConfigured
	}

	key := lockKey(integ.Owner, integ.Repo)
	if !t.Locks.TryLock(key) {
		return nil, ErrInFlight
	}

	image := mirror.ImageName(integ.Owner, integ.Repo, t.UniqueImageSuffix)
	imageRef := mirror.ImageRef(t.RegistryURL, image, in.CommitSHA)

	rec, err := t.Ledger.Record(ctx, &ledger.Record{
		AttemptToken:  uuid.NewString(),
		Owner:         integ.Owner,
		Repo:          integ.Repo,
		CommitSHA:     in.CommitSHA,
		CommitMessage: in.CommitMessage,
		Environment:   in.Environment,
		ImageRef:      imageRef,
	})
	if err != nil {
		t.Locks.Unlock(key)
		return nil, fmt.Errorf("failed to record attempt: %w", err)
	}

	// The mode answers the webhook before the background work starts,
	// so it reflects what is known now: an integration without a
	// pipeline id reports ModeDirect even when run later creates one
	// lazily. Attempts after that report ModePipeline.
	mode := ModeDirect
	if integ.PipelineID != nil {
		mode = ModePipeline
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.Locks.Unlock(key)
		t.run(rec, integ, in, image)
	}()

	return &PushResult{Record: rec, Mode: mode}, nil
}

// run is the background half of Push. It owns its own deadline: a
// stuck external service can never leave the record pending forever.
func (t *Trigger) run(rec *ledger.Record, integ *integration.Integration, in PushInput, image string) {
	ctx, cancel := context.WithTimeout(context.Background(), t.PollTimeout+5*time.Minute)
	defer cancel()

	log := t.Logger.With(
		"owner", integ.Owner,
		"repo", integ.Repo,
		"commit", rec.ShortSHA(),
		"attempt", rec.AttemptToken)

	// The hostname follows the repo name as the mirror knows it, which
	// may already carry the owner prefix.
	hostRepo := integ.Repo
	if integ.MirrorRepoName != "" {
		hostRepo = integ.MirrorRepoName
	}

	mres, err := t.Mirror.Push(ctx, mirror.PushRequest{
		SourceURL:  in.SourceURL,
		Branch:     in.Branch,
		Owner:      integ.Owner,
		Repo:       integ.Repo,
		MirrorRepo: integ.MirrorRepoName,
		Manifest: mirror.ManifestSpec{
			AppName:  mirror.AppName(integ.Owner, integ.Repo),
			Image:    rec.ImageRef,
			Replicas: t.Replicas,
			Hostname: mirror.Hostname(integ.Owner, hostRepo, t.BaseDomain),
		},
	})
	if err != nil {
		log.Error("mirror push failed", "error", err)
		t.finalize(ctx, rec, ledger.StatusFailed, fmt.Sprintf("mirror push failed: %v", err))
		return
	}
	log.Info("mirror synchronized", "mirror_commit", mres.CommitID, "changed", mres.Changed)

	pipelineID := integ.PipelineID
	if pipelineID == nil {
		id, err := t.Pipelines.CreatePipeline(ctx, image, *integ.BuildProjectID, *integ.DeployProjectID)
		if err != nil {
			log.Warn("lazy pipeline creation failed, falling back to two-stage deploy", "error", err)
		} else {
			if err := t.Integrations.SetPipelineID(ctx, integ.ID, id); err != nil {
				log.Error("failed to persist pipeline id", "error", err)
			}
			pipelineID = &id
		}
	}

	if pipelineID != nil {
		runID, err := t.Pipelines.TriggerPipeline(ctx, *pipelineID, in.CommitSHA)
		if err != nil {
			log.Error("pipeline trigger failed", "error", err)
			t.finalize(ctx, rec, ledger.StatusFailed, fmt.Sprintf("pipeline trigger failed: %v", err))
			return
		}
		log.Info("pipeline triggered", "pipeline_id", *pipelineID, "run_id", runID)

		t.track(ctx, log, rec, func(ctx context.Context) (RunState, error) {
			return t.Pipelines.PipelineStatus(ctx, *pipelineID, runID)
		})
		return
	}

	// Two-stage path: the deploy only starts after the build succeeds.
	buildRun, err := t.Build.TriggerBuild(ctx, *integ.BuildProjectID, in.CommitSHA)
	if err != nil {
		log.Error("build trigger failed", "error", err)
		t.finalize(ctx, rec, ledger.StatusFailed, fmt.Sprintf("build trigger failed: %v", err))
		return
	}
	log.Info("build triggered", "run_id", buildRun)

	state, reason := t.await(ctx, log, rec, func(ctx context.Context) (RunState, error) {
		return t.Build.BuildStatus(ctx, *integ.BuildProjectID, buildRun)
	})
	if state != RunSuccess {
		if state == RunFailed {
			t.finalize(ctx, rec, ledger.StatusFailed, "build "+reason)
		}
		return
	}

	deployRun, err := t.Deploy.TriggerDeploy(ctx, *integ.DeployProjectID, rec.ImageRef)
	if err != nil {
		log.Error("deploy trigger failed", "error", err)
		t.finalize(ctx, rec, ledger.StatusFailed, fmt.Sprintf("deploy trigger failed: %v", err))
		return
	}
	log.Info("deploy triggered", "run_id", deployRun)

	t.track(ctx, log, rec, func(ctx context.Context) (RunState, error) {
		return t.Deploy.DeployStatus(ctx, *integ.DeployProjectID, deployRun)
	})
}

// DeployOnly starts a deploy of an already built image, recording it
// as a rollback descended from the source record. No build, no mirror
// regeneration.
func (t *Trigger) DeployOnly(ctx context.Context, integ *integration.Integration, source *ledger.Record, environment string) (*ledger.Record, error) {
	if integ.DeployProjectID == nil {
		return nil, ErrNotConfigured
	}

	key := lockKey(integ.Owner, integ.Repo)
	if !t.Locks.TryLock(key) {
		return nil, ErrInFlight
	}

	sourceID := source.ID
	rec, err := t.Ledger.Record(ctx, &ledger.Record{
		AttemptToken:     uuid.NewString(),
		Owner:            integ.Owner,
		Repo:             integ.Repo,
		CommitSHA:        source.CommitSHA,
		CommitMessage:    source.CommitMessage,
		Environment:      environment,
		ImageRef:         source.ImageRef,
		IsRollback:       true,
		RollbackSourceID: &sourceID,
	})
	if err != nil {
		t.Locks.Unlock(key)
		return nil, fmt.Errorf("failed to record rollback attempt: %w", err)
	}

	deployProjectID := *integ.DeployProjectID

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.Locks.Unlock(key)

		ctx, cancel := context.WithTimeout(context.Background(), t.PollTimeout+time.Minute)
		defer cancel()

		log := t.Logger.With(
			"owner", integ.Owner,
			"repo", integ.Repo,
			"commit", rec.ShortSHA(),
			"attempt", rec.AttemptToken,
			"rollback", true)

		runID, err := t.Deploy.TriggerDeploy(ctx, deployProjectID, rec.ImageRef)
		if err != nil {
			log.Error("rollback deploy trigger failed", "error", err)
			t.finalize(ctx, rec, ledger.StatusFailed, fmt.Sprintf("deploy trigger failed: %v", err))
			return
		}
		log.Info("rollback deploy triggered", "run_id", runID)

		t.track(ctx, log, rec, func(ctx context.Context) (RunState, error) {
			return t.Deploy.DeployStatus(ctx, deployProjectID, runID)
		})
	}()

	return rec, nil
}

// Observe applies an out-of-band completion signal for an attempt
// token, such as a callback from the pipeline service. A signal that
// races with the poller is harmless: the first terminal transition
// wins and the rest are no-ops. Returns whether this signal performed
// the transition.
func (t *Trigger) Observe(ctx context.Context, token, rawStatus string) (bool, error) {
	rec, err := t.Ledger.GetByToken(ctx, token)
	if err != nil {
		return false, err
	}

	state := normalizeState(rawStatus)
	if state == RunRunning {
		return false, fmt.Errorf("status %q is not terminal", rawStatus)
	}

	status := ledger.StatusSuccess
	var msg *string
	if state == RunFailed {
		status = ledger.StatusFailed
		m := "external service reported " + rawStatus
		msg = &m
	}
	return t.Ledger.Transition(ctx, rec.ID, status, msg)
}

// Wait blocks until all in-flight attempts have finished. Used during
// shutdown.
func (t *Trigger) Wait() {
	t.wg.Wait()
}

// track polls a stage to completion and writes the terminal status.
func (t *Trigger) track(ctx context.Context, log *slog.Logger, rec *ledger.Record, check func(context.Context) (RunState, error)) {
	state, reason := t.await(ctx, log, rec, check)
	switch state {
	case RunSuccess:
		t.finalize(ctx, rec, ledger.StatusSuccess, "")
		log.Info("deployment succeeded")
	case RunFailed:
		t.finalize(ctx, rec, ledger.StatusFailed, reason)
		log.Warn("deployment failed", "reason", reason)
	}
}

// await polls check every PollInterval until it reports a terminal
// state or PollTimeout elapses. A deadline writes a failed status so
// the record never stays pending. Between polls nothing is held: each
// iteration queries and returns.
func (t *Trigger) await(ctx context.Context, log *slog.Logger, rec *ledger.Record, check func(context.Context) (RunState, error)) (RunState, string) {
	deadline := time.NewTimer(t.PollTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(t.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.finalize(context.Background(), rec, ledger.StatusFailed, "completion tracking cancelled")
			return RunRunning, "cancelled"
		case <-deadline.C:
			msg := fmt.Sprintf("no terminal status within %s", t.PollTimeout)
			t.finalize(ctx, rec, ledger.StatusFailed, msg)
			log.Warn("completion tracking timed out")
			return RunRunning, "timeout"
		case <-ticker.C:
			// A completion event may have already resolved this attempt.
			current, err := t.Ledger.Get(ctx, rec.ID)
			if err == nil && current.Status.Terminal() {
				log.Info("attempt resolved out of band", "status", current.Status)
				return RunRunning, "resolved externally"
			}

			state, err := check(ctx)
			if err != nil {
				log.Warn("status poll failed, retrying", "error", err)
				continue
			}
			if state != RunRunning {
				return state, "run reported " + string(state)
			}
		}
	}
}

func (t *Trigger) finalize(ctx context.Context, rec *ledger.Record, status ledger.Status, reason string) {
	var msg *string
	if reason != "" {
		msg = &reason
	}
	did, err := t.Ledger.Transition(ctx, rec.ID, status, msg)
	if err != nil {
		t.Logger.Error("failed to finalize attempt",
			"attempt", rec.AttemptToken, "status", status, "error", err)
		return
	}
	if !did {
		t.Logger.Debug("attempt already terminal", "attempt", rec.AttemptToken)
	}
}

func lockKey(owner, repo string) string {
	return owner + "/" + repo
}
