package pipeline

import (
	"context"
	"strings"
)

// RunState is the normalized status of an external stage run.
type RunState string

const (
	RunRunning RunState = "running"
	RunSuccess RunState = "success"
	RunFailed  RunState = "failed"
)

// normalizeState maps the vocabulary the external services use onto
// the three states the tracker cares about. Unknown values mean the
// run is still in progress.
func normalizeState(raw string) RunState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "succeeded", "complete", "completed":
		return RunSuccess
	case "failed", "error", "cancelled":
		return RunFailed
	default:
		return RunRunning
	}
}

// BuildService triggers container image builds on the external build
// system and reports their progress.
type BuildService interface {
	// TriggerBuild starts a build for the project and returns a run id.
	TriggerBuild(ctx context.Context, projectID int64, commitSHA string) (int64, error)

	// BuildStatus reports the state of a build run.
	BuildStatus(ctx context.Context, projectID, runID int64) (RunState, error)
}

// DeployService triggers deploys of an already built image.
type DeployService interface {
	// TriggerDeploy starts a deploy of the given image reference.
	TriggerDeploy(ctx context.Context, projectID int64, imageRef string) (int64, error)

	// DeployStatus reports the state of a deploy run.
	DeployStatus(ctx context.Context, projectID, runID int64) (RunState, error)
}

// PipelineService chains build and deploy as a single unit on the
// external system.
type PipelineService interface {
	// CreatePipeline registers a pipeline chaining the two stage
	// projects and returns its id.
	CreatePipeline(ctx context.Context, name string, buildProjectID, deployProjectID int64) (int64, error)

	// TriggerPipeline starts a pipeline run.
	TriggerPipeline(ctx context.Context, pipelineID int64, commitSHA string) (int64, error)

	// PipelineStatus reports the state of a pipeline run.
	PipelineStatus(ctx context.Context, pipelineID, runID int64) (RunState, error)
}
