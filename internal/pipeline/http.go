package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// restClient is the shared HTTP plumbing for the stage service
// clients. All three external services speak the same dialect: JSON
// bodies, bearer-token auth, run ids and status strings.
type restClient struct {
	endpoint string
	token    string
	http     *http.Client
}

func newRESTClient(endpoint, token string) restClient {
	return restClient{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		token:    token,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *restClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s returned status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", path, err)
		}
	}
	return nil
}

type runResponse struct {
	ID int64 `json:"id"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// BuildClient is the HTTP implementation of BuildService.
type BuildClient struct {
	restClient
}

// NewBuildClient creates a build service client.
func NewBuildClient(endpoint, token string) *BuildClient {
	return &BuildClient{newRESTClient(endpoint, token)}
}

func (c *BuildClient) TriggerBuild(ctx context.Context, projectID int64, commitSHA string) (int64, error) {
	var out runResponse
	body := map[string]string{"commit": commitSHA}
	path := fmt.Sprintf("/projects/%d/builds", projectID)
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return 0, fmt.Errorf("trigger build: %w", err)
	}
	return out.ID, nil
}

func (c *BuildClient) BuildStatus(ctx context.Context, projectID, runID int64) (RunState, error) {
	var out statusResponse
	path := fmt.Sprintf("/projects/%d/builds/%d", projectID, runID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return RunRunning, fmt.Errorf("build status: %w", err)
	}
	return normalizeState(out.Status), nil
}

// DeployClient is the HTTP implementation of DeployService.
type DeployClient struct {
	restClient
}

// NewDeployClient creates a deploy service client.
func NewDeployClient(endpoint, token string) *DeployClient {
	return &DeployClient{newRESTClient(endpoint, token)}
}

func (c *DeployClient) TriggerDeploy(ctx context.Context, projectID int64, imageRef string) (int64, error) {
	var out runResponse
	body := map[string]string{"image": imageRef}
	path := fmt.Sprintf("/projects/%d/deploys", projectID)
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return 0, fmt.Errorf("trigger deploy: %w", err)
	}
	return out.ID, nil
}

func (c *DeployClient) DeployStatus(ctx context.Context, projectID, runID int64) (RunState, error) {
	var out statusResponse
	path := fmt.Sprintf("/projects/%d/deploys/%d", projectID, runID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return RunRunning, fmt.Errorf("deploy status: %w", err)
	}
	return normalizeState(out.Status), nil
}

// PipelineClient is the HTTP implementation of PipelineService.
type PipelineClient struct {
	restClient
}

// NewPipelineClient creates a pipeline service client.
func NewPipelineClient(endpoint, token string) *PipelineClient {
	return &PipelineClient{newRESTClient(endpoint, token)}
}

func (c *PipelineClient) CreatePipeline(ctx context.Context, name string, buildProjectID, deployProjectID int64) (int64, error) {
	var out runResponse
	body := map[string]interface{}{
		"name":              name,
		"build_project_id":  buildProjectID,
		"deploy_project_id": deployProjectID,
	}
	if err := c.do(ctx, http.MethodPost, "/pipelines", body, &out); err != nil {
		return 0, fmt.Errorf("create pipeline: %w", err)
	}
	return out.ID, nil
}

func (c *PipelineClient) TriggerPipeline(ctx context.Context, pipelineID int64, commitSHA string) (int64, error) {
	var out runResponse
	body := map[string]string{"commit": commitSHA}
	path := fmt.Sprintf("/pipelines/%d/runs", pipelineID)
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return 0, fmt.Errorf("trigger pipeline: %w", err)
	}
	return out.ID, nil
}

func (c *PipelineClient) PipelineStatus(ctx context.Context, pipelineID, runID int64) (RunState, error) {
	var out statusResponse
	path := fmt.Sprintf("/pipelines/%d/runs/%d", pipelineID, runID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return RunRunning, fmt.Errorf("pipeline status: %w", err)
	}
	return normalizeState(out.Status), nil
}
