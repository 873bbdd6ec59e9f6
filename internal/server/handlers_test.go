package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipway/internal/integration"
	"shipway/internal/ledger"
	"shipway/internal/mirror"
	"shipway/internal/pipeline"
	"shipway/internal/rollback"
	"shipway/internal/store"
)

const testSecret = "a-perfectly-reasonable-secret-of-32ch"

type stubMirror struct{}

func (stubMirror) Push(ctx context.Context, req mirror.PushRequest) (*mirror.Result, error) {
	return &mirror.Result{CommitID: "abcdef0", Changed: true}, nil
}

// stubStages answers every stage call successfully and immediately.
type stubStages struct {
	mu             sync.Mutex
	deployTriggers int
}

func (s *stubStages) TriggerBuild(ctx context.Context, projectID int64, commitSHA string) (int64, error) {
	return 1, nil
}
func (s *stubStages) BuildStatus(ctx context.Context, projectID, runID int64) (pipeline.RunState, error) {
	return pipeline.RunSuccess, nil
}
func (s *stubStages) TriggerDeploy(ctx context.Context, projectID int64, imageRef string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deployTriggers++
	return 2, nil
}
func (s *stubStages) DeployStatus(ctx context.Context, projectID, runID int64) (pipeline.RunState, error) {
	return pipeline.RunSuccess, nil
}
func (s *stubStages) CreatePipeline(ctx context.Context, name string, buildProjectID, deployProjectID int64) (int64, error) {
	return 900, nil
}
func (s *stubStages) TriggerPipeline(ctx context.Context, pipelineID int64, commitSHA string) (int64, error) {
	return 3, nil
}
func (s *stubStages) PipelineStatus(ctx context.Context, pipelineID, runID int64) (pipeline.RunState, error) {
	return pipeline.RunSuccess, nil
}

// stubResolver answers ref resolutions from a fixed SHA.
type stubResolver struct {
	mu    sync.Mutex
	calls int
	sha   string
	err   error
}

func (s *stubResolver) ResolveCommit(ctx context.Context, owner, repo, ref string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.sha, nil
}

func (s *stubResolver) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type serverEnv struct {
	server   *Server
	ledger   *ledger.Store
	integs   *integration.Store
	stages   *stubStages
	resolver *stubResolver
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	led, err := ledger.NewStore(db)
	require.NoError(t, err)
	integs, err := integration.NewStore(db)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stages := &stubStages{}

	trigger := &pipeline.Trigger{
		Ledger:       led,
		Integrations: integs,
		Mirror:       stubMirror{},
		Build:        stages,
		Deploy:       stages,
		Pipelines:    stages,
		Locks:        pipeline.NewLockManager(),
		Logger:       logger,
		RegistryURL:  "registry.example.com",
		BaseDomain:   "apps.example.com",
		Replicas:     2,
		PollInterval: 5 * time.Millisecond,
		PollTimeout:  500 * time.Millisecond,
	}

	engine := &rollback.Engine{
		Ledger:       led,
		Integrations: integs,
		Deployer:     trigger,
		Freshness:    30 * 24 * time.Hour,
		Logger:       logger,
	}

	resolver := &stubResolver{sha: testSHA}

	srv := &Server{
		Trigger:       trigger,
		Rollback:      engine,
		Ledger:        led,
		Integrations:  integs,
		Logger:        logger,
		Commits:       resolver,
		WebhookSecret: testSecret,
		MainBranch:    "main",
		TestMode:      true,
	}

	return &serverEnv{server: srv, ledger: led, integs: integs, stages: stages, resolver: resolver}
}

func (e *serverEnv) addIntegration(t *testing.T, pipelineID *int64, autoDeploy bool) *integration.Integration {
	t.Helper()
	build, deploy := int64(100), int64(200)
	in, err := e.integs.Upsert(context.Background(), &integration.Integration{
		Owner:             "acme",
		Repo:              "widgets",
		InstallationID:    42,
		BuildProjectID:    &build,
		DeployProjectID:   &deploy,
		PipelineID:        pipelineID,
		AutoDeployEnabled: autoDeploy,
	})
	require.NoError(t, err)
	return in
}

func pushPayload(ref, after, message, pusher string, installationID int64) []byte {
	payload := map[string]interface{}{
		"ref":   ref,
		"after": after,
		"head_commit": map[string]interface{}{
			"message": message,
		},
		"pusher": map[string]interface{}{
			"name": pusher,
		},
		"installation": map[string]interface{}{
			"id": installationID,
		},
		"repository": map[string]interface{}{
			"clone_url": "https://github.com/acme/widgets.git",
		},
	}
	body, _ := json.Marshal(payload)
	return body
}

func (e *serverEnv) post(t *testing.T, path, event string, body []byte, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if event != "" {
		req.Header.Set("X-GitHub-Event", event)
	}
	if sign {
		req.Header.Set("X-Hub-Signature-256", signBody(body, testSecret))
	}

	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

const testSHA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func TestWebhook_InvalidSignature(t *testing.T) {
	e := newServerEnv(t)
	body := pushPayload("refs/heads/main", testSHA, "Merge pull request #1", "alice", 42)

	w := e.post(t, "/webhook", "push", body, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhook_UnhandledEvent(t *testing.T) {
	e := newServerEnv(t)

	w := e.post(t, "/webhook", "issues", []byte(`{}`), true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ignored", decodeBody(t, w)["status"])
}

func TestWebhook_WrongBranch(t *testing.T) {
	e := newServerEnv(t)
	e.addIntegration(t, nil, true)
	body := pushPayload("refs/heads/feature", testSHA, "Merge pull request #1", "alice", 42)

	w := e.post(t, "/webhook", "push", body, true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ignored", decodeBody(t, w)["status"])
}

func TestWebhook_NonMergeCommit(t *testing.T) {
	e := newServerEnv(t)
	e.addIntegration(t, nil, true)
	body := pushPayload("refs/heads/main", testSHA, "fix typo", "alice", 42)

	w := e.post(t, "/webhook", "push", body, true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ignored", decodeBody(t, w)["status"])

	// Nothing was recorded for a discarded event.
	history, err := e.ledger.History(context.Background(), "acme", "widgets", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestWebhook_WebFlowPusherCountsAsMerge(t *testing.T) {
	e := newServerEnv(t)
	e.addIntegration(t, nil, true)
	body := pushPayload("refs/heads/main", testSHA, "squashed title", "web-flow", 42)

	w := e.post(t, "/webhook", "push", body, true)
	assert.Equal(t, http.StatusAccepted, w.Code)
	e.server.Trigger.Wait()
}

func TestWebhook_UnknownInstallation(t *testing.T) {
	e := newServerEnv(t)
	body := pushPayload("refs/heads/main", testSHA, "Merge pull request #1", "alice", 999)

	w := e.post(t, "/webhook", "push", body, true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ignored", decodeBody(t, w)["status"])
}

func TestWebhook_AutoDeployDisabled(t *testing.T) {
	e := newServerEnv(t)
	e.addIntegration(t, nil, false)
	body := pushPayload("refs/heads/main", testSHA, "Merge pull request #1", "alice", 42)

	w := e.post(t, "/webhook", "push", body, true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "skipped", decodeBody(t, w)["status"])
}

func TestWebhook_PushTriggersPipeline(t *testing.T) {
	e := newServerEnv(t)
	pid := int64(777)
	e.addIntegration(t, &pid, true)
	body := pushPayload("refs/heads/main", testSHA, "Merge pull request #1 from acme/fix", "alice", 42)

	w := e.post(t, "/webhook", "push", body, true)
	assert.Equal(t, http.StatusAccepted, w.Code)

	resp := decodeBody(t, w)
	assert.Equal(t, "pipeline_triggered", resp["status"])
	assert.NotEmpty(t, resp["attempt"])

	e.server.Trigger.Wait()

	got, err := e.ledger.GetByToken(context.Background(), resp["attempt"].(string))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSuccess, got.Status)
	assert.Equal(t, "staging", got.Environment)
}

func TestWebhook_InFlightSkipped(t *testing.T) {
	e := newServerEnv(t)
	pid := int64(777)
	e.addIntegration(t, &pid, true)
	body := pushPayload("refs/heads/main", testSHA, "Merge pull request #1", "alice", 42)

	e.server.Trigger.Locks.TryLock("acme/widgets")

	w := e.post(t, "/webhook", "push", body, true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "skipped", decodeBody(t, w)["status"])
}

func TestWebhook_ReleasePublished(t *testing.T) {
	e := newServerEnv(t)
	pid := int64(777)
	e.addIntegration(t, &pid, true)

	payload := map[string]interface{}{
		"action": "published",
		"release": map[string]interface{}{
			"tag_name":         "v1.2.0",
			"target_commitish": testSHA,
		},
		"installation": map[string]interface{}{"id": 42},
		"repository": map[string]interface{}{
			"clone_url": "https://github.com/acme/widgets.git",
		},
	}
	body, _ := json.Marshal(payload)

	w := e.post(t, "/webhook", "release", body, true)
	assert.Equal(t, http.StatusAccepted, w.Code)

	resp := decodeBody(t, w)
	e.server.Trigger.Wait()

	got, err := e.ledger.GetByToken(context.Background(), resp["attempt"].(string))
	require.NoError(t, err)
	assert.Equal(t, "production", got.Environment)

	// A target that already is a SHA is used as-is.
	assert.Equal(t, 0, e.resolver.callCount())
}

func TestWebhook_ReleaseBranchTargetResolved(t *testing.T) {
	e := newServerEnv(t)
	pid := int64(777)
	e.addIntegration(t, &pid, true)

	payload := map[string]interface{}{
		"action": "published",
		"release": map[string]interface{}{
			"tag_name":         "v1.3.0",
			"target_commitish": "main",
		},
		"installation": map[string]interface{}{"id": 42},
		"repository": map[string]interface{}{
			"clone_url": "https://github.com/acme/widgets.git",
		},
	}
	body, _ := json.Marshal(payload)

	w := e.post(t, "/webhook", "release", body, true)
	assert.Equal(t, http.StatusAccepted, w.Code)

	resp := decodeBody(t, w)
	e.server.Trigger.Wait()

	// The branch name never reaches the ledger or the image tag.
	got, err := e.ledger.GetByToken(context.Background(), resp["attempt"].(string))
	require.NoError(t, err)
	assert.Equal(t, testSHA, got.CommitSHA)
	assert.True(t, strings.HasSuffix(got.ImageRef, ":"+testSHA),
		"image tag must be the commit SHA, got %s", got.ImageRef)
	assert.Equal(t, 1, e.resolver.callCount())
}

func TestWebhook_ReleaseUnresolvableTarget(t *testing.T) {
	e := newServerEnv(t)
	pid := int64(777)
	e.addIntegration(t, &pid, true)
	e.resolver.err = errors.New("ref not found")

	payload := map[string]interface{}{
		"action": "published",
		"release": map[string]interface{}{
			"tag_name":         "v1.3.0",
			"target_commitish": "does-not-exist",
		},
		"installation": map[string]interface{}{"id": 42},
		"repository": map[string]interface{}{
			"clone_url": "https://github.com/acme/widgets.git",
		},
	}
	body, _ := json.Marshal(payload)

	w := e.post(t, "/webhook", "release", body, true)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	history, err := e.ledger.History(context.Background(), "acme", "widgets", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestWebhook_IntegrationBranchOverride(t *testing.T) {
	e := newServerEnv(t)
	pid := int64(777)
	build, deploy := int64(100), int64(200)
	_, err := e.integs.Upsert(context.Background(), &integration.Integration{
		Owner:             "acme",
		Repo:              "widgets",
		InstallationID:    42,
		BuildProjectID:    &build,
		DeployProjectID:   &deploy,
		PipelineID:        &pid,
		Branch:            "production",
		AutoDeployEnabled: true,
	})
	require.NoError(t, err)

	w := e.post(t, "/webhook", "push", pushPayload("refs/heads/main", testSHA, "Merge pull request #1", "alice", 42), true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ignored", decodeBody(t, w)["status"])

	w = e.post(t, "/webhook", "push", pushPayload("refs/heads/production", testSHA, "Merge pull request #1", "alice", 42), true)
	assert.Equal(t, http.StatusAccepted, w.Code)
	e.server.Trigger.Wait()
}

func TestWebhook_ReleaseOtherAction(t *testing.T) {
	e := newServerEnv(t)
	e.addIntegration(t, nil, true)

	body := []byte(`{"action":"created","installation":{"id":42}}`)
	w := e.post(t, "/webhook", "release", body, true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ignored", decodeBody(t, w)["status"])
}

func TestPipelineEvent(t *testing.T) {
	e := newServerEnv(t)

	rec, err := e.ledger.Record(context.Background(), &ledger.Record{
		AttemptToken: "tok-evt",
		Owner:        "acme",
		Repo:         "widgets",
		CommitSHA:    testSHA,
		Environment:  "staging",
		ImageRef:     "registry.example.com/acme-widgets:aaaaaaa",
	})
	require.NoError(t, err)

	body := []byte(`{"attempt_token":"tok-evt","status":"succeeded"}`)
	w := e.post(t, "/pipeline/events", "", body, true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["applied"])

	got, err := e.ledger.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSuccess, got.Status)

	// Duplicate signal: acknowledged but not applied.
	w = e.post(t, "/pipeline/events", "", body, true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["applied"])
}

func TestPipelineEvent_Unsigned(t *testing.T) {
	e := newServerEnv(t)
	body := []byte(`{"attempt_token":"tok","status":"succeeded"}`)

	w := e.post(t, "/pipeline/events", "", body, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPipelineEvent_UnknownToken(t *testing.T) {
	e := newServerEnv(t)
	body := []byte(`{"attempt_token":"nope","status":"succeeded"}`)

	w := e.post(t, "/pipeline/events", "", body, true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func (e *serverEnv) seedSuccess(t *testing.T, token, sha string) {
	t.Helper()
	ctx := context.Background()
	rec, err := e.ledger.Record(ctx, &ledger.Record{
		AttemptToken: token,
		Owner:        "acme",
		Repo:         "widgets",
		CommitSHA:    sha,
		Environment:  "production",
		ImageRef:     "registry.example.com/acme-widgets:" + sha[:7],
	})
	require.NoError(t, err)
	_, err = e.ledger.Transition(ctx, rec.ID, ledger.StatusSuccess, nil)
	require.NoError(t, err)
}

func TestRollbackPrevious(t *testing.T) {
	e := newServerEnv(t)
	e.addIntegration(t, nil, true)
	e.seedSuccess(t, "tok-1", "1111111111111111111111111111111111111111")
	e.seedSuccess(t, "tok-2", "2222222222222222222222222222222222222222")

	body := []byte(`{"owner":"acme","repo":"widgets"}`)
	w := e.post(t, "/rollback/previous", "", body, false)
	assert.Equal(t, http.StatusAccepted, w.Code)

	resp := decodeBody(t, w)
	assert.Equal(t, "rollback_triggered", resp["status"])
	assert.Equal(t, "1111111", resp["commit"])

	e.server.Trigger.Wait()
	assert.Equal(t, 1, e.stages.deployTriggers)
}

func TestRollbackPrevious_InsufficientHistory(t *testing.T) {
	e := newServerEnv(t)
	e.addIntegration(t, nil, true)
	e.seedSuccess(t, "tok-1", "1111111111111111111111111111111111111111")

	body := []byte(`{"owner":"acme","repo":"widgets","steps":3}`)
	w := e.post(t, "/rollback/previous", "", body, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRollbackPrevious_NotConfigured(t *testing.T) {
	e := newServerEnv(t)

	body := []byte(`{"owner":"acme","repo":"widgets"}`)
	w := e.post(t, "/rollback/previous", "", body, false)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
}

func TestRollbackCommit(t *testing.T) {
	e := newServerEnv(t)
	e.addIntegration(t, nil, true)
	e.seedSuccess(t, "tok-1", "1111111111111111111111111111111111111111")
	e.seedSuccess(t, "tok-2", "2222222222222222222222222222222222222222")

	body := []byte(`{"owner":"acme","repo":"widgets","commit":"1111111"}`)
	w := e.post(t, "/rollback/commit", "", body, false)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "1111111", decodeBody(t, w)["commit"])
	e.server.Trigger.Wait()
}

func TestRollbackCommit_UnknownCommit(t *testing.T) {
	e := newServerEnv(t)
	e.addIntegration(t, nil, true)
	e.seedSuccess(t, "tok-1", "1111111111111111111111111111111111111111")

	body := []byte(`{"owner":"acme","repo":"widgets","commit":"fffffff"}`)
	w := e.post(t, "/rollback/commit", "", body, false)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRollbackCommit_InvalidSHA(t *testing.T) {
	e := newServerEnv(t)

	body := []byte(`{"owner":"acme","repo":"widgets","commit":"not-a-sha!"}`)
	w := e.post(t, "/rollback/commit", "", body, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCandidates(t *testing.T) {
	e := newServerEnv(t)
	e.addIntegration(t, nil, true)
	e.seedSuccess(t, "tok-1", "1111111111111111111111111111111111111111")
	e.seedSuccess(t, "tok-2", "2222222222222222222222222222222222222222")

	req := httptest.NewRequest(http.MethodGet, "/rollback/candidates/acme/widgets", nil)
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	candidates := resp["candidates"].([]interface{})
	assert.Len(t, candidates, 2)
	first := candidates[0].(map[string]interface{})
	assert.Equal(t, true, first["is_current"])
	assert.Equal(t, "2222222", first["short_sha"])
}

func TestDiagnose(t *testing.T) {
	e := newServerEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/rollback/diagnose/acme/widgets", nil)
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, false, resp["ready"])
}

func TestDeployments(t *testing.T) {
	e := newServerEnv(t)
	e.seedSuccess(t, "tok-1", "1111111111111111111111111111111111111111")

	req := httptest.NewRequest(http.MethodGet, "/deployments/acme/widgets", nil)
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	current := resp["current"].(map[string]interface{})
	assert.Equal(t, "success", current["status"])
	assert.Len(t, resp["recent"].([]interface{}), 1)
}

func TestDeployments_EmptyRepo(t *testing.T) {
	e := newServerEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/deployments/acme/widgets", nil)
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Nil(t, resp["current"])
}

func TestHealth(t *testing.T) {
	e := newServerEnv(t)
	e.addIntegration(t, nil, true)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, float64(1), resp["integration_count"])
}

func TestWebhook_PayloadTooLarge(t *testing.T) {
	e := newServerEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte("{}")))
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = MaxPayloadBytes + 1

	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestWebhook_WrongContentType(t *testing.T) {
	e := newServerEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte("ref=main")))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}
