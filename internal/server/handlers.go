package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-github/v57/github"

	"shipway/internal/integration"
	"shipway/internal/ledger"
	"shipway/internal/pipeline"
	"shipway/internal/rollback"
	"shipway/internal/security"
)

const (
	MaxPayloadBytes        = 1_000_000 // 1 MB
	RecentDeploymentsLimit = 10
)

// HandleWebhook handles source host webhook requests. Push events on
// the main branch trigger staging deploys; published releases trigger
// production deploys. Everything else is acknowledged and ignored.
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > MaxPayloadBytes {
		s.respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Payload too large"})
		return
	}
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		s.respondJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "Invalid content type"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxPayloadBytes))
	if err != nil {
		s.Logger.Error("Failed to read request body", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to read payload"})
		return
	}

	// Signature check happens on the raw bytes, before any parsing.
	signature := r.Header.Get("X-Hub-Signature-256")
	if !VerifySignature(body, signature, s.WebhookSecret) {
		s.respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid signature"})
		return
	}

	switch r.Header.Get("X-GitHub-Event") {
	case "push":
		s.handlePushEvent(w, r, body)
	case "release":
		s.handleReleaseEvent(w, r, body)
	default:
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "unhandled event type"})
	}
}

func (s *Server) handlePushEvent(w http.ResponseWriter, r *http.Request, body []byte) {
	var event github.PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON payload"})
		return
	}

	installationID := event.GetInstallation().GetID()
	integ, err := s.Integrations.ByInstallation(r.Context(), installationID)
	if err != nil {
		if errors.Is(err, integration.ErrNotFound) {
			s.respondJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "unknown installation"})
			return
		}
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Integration lookup failed"})
		return
	}

	branch := strings.TrimPrefix(event.GetRef(), "refs/heads/")
	if branch != s.deployBranch(integ) {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "not the deployment branch"})
		return
	}

	// Only merged work deploys. Direct pushes to the branch are
	// discarded unless they look like a merged pull request.
	message := event.GetHeadCommit().GetMessage()
	pusher := event.GetPusher().GetName()
	if !strings.Contains(strings.ToLower(message), "merge pull request") && pusher != "web-flow" {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "not a merge commit"})
		return
	}

	if !integ.AutoDeployEnabled {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "skipped", "reason": "auto deploy disabled"})
		return
	}

	s.trigger(w, r, pipeline.PushInput{
		Integration:   integ,
		SourceURL:     s.cloneURL(event.GetRepo().GetCloneURL(), integ),
		Branch:        branch,
		CommitSHA:     event.GetAfter(),
		CommitMessage: message,
		Environment:   "staging",
	})
}

func (s *Server) handleReleaseEvent(w http.ResponseWriter, r *http.Request, body []byte) {
	var event github.ReleaseEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON payload"})
		return
	}

	if event.GetAction() != "published" {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "release action is not published"})
		return
	}

	installationID := event.GetInstallation().GetID()
	integ, err := s.Integrations.ByInstallation(r.Context(), installationID)
	if err != nil {
		if errors.Is(err, integration.ErrNotFound) {
			s.respondJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "unknown installation"})
			return
		}
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Integration lookup failed"})
		return
	}

	if !integ.AutoDeployEnabled {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "skipped", "reason": "auto deploy disabled"})
		return
	}

	release := event.GetRelease()

	// target_commitish is usually a branch name; the ledger and the
	// image tag need the commit SHA it points at.
	sha, ok := s.releaseCommit(w, r, integ, release.GetTargetCommitish())
	if !ok {
		return
	}

	s.trigger(w, r, pipeline.PushInput{
		Integration:   integ,
		SourceURL:     s.cloneURL(event.GetRepo().GetCloneURL(), integ),
		Branch:        s.deployBranch(integ),
		CommitSHA:     sha,
		CommitMessage: "release " + release.GetTagName(),
		Environment:   "production",
	})
}

// releaseCommit returns the commit SHA a release deploys. Non-SHA
// targets are resolved through the source host; a target that cannot
// be resolved never reaches the ledger.
func (s *Server) releaseCommit(w http.ResponseWriter, r *http.Request, integ *integration.Integration, ref string) (string, bool) {
	if security.ValidateCommitSHA(ref) == nil {
		return ref, true
	}

	if s.Commits == nil {
		s.respondJSON(w, http.StatusPreconditionFailed, map[string]string{"error": "Release target is not a commit SHA"})
		return "", false
	}

	sha, err := s.Commits.ResolveCommit(r.Context(), integ.Owner, integ.Repo, ref)
	if err == nil && security.ValidateCommitSHA(sha) != nil {
		err = fmt.Errorf("resolved to %q, not a commit SHA", sha)
	}
	if err != nil {
		s.Logger.Error("Failed to resolve release target",
			"owner", integ.Owner, "repo", integ.Repo, "ref", ref, "error", err)
		s.respondJSON(w, http.StatusBadGateway, map[string]string{"error": "Failed to resolve release target to a commit"})
		return "", false
	}
	return sha, true
}

// deployBranch is the branch deployments run from, per-integration
// when configured.
func (s *Server) deployBranch(integ *integration.Integration) string {
	if integ.Branch != "" {
		return integ.Branch
	}
	return s.MainBranch
}

// trigger starts the attempt and translates the outcome into the
// webhook response vocabulary.
func (s *Server) trigger(w http.ResponseWriter, r *http.Request, in pipeline.PushInput) {
	res, err := s.Trigger.Push(r.Context(), in)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrInFlight):
			s.respondJSON(w, http.StatusOK, map[string]string{"status": "skipped", "reason": "deployment already in flight"})
		case errors.Is(err, pipeline.ErrNotConfigured):
			s.respondJSON(w, http.StatusPreconditionFailed, map[string]string{"error": "Repository is not fully configured for deployment"})
		default:
			s.Logger.Error("Failed to trigger deployment", "error", err,
				"owner", in.Integration.Owner, "repo", in.Integration.Repo)
			s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to trigger deployment"})
		}
		return
	}

	status := "triggered"
	if res.Mode == pipeline.ModePipeline {
		status = "pipeline_triggered"
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"status":  status,
		"attempt": res.Record.AttemptToken,
		"commit":  res.Record.ShortSHA(),
	})
}

// HandlePipelineEvent applies an out-of-band completion signal from an
// external service. HMAC-gated with the webhook secret.
func (s *Server) HandlePipelineEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxPayloadBytes))
	if err != nil {
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to read payload"})
		return
	}

	signature := r.Header.Get("X-Hub-Signature-256")
	if !VerifySignature(body, signature, s.WebhookSecret) {
		s.respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid signature"})
		return
	}

	var event struct {
		AttemptToken string `json:"attempt_token"`
		Status       string `json:"status"`
	}
	if err := json.Unmarshal(body, &event); err != nil || event.AttemptToken == "" {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid event payload"})
		return
	}

	applied, err := s.Trigger.Observe(r.Context(), event.AttemptToken, event.Status)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown attempt token"})
			return
		}
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{"applied": applied})
}

type rollbackRequest struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Commit string `json:"commit"`
	Steps  int    `json:"steps"`
}

// HandleRollbackCommit rolls back to a specific commit.
func (s *Server) HandleRollbackCommit(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRollbackRequest(w, r)
	if !ok {
		return
	}
	if err := security.ValidateCommitSHA(req.Commit); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid commit: %v", err)})
		return
	}

	rec, err := s.Rollback.ToCommit(r.Context(), req.Owner, req.Repo, req.Commit)
	if err != nil {
		s.respondRollbackError(w, err)
		return
	}
	s.respondRollbackAccepted(w, rec)
}

// HandleRollbackPrevious rolls back a number of steps behind the
// current deployment. Steps defaults to 1.
func (s *Server) HandleRollbackPrevious(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRollbackRequest(w, r)
	if !ok {
		return
	}
	if req.Steps == 0 {
		req.Steps = 1
	}

	rec, err := s.Rollback.ToPrevious(r.Context(), req.Owner, req.Repo, req.Steps)
	if err != nil {
		s.respondRollbackError(w, err)
		return
	}
	s.respondRollbackAccepted(w, rec)
}

// HandleCandidates lists what a rollback could target.
func (s *Server) HandleCandidates(w http.ResponseWriter, r *http.Request) {
	owner, repo, ok := s.repoParams(w, r)
	if !ok {
		return
	}

	candidates, err := s.Rollback.CandidateList(r.Context(), owner, repo, RecentDeploymentsLimit)
	if err != nil {
		s.respondRollbackError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"owner":      owner,
		"repo":       repo,
		"candidates": candidates,
	})
}

// HandleDiagnose reports rollback readiness for a repository.
func (s *Server) HandleDiagnose(w http.ResponseWriter, r *http.Request) {
	owner, repo, ok := s.repoParams(w, r)
	if !ok {
		return
	}

	report, err := s.Rollback.Diagnose(r.Context(), owner, repo)
	if err != nil {
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Diagnosis failed"})
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

// HandleDeployments returns the current deployment and recent history.
func (s *Server) HandleDeployments(w http.ResponseWriter, r *http.Request) {
	owner, repo, ok := s.repoParams(w, r)
	if !ok {
		return
	}

	current, err := s.Ledger.Current(r.Context(), owner, repo)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch deployment status"})
		return
	}

	recent, err := s.Ledger.History(r.Context(), owner, repo, RecentDeploymentsLimit)
	if err != nil {
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch deployment status"})
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"owner":   owner,
		"repo":    repo,
		"current": deploymentJSON(current),
		"recent":  deploymentsJSON(recent),
	})
}

// HandleHealth handles health check requests.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	integrations, err := s.Integrations.List(r.Context())
	if err != nil {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": "store unavailable"})
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ok",
		"integration_count": len(integrations),
	})
}

func (s *Server) decodeRollbackRequest(w http.ResponseWriter, r *http.Request) (*rollbackRequest, bool) {
	var req rollbackRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, MaxPayloadBytes)).Decode(&req); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON payload"})
		return nil, false
	}
	if err := security.ValidateRepoName(req.Owner); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid owner: %v", err)})
		return nil, false
	}
	if err := security.ValidateRepoName(req.Repo); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid repo: %v", err)})
		return nil, false
	}
	return &req, true
}

func (s *Server) repoParams(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	owner := chi.URLParam(r, "owner")
	repo := chi.URLParam(r, "repo")
	if err := security.ValidateRepoName(owner); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid owner: %v", err)})
		return "", "", false
	}
	if err := security.ValidateRepoName(repo); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid repo: %v", err)})
		return "", "", false
	}
	return owner, repo, true
}

func (s *Server) respondRollbackError(w http.ResponseWriter, err error) {
	var insufficient *rollback.InsufficientHistoryError
	switch {
	case errors.Is(err, rollback.ErrNotConfigured):
		s.respondJSON(w, http.StatusPreconditionFailed, map[string]string{"error": err.Error()})
	case errors.Is(err, rollback.ErrNoHistory):
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, rollback.ErrStale):
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.As(err, &insufficient):
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, pipeline.ErrInFlight):
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "skipped", "reason": "deployment already in flight"})
	default:
		s.Logger.Error("Rollback failed", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Rollback failed"})
	}
}

func (s *Server) respondRollbackAccepted(w http.ResponseWriter, rec *ledger.Record) {
	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"status":  "rollback_triggered",
		"attempt": rec.AttemptToken,
		"commit":  rec.ShortSHA(),
		"image":   rec.ImageRef,
	})
}

func deploymentJSON(rec *ledger.Record) map[string]interface{} {
	if rec == nil {
		return nil
	}
	out := map[string]interface{}{
		"commit":      rec.CommitSHA,
		"short_sha":   rec.ShortSHA(),
		"message":     rec.CommitMessage,
		"environment": rec.Environment,
		"status":      string(rec.Status),
		"image":       rec.ImageRef,
		"is_rollback": rec.IsRollback,
		"created_at":  rec.CreatedAt,
	}
	if rec.DeployedAt != nil {
		out["deployed_at"] = rec.DeployedAt
	}
	if rec.ErrorMessage != nil {
		out["error"] = *rec.ErrorMessage
	}
	return out
}

func deploymentsJSON(recs []ledger.Record) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(recs))
	for i := range recs {
		out = append(out, deploymentJSON(&recs[i]))
	}
	return out
}

func (s *Server) cloneURL(fromEvent string, integ *integration.Integration) string {
	if fromEvent != "" {
		return fromEvent
	}
	return fmt.Sprintf("https://github.com/%s/%s.git", integ.Owner, integ.Repo)
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.Logger.Error("Failed to encode JSON response", "error", err)
	}
}
