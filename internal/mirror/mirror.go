package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"shipway/internal/security"
	"shipway/pkg/cmdutil"
)

const gitTimeout = 2 * time.Minute

// Mirror clones the source repository, regenerates its manifests, and
// force-pushes the result to the internal mirror remote. The mirror
// branch is machine-owned: no human pushes there, so overwriting it is
// always correct.
type Mirror struct {
	// SourceToken authenticates clones of the source repository.
	SourceToken string

	// Endpoint is the base URL of the mirror git host, e.g.
	// "https://git.internal.example.com".
	Endpoint string
	Username string
	Password string

	// WorkRoot is where per-invocation workdirs are created.
	WorkRoot string

	Logger *slog.Logger
}

// PushRequest describes one mirror synchronization.
type PushRequest struct {
	SourceURL string
	Branch    string
	Owner     string
	Repo      string

	// MirrorRepo is the repository name as the mirror host knows it,
	// e.g. "acme-widgets" for a mirror provisioned with an owner
	// prefix. Empty means the mirror uses the source repo name.
	MirrorRepo string

	Manifest ManifestSpec
}

// Result reports what a Push did.
type Result struct {
	// CommitID is the HEAD of the mirror branch after the push.
	CommitID string

	// Changed is false when the manifests were already up to date and
	// nothing new was committed.
	Changed bool
}

// Push synchronizes one repository to the mirror. The workdir is
// always removed, including on error paths.
func (m *Mirror) Push(ctx context.Context, req PushRequest) (*Result, error) {
	if err := security.ValidateGitURL(req.SourceURL); err != nil {
		return nil, fmt.Errorf("invalid source URL: %w", err)
	}
	if err := security.ValidateBranchName(req.Branch); err != nil {
		return nil, fmt.Errorf("invalid branch: %w", err)
	}

	workDir := filepath.Join(m.WorkRoot, "shipway-mirror-"+uuid.NewString()[:8])
	if err := os.MkdirAll(workDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create workdir: %w", err)
	}
	defer os.RemoveAll(workDir)

	cloneURL := injectToken(req.SourceURL, m.SourceToken)

	if err := m.git(ctx, m.WorkRoot, "clone", "--branch", req.Branch, "--single-branch", cloneURL, workDir); err != nil {
		return nil, fmt.Errorf("clone failed: %w", err)
	}

	changed, err := EnsureManifests(workDir, req.Manifest)
	if err != nil {
		return nil, fmt.Errorf("manifest generation failed: %w", err)
	}

	if changed {
		if err := m.git(ctx, workDir, "config", "user.name", "shipway"); err != nil {
			return nil, err
		}
		if err := m.git(ctx, workDir, "config", "user.email", "shipway@localhost"); err != nil {
			return nil, err
		}
		if err := m.git(ctx, workDir, "add", "k8s"); err != nil {
			return nil, err
		}
		msg := fmt.Sprintf("deploy %s/%s: %s", req.Owner, req.Repo, req.Manifest.Image)
		if err := m.git(ctx, workDir, "commit", "-m", msg); err != nil {
			return nil, fmt.Errorf("commit failed: %w", err)
		}
	}

	mirrorName := req.MirrorRepo
	if mirrorName == "" {
		mirrorName = req.Repo
	}
	mirrorURL := m.mirrorURL(req.Owner, mirrorName)

	// Force push regardless of whether this run committed: the mirror
	// must converge on this tree even after a previous partial failure.
	if err := m.git(ctx, workDir, "push", "--force", mirrorURL, "HEAD:refs/heads/"+req.Branch); err != nil {
		return nil, fmt.Errorf("mirror push failed: %w", err)
	}

	out, err := cmdutil.RunWithTimeout(ctx, workDir, gitTimeout, []string{"git", "rev-parse", "HEAD"})
	if err != nil {
		return nil, fmt.Errorf("rev-parse failed: %w", err)
	}

	return &Result{
		CommitID: strings.TrimSpace(string(out)),
		Changed:  changed,
	}, nil
}

func (m *Mirror) git(ctx context.Context, dir string, args ...string) error {
	cmdParts := append([]string{"git"}, args...)

	m.Logger.Debug("running git command",
		"command", cmdutil.FormatCommand(redactParts(cmdParts, m.secrets())),
		"dir", dir)

	out, err := cmdutil.RunWithTimeout(ctx, dir, gitTimeout, cmdParts)
	if err != nil {
		safe := cmdutil.SanitizeOutput(out, m.secrets())
		return fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(safe)))
	}
	return nil
}

func (m *Mirror) secrets() []string {
	return []string{m.SourceToken, m.Password}
}

func (m *Mirror) mirrorURL(owner, name string) string {
	base := strings.TrimSuffix(m.Endpoint, "/")
	u := fmt.Sprintf("%s/%s/%s.git", base, strings.ToLower(owner), strings.ToLower(name))
	if m.Username != "" && m.Password != "" {
		u = strings.Replace(u, "https://", fmt.Sprintf("https://%s:%s@", m.Username, m.Password), 1)
	}
	return u
}

// injectToken embeds an access token into an https clone URL.
// Installation tokens ("ghs_" prefix) require x-access-token basic
// auth; personal tokens use the x-oauth-basic form.
func injectToken(url, token string) string {
	if token == "" || !strings.HasPrefix(url, "https://") {
		return url
	}
	if strings.HasPrefix(token, "ghs_") {
		return strings.Replace(url, "https://", fmt.Sprintf("https://x-access-token:%s@", token), 1)
	}
	return strings.Replace(url, "https://", fmt.Sprintf("https://%s:x-oauth-basic@", token), 1)
}

func redactParts(parts []string, secrets []string) []string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(cmdutil.SanitizeOutput([]byte(p), secrets))
	}
	return out
}
