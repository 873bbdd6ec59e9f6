package server

import (
	"context"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// CommitResolver turns a symbolic ref, such as a branch or tag name,
// into the commit SHA it points at on the source host.
type CommitResolver interface {
	ResolveCommit(ctx context.Context, owner, repo, ref string) (string, error)
}

// GitHubCommits resolves refs through the GitHub API.
type GitHubCommits struct {
	client *github.Client
}

// NewGitHubCommits creates a resolver. An empty token yields an
// unauthenticated client, which works for public repositories.
func NewGitHubCommits(token string) *GitHubCommits {
	if token == "" {
		return &GitHubCommits{client: github.NewClient(nil)}
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &GitHubCommits{client: github.NewClient(oauth2.NewClient(context.Background(), ts))}
}

func (g *GitHubCommits) ResolveCommit(ctx context.Context, owner, repo, ref string) (string, error) {
	sha, _, err := g.client.Repositories.GetCommitSHA1(ctx, owner, repo, ref, "")
	return sha, err
}
