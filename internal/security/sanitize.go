package security

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	// Safe patterns for validation
	gitURLPattern = regexp.MustCompile(`^https://[a-zA-Z0-9._-]+(?::\d+)?/[a-zA-Z0-9/_.-]+(?:\.git)?$`)
	branchPattern = regexp.MustCompile(`^[a-zA-Z0-9/_.-]+$`)
	namePattern   = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
	shaPattern    = regexp.MustCompile(`^[0-9a-fA-F]{7,40}$`)
)

// ValidateGitURL ensures a URL is safe to pass to git clone/push.
// Only HTTPS URLs with a restricted character set are allowed to
// prevent command injection through remote URLs.
func ValidateGitURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" {
		return fmt.Errorf("only HTTPS git URLs allowed, got %s://", u.Scheme)
	}

	if !gitURLPattern.MatchString(rawURL) {
		return fmt.Errorf("URL contains invalid characters or format")
	}

	return nil
}

// ValidateBranchName ensures a branch name is safe for git operations.
// Prevents command injection through branch names.
func ValidateBranchName(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("branch name cannot start with '-'")
	}
	if !branchPattern.MatchString(branch) {
		return fmt.Errorf("branch name contains invalid characters")
	}
	return nil
}

// ValidateRepoName ensures an owner or repository segment is safe for
// use in paths, image names and URLs.
func ValidateRepoName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("name cannot start with '-' or '.'")
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("name contains invalid characters (only a-z, A-Z, 0-9, _, ., - allowed)")
	}
	return nil
}

// ValidateCommitSHA ensures a commit reference is a 7 to 40 character
// hex string before it reaches git or an image tag.
func ValidateCommitSHA(sha string) error {
	if !shaPattern.MatchString(sha) {
		return fmt.Errorf("commit SHA must be 7-40 hex characters")
	}
	return nil
}
