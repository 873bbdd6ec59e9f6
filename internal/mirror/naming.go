// Package mirror maintains the deployable copy of each source
// repository: it derives registry image names and ingress hostnames,
// generates or updates Kubernetes manifests, and pushes the result to
// the internal mirror remote that the deploy service watches.
package mirror

import (
	"fmt"
	"strings"
	"time"
)

// ImageName derives the registry repository name for a source repo.
// The name is lowercase "{owner}-{repo}" with characters a registry
// would reject stripped out. When unique is set, a millisecond
// timestamp suffix guarantees the name cannot collide across tenants
// that share a registry namespace.
func ImageName(owner, repo string, unique bool) string {
	name := sanitizeName(strings.ToLower(owner + "-" + repo))
	if unique {
		name = fmt.Sprintf("%s-%d", name, time.Now().UnixMilli())
	}
	return name
}

// ImageRef joins a registry host, image name, and tag into a full
// image reference.
func ImageRef(registry, image, tag string) string {
	return fmt.Sprintf("%s/%s:%s", strings.TrimSuffix(registry, "/"), image, tag)
}

// Hostname derives the ingress hostname for a source repo under the
// configured base domain. A repo already named "{owner}-something"
// keeps its name as-is instead of doubling the owner prefix.
func Hostname(owner, repo, baseDomain string) string {
	owner = sanitizeName(strings.ToLower(owner))
	repo = sanitizeName(strings.ToLower(repo))

	sub := owner + "-" + repo
	if strings.HasPrefix(repo, owner+"-") {
		sub = repo
	}
	return sub + "." + baseDomain
}

// SplitImageRef splits a full image reference into the registry-local
// image name and tag. ok is false when the reference lacks a registry
// host or a tag.
func SplitImageRef(ref string) (image, tag string, ok bool) {
	colon := strings.LastIndex(ref, ":")
	if colon < 0 {
		return "", "", false
	}
	repoPart, tag := ref[:colon], ref[colon+1:]
	slash := strings.Index(repoPart, "/")
	if slash < 0 {
		return "", "", false
	}
	return repoPart[slash+1:], tag, true
}

// AppName derives the Kubernetes resource name for a source repo.
func AppName(owner, repo string) string {
	return sanitizeName(strings.ToLower(owner + "-" + repo))
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		case r == '_':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-.")
}
