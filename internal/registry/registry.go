// Package registry checks image existence against a container registry
// speaking the v2 HTTP API.
package registry

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client queries a single registry host.
type Client struct {
	// BaseURL is the registry host, with or without a scheme.
	BaseURL  string
	Username string
	Password string

	// HTTPClient defaults to a client with a 10 second timeout.
	HTTPClient *http.Client
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (c *Client) baseURL() string {
	u := strings.TrimSuffix(c.BaseURL, "/")
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = "https://" + u
	}
	return u
}

// ManifestExists reports whether the registry has a manifest for the
// given image and tag. A missing image is not an error; only transport
// or unexpected status failures are.
func (c *Client) ManifestExists(ctx context.Context, image, tag string) (bool, error) {
	url := fmt.Sprintf("%s/v2/%s/manifests/%s", c.baseURL(), image, tag)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build registry request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.docker.distribution.manifest.v2+json")
	if c.Username != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return false, fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("registry returned unexpected status %d for %s:%s", resp.StatusCode, image, tag)
	}
}
