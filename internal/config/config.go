package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	MinSecretLength = 32

	DefaultHost          = "127.0.0.1"
	DefaultPort          = 5000
	DefaultDBPath        = "./shipway.db"
	DefaultBranch        = "main"
	DefaultReplicas      = 2
	DefaultFreshnessDays = 30
	DefaultPollInterval  = 10
	DefaultPollTimeout   = 300
)

// ForbiddenSecrets are placeholder values that must never be used as a
// webhook secret in a real deployment.
var ForbiddenSecrets = map[string]bool{
	"replace-with-secret": true,
	"topsecret":           true,
	"secret":              true,
	"password":            true,
	"changeme":            true,
}

// ServiceConfig describes an external pipeline stage service
// (build, deploy, or combined pipeline).
type ServiceConfig struct {
	Endpoint string `yaml:"endpoint"`
	Token    string `yaml:"token"`
}

// MirrorConfig describes the internal git mirror service.
type MirrorConfig struct {
	Endpoint string `yaml:"endpoint"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// RegistryConfig describes the container registry.
type RegistryConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Config is the explicit configuration passed to every component at
// construction. There is no ambient global state.
type Config struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DBPath  string `yaml:"db_path"`
	LogFile string `yaml:"log_file"`

	// WebhookSecret is the shared HMAC-SHA256 secret for inbound events.
	WebhookSecret string `yaml:"webhook_secret"`

	// MainBranch is the only branch push events deploy from.
	MainBranch string `yaml:"main_branch"`

	// BaseDomain is the suffix for generated ingress hostnames.
	BaseDomain string `yaml:"base_domain"`

	// SourceToken authenticates clones of the source repository.
	SourceToken string `yaml:"source_token"`

	Registry RegistryConfig `yaml:"registry"`
	Mirror   MirrorConfig   `yaml:"mirror"`
	Build    ServiceConfig  `yaml:"build"`
	Deploy   ServiceConfig  `yaml:"deploy"`
	Pipeline ServiceConfig  `yaml:"pipeline"`

	Replicas int `yaml:"replicas"`

	// FreshnessDays bounds how old a rollback target may be.
	FreshnessDays int `yaml:"freshness_days"`

	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	PollTimeoutSeconds  int `yaml:"poll_timeout_seconds"`

	// WorkRoot is where per-invocation mirror workdirs are created.
	// Defaults to the system temp directory.
	WorkRoot string `yaml:"work_root"`

	// UniqueImageSuffix appends a millisecond timestamp to generated
	// image names to guarantee cross-tenant uniqueness.
	UniqueImageSuffix bool `yaml:"unique_image_suffix"`
}

// Load reads and validates the configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath
	}
	if c.MainBranch == "" {
		c.MainBranch = DefaultBranch
	}
	if c.Replicas == 0 {
		c.Replicas = DefaultReplicas
	}
	if c.FreshnessDays == 0 {
		c.FreshnessDays = DefaultFreshnessDays
	}
	if c.PollIntervalSeconds == 0 {
		c.PollIntervalSeconds = DefaultPollInterval
	}
	if c.PollTimeoutSeconds == 0 {
		c.PollTimeoutSeconds = DefaultPollTimeout
	}
	if c.WorkRoot == "" {
		c.WorkRoot = os.TempDir()
	}
}

// Validate checks the configuration for values that would make the
// server unsafe or inoperable.
func (c *Config) Validate() error {
	var errs []string

	if c.WebhookSecret == "" {
		errs = append(errs, "  - missing required 'webhook_secret'")
	} else {
		if len(c.WebhookSecret) < MinSecretLength {
			errs = append(errs, fmt.Sprintf("  - webhook_secret too short (minimum %d characters)", MinSecretLength))
		}
		if ForbiddenSecrets[strings.ToLower(c.WebhookSecret)] {
			errs = append(errs, "  - webhook_secret appears to be a placeholder value, replace with real secret")
		}
	}

	if c.BaseDomain == "" {
		errs = append(errs, "  - missing required 'base_domain'")
	}

	if c.Replicas < 0 {
		errs = append(errs, fmt.Sprintf("  - replicas must be a positive integer, got %d", c.Replicas))
	}
	if c.PollIntervalSeconds < 0 || c.PollTimeoutSeconds < 0 {
		errs = append(errs, "  - poll interval and timeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

// PollInterval returns the completion poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// PollTimeout returns the completion poll bound as a duration.
func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutSeconds) * time.Second
}

// Freshness returns the rollback safety window as a duration.
func (c *Config) Freshness() time.Duration {
	return time.Duration(c.FreshnessDays) * 24 * time.Hour
}
