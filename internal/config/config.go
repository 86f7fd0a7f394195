package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete reftrackd configuration
type Config struct {
	Tracking TrackingConfig `yaml:"tracking"`
	Paths    PathsConfig    `yaml:"paths"`
	Sync     SyncConfig     `yaml:"sync"`
	Auth     AuthConfig     `yaml:"auth"`
	Repos    []RepoConfig   `yaml:"repos"`
	Serve    ServeConfig    `yaml:"serve"`
}

// TrackingConfig configures the tracking worktree that receives snapshots
type TrackingConfig struct {
	Dir         string `yaml:"dir"`
	Commit      bool   `yaml:"commit"`
	Push        bool   `yaml:"push"`
	Timestamps  bool   `yaml:"timestamps"`
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	CacheDir string `yaml:"cache_dir"`
}

// SyncConfig configures how repositories are processed
type SyncConfig struct {
	Workers      int           `yaml:"workers"`
	RefWorkers   int           `yaml:"ref_workers"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	Retries      int           `yaml:"retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	LogCacheSize int           `yaml:"log_cache_size"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// RepoConfig describes one tracked repository
type RepoConfig struct {
	ID     string `yaml:"id"`
	URL    string `yaml:"url"`
	GitHub string `yaml:"github"`
}

// ServeConfig configures the long-running mode
type ServeConfig struct {
	Enabled                 bool          `yaml:"enabled"`
	ListenAddr              string        `yaml:"listen_addr"`
	GitHubWebhookSecretFile string        `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string      `yaml:"allowed_event_types"`
	Interval                time.Duration `yaml:"interval"`
	Debounce                time.Duration `yaml:"debounce"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Tracking.Dir = os.ExpandEnv(c.Tracking.Dir)
	c.Tracking.AuthorName = os.ExpandEnv(c.Tracking.AuthorName)
	c.Tracking.AuthorEmail = os.ExpandEnv(c.Tracking.AuthorEmail)
	c.Paths.CacheDir = os.ExpandEnv(c.Paths.CacheDir)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	for i := range c.Repos {
		c.Repos[i].ID = os.ExpandEnv(c.Repos[i].ID)
		c.Repos[i].URL = os.ExpandEnv(c.Repos[i].URL)
		c.Repos[i].GitHub = os.ExpandEnv(c.Repos[i].GitHub)
	}
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Paths.CacheDir == "" && c.Tracking.Dir != "" {
		c.Paths.CacheDir = filepath.Join(filepath.Dir(c.Tracking.Dir), "mirrors")
	}
	if c.Sync.Workers == 0 {
		c.Sync.Workers = 4
	}
	if c.Sync.RefWorkers == 0 {
		c.Sync.RefWorkers = 8
	}
	if c.Sync.FetchTimeout == 0 {
		c.Sync.FetchTimeout = 5 * time.Minute
	}
	if c.Sync.Retries == 0 {
		c.Sync.Retries = 3
	}
	if c.Sync.RetryBackoff == 0 {
		c.Sync.RetryBackoff = 2 * time.Second
	}
	if c.Sync.LogCacheSize == 0 {
		c.Sync.LogCacheSize = 4096
	}
	if c.Serve.Debounce == 0 {
		c.Serve.Debounce = 2 * time.Second
	}
	if len(c.Serve.AllowedEventTypes) == 0 {
		c.Serve.AllowedEventTypes = []string{"push", "create", "delete"}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Tracking.Dir == "" {
		return fmt.Errorf("tracking.dir is required")
	}
	if !filepath.IsAbs(c.Tracking.Dir) {
		return fmt.Errorf("tracking.dir must be an absolute path: %s", c.Tracking.Dir)
	}
	if c.Paths.CacheDir == "" {
		return fmt.Errorf("paths.cache_dir is required")
	}
	if !filepath.IsAbs(c.Paths.CacheDir) {
		return fmt.Errorf("paths.cache_dir must be an absolute path: %s", c.Paths.CacheDir)
	}
	if c.Tracking.Push && !c.Tracking.Commit {
		return fmt.Errorf("tracking.push requires tracking.commit")
	}

	if c.Sync.Workers < 1 || c.Sync.RefWorkers < 1 {
		return fmt.Errorf("sync.workers and sync.ref_workers must be positive")
	}
	if c.Sync.FetchTimeout < 0 || c.Sync.RetryBackoff < 0 {
		return fmt.Errorf("sync durations must not be negative")
	}
	if c.Sync.Retries < 1 {
		return fmt.Errorf("sync.retries must be at least 1")
	}
	if c.Sync.LogCacheSize < 1 {
		return fmt.Errorf("sync.log_cache_size must be positive")
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	if len(c.Repos) == 0 {
		return fmt.Errorf("at least one entry in repos is required")
	}
	seen := make(map[string]bool, len(c.Repos))
	for i, r := range c.Repos {
		if err := validateRepoID(r.ID); err != nil {
			return fmt.Errorf("repos[%d]: %w", i, err)
		}
		if seen[r.ID] {
			return fmt.Errorf("repos[%d]: duplicate id %q", i, r.ID)
		}
		seen[r.ID] = true
		if r.URL == "" {
			return fmt.Errorf("repos[%d] (%s): url is required", i, r.ID)
		}
		if r.GitHub != "" && strings.Count(r.GitHub, "/") != 1 {
			return fmt.Errorf("repos[%d] (%s): github must be of the form owner/name", i, r.ID)
		}
	}

	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.GitHubWebhookSecretFile == "" {
			return fmt.Errorf("serve.github_webhook_secret_file is required when serve is enabled")
		}
	}
	if c.Serve.Interval < 0 {
		return fmt.Errorf("serve.interval must not be negative")
	}

	return nil
}

// validateRepoID ensures an id is usable as a single directory name.
func validateRepoID(id string) error {
	if id == "" {
		return fmt.Errorf("id is required")
	}
	if id == "." || id == ".." || strings.HasPrefix(id, ".") {
		return fmt.Errorf("id %q must not start with a dot", id)
	}
	if strings.ContainsAny(id, `/\:*?"<>|`) {
		return fmt.Errorf("id %q contains characters not allowed in a directory name", id)
	}
	return nil
}

// ReposDir returns the directory holding per-repository snapshots
func (c *Config) ReposDir() string {
	return filepath.Join(c.Tracking.Dir, "repos")
}

// RepoSnapshotDir returns the snapshot directory of one repository
func (c *Config) RepoSnapshotDir(id string) string {
	return filepath.Join(c.ReposDir(), id)
}

// MirrorDir returns the bare mirror location of one repository
func (c *Config) MirrorDir(id string) string {
	return filepath.Join(c.Paths.CacheDir, id+".git")
}

// Repo returns the repository with the given id
func (c *Config) Repo(id string) (RepoConfig, bool) {
	for _, r := range c.Repos {
		if r.ID == id {
			return r, true
		}
	}
	return RepoConfig{}, false
}

// ReposForGitHub returns the repositories mirrored from a GitHub full name
// (owner/name), compared case-insensitively.
func (c *Config) ReposForGitHub(fullName string) []RepoConfig {
	var out []RepoConfig
	for _, r := range c.Repos {
		if r.GitHub != "" && strings.EqualFold(r.GitHub, fullName) {
			out = append(out, r)
		}
	}
	return out
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}
