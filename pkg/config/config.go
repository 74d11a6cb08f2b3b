// Package config loads service configuration from the environment, an optional
// .env file and command-line flags.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/codeGROOVE-dev/ready-to-merge/pkg/github"
)

// DefaultEnvFile is read from the working directory when present.
const DefaultEnvFile = ".env"

// Keys. Each maps to the upper-cased environment variable and, where one is
// registered, the flag with underscores replaced by dashes.
const (
	KeyGitHubToken   = "github_token"
	KeyAppID         = "github_app_id"
	KeyAppKeyPath    = "github_app_key_path"
	KeyPort          = "port"
	KeyRepoTypes     = "repo_types"
	KeyOrgs          = "orgs"
	KeyCacheTTL      = "cache_ttl"
	KeyCacheDir      = "cache_dir"
	KeyConcurrency   = "concurrency"
	KeyHTTPTimeout   = "http_timeout"
	KeyRetryAttempts = "retry_attempts"
	KeyEvents        = "events"
	KeySkipArchived  = "skip_archived"
	KeyLogLevel      = "log_level"
)

var keys = []string{
	KeyGitHubToken, KeyAppID, KeyAppKeyPath, KeyPort, KeyRepoTypes, KeyOrgs, KeyCacheTTL,
	KeyCacheDir, KeyConcurrency, KeyHTTPTimeout, KeyRetryAttempts, KeyEvents, KeySkipArchived,
	KeyLogLevel,
}

// DefaultOrgs are the organizations reported on when none are configured.
var DefaultOrgs = []string{"expressjs", "pillarjs", "jshttp"}

// Config holds service configuration.
type Config struct {
	GitHubToken   string        `mapstructure:"github_token"`
	AppID         string        `mapstructure:"github_app_id"`
	AppKeyPath    string        `mapstructure:"github_app_key_path"`
	RepoTypes     string        `mapstructure:"repo_types"`
	CacheDir      string        `mapstructure:"cache_dir"`
	LogLevel      string        `mapstructure:"log_level"`
	Orgs          []string      `mapstructure:"orgs"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	HTTPTimeout   time.Duration `mapstructure:"http_timeout"`
	Port          int           `mapstructure:"port"`
	Concurrency   int           `mapstructure:"concurrency"`
	RetryAttempts uint          `mapstructure:"retry_attempts"`
	Events        bool          `mapstructure:"events"`
	SkipArchived  bool          `mapstructure:"skip_archived"`
}

// Error describes an invalid or missing setting.
type Error struct {
	Key string
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Msg)
}

// Load builds a Config from envFile (if it exists), the process environment and
// flags, in increasing order of precedence. flags may be nil.
func Load(envFile string, flags *pflag.FlagSet) (*Config, error) {
	if envFile != "" {
		if err := loadEnvFile(envFile); err != nil {
			return nil, err
		}
	}

	v := viper.New()
	setDefaults(v)
	for _, k := range keys {
		if err := v.BindEnv(k, strings.ToUpper(k)); err != nil {
			return nil, fmt.Errorf("binding %s: %w", k, err)
		}
	}
	if flags != nil {
		for _, k := range keys {
			if f := flags.Lookup(strings.ReplaceAll(k, "_", "-")); f != nil {
				if err := v.BindPFlag(k, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", f.Name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Orgs = normalizeOrgs(cfg.Orgs)
	cfg.RepoTypes = strings.ToLower(strings.TrimSpace(cfg.RepoTypes))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadEnvFile exports variables from path that are unset or empty.
func loadEnvFile(path string) error {
	envMap, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	for k, val := range envMap {
		if cur, exists := os.LookupEnv(k); !exists || cur == "" {
			if err := os.Setenv(k, val); err != nil {
				return fmt.Errorf("setting %s: %w", k, err)
			}
		}
	}
	slog.Debug("Loaded env file", "component", "config", "path", path, "vars", len(envMap))
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyPort, 3000)
	v.SetDefault(KeyRepoTypes, "public")
	v.SetDefault(KeyOrgs, DefaultOrgs)
	v.SetDefault(KeyCacheTTL, 15*time.Minute)
	v.SetDefault(KeyCacheDir, "")
	v.SetDefault(KeyConcurrency, 4)
	v.SetDefault(KeyHTTPTimeout, 30*time.Second)
	v.SetDefault(KeyRetryAttempts, 5)
	v.SetDefault(KeyEvents, false)
	v.SetDefault(KeySkipArchived, false)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyGitHubToken, "")
	v.SetDefault(KeyAppID, "")
	v.SetDefault(KeyAppKeyPath, "")
}

// normalizeOrgs splits comma-separated entries, trims them and drops duplicates.
func normalizeOrgs(in []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, entry := range in {
		for _, org := range strings.Split(entry, ",") {
			org = strings.TrimSpace(org)
			if org == "" || seen[strings.ToLower(org)] {
				continue
			}
			seen[strings.ToLower(org)] = true
			out = append(out, org)
		}
	}
	return out
}

// Validate checks that required settings are present and in range.
func (c *Config) Validate() error {
	if c.GitHubToken == "" && c.AppID == "" {
		return &Error{Key: KeyGitHubToken, Msg: "GITHUB_TOKEN (or GITHUB_APP_ID with GITHUB_APP_KEY_PATH) is required"}
	}
	if c.GitHubToken == "" && c.AppKeyPath == "" {
		return &Error{Key: KeyAppKeyPath, Msg: "required when GITHUB_APP_ID is set"}
	}
	if c.Port < 1 || c.Port > 65535 {
		return &Error{Key: KeyPort, Msg: fmt.Sprintf("%d is out of range", c.Port)}
	}
	if !github.ValidVisibility(c.RepoTypes) {
		return &Error{Key: KeyRepoTypes, Msg: fmt.Sprintf("unsupported repository type %q", c.RepoTypes)}
	}
	if len(c.Orgs) == 0 {
		return &Error{Key: KeyOrgs, Msg: "at least one organization is required"}
	}
	for _, org := range c.Orgs {
		if strings.ContainsAny(org, "/ ") {
			return &Error{Key: KeyOrgs, Msg: fmt.Sprintf("invalid organization %q", org)}
		}
	}
	if c.CacheTTL <= 0 {
		return &Error{Key: KeyCacheTTL, Msg: "must be positive"}
	}
	if c.CacheDir != "" && !filepath.IsAbs(c.CacheDir) {
		return &Error{Key: KeyCacheDir, Msg: "must be an absolute path"}
	}
	if c.Concurrency < 1 {
		return &Error{Key: KeyConcurrency, Msg: "must be at least 1"}
	}
	if c.HTTPTimeout <= 0 {
		return &Error{Key: KeyHTTPTimeout, Msg: "must be positive"}
	}
	if c.RetryAttempts < 1 {
		return &Error{Key: KeyRetryAttempts, Msg: "must be at least 1"}
	}
	if _, ok := levels[c.LogLevel]; !ok {
		return &Error{Key: KeyLogLevel, Msg: fmt.Sprintf("unknown level %q", c.LogLevel)}
	}
	return nil
}

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	return levels[c.LogLevel]
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// RegisterFlags adds the flags Load binds to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.Int("port", 3000, "HTTP listen port")
	fs.String("repo-types", "public", "repository type filter (all, public, private, forks, sources, member)")
	fs.StringSlice("orgs", DefaultOrgs, "GitHub organizations to report on")
	fs.Duration("cache-ttl", 15*time.Minute, "how long a generated report stays fresh")
	fs.String("cache-dir", "", "absolute directory for the persisted report (empty disables)")
	fs.Int("concurrency", 4, "concurrent pull request detail fetches per repository")
	fs.Duration("http-timeout", 30*time.Second, "timeout for each GitHub API request")
	fs.Uint("retry-attempts", 5, "attempts per GitHub API request")
	fs.String("github-app-id", "", "GitHub App ID (alternative to GITHUB_TOKEN)")
	fs.String("github-app-key-path", "", "absolute path to the GitHub App private key")
	fs.Bool("events", false, "expire the report on pull request events")
	fs.Bool("skip-archived", false, "leave archived repositories out of the report")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
}
