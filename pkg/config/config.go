// Package config loads and resolves the flakeguard configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RetryPolicy controls whether failures trigger a retry at all.
type RetryPolicy string

const (
	PolicyAlways    RetryPolicy = "always"
	PolicyFlakyOnly RetryPolicy = "flaky_only"
	PolicyNone      RetryPolicy = "none"
)

// RetryScope controls what is re-run on retry. ScopeFailedOnly is
// accepted as configuration but behaves identically to ScopeFull.
type RetryScope string

const (
	ScopeFull       RetryScope = "full"
	ScopeFailedOnly RetryScope = "failed_only"
)

// Documented run defaults.
const (
	DefaultProject     = "ui"
	DefaultWorkingDir  = "."
	DefaultJUnitPath   = "results/junit-ui.xml"
	DefaultMaxAttempts = 2
	DefaultPolicy      = PolicyFlakyOnly
	DefaultScope       = ScopeFull

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultSQLitePath is the default run memory database location.
	DefaultSQLitePath = "outputs/memory/ui_memory.db"

	// DefaultOutputDir is the default root for consolidated reports.
	DefaultOutputDir = "outputs"

	// DefaultListen is the default history API listen address.
	DefaultListen = ":8080"

	// DefaultRequestsPerMinute is the default API rate limit.
	DefaultRequestsPerMinute = 120
)

// DefaultCommand is the command vector used when none is configured.
var DefaultCommand = []string{"npm", "run", "test:ui"}

// Config is the root configuration for flakeguard.
type Config struct {
	Global     GlobalConfig     `yaml:"global" mapstructure:"global"`
	Run        RunConfig        `yaml:"run" mapstructure:"run"`
	Classifier ClassifierConfig `yaml:"classifier" mapstructure:"classifier"`
	Memory     MemoryConfig     `yaml:"memory" mapstructure:"memory"`
	Report     ReportConfig     `yaml:"report" mapstructure:"report"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// RunConfig is the complete configuration of one orchestrator run.
// Unset fields are filled by ApplyDefaults; fields set by the caller
// are never overwritten.
type RunConfig struct {
	Project     string            `yaml:"project" mapstructure:"project"`
	WorkingDir  string            `yaml:"cwd" mapstructure:"cwd"`
	Command     []string          `yaml:"command" mapstructure:"command"`
	JUnitPath   string            `yaml:"junit_path" mapstructure:"junit_path"`
	Env         map[string]string `yaml:"env,omitempty" mapstructure:"env"`
	MaxAttempts int               `yaml:"max_attempts" mapstructure:"max_attempts"`
	Policy      RetryPolicy       `yaml:"policy" mapstructure:"policy"`
	RetryScope  RetryScope        `yaml:"retry_scope" mapstructure:"retry_scope"`

	// Approved is the human approval flag consumed by the retry
	// router. Pointer so a caller's explicit false survives default
	// resolution; the approval gate mutates the pointee.
	Approved *bool `yaml:"approved,omitempty" mapstructure:"approved"`

	// Timeout bounds a single attempt's command execution. Zero
	// disables the bound.
	Timeout time.Duration `yaml:"timeout,omitempty" mapstructure:"timeout"`
}

// ClassifierConfig configures the external failure classifier.
type ClassifierConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	BaseURL string `yaml:"base_url,omitempty" mapstructure:"base_url"`
	Model   string `yaml:"model,omitempty" mapstructure:"model"`
	APIKey  string `yaml:"api_key,omitempty" mapstructure:"api_key"`
}

// MemoryConfig configures the run history store.
type MemoryConfig struct {
	Driver   string         `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite" mapstructure:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres" mapstructure:"postgres"`
}

// SQLiteConfig holds sqlite driver settings.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig holds postgres driver settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"sslmode" mapstructure:"sslmode"`
}

// ReportConfig configures consolidated report output and upload.
type ReportConfig struct {
	OutputDir string          `yaml:"output_dir" mapstructure:"output_dir"`
	Upload    *S3UploadConfig `yaml:"upload,omitempty" mapstructure:"upload"`
}

// S3UploadConfig holds S3-compatible upload settings.
type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style,omitempty" mapstructure:"force_path_style"`
}

// ServerConfig configures the history API server.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	Auth        AuthConfig      `yaml:"auth" mapstructure:"auth"`
}

// RateLimitConfig holds per-IP rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	Basic BasicAuthConfig `yaml:"basic" mapstructure:"basic"`
}

// BasicAuthConfig enables HTTP basic auth against bcrypt hashes.
type BasicAuthConfig struct {
	Enabled bool        `yaml:"enabled" mapstructure:"enabled"`
	Users   []BasicUser `yaml:"users,omitempty" mapstructure:"users"`
}

// BasicUser is one basic auth credential.
type BasicUser struct {
	Username     string `yaml:"username" mapstructure:"username"`
	PasswordHash string `yaml:"password_hash" mapstructure:"password_hash"`
}

// envBoundKeys are config keys overridable via FLAKEGUARD_* env vars,
// e.g. FLAKEGUARD_RUN_MAX_ATTEMPTS or FLAKEGUARD_MEMORY_SQLITE_PATH.
var envBoundKeys = []string{
	"global.log_level",
	"run.project",
	"run.cwd",
	"run.junit_path",
	"run.max_attempts",
	"run.policy",
	"run.retry_scope",
	"run.timeout",
	"classifier.enabled",
	"classifier.base_url",
	"classifier.model",
	"classifier.api_key",
	"memory.driver",
	"memory.sqlite.path",
	"memory.postgres.host",
	"memory.postgres.port",
	"memory.postgres.user",
	"memory.postgres.password",
	"memory.postgres.database",
	"memory.postgres.sslmode",
	"report.output_dir",
	"server.listen",
}

// Load reads the optional configuration file, applies FLAKEGUARD_*
// environment overrides, and fills defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FLAKEGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for _, key := range envBoundKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.ApplyDefaults()

	return &cfg, nil
}

// ApplyDefaults sets default values for unspecified options. Fields
// already set are never overwritten.
func (c *Config) ApplyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	c.Run.ApplyDefaults()

	if c.Memory.Driver == "" {
		c.Memory.Driver = "sqlite"
	}

	if c.Memory.SQLite.Path == "" {
		c.Memory.SQLite.Path = DefaultSQLitePath
	}

	if c.Memory.Postgres.SSLMode == "" {
		c.Memory.Postgres.SSLMode = "disable"
	}

	if c.Report.OutputDir == "" {
		c.Report.OutputDir = DefaultOutputDir
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Server.RateLimit.RequestsPerMinute == 0 {
		c.Server.RateLimit.RequestsPerMinute = DefaultRequestsPerMinute
	}
}

// ApplyDefaults completes a partially populated run configuration.
// This is a pure merge with no failure mode.
func (r *RunConfig) ApplyDefaults() {
	if r.Project == "" {
		r.Project = DefaultProject
	}

	if r.WorkingDir == "" {
		r.WorkingDir = DefaultWorkingDir
	}

	if len(r.Command) == 0 {
		r.Command = append([]string(nil), DefaultCommand...)
	}

	if r.JUnitPath == "" {
		r.JUnitPath = DefaultJUnitPath
	}

	if r.Env == nil {
		r.Env = make(map[string]string)
	}

	if r.MaxAttempts == 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}

	if r.Policy == "" {
		r.Policy = DefaultPolicy
	}

	if r.RetryScope == "" {
		r.RetryScope = DefaultScope
	}

	if r.Approved == nil {
		approved := true
		r.Approved = &approved
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.Run.Validate(); err != nil {
		return err
	}

	switch c.Memory.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported memory driver: %s", c.Memory.Driver)
	}

	if c.Server.Auth.Basic.Enabled {
		for i, u := range c.Server.Auth.Basic.Users {
			if u.Username == "" || u.PasswordHash == "" {
				return fmt.Errorf(
					"auth user %d: username and password_hash are required", i,
				)
			}
		}
	}

	return nil
}

// Validate checks the run configuration for errors.
func (r *RunConfig) Validate() error {
	switch r.Policy {
	case PolicyAlways, PolicyFlakyOnly, PolicyNone:
	default:
		return fmt.Errorf("invalid retry policy: %q", r.Policy)
	}

	switch r.RetryScope {
	case ScopeFull, ScopeFailedOnly:
	default:
		return fmt.Errorf("invalid retry scope: %q", r.RetryScope)
	}

	if r.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", r.MaxAttempts)
	}

	return nil
}
