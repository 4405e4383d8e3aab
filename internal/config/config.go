// Package config holds the runtime configuration for the audit server.
// Values come from an optional .gansauditor.yaml file, GANSAUDITOR_-prefixed
// environment variables, and a fixed set of unprefixed variables kept for
// compatibility with existing deployments.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the full server configuration.
type Config struct {
	Audit    AuditConfig    `mapstructure:"audit"`
	Reviewer ReviewerConfig `mapstructure:"reviewer"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Trail    TrailConfig    `mapstructure:"trail"`
	Cloud    CloudConfig    `mapstructure:"cloud"`
	Verbose  bool           `mapstructure:"verbose"`
}

// AuditConfig controls the audit loop itself.
type AuditConfig struct {
	// EnableAuditing gates all reviewer activity. When false the server
	// degrades to a plain thought-echo service.
	EnableAuditing bool `mapstructure:"enable_auditing"`

	// EnableSynchronous makes ProcessThought wait for the reviewer verdict.
	// When false, audits run on the background pool and the response carries
	// only the baseline fields.
	EnableSynchronous bool `mapstructure:"enable_synchronous"`

	// DisableThoughtLogging silences the per-thought stderr line.
	DisableThoughtLogging bool `mapstructure:"disable_thought_logging"`

	// TimeoutSeconds is the reviewer call deadline.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`

	// MaxConcurrent caps simultaneous reviewer child processes.
	MaxConcurrent int `mapstructure:"max_concurrent"`

	StagnationThreshold float64 `mapstructure:"stagnation_threshold"`
	StagnationStartLoop int     `mapstructure:"stagnation_start_loop"`
}

// ReviewerConfig describes how the external reviewer binary is invoked.
type ReviewerConfig struct {
	Command    string            `mapstructure:"command"`
	Args       []string          `mapstructure:"args"`
	WorkingDir string            `mapstructure:"working_dir"`
	Env        map[string]string `mapstructure:"env"`

	// APIKeySecret optionally names a Secret Manager secret (secret://...)
	// resolved into the reviewer environment at startup.
	APIKeySecret string `mapstructure:"api_key_secret"`

	// ContextTokenLimit bounds the assembled prompt; the packed context
	// section is truncated tail-first to fit.
	ContextTokenLimit int `mapstructure:"context_token_limit"`

	// QueueTimeout bounds how long an execution request may wait for a
	// process slot before failing.
	QueueTimeout time.Duration `mapstructure:"queue_timeout"`

	// ProcessCleanupTimeout is the grace period between the graceful signal
	// and the force kill.
	ProcessCleanupTimeout time.Duration `mapstructure:"process_cleanup_timeout"`
}

// SessionsConfig controls session persistence and sweeping.
type SessionsConfig struct {
	StateDirectory       string        `mapstructure:"state_directory"`
	MaxConcurrent        int           `mapstructure:"max_concurrent"`
	MaxAge               time.Duration `mapstructure:"max_age"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval"`
	ContextSweepInterval time.Duration `mapstructure:"context_sweep_interval"`
}

// CacheConfig bounds the audit result cache.
type CacheConfig struct {
	MaxEntries     int           `mapstructure:"max_entries"`
	MaxMemoryBytes int64         `mapstructure:"max_memory_bytes"`
	MaxAge         time.Duration `mapstructure:"max_age"`
}

// TrailConfig controls the JSONL audit trail sink.
type TrailConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
}

// CloudConfig enables the optional GCP integrations.
type CloudConfig struct {
	Project            string `mapstructure:"project"`
	EnableCloudLogging bool   `mapstructure:"enable_cloud_logging"`
	CredentialsFile    string `mapstructure:"credentials_file"`
}

// envBindings maps config keys to the unprefixed environment variables
// recognized at startup.
var envBindings = map[string]string{
	"audit.enable_synchronous":      "ENABLE_SYNCHRONOUS_AUDIT",
	"audit.enable_auditing":         "ENABLE_GAN_AUDITING",
	"audit.disable_thought_logging": "DISABLE_THOUGHT_LOGGING",
	"audit.timeout_seconds":         "AUDIT_TIMEOUT_SECONDS",
	"audit.max_concurrent":          "MAX_CONCURRENT_AUDITS",
	"audit.stagnation_threshold":    "STAGNATION_THRESHOLD",
	"audit.stagnation_start_loop":   "STAGNATION_START_LOOP",
	"sessions.max_concurrent":       "MAX_CONCURRENT_SESSIONS",
	"sessions.state_directory":      "SESSION_STATE_DIRECTORY",
}

// prefixedKeys are the nested configuration keys additionally reachable
// through GANSAUDITOR_-prefixed environment variables. Dots become
// underscores: trail.enabled reads GANSAUDITOR_TRAIL_ENABLED.
var prefixedKeys = []string{
	"audit.enable_auditing",
	"audit.enable_synchronous",
	"audit.disable_thought_logging",
	"audit.timeout_seconds",
	"audit.max_concurrent",
	"audit.stagnation_threshold",
	"audit.stagnation_start_loop",
	"reviewer.command",
	"reviewer.working_dir",
	"reviewer.api_key_secret",
	"reviewer.context_token_limit",
	"reviewer.queue_timeout",
	"reviewer.process_cleanup_timeout",
	"sessions.state_directory",
	"sessions.max_concurrent",
	"sessions.max_age",
	"sessions.sweep_interval",
	"sessions.context_sweep_interval",
	"cache.max_entries",
	"cache.max_memory_bytes",
	"cache.max_age",
	"trail.enabled",
	"trail.directory",
	"cloud.project",
	"cloud.enable_cloud_logging",
	"cloud.credentials_file",
}

// BindEnv registers the environment variables with viper: the unprefixed
// compatibility set first, then the GANSAUDITOR_-prefixed spellings. When
// both are set for the same key the unprefixed one wins. The CLI bootstrap
// calls this once before Load.
func BindEnv() {
	for key, envName := range envBindings {
		_ = viper.BindEnv(key, envName)
	}
	for _, key := range prefixedKeys {
		envName := "GANSAUDITOR_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = viper.BindEnv(key, envName)
	}
}

// SetDefaults registers defaults that cannot be expressed as zero-value
// fallbacks. Auditing is on by default; ENABLE_GAN_AUDITING=false turns the
// server into a plain thought recorder.
func SetDefaults() {
	viper.SetDefault("audit.enable_auditing", true)
}

// Load builds a Config from viper, applies defaults, and returns it.
// Callers should run Validate before using the result.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(cfg)

	return cfg, nil
}

// applyDefaults sets default values for unset fields.
func applyDefaults(cfg *Config) {
	if cfg.Audit.TimeoutSeconds == 0 {
		cfg.Audit.TimeoutSeconds = 30
	}
	if cfg.Audit.MaxConcurrent == 0 {
		cfg.Audit.MaxConcurrent = 5
	}
	if cfg.Audit.StagnationThreshold == 0 {
		cfg.Audit.StagnationThreshold = 0.95
	}
	if cfg.Audit.StagnationStartLoop == 0 {
		cfg.Audit.StagnationStartLoop = 10
	}

	if cfg.Reviewer.Command == "" {
		cfg.Reviewer.Command = "codex"
	}
	if cfg.Reviewer.WorkingDir == "" {
		cfg.Reviewer.WorkingDir = "."
	}
	if cfg.Reviewer.ContextTokenLimit == 0 {
		cfg.Reviewer.ContextTokenLimit = 32000
	}
	if cfg.Reviewer.QueueTimeout == 0 {
		cfg.Reviewer.QueueTimeout = 30 * time.Second
	}
	if cfg.Reviewer.ProcessCleanupTimeout == 0 {
		cfg.Reviewer.ProcessCleanupTimeout = 5 * time.Second
	}

	if cfg.Sessions.StateDirectory == "" {
		cfg.Sessions.StateDirectory = ".gansauditor/state"
	}
	if cfg.Sessions.MaxConcurrent == 0 {
		cfg.Sessions.MaxConcurrent = 50
	}
	if cfg.Sessions.MaxAge == 0 {
		cfg.Sessions.MaxAge = 24 * time.Hour
	}
	if cfg.Sessions.SweepInterval == 0 {
		cfg.Sessions.SweepInterval = time.Hour
	}
	if cfg.Sessions.ContextSweepInterval == 0 {
		cfg.Sessions.ContextSweepInterval = 5 * time.Minute
	}

	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 1000
	}
	if cfg.Cache.MaxMemoryBytes == 0 {
		cfg.Cache.MaxMemoryBytes = 64 << 20
	}
	if cfg.Cache.MaxAge == 0 {
		cfg.Cache.MaxAge = 30 * time.Minute
	}

	if cfg.Trail.Directory == "" {
		cfg.Trail.Directory = cfg.Sessions.StateDirectory + "/trail"
	}
}

// Validate checks the configuration. Out-of-range values are clamped back
// to defaults and reported as warnings; the returned error is non-nil only
// for conditions that must abort startup.
func (c *Config) Validate() ([]string, error) {
	var warnings []string

	clampInt := func(field string, v *int, min, max, def int) {
		if *v < min || *v > max {
			warnings = append(warnings, fmt.Sprintf("%s=%d out of range [%d,%d], using %d", field, *v, min, max, def))
			*v = def
		}
	}

	clampInt("audit.timeout_seconds", &c.Audit.TimeoutSeconds, 1, 600, 30)
	clampInt("audit.max_concurrent", &c.Audit.MaxConcurrent, 1, 64, 5)
	clampInt("audit.stagnation_start_loop", &c.Audit.StagnationStartLoop, 1, 100, 10)
	clampInt("sessions.max_concurrent", &c.Sessions.MaxConcurrent, 1, 1000, 50)
	clampInt("reviewer.context_token_limit", &c.Reviewer.ContextTokenLimit, 1000, 1000000, 32000)
	clampInt("cache.max_entries", &c.Cache.MaxEntries, 1, 1000000, 1000)

	if c.Audit.StagnationThreshold <= 0 || c.Audit.StagnationThreshold > 1 {
		warnings = append(warnings, fmt.Sprintf("audit.stagnation_threshold=%v out of range (0,1], using 0.95", c.Audit.StagnationThreshold))
		c.Audit.StagnationThreshold = 0.95
	}
	if c.Cache.MaxMemoryBytes < 1<<20 {
		warnings = append(warnings, fmt.Sprintf("cache.max_memory_bytes=%d below 1MiB, using 64MiB", c.Cache.MaxMemoryBytes))
		c.Cache.MaxMemoryBytes = 64 << 20
	}
	if c.Reviewer.QueueTimeout < time.Second {
		warnings = append(warnings, fmt.Sprintf("reviewer.queue_timeout=%v below 1s, using 30s", c.Reviewer.QueueTimeout))
		c.Reviewer.QueueTimeout = 30 * time.Second
	}
	if c.Reviewer.ProcessCleanupTimeout < 100*time.Millisecond {
		warnings = append(warnings, fmt.Sprintf("reviewer.process_cleanup_timeout=%v too small, using 5s", c.Reviewer.ProcessCleanupTimeout))
		c.Reviewer.ProcessCleanupTimeout = 5 * time.Second
	}

	if c.Sessions.StateDirectory == "" {
		return warnings, fmt.Errorf("sessions.state_directory is required")
	}

	// Synchronous auditing without a reviewer binary cannot produce a
	// verdict; everything else degrades gracefully.
	if c.Audit.EnableAuditing && c.Audit.EnableSynchronous {
		if err := checkReviewerBinary(c.Reviewer.Command); err != nil {
			return warnings, fmt.Errorf("synchronous audit enabled but reviewer unavailable: %w", err)
		}
	} else if c.Audit.EnableAuditing {
		if err := checkReviewerBinary(c.Reviewer.Command); err != nil {
			warnings = append(warnings, fmt.Sprintf("reviewer binary %q not found; audits will fall back to baseline responses", c.Reviewer.Command))
		}
	}

	return warnings, nil
}

// checkReviewerBinary verifies the reviewer command resolves to an
// executable. Commands containing a path separator are checked directly;
// bare names go through PATH lookup.
func checkReviewerBinary(command string) error {
	if command == "" {
		return fmt.Errorf("reviewer command is empty")
	}
	if strings.ContainsRune(command, os.PathSeparator) {
		info, err := os.Stat(command)
		if err != nil {
			return fmt.Errorf("reviewer command %q: %w", command, err)
		}
		if info.IsDir() {
			return fmt.Errorf("reviewer command %q is a directory", command)
		}
		return nil
	}
	if _, err := exec.LookPath(command); err != nil {
		return fmt.Errorf("reviewer command %q: %w", command, err)
	}
	return nil
}
