package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

// defaulted returns a config equivalent to Load() with nothing set.
func defaulted() *Config {
	cfg := &Config{}
	cfg.Audit.EnableAuditing = true
	applyDefaults(cfg)
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	viper.Reset()
	SetDefaults()
	BindEnv()
	defer viper.Reset()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !cfg.Audit.EnableAuditing {
		t.Error("EnableAuditing should default to true")
	}
	if cfg.Audit.EnableSynchronous {
		t.Error("EnableSynchronous should default to false")
	}
	if cfg.Audit.TimeoutSeconds != 30 {
		t.Errorf("TimeoutSeconds = %d, want 30", cfg.Audit.TimeoutSeconds)
	}
	if cfg.Audit.MaxConcurrent != 5 {
		t.Errorf("Audit.MaxConcurrent = %d, want 5", cfg.Audit.MaxConcurrent)
	}
	if cfg.Audit.StagnationThreshold != 0.95 {
		t.Errorf("StagnationThreshold = %v, want 0.95", cfg.Audit.StagnationThreshold)
	}
	if cfg.Audit.StagnationStartLoop != 10 {
		t.Errorf("StagnationStartLoop = %d, want 10", cfg.Audit.StagnationStartLoop)
	}
	if cfg.Reviewer.Command != "codex" {
		t.Errorf("Reviewer.Command = %q, want codex", cfg.Reviewer.Command)
	}
	if cfg.Reviewer.ContextTokenLimit != 32000 {
		t.Errorf("ContextTokenLimit = %d, want 32000", cfg.Reviewer.ContextTokenLimit)
	}
	if cfg.Reviewer.QueueTimeout != 30*time.Second {
		t.Errorf("QueueTimeout = %v, want 30s", cfg.Reviewer.QueueTimeout)
	}
	if cfg.Reviewer.ProcessCleanupTimeout != 5*time.Second {
		t.Errorf("ProcessCleanupTimeout = %v, want 5s", cfg.Reviewer.ProcessCleanupTimeout)
	}
	if cfg.Sessions.StateDirectory != ".gansauditor/state" {
		t.Errorf("StateDirectory = %q, want .gansauditor/state", cfg.Sessions.StateDirectory)
	}
	if cfg.Sessions.MaxConcurrent != 50 {
		t.Errorf("Sessions.MaxConcurrent = %d, want 50", cfg.Sessions.MaxConcurrent)
	}
	if cfg.Sessions.MaxAge != 24*time.Hour {
		t.Errorf("Sessions.MaxAge = %v, want 24h", cfg.Sessions.MaxAge)
	}
	if cfg.Sessions.ContextSweepInterval != 5*time.Minute {
		t.Errorf("ContextSweepInterval = %v, want 5m", cfg.Sessions.ContextSweepInterval)
	}
	if cfg.Cache.MaxEntries != 1000 {
		t.Errorf("Cache.MaxEntries = %d, want 1000", cfg.Cache.MaxEntries)
	}
	if cfg.Cache.MaxMemoryBytes != 64<<20 {
		t.Errorf("Cache.MaxMemoryBytes = %d, want %d", cfg.Cache.MaxMemoryBytes, int64(64<<20))
	}
	if cfg.Cache.MaxAge != 30*time.Minute {
		t.Errorf("Cache.MaxAge = %v, want 30m", cfg.Cache.MaxAge)
	}
	if cfg.Trail.Enabled {
		t.Error("Trail.Enabled should default to false")
	}
	if cfg.Trail.Directory != ".gansauditor/state/trail" {
		t.Errorf("Trail.Directory = %q, want .gansauditor/state/trail", cfg.Trail.Directory)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	t.Setenv("ENABLE_SYNCHRONOUS_AUDIT", "true")
	t.Setenv("ENABLE_GAN_AUDITING", "false")
	t.Setenv("DISABLE_THOUGHT_LOGGING", "true")
	t.Setenv("AUDIT_TIMEOUT_SECONDS", "45")
	t.Setenv("MAX_CONCURRENT_AUDITS", "3")
	t.Setenv("MAX_CONCURRENT_SESSIONS", "10")
	t.Setenv("SESSION_STATE_DIRECTORY", "/tmp/audit-state")
	t.Setenv("STAGNATION_THRESHOLD", "0.9")
	t.Setenv("STAGNATION_START_LOOP", "5")

	SetDefaults()
	BindEnv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !cfg.Audit.EnableSynchronous {
		t.Error("EnableSynchronous = false, want true")
	}
	if cfg.Audit.EnableAuditing {
		t.Error("EnableAuditing = true, want false")
	}
	if !cfg.Audit.DisableThoughtLogging {
		t.Error("DisableThoughtLogging = false, want true")
	}
	if cfg.Audit.TimeoutSeconds != 45 {
		t.Errorf("TimeoutSeconds = %d, want 45", cfg.Audit.TimeoutSeconds)
	}
	if cfg.Audit.MaxConcurrent != 3 {
		t.Errorf("Audit.MaxConcurrent = %d, want 3", cfg.Audit.MaxConcurrent)
	}
	if cfg.Sessions.MaxConcurrent != 10 {
		t.Errorf("Sessions.MaxConcurrent = %d, want 10", cfg.Sessions.MaxConcurrent)
	}
	if cfg.Sessions.StateDirectory != "/tmp/audit-state" {
		t.Errorf("StateDirectory = %q, want /tmp/audit-state", cfg.Sessions.StateDirectory)
	}
	if cfg.Audit.StagnationThreshold != 0.9 {
		t.Errorf("StagnationThreshold = %v, want 0.9", cfg.Audit.StagnationThreshold)
	}
	if cfg.Audit.StagnationStartLoop != 5 {
		t.Errorf("StagnationStartLoop = %d, want 5", cfg.Audit.StagnationStartLoop)
	}
	if cfg.Trail.Directory != "/tmp/audit-state/trail" {
		t.Errorf("Trail.Directory = %q, want /tmp/audit-state/trail", cfg.Trail.Directory)
	}
}

func TestLoadPrefixedEnvOverrides(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	t.Setenv("GANSAUDITOR_TRAIL_ENABLED", "true")
	t.Setenv("GANSAUDITOR_REVIEWER_COMMAND", "codex-ci")
	t.Setenv("GANSAUDITOR_CACHE_MAX_ENTRIES", "250")
	t.Setenv("GANSAUDITOR_CLOUD_PROJECT", "audit-project")

	SetDefaults()
	BindEnv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !cfg.Trail.Enabled {
		t.Error("Trail.Enabled = false, want true")
	}
	if cfg.Reviewer.Command != "codex-ci" {
		t.Errorf("Reviewer.Command = %q, want codex-ci", cfg.Reviewer.Command)
	}
	if cfg.Cache.MaxEntries != 250 {
		t.Errorf("Cache.MaxEntries = %d, want 250", cfg.Cache.MaxEntries)
	}
	if cfg.Cloud.Project != "audit-project" {
		t.Errorf("Cloud.Project = %q, want audit-project", cfg.Cloud.Project)
	}
}

func TestUnprefixedEnvWinsOverPrefixed(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	t.Setenv("SESSION_STATE_DIRECTORY", "/tmp/compat-state")
	t.Setenv("GANSAUDITOR_SESSIONS_STATE_DIRECTORY", "/tmp/prefixed-state")

	SetDefaults()
	BindEnv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Sessions.StateDirectory != "/tmp/compat-state" {
		t.Errorf("StateDirectory = %q, want the unprefixed value /tmp/compat-state", cfg.Sessions.StateDirectory)
	}
}

func TestValidateClampsOutOfRange(t *testing.T) {
	cfg := defaulted()
	cfg.Audit.TimeoutSeconds = -5
	cfg.Audit.StagnationThreshold = 1.5
	cfg.Audit.EnableAuditing = false

	warnings, err := cfg.Validate()
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.Audit.TimeoutSeconds != 30 {
		t.Errorf("TimeoutSeconds = %d after clamp, want 30", cfg.Audit.TimeoutSeconds)
	}
	if cfg.Audit.StagnationThreshold != 0.95 {
		t.Errorf("StagnationThreshold = %v after clamp, want 0.95", cfg.Audit.StagnationThreshold)
	}
	if len(warnings) < 2 {
		t.Errorf("Validate() warnings = %v, want at least 2", warnings)
	}

	found := false
	for _, w := range warnings {
		if strings.Contains(w, "audit.timeout_seconds") {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings should name audit.timeout_seconds, got %v", warnings)
	}
}

func TestValidateSynchronousRequiresReviewer(t *testing.T) {
	cfg := defaulted()
	cfg.Audit.EnableSynchronous = true
	cfg.Reviewer.Command = "no-such-reviewer-binary-437db2"

	_, err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() should fail when synchronous audit is enabled without a reviewer binary")
	}
	if !strings.Contains(err.Error(), "reviewer unavailable") {
		t.Errorf("error = %v, want mention of reviewer unavailable", err)
	}
}

func TestValidateAsyncMissingReviewerIsWarning(t *testing.T) {
	cfg := defaulted()
	cfg.Audit.EnableSynchronous = false
	cfg.Reviewer.Command = "no-such-reviewer-binary-437db2"

	warnings, err := cfg.Validate()
	if err != nil {
		t.Fatalf("Validate() error = %v, want nil", err)
	}

	found := false
	for _, w := range warnings {
		if strings.Contains(w, "no-such-reviewer-binary-437db2") {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings should mention the missing reviewer, got %v", warnings)
	}
}

func TestValidateAcceptsRealBinary(t *testing.T) {
	cfg := defaulted()
	cfg.Audit.EnableSynchronous = true
	cfg.Reviewer.Command = "sh"

	if _, err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v, want nil for sh on PATH", err)
	}
}

func TestCheckReviewerBinary(t *testing.T) {
	tests := []struct {
		name    string
		command string
		wantErr bool
	}{
		{"on PATH", "sh", false},
		{"absolute path", "/bin/sh", false},
		{"missing", "no-such-binary-9a8b7c", true},
		{"empty", "", true},
		{"directory", "/tmp/.", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkReviewerBinary(tt.command)
			if (err != nil) != tt.wantErr {
				t.Errorf("checkReviewerBinary(%q) error = %v, wantErr %v", tt.command, err, tt.wantErr)
			}
		})
	}
}
