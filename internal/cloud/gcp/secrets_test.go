package gcp

import (
	"context"
	"testing"
)

func TestIsSecretRef(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"secret://codex-api-key", true},
		{"secret://projects/p/secrets/key/versions/2", true},
		{"sk-plain-literal-key", false},
		{"", false},
		{"secrets://typo", false},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			if got := IsSecretRef(tt.value); got != tt.want {
				t.Errorf("IsSecretRef(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestNormalizeSecretPath(t *testing.T) {
	r := &SecretResolver{projectID: "test-project"}

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "bare secret name",
			input:    "codex-api-key",
			expected: "projects/test-project/secrets/codex-api-key/versions/latest",
		},
		{
			name:     "full path without version",
			input:    "projects/other/secrets/codex-api-key",
			expected: "projects/other/secrets/codex-api-key/versions/latest",
		},
		{
			name:     "full path with version",
			input:    "projects/other/secrets/codex-api-key/versions/3",
			expected: "projects/other/secrets/codex-api-key/versions/3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := r.normalizeSecretPath(tt.input)
			if result != tt.expected {
				t.Errorf("normalizeSecretPath(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestResolvePassthrough(t *testing.T) {
	// Non-secret values never touch the API, so a client-less resolver
	// handles them.
	r := &SecretResolver{projectID: "test-project"}

	got, err := r.Resolve(context.Background(), "literal-value")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != "literal-value" {
		t.Errorf("Resolve() = %q, want passthrough", got)
	}
}

func TestResolveEmptyRef(t *testing.T) {
	r := &SecretResolver{projectID: "test-project"}

	if _, err := r.Resolve(context.Background(), "secret://"); err == nil {
		t.Fatal("Resolve(secret://) should fail on an empty reference")
	}
}

func TestGetProjectIDFromEnv(t *testing.T) {
	t.Setenv("GOOGLE_CLOUD_PROJECT", "env-project")

	got, err := getProjectID(context.Background())
	if err != nil {
		t.Fatalf("getProjectID() error = %v", err)
	}
	if got != "env-project" {
		t.Errorf("getProjectID() = %q, want env-project", got)
	}
}
