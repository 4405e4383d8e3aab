package gcp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"
)

// secretScheme marks a config value that names a Secret Manager secret
// rather than a literal, e.g. "secret://codex-api-key" or
// "secret://projects/p/secrets/codex-api-key/versions/3".
const secretScheme = "secret://"

// IsSecretRef reports whether a config value should be resolved through
// Secret Manager.
func IsSecretRef(value string) bool {
	return strings.HasPrefix(value, secretScheme)
}

// SecretResolver resolves secret:// references in reviewer configuration.
type SecretResolver struct {
	client    *secretmanager.Client
	projectID string
}

// NewSecretResolver creates a Secret Manager client. The project id comes
// from the environment or the metadata server when running on GCP.
func NewSecretResolver(ctx context.Context, opts ...option.ClientOption) (*SecretResolver, error) {
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret manager client: %w", err)
	}

	projectID, err := getProjectID(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to get project ID: %w", err)
	}

	return &SecretResolver{
		client:    client,
		projectID: projectID,
	}, nil
}

// Resolve fetches the secret a reference names. Values without the
// secret:// scheme are returned unchanged.
func (r *SecretResolver) Resolve(ctx context.Context, value string) (string, error) {
	if !IsSecretRef(value) {
		return value, nil
	}
	ref := strings.TrimPrefix(value, secretScheme)
	if ref == "" {
		return "", fmt.Errorf("empty secret reference")
	}

	// Bound the call so a slow API cannot stall startup.
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req := &secretmanagerpb.AccessSecretVersionRequest{
		Name: r.normalizeSecretPath(ref),
	}

	result, err := r.client.AccessSecretVersion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to access secret version: %w", err)
	}

	return strings.TrimSpace(string(result.Payload.Data)), nil
}

// ResolveEnv resolves every secret:// value in a reviewer environment map,
// returning a new map. The first resolution failure aborts.
func (r *SecretResolver) ResolveEnv(ctx context.Context, env map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(env))
	for k, v := range env {
		resolved, err := r.Resolve(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

// Close closes the Secret Manager client.
func (r *SecretResolver) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// normalizeSecretPath ensures the reference is a full resource path,
// appending /versions/latest when no version is named.
func (r *SecretResolver) normalizeSecretPath(ref string) string {
	if strings.HasPrefix(ref, "projects/") && strings.Contains(ref, "/versions/") {
		return ref
	}
	if strings.HasPrefix(ref, "projects/") && strings.Contains(ref, "/secrets/") {
		return ref + "/versions/latest"
	}
	secretName := path.Base(ref)
	return fmt.Sprintf("projects/%s/secrets/%s/versions/latest", r.projectID, secretName)
}

// getProjectID retrieves the GCP project ID from environment variables or
// the metadata server.
func getProjectID(ctx context.Context) (string, error) {
	if projectID := os.Getenv("GOOGLE_CLOUD_PROJECT"); projectID != "" {
		return projectID, nil
	}
	if projectID := os.Getenv("GCP_PROJECT"); projectID != "" {
		return projectID, nil
	}
	if projectID := os.Getenv("GCLOUD_PROJECT"); projectID != "" {
		return projectID, nil
	}

	return getProjectIDFromMetadata(ctx)
}

// getProjectIDFromMetadata fetches the project ID from the GCP metadata
// server (works on GCE, Cloud Run, GKE).
func getProjectIDFromMetadata(ctx context.Context) (string, error) {
	const metadataURL = "http://metadata.google.internal/computeMetadata/v1/project/project-id"

	req, err := http.NewRequestWithContext(ctx, "GET", metadataURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create metadata request: %w", err)
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{
		Timeout: 2 * time.Second,
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch project ID from metadata server: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("metadata server returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read metadata response: %w", err)
	}

	projectID := strings.TrimSpace(string(body))
	if projectID == "" {
		return "", fmt.Errorf("empty project ID from metadata server")
	}

	return projectID, nil
}
