// Package gcp provides the optional Google Cloud integrations: a Cloud
// Logging mirror for server logs and Secret Manager resolution for reviewer
// credentials. Both are nil-able; the server runs identically without them.
package gcp

import (
	"context"
	"fmt"

	gclogging "cloud.google.com/go/logging"
	"google.golang.org/api/option"

	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/logging"
)

// CloudLoggerConfig configures the Cloud Logging mirror.
type CloudLoggerConfig struct {
	// Project is the GCP project id. Required.
	Project string

	// LogID names the log stream. Defaults to "gansauditor-codex".
	LogID string

	// Labels are attached to every entry.
	Labels map[string]string

	// CredentialsFile optionally points at a service account key file;
	// default application credentials are used when empty.
	CredentialsFile string
}

// CloudLogger forwards log entries to Google Cloud Logging. It implements
// logging.Mirror, so a StandardLogger can carry it as its mirror.
type CloudLogger struct {
	client *gclogging.Client
	logger *gclogging.Logger
}

// NewCloudLogger creates the Cloud Logging client. Entries are buffered by
// the SDK and flushed on Close.
func NewCloudLogger(ctx context.Context, cfg CloudLoggerConfig, opts ...option.ClientOption) (*CloudLogger, error) {
	if cfg.Project == "" {
		return nil, fmt.Errorf("cloud logging requires a project id")
	}
	if cfg.LogID == "" {
		cfg.LogID = "gansauditor-codex"
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := gclogging.NewClient(ctx, cfg.Project, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create cloud logging client: %w", err)
	}

	loggerOpts := []gclogging.LoggerOption{}
	if len(cfg.Labels) > 0 {
		loggerOpts = append(loggerOpts, gclogging.CommonLabels(cfg.Labels))
	}

	return &CloudLogger{
		client: client,
		logger: client.Logger(cfg.LogID, loggerOpts...),
	}, nil
}

// Log implements logging.Mirror.
func (cl *CloudLogger) Log(sev logging.Severity, message string) {
	cl.logger.Log(gclogging.Entry{
		Severity: severityOf(sev),
		Payload:  message,
	})
}

// Flush forces all buffered entries out to the API.
func (cl *CloudLogger) Flush() error {
	return cl.logger.Flush()
}

// Close flushes remaining entries and releases the client.
func (cl *CloudLogger) Close() error {
	return cl.client.Close()
}

func severityOf(sev logging.Severity) gclogging.Severity {
	switch sev {
	case logging.SeverityDebug:
		return gclogging.Debug
	case logging.SeverityWarning:
		return gclogging.Warning
	case logging.SeverityError:
		return gclogging.Error
	default:
		return gclogging.Info
	}
}

var _ logging.Mirror = (*CloudLogger)(nil)
