package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/cache"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/cloud/gcp"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/config"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/contextpack"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/engine"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/logging"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/mcp"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/reviewer"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/security"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/session"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/supervisor"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/trail"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/version"
)

// shutdownBudget bounds the ordered teardown after the server stops.
const shutdownBudget = 30 * time.Second

// reviewerKeyEnv is the environment variable the resolved API key secret
// is injected under.
const reviewerKeyEnv = "CODEX_API_KEY"

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "Received interrupt signal, shutting down...")
		cancel()
	}()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	warnings, err := cfg.Validate()
	logger := logging.New("gansauditor-codex", cfg.Verbose)
	for _, w := range warnings {
		logger.Warnf("config: %s", w)
	}
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	sanitizer := security.NewLogSanitizer()

	var cloudLogger *gcp.CloudLogger
	if cfg.Cloud.EnableCloudLogging {
		cl, err := gcp.NewCloudLogger(ctx, gcp.CloudLoggerConfig{
			Project:         cfg.Cloud.Project,
			CredentialsFile: cfg.Cloud.CredentialsFile,
			Labels: map[string]string{
				"service": "gansauditor-codex",
				"version": version.Short(),
			},
		})
		if err != nil {
			logger.Warnf("cloud logging disabled: %v", err)
		} else {
			cloudLogger = cl
			logger = logger.WithMirror(cl).WithSanitizer(sanitizer.Sanitize)
		}
	}

	logger.Infof("starting %s", version.Info())
	logger.Infof("auditing=%t synchronous=%t timeout=%ds max_audits=%d state_dir=%s",
		cfg.Audit.EnableAuditing, cfg.Audit.EnableSynchronous,
		cfg.Audit.TimeoutSeconds, cfg.Audit.MaxConcurrent,
		cfg.Sessions.StateDirectory)

	reviewerEnv, err := resolveReviewerEnv(ctx, cfg, logger)
	if err != nil {
		return err
	}

	sup := supervisor.New(cfg.Audit.MaxConcurrent, cfg.Reviewer.QueueTimeout,
		cfg.Reviewer.ProcessCleanupTimeout, logger.WithPrefix("supervisor"))

	clientCfg := reviewer.ClientConfig{
		Command:           cfg.Reviewer.Command,
		Args:              cfg.Reviewer.Args,
		Env:               reviewerEnv,
		WorkingDir:        cfg.Reviewer.WorkingDir,
		ContextTokenLimit: cfg.Reviewer.ContextTokenLimit,
	}
	client, err := reviewer.NewClient(clientCfg, sup, logger.WithPrefix("reviewer"))
	if err != nil {
		return fmt.Errorf("failed to build reviewer client: %w", err)
	}
	contexts := reviewer.NewContextManager(clientCfg, sup, logger.WithPrefix("context"))
	packer := contextpack.NewPacker(sup, logger.WithPrefix("contextpack"))

	store, err := session.NewStore(cfg.Sessions.StateDirectory, cfg.Sessions.MaxConcurrent,
		logger.WithPrefix("session"))
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}

	resultCache, err := cache.New(cfg.Cache.MaxEntries, cfg.Cache.MaxMemoryBytes,
		cfg.Cache.MaxAge, logger.WithPrefix("cache"))
	if err != nil {
		return fmt.Errorf("failed to build audit cache: %w", err)
	}

	var sink *trail.FileSink
	if cfg.Trail.Enabled {
		s, err := trail.NewFileSink(cfg.Trail.Directory)
		if err != nil {
			logger.Warnf("audit trail disabled: %v", err)
		} else {
			sink = s
			logger.Infof("audit trail at %s", s.Path())
		}
	}

	deps := engine.Deps{
		Sessions: store,
		Cache:    resultCache,
		Reviewer: client,
		Contexts: contexts,
		Packer:   packer,
		Logger:   logger.WithPrefix("engine"),
	}
	// A typed nil in the interface would dodge the engine's nil checks.
	if sink != nil {
		deps.Trail = sink
	}

	eng, err := engine.New(engine.Config{
		EnableAuditing:        cfg.Audit.EnableAuditing,
		EnableSynchronous:     cfg.Audit.EnableSynchronous,
		DisableThoughtLogging: cfg.Audit.DisableThoughtLogging,
		AuditTimeout:          time.Duration(cfg.Audit.TimeoutSeconds) * time.Second,
		MaxAsyncAudits:        cfg.Audit.MaxConcurrent,
		WorkingDir:            cfg.Reviewer.WorkingDir,
		StagnationStartLoop:   cfg.Audit.StagnationStartLoop,
		StagnationThreshold:   cfg.Audit.StagnationThreshold,
	}, deps)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	srv := mcp.NewServer(mcp.ServerConfig{
		Name:    "gansauditor-codex",
		Version: version.Short(),
	}, eng, logger.WithPrefix("mcp"))

	srv.AddPeriodic("context sweep", cfg.Sessions.ContextSweepInterval, func(ctx context.Context) {
		if n := contexts.Sweep(ctx); n > 0 {
			logger.Infof("context sweep reaped %d stale context(s)", n)
		}
	})
	srv.AddPeriodic("session sweep", cfg.Sessions.SweepInterval, func(context.Context) {
		n, err := store.Sweep(cfg.Sessions.MaxAge)
		if err != nil {
			logger.Warnf("session sweep: %v", err)
		} else if n > 0 {
			logger.Infof("session sweep removed %d idle session(s)", n)
		}
	})

	var shutdownOnce sync.Once
	shutdown := func() {
		shutdownOnce.Do(func() {
			shCtx, shCancel := context.WithTimeout(context.Background(), shutdownBudget)
			defer shCancel()

			if err := eng.Close(shCtx); err != nil {
				logger.Warnf("engine close: %v", err)
			}
			contexts.TerminateAll(shCtx, "shutdown")
			sup.TerminateAll()
			if sink != nil {
				if err := sink.Close(); err != nil {
					logger.Warnf("trail close: %v", err)
				}
			}
			logger.Infof("shutdown complete")
			if cloudLogger != nil {
				if err := cloudLogger.Close(); err != nil {
					fmt.Fprintln(os.Stderr, "cloud logging close:", err)
				}
			}
		})
	}
	defer shutdown()

	serveErr := srv.Serve(ctx)
	shutdown()
	if serveErr != nil {
		return fmt.Errorf("server: %w", serveErr)
	}
	return nil
}

// resolveReviewerEnv assembles the reviewer child environment, resolving
// secret:// references through Secret Manager. Resolution failures are
// fatal only when a synchronous audit could not proceed without them.
func resolveReviewerEnv(ctx context.Context, cfg *config.Config, logger logging.Logger) ([]string, error) {
	env := make(map[string]string, len(cfg.Reviewer.Env)+1)
	for k, v := range cfg.Reviewer.Env {
		env[k] = v
	}
	if cfg.Reviewer.APIKeySecret != "" {
		env[reviewerKeyEnv] = cfg.Reviewer.APIKeySecret
	}

	hasRefs := false
	for _, v := range env {
		if gcp.IsSecretRef(v) {
			hasRefs = true
			break
		}
	}
	if hasRefs {
		syncFatal := cfg.Audit.EnableAuditing && cfg.Audit.EnableSynchronous
		resolver, err := gcp.NewSecretResolver(ctx)
		if err != nil {
			if syncFatal {
				return nil, fmt.Errorf("reviewer secrets unresolvable: %w", err)
			}
			logger.Warnf("secret resolution unavailable, values left unresolved: %v", err)
		} else {
			resolved, err := resolver.ResolveEnv(ctx, env)
			if cerr := resolver.Close(); cerr != nil {
				logger.Warnf("secret manager close: %v", cerr)
			}
			if err != nil {
				if syncFatal {
					return nil, fmt.Errorf("reviewer secrets unresolvable: %w", err)
				}
				logger.Warnf("secret resolution failed, values left unresolved: %v", err)
			} else {
				env = resolved
			}
		}
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out, nil
}
