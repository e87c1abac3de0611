package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/meridianhq/mcpserve/pkg/audit"
	"github.com/meridianhq/mcpserve/pkg/auth"
	"github.com/meridianhq/mcpserve/pkg/authserver"
	"github.com/meridianhq/mcpserve/pkg/config"
	"github.com/meridianhq/mcpserve/pkg/eventstore"
	"github.com/meridianhq/mcpserve/pkg/kv"
	"github.com/meridianhq/mcpserve/pkg/logger"
	"github.com/meridianhq/mcpserve/pkg/oauth"
	"github.com/meridianhq/mcpserve/pkg/plugin"
	"github.com/meridianhq/mcpserve/pkg/plugin/builtin"
	"github.com/meridianhq/mcpserve/pkg/router"
	"github.com/meridianhq/mcpserve/pkg/tools"
	"github.com/meridianhq/mcpserve/pkg/transport"
	"github.com/meridianhq/mcpserve/pkg/transport/session"
	"github.com/meridianhq/mcpserve/pkg/transport/stdio"
	"github.com/meridianhq/mcpserve/pkg/transport/streamable"
	"github.com/meridianhq/mcpserve/pkg/versions"
	"github.com/meridianhq/mcpserve/pkg/workflow"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server",
		Long: `Run the MCP server on the configured transport. All settings come from
environment variables; see the project README for the full list.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	auditor, err := audit.NewLogger(cfg.Audit)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer auditor.Close()

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	toolReg := tools.NewRegistry(metrics)
	engine := workflow.NewEngine(auditor)

	plugins := plugin.NewManager(cfg.Plugins, toolReg, engine)
	if err := plugins.RegisterStatic(ctx, builtin.Echo()); err != nil {
		return fmt.Errorf("failed to register built-in plugins: %w", err)
	}
	if cfg.Plugins.Autoload {
		if err := plugins.Discover(ctx); err != nil {
			return fmt.Errorf("plugin discovery failed: %w", err)
		}
	}
	if cfg.Plugins.WatchChanges {
		if err := plugins.Watch(ctx); err != nil {
			logger.Warnw("plugin watching disabled", "error", err)
		}
	}

	info := transport.ServerInfo{Name: "mcpserve", Version: versions.GetVersionInfo().Version}
	dispatcher := transport.NewDispatcher(toolReg, engine, info)

	// The evict callback is bound late: the streamable handler does not
	// exist until the session manager does.
	var mcpHandler *streamable.Handler
	sessions := session.NewManager(cfg.Session, store, auditor, func(sessionID string) {
		if mcpHandler != nil {
			mcpHandler.DropBinding(sessionID)
		}
	})
	defer sessions.Stop()

	if cfg.Transport == config.TransportStdio {
		opts := stdio.Options{Session: cfg.Session, Auth: cfg.Auth}
		if cfg.Auth.Enabled && cfg.Auth.StdioEnabled && !cfg.Auth.StdioSkip && cfg.Auth.StdioAllowOAuth {
			opts.Tokens = authserver.NewServer(cfg.Provider, store, nil).Tokens()
		}
		logger.Infow("starting mcpserve", "version", info.Version, "transport", cfg.Transport)
		return transport.NewStdioManager(stdio.New(dispatcher, sessions, opts)).Run(ctx)
	}

	// HTTP transport: OAuth surface, auth middleware, SSE event store.
	creds := oauth.NewCredentialStore(store, cfg.Storage.CredentialsKey)
	var consumer *oauth.Consumer
	if cfg.Consumer.Enabled() {
		consumer, err = oauth.NewConsumer(ctx, cfg.Consumer, creds, auditor)
		if err != nil {
			return fmt.Errorf("failed to configure upstream oauth consumer: %w", err)
		}
		logger.Infow("upstream oauth consumer configured", "provider", consumer.ProviderID())
	}

	var upstreamAuth authserver.UpstreamAuthenticator
	var upstreamBroker auth.UpstreamBroker
	if consumer != nil {
		upstreamAuth = consumer
		upstreamBroker = consumer
	}
	authSrv := authserver.NewServer(cfg.Provider, store, upstreamAuth)

	realm := cfg.Provider.Issuer
	if realm == "" {
		realm = fmt.Sprintf("http://%s", cfg.HTTP.Address())
	}
	middleware := auth.NewMiddleware(cfg.Auth, realm, authSrv.Tokens(), upstreamBroker, auditor)

	events := eventstore.NewChunked(store)
	mcpHandler = streamable.NewHandler(dispatcher, sessions, events, cfg.Session)
	go eventstore.Janitor(ctx, events, 6*time.Hour, 1000, logger.Debugf)

	handler := router.New(router.Deps{
		Config:     cfg,
		AuthServer: authSrv,
		Middleware: middleware,
		MCP:        mcpHandler,
		Sessions:   sessions,
		Tools:      toolReg,
		Plugins:    plugins,
		Metrics:    metrics,
		Info:       info,
	})

	logger.Infow("starting mcpserve", "version", info.Version, "transport", cfg.Transport, "address", cfg.HTTP.Address())
	return transport.NewHTTPManager(cfg.HTTP.Address(), handler).Run(ctx)
}

// openStore selects the KV backend: Redis when REDIS_URL is set, sqlite when
// a KV path is given, in-memory otherwise.
func openStore(cfg config.StorageConfig) (kv.Store, error) {
	switch {
	case cfg.RedisURL != "":
		store, err := kv.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Infow("using redis kv store")
		return store, nil
	case cfg.KVPath != "":
		store, err := kv.NewSQLiteStore(cfg.KVPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open kv store at %s: %w", cfg.KVPath, err)
		}
		logger.Infow("using sqlite kv store", "path", cfg.KVPath)
		return store, nil
	default:
		logger.Info("using in-memory kv store; sessions and tokens will not survive restarts")
		return kv.NewMemoryStore(), nil
	}
}
