package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/psantana5/playscope/internal/catalog"
	"github.com/psantana5/playscope/internal/commands"
	"github.com/psantana5/playscope/internal/config"
	"github.com/psantana5/playscope/internal/corpus"
	"github.com/psantana5/playscope/internal/llm"
	"github.com/psantana5/playscope/internal/stream"
	"github.com/psantana5/playscope/internal/supervisor"
	"github.com/psantana5/playscope/pkg/api"
	"github.com/psantana5/playscope/pkg/auth"
	"github.com/psantana5/playscope/pkg/cleanup"
	"github.com/psantana5/playscope/pkg/events"
	"github.com/psantana5/playscope/pkg/jobs"
	"github.com/psantana5/playscope/pkg/logging"
	"github.com/psantana5/playscope/pkg/metrics"
	"github.com/psantana5/playscope/pkg/middleware"
	"github.com/psantana5/playscope/pkg/ratelimit"
	"github.com/psantana5/playscope/pkg/retry"
	"github.com/psantana5/playscope/pkg/shutdown"
	"github.com/psantana5/playscope/pkg/store"
	tlsutil "github.com/psantana5/playscope/pkg/tls"
	"github.com/psantana5/playscope/pkg/tracing"
)

var version = "dev"

var (
	cfgFile      string
	envFile      string
	generateCert bool
)

func main() {
	v := config.NewViper()

	rootCmd := &cobra.Command{
		Use:           "playscoped",
		Short:         "Playscope server: background corpus jobs and similarity search",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile == "" {
				if path, err := config.DefaultPath(); err == nil {
					if _, err := os.Stat(path); err == nil {
						cfgFile = path
					}
				}
			}
			cfg, err := config.Load(v, cfgFile, envFile)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (default ~/.playscope/config.yaml if present)")
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	flags.BoolVar(&generateCert, "generate-cert", false, "generate a self-signed certificate at tls_cert/tls_key if missing")
	flags.String("addr", ":8080", "API listen address")
	flags.String("metrics-addr", ":9090", "Prometheus metrics listen address")
	flags.String("store-type", "sqlite", "job store backend: sqlite, postgres or memory")
	flags.String("store-path", "playscope.db", "SQLite database path")
	flags.String("store-dsn", "", "Postgres connection string")
	flags.String("corpus-dir", "corpus", "corpus directory")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "console", "log format: console or json")
	flags.String("api-token", "", "bearer token required on API requests")
	flags.String("tls-cert", "", "TLS certificate file")
	flags.String("tls-key", "", "TLS key file")

	for key, name := range map[string]string{
		"server.addr":         "addr",
		"server.metrics_addr": "metrics-addr",
		"server.api_token":    "api-token",
		"server.tls_cert":     "tls-cert",
		"server.tls_key":      "tls-key",
		"store.type":          "store-type",
		"store.path":          "store-path",
		"store.dsn":           "store-dsn",
		"corpus.dir":          "corpus-dir",
		"log.level":           "log-level",
		"log.format":          "log-format",
	} {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger := logging.New(cfg.LoggingOptions("playscoped"))
	defer logger.Close()

	logger.Info("Starting playscoped", map[string]interface{}{
		"version": version,
		"store":   cfg.Store.Type,
		"addr":    cfg.Server.Addr,
	})

	tracer, err := tracing.InitTracer(cfg.TracingOptions(version), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	jobStore, err := store.New(cfg.StoreOptions())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	recorder := metrics.NewRecorder()
	broker := events.NewBroker(events.WithDropHook(recorder.EventDropped))

	corp, err := corpus.Open(cfg.Corpus.Dir)
	if err != nil {
		jobStore.Close()
		return fmt.Errorf("failed to open corpus: %w", err)
	}

	deps := commands.Deps{
		Catalog:  newCatalog(cfg, logger),
		Corpus:   corp,
		MaxPages: cfg.Catalog.MaxPages,
		Logger:   logger,
	}
	var embedder api.Embedder
	if client, err := newLLM(cfg, logger); err == nil {
		deps.Describer = client
		deps.Embedder = client
		embedder = client
	} else {
		logger.Warn("Language model disabled, describe/embed/search unavailable", map[string]interface{}{"reason": err.Error()})
	}

	manager := jobs.NewManager(jobStore, broker, commands.NewRegistry(deps), logger,
		jobs.WithObserver(recorder),
		jobs.WithTracer(tracer.Tracer()),
	)
	recorder.RegisterJobStats(manager.Stats)

	ctx := context.Background()
	if _, err := manager.RecoverInterrupted(ctx); err != nil {
		jobStore.Close()
		return err
	}

	hub := stream.NewHub(broker, logger, nil)

	var tokens *auth.TokenManager
	if cfg.Server.APIToken != "" {
		tokens = auth.NewTokenManager()
	}

	handler := api.NewHandler(api.Config{
		Manager:  manager,
		Store:    jobStore,
		Corpus:   corp,
		Embedder: embedder,
		Events:   hub,
		Tokens:   tokens,
		Observer: recorder,
		Logger:   logger,
		Version:  version,
	})

	router := mux.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.AccessLog(logger.WithComponent("http"), "/health"))
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(recorder.Middleware)

	var limiter *ratelimit.Limiter
	if cfg.Server.RateLimit > 0 {
		limiter = ratelimit.NewLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
		router.Use(limiter.Middleware(ratelimit.IPKeyFunc))
		logger.Info("Rate limiting enabled", map[string]interface{}{"rps": cfg.Server.RateLimit, "burst": cfg.Server.RateBurst})
	}

	if cfg.Server.APIToken != "" {
		router.Use(auth.Require(auth.Any{auth.StaticToken(cfg.Server.APIToken), tokens}, "/health"))
		logger.Info("API authentication enabled")
	} else {
		logger.Warn("API authentication disabled, set server.api_token to enable it")
	}

	handler.RegisterRoutes(router)

	apiServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	useTLS := cfg.Server.TLSEnabled()
	if useTLS {
		if generateCert {
			created, err := tlsutil.EnsureCertificate(cfg.Server.TLSCert, cfg.Server.TLSKey, "playscoped", "localhost", "127.0.0.1")
			if err != nil {
				jobStore.Close()
				return fmt.Errorf("failed to generate certificate: %w", err)
			}
			if created {
				logger.Info("Generated self-signed certificate", map[string]interface{}{"cert": cfg.Server.TLSCert})
			}
		}
		tlsConfig, err := tlsutil.LoadTLSConfig(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			jobStore.Close()
			return fmt.Errorf("failed to load TLS config: %w", err)
		}
		apiServer.TLSConfig = tlsConfig
	}

	metricsServer := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           recorder.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree := supervisor.NewTree(logger, supervisor.TreeConfig{ShutdownTimeout: cfg.Server.ShutdownTimeout})
	tree.AddStoreService(cleanup.NewManager(cfg.CleanupOptions(), manager, jobStore, logger))
	tree.AddMessagingService(hub)
	if limiter != nil {
		tree.AddMessagingService(supervisor.Func("ratelimit-eviction", func(ctx context.Context) error {
			limiter.Run(ctx, time.Minute, 10*time.Minute)
			return ctx.Err()
		}))
	}
	tree.AddAPIService(supervisor.NewHTTPService("api-server", apiServer, useTLS, cfg.Server.ShutdownTimeout))
	tree.AddAPIService(supervisor.NewHTTPService("metrics-server", metricsServer, false, cfg.Server.ShutdownTimeout))

	treeCtx, stopTree := context.WithCancel(ctx)
	treeDone := tree.ServeBackground(treeCtx)

	scheme := "http"
	if useTLS {
		scheme = "https"
	}
	logger.Info("Server listening", map[string]interface{}{
		"api":     fmt.Sprintf("%s://%s", scheme, cfg.Server.Addr),
		"metrics": cfg.Server.MetricsAddr,
	})

	// Hooks run in reverse registration order
	sm := shutdown.New(cfg.Server.ShutdownTimeout, logger)
	sm.Register("store", shutdown.CloseResource(jobStore, "job store"))
	sm.Register("tracing", tracer.Shutdown)
	sm.Register("broker", func(context.Context) error {
		broker.Close()
		return nil
	})
	sm.Register("jobs", shutdown.WaitForJobs(manager.Wait, "in-flight jobs"))
	sm.Register("supervisor", func(ctx context.Context) error {
		stopTree()
		select {
		case err := <-treeDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	// A supervisor that exits on its own also ends the process
	go func() {
		select {
		case err := <-treeDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Supervisor stopped", map[string]interface{}{"error": err.Error()})
			}
			sm.Trigger()
		case <-sm.Done():
		}
	}()

	return sm.WaitWithContext(ctx)
}

func newCatalog(cfg *config.Config, logger *logging.Logger) *catalog.Client {
	rc := retry.DefaultConfig()
	rc.MaxRetries = cfg.Catalog.MaxRetries
	return catalog.New(catalog.Config{
		BaseURL:       cfg.Catalog.BaseURL,
		ThumbnailsURL: cfg.Catalog.ThumbnailsURL,
		RatePerSecond: cfg.Catalog.RatePerSecond,
		PageSize:      cfg.Catalog.PageSize,
		Retry:         rc,
		Logger:        logger,
	})
}

func newLLM(cfg *config.Config, logger *logging.Logger) (*llm.Client, error) {
	return llm.New(llm.Config{
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		ChatModel:      cfg.LLM.ChatModel,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Dimensions:     cfg.LLM.Dimensions,
		MaxTokens:      cfg.LLM.MaxTokens,
		Temperature:    cfg.LLM.Temperature,
		Logger:         logger,
	})
}
