package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/throw-if-null/catalyst/internal/argon"
	"github.com/throw-if-null/catalyst/internal/auth"
	"github.com/throw-if-null/catalyst/internal/config"
	"github.com/throw-if-null/catalyst/internal/envelope"
	"github.com/throw-if-null/catalyst/internal/llm"
	"github.com/throw-if-null/catalyst/internal/logging"
	"github.com/throw-if-null/catalyst/internal/paths"
	"github.com/throw-if-null/catalyst/internal/store"
	"github.com/throw-if-null/catalyst/internal/tasks"
	"github.com/throw-if-null/catalyst/internal/telemetry"
	"github.com/throw-if-null/catalyst/internal/version"
)

// overridable in tests
var (
	telemetryInit = telemetry.Init
	newProvider   = llm.New
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	root := flag.String("root", ".", "project root holding .catalyst/")
	flag.Parse()
	if *showVersion {
		fmt.Printf("argon %s (%s)\n", version.Version, version.Commit)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *root, os.LookupEnv); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "argon:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, root string, environ config.Lookup) error {
	a, err := setup(ctx, root, environ)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      a.cfg.WriteTimeout(),
	}
	errc := make(chan error, 1)
	go func() {
		a.log.Info("argon listening",
			zap.String("addr", "http://"+srv.Addr),
			zap.String("version", version.Version),
			zap.String("commit", version.Commit),
			zap.String("mode", string(a.cfg.Mode)))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.Server.ShutdownTimeoutMS)*time.Millisecond)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type app struct {
	cfg     config.Config
	handler http.Handler
	log     *zap.Logger
	server  *argon.Server
	store   *store.Store
	closers []func(context.Context) error
}

// Close stops background work and releases resources in reverse order.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.log.Warn("shutdown step failed", zap.Error(err))
		}
	}
	_ = a.log.Sync()
}

func setup(ctx context.Context, root string, environ config.Lookup) (a *app, err error) {
	res, err := config.Resolve(root, environ)
	if err != nil {
		return nil, err
	}
	cfg := res.Config
	dev := cfg.Mode.Development()

	log := logging.FromEnv(dev)
	a = &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()
	if res.Found {
		log.Info("loaded config", zap.String("path", res.Path))
	}

	shutdownTracing, err := telemetryInit(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version.Version,
		Environment:    string(cfg.Mode),
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return a, fmt.Errorf("telemetry: %w", err)
	}
	a.closers = append(a.closers, shutdownTracing)

	dbURL, local, err := cfg.DatabaseURL(root)
	if err != nil {
		return a, err
	}
	if local {
		dir, err := paths.DataDir(root)
		if err != nil {
			return a, err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return a, fmt.Errorf("create data dir: %w", err)
		}
		if cfg.Mode == config.ModeProduction {
			log.Warn("DATABASE_URL not set; using local SQLite database", zap.String("path", dbURL))
		}
	}
	st, err := store.Open(ctx, dbURL, store.WithLogger(log.Named("store")))
	if err != nil {
		return a, fmt.Errorf("open database: %w", err)
	}
	a.store = st
	a.closers = append(a.closers, func(context.Context) error { return st.Close() })
	if err := st.Init(ctx); err != nil {
		return a, fmt.Errorf("init schema: %w", err)
	}
	if n, err := st.ReconcileInFlightRuns(ctx); err != nil {
		return a, fmt.Errorf("reconcile runs: %w", err)
	} else if n > 0 {
		log.Warn("marked interrupted runs as failed", zap.Int64("count", n))
	}

	provider, err := newProvider(ctx, cfg.LLMSettings(), log.Named("llm"))
	if err != nil {
		return a, fmt.Errorf("generation provider: %w", err)
	}
	registry, err := tasks.NewRegistry()
	if err != nil {
		return a, err
	}

	rs := envelope.NewResponder(dev, log.Named("http"))
	authn, err := auth.New(auth.Config{
		Development:       dev,
		Production:        cfg.Mode == config.ModeProduction,
		JWTKey:            cfg.Auth.JWTKey,
		AuthorizedParties: cfg.Auth.AuthorizedParties,
		PublicRoutes:      cfg.Auth.PublicRoutes,
		BypassForTests:    cfg.Auth.BypassForTests,
	}, rs, log.Named("auth"))
	if err != nil {
		return a, fmt.Errorf("auth: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := telemetry.NewMetrics(reg)
	if err != nil {
		return a, err
	}

	a.server = argon.NewServer(argon.Config{
		Store:       st,
		Tasks:       registry,
		Provider:    provider,
		Model:       cfg.ModelConfig(),
		Responder:   rs,
		Auth:        authn,
		Metrics:     metrics,
		Gatherer:    reg,
		Logger:      log,
		CORSOrigins: cfg.Server.CORSOrigins,
	})
	a.handler = a.server.Handler()

	stopPrune := argon.StartPruneWorker(ctx, st, argon.PruneConfig{
		MaxAge:   time.Duration(cfg.Retention.MaxAgeHours) * time.Hour,
		Interval: time.Duration(cfg.Retention.PruneIntervalMS) * time.Millisecond,
		Metrics:  metrics,
		Logger:   log,
	})
	a.closers = append(a.closers, func(context.Context) error { stopPrune(); return nil })

	log.Info("argon ready",
		zap.String("provider", provider.Name()),
		zap.String("model", cfg.ModelConfig().Model),
		zap.String("database", string(st.Dialect())),
		zap.Bool("auth", !authn.Disabled()))
	return a, nil
}
