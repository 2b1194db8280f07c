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

	"go.uber.org/zap"

	"github.com/shortontech/goproctor/internal/analysis"
	"github.com/shortontech/goproctor/internal/detection"
	httpx "github.com/shortontech/goproctor/internal/http"
	"github.com/shortontech/goproctor/internal/logging"
	"github.com/shortontech/goproctor/internal/metrics"
	"github.com/shortontech/goproctor/internal/reputation"
	"github.com/shortontech/goproctor/internal/risk"
	"github.com/shortontech/goproctor/internal/sink"
	"github.com/shortontech/goproctor/internal/store"
	"github.com/shortontech/goproctor/pkg/config"
)

func main() {
	demo := flag.Bool("demo", false, "seed synthetic sessions through the pipeline after startup")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "goproctor: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(logging.Options{
		Level:       cfg.LogLevel,
		File:        cfg.LogFile,
		Development: cfg.Environment == "development",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "goproctor: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log, *demo); err != nil {
		log.Fatal("goproctor: exiting", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger, demo bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appMetrics := metrics.NewMetrics()
	metricsServer, err := metrics.NewServer(metrics.LoadConfig(), appMetrics, log)
	if err != nil {
		return fmt.Errorf("failed to create metrics server: %w", err)
	}
	if err := metricsServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	st, err := openStore(ctx, cfg, appMetrics, log)
	if err != nil {
		return err
	}
	defer st.Close()

	rep, err := openReputation(ctx, cfg)
	if err != nil {
		return err
	}
	defer rep.Close()

	sinks := initializeSinks(ctx, cfg.Outputs, log)
	var demoBuf *sink.Buffer
	if demo {
		demoBuf = sink.NewBuffer()
		sinks = append(sinks, demoBuf)
	}
	svc := analysis.New(analysis.Deps{
		Store:      st,
		Reputation: rep,
		Sinks:      sinks,
		Metrics:    appMetrics,
		Log:        log,
	}, analysisOptions(cfg))

	if cfg.RetentionSchedule != "" {
		sched, err := svc.StartRetention(cfg.RetentionSchedule, time.Duration(cfg.RetentionDays)*24*time.Hour)
		if err != nil {
			return fmt.Errorf("failed to schedule retention: %w", err)
		}
		defer sched.Stop()
	}

	env := httpx.Env{
		Cfg:      cfg,
		Service:  svc,
		HMACAuth: initializeHMACAuth(cfg, log),
		Auth:     httpx.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer),
		Limiter:  httpx.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.TrustProxy),
		Metrics:  appMetrics,
		Log:      log,
	}
	if !env.Auth.Enabled() {
		log.Warn("goproctor: JWT_SECRET not set, analysis routes are unauthenticated")
	}
	srv := startHTTPServer(cfg, httpx.NewMux(env), log)

	if demo {
		go func() {
			if err := runDemo(ctx, svc, demoBuf, log.Named("demo")); err != nil {
				log.Error("demo: failed", zap.Error(err))
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("goproctor: shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("goproctor: http shutdown", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("goproctor: metrics shutdown", zap.Error(err))
	}
	closeSinks(sinks, log)
	return nil
}

// openStore connects the configured backend and wraps it in the retrying
// store so transient failures are retried with backoff.
func openStore(ctx context.Context, cfg config.Config, m *metrics.Metrics, log *zap.Logger) (store.Store, error) {
	var backend store.Store
	switch cfg.StoreBackend {
	case "postgres":
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		pg, err := store.NewPostgres(connectCtx, cfg.PGDSN, cfg.PGTablePrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		backend = pg
		log.Info("goproctor: postgres store ready", zap.String("prefix", cfg.PGTablePrefix))
	default:
		backend = store.NewMemory()
		log.Info("goproctor: in-memory store, data is lost on restart")
	}
	return store.NewRetrying(backend, store.DefaultRetryPolicy(), log.Named("store"), m.IncrementStoreErrors), nil
}

func openReputation(ctx context.Context, cfg config.Config) (reputation.Store, error) {
	if cfg.ReputationBackend != "redis" {
		return reputation.NewMemory(), nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rep, err := reputation.NewRedis(connectCtx, cfg.RedisURL, "goproctor")
	if err != nil {
		return nil, fmt.Errorf("failed to open redis reputation store: %w", err)
	}
	return rep, nil
}

// initializeSinks starts the outbound sinks named in outputs. A sink that
// fails to start is skipped; unknown names are logged and ignored.
func initializeSinks(ctx context.Context, outputs []string, log *zap.Logger) []sink.Sink {
	var sinks []sink.Sink
	for _, out := range outputs {
		var s sink.Sink
		switch out {
		case "log":
			s = sink.NewLogSink(log)
		case "kafka":
			s = sink.NewKafkaSinkFromEnv(log)
		default:
			log.Warn("goproctor: unknown output ignored", zap.String("output", out))
			continue
		}
		if err := s.Start(ctx); err != nil {
			log.Error("goproctor: sink failed to start", zap.String("sink", s.Name()), zap.Error(err))
			continue
		}
		log.Info("goproctor: sink started", zap.String("sink", s.Name()))
		sinks = append(sinks, s)
	}
	return sinks
}

func closeSinks(sinks []sink.Sink, log *zap.Logger) {
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			log.Warn("goproctor: sink close", zap.String("sink", s.Name()), zap.Error(err))
		}
	}
}

func initializeHMACAuth(cfg config.Config, log *zap.Logger) *httpx.HMACAuth {
	if cfg.HMACSecret == "" {
		if cfg.RequireHMAC {
			log.Warn("goproctor: REQUIRE_HMAC set without HMAC_SECRET, signed ingest disabled")
		}
		return nil
	}
	return httpx.NewHMACAuth(cfg.HMACSecret, cfg.RequireHMAC, log)
}

// analysisOptions maps the operator knobs onto the engine options.
func analysisOptions(cfg config.Config) analysis.Options {
	opts := analysis.DefaultOptions()
	rc := cfg.Risk

	th := detection.Thresholds{Low: rc.Low, Medium: rc.Medium, High: rc.High, Critical: rc.Critical}
	opts.Detection.Thresholds = th
	opts.Risk.Thresholds = th
	opts.Risk.Baseline = rc.Baseline

	weights := make(map[detection.Type]float64, len(rc.Weights))
	for k, w := range rc.Weights {
		weights[detection.Type(k)] = w
	}
	opts.Risk.Weights = weights
	opts.Alerts = risk.AlertThresholds{Warning: rc.AlertWarning, High: rc.AlertHigh, Critical: rc.AlertCritical}

	if rc.MinKeystrokes > 0 {
		opts.Features.MinKeystrokes = rc.MinKeystrokes
	}
	if rc.MinMouseEvents > 0 {
		opts.Features.MinMouseEvents = rc.MinMouseEvents
	}
	if rc.MinResponses > 0 {
		opts.Features.MinResponses = rc.MinResponses
		opts.Detection.MinResponses = rc.MinResponses
	}
	if rc.TimeSyncDriftMs > 0 {
		opts.Detection.TimeSyncDriftMs = rc.TimeSyncDriftMs
	}
	opts.Workers = cfg.Workers
	opts.TrustProxy = cfg.TrustProxy
	return opts
}

func startHTTPServer(cfg config.Config, handler http.Handler, log *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		log.Info("goproctor: listening", zap.String("addr", cfg.ServerAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("goproctor: server error", zap.Error(err))
		}
	}()
	return srv
}
