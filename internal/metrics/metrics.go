package metrics

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the Prometheus collectors for the analysis engine.
type Metrics struct {
	// Counters
	Submissions   *prometheus.CounterVec
	DetectorRuns  *prometheus.CounterVec
	Alerts        *prometheus.CounterVec
	StoreErrors   *prometheus.CounterVec
	SinkErrors    *prometheus.CounterVec
	SinkPublished *prometheus.CounterVec
	HTTPRequests  *prometheus.CounterVec

	// Gauges
	InFlightAnalyses prometheus.Gauge

	// Histograms
	DetectorDuration *prometheus.HistogramVec
	CompositeScore   prometheus.Histogram
	HTTPDuration     *prometheus.HistogramVec

	registry *prometheus.Registry
}

// Config holds configuration for the metrics server
type Config struct {
	Enabled    bool
	Addr       string
	TLSCert    string
	TLSKey     string
	ClientCA   string
	RequireTLS bool
}

// LoadConfig loads metrics configuration from environment variables
func LoadConfig() Config {
	return Config{
		Enabled:    getBool("METRICS_ENABLED", false),
		Addr:       getOr("METRICS_ADDR", "127.0.0.1:9090"),
		TLSCert:    getOr("METRICS_TLS_CERT", ""),
		TLSKey:     getOr("METRICS_TLS_KEY", ""),
		ClientCA:   getOr("METRICS_CLIENT_CA", ""),
		RequireTLS: getBool("METRICS_REQUIRE_TLS", false),
	}
}

// NewMetrics creates the collectors and registers them, together with the
// Go runtime and process collectors, on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goproctor_submissions_total",
				Help: "Telemetry submissions by modality and outcome",
			},
			[]string{"modality", "outcome"},
		),

		DetectorRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goproctor_detector_runs_total",
				Help: "Detector executions by detector and availability",
			},
			[]string{"detector", "outcome"},
		),

		Alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goproctor_alerts_total",
				Help: "Alerts raised by severity",
			},
			[]string{"severity"},
		),

		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goproctor_store_errors_total",
				Help: "Failed store operations",
			},
			[]string{"op"},
		),

		SinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goproctor_sink_errors_total",
				Help: "Total errors writing to a sink",
			},
			[]string{"sink"},
		),

		SinkPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goproctor_sink_records_total",
				Help: "Records handed to a sink by kind",
			},
			[]string{"sink", "kind"},
		),

		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goproctor_http_requests_total",
				Help: "Total HTTP requests by route and status",
			},
			[]string{"route", "method", "status"},
		),

		InFlightAnalyses: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "goproctor_inflight_analyses",
				Help: "Detector runs currently executing",
			},
		),

		DetectorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "goproctor_detector_duration_seconds",
				Help:    "Detector execution time",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"detector"},
		),

		CompositeScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "goproctor_composite_score",
				Help:    "Composite anomaly probability of produced assessments",
				Buckets: []float64{0.1, 0.25, 0.4, 0.5, 0.6, 0.7, 0.85, 0.95, 1},
			},
		),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "goproctor_http_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"route", "method"},
		),

		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Submissions,
		m.DetectorRuns,
		m.Alerts,
		m.StoreErrors,
		m.SinkErrors,
		m.SinkPublished,
		m.HTTPRequests,
		m.InFlightAnalyses,
		m.DetectorDuration,
		m.CompositeScore,
		m.HTTPDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the registry for tests and embedding.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }

// Server represents the metrics HTTP server
type Server struct {
	server *http.Server
	config Config
	log    *zap.Logger
}

// NewServer creates the metrics listener. It fails when mTLS is requested
// with a client CA that cannot be loaded.
func NewServer(config Config, m *Metrics, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:         config.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if config.RequireTLS && config.TLSCert != "" && config.TLSKey != "" {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if config.ClientCA != "" {
			clientCAs, err := loadCertPool(config.ClientCA)
			if err != nil {
				return nil, err
			}
			tlsConfig.ClientCAs = clientCAs
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
			log.Info("metrics: mTLS enabled", zap.String("client_ca", config.ClientCA))
		}
		srv.TLSConfig = tlsConfig
	}

	return &Server{server: srv, config: config, log: log}, nil
}

// Start starts the metrics server in a separate goroutine
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.log.Info("metrics: disabled (METRICS_ENABLED=false)")
		return nil
	}

	go func() {
		var err error
		if s.config.RequireTLS && s.config.TLSCert != "" && s.config.TLSKey != "" {
			s.log.Info("metrics: HTTPS server listening", zap.String("addr", s.config.Addr))
			err = s.server.ListenAndServeTLS(s.config.TLSCert, s.config.TLSKey)
		} else {
			s.log.Info("metrics: HTTP server listening", zap.String("addr", s.config.Addr))
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics: server error", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}
	s.log.Info("metrics: shutting down server")
	return s.server.Shutdown(ctx)
}

func getOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func loadCertPool(certFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", certFile)
	}
	return pool, nil
}

func (m *Metrics) IncrementSubmissions(modality, outcome string) {
	m.Submissions.WithLabelValues(modality, outcome).Inc()
}

// ObserveDetector records one detector execution.
func (m *Metrics) ObserveDetector(detector string, available bool, duration time.Duration) {
	outcome := "unavailable"
	if available {
		outcome = "available"
	}
	m.DetectorRuns.WithLabelValues(detector, outcome).Inc()
	m.DetectorDuration.WithLabelValues(detector).Observe(duration.Seconds())
}

func (m *Metrics) ObserveCompositeScore(score float64) {
	m.CompositeScore.Observe(score)
}

func (m *Metrics) IncrementAlerts(severity string) {
	m.Alerts.WithLabelValues(severity).Inc()
}

func (m *Metrics) IncrementStoreErrors(op string) {
	m.StoreErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) IncrementSinkErrors(sink string) {
	m.SinkErrors.WithLabelValues(sink).Inc()
}

func (m *Metrics) IncrementSinkPublished(sink, kind string) {
	m.SinkPublished.WithLabelValues(sink, kind).Inc()
}

func (m *Metrics) IncrementHTTPRequests(route, method, status string) {
	m.HTTPRequests.WithLabelValues(route, method, status).Inc()
}

func (m *Metrics) ObserveHTTPDuration(route, method string, duration time.Duration) {
	m.HTTPDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}
