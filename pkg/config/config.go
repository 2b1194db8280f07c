package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Detector type keys used for risk weights. They mirror detection.Type values.
var DetectorKeys = []string{
	"answer_pattern",
	"difficulty_progression",
	"timezone_manipulation",
	"collaboration",
	"vm_detection",
	"automation",
}

// MaxRetentionDays is the largest accepted retention window, in days.
const MaxRetentionDays = 36500

type Config struct {
	ServerAddr     string
	TrustProxy     bool
	MaxBodyBytes   int64    // bytes per telemetry submission
	Outputs        []string // enabled sinks: log, kafka
	RequestTimeout time.Duration

	HMACSecret  string // signs ingest bodies; empty disables verification
	RequireHMAC bool
	JWTSecret   string // analyst bearer tokens; empty disables auth
	JWTIssuer   string

	StoreBackend  string // memory | postgres
	PGDSN         string
	PGTablePrefix string

	ReputationBackend string // memory | redis
	RedisURL          string

	RateLimitRPS   float64
	RateLimitBurst int

	Workers           int
	RetentionDays     int
	RetentionSchedule string // cron spec; empty disables the scheduled purge

	LogLevel    string
	LogFile     string
	Environment string

	Risk RiskConfig
}

// RiskConfig carries the scoring knobs. None of these are fixed by the
// engine; operators tune them per deployment.
type RiskConfig struct {
	Low      float64
	Medium   float64
	High     float64
	Critical float64

	Weights map[string]float64

	AlertWarning  float64
	AlertHigh     float64
	AlertCritical float64

	MinKeystrokes   int
	MinMouseEvents  int
	MinResponses    int
	TimeSyncDriftMs float64
	Baseline        float64
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_addr", ":19890")
	v.SetDefault("trust_proxy", "false")
	v.SetDefault("max_body_bytes", 2<<20)
	v.SetDefault("outputs", "log")
	v.SetDefault("request_timeout", "30s")
	v.SetDefault("require_hmac", "false")
	v.SetDefault("jwt_issuer", "goproctor")
	v.SetDefault("store_backend", "memory")
	v.SetDefault("pg_table_prefix", "proctor")
	v.SetDefault("reputation_backend", "memory")
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("rate_limit_rps", 20.0)
	v.SetDefault("rate_limit_burst", 40)
	v.SetDefault("workers", 4)
	v.SetDefault("retention_days", 90)
	v.SetDefault("retention_schedule", "@daily")
	v.SetDefault("log_level", "info")
	v.SetDefault("environment", "development")

	v.SetDefault("risk.low", 0.25)
	v.SetDefault("risk.medium", 0.5)
	v.SetDefault("risk.high", 0.7)
	v.SetDefault("risk.critical", 0.85)
	v.SetDefault("risk.weights.answer_pattern", 0.2)
	v.SetDefault("risk.weights.difficulty_progression", 0.15)
	v.SetDefault("risk.weights.timezone_manipulation", 0.1)
	v.SetDefault("risk.weights.collaboration", 0.2)
	v.SetDefault("risk.weights.vm_detection", 0.15)
	v.SetDefault("risk.weights.automation", 0.2)
	v.SetDefault("risk.alert_warning", 0.5)
	v.SetDefault("risk.alert_high", 0.7)
	v.SetDefault("risk.alert_critical", 0.85)
	v.SetDefault("risk.min_keystrokes", 10)
	v.SetDefault("risk.min_mouse_events", 10)
	v.SetDefault("risk.min_responses", 5)
	v.SetDefault("risk.time_sync_drift_ms", 5000.0)
	v.SetDefault("risk.baseline", 0.25)
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}
	return v, nil
}

// parseBool accepts the same spellings operators already use for the
// other env switches.
func parseBool(s string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "t", "true", "y", "yes":
		return true
	case "0", "f", "false", "n", "no":
		return false
	}
	return def
}

func getBool(v *viper.Viper, k string, def bool) bool {
	return parseBool(v.GetString(k), def)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// Load reads configuration from the environment and, when CONFIG_FILE is
// set, from a YAML/JSON/TOML file. Environment values win over the file.
func Load() (Config, error) {
	v, err := newViper()
	if err != nil {
		return Config{}, err
	}

	timeout, err := time.ParseDuration(v.GetString("request_timeout"))
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse REQUEST_TIMEOUT: %w", err)
	}

	weights := make(map[string]float64, len(DetectorKeys))
	for _, k := range DetectorKeys {
		weights[k] = v.GetFloat64("risk.weights." + k)
	}

	cfg := Config{
		ServerAddr:        v.GetString("server_addr"),
		TrustProxy:        getBool(v, "trust_proxy", false),
		MaxBodyBytes:      v.GetInt64("max_body_bytes"),
		Outputs:           splitList(v.GetString("outputs")),
		RequestTimeout:    timeout,
		HMACSecret:        v.GetString("hmac_secret"),
		RequireHMAC:       getBool(v, "require_hmac", false),
		JWTSecret:         v.GetString("jwt_secret"),
		JWTIssuer:         v.GetString("jwt_issuer"),
		StoreBackend:      strings.ToLower(v.GetString("store_backend")),
		PGDSN:             v.GetString("pg_dsn"),
		PGTablePrefix:     v.GetString("pg_table_prefix"),
		ReputationBackend: strings.ToLower(v.GetString("reputation_backend")),
		RedisURL:          v.GetString("redis_url"),
		RateLimitRPS:      v.GetFloat64("rate_limit_rps"),
		RateLimitBurst:    v.GetInt("rate_limit_burst"),
		Workers:           v.GetInt("workers"),
		RetentionDays:     v.GetInt("retention_days"),
		RetentionSchedule: v.GetString("retention_schedule"),
		LogLevel:          v.GetString("log_level"),
		LogFile:           v.GetString("log_file"),
		Environment:       v.GetString("environment"),
		Risk: RiskConfig{
			Low:             v.GetFloat64("risk.low"),
			Medium:          v.GetFloat64("risk.medium"),
			High:            v.GetFloat64("risk.high"),
			Critical:        v.GetFloat64("risk.critical"),
			Weights:         weights,
			AlertWarning:    v.GetFloat64("risk.alert_warning"),
			AlertHigh:       v.GetFloat64("risk.alert_high"),
			AlertCritical:   v.GetFloat64("risk.alert_critical"),
			MinKeystrokes:   v.GetInt("risk.min_keystrokes"),
			MinMouseEvents:  v.GetInt("risk.min_mouse_events"),
			MinResponses:    v.GetInt("risk.min_responses"),
			TimeSyncDriftMs: v.GetFloat64("risk.time_sync_drift_ms"),
			Baseline:        v.GetFloat64("risk.baseline"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	r := c.Risk
	if !(0 < r.Low && r.Low < r.Medium && r.Medium < r.High && r.High < r.Critical && r.Critical <= 1) {
		return fmt.Errorf("risk thresholds must be strictly increasing in (0,1]: %v/%v/%v/%v",
			r.Low, r.Medium, r.High, r.Critical)
	}
	if !(r.AlertWarning <= r.AlertHigh && r.AlertHigh <= r.AlertCritical) {
		return fmt.Errorf("alert thresholds must be non-decreasing: %v/%v/%v",
			r.AlertWarning, r.AlertHigh, r.AlertCritical)
	}
	total := 0.0
	for k, w := range r.Weights {
		if w < 0 {
			return fmt.Errorf("risk weight %s must not be negative", k)
		}
		total += w
	}
	if total == 0 {
		return fmt.Errorf("at least one risk weight must be positive")
	}
	switch c.StoreBackend {
	case "memory":
	case "postgres":
		if c.PGDSN == "" {
			return fmt.Errorf("PG_DSN is required when STORE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.ReputationBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown REPUTATION_BACKEND %q", c.ReputationBackend)
	}
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1")
	}
	if c.RetentionDays < 1 || c.RetentionDays > MaxRetentionDays {
		return fmt.Errorf("RETENTION_DAYS must be between 1 and %d", MaxRetentionDays)
	}
	return nil
}
