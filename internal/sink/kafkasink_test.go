package sink

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"
)

func withEnvVars(t *testing.T, vars map[string]string, fn func()) {
	t.Helper()
	oldValues := make(map[string]string)
	for key, val := range vars {
		oldValues[key] = os.Getenv(key)
		if val == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, val)
		}
	}
	defer func() {
		for key, val := range oldValues {
			if val != "" {
				os.Setenv(key, val)
			} else {
				os.Unsetenv(key)
			}
		}
	}()
	fn()
}

func TestNewKafkaSinkFromEnv(t *testing.T) {
	t.Run("uses defaults when env not set", func(t *testing.T) {
		envVars := map[string]string{
			"KAFKA_BROKERS": "", "KAFKA_TOPIC": "", "KAFKA_ACKS": "", "KAFKA_COMPRESSION": "",
			"KAFKA_SASL_MECHANISM": "", "KAFKA_SASL_USER": "", "KAFKA_SASL_PASSWORD": "",
			"KAFKA_TLS_CA": "", "KAFKA_TLS_SKIP_VERIFY": "",
		}
		withEnvVars(t, envVars, func() {
			cfg := NewKafkaSinkFromEnv(nil).config
			if len(cfg.Brokers) != 1 || cfg.Brokers[0] != "localhost:9092" {
				t.Errorf("Brokers = %v, want [localhost:9092]", cfg.Brokers)
			}
			if cfg.Topic != "goproctor.analysis" {
				t.Errorf("Topic = %q, want goproctor.analysis", cfg.Topic)
			}
			if cfg.Acks != "all" {
				t.Errorf("Acks = %q, want all", cfg.Acks)
			}
			if cfg.TLSSkipVerify {
				t.Error("TLSSkipVerify should default to false")
			}
		})
	})

	t.Run("uses env variables when set", func(t *testing.T) {
		envVars := map[string]string{
			"KAFKA_BROKERS": "broker1:9092 , broker2:9092", "KAFKA_TOPIC": "proctor.results",
			"KAFKA_ACKS": "1", "KAFKA_COMPRESSION": "zstd", "KAFKA_SASL_MECHANISM": "PLAIN",
			"KAFKA_SASL_USER": "svc", "KAFKA_SASL_PASSWORD": "pw",
			"KAFKA_TLS_CA": "/etc/kafka/ca.pem", "KAFKA_TLS_SKIP_VERIFY": "yes",
		}
		withEnvVars(t, envVars, func() {
			cfg := NewKafkaSinkFromEnv(nil).config
			if strings.Join(cfg.Brokers, ",") != "broker1:9092,broker2:9092" {
				t.Errorf("Brokers = %v", cfg.Brokers)
			}
			if cfg.Topic != "proctor.results" || cfg.Acks != "1" || cfg.Compression != "zstd" {
				t.Errorf("config = %+v", cfg)
			}
			if cfg.SASLMechanism != "PLAIN" || cfg.SASLUser != "svc" || cfg.SASLPassword != "pw" {
				t.Errorf("SASL config = %+v", cfg)
			}
			if cfg.TLSCAPath != "/etc/kafka/ca.pem" || !cfg.TLSSkipVerify {
				t.Errorf("TLS config = %+v", cfg)
			}
		})
	})
}

func TestKafkaSinkName(t *testing.T) {
	sink := NewKafkaSink([]string{"localhost:9092"}, "test", nil)
	if sink.Name() != "kafka" {
		t.Errorf("Name() = %q, want kafka", sink.Name())
	}
}

func TestKafkaSinkClose(t *testing.T) {
	sink := NewKafkaSink([]string{"localhost:9092"}, "test", nil)
	if err := sink.Close(); err != nil {
		t.Errorf("Close() on unstarted sink should not error: %v", err)
	}
}

func TestKafkaSink_ConfigMap(t *testing.T) {
	tests := []struct {
		name   string
		config KafkaConfig
		want   map[string]any
		absent []string
	}{
		{
			name:   "basic configuration",
			config: KafkaConfig{Brokers: []string{"a:9092", "b:9092"}, Topic: "t", Acks: "all"},
			want:   map[string]any{"bootstrap.servers": "a:9092,b:9092", "acks": "all"},
			absent: []string{"security.protocol", "compression.type"},
		},
		{
			name:   "with compression",
			config: KafkaConfig{Brokers: []string{"a:9092"}, Compression: "gzip"},
			want:   map[string]any{"compression.type": "gzip"},
		},
		{
			name:   "with SASL",
			config: KafkaConfig{Brokers: []string{"a:9092"}, SASLMechanism: "PLAIN", SASLUser: "u", SASLPassword: "p"},
			want:   map[string]any{"security.protocol": "SASL_SSL", "sasl.mechanism": "PLAIN", "sasl.username": "u", "sasl.password": "p"},
		},
		{
			name:   "with TLS only",
			config: KafkaConfig{Brokers: []string{"a:9092"}, TLSCAPath: "/ca.pem"},
			want:   map[string]any{"security.protocol": "SSL", "ssl.ca.location": "/ca.pem"},
		},
		{
			name:   "with SASL and TLS",
			config: KafkaConfig{Brokers: []string{"a:9092"}, SASLMechanism: "SCRAM-SHA-256", TLSCAPath: "/ca.pem"},
			want:   map[string]any{"security.protocol": "SASL_SSL", "ssl.ca.location": "/ca.pem"},
		},
		{
			name:   "with TLS skip verify",
			config: KafkaConfig{Brokers: []string{"a:9092"}, TLSSkipVerify: true},
			want:   map[string]any{"ssl.endpoint.identification.algorithm": "none"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cm := newKafkaSink(tt.config, nil).configMap()
			for key, want := range tt.want {
				if got := cm[key]; got != want {
					t.Errorf("%s = %v, want %v", key, got, want)
				}
			}
			for _, key := range tt.absent {
				if _, ok := cm[key]; ok {
					t.Errorf("%s should not be set", key)
				}
			}
		})
	}
}

func TestKafkaSink_MessageKeyedBySession(t *testing.T) {
	sink := NewKafkaSink([]string{"localhost:9092"}, "proctor", nil)
	rec := Record{
		Kind:      KindAssessment,
		ID:        "01HXYZ",
		SessionID: "session-7",
		TS:        time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		Payload:   map[string]any{"composite_anomaly_probability": 0.42},
	}

	msg, err := sink.message(rec)
	if err != nil {
		t.Fatalf("message() failed: %v", err)
	}
	if string(msg.Key) != "session-7" {
		t.Errorf("Key = %q, want session-7", msg.Key)
	}
	if *msg.TopicPartition.Topic != "proctor" {
		t.Errorf("Topic = %q, want proctor", *msg.TopicPartition.Topic)
	}

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["record_kind"] != "risk_assessment" || headers["record_id"] != "01HXYZ" {
		t.Errorf("headers = %v", headers)
	}

	var decoded map[string]any
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("value is not valid JSON: %v", err)
	}
	if decoded["kind"] != "risk_assessment" || decoded["session_id"] != "session-7" {
		t.Errorf("decoded = %v", decoded)
	}
}

func TestKafkaSink_MessageRejectsUnencodablePayload(t *testing.T) {
	sink := NewKafkaSink([]string{"localhost:9092"}, "proctor", nil)
	_, err := sink.message(Record{Kind: KindAlert, Payload: make(chan int)})
	if err == nil || !strings.Contains(err.Error(), "failed to serialize record") {
		t.Errorf("message() error = %v", err)
	}
}

func TestKafkaSink_Enqueue_NoProducer(t *testing.T) {
	sink := NewKafkaSink([]string{"localhost:9092"}, "test", nil)
	err := sink.Enqueue(Record{Kind: KindDetection, ID: "r1", SessionID: "s1"})
	if err == nil {
		t.Fatal("Enqueue should fail when producer is not initialized")
	}
	if !strings.Contains(err.Error(), "not initialized") {
		t.Errorf("error should mention not initialized: %v", err)
	}
}

func TestGetEnvOr(t *testing.T) {
	tests := []struct {
		name         string
		value        string
		defaultValue string
		want         string
	}{
		{"returns default when not set", "", "default", "default"},
		{"returns env value when set", "custom", "default", "custom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnvVars(t, map[string]string{"GOPROCTOR_TEST_STR": tt.value}, func() {
				if got := getEnvOr("GOPROCTOR_TEST_STR", tt.defaultValue); got != tt.want {
					t.Errorf("getEnvOr() = %q, want %q", got, tt.want)
				}
			})
		})
	}
}

func TestGetBoolEnv(t *testing.T) {
	tests := []struct {
		value        string
		defaultValue bool
		want         bool
	}{
		{"", true, true},
		{"1", false, true},
		{"TRUE", false, true},
		{" yes ", false, true},
		{"t", false, true},
		{"0", true, false},
		{"no", true, false},
		{"F", true, false},
		{"maybe", true, true},
		{"maybe", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			withEnvVars(t, map[string]string{"GOPROCTOR_TEST_BOOL": tt.value}, func() {
				if got := getBoolEnv("GOPROCTOR_TEST_BOOL", tt.defaultValue); got != tt.want {
					t.Errorf("getBoolEnv(%q, %v) = %v, want %v", tt.value, tt.defaultValue, got, tt.want)
				}
			})
		})
	}
}
