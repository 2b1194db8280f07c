package reputation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	fieldAssessments = "assessments"
	fieldRiskSum     = "risk_sum"
	fieldFirstSeen   = "first_seen"
	fieldLastSeen    = "last_seen"
)

// Redis shares reputation between replicas. Counters use HINCRBY and
// HINCRBYFLOAT; session membership is a set.
type Redis struct {
	client redis.UniversalClient
	prefix string
	tracer trace.Tracer
}

// NewRedis connects using a redis:// URL.
func NewRedis(ctx context.Context, url, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisWithClient(client, prefix), nil
}

func NewRedisWithClient(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "goproctor"
	}
	return &Redis{client: client, prefix: prefix, tracer: otel.Tracer("goproctor/reputation")}
}

func (r *Redis) deviceKey(id string) string   { return r.prefix + ":device:" + id }
func (r *Redis) sessionsKey(id string) string { return r.prefix + ":device:" + id + ":sessions" }
func (r *Redis) populationKey() string        { return r.prefix + ":population" }
func (r *Redis) totalKey() string             { return r.prefix + ":population:total" }

func (r *Redis) Record(ctx context.Context, deviceID, sessionID string, now time.Time) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "reputation.record", trace.WithAttributes(attribute.String("device.id", deviceID)))
	defer span.End()

	ts := now.UTC().Format(time.RFC3339Nano)
	pipe := r.client.TxPipeline()
	first := pipe.HSetNX(ctx, r.deviceKey(deviceID), fieldFirstSeen, ts)
	pipe.HSet(ctx, r.deviceKey(deviceID), fieldLastSeen, ts)
	pipe.SAdd(ctx, r.sessionsKey(deviceID), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to record device session: %w", err)
	}
	return first.Val(), nil
}

func (r *Redis) AddRisk(ctx context.Context, deviceID string, score float64, now time.Time) error {
	ctx, span := r.tracer.Start(ctx, "reputation.add_risk", trace.WithAttributes(attribute.String("device.id", deviceID)))
	defer span.End()

	ts := now.UTC().Format(time.RFC3339Nano)
	pipe := r.client.TxPipeline()
	pipe.HSetNX(ctx, r.deviceKey(deviceID), fieldFirstSeen, ts)
	pipe.HIncrBy(ctx, r.deviceKey(deviceID), fieldAssessments, 1)
	pipe.HIncrByFloat(ctx, r.deviceKey(deviceID), fieldRiskSum, score)
	pipe.HSet(ctx, r.deviceKey(deviceID), fieldLastSeen, ts)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to merge device risk: %w", err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, deviceID string) (Device, error) {
	ctx, span := r.tracer.Start(ctx, "reputation.get", trace.WithAttributes(attribute.String("device.id", deviceID)))
	defer span.End()

	pipe := r.client.Pipeline()
	fields := pipe.HGetAll(ctx, r.deviceKey(deviceID))
	sessions := pipe.SCard(ctx, r.sessionsKey(deviceID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		span.RecordError(err)
		return Device{}, fmt.Errorf("failed to read device reputation: %w", err)
	}
	vals := fields.Val()
	if len(vals) == 0 {
		return Device{}, ErrUnknownDevice
	}

	d := Device{DeviceID: deviceID, Sessions: sessions.Val()}
	d.Assessments, _ = strconv.ParseInt(vals[fieldAssessments], 10, 64)
	d.RiskSum, _ = strconv.ParseFloat(vals[fieldRiskSum], 64)
	d.FirstSeen, _ = time.Parse(time.RFC3339Nano, vals[fieldFirstSeen])
	d.LastSeen, _ = time.Parse(time.RFC3339Nano, vals[fieldLastSeen])
	d.finish()
	return d, nil
}

func (r *Redis) Observe(ctx context.Context, components map[string]string) error {
	ctx, span := r.tracer.Start(ctx, "reputation.observe")
	defer span.End()

	pipe := r.client.TxPipeline()
	pipe.Incr(ctx, r.totalKey())
	for name, value := range components {
		pipe.HIncrBy(ctx, r.populationKey(), componentKey(name, value), 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to observe fingerprint: %w", err)
	}
	return nil
}

func (r *Redis) Frequencies(ctx context.Context, components map[string]string) (map[string]int64, int64, error) {
	ctx, span := r.tracer.Start(ctx, "reputation.frequencies")
	defer span.End()

	names := make([]string, 0, len(components))
	fields := make([]string, 0, len(components))
	for name, value := range components {
		names = append(names, name)
		fields = append(fields, componentKey(name, value))
	}

	pipe := r.client.Pipeline()
	total := pipe.Get(ctx, r.totalKey())
	var counts *redis.SliceCmd
	if len(fields) > 0 {
		counts = pipe.HMGet(ctx, r.populationKey(), fields...)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		span.RecordError(err)
		return nil, 0, fmt.Errorf("failed to read population: %w", err)
	}

	out := make(map[string]int64, len(names))
	if counts != nil {
		for i, v := range counts.Val() {
			if s, ok := v.(string); ok {
				out[names[i]], _ = strconv.ParseInt(s, 10, 64)
			} else {
				out[names[i]] = 0
			}
		}
	}
	n, _ := total.Int64()
	return out, n, nil
}

func (r *Redis) Close() error { return r.client.Close() }
