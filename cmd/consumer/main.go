package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-booking/internal/config"
	"github.com/example/ride-booking/internal/geo"
	"github.com/example/ride-booking/internal/ingest"
	"github.com/example/ride-booking/internal/logging"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total tracking samples consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}
	logger := logging.NewLogger(cfg.LogLevel).With("component", "projector")

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	proj := &projector{
		rc:          &redisAdapter{c: rc},
		positionKey: cfg.RedisPositionsKey,
		trailLength: int64(cfg.TrailLength),
		ttl:         cfg.PositionTTL,
	}

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaSamplesTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaSamplesTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		ev, err := decodeEvent(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}

		if err := updateRedisWithRetry(ctx, proj, ev, cfg.RetryAttempts, cfg.RetryDelay); err != nil {
			redisErrors.Inc()
			logger.Error("redis update failed", "booking_id", ev.BookingID, "error", err)
			continue
		}
		redisUpdates.Inc()
	}
}

func decodeEvent(b []byte) (ingest.SampleEvent, error) {
	var ev ingest.SampleEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, err
	}
	if ev.BookingID == "" {
		return ev, errors.New("sample event without booking id")
	}
	if ev.Sample.Lat < -90 || ev.Sample.Lat > 90 || ev.Sample.Lon < -180 || ev.Sample.Lon > 180 {
		return ev, errors.New("sample coordinates out of range")
	}
	return ev, nil
}

// RedisUpdater is the subset of redis operations the projector needs.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	Trail(ctx context.Context, key string, value []byte, keep int64, ttl time.Duration) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	_, err := r.c.GeoAdd(ctx, key, loc).Result()
	return err
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

// Trail appends to a capped list and refreshes its expiry in one round trip.
func (r *redisAdapter) Trail(ctx context.Context, key string, value []byte, keep int64, ttl time.Duration) error {
	pipe := r.c.TxPipeline()
	pipe.RPush(ctx, key, value)
	if keep > 0 {
		pipe.LTrim(ctx, key, -keep, -1)
	}
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// projector writes samples in the layout the API's Redis position store
// reads: a GEO set keyed by booking, a metadata hash and the recent trail.
type projector struct {
	rc          RedisUpdater
	positionKey string
	trailLength int64
	ttl         time.Duration
}

func (p *projector) apply(ctx context.Context, ev ingest.SampleEvent) error {
	s := ev.Sample
	if err := p.rc.GeoAdd(ctx, p.positionKey, &redis.GeoLocation{Longitude: s.Lon, Latitude: s.Lat, Name: ev.BookingID}); err != nil {
		return err
	}
	at := s.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	meta := map[string]interface{}{
		"updated": at.UTC().Format(time.RFC3339Nano),
		"status":  string(ev.Status),
	}
	if s.Speed != nil {
		meta["speed"] = *s.Speed
	}
	if err := p.rc.HSet(ctx, geo.PositionMetaKey(ev.BookingID), meta); err != nil {
		return err
	}
	if p.trailLength == 0 {
		return nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return p.rc.Trail(ctx, geo.TrailKey(ev.BookingID), raw, p.trailLength, p.ttl)
}

// updateRedisWithRetry applies ev with retry and exponential backoff.
func updateRedisWithRetry(ctx context.Context, p *projector, ev ingest.SampleEvent, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = p.apply(ctx, ev); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
