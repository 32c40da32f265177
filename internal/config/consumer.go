package config

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// ConsumerConfig configures the sample projector that mirrors tracking
// samples from Kafka into Redis.
type ConsumerConfig struct {
	MetricsAddr string

	KafkaBrokers      []string
	KafkaSamplesTopic string
	KafkaGroup        string

	RedisAddr         string
	RedisPassword     string
	RedisPositionsKey string
	// TrailLength caps the per-booking list of recent samples.
	TrailLength int
	// PositionTTL expires position metadata of bookings that went quiet.
	PositionTTL time.Duration

	RetryAttempts int
	RetryDelay    time.Duration

	LogLevel string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:       ":2112",
		KafkaBrokers:      []string{"localhost:9092"},
		KafkaSamplesTopic: "driver-locations",
		KafkaGroup:        "ride-booking-projector",
		RedisAddr:         "localhost:6379",
		RedisPositionsKey: "booking_positions",
		TrailLength:       500,
		PositionTTL:       6 * time.Hour,
		RetryAttempts:     3,
		RetryDelay:        200 * time.Millisecond,
		LogLevel:          "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = SplitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaSamplesTopic, "KAFKA_SAMPLES_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisPositionsKey, "REDIS_POSITIONS_KEY")
	setIntFromEnv(&cfg.TrailLength, "TRAIL_LENGTH", &errs)
	setDurationFromEnv(&cfg.PositionTTL, "POSITION_TTL", &errs)
	setIntFromEnv(&cfg.RetryAttempts, "REDIS_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "REDIS_RETRY_DELAY", &errs)
	setStringFromEnv(&cfg.LogLevel, "LOG_LEVEL")

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("REDIS_RETRY_ATTEMPTS must be > 0"))
	}
	if cfg.TrailLength < 0 {
		errs = append(errs, fmt.Errorf("TRAIL_LENGTH must be >= 0"))
	}
	return cfg, errors.Join(errs...)
}
