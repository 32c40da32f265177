package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the booking API process.
// Values are loaded from environment variables with defaults that let the
// binary run locally against in-memory collaborators.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN         string
	RunMigrations bool

	RedisAddr         string
	RedisPassword     string
	RedisPositionsKey string

	KafkaBrokers      []string
	KafkaSamplesTopic string
	KafkaEventsTopic  string

	OSRMEndpoint     string
	RouteMaxAttempts int
	RouteBackoff     time.Duration
	RouteRatePerSec  float64
	RouteCacheTTL    time.Duration

	StripeAPIKey    string
	PaymentCurrency string

	FCMCredentialsFile string
	WebhookURL         string
	NotifyWorkers      int
	NotifyQueueSize    int

	SchedulerBackend string
	LeaveBuffer      time.Duration

	DriverAccountID   string
	OperatorAccountID string
	DriverBaseLat     float64
	DriverBaseLon     float64

	PickupRadiusM  float64
	DropoffRadiusM float64
	DriverGap      time.Duration
	ObserverQueue  int
	// PublicTrailPoints caps the recent samples on the share link. Zero
	// leaves them out.
	PublicTrailPoints int

	SlotWindow      time.Duration
	DepositCents    int64
	FareBaseCents   int64
	FarePerKmCents  int64
	FarePerMinCents int64

	TokenSecret  string
	TokenTTL     time.Duration
	PublicWSBase string

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:          ":8080",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		RedisPositionsKey: "booking_positions",
		KafkaSamplesTopic: "driver-locations",
		KafkaEventsTopic:  "booking-notifications",
		OSRMEndpoint:      "http://localhost:5000",
		RouteMaxAttempts:  3,
		RouteBackoff:      200 * time.Millisecond,
		RouteRatePerSec:   20,
		RouteCacheTTL:     2 * time.Minute,
		PaymentCurrency:   "usd",
		NotifyWorkers:     4,
		NotifyQueueSize:   256,
		SchedulerBackend:  "timer",
		LeaveBuffer:       10 * time.Minute,
		DriverAccountID:   "driver",
		OperatorAccountID: "operator",
		PickupRadiusM:     75,
		DropoffRadiusM:    75,
		DriverGap:         30 * time.Second,
		ObserverQueue:     64,
		PublicTrailPoints: 50,
		SlotWindow:        time.Hour,
		DepositCents:      500,
		FareBaseCents:     300,
		FarePerKmCents:    150,
		FarePerMinCents:   30,
		TokenTTL:          2 * time.Hour,
		PublicWSBase:      "ws://localhost:8080",
		LogLevel:          "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisPositionsKey, "REDIS_POSITIONS_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = SplitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaSamplesTopic, "KAFKA_SAMPLES_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setIntFromEnv(&cfg.RouteMaxAttempts, "ROUTE_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RouteBackoff, "ROUTE_BACKOFF", &errs)
	setFloatFromEnv(&cfg.RouteRatePerSec, "ROUTE_RATE_PER_SEC", &errs)
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.PaymentCurrency, "PAYMENT_CURRENCY")

	cfg.FCMCredentialsFile = strings.TrimSpace(os.Getenv("FCM_CREDENTIALS_FILE"))
	cfg.WebhookURL = strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL"))
	setIntFromEnv(&cfg.NotifyWorkers, "NOTIFY_WORKERS", &errs)
	setIntFromEnv(&cfg.NotifyQueueSize, "NOTIFY_QUEUE_SIZE", &errs)

	if v := os.Getenv("SCHEDULER_BACKEND"); v != "" {
		cfg.SchedulerBackend = strings.ToLower(strings.TrimSpace(v))
	}
	setDurationFromEnv(&cfg.LeaveBuffer, "LEAVE_BUFFER", &errs)

	setStringFromEnv(&cfg.DriverAccountID, "DRIVER_ACCOUNT_ID")
	setStringFromEnv(&cfg.OperatorAccountID, "OPERATOR_ACCOUNT_ID")
	setFloatFromEnv(&cfg.DriverBaseLat, "DRIVER_BASE_LAT", &errs)
	setFloatFromEnv(&cfg.DriverBaseLon, "DRIVER_BASE_LNG", &errs)

	setFloatFromEnv(&cfg.PickupRadiusM, "PICKUP_RADIUS_M", &errs)
	setFloatFromEnv(&cfg.DropoffRadiusM, "DROPOFF_RADIUS_M", &errs)
	setDurationFromEnv(&cfg.DriverGap, "DRIVER_GAP", &errs)
	setIntFromEnv(&cfg.ObserverQueue, "OBSERVER_QUEUE", &errs)
	setIntFromEnv(&cfg.PublicTrailPoints, "PUBLIC_TRAIL_POINTS", &errs)

	setDurationFromEnv(&cfg.SlotWindow, "SLOT_WINDOW", &errs)
	setInt64FromEnv(&cfg.DepositCents, "DEPOSIT_CENTS", &errs)
	setInt64FromEnv(&cfg.FareBaseCents, "FARE_BASE_CENTS", &errs)
	setInt64FromEnv(&cfg.FarePerKmCents, "FARE_PER_KM_CENTS", &errs)
	setInt64FromEnv(&cfg.FarePerMinCents, "FARE_PER_MIN_CENTS", &errs)

	cfg.TokenSecret = os.Getenv("TOKEN_SECRET")
	setDurationFromEnv(&cfg.TokenTTL, "TOKEN_TTL", &errs)
	setStringFromEnv(&cfg.PublicWSBase, "PUBLIC_WS_BASE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.RouteMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("ROUTE_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.NotifyWorkers <= 0 {
		errs = append(errs, fmt.Errorf("NOTIFY_WORKERS must be > 0"))
	}
	if cfg.DepositCents < 0 {
		errs = append(errs, fmt.Errorf("DEPOSIT_CENTS must be >= 0"))
	}
	if cfg.SchedulerBackend != "timer" && cfg.SchedulerBackend != "asynq" {
		errs = append(errs, fmt.Errorf("SCHEDULER_BACKEND must be timer or asynq, got %q", cfg.SchedulerBackend))
	}
	if cfg.SchedulerBackend == "asynq" && cfg.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("SCHEDULER_BACKEND=asynq requires REDIS_ADDR"))
	}
	if cfg.TokenSecret == "" {
		errs = append(errs, fmt.Errorf("TOKEN_SECRET is required"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

// SplitAndTrim splits a comma separated list, dropping empty entries.
func SplitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
