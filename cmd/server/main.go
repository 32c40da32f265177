package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-booking/internal/auth"
	"github.com/example/ride-booking/internal/booking"
	"github.com/example/ride-booking/internal/config"
	"github.com/example/ride-booking/internal/dispatch"
	"github.com/example/ride-booking/internal/eta"
	"github.com/example/ride-booking/internal/geo"
	httpapi "github.com/example/ride-booking/internal/http"
	"github.com/example/ride-booking/internal/ingest"
	"github.com/example/ride-booking/internal/logging"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/payments"
	"github.com/example/ride-booking/internal/schedule"
	"github.com/example/ride-booking/internal/storage"
	"github.com/example/ride-booking/internal/tracking"
)

const (
	leaveQueue = "leave"
	// rearmGrace bounds how late a leave notice may still go out after a restart.
	rearmGrace = 15 * time.Minute
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var ready []func(context.Context) error

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	if pg, ok := store.(*storage.PostgresStore); ok {
		ready = append(ready, func(ctx context.Context) error { return pg.DB().PingContext(ctx) })
	}

	var (
		rdb       *redis.Client
		positions geo.Positions = geo.NewIndex()
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		positions = geo.NewRedisGeo(rdb, cfg.RedisPositionsKey)
		ready = append(ready, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	var (
		sink     tracking.SampleSink
		channels []dispatch.Channel
	)
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaSamplesTopic, cfg.KafkaEventsTopic)
		defer producer.Close()
		sink = producer
		channels = append(channels, &dispatch.EventChannel{Publisher: producer})
	}
	if cfg.FCMCredentialsFile != "" {
		client, err := dispatch.NewFirebaseSender(ctx, cfg.FCMCredentialsFile)
		if err != nil {
			return fmt.Errorf("firebase: %w", err)
		}
		channels = append(channels, dispatch.NewPushChannel(client))
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, dispatch.NewWebhookChannel(cfg.WebhookURL))
	}
	notifier := dispatch.New(store, logger, dispatch.Options{
		Workers:    cfg.NotifyWorkers,
		QueueSize:  cfg.NotifyQueueSize,
		OperatorID: cfg.OperatorAccountID,
	}, channels...)
	defer notifier.Close()

	route := &eta.CachedClient{
		Next:  eta.NewRetryingClient(eta.NewOSRMClient(cfg.OSRMEndpoint, cfg.RouteRatePerSec), cfg.RouteMaxAttempts, cfg.RouteBackoff),
		Cache: eta.NewCache(cfg.RouteCacheTTL),
	}

	if cfg.StripeAPIKey == "" {
		logger.Warn("STRIPE_API_KEY not set, payment calls will fail")
	}
	gateway := payments.NewStripeGateway(cfg.StripeAPIKey, cfg.PaymentCurrency, logger)

	base := models.Coord{Lat: cfg.DriverBaseLat, Lon: cfg.DriverBaseLon}
	scheduler := schedule.New(route, base, cfg.LeaveBuffer, store, notifier, logger)

	g, gctx := errgroup.WithContext(ctx)

	switch cfg.SchedulerBackend {
	case "asynq":
		opt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
		client := asynq.NewClient(opt)
		defer client.Close()
		inspector := asynq.NewInspector(opt)
		defer inspector.Close()
		scheduler.Use(schedule.NewAsynqArmer(client, inspector, leaveQueue))

		worker := asynq.NewServer(opt, asynq.Config{
			Concurrency: 2,
			Queues:      map[string]int{leaveQueue: 1},
			Logger:      asynqLogger{logger.With("component", "asynq")},
		})
		mux := asynq.NewServeMux()
		scheduler.Register(mux)
		if err := worker.Start(mux); err != nil {
			return fmt.Errorf("start leave worker: %w", err)
		}
		defer worker.Shutdown()
	default:
		timers := schedule.NewTimerArmer(scheduler.Fire, logger)
		defer timers.Stop()
		scheduler.Use(timers)
		if err := rearmTimers(ctx, store, scheduler, logger); err != nil {
			logger.Warn("re-arming leave timers failed", "error", err)
		}
	}

	svc := booking.NewService(store, route, gateway, notifier, scheduler, booking.Config{
		SlotWindow:   cfg.SlotWindow,
		DepositCents: cfg.DepositCents,
		Fare: booking.Fare{
			BaseCents:   cfg.FareBaseCents,
			PerKmCents:  cfg.FarePerKmCents,
			PerMinCents: cfg.FarePerMinCents,
		},
		DriverID: cfg.DriverAccountID,
	}, logger)

	tracker := tracking.NewManager(svc, positions, sink, tracking.Config{
		PickupRadiusM:  cfg.PickupRadiusM,
		DropoffRadiusM: cfg.DropoffRadiusM,
		DriverGap:      cfg.DriverGap,
		ObserverQueue:  cfg.ObserverQueue,
	}, logger)
	defer tracker.Close()
	svc.OnStatus(tracker.StatusChanged)

	api := httpapi.NewServer(httpapi.Deps{
		Bookings:     svc,
		Tracking:     tracker,
		Tokens:       auth.NewTokens(cfg.TokenSecret, cfg.TokenTTL, cfg.OperatorAccountID),
		PublicWSBase: cfg.PublicWSBase,
		TrailPoints:  cfg.PublicTrailPoints,
		Ready: func(ctx context.Context) error {
			for _, check := range ready {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
		Logger: logger,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g.Go(func() error {
		logger.Info("ride-booking listening", "addr", cfg.HTTPAddr, "scheduler", cfg.SchedulerBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		// hijacked websocket connections are not tracked by Shutdown
		tracker.Close()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, func(), error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory storage")
		return storage.NewMemoryStore(), func() {}, nil
	}
	pg, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	if cfg.RunMigrations {
		mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := pg.Migrate(mctx); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("migrations applied")
	}
	return pg, func() { _ = pg.Close() }, nil
}

// rearmTimers restores in-process leave timers for confirmed bookings after
// a restart. The asynq backend keeps its tasks in Redis and needs no help.
func rearmTimers(ctx context.Context, store storage.Store, s *schedule.Scheduler, logger *slog.Logger) error {
	list, err := store.ListBookings(ctx, storage.BookingFilter{Statuses: []models.Status{models.StatusDriverConfirmed}})
	if err != nil {
		return err
	}
	n := s.Rearm(ctx, list, time.Now(), rearmGrace)
	logger.Info("leave timers re-armed", "count", n, "confirmed", len(list))
	return nil
}

// asynqLogger routes asynq's internal logging through slog.
type asynqLogger struct{ l *slog.Logger }

func (a asynqLogger) Debug(args ...any) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...any)  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...any)  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...any) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...any) { a.l.Error(fmt.Sprint(args...)); os.Exit(1) }
