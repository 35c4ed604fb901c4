package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/accounts"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()

	var index geo.Index
	var locks lock.Locker = lock.NewMemoryLocker()
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, rc.Close)
		if err := rc.Ping(ctx).Err(); err != nil {
			return err
		}
		index = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		if cfg.LockBackend == "redis" {
			locks = lock.NewRedisLocker(rc, cfg.LockTTL)
		}
		logger.Info("redis connected", "addr", cfg.RedisAddr, "lock_backend", cfg.LockBackend)
	} else {
		index = geo.NewIndex()
	}

	var store storage.RideStore = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		closers = append(closers, pg.Close)
		if cfg.RunMigrations {
			applied, err := storage.Migrate(ctx, pg.DB(), cfg.MigrationsDir)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", "files", applied)
		}
		store = pg
	}

	reg := presence.NewRegistry(locks, index, cfg.MaxActiveRides)

	var sinks []dispatch.Sink
	var positions matcher.PositionPublisher
	if len(cfg.KafkaBrokers) > 0 {
		pos := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaPositionTopic)
		events := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEventTopic)
		closers = append(closers, pos.Close, events.Close)
		positions = pos
		sinks = append(sinks, events)
	}
	if cfg.AMQPURL != "" {
		pub, err := ingest.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return err
		}
		closers = append(closers, pub.Close)
		sinks = append(sinks, pub)
	}

	hub := dispatch.NewHub(reg.OnlineDrivers, logger).WithSinks(sinks...)
	if cfg.PushEndpoint != "" {
		hub = hub.WithPush(dispatch.NewPushDispatcher(cfg.PushEndpoint))
	}

	machine := ride.NewMachine(store, locks, reg, hub, logger)
	selector := &geo.Selector{Presence: reg, Index: index, DefaultRadiusKm: cfg.RadiusKm}
	core := matcher.NewService(matcher.Config{
		RadiusKm:      cfg.RadiusKm,
		OfferTTL:      cfg.OfferTTL,
		MaxCandidates: cfg.MaxCandidates,
		ScheduleLead:  cfg.ScheduleLead,
		SweepInterval: cfg.SweepInterval,
		Currency:      cfg.PaymentCurrency,
	}, machine, selector, reg, locks, logger)

	estimator := &eta.Estimator{Cache: eta.NewCache(30 * time.Second), SpeedMps: cfg.ETASpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	core.WithETA(estimator)
	if cfg.AccountsFile != "" {
		dir, err := accounts.LoadFile(cfg.AccountsFile)
		if err != nil {
			return err
		}
		core.WithAccounts(dir)
	}
	if positions != nil {
		core.WithPositions(positions)
	}
	if cfg.StripeAPIKey != "" {
		sc := payments.NewStripeClient(cfg.StripeAPIKey)
		machine.WithPayments(sc)
		core.WithPayments(sc)
	}

	go hub.Run(ctx)
	go core.RunSweeper(ctx)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(core, hub, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
