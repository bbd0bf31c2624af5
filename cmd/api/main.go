package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"paygate/internal/config"
	"paygate/internal/core/reconcile"
	"paygate/internal/domain/payment"
	"paygate/internal/events"
	"paygate/internal/events/kafka"
	httpx "paygate/internal/http"
	"paygate/internal/provider"
	"paygate/internal/provider/click"
	"paygate/internal/provider/payme"
	"paygate/internal/provider/uzum"
	paysvc "paygate/internal/services/payment"
	"paygate/internal/services/refund"
	"paygate/internal/services/replay"
	"paygate/internal/store/lock"
	"paygate/internal/store/memory"
	"paygate/internal/store/postgres"
	"paygate/internal/store/redis"
	"paygate/internal/store/repositories"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	config.SetupLogger(cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store
	var (
		uow  repositories.UnitOfWork
		ping func(context.Context) error
	)
	switch cfg.DB.Driver {
	case "memory":
		log.Warn().Msg("using in-memory store; orders must be seeded and nothing survives a restart")
		uow = memory.NewStore()
	default:
		if cfg.DB.Migrate {
			if err := postgres.Migrate(ctx, cfg.DB.DSN); err != nil {
				log.Fatal().Err(err).Msg("db migrate fail")
			}
		}
		pool := postgres.MustOpen(ctx, cfg.DB.DSN)
		defer pool.Close()
		uow = postgres.NewUnitOfWork(pool)
		ping = pool.Ping
	}

	// Callback lock: redis when several replicas share the store
	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.Addr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		rl := redis.NewLocker(client, cfg.Redis.LockTTL, cfg.Redis.LockWait)
		if err := rl.Ping(ctx); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis ping fail")
		}
		locker = rl
	}

	// Status change events
	var pub events.Publisher = events.Noop{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kp.Close()
		pub = kp
	}

	reconciler := reconcile.New(pub)
	ledger := provider.NewLedger(uow, reconciler, locker)
	gateways := provider.NewRegistry(gatewaysFor(cfg, ledger)...)

	payments := paysvc.NewService(ledger, gateways, nil)
	refunds := refund.NewService(ledger, gateways)

	// Uzum callbacks may never arrive; poll what stays PENDING
	if cfg.Poller.Enabled && cfg.Uzum.Configured() {
		worker := reconcile.NewWorker(uow.Payments(), gateways, payment.MethodUzum).
			WithSchedule(cfg.Poller.Interval, cfg.Poller.MinAge, cfg.Poller.Batch)
		go worker.Run(ctx)
	}

	// Router
	r := httpx.NewRouter(httpx.RouterDependencies{
		Config:   cfg,
		Payments: payments,
		Refunds:  refunds,
		Replay:   replay.NewService(uow, reconciler),
		Gateways: gateways,
		Ping:     ping,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Info().Str("env", cfg.App.Env).Msgf("paygate listening on :%s", cfg.App.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	cancel()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	log.Info().Msg("server stopped")
}

// gatewaysFor builds one gateway per method; methods without credentials
// get the unconfigured variant.
func gatewaysFor(cfg config.Cfg, ledger *provider.Ledger) []provider.Gateway {
	var out []provider.Gateway
	if cfg.Click.Configured() {
		out = append(out, click.New(cfg.Click, ledger))
	} else {
		out = append(out, provider.Unconfigured(payment.MethodClick))
	}
	if cfg.Payme.Configured() {
		out = append(out, payme.New(cfg.Payme, cfg.Policy, ledger))
	} else {
		out = append(out, provider.Unconfigured(payment.MethodPayme))
	}
	if cfg.Uzum.Configured() {
		out = append(out, uzum.New(cfg.Uzum, ledger))
	} else {
		out = append(out, provider.Unconfigured(payment.MethodUzum))
	}
	return out
}
