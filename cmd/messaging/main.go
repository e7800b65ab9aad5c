package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/LeventeLantos/automessage-pipeline/internal/api"
	"github.com/LeventeLantos/automessage-pipeline/internal/broker"
	"github.com/LeventeLantos/automessage-pipeline/internal/cache"
	"github.com/LeventeLantos/automessage-pipeline/internal/config"
	"github.com/LeventeLantos/automessage-pipeline/internal/content"
	"github.com/LeventeLantos/automessage-pipeline/internal/logging"
	"github.com/LeventeLantos/automessage-pipeline/internal/repo"
	"github.com/LeventeLantos/automessage-pipeline/internal/scheduler"
	"github.com/LeventeLantos/automessage-pipeline/internal/service"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logging.New(cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("messaging app failed")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("addr", cfg.Server.Address).
		Dur("scan_interval", cfg.Scanner.Interval).
		Str("planner_cron", cfg.Planner.Cron).
		Bool("redis", cfg.Redis.Enabled).
		Msg("messaging app starting")

	pool, err := repo.Connect(ctx, cfg.Database.PostgresURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	store := repo.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	var (
		pairs     cache.ConversationCache = cache.Noop{}
		delivered cache.DeliveryCache     = cache.Noop{}
	)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis unreachable, continuing without cache")
		} else {
			rc := cache.NewRedisCache(rdb, cfg.Redis.TTL)
			pairs, delivered = rc, rc
		}
	}

	mq, err := broker.Dial(ctx, cfg.Broker.URL, cfg.Broker.ConnectRetries, 2*time.Second, log)
	if err != nil {
		return err
	}
	defer mq.Close()

	if err := mq.Setup(); err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}

	pubCh, err := mq.Channel()
	if err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}
	defer pubCh.Close()
	if err := pubCh.Confirm(false); err != nil {
		return fmt.Errorf("enable publisher confirms: %w", err)
	}

	consCh, err := mq.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}

	gen := content.NewGenerator(nil)
	producer := broker.NewProducer(pubCh, broker.ProducerOptions{
		MaxRetries: cfg.Delivery.MaxRetries,
		RatePerSec: cfg.Broker.RatePerSec,
	}, log)

	planner := service.NewPlanner(store, pairs, gen, nil, service.PlannerOptions{
		MinDelay:   cfg.Planner.MinDelay,
		MaxDelay:   cfg.Planner.MaxDelay,
		MaxRetries: cfg.Delivery.MaxRetries,
	}, log)
	scanner := service.NewScanner(store, producer, service.ScannerOptions{
		BatchSize:  cfg.Scanner.BatchSize,
		ClaimLease: cfg.Scanner.ClaimLease,
	}, log)
	distributor := service.NewDistributor(store, delivered, log)
	records := service.NewRecords(store, gen, service.RecordsOptions{
		RetryDelay: cfg.Delivery.RetryDelay,
		MaxRetries: cfg.Delivery.MaxRetries,
	}, log)
	stats := service.NewStatistics(store, mq, log)

	consumer := broker.NewConsumer(consCh, distributor, broker.ConsumerOptions{
		MaxRetries: cfg.Delivery.MaxRetries,
	}, log)
	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}

	scanSched, err := scheduler.New("scanner", cfg.Scanner.Interval, func(ctx context.Context) {
		if _, err := scanner.Scan(ctx); err != nil {
			log.Error().Err(err).Msg("scan failed, will retry next tick")
		}
	}, log)
	if err != nil {
		return err
	}
	planSched, err := scheduler.NewCron("planner", cfg.Planner.Cron, cfg.Planner.Location, func(ctx context.Context) {
		if _, err := planner.Plan(ctx); err != nil {
			log.Error().Err(err).Msg("planning run failed, will retry next trigger")
		}
	}, log)
	if err != nil {
		return err
	}

	scanSched.Start()
	planSched.Start()

	h := api.NewHandler(planner, scanner, stats, records, scanSched, planSched)
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           api.Router(h, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	scanSched.Stop()
	planSched.Stop()
	if err := consumer.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("consumer shutdown")
	}

	log.Info().Msg("messaging app stopped")
	return nil
}
