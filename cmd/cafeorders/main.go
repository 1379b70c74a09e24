// Package main запускает HTTP-сервер сервиса заказов кафе.
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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/cafe-orders/internal/broadcast"
	"github.com/mmeshcher/cafe-orders/internal/config"
	"github.com/mmeshcher/cafe-orders/internal/handler"
	"github.com/mmeshcher/cafe-orders/internal/metrics"
	"github.com/mmeshcher/cafe-orders/internal/middleware"
	"github.com/mmeshcher/cafe-orders/internal/payment"
	"github.com/mmeshcher/cafe-orders/internal/redisx"
	"github.com/mmeshcher/cafe-orders/internal/repository"
	"github.com/mmeshcher/cafe-orders/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		sugar.Warnw("failed to load .env", "error", err.Error())
	}

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.New(reg)

	gateway := payment.NewClient(payment.Config{
		BaseURL:   cfg.PaymentGatewayURL,
		KeyID:     cfg.PaymentKeyID,
		KeySecret: cfg.PaymentKeySecret,
		Timeout:   cfg.PaymentTimeout,
	}, logger)
	if gateway.Mock() {
		sugar.Warn("payment gateway keys are not set, running in mock mode")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var bc service.Broadcaster = broadcast.Discard{}
	var publisher *broadcast.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher = broadcast.NewPublisher(cfg.KafkaBrokers, 1024, logger)
		bc = publisher
	}

	opts := handler.Options{
		Health:      repo,
		Metrics:     rec,
		RateLimiter: middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
	if cfg.RedisAddr != "" {
		rdb := redisx.New(cfg.RedisAddr)
		defer rdb.Close()
		opts.Idempotency = redisx.NewIdempotencyStore(rdb)
	}

	svc := service.NewService(repo, gateway, bc, rec, logger, service.Options{
		PaymentTimeout: cfg.PaymentTimeout,
		ReservationTTL: cfg.ReservationTTL,
		PickupWindow:   cfg.PickupWindow,
		SweepInterval:  cfg.SweepInterval,
	})
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, opts)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	if publisher != nil {
		publisher.Start(ctx)
	}
	svc.StartReservationSweeper(ctx)

	g.Go(func() error {
		opts.RateLimiter.Cleanup(ctx, 5*time.Minute)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting cafe orders server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		if publisher != nil {
			publisher.Wait()
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
