// Package main запускает HTTP-сервер сервиса shopcore.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/shopcore-system/internal/config"
	"github.com/mmeshcher/shopcore-system/internal/handler"
	"github.com/mmeshcher/shopcore-system/internal/ledger"
	"github.com/mmeshcher/shopcore-system/internal/metrics"
	"github.com/mmeshcher/shopcore-system/internal/middleware"
	"github.com/mmeshcher/shopcore-system/internal/model"
	"github.com/mmeshcher/shopcore-system/internal/outbox"
	"github.com/mmeshcher/shopcore-system/internal/repository"
	"github.com/mmeshcher/shopcore-system/internal/service"
	"github.com/mmeshcher/shopcore-system/internal/sink"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	metrics.Register()

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI, cfg.OutboxMaxRetries)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient, err := ledger.NewRedisClient(ctx, cfg.RedisAddress)
	if err != nil {
		sugar.Fatalw("redis initialization error", "error", err.Error())
	}
	defer redisClient.Close()

	issueLedger := ledger.NewRedisLedger(redisClient)

	svc := service.NewService(repo, issueLedger, logger)
	defer svc.Close()

	dispatcherCfg := outbox.DefaultConfig()
	dispatcherCfg.Workers = cfg.OutboxWorkers

	dispatcher := outbox.NewDispatcher(repo, logger, dispatcherCfg)
	dispatcher.Register(model.EventCouponIssued, sink.NewCouponSink(repo, logger))

	// Без настроенного адреса уведомлений события заказов подтверждаются
	// журнальным приёмником, чтобы не копиться в DEAD_LETTER.
	var orderSink outbox.Sink = sink.NewLogSink(logger)
	if cfg.NotifyAddress != "" {
		orderSink = sink.NewNotifier(cfg.NotifyAddress)
	}
	for _, t := range []model.EventType{
		model.EventOrderCreated,
		model.EventOrderCancelled,
		model.EventOrderPaid,
		model.EventOrderRefunded,
	} {
		dispatcher.Register(t, orderSink)
	}

	authMiddleware := middleware.NewAuthMiddleware("shopcore-secret")
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновой доставки событий outbox
	g.Go(func() error {
		dispatcher.Run(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting shopcore server", "addr", cfg.RunAddress)
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
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
