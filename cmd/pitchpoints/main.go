// Package main запускает HTTP-сервер сервиса питчпоинтс.
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

	"github.com/pitchpoints/pitchpoints-system/internal/cache"
	"github.com/pitchpoints/pitchpoints-system/internal/config"
	"github.com/pitchpoints/pitchpoints-system/internal/handler"
	"github.com/pitchpoints/pitchpoints-system/internal/ledger"
	"github.com/pitchpoints/pitchpoints-system/internal/middleware"
	"github.com/pitchpoints/pitchpoints-system/internal/queue"
	"github.com/pitchpoints/pitchpoints-system/internal/repository"
	"github.com/pitchpoints/pitchpoints-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	pointsLedger := ledger.New(repo)

	var catalog *cache.Catalog
	if cfg.RedisAddr != "" {
		catalog = cache.NewCatalog(cfg.RedisAddr, "", cfg.CacheTTL)
		if catalog == nil {
			sugar.Warnw("redis unavailable, catalog cache disabled", "addr", cfg.RedisAddr)
		}
	}

	var events *queue.Publisher
	if cfg.AMQPURL != "" {
		events = queue.NewPublisher(cfg.AMQPURL)
	}

	svc := service.NewService(repo, pointsLedger, catalog, events)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фонового процесса дозачисления баллов за покупки
	g.Go(func() error {
		svc.StartCreditReconciler(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting pitchpoints server", "addr", cfg.RunAddress)
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
