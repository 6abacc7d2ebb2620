// Package main запускает HTTP-сервер движка клиентских воронок.
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

	"github.com/mmeshcher/journey-engine/internal/config"
	"github.com/mmeshcher/journey-engine/internal/handler"
	"github.com/mmeshcher/journey-engine/internal/notifier"
	"github.com/mmeshcher/journey-engine/internal/repository"
	"github.com/mmeshcher/journey-engine/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := newRepository(cfg)
	if err != nil {
		sugar.Fatalw("storage initialization error", "error", err.Error())
	}

	publisher, closePublisher, err := newPublisher(cfg)
	if err != nil {
		sugar.Fatalw("publisher initialization error", "error", err.Error())
	}
	defer closePublisher()

	svc := service.NewService(repo, publisher, logger, service.WithRelayInterval(cfg.OutboxInterval))
	defer svc.Close()

	h := handler.NewHandler(svc, logger)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Доставка событий смены стадии из outbox
	g.Go(func() error {
		svc.RunOutboxRelay(ctx)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting journey engine", "addr", cfg.RunAddress)
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

func newRepository(cfg *config.Config) (service.Repository, error) {
	if cfg.DatabaseURI == "" {
		return repository.NewMemoryRepository(), nil
	}
	return repository.NewPostgresRepository(cfg.DatabaseURI)
}

// newPublisher выбирает получателя событий: HTTP слоя рассылок, поток Redis или никого.
func newPublisher(cfg *config.Config) (service.Publisher, func(), error) {
	switch {
	case cfg.MessagingURL != "":
		return notifier.NewHTTPClient(cfg.MessagingURL), func() {}, nil
	case cfg.RedisAddress != "":
		client, err := notifier.NewRedisClient(cfg.RedisAddress, cfg.RedisPassword)
		if err != nil {
			return nil, nil, err
		}
		p := notifier.NewRedisPublisher(client, cfg.RedisStream)
		return p, func() { _ = p.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}
