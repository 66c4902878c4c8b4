// Package main запускает HTTP-сервер сервиса loyaltypos.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/avolkov/loyaltypos/internal/checkout"
	"github.com/avolkov/loyaltypos/internal/config"
	"github.com/avolkov/loyaltypos/internal/handler"
	"github.com/avolkov/loyaltypos/internal/identity"
	"github.com/avolkov/loyaltypos/internal/middleware"
	"github.com/avolkov/loyaltypos/internal/repository"
	"github.com/avolkov/loyaltypos/internal/service"
	"github.com/avolkov/loyaltypos/internal/stream"
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

	hub := stream.NewHub()

	var events stream.Publisher = hub
	var relay *stream.Relay
	if cfg.AMQPURL != "" {
		relay, err = stream.NewRelay(cfg.AMQPURL, uuid.NewString(), hub, logger)
		if err != nil {
			sugar.Fatalw("amqp initialization error", "error", err.Error())
		}
		defer relay.Close()
		events = relay
	}

	var identityClient *identity.Client
	if cfg.IdentityAddress != "" {
		identityClient = identity.NewClient(cfg.IdentityAddress)
	}

	svc := service.NewService(repo, events, identityClient)
	defer svc.Close()

	carts := checkout.NewManager(svc, svc, svc)

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, carts, hub, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фонового зеркалирования каталога учётных записей
	g.Go(func() error {
		svc.StartDirectorySync(ctx)
		return nil
	})

	// Запуск ретрансляции событий между инстансами
	if relay != nil {
		g.Go(func() error {
			if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("relay error: %w", err)
			}
			return nil
		})
	}

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting loyaltypos server", "addr", cfg.RunAddress)
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
