// Package main запускает HTTP-сервер сервиса агромаркета.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/agromarket/internal/config"
	"github.com/mmeshcher/agromarket/internal/handler"
	"github.com/mmeshcher/agromarket/internal/integrity/lockout"
	"github.com/mmeshcher/agromarket/internal/integrity/metrics"
	"github.com/mmeshcher/agromarket/internal/integrity/ratelimit"
	"github.com/mmeshcher/agromarket/internal/integrity/stock"
	"github.com/mmeshcher/agromarket/internal/integrity/suspicion"
	"github.com/mmeshcher/agromarket/internal/middleware"
	"github.com/mmeshcher/agromarket/internal/notify"
	"github.com/mmeshcher/agromarket/internal/ports"
	"github.com/mmeshcher/agromarket/internal/repository"
	"github.com/mmeshcher/agromarket/internal/service"
	"github.com/mmeshcher/agromarket/internal/worker"
)

// storage объединяет всё, что сервис и механизмы контроля требуют от хранилища.
type storage interface {
	service.Repository
	ports.TimedCounter
	ports.LoginAttemptStore
	ports.OrderHistory
	ports.Directory
	notify.Store
}

func openStorage(cfg *config.Config) (storage, error) {
	if cfg.DatabaseURI == "" {
		return repository.NewMemoryRepository(), nil
	}
	return repository.NewPostgresRepository(cfg.DatabaseURI)
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := openStorage(cfg)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	if cfg.DatabaseURI == "" {
		sugar.Warn("DATABASE_URI is empty, data is kept in memory")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var sender notify.Sender
	if cfg.NotifyWebhookAddress != "" {
		sender = notify.NewWebhookClient(cfg.NotifyWebhookAddress)
	}
	dispatcher := notify.NewDispatcher(repo, sender, logger.Named("notify"))

	limiterOpts := []ratelimit.Option{ratelimit.WithRecorder(m)}
	if locker, ok := repo.(ports.KeyLocker); ok {
		// Проверка и запись оформления сериализуются между экземплярами через PostgreSQL.
		limiterOpts = append(limiterOpts, ratelimit.WithLocker(locker))
	}
	limiter, err := ratelimit.New(repo, cfg.RateLimitPolicy(), limiterOpts...)
	if err != nil {
		sugar.Fatalw("rate limiter initialization error", "error", err.Error())
	}
	guard, err := lockout.New(repo, repo, cfg.LockoutPolicy(),
		lockout.WithLogger(logger.Named("lockout")), lockout.WithRecorder(m))
	if err != nil {
		sugar.Fatalw("lockout guard initialization error", "error", err.Error())
	}
	detector, err := suspicion.New(repo, repo, dispatcher, cfg.SuspicionPolicy(),
		suspicion.WithLogger(logger.Named("suspicion")), suspicion.WithRecorder(m))
	if err != nil {
		sugar.Fatalw("suspicion detector initialization error", "error", err.Error())
	}

	svc, err := service.NewService(repo, service.Controls{
		Allocator: stock.NewAllocator(repo, m),
		Limiter:   limiter,
		Guard:     guard,
		Detector:  detector,
	}, logger, service.WithRecorder(m))
	if err != nil {
		sugar.Fatalw("service initialization error", "error", err.Error())
	}
	defer svc.Close()

	if cfg.AdminLogin != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err := svc.EnsureAdmin(ctx, cfg.AdminLogin, cfg.AdminPassword)
		cancel()
		if err != nil {
			sugar.Fatalw("admin bootstrap error", "error", err.Error())
		}
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	if cfg.AuthSecret == "" {
		sugar.Warn("AUTH_SECRET is empty, sessions will not survive a restart")
	}
	h := handler.NewHandler(svc, logger, authMiddleware, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	pruner := worker.NewPruneWorker(map[string]worker.Pruner{
		"checkout_attempts": limiter,
		"login_failures":    guard,
	}, cfg.PruneInterval, logger.Named("prune"), m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Очистка журналов оформлений и неудачных входов
	g.Go(func() error {
		pruner.Start(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting agromarket server", "addr", cfg.RunAddress)
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
