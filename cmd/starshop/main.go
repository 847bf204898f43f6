// Package main запускает магазин цифровых товаров: HTTP API, Telegram-бота
// и фоновые задачи.
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

	tgbotapi "github.com/OvyFlash/telegram-bot-api"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/starshop/internal/config"
	"github.com/mmeshcher/starshop/internal/events"
	"github.com/mmeshcher/starshop/internal/handler"
	"github.com/mmeshcher/starshop/internal/jobs"
	"github.com/mmeshcher/starshop/internal/middleware"
	"github.com/mmeshcher/starshop/internal/ratelimit"
	"github.com/mmeshcher/starshop/internal/repository"
	"github.com/mmeshcher/starshop/internal/service"
	"github.com/mmeshcher/starshop/internal/telegram"
)

const shutdownTimeout = 5 * time.Second

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}

func main() {
	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger initialization error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sugar := logger.Sugar()

	if cfg.DatabaseURI == "" {
		sugar.Fatal("database URI is required")
	}

	isolation, err := repository.ParseIsolation(cfg.TxIsolation)
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI, repository.Options{
		TxTimeout: cfg.TxTimeout,
		Isolation: isolation,
	})
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	var publisher service.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		p := events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer p.Close()
		publisher = p
	}

	var limiter handler.RateLimiter
	if cfg.RedisAddr != "" {
		l, err := ratelimit.NewRedisLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RateLimitRequests, cfg.RateLimitWindow, logger)
		if err != nil {
			sugar.Fatalw("redis initialization error", "error", err.Error())
		}
		defer l.Close()
		limiter = l
	}

	var (
		botAPI   *tgbotapi.BotAPI
		notifier service.Notifier
	)
	if cfg.TelegramBotToken != "" {
		botAPI, err = tgbotapi.NewBotAPI(cfg.TelegramBotToken)
		if err != nil {
			sugar.Fatalw("telegram initialization error", "error", err.Error())
		}
		if cfg.BotUsername == "" {
			cfg.BotUsername = botAPI.Self.UserName
		}
		notifier = telegram.NewNotifier(botAPI, cfg.AdminIDs, logger.Named("telegram"))
	} else {
		sugar.Warn("TELEGRAM_BOT_TOKEN is empty, chat transport disabled")
	}

	svc := service.NewService(repo, notifier, publisher, logger.Named("service"), service.Options{
		ReferralReward:      cfg.ReferralReward,
		DeliveryMaxAttempts: cfg.DeliveryMaxAttempts,
		RedeliveryGrace:     service.DefaultOptions().RedeliveryGrace,
		BotUsername:         cfg.BotUsername,
	})
	defer svc.Close()

	if cfg.AdminTokenHash == "" {
		sugar.Warn("ADMIN_TOKEN_HASH is empty, API requests will be rejected")
	}
	auth := middleware.NewAdminAuth(cfg.AdminTokenHash)
	h := handler.NewHandler(svc, limiter, logger, auth)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	scheduler := jobs.NewScheduler(svc, jobs.Schedules{
		Redelivery:     cfg.RedeliverySchedule,
		DeferredReport: cfg.DeferredReportSchedule,
	}, logger.Named("jobs"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if err := scheduler.Start(ctx); err != nil {
		sugar.Fatalw("scheduler error", "error", err.Error())
	}

	// Telegram long polling
	if botAPI != nil {
		bot := telegram.NewBot(botAPI, svc, limiter, logger.Named("telegram"))
		g.Go(func() error {
			return bot.Run(ctx)
		})
	}

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting starshop server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		scheduler.Stop()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Errorw("application terminated with error", "error", err)
	}
}
