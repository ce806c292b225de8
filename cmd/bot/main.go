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

	"joke-bot/internal/bot"
	"joke-bot/internal/config"
	"joke-bot/internal/database"
	"joke-bot/internal/generator/gemini"
	"joke-bot/internal/queue"
	"joke-bot/pkg/logger"

	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		if errors.Is(err, config.ErrEmptyBotToken) {
			fmt.Fprintln(os.Stderr, "Error: TELEGRAM_BOT_TOKEN environment variable is required")
		} else if errors.Is(err, config.ErrEmptyDBPassword) {
			fmt.Fprintln(os.Stderr, "Error: DB_PASSWORD environment variable is required")
		} else if errors.Is(err, config.ErrEmptyGeminiKey) {
			fmt.Fprintln(os.Stderr, "Error: GEMINI_API_KEY environment variable is required")
		} else {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		}
		os.Exit(1)
	}

	logger.Init(cfg.App.LogLevel, nil)
	logger.Info("Starting joke-bot",
		logger.String("app", cfg.App.Name),
		logger.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		var dbErr *database.ConnectionError
		if errors.As(err, &dbErr) {
			logger.Error("Failed to connect to database",
				logger.Err(dbErr),
				logger.String("host", dbErr.Host),
				logger.Int("port", dbErr.Port),
			)
		} else {
			logger.Error("Failed to connect to database",
				logger.Err(err),
			)
		}
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("Connected to database")

	q, err := queue.New(cfg.NATS)
	if err != nil {
		logger.Error("Failed to connect to NATS", logger.Err(err))
		os.Exit(1)
	}
	defer q.Close()
	logger.Info("Connected to NATS", logger.String("url", cfg.NATS.URL))

	gen, err := gemini.New(ctx, cfg.Gemini)
	if err != nil {
		logger.Error("Failed to create Gemini client", logger.Err(err))
		os.Exit(1)
	}
	defer gen.Close()
	logger.Info("Joke generator ready", logger.String("model", gen.Name()))

	jokeRepo := database.NewJokeRepository(db)
	userRepo := database.NewUserRepository(db)

	telegramBot, err := bot.New(cfg.Bot, cfg.Session, cfg.Gemini.Timeout, bot.Deps{
		Generator: gen,
		Jokes:     jokeRepo,
		Users:     userRepo,
		Queue:     q,
	})
	if err != nil {
		logger.Error("Failed to create bot", logger.Err(err))
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	if _, err := telegramBot.Start(gctx); err != nil {
		logger.Error("Failed to start bot", logger.Err(err))
		os.Exit(1)
	}
	logger.Info("Telegram bot started")

	g.Go(func() error {
		logger.Info("Starting joke event consumer...")
		err := q.ConsumeJokeEvents(gctx, func(event *queue.JokeEvent) error {
			if err := bot.PersistEvent(gctx, jokeRepo, userRepo, event); err != nil {
				logger.Error("Failed to persist joke event",
					logger.String("kind", string(event.Kind)),
					logger.String("session_id", event.SessionID),
					logger.Err(err),
				)
				return err
			}
			return nil
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	healthMux := http.NewServeMux()
	healthMux.HandleFunc(cfg.Health.Endpoint, func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	healthServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Health.Port),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.Info("Health server starting",
			logger.Int("port", cfg.Health.Port),
		)
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		telegramBot.Shutdown()

		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down health server", logger.Err(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Bot stopped with error", logger.Err(err))
		os.Exit(1)
	}

	logger.Info("Bot stopped gracefully")
}
