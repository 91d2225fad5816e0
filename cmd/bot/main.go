package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"chatrelay/internal/adapter/llm"
	"chatrelay/internal/adapter/telegram"
	"chatrelay/internal/infra/config"
	"chatrelay/internal/infra/logger"
	"chatrelay/internal/usecase"
)

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "--help" || arg == "-h" {
			showUsage()
			return
		}
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`chatrelay - streamed LLM answers over Telegram

USAGE:
    chatrelay [FLAGS]

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: CHATRELAY_* variables override config
                 (CHATRELAY_TELEGRAM_TOKEN, CHATRELAY_MODELS_API_KEY, ...)`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("CHATRELAY_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	// 3. Model backend: OpenRouter client behind the failover router.
	client := llm.NewOpenRouterClient(cfg.Models, log)
	router := llm.NewRouter(client, cfg.Models.Candidates, cfg.Models.Breaker, log)

	// 4. Messenger
	bot := telegram.New(cfg.Telegram, log)

	// 5. Session machinery and the delivery pipeline.
	sessions := usecase.NewSessionStore()
	registry := usecase.NewTaskRegistry(log)
	compactor := usecase.NewHistoryCompactor(
		cfg.Sessions.MaxTurns, cfg.Sessions.TokenBudget, cfg.Sessions.Encoding, log)
	retry := usecase.NewRetryPolicy(3, cfg.Stream.EditInterval, log)
	policy := usecase.FlushPolicy{
		EditInterval:    cfg.Stream.EditInterval,
		BufferWords:     cfg.Stream.BufferWords,
		SegmentCapacity: cfg.Stream.SegmentCapacity,
		MarkerRunes:     usecase.ProgressMarkerRunes,
	}
	streamer := usecase.NewStreamer(router, bot, sessions, registry, compactor, retry, policy, log)
	dispatcher := usecase.NewDispatcher(sessions, registry, streamer, bot, usecase.DispatcherConfig{
		SystemPrompt:  cfg.Sessions.SystemPrompt,
		StopPhrase:    cfg.Stream.StopPhrase,
		CancelTimeout: cfg.Stream.CancelTimeout,
	}, log)

	// 6. Graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 7. Stale-session sweep
	reaper := cron.New()
	if _, err := reaper.AddFunc(cfg.Sessions.ReapSchedule, func() {
		if n := sessions.Reap(cfg.Sessions.MaxAge); n > 0 {
			log.Info("stale sessions reaped", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("reap schedule: %w", err)
	}
	reaper.Start()
	defer reaper.Stop()

	// 8. Start
	log.Info("chatrelay starting",
		"candidates", cfg.Models.Candidates,
		"edit_interval", cfg.Stream.EditInterval,
		"segment_capacity", cfg.Stream.SegmentCapacity,
	)
	if err := bot.Start(ctx, dispatcher.HandleUpdate); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}

	<-ctx.Done()
	log.Info("shutting down, waiting for in-flight streams")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := bot.Stop(stopCtx); err != nil {
		log.Warn("telegram shutdown error", "error", err)
	}
	dispatcher.Wait()
	return nil
}
