package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/paulgrammer/audiobatch/internal/events"
	"github.com/paulgrammer/audiobatch/internal/executor"
	"github.com/paulgrammer/audiobatch/internal/httpapi"
	"github.com/paulgrammer/audiobatch/internal/jobs"
	"github.com/paulgrammer/audiobatch/internal/pathutil"
	"github.com/paulgrammer/audiobatch/internal/webhook"
)

func main() {
	// Logger
	level := parseLogLevel(getenv("LOG_LEVEL", "INFO"))
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	// Config via env with sensible defaults
	addr := getenv("API_ADDR", ":8080")
	concurrency := getEnvInt("MAX_CONCURRENT_JOBS", 4)
	pollIntervalMS := getEnvInt("POLL_INTERVAL_MS", 100)
	eventHistory := getEnvInt("EVENT_HISTORY", 512)
	webhookURL := getenv("WEBHOOK_URL", "")
	maxWebhookRetries := getEnvInt("WEBHOOK_MAX_RETRIES", 5)
	webhookTimeoutSec := getEnvInt("WEBHOOK_TIMEOUT_SEC", 10)

	policy, err := pathutil.ParsePolicy(getenv("OVERWRITE_POLICY", string(pathutil.PolicyUnique)))
	if err != nil {
		slog.Error("invalid OVERWRITE_POLICY", "error", err)
		os.Exit(1)
	}

	// Core components
	bus := events.NewBus(eventHistory)
	runner := executor.NewFFmpegRunner()
	scheduler, err := jobs.NewScheduler(jobs.Config{
		Concurrency:   concurrency,
		PollInterval:  time.Duration(pollIntervalMS) * time.Millisecond,
		DefaultPolicy: policy,
	}, runner, bus)
	if err != nil {
		slog.Error("failed to initialize scheduler", "error", err)
		os.Exit(1)
	}

	// A missing transcoder leaves the API up for inspection; jobs queue
	// until an operator fixes the binary and restarts.
	if err := scheduler.Start(); err != nil {
		slog.Error("scheduler not started, conversions disabled", "error", err)
	}
	defer scheduler.Stop(30 * time.Second)

	if webhookURL != "" {
		sender := webhook.NewHTTPSender(time.Duration(webhookTimeoutSec)*time.Second, maxWebhookRetries)
		forwarder := webhook.NewForwarder(sender, webhookURL)
		ch, unsubscribe := bus.Subscribe(256)
		defer unsubscribe()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go forwarder.Run(ctx, ch)
		slog.Info("webhook forwarding enabled", "url", webhookURL)
	}

	mux := httpapi.NewRouter(scheduler, bus, runner)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var out int
		_, err := fmt.Sscanf(v, "%d", &out)
		if err == nil {
			return out
		}
	}
	return def
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "DEBUG", "debug":
		return slog.LevelDebug
	case "INFO", "info":
		return slog.LevelInfo
	case "WARN", "warning", "warn":
		return slog.LevelWarn
	case "ERROR", "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
