// Command chatsync-server runs the in-memory reference remote for local
// development.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/chatsync/remotetest"
)

func main() {
	_ = godotenv.Load()

	addr := getEnv("CHATSYNC_SERVER_ADDR", ":3000")
	env := getEnv("ENV", "development")

	var logger zerolog.Logger
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	opts := []remotetest.Option{remotetest.WithLogger(logger)}
	if token := os.Getenv("CHATSYNC_TOKEN"); token != "" {
		opts = append(opts, remotetest.WithToken(token))
	}
	if demo := os.Getenv("CHATSYNC_DEMO_CHATS"); demo != "" {
		opts = append(opts, remotetest.WithDemoFeed(strings.Split(demo, ",")...))
	}
	if hook := os.Getenv("CHATSYNC_WEBHOOK_URL"); hook != "" {
		opts = append(opts, remotetest.WithWebhook(hook, os.Getenv("CHATSYNC_WEBHOOK_SECRET")))
	}
	remote := remotetest.New(opts...)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", remote)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("reference remote listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown failed")
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
