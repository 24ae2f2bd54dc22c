package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/chatsync"
)

// session bundles everything a command needs to drive the engine.
type session struct {
	cfg     *Config
	logger  zerolog.Logger
	backend chatsync.Backend
	store   *chatsync.MessageStore
	client  *chatsync.Client
	engine  *chatsync.Engine
}

// openSession loads the config and wires backend, store, client and engine.
// withLoop starts the periodic sync loop for the conversation that gets
// opened.
func openSession(ctx context.Context, withLoop bool) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg)

	backend, err := chatsync.OpenBackend(ctx, cfg.Storage.Backend, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Backend, err)
	}
	store := chatsync.NewMessageStore(backend, logger)

	var opts []chatsync.ClientOption
	opts = append(opts, chatsync.WithLogger(logger))
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Auth.Token != "" {
		opts = append(opts, chatsync.WithTokenProvider(chatsync.StaticToken(cfg.Auth.Token)))
	}
	client := chatsync.NewClient(opts...)

	engineOpts := &chatsync.EngineOptions{Logger: &logger}
	if withLoop {
		interval, err := time.ParseDuration(cfg.Sync.Interval)
		if err != nil || interval <= 0 {
			interval = chatsync.DefaultSyncInterval
		}
		engineOpts.SyncInterval = interval
	}
	if cfg.Sync.DemoSeeds {
		engineOpts.Seeds = chatsync.DemoSeeds()
	}

	return &session{
		cfg:     cfg,
		logger:  logger,
		backend: backend,
		store:   store,
		client:  client,
		engine:  chatsync.NewEngine(store, client, engineOpts),
	}, nil
}

// Close waits for pending pushes and releases the backend.
func (s *session) Close() {
	s.engine.Close()
	if err := s.backend.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to close storage")
	}
}

func printMessages(msgs []chatsync.Message) {
	if len(msgs) == 0 {
		fmt.Println("No messages.")
		return
	}
	for _, m := range msgs {
		fmt.Println(formatMessage(m))
	}
}

func formatMessage(m chatsync.Message) string {
	status := ""
	if m.Pending() {
		status = " (pending)"
	}
	ts := time.UnixMilli(m.Timestamp).Format("2006-01-02 15:04:05")
	return fmt.Sprintf("[%s] %-4s %s%s  (%s)", ts, m.Sender, m.Content, status, m.ID)
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
